// Package avct implements the Audio/Video Control Transport Protocol: it
// multiplexes profile clients such as AVRCP over one control channel and one
// optional browsing channel per peer, fragments and reassembles messages that
// do not fit the peer MTU and routes received messages by profile id.
package avct

import (
	"fmt"

	"github.com/muxable/avctp/pkg/l2cap"
)

// Role is the part a client plays in connection establishment.
type Role uint8

const (
	// RoleInitiator clients open the control channel to a peer themselves.
	RoleInitiator Role = iota
	// RoleAcceptor clients bind to channels the peer opens.
	RoleAcceptor
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "acceptor"
}

// Channel identifies the L2CAP channel a message travels on.
type Channel uint8

const (
	ChannelControl Channel = iota
	ChannelBrowse
)

func (c Channel) String() string {
	if c == ChannelControl {
		return "control"
	}
	return "browse"
}

// Event is a connection event reported to a client.
type Event uint8

const (
	EventConnectCfm Event = iota
	EventConnectInd
	EventDisconnectCfm
	EventDisconnectInd
	EventCongested
	EventUncongested
	EventBrowseConnectCfm
	EventBrowseConnectInd
	EventBrowseDisconnectCfm
	EventBrowseDisconnectInd
	EventBrowseCongested
	EventBrowseUncongested
)

var eventNames = [...]string{
	EventConnectCfm:          "connect-cfm",
	EventConnectInd:          "connect-ind",
	EventDisconnectCfm:       "disconnect-cfm",
	EventDisconnectInd:       "disconnect-ind",
	EventCongested:           "congested",
	EventUncongested:         "uncongested",
	EventBrowseConnectCfm:    "browse-connect-cfm",
	EventBrowseConnectInd:    "browse-connect-ind",
	EventBrowseDisconnectCfm: "browse-disconnect-cfm",
	EventBrowseDisconnectInd: "browse-disconnect-ind",
	EventBrowseCongested:     "browse-congested",
	EventBrowseUncongested:   "browse-uncongested",
}

func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("Event(%d)", uint8(e))
}

// Result accompanies connection events. Failures carry the L2CAP connection
// or configuration result when there is one.
type Result uint16

const (
	ResultSuccess Result = 0
	ResultFail    Result = 0xffff
)

// Message is a complete message received for a client.
type Message struct {
	Label   uint8
	Type    MessageType
	Channel Channel
	Payload []byte
}

// ClientConfig describes a client registration.
type ClientConfig struct {
	PID  PID
	Role Role
	// Passive initiators let a simultaneous connection from the peer replace
	// their own attempt instead of refusing it.
	Passive bool
	// Browse clients bind to the browsing channel when the peer opens one.
	Browse bool

	OnEvent   func(h Handle, e Event, result Result, addr l2cap.BDAddr)
	OnMessage func(h Handle, m Message)
}

// Direction of a traced packet.
type Direction uint8

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "tx"
	}
	return "rx"
}

// Trace is one AVCTP packet seen by the stack.
type Trace struct {
	Direction
	Channel
	Addr   l2cap.BDAddr
	Packet []byte
}
