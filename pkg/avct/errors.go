package avct

import "github.com/pkg/errors"

// codec and reassembly errors.
var (
	ErrBadLabel           = errors.New("transaction label out of range")
	ErrInvalidPacketType  = errors.New("invalid packet type")
	ErrInvalidCrIPID      = errors.New("invalid cr/ipid combination")
	ErrMTUTooSmall        = errors.New("mtu too small to carry a packet")
	ErrReassemblyOverflow = errors.New("fragmented message too big")
	ErrUnexpectedFragment = errors.New("fragment without start")
	ErrFragmentedBrowse   = errors.New("fragmented packet on browsing channel")
)

// client API errors.
var (
	ErrBadHandle      = errors.New("bad handle")
	ErrNotOpen        = errors.New("channel not open")
	ErrPIDInUse       = errors.New("pid already bound to this peer")
	ErrNoResources    = errors.New("no resources")
	ErrNotInitiator   = errors.New("client is not an initiator")
	ErrAlreadyBound   = errors.New("client already bound to a peer")
	ErrBrowseInitiate = errors.New("browsing channel is opened by the peer only")
	ErrMessageTooLong = errors.New("message too long")
	ErrBadMessageType = errors.New("message type must be command or response")
	ErrNoCallback     = errors.New("client callbacks missing")
	ErrNotStarted     = errors.New("stack not started")
)
