package avct

import (
	"fmt"

	"github.com/muxable/avctp/pkg/l2cap"
)

type state uint8

const (
	stateIdle state = iota
	stateConnecting
	stateConfiguring
	stateOpen
	stateClosing
	numStates
)

var stateNames = [numStates]string{"idle", "connecting", "configuring", "open", "closing"}

func (s state) String() string {
	if s < numStates {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// event drives both the link and the browse state machines.
type event uint8

const (
	// from clients
	evBind event = iota
	evUnbind
	evMsg
	// internal
	evIntClose
	evOpenInd
	// from l2cap
	evConnectInd
	evConnectCfm
	evConnectFail
	evConfigInd
	evConfigCfm
	evConfigReject
	evDisconnectInd
	evDisconnectCfm
	evCong
	evDataInd
	numEvents
)

var evNames = [numEvents]string{
	"bind", "unbind", "msg", "int-close", "open-ind",
	"connect-ind", "connect-cfm", "connect-fail",
	"config-ind", "config-cfm", "config-reject",
	"disconnect-ind", "disconnect-cfm", "cong", "data-ind",
}

func (e event) String() string {
	if e < numEvents {
		return evNames[e]
	}
	return fmt.Sprintf("event(%d)", uint8(e))
}

type action uint8

const (
	actChnlOpen action = iota
	actChnlDisc
	actUnbindDisc
	actDiscardMsg
	actAcceptConn
	actConfigReq
	actConfigRsp
	actConfigDone
	actConfigFail
	actOpenInd
	actOpenFail
	actCloseInd
	actCloseCfm
	actBindConn
	actBindFail
	actChkDisc
	actMarkClosing
	actCongInd
	actSendMsg
	actMsgInd
	actFreeMsgInd
	actDealloc
)

// transition is one cell of a state table: the actions to run, in order,
// after moving to next.
type transition struct {
	actions []action
	next    state
}

type table map[state]map[event]transition

func to(next state, actions ...action) transition {
	return transition{actions: actions, next: next}
}

// evtData carries the arguments of an event. Actions report a failure the
// caller should see through err.
type evtData struct {
	ccb    Handle
	addr   l2cap.BDAddr
	sec    l2cap.Security
	cid    l2cap.ChannelID
	cfg    *l2cap.ConfigInfo
	result Result
	cong   bool
	buf    []byte

	label   uint8
	msgType MessageType
	payload []byte

	err error
}
