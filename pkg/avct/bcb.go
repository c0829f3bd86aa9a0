package avct

import (
	"github.com/muxable/avctp/pkg/l2cap"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// bcbStates are the states a browse block passes through. Browsing channels
// are always opened by the peer, so there is no connecting state.
var bcbStates = []state{stateIdle, stateConfiguring, stateOpen, stateClosing}

// bcbTable is the state table of the browsing channel. Clients never bind
// to it explicitly: they are bound when it opens.
var bcbTable = table{
	stateIdle: {
		evBind:          to(stateIdle),
		evUnbind:        to(stateIdle, actUnbindDisc),
		evMsg:           to(stateIdle, actDiscardMsg),
		evIntClose:      to(stateIdle, actDealloc),
		evOpenInd:       to(stateIdle),
		evConnectInd:    to(stateConfiguring, actAcceptConn),
		evConnectCfm:    to(stateIdle),
		evConnectFail:   to(stateIdle),
		evConfigInd:     to(stateIdle),
		evConfigCfm:     to(stateIdle),
		evConfigReject:  to(stateIdle),
		evDisconnectInd: to(stateIdle, actCloseInd, actDealloc),
		evDisconnectCfm: to(stateIdle, actCloseInd, actDealloc),
		evCong:          to(stateIdle),
		evDataInd:       to(stateIdle, actFreeMsgInd),
	},
	stateConfiguring: {
		evBind:          to(stateConfiguring),
		evUnbind:        to(stateConfiguring, actUnbindDisc),
		evMsg:           to(stateConfiguring, actDiscardMsg),
		evIntClose:      to(stateClosing, actChnlDisc),
		evOpenInd:       to(stateOpen, actOpenInd),
		evConnectInd:    to(stateConfiguring),
		evConnectCfm:    to(stateConfiguring),
		evConnectFail:   to(stateConfiguring),
		evConfigInd:     to(stateConfiguring, actConfigRsp),
		evConfigCfm:     to(stateConfiguring, actConfigDone),
		evConfigReject:  to(stateConfiguring, actConfigFail),
		evDisconnectInd: to(stateIdle, actOpenFail, actDealloc),
		evDisconnectCfm: to(stateIdle, actOpenFail, actDealloc),
		evCong:          to(stateConfiguring, actCongInd),
		evDataInd:       to(stateConfiguring, actFreeMsgInd),
	},
	stateOpen: {
		evBind:          to(stateOpen),
		evUnbind:        to(stateOpen, actChkDisc),
		evMsg:           to(stateOpen, actSendMsg),
		evIntClose:      to(stateClosing, actChnlDisc),
		evOpenInd:       to(stateOpen),
		evConnectInd:    to(stateOpen),
		evConnectCfm:    to(stateOpen),
		evConnectFail:   to(stateOpen),
		evConfigInd:     to(stateOpen, actConfigRsp),
		evConfigCfm:     to(stateOpen),
		evConfigReject:  to(stateOpen, actConfigFail),
		evDisconnectInd: to(stateIdle, actCloseInd, actDealloc),
		evDisconnectCfm: to(stateIdle, actCloseInd, actDealloc),
		evCong:          to(stateOpen, actCongInd),
		evDataInd:       to(stateOpen, actMsgInd),
	},
	stateClosing: {
		evBind:          to(stateClosing),
		evUnbind:        to(stateClosing, actUnbindDisc),
		evMsg:           to(stateClosing, actDiscardMsg),
		evIntClose:      to(stateClosing),
		evOpenInd:       to(stateClosing),
		evConnectInd:    to(stateClosing),
		evConnectCfm:    to(stateClosing),
		evConnectFail:   to(stateClosing),
		evConfigInd:     to(stateClosing),
		evConfigCfm:     to(stateClosing),
		evConfigReject:  to(stateClosing),
		evDisconnectInd: to(stateIdle, actCloseInd, actDealloc),
		evDisconnectCfm: to(stateIdle, actCloseInd, actDealloc),
		evCong:          to(stateClosing),
		evDataInd:       to(stateClosing, actFreeMsgInd),
	},
}

func (s *Stack) bcbEvent(h Handle, e event, d *evtData) {
	b := s.bcbs.get(h)
	if b == nil {
		s.log.Debug("bcb event for stale handle", zap.Stringer("bcb", h), zap.Stringer("event", e))
		return
	}
	t := bcbTable[b.state][e]
	s.log.Debug("bcb event",
		zap.Stringer("bcb", h),
		zap.Stringer("event", e),
		zap.Stringer("state", b.state),
		zap.Stringer("next", t.next))
	b.state = t.next
	for _, a := range t.actions {
		s.bcbAction(a, h, d)
	}
}

func (s *Stack) bcbAction(a action, h Handle, d *evtData) {
	b := s.bcbs.get(h)
	if b == nil {
		return
	}
	var addr l2cap.BDAddr
	if l := s.lcbs.get(b.lcb); l != nil {
		addr = l.addr
	}
	switch a {
	case actChnlDisc:
		s.chnlDisc(&b.chnl, func() { s.bcbEvent(h, evDisconnectCfm, &evtData{result: ResultFail}) })
	case actUnbindDisc:
		if c := s.ccbs.get(d.ccb); c != nil && c.bcb == h {
			c.bcb = 0
			s.ccbEvent(d.ccb, c, EventBrowseDisconnectCfm, ResultSuccess, addr)
		}
	case actDiscardMsg:
		d.err = errors.Wrapf(ErrNotOpen, "browsing channel to %s is %s", addr, b.state)
	case actAcceptConn:
		b.reset(d.cid)
		s.configReq(&b.chnl, &l2cap.ConfigInfo{
			MTU: s.cfg.BrowseMTU,
			FCR: &l2cap.RetransmissionAndFlowControl{Mode: l2cap.ModeEnhancedRetransmission},
		})
	case actConfigRsp:
		if s.configRsp(&b.chnl, d.cfg, true) && b.cfg == cfgLocal|cfgRemote {
			s.bcbEvent(h, evOpenInd, d)
		}
	case actConfigDone:
		b.cfg |= cfgLocal
		if b.cfg == cfgLocal|cfgRemote {
			s.bcbEvent(h, evOpenInd, d)
		}
	case actConfigFail:
		b.result = d.result
		s.chnlDisc(&b.chnl, func() { s.bcbEvent(h, evDisconnectCfm, &evtData{result: d.result}) })
	case actOpenInd:
		s.bcbOpenInd(h, b, addr)
	case actOpenFail, actCloseInd:
		s.ccbs.each(func(ch Handle, c *ccb) {
			if c.bcb == h {
				c.bcb = 0
				s.ccbEvent(ch, c, EventBrowseDisconnectInd, d.result, addr)
			}
		})
	case actChkDisc:
		c := s.ccbs.get(d.ccb)
		if c == nil || c.bcb != h {
			return
		}
		c.bcb = 0
		s.ccbEvent(d.ccb, c, EventBrowseDisconnectCfm, ResultSuccess, addr)
		if s.lastBrowseCCB(h, d.ccb) {
			s.bcbEvent(h, evIntClose, d)
		}
	case actCongInd:
		b.queue.setCongested(d.cong, s.writer(ChannelBrowse, addr, b.lcid))
		e := EventBrowseUncongested
		if d.cong {
			e = EventBrowseCongested
		}
		s.ccbs.each(func(ch Handle, c *ccb) {
			if c.bcb == h {
				s.ccbEvent(ch, c, e, ResultSuccess, addr)
			}
		})
	case actSendMsg:
		s.bcbSendMsg(b, addr, d)
	case actMsgInd:
		s.bcbMsgInd(h, b, addr, d)
	case actFreeMsgInd:
		s.log.Debug("dropping data on browsing channel that is not open",
			zap.Stringer("addr", addr), zap.Stringer("state", b.state), zap.Int("len", len(d.buf)))
	case actDealloc:
		s.bcbDealloc(h, b)
	}
}

// bcbOpenInd binds every browsing client of the owning link. A browsing
// channel nobody wants is closed again.
func (s *Stack) bcbOpenInd(h Handle, b *bcb, addr l2cap.BDAddr) {
	bound := false
	s.ccbs.each(func(ch Handle, c *ccb) {
		if c.lcb == b.lcb && c.cc.Browse {
			bound = true
			c.bcb = h
			s.ccbEvent(ch, c, EventBrowseConnectInd, ResultSuccess, addr)
		}
	})
	s.log.Info("browsing channel open",
		zap.Stringer("addr", addr), zap.Int("peer_mtu", b.peerMTU), zap.Bool("bound", bound))
	if !bound {
		s.bcbEvent(h, evIntClose, &evtData{})
	}
}

// bcbSendMsg sends a response: browsing messages are never fragmented and
// this side never initiates on the browsing channel.
func (s *Stack) bcbSendMsg(b *bcb, addr l2cap.BDAddr, d *evtData) {
	c := s.ccbs.get(d.ccb)
	if c == nil {
		d.err = ErrBadHandle
		return
	}
	if len(d.payload) > b.peerMTU-HeaderLenSingle {
		d.err = errors.Wrapf(ErrMessageTooLong, "%d bytes over browsing mtu %d", len(d.payload), b.peerMTU)
		return
	}
	buf, err := (&Packet{
		Header: Header{
			Label:       d.label,
			PacketType:  PacketTypeSingle,
			MessageType: MessageResponse,
			PID:         c.cc.PID,
		},
		Payload: d.payload,
	}).Marshal()
	if err != nil {
		d.err = err
		return
	}
	b.queue.send(buf, s.writer(ChannelBrowse, addr, b.lcid))
}

func (s *Stack) bcbMsgInd(h Handle, b *bcb, addr l2cap.BDAddr, d *evtData) {
	if len(d.buf) > 0 && packetType(d.buf[0]) != PacketTypeSingle {
		s.log.Warn("dropping packet", zap.Stringer("addr", addr),
			zap.Error(errors.Wrapf(ErrFragmentedBrowse, "%s packet", packetType(d.buf[0]))))
		return
	}
	p := &Packet{}
	if err := p.Unmarshal(d.buf); err != nil {
		s.log.Warn("dropping browse message", zap.Stringer("addr", addr), zap.Error(err))
		return
	}
	if ch, c := s.browseCCBByPID(h, p.PID); c != nil {
		s.deliver(ch, c, Message{Label: p.Label, Type: p.MessageType, Channel: ChannelBrowse, Payload: p.Payload})
		return
	}
	s.log.Warn("browse message for unregistered profile",
		zap.Stringer("addr", addr),
		zap.Uint16("pid", uint16(p.PID)),
		zap.Stringer("type", p.MessageType))
	if p.MessageType == MessageCommand {
		b.queue.send(rejectPacket(p.Label, p.PID), s.writer(ChannelBrowse, addr, b.lcid))
	}
}

func (s *Stack) bcbDealloc(h Handle, b *bcb) {
	s.ccbs.each(func(ch Handle, c *ccb) {
		if c.bcb == h {
			c.bcb = 0
		}
	})
	if l := s.lcbs.get(b.lcb); l != nil && l.bcb == h {
		l.bcb = 0
	}
	s.bcbs.free(h)
	s.log.Debug("bcb deallocated", zap.Stringer("bcb", h))
}
