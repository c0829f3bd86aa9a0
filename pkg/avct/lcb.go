package avct

import (
	"github.com/muxable/avctp/pkg/l2cap"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// lcbTable is the state table of the control channel. Every state lists
// every event; an entry without actions ignores the event.
var lcbTable = table{
	stateIdle: {
		evBind:          to(stateConnecting, actChnlOpen),
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
		evDisconnectCfm: to(stateIdle, actCloseCfm, actDealloc),
		evCong:          to(stateIdle),
		evDataInd:       to(stateIdle, actFreeMsgInd),
	},
	stateConnecting: {
		// bound clients are confirmed once the channel opens.
		evBind:          to(stateConnecting),
		evUnbind:        to(stateConnecting, actUnbindDisc),
		evMsg:           to(stateConnecting, actDiscardMsg),
		evIntClose:      to(stateClosing, actChnlDisc),
		evOpenInd:       to(stateConnecting),
		evConnectInd:    to(stateConfiguring, actAcceptConn),
		evConnectCfm:    to(stateConfiguring, actConfigReq),
		evConnectFail:   to(stateIdle, actOpenFail, actDealloc),
		evConfigInd:     to(stateConnecting),
		evConfigCfm:     to(stateConnecting),
		evConfigReject:  to(stateConnecting),
		evDisconnectInd: to(stateIdle, actOpenFail, actDealloc),
		evDisconnectCfm: to(stateIdle, actOpenFail, actDealloc),
		evCong:          to(stateConnecting, actCongInd),
		evDataInd:       to(stateConnecting, actFreeMsgInd),
	},
	stateConfiguring: {
		evBind:          to(stateConfiguring),
		evUnbind:        to(stateConfiguring, actUnbindDisc),
		evMsg:           to(stateConfiguring, actDiscardMsg),
		evIntClose:      to(stateClosing, actChnlDisc),
		evOpenInd:       to(stateOpen, actOpenInd),
		evConnectInd:    to(stateConfiguring, actAcceptConn),
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
		evBind:          to(stateOpen, actBindConn),
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
		evDisconnectCfm: to(stateIdle, actCloseCfm, actDealloc),
		evCong:          to(stateOpen, actCongInd),
		evDataInd:       to(stateOpen, actMsgInd),
	},
	stateClosing: {
		evBind:          to(stateClosing, actBindFail),
		evUnbind:        to(stateClosing, actMarkClosing),
		evMsg:           to(stateClosing, actDiscardMsg),
		evIntClose:      to(stateClosing),
		evOpenInd:       to(stateClosing),
		evConnectInd:    to(stateClosing),
		evConnectCfm:    to(stateClosing),
		evConnectFail:   to(stateClosing),
		evConfigInd:     to(stateClosing),
		evConfigCfm:     to(stateClosing),
		evConfigReject:  to(stateClosing),
		evDisconnectInd: to(stateIdle, actCloseCfm, actDealloc),
		evDisconnectCfm: to(stateIdle, actCloseCfm, actDealloc),
		evCong:          to(stateClosing),
		evDataInd:       to(stateClosing, actFreeMsgInd),
	},
}

// lcbEvent runs event e on link h. The state changes before the actions run,
// so an action may feed a further event to the same link.
func (s *Stack) lcbEvent(h Handle, e event, d *evtData) {
	l := s.lcbs.get(h)
	if l == nil {
		s.log.Debug("lcb event for stale handle", zap.Stringer("lcb", h), zap.Stringer("event", e))
		return
	}
	t := lcbTable[l.state][e]
	s.log.Debug("lcb event",
		zap.Stringer("lcb", h),
		zap.Stringer("event", e),
		zap.Stringer("state", l.state),
		zap.Stringer("next", t.next))
	l.state = t.next
	for _, a := range t.actions {
		s.lcbAction(a, h, d)
	}
}

func (s *Stack) lcbAction(a action, h Handle, d *evtData) {
	// an earlier action may have freed the link.
	l := s.lcbs.get(h)
	if l == nil {
		return
	}
	switch a {
	case actChnlOpen:
		cid, err := s.l2c.ConnectReq(l2cap.PSMAVCTP, l.addr, d.sec)
		if err != nil {
			s.log.Warn("l2cap connect request failed", zap.Stringer("addr", l.addr), zap.Error(err))
			s.lcbEvent(h, evConnectFail, &evtData{result: ResultFail})
			return
		}
		l.reset(cid)
		l.rx.Reset()
	case actChnlDisc:
		s.chnlDisc(&l.chnl, func() { s.lcbEvent(h, evDisconnectCfm, &evtData{result: ResultFail}) })
	case actUnbindDisc:
		s.deallocCCB(d.ccb, EventDisconnectCfm, ResultSuccess, l.addr)
	case actDiscardMsg:
		d.err = errors.Wrapf(ErrNotOpen, "link %s is %s", l.addr, l.state)
	case actAcceptConn:
		l.reset(d.cid)
		l.rx.Reset()
		s.configReq(&l.chnl, &l2cap.ConfigInfo{MTU: s.cfg.MTU})
	case actConfigReq:
		l.cfg = 0
		s.configReq(&l.chnl, &l2cap.ConfigInfo{MTU: s.cfg.MTU})
	case actConfigRsp:
		if s.configRsp(&l.chnl, d.cfg, false) && l.cfg == cfgLocal|cfgRemote {
			s.lcbEvent(h, evOpenInd, d)
		}
	case actConfigDone:
		l.cfg |= cfgLocal
		if l.cfg == cfgLocal|cfgRemote {
			s.lcbEvent(h, evOpenInd, d)
		}
	case actConfigFail:
		l.result = d.result
		s.chnlDisc(&l.chnl, func() { s.lcbEvent(h, evDisconnectCfm, &evtData{result: d.result}) })
	case actOpenInd:
		s.lcbOpenInd(h, l)
	case actOpenFail:
		s.lcbCloseBrowse(l)
		s.ccbs.each(func(ch Handle, c *ccb) {
			if c.lcb == h {
				s.deallocCCB(ch, EventConnectCfm, d.result, l.addr)
			}
		})
	case actCloseInd:
		s.lcbCloseBrowse(l)
		s.ccbs.each(func(ch Handle, c *ccb) {
			if c.lcb != h {
				return
			}
			switch {
			case c.closing:
				s.deallocCCB(ch, EventDisconnectCfm, d.result, l.addr)
			case c.cc.Role == RoleInitiator:
				s.deallocCCB(ch, EventDisconnectInd, d.result, l.addr)
			default:
				c.lcb = 0
				s.ccbEvent(ch, c, EventDisconnectInd, d.result, l.addr)
			}
		})
	case actCloseCfm:
		s.lcbCloseBrowse(l)
		s.ccbs.each(func(ch Handle, c *ccb) {
			if c.lcb != h {
				return
			}
			e := EventDisconnectInd
			if c.closing {
				e = EventDisconnectCfm
			}
			if c.closing || c.cc.Role == RoleInitiator {
				s.deallocCCB(ch, e, d.result, l.addr)
				return
			}
			c.lcb = 0
			s.ccbEvent(ch, c, e, d.result, l.addr)
		})
	case actBindConn:
		if c := s.ccbs.get(d.ccb); c != nil {
			s.ccbEvent(d.ccb, c, EventConnectCfm, ResultSuccess, l.addr)
		}
	case actBindFail:
		s.deallocCCB(d.ccb, EventConnectCfm, ResultFail, l.addr)
	case actChkDisc:
		c := s.ccbs.get(d.ccb)
		if c == nil {
			return
		}
		if c.bcb != 0 {
			s.bcbEvent(c.bcb, evUnbind, &evtData{ccb: d.ccb})
		}
		if s.lastCCB(h, d.ccb) {
			c.closing = true
			s.lcbEvent(h, evIntClose, d)
		} else {
			s.deallocCCB(d.ccb, EventDisconnectCfm, ResultSuccess, l.addr)
		}
	case actMarkClosing:
		if c := s.ccbs.get(d.ccb); c != nil {
			c.closing = true
		}
	case actCongInd:
		l.queue.setCongested(d.cong, s.writer(ChannelControl, l.addr, l.lcid))
		e := EventUncongested
		if d.cong {
			e = EventCongested
		}
		s.ccbs.each(func(ch Handle, c *ccb) {
			if c.lcb == h {
				s.ccbEvent(ch, c, e, ResultSuccess, l.addr)
			}
		})
	case actSendMsg:
		s.lcbSendMsg(l, d)
	case actMsgInd:
		s.lcbMsgInd(h, l, d)
	case actFreeMsgInd:
		s.log.Debug("dropping data on link that is not open",
			zap.Stringer("addr", l.addr), zap.Stringer("state", l.state), zap.Int("len", len(d.buf)))
	case actDealloc:
		s.lcbDealloc(h, l)
	}
}

// lcbOpenInd confirms the clients waiting on the link and binds every free
// acceptor whose profile is not already served. A link nobody wants is
// closed again.
func (s *Stack) lcbOpenInd(h Handle, l *lcb) {
	bound := false
	s.ccbs.each(func(ch Handle, c *ccb) {
		switch {
		case c.lcb == h:
			bound = true
			s.ccbEvent(ch, c, EventConnectCfm, ResultSuccess, l.addr)
		case c.lcb == 0 && c.cc.Role == RoleAcceptor && !s.hasPID(h, c.cc.PID):
			bound = true
			c.lcb = h
			s.ccbEvent(ch, c, EventConnectInd, ResultSuccess, l.addr)
		}
	})
	s.log.Info("control channel open",
		zap.Stringer("addr", l.addr), zap.Int("peer_mtu", l.peerMTU), zap.Bool("bound", bound))
	if !bound {
		s.lcbEvent(h, evIntClose, &evtData{})
	}
}

func (s *Stack) lcbSendMsg(l *lcb, d *evtData) {
	c := s.ccbs.get(d.ccb)
	if c == nil {
		d.err = ErrBadHandle
		return
	}
	pkts, err := Fragment(l.peerMTU, Header{Label: d.label, MessageType: d.msgType, PID: c.cc.PID}, d.payload)
	if err != nil {
		d.err = err
		return
	}
	w := s.writer(ChannelControl, l.addr, l.lcid)
	for _, p := range pkts {
		l.queue.send(p, w)
	}
}

func (s *Stack) lcbMsgInd(h Handle, l *lcb, d *evtData) {
	msg, err := l.rx.Push(d.buf)
	if err != nil {
		if errors.Cause(err) == ErrReassemblyOverflow {
			s.log.Error("reassembly overflow", zap.Stringer("addr", l.addr), zap.Error(err))
		} else {
			s.log.Warn("dropping packet", zap.Stringer("addr", l.addr), zap.Error(err))
		}
		return
	}
	if msg == nil {
		return
	}
	p := &Packet{}
	if err := p.Unmarshal(msg); err != nil {
		s.log.Warn("dropping message", zap.Stringer("addr", l.addr), zap.Error(err))
		return
	}
	if ch, c := s.ccbByPID(h, p.PID); c != nil {
		s.deliver(ch, c, Message{Label: p.Label, Type: p.MessageType, Channel: ChannelControl, Payload: p.Payload})
		return
	}
	s.log.Warn("message for unregistered profile",
		zap.Stringer("addr", l.addr),
		zap.Uint16("pid", uint16(p.PID)),
		zap.Stringer("type", p.MessageType))
	if p.MessageType == MessageCommand {
		l.queue.send(rejectPacket(p.Label, p.PID), s.writer(ChannelControl, l.addr, l.lcid))
	}
}

// lcbDealloc frees the link along with its browsing channel. A link some
// client still refers to is kept, idle.
func (s *Stack) lcbDealloc(h Handle, l *lcb) {
	s.lcbCloseBrowse(l)

	referenced := false
	s.ccbs.each(func(ch Handle, c *ccb) {
		if c.lcb == h {
			referenced = true
		}
	})
	if referenced {
		l.reset(l2cap.ChannelIDNull)
		l.rx.Reset()
		l.conflict = l2cap.ChannelIDNull
		return
	}
	addr := l.addr
	s.lcbs.free(h)
	s.log.Debug("lcb deallocated", zap.Stringer("lcb", h), zap.Stringer("addr", addr))
}

// lcbCloseBrowse tears down the browsing channel of the link, if any.
func (s *Stack) lcbCloseBrowse(l *lcb) {
	if b := s.bcbs.get(l.bcb); b != nil {
		s.ccbs.each(func(ch Handle, c *ccb) {
			if c.bcb == l.bcb {
				c.bcb = 0
				s.ccbEvent(ch, c, EventBrowseDisconnectInd, ResultSuccess, l.addr)
			}
		})
		if (b.state == stateConfiguring || b.state == stateOpen) && b.lcid != l2cap.ChannelIDNull {
			if err := s.l2c.DisconnectReq(b.lcid); err != nil {
				s.log.Debug("browse disconnect request failed", zap.Error(err))
			}
		}
		s.bcbs.free(l.bcb)
	}
	l.bcb = 0
}

// configReq sends our configuration for c.
func (s *Stack) configReq(c *chnl, cfg *l2cap.ConfigInfo) {
	if err := s.l2c.ConfigReq(c.lcid, cfg); err != nil {
		s.log.Error("l2cap configure request failed", zap.Uint16("cid", uint16(c.lcid)), zap.Error(err))
	}
}

// configRsp answers the peer's configuration of c and reports whether it was
// accepted. A too small MTU is refused with the minimum, and so is a browsing
// channel not in enhanced retransmission mode.
func (s *Stack) configRsp(c *chnl, cfg *l2cap.ConfigInfo, browse bool) bool {
	rsp := &l2cap.ConfigInfo{Result: l2cap.ConfigurationResultSuccess}
	switch {
	case cfg.MTU != 0 && cfg.MTU < l2cap.MinMTU:
		rsp.Result = l2cap.ConfigurationResultUnacceptableParameters
		rsp.MTU = l2cap.MinMTU
	case browse && cfg.Mode() != l2cap.ModeEnhancedRetransmission:
		rsp.Result = l2cap.ConfigurationResultUnacceptableParameters
		rsp.FCR = &l2cap.RetransmissionAndFlowControl{Mode: l2cap.ModeEnhancedRetransmission}
	}
	if rsp.Result == l2cap.ConfigurationResultSuccess {
		mtu := cfg.MTU
		if mtu == 0 {
			mtu = l2cap.DefaultMTU
		}
		if mtu > s.cfg.MaxPeerMTU {
			mtu = s.cfg.MaxPeerMTU
		}
		c.peerMTU = int(mtu)
		if browse {
			rsp.FCR = cfg.FCR
		}
	} else {
		s.log.Warn("refusing peer configuration",
			zap.Uint16("cid", uint16(c.lcid)), zap.Uint16("mtu", cfg.MTU), zap.Uint8("mode", uint8(cfg.Mode())))
	}
	if err := s.l2c.ConfigRsp(c.lcid, rsp); err != nil {
		s.log.Error("l2cap configure response failed", zap.Uint16("cid", uint16(c.lcid)), zap.Error(err))
		return false
	}
	if rsp.Result != l2cap.ConfigurationResultSuccess {
		return false
	}
	c.cfg |= cfgRemote
	return true
}

// chnlDisc disconnects c. If L2CAP refuses, the channel is gone already and
// failed runs in its place.
func (s *Stack) chnlDisc(c *chnl, failed func()) {
	if err := s.l2c.DisconnectReq(c.lcid); err != nil {
		s.log.Debug("l2cap disconnect request failed", zap.Uint16("cid", uint16(c.lcid)), zap.Error(err))
		failed()
	}
}

// writer returns the function queued packets of one channel are written with.
func (s *Stack) writer(ch Channel, addr l2cap.BDAddr, cid l2cap.ChannelID) writeFunc {
	return func(buf []byte) l2cap.WriteStatus {
		s.trace(Outbound, ch, addr, buf)
		st, err := s.l2c.DataWrite(cid, buf)
		if err != nil || st == l2cap.WriteFailed {
			s.log.Error("l2cap write failed",
				zap.Stringer("addr", addr), zap.Stringer("channel", ch), zap.Int("len", len(buf)), zap.Error(err))
			return l2cap.WriteFailed
		}
		return st
	}
}

// rejectPacket answers a command for a profile nobody registered.
func rejectPacket(label uint8, pid PID) []byte {
	buf, _ := (&Packet{Header: Header{
		Label:       label,
		PacketType:  PacketTypeSingle,
		MessageType: MessageReject,
		PID:         pid,
	}}).Marshal()
	return buf
}

func (s *Stack) deliver(h Handle, c *ccb, m Message) {
	s.log.Debug("message",
		zap.Stringer("ccb", h),
		zap.Stringer("channel", m.Channel),
		zap.Uint8("label", m.Label),
		zap.Stringer("type", m.Type),
		zap.Int("len", len(m.Payload)))
	if f := c.cc.OnMessage; f != nil {
		s.notify(func() { f(h, m) })
	}
}
