package avct

import (
	"github.com/muxable/avctp/pkg/l2cap"
	"go.uber.org/zap"
)

// ctrlHandler adapts L2CAP upcalls for the control PSM.
type ctrlHandler struct{ s *Stack }

// browseHandler adapts L2CAP upcalls for the browsing PSM.
type browseHandler struct{ s *Stack }

var (
	_ l2cap.Handler = ctrlHandler{}
	_ l2cap.Handler = browseHandler{}
)

// passive reports whether the link may give up its own connection attempt
// for one started by the peer: no bound initiator insists on its own.
func (s *Stack) passive(lh Handle) bool {
	passive := true
	s.ccbs.each(func(h Handle, c *ccb) {
		if c.lcb == lh && c.cc.Role == RoleInitiator && !c.cc.Passive {
			passive = false
		}
	})
	return passive
}

func (a ctrlHandler) ConnectInd(addr l2cap.BDAddr, cid l2cap.ChannelID, psm l2cap.PSM, id uint8) {
	s := a.s
	s.lock()
	defer s.unlock()
	s.log.Debug("l2cap connect ind", zap.Stringer("addr", addr), zap.Uint16("cid", uint16(cid)))

	result := l2cap.ConnectionResponseResultSuccessfulConnection
	fresh := false
	h, l := s.lcbByAddr(addr)
	switch {
	case l == nil:
		var ok bool
		if h, l, ok = s.allocLCB(addr); ok {
			fresh = true
		} else {
			s.log.Warn("no link available for peer", zap.Stringer("addr", addr))
			result = l2cap.ConnectionResponseResultRefusedNoResourcesAvailable
		}
	case l.state == stateOpen || l.state == stateClosing || !s.passive(h):
		result = l2cap.ConnectionResponseResultRefusedNoResourcesAvailable
	default:
		// simultaneous open: the peer's channel replaces ours.
		l.conflict = l.lcid
		s.log.Info("connection conflict, accepting peer channel",
			zap.Stringer("addr", addr), zap.Uint16("ours", uint16(l.lcid)), zap.Uint16("theirs", uint16(cid)))
		if l.state == stateConfiguring && l.lcid != l2cap.ChannelIDNull {
			if err := s.l2c.DisconnectReq(l.lcid); err != nil {
				s.log.Debug("l2cap disconnect request failed", zap.Error(err))
			}
		}
	}

	if err := s.l2c.ConnectRsp(addr, id, cid, result); err != nil {
		s.log.Error("l2cap connect response failed", zap.Stringer("addr", addr), zap.Error(err))
		if fresh {
			s.lcbs.free(h)
		}
		return
	}
	if result == l2cap.ConnectionResponseResultSuccessfulConnection {
		s.lcbEvent(h, evConnectInd, &evtData{cid: cid, addr: addr})
	}
}

func (a ctrlHandler) ConnectCfm(cid l2cap.ChannelID, result l2cap.ConnectionResponseResult) {
	s := a.s
	s.lock()
	defer s.unlock()
	s.log.Debug("l2cap connect cfm", zap.Uint16("cid", uint16(cid)), zap.Uint16("result", uint16(result)))

	h, l := s.lcbByCID(cid)
	if l == nil {
		return
	}
	if l.conflict == cid {
		if result == l2cap.ConnectionResponseResultSuccessfulConnection {
			if err := s.l2c.DisconnectReq(cid); err != nil {
				s.log.Debug("l2cap disconnect request failed", zap.Error(err))
			}
		}
		l.conflict = l2cap.ChannelIDNull
		return
	}
	if l.state != stateConnecting {
		return
	}
	if result == l2cap.ConnectionResponseResultSuccessfulConnection {
		s.lcbEvent(h, evConnectCfm, &evtData{cid: cid})
	} else {
		s.lcbEvent(h, evConnectFail, &evtData{cid: cid, result: Result(result)})
	}
}

func (a ctrlHandler) ConfigInd(cid l2cap.ChannelID, cfg *l2cap.ConfigInfo) {
	s := a.s
	cfg = orEmpty(cfg)
	s.lock()
	defer s.unlock()
	s.log.Debug("l2cap config ind", zap.Uint16("cid", uint16(cid)), zap.Uint16("mtu", cfg.MTU))
	if h, l := s.lcbByCID(cid); l != nil && l.lcid == cid {
		s.lcbEvent(h, evConfigInd, &evtData{cid: cid, cfg: cfg})
	}
}

func (a ctrlHandler) ConfigCfm(cid l2cap.ChannelID, cfg *l2cap.ConfigInfo) {
	s := a.s
	cfg = orEmpty(cfg)
	s.lock()
	defer s.unlock()
	s.log.Debug("l2cap config cfm", zap.Uint16("cid", uint16(cid)), zap.Uint16("result", uint16(cfg.Result)))
	if h, l := s.lcbByCID(cid); l != nil && l.lcid == cid {
		s.lcbEvent(h, configEvent(cfg), &evtData{cid: cid, cfg: cfg, result: Result(cfg.Result)})
	}
}

func (a ctrlHandler) DisconnectInd(cid l2cap.ChannelID, ackNeeded bool) {
	s := a.s
	s.lock()
	defer s.unlock()
	s.log.Debug("l2cap disconnect ind", zap.Uint16("cid", uint16(cid)), zap.Bool("ack", ackNeeded))
	if ackNeeded {
		if err := s.l2c.DisconnectRsp(cid); err != nil {
			s.log.Debug("l2cap disconnect response failed", zap.Error(err))
		}
	}
	h, l := s.lcbByCID(cid)
	if l == nil {
		return
	}
	if l.conflict == cid {
		l.conflict = l2cap.ChannelIDNull
		return
	}
	s.lcbEvent(h, evDisconnectInd, &evtData{cid: cid, result: l.result})
}

func (a ctrlHandler) DisconnectCfm(cid l2cap.ChannelID, result uint16) {
	s := a.s
	s.lock()
	defer s.unlock()
	s.log.Debug("l2cap disconnect cfm", zap.Uint16("cid", uint16(cid)), zap.Uint16("result", result))
	h, l := s.lcbByCID(cid)
	if l == nil {
		return
	}
	if l.conflict == cid {
		l.conflict = l2cap.ChannelIDNull
		return
	}
	res := Result(result)
	if l.result != ResultSuccess {
		res = l.result
	}
	s.lcbEvent(h, evDisconnectCfm, &evtData{cid: cid, result: res})
}

func (a ctrlHandler) CongestionInd(cid l2cap.ChannelID, congested bool) {
	s := a.s
	s.lock()
	defer s.unlock()
	s.log.Debug("l2cap congestion", zap.Uint16("cid", uint16(cid)), zap.Bool("congested", congested))
	if h, l := s.lcbByCID(cid); l != nil && l.lcid == cid {
		s.lcbEvent(h, evCong, &evtData{cid: cid, cong: congested})
	}
}

func (a ctrlHandler) DataInd(cid l2cap.ChannelID, buf []byte) {
	s := a.s
	s.lock()
	defer s.unlock()
	h, l := s.lcbByCID(cid)
	if l == nil || l.lcid != cid {
		s.log.Debug("data for unknown channel", zap.Uint16("cid", uint16(cid)), zap.Int("len", len(buf)))
		return
	}
	s.trace(Inbound, ChannelControl, l.addr, buf)
	s.lcbEvent(h, evDataInd, &evtData{cid: cid, buf: buf})
}

// ConnectInd accepts a browsing channel only from a peer whose control
// channel is open and which has no browsing channel yet.
func (a browseHandler) ConnectInd(addr l2cap.BDAddr, cid l2cap.ChannelID, psm l2cap.PSM, id uint8) {
	s := a.s
	s.lock()
	defer s.unlock()
	s.log.Debug("l2cap browse connect ind", zap.Stringer("addr", addr), zap.Uint16("cid", uint16(cid)))

	result := l2cap.ConnectionResponseResultRefusedNoResourcesAvailable
	var bh Handle
	lh, l := s.lcbByAddr(addr)
	switch {
	case l == nil || l.state != stateOpen:
		s.log.Warn("browsing channel without open control channel", zap.Stringer("addr", addr))
	case s.bcbs.get(l.bcb) != nil:
		s.log.Warn("second browsing channel refused", zap.Stringer("addr", addr))
	default:
		var (
			b  *bcb
			ok bool
		)
		if bh, b, ok = s.bcbs.alloc(); !ok {
			s.log.Warn("no browse block available", zap.Stringer("addr", addr))
			break
		}
		b.lcb = lh
		b.reset(l2cap.ChannelIDNull)
		l.bcb = bh
		result = l2cap.ConnectionResponseResultSuccessfulConnection
	}

	if err := s.l2c.ConnectRsp(addr, id, cid, result); err != nil {
		s.log.Error("l2cap connect response failed", zap.Stringer("addr", addr), zap.Error(err))
		if bh != 0 {
			s.bcbEvent(bh, evIntClose, &evtData{})
		}
		return
	}
	if bh != 0 {
		s.bcbEvent(bh, evConnectInd, &evtData{cid: cid, addr: addr})
	}
}

// ConnectCfm never matches: this side does not open browsing channels.
func (a browseHandler) ConnectCfm(cid l2cap.ChannelID, result l2cap.ConnectionResponseResult) {
	s := a.s
	s.lock()
	defer s.unlock()
	s.log.Debug("unexpected browse connect cfm", zap.Uint16("cid", uint16(cid)), zap.Uint16("result", uint16(result)))
	if result != l2cap.ConnectionResponseResultSuccessfulConnection {
		return
	}
	if err := s.l2c.DisconnectReq(cid); err != nil {
		s.log.Debug("l2cap disconnect request failed", zap.Uint16("cid", uint16(cid)), zap.Error(err))
	}
}

func (a browseHandler) ConfigInd(cid l2cap.ChannelID, cfg *l2cap.ConfigInfo) {
	s := a.s
	cfg = orEmpty(cfg)
	s.lock()
	defer s.unlock()
	s.log.Debug("l2cap browse config ind", zap.Uint16("cid", uint16(cid)), zap.Uint16("mtu", cfg.MTU))
	if h, b := s.bcbByCID(cid); b != nil {
		s.bcbEvent(h, evConfigInd, &evtData{cid: cid, cfg: cfg})
	}
}

func (a browseHandler) ConfigCfm(cid l2cap.ChannelID, cfg *l2cap.ConfigInfo) {
	s := a.s
	cfg = orEmpty(cfg)
	s.lock()
	defer s.unlock()
	s.log.Debug("l2cap browse config cfm", zap.Uint16("cid", uint16(cid)), zap.Uint16("result", uint16(cfg.Result)))
	if h, b := s.bcbByCID(cid); b != nil {
		s.bcbEvent(h, configEvent(cfg), &evtData{cid: cid, cfg: cfg, result: Result(cfg.Result)})
	}
}

func (a browseHandler) DisconnectInd(cid l2cap.ChannelID, ackNeeded bool) {
	s := a.s
	s.lock()
	defer s.unlock()
	s.log.Debug("l2cap browse disconnect ind", zap.Uint16("cid", uint16(cid)), zap.Bool("ack", ackNeeded))
	if ackNeeded {
		if err := s.l2c.DisconnectRsp(cid); err != nil {
			s.log.Debug("l2cap disconnect response failed", zap.Error(err))
		}
	}
	if h, b := s.bcbByCID(cid); b != nil {
		s.bcbEvent(h, evDisconnectInd, &evtData{cid: cid, result: b.result})
	}
}

func (a browseHandler) DisconnectCfm(cid l2cap.ChannelID, result uint16) {
	s := a.s
	s.lock()
	defer s.unlock()
	s.log.Debug("l2cap browse disconnect cfm", zap.Uint16("cid", uint16(cid)), zap.Uint16("result", result))
	if h, b := s.bcbByCID(cid); b != nil {
		res := Result(result)
		if b.result != ResultSuccess {
			res = b.result
		}
		s.bcbEvent(h, evDisconnectCfm, &evtData{cid: cid, result: res})
	}
}

func (a browseHandler) CongestionInd(cid l2cap.ChannelID, congested bool) {
	s := a.s
	s.lock()
	defer s.unlock()
	s.log.Debug("l2cap browse congestion", zap.Uint16("cid", uint16(cid)), zap.Bool("congested", congested))
	if h, b := s.bcbByCID(cid); b != nil {
		s.bcbEvent(h, evCong, &evtData{cid: cid, cong: congested})
	}
}

func (a browseHandler) DataInd(cid l2cap.ChannelID, buf []byte) {
	s := a.s
	s.lock()
	defer s.unlock()
	h, b := s.bcbByCID(cid)
	if b == nil {
		s.log.Debug("browse data for unknown channel", zap.Uint16("cid", uint16(cid)), zap.Int("len", len(buf)))
		return
	}
	var addr l2cap.BDAddr
	if l := s.lcbs.get(b.lcb); l != nil {
		addr = l.addr
	}
	s.trace(Inbound, ChannelBrowse, addr, buf)
	s.bcbEvent(h, evDataInd, &evtData{cid: cid, buf: buf})
}

// orEmpty reads a missing configuration as one without options.
func orEmpty(cfg *l2cap.ConfigInfo) *l2cap.ConfigInfo {
	if cfg == nil {
		return &l2cap.ConfigInfo{}
	}
	return cfg
}

func configEvent(cfg *l2cap.ConfigInfo) event {
	if cfg.Result == l2cap.ConfigurationResultSuccess {
		return evConfigCfm
	}
	return evConfigReject
}
