package avct

import (
	"github.com/muxable/avctp/pkg/l2cap"
	"go.uber.org/zap"
)

// configuration progress of a channel.
const (
	cfgLocal  = 1 << iota // our request was accepted
	cfgRemote             // we accepted the peer's request
)

// chnl is the part of a link or browse block that tracks one L2CAP channel.
type chnl struct {
	state   state
	lcid    l2cap.ChannelID
	peerMTU int
	cfg     uint8
	// result of a failed configuration, reported when the channel closes.
	result Result
	queue  congestionQueue
}

func (c *chnl) reset(cid l2cap.ChannelID) {
	c.lcid = cid
	c.peerMTU = int(l2cap.MinMTU)
	c.cfg = 0
	c.result = ResultSuccess
	c.queue.reset()
}

// lcb is a link control block: the control channel to one peer.
type lcb struct {
	chnl
	addr l2cap.BDAddr
	// outgoing channel that lost a simultaneous open.
	conflict l2cap.ChannelID
	rx       *Reassembler
	bcb      Handle
}

// bcb is a browse control block, owned by the link to the same peer.
type bcb struct {
	chnl
	lcb Handle
}

// ccb is a client control block.
type ccb struct {
	cc  ClientConfig
	lcb Handle
	bcb Handle
	// set when the client asked to close, so it is confirmed rather than
	// indicated.
	closing bool
}

func (s *Stack) lcbByAddr(addr l2cap.BDAddr) (Handle, *lcb) {
	var (
		rh Handle
		rl *lcb
	)
	s.lcbs.each(func(h Handle, l *lcb) {
		if rl == nil && l.addr == addr {
			rh, rl = h, l
		}
	})
	return rh, rl
}

// lcbByCID matches the channel in use or the conflicting one.
func (s *Stack) lcbByCID(cid l2cap.ChannelID) (Handle, *lcb) {
	var (
		rh Handle
		rl *lcb
	)
	if cid == l2cap.ChannelIDNull {
		return 0, nil
	}
	s.lcbs.each(func(h Handle, l *lcb) {
		if rl == nil && (l.lcid == cid || l.conflict == cid) {
			rh, rl = h, l
		}
	})
	return rh, rl
}

func (s *Stack) bcbByCID(cid l2cap.ChannelID) (Handle, *bcb) {
	var (
		rh Handle
		rb *bcb
	)
	if cid == l2cap.ChannelIDNull {
		return 0, nil
	}
	s.bcbs.each(func(h Handle, b *bcb) {
		if rb == nil && b.lcid == cid {
			rh, rb = h, b
		}
	})
	return rh, rb
}

func (s *Stack) allocLCB(addr l2cap.BDAddr) (Handle, *lcb, bool) {
	h, l, ok := s.lcbs.alloc()
	if !ok {
		return 0, nil, false
	}
	l.addr = addr
	l.rx = NewReassembler(s.cfg.MaxMessageSize, s.log.With(zap.Stringer("addr", addr)))
	l.reset(l2cap.ChannelIDNull)
	s.log.Debug("lcb allocated", zap.Stringer("lcb", h), zap.Stringer("addr", addr))
	return h, l, true
}

// ccbByPID returns the client bound to link lh for pid.
func (s *Stack) ccbByPID(lh Handle, pid PID) (Handle, *ccb) {
	var (
		rh Handle
		rc *ccb
	)
	if lh == 0 {
		return 0, nil
	}
	s.ccbs.each(func(h Handle, c *ccb) {
		if rc == nil && c.lcb == lh && c.cc.PID == pid {
			rh, rc = h, c
		}
	})
	return rh, rc
}

// browseCCBByPID returns the client bound to browse block bh for pid.
func (s *Stack) browseCCBByPID(bh Handle, pid PID) (Handle, *ccb) {
	var (
		rh Handle
		rc *ccb
	)
	if bh == 0 {
		return 0, nil
	}
	s.ccbs.each(func(h Handle, c *ccb) {
		if rc == nil && c.bcb == bh && c.cc.PID == pid {
			rh, rc = h, c
		}
	})
	return rh, rc
}

func (s *Stack) hasPID(lh Handle, pid PID) bool {
	_, c := s.ccbByPID(lh, pid)
	return c != nil
}

// lastCCB reports whether no client but h is bound to link lh.
func (s *Stack) lastCCB(lh, h Handle) bool {
	last := true
	s.ccbs.each(func(ch Handle, c *ccb) {
		if ch != h && c.lcb == lh {
			last = false
		}
	})
	return last
}

func (s *Stack) lastBrowseCCB(bh, h Handle) bool {
	last := true
	s.ccbs.each(func(ch Handle, c *ccb) {
		if ch != h && c.bcb == bh {
			last = false
		}
	})
	return last
}

// ccbEvent queues e for the client.
func (s *Stack) ccbEvent(h Handle, c *ccb, e Event, result Result, addr l2cap.BDAddr) {
	s.log.Debug("client event",
		zap.Stringer("ccb", h),
		zap.Uint16("pid", uint16(c.cc.PID)),
		zap.Stringer("event", e),
		zap.Uint16("result", uint16(result)))
	if f := c.cc.OnEvent; f != nil {
		s.notify(func() { f(h, e, result, addr) })
	}
}

// deallocCCB frees the client and then reports e to it.
func (s *Stack) deallocCCB(h Handle, e Event, result Result, addr l2cap.BDAddr) {
	c := s.ccbs.get(h)
	if c == nil {
		return
	}
	cc := *c
	s.ccbs.free(h)
	s.log.Debug("ccb deallocated", zap.Stringer("ccb", h))
	s.ccbEvent(h, &cc, e, result, addr)
}

// deallocCCBQuiet frees the client without reporting anything.
func (s *Stack) deallocCCBQuiet(h Handle) {
	if s.ccbs.free(h) {
		s.log.Debug("ccb deallocated", zap.Stringer("ccb", h))
	}
}
