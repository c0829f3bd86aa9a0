package avct

import (
	"sync"

	"github.com/gammazero/deque"
	"github.com/google/uuid"
	"github.com/muxable/avctp/pkg/l2cap"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Stack is one AVCTP instance on top of an L2CAP implementation.
//
// Every client call and every L2CAP upcall runs under a single lock. Client
// callbacks run after it is released, one at a time and in the order they
// were produced, so they may call back into the Stack.
type Stack struct {
	l2c l2cap.Interface
	cfg Config
	log *zap.Logger
	id  string

	mu         sync.Mutex
	started    bool
	lcbs       *arena[lcb]
	bcbs       *arena[bcb]
	ccbs       *arena[ccb]
	mailbox    deque.Deque[func()]
	delivering bool

	onTraceLock sync.Mutex
	onTrace     map[string]func(Trace)
}

func New(l2c l2cap.Interface, cfg Config) *Stack {
	cfg = cfg.withDefaults()
	id := uuid.NewString()
	return &Stack{
		l2c:     l2c,
		cfg:     cfg,
		log:     cfg.Logger.With(zap.String("stack", id)),
		id:      id,
		lcbs:    newArena[lcb](cfg.MaxLinks),
		bcbs:    newArena[bcb](cfg.MaxBrowse),
		ccbs:    newArena[ccb](cfg.MaxClients),
		onTrace: make(map[string]func(Trace)),
	}
}

// ID identifies the stack in its log output.
func (s *Stack) ID() string {
	return s.id
}

// Start registers the control and browsing PSMs with L2CAP.
func (s *Stack) Start() error {
	s.lock()
	defer s.unlock()
	if s.started {
		return nil
	}
	if err := s.l2c.Register(l2cap.PSMAVCTP, ctrlHandler{s}); err != nil {
		return errors.Wrap(err, "can't register control psm")
	}
	if err := s.l2c.Register(l2cap.PSMAVCTPBrowse, browseHandler{s}); err != nil {
		s.l2c.Deregister(l2cap.PSMAVCTP)
		return errors.Wrap(err, "can't register browsing psm")
	}
	s.started = true
	s.log.Info("avctp started", zap.Uint16("mtu", s.cfg.MTU), zap.Uint16("browse_mtu", s.cfg.BrowseMTU))
	return nil
}

// Stop deregisters from L2CAP. Channels already open are left to L2CAP.
func (s *Stack) Stop() {
	s.lock()
	defer s.unlock()
	if !s.started {
		return
	}
	s.l2c.Deregister(l2cap.PSMAVCTPBrowse)
	s.l2c.Deregister(l2cap.PSMAVCTP)
	s.started = false
	s.log.Info("avctp stopped")
}

// Register adds a client. Acceptors are bound to the next channel a peer
// opens; initiators call Open.
func (s *Stack) Register(cc ClientConfig) (Handle, error) {
	if cc.OnEvent == nil || cc.OnMessage == nil {
		return 0, ErrNoCallback
	}
	s.lock()
	defer s.unlock()
	h, c, ok := s.ccbs.alloc()
	if !ok {
		return 0, errors.Wrapf(ErrNoResources, "%d clients registered", s.ccbs.Len())
	}
	c.cc = cc
	s.log.Debug("client registered",
		zap.Stringer("ccb", h), zap.Uint16("pid", uint16(cc.PID)), zap.Stringer("role", cc.Role))
	return h, nil
}

// Open connects an initiator to addr, reusing the control channel if one is
// open already. The outcome is reported with EventConnectCfm; on failure the
// registration is released.
func (s *Stack) Open(h Handle, addr l2cap.BDAddr, sec l2cap.Security) error {
	s.lock()
	defer s.unlock()
	c := s.ccbs.get(h)
	switch {
	case c == nil:
		return ErrBadHandle
	case !s.started:
		return ErrNotStarted
	case c.cc.Role != RoleInitiator:
		return ErrNotInitiator
	case s.lcbs.get(c.lcb) != nil:
		return ErrAlreadyBound
	}
	lh, l := s.lcbByAddr(addr)
	if l == nil {
		var ok bool
		if lh, _, ok = s.allocLCB(addr); !ok {
			return errors.Wrapf(ErrNoResources, "no link available for %s", addr)
		}
	} else if s.hasPID(lh, c.cc.PID) {
		return errors.Wrapf(ErrPIDInUse, "pid 0x%04x on %s", uint16(c.cc.PID), addr)
	}
	c.lcb = lh
	s.lcbEvent(lh, evBind, &evtData{ccb: h, addr: addr, sec: sec})
	return nil
}

// Close releases the client. A bound client is confirmed with
// EventDisconnectCfm, and the control channel is closed when it was the last
// one using it.
func (s *Stack) Close(h Handle) error {
	s.lock()
	defer s.unlock()
	c := s.ccbs.get(h)
	if c == nil {
		return ErrBadHandle
	}
	if s.lcbs.get(c.lcb) == nil {
		s.deallocCCBQuiet(h)
		return nil
	}
	s.lcbEvent(c.lcb, evUnbind, &evtData{ccb: h})
	return nil
}

// OpenBrowse always fails: browsing channels are opened by the peer.
func (s *Stack) OpenBrowse(h Handle) error {
	s.lock()
	defer s.unlock()
	if s.ccbs.get(h) == nil {
		return ErrBadHandle
	}
	return ErrBrowseInitiate
}

// CloseBrowse unbinds the client from the browsing channel, closing it when
// it was the last client bound.
func (s *Stack) CloseBrowse(h Handle) error {
	s.lock()
	defer s.unlock()
	c := s.ccbs.get(h)
	if c == nil {
		return ErrBadHandle
	}
	if s.bcbs.get(c.bcb) == nil {
		return ErrNotOpen
	}
	s.bcbEvent(c.bcb, evUnbind, &evtData{ccb: h})
	return nil
}

// SendMessage sends payload on the control channel, fragmented as needed.
func (s *Stack) SendMessage(h Handle, label uint8, mt MessageType, payload []byte) error {
	if label > 0x0f {
		return ErrBadLabel
	}
	if mt != MessageCommand && mt != MessageResponse {
		return ErrBadMessageType
	}
	s.lock()
	defer s.unlock()
	c := s.ccbs.get(h)
	if c == nil {
		return ErrBadHandle
	}
	if s.lcbs.get(c.lcb) == nil {
		return ErrNotOpen
	}
	d := &evtData{ccb: h, label: label, msgType: mt, payload: payload}
	s.lcbEvent(c.lcb, evMsg, d)
	return d.err
}

// SendBrowseMessage sends a response on the browsing channel. It must fit in
// one packet.
func (s *Stack) SendBrowseMessage(h Handle, label uint8, payload []byte) error {
	if label > 0x0f {
		return ErrBadLabel
	}
	s.lock()
	defer s.unlock()
	c := s.ccbs.get(h)
	if c == nil {
		return ErrBadHandle
	}
	if s.bcbs.get(c.bcb) == nil {
		return ErrNotOpen
	}
	d := &evtData{ccb: h, label: label, payload: payload}
	s.bcbEvent(c.bcb, evMsg, d)
	return d.err
}

// PeerMTU returns the MTU of the client's control channel.
func (s *Stack) PeerMTU(h Handle) (int, error) {
	s.lock()
	defer s.unlock()
	c := s.ccbs.get(h)
	if c == nil {
		return 0, ErrBadHandle
	}
	l := s.lcbs.get(c.lcb)
	if l == nil || l.state != stateOpen {
		return 0, ErrNotOpen
	}
	return l.peerMTU, nil
}

// BrowseMTU returns the MTU of the client's browsing channel.
func (s *Stack) BrowseMTU(h Handle) (int, error) {
	s.lock()
	defer s.unlock()
	c := s.ccbs.get(h)
	if c == nil {
		return 0, ErrBadHandle
	}
	b := s.bcbs.get(c.bcb)
	if b == nil || b.state != stateOpen {
		return 0, ErrNotOpen
	}
	return b.peerMTU, nil
}

// PeerAddr returns the address of the peer the client is bound to.
func (s *Stack) PeerAddr(h Handle) (l2cap.BDAddr, error) {
	s.lock()
	defer s.unlock()
	c := s.ccbs.get(h)
	if c == nil {
		return l2cap.BDAddr{}, ErrBadHandle
	}
	l := s.lcbs.get(c.lcb)
	if l == nil {
		return l2cap.BDAddr{}, ErrNotOpen
	}
	return l.addr, nil
}

// Observe registers f to see every packet the stack sends or receives. f
// runs with the client callbacks. The returned func removes it.
func (s *Stack) Observe(f func(Trace)) func() {
	id := uuid.NewString()
	s.onTraceLock.Lock()
	s.onTrace[id] = f
	s.onTraceLock.Unlock()
	return func() {
		s.onTraceLock.Lock()
		delete(s.onTrace, id)
		s.onTraceLock.Unlock()
	}
}

func (s *Stack) trace(dir Direction, ch Channel, addr l2cap.BDAddr, buf []byte) {
	s.onTraceLock.Lock()
	fs := make([]func(Trace), 0, len(s.onTrace))
	for _, f := range s.onTrace {
		fs = append(fs, f)
	}
	s.onTraceLock.Unlock()
	if len(fs) == 0 {
		return
	}
	t := Trace{Direction: dir, Channel: ch, Addr: addr, Packet: append([]byte(nil), buf...)}
	s.notify(func() {
		for _, f := range fs {
			f(t)
		}
	})
}

func (s *Stack) lock() {
	s.mu.Lock()
}

// unlock releases the stack and runs the callbacks queued meanwhile.
func (s *Stack) unlock() {
	s.mu.Unlock()
	s.flush()
}

// notify queues f to run once the lock is released. Callers hold the lock.
func (s *Stack) notify(f func()) {
	s.mailbox.PushBack(f)
}

// flush runs queued callbacks until the mailbox is empty. Only one goroutine
// flushes at a time; a callback that calls into the stack leaves what it
// produced to the flush already running.
func (s *Stack) flush() {
	s.mu.Lock()
	if s.delivering {
		s.mu.Unlock()
		return
	}
	s.delivering = true
	for s.mailbox.Len() > 0 {
		f := s.mailbox.PopFront()
		s.mu.Unlock()
		f()
		s.mu.Lock()
	}
	s.delivering = false
	s.mu.Unlock()
}
