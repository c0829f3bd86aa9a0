package l2cap

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// bluetooth socket options, include/net/bluetooth/bluetooth.h
const (
	solBluetooth = 274
	btSecurity   = 4
	btSndMTU     = 12
	btRcvMTU     = 13
	btMode       = 15
)

// values of the BT_MODE option.
const (
	btModeBasic     = 0x00
	btModeERTM      = 0x01
	btModeStreaming = 0x02
)

// how long a congested channel waits for the kernel before checking that it
// is still open.
const pollInterval = 500 // ms

type listener struct {
	fd      int
	handler Handler
}

type sockChan struct {
	fd      int
	psm     PSM
	handler Handler

	wmu sync.Mutex
	// packets accepted while the kernel's send buffer was full.
	held [][]byte
}

// Socket implements Interface on top of the kernel's BR/EDR L2CAP sockets.
// The kernel runs the signalling procedures itself, so configure indications
// and confirms are synthesized from the MTUs and mode the socket ended up
// with. Browsing sockets ask the kernel for enhanced retransmission mode.
//
// Writes never block. When the kernel's send buffer is full the packet is
// held, DataWrite reports WriteCongested and CongestionInd(false) follows
// once the held packets are written.
type Socket struct {
	d   *dispatcher
	log *zap.Logger

	// syscalls, replaced in tests.
	write    func(fd int, buf []byte) error
	writable func(fd int, timeout int) (bool, error)

	mu            sync.Mutex
	listeners     map[PSM]*listener
	chans         map[ChannelID]*sockChan
	nextChannelID ChannelID
	rxMTU         uint16
}

// NewSocket returns a Socket whose listening channels ask for rxMTU. Upcalls
// are delivered from a single goroutine until Close.
func NewSocket(rxMTU uint16) *Socket {
	s := newSocket(rxMTU)
	go s.d.run(context.Background())
	return s
}

func newSocket(rxMTU uint16) *Socket {
	return &Socket{
		d:             newDispatcher(),
		log:           zap.L(),
		write:         sendNonBlocking,
		writable:      pollOut,
		listeners:     make(map[PSM]*listener),
		chans:         make(map[ChannelID]*sockChan),
		nextChannelID: ChannelIDDynamicStart,
		rxMTU:         rxMTU,
	}
}

func (s *Socket) Register(psm PSM, h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listeners[psm]; ok {
		return errors.Wrapf(ErrPSMInUse, "psm 0x%04x", uint16(psm))
	}
	fd, err := s.socket(psm)
	if err != nil {
		return err
	}
	if err := unix.Bind(fd, &unix.SockaddrL2{PSM: uint16(psm)}); err != nil {
		unix.Close(fd)
		return errors.Wrapf(err, "can't bind psm 0x%04x", uint16(psm))
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return errors.Wrap(err, "can't listen")
	}
	s.listeners[psm] = &listener{fd: fd, handler: h}
	go s.accept(psm, fd, h)
	return nil
}

func (s *Socket) Deregister(psm PSM) {
	s.mu.Lock()
	l, ok := s.listeners[psm]
	delete(s.listeners, psm)
	s.mu.Unlock()
	if ok {
		unix.Close(l.fd)
	}
}

func (s *Socket) ConnectReq(psm PSM, addr BDAddr, sec Security) (ChannelID, error) {
	s.mu.Lock()
	l, ok := s.listeners[psm]
	s.mu.Unlock()
	if !ok {
		return ChannelIDNull, errors.Wrapf(ErrPSMNotFound, "psm 0x%04x", uint16(psm))
	}
	fd, err := s.socket(psm)
	if err != nil {
		return ChannelIDNull, err
	}
	if err := unix.SetsockoptString(fd, solBluetooth, btSecurity, string([]byte{byte(sec), 0})); err != nil {
		unix.Close(fd)
		return ChannelIDNull, errors.Wrap(err, "can't set security")
	}
	cid := s.add(&sockChan{fd: fd, psm: psm, handler: l.handler})
	go func() {
		err := unix.Connect(fd, &unix.SockaddrL2{PSM: uint16(psm), Addr: addr})
		if err != nil {
			s.log.Debug("l2cap connect failed", zap.Stringer("addr", addr), zap.Error(err))
			if s.remove(cid) != nil {
				unix.Close(fd)
			}
			s.d.post(func() { l.handler.ConnectCfm(cid, ConnectionResponseResultRefusedNoResourcesAvailable) })
			return
		}
		s.d.post(func() { l.handler.ConnectCfm(cid, ConnectionResponseResultSuccessfulConnection) })
		s.opened(cid)
	}()
	return cid, nil
}

func (s *Socket) ConnectRsp(addr BDAddr, id uint8, cid ChannelID, result ConnectionResponseResult) error {
	if result != ConnectionResponseResultSuccessfulConnection {
		if c := s.remove(cid); c != nil {
			unix.Close(c.fd)
		}
		return nil
	}
	if _, err := s.get(cid); err != nil {
		return err
	}
	s.opened(cid)
	return nil
}

// ConfigReq confirms at once: the kernel has already configured the channel.
func (s *Socket) ConfigReq(cid ChannelID, cfg *ConfigInfo) error {
	c, err := s.get(cid)
	if err != nil {
		return err
	}
	mtu, err := unix.GetsockoptInt(c.fd, solBluetooth, btRcvMTU)
	if err != nil {
		return errors.Wrap(err, "can't read receive mtu")
	}
	rsp := &ConfigInfo{Result: ConfigurationResultSuccess, MTU: uint16(mtu), FCR: modeFCR(s.mode(c.fd))}
	if cfg.Mode() != rsp.Mode() {
		s.log.Warn("kernel chose another channel mode",
			zap.Uint16("cid", uint16(cid)), zap.Uint8("asked", uint8(cfg.Mode())), zap.Uint8("got", uint8(rsp.Mode())))
	}
	s.d.post(func() { c.handler.ConfigCfm(cid, rsp) })
	return nil
}

func (s *Socket) ConfigRsp(cid ChannelID, cfg *ConfigInfo) error {
	if cfg.Result == ConfigurationResultSuccess {
		return nil
	}
	return s.DisconnectReq(cid)
}

func (s *Socket) DisconnectReq(cid ChannelID) error {
	c := s.remove(cid)
	if c == nil {
		return errors.Wrapf(ErrUnknownChannel, "cid 0x%04x", uint16(cid))
	}
	unix.Shutdown(c.fd, unix.SHUT_RDWR)
	unix.Close(c.fd)
	s.d.post(func() { c.handler.DisconnectCfm(cid, 0) })
	return nil
}

func (s *Socket) DisconnectRsp(cid ChannelID) error {
	if c := s.remove(cid); c != nil {
		unix.Close(c.fd)
	}
	return nil
}

func (s *Socket) DataWrite(cid ChannelID, buf []byte) (WriteStatus, error) {
	c, err := s.get(cid)
	if err != nil {
		return WriteFailed, err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if len(c.held) > 0 {
		c.held = append(c.held, append([]byte(nil), buf...))
		return WriteCongested, nil
	}
	switch err := s.write(c.fd, buf); err {
	case nil:
		return WriteSuccess, nil
	case unix.EAGAIN:
		c.held = append(c.held, append([]byte(nil), buf...))
		go s.drain(cid, c)
		return WriteCongested, nil
	default:
		return WriteFailed, errors.Wrap(err, "can't write")
	}
}

// drain writes the held packets of c as the kernel makes room and reports
// the end of congestion. It gives up when the channel goes away.
func (s *Socket) drain(cid ChannelID, c *sockChan) {
	for {
		ok, err := s.writable(c.fd, pollInterval)
		if err != nil {
			s.log.Debug("l2cap poll stopped", zap.Uint16("cid", uint16(cid)), zap.Error(err))
			return
		}
		if !ok {
			if _, err := s.get(cid); err != nil {
				return
			}
			continue
		}

		c.wmu.Lock()
		for len(c.held) > 0 {
			err := s.write(c.fd, c.held[0])
			if err == unix.EAGAIN {
				break
			}
			if err != nil {
				s.log.Error("dropping held packet", zap.Uint16("cid", uint16(cid)), zap.Error(err))
			}
			c.held = c.held[1:]
		}
		done := len(c.held) == 0
		if done {
			c.held = nil
		}
		c.wmu.Unlock()

		if done {
			s.d.post(func() { c.handler.CongestionInd(cid, false) })
			return
		}
	}
}

// Close releases every socket and stops upcall delivery.
func (s *Socket) Close() error {
	s.mu.Lock()
	for psm, l := range s.listeners {
		unix.Close(l.fd)
		delete(s.listeners, psm)
	}
	for cid, c := range s.chans {
		unix.Close(c.fd)
		delete(s.chans, cid)
	}
	s.mu.Unlock()
	s.d.close()
	return nil
}

func (s *Socket) socket(psm PSM) (int, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_SEQPACKET, unix.BTPROTO_L2CAP)
	if err != nil {
		return -1, errors.Wrap(err, "can't create l2cap socket")
	}
	if s.rxMTU != 0 {
		if err := unix.SetsockoptInt(fd, solBluetooth, btRcvMTU, int(s.rxMTU)); err != nil {
			s.log.Debug("can't set receive mtu", zap.Uint16("psm", uint16(psm)), zap.Error(err))
		}
	}
	// accepted sockets inherit the mode of the listener.
	if psm == PSMAVCTPBrowse {
		if err := unix.SetsockoptInt(fd, solBluetooth, btMode, btModeERTM); err != nil {
			s.log.Warn("can't ask for enhanced retransmission mode", zap.Uint16("psm", uint16(psm)), zap.Error(err))
		}
	}
	return fd, nil
}

// mode returns the BT_MODE value of fd, basic when the kernel can't tell.
func (s *Socket) mode(fd int) int {
	m, err := unix.GetsockoptInt(fd, solBluetooth, btMode)
	if err != nil {
		s.log.Debug("can't read channel mode", zap.Error(err))
		return btModeBasic
	}
	return m
}

// modeFCR describes a BT_MODE value as a configuration option.
func modeFCR(m int) *RetransmissionAndFlowControl {
	switch m {
	case btModeERTM:
		return &RetransmissionAndFlowControl{Mode: ModeEnhancedRetransmission}
	case btModeStreaming:
		return &RetransmissionAndFlowControl{Mode: ModeStreaming}
	}
	return nil
}

func sendNonBlocking(fd int, buf []byte) error {
	return unix.Sendto(fd, buf, unix.MSG_DONTWAIT, nil)
}

// pollOut waits up to timeout milliseconds for fd to accept more data.
func pollOut(fd int, timeout int) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		n, err := unix.Poll(fds, timeout)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, nil
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return false, errors.Errorf("socket closed (revents 0x%x)", fds[0].Revents)
		}
		return fds[0].Revents&unix.POLLOUT != 0, nil
	}
}

func (s *Socket) accept(psm PSM, fd int, h Handler) {
	for {
		nfd, sa, err := unix.Accept(fd)
		if err != nil {
			s.log.Debug("l2cap accept stopped", zap.Uint16("psm", uint16(psm)), zap.Error(err))
			return
		}
		var addr BDAddr
		if l2, ok := sa.(*unix.SockaddrL2); ok {
			addr = l2.Addr
		}
		cid := s.add(&sockChan{fd: nfd, psm: psm, handler: h})
		s.d.post(func() { h.ConnectInd(addr, cid, psm, 0) })
	}
}

// opened reports the peer's configuration and starts reading.
func (s *Socket) opened(cid ChannelID) {
	c, err := s.get(cid)
	if err != nil {
		return
	}
	mtu, err := unix.GetsockoptInt(c.fd, solBluetooth, btSndMTU)
	if err != nil {
		mtu = int(DefaultMTU)
	}
	cfg := &ConfigInfo{MTU: uint16(mtu), FCR: modeFCR(s.mode(c.fd))}
	s.d.post(func() { c.handler.ConfigInd(cid, cfg) })
	go s.read(cid, c)
}

func (s *Socket) read(cid ChannelID, c *sockChan) {
	buf := make([]byte, 1<<16)
	for {
		n, err := unix.Read(c.fd, buf)
		if err != nil || n == 0 {
			if s.remove(cid) != nil {
				unix.Close(c.fd)
				s.d.post(func() { c.handler.DisconnectInd(cid, false) })
			}
			return
		}
		b := make([]byte, n)
		copy(b, buf[:n])
		s.d.post(func() { c.handler.DataInd(cid, b) })
	}
}

func (s *Socket) add(c *sockChan) ChannelID {
	s.mu.Lock()
	defer s.mu.Unlock()
	cid := s.nextChannelID
	s.nextChannelID++
	s.chans[cid] = c
	return cid
}

func (s *Socket) get(cid ChannelID) (*sockChan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chans[cid]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownChannel, "cid 0x%04x", uint16(cid))
	}
	return c, nil
}

func (s *Socket) remove(cid ChannelID) *sockChan {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.chans[cid]
	delete(s.chans, cid)
	return c
}
