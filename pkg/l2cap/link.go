package l2cap

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Link joins two in-memory endpoints over an emulated ACL-U logical link.
// Requests are encoded as B-frames (signalling or data), queued, and decoded
// by the peer endpoint only when the link is pumped, so Handler upcalls never
// run inside a request.
type Link struct {
	d   *dispatcher
	a   *Endpoint
	b   *Endpoint
	log *zap.Logger

	onFrameLock sync.Mutex
	onFrame     map[string]func(from BDAddr, frame []byte)
}

func NewLink(a, b BDAddr) *Link {
	l := &Link{
		d:       newDispatcher(),
		log:     zap.L(),
		onFrame: make(map[string]func(BDAddr, []byte)),
	}
	l.a = newEndpoint(l, a)
	l.b = newEndpoint(l, b)
	l.a.peer, l.b.peer = l.b, l.a
	return l
}

func (l *Link) A() *Endpoint { return l.a }
func (l *Link) B() *Endpoint { return l.b }

// Pump delivers every queued frame and upcall, including those queued while
// pumping, and returns how many were delivered.
func (l *Link) Pump() int {
	return l.d.pump()
}

// Run delivers queued work until ctx is done or Close is called.
func (l *Link) Run(ctx context.Context) error {
	return l.d.run(ctx)
}

func (l *Link) Close() {
	l.d.close()
}

// Observe registers f to see every frame put on the link. The returned func
// removes it.
func (l *Link) Observe(f func(from BDAddr, frame []byte)) func() {
	id := uuid.NewString()
	l.onFrameLock.Lock()
	l.onFrame[id] = f
	l.onFrameLock.Unlock()
	return func() {
		l.onFrameLock.Lock()
		delete(l.onFrame, id)
		l.onFrameLock.Unlock()
	}
}

type channel struct {
	PSM     PSM
	RxCID   ChannelID
	TxCID   ChannelID
	handler Handler

	cfgIdentifier  uint8 // identifier of the last configuration request received.
	discIdentifier uint8 // identifier of the disconnection request received.
	congested      bool
}

// Endpoint is one side of a Link. It implements Interface.
type Endpoint struct {
	link *Link
	addr BDAddr
	peer *Endpoint

	mu            sync.Mutex
	handlers      map[PSM]Handler
	cocs          map[ChannelID]*channel
	nextChannelID ChannelID
	identifier    uint8
}

func newEndpoint(l *Link, addr BDAddr) *Endpoint {
	return &Endpoint{
		link:          l,
		addr:          addr,
		handlers:      make(map[PSM]Handler),
		cocs:          make(map[ChannelID]*channel),
		nextChannelID: ChannelIDDynamicStart,
	}
}

func (e *Endpoint) Addr() BDAddr { return e.addr }

func (e *Endpoint) Register(psm PSM, h Handler) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.handlers[psm]; ok {
		return errors.Wrapf(ErrPSMInUse, "psm 0x%04x", uint16(psm))
	}
	e.handlers[psm] = h
	return nil
}

func (e *Endpoint) Deregister(psm PSM) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, psm)
}

func (e *Endpoint) ConnectReq(psm PSM, addr BDAddr, sec Security) (ChannelID, error) {
	if addr != e.peer.addr {
		return ChannelIDNull, errors.Errorf("no link to %s", addr)
	}
	e.mu.Lock()
	h, ok := e.handlers[psm]
	if !ok {
		e.mu.Unlock()
		return ChannelIDNull, errors.Wrapf(ErrPSMNotFound, "psm 0x%04x", uint16(psm))
	}
	ch := e.allocate(psm, h)
	id := e.nextIdentifier()
	e.mu.Unlock()

	return ch.RxCID, e.writeSignallingPacket(&ConnectionRequestPacket{
		Identifier: id,
		PSM:        psm,
		SourceCID:  ch.RxCID,
	})
}

func (e *Endpoint) ConnectRsp(addr BDAddr, id uint8, cid ChannelID, result ConnectionResponseResult) error {
	ch, err := e.channel(cid)
	if err != nil {
		return err
	}
	r := &ConnectionResponsePacket{
		Identifier: id,
		SourceCID:  ch.TxCID,
		Result:     result,
	}
	if result == ConnectionResponseResultSuccessfulConnection {
		r.DestinationCID = cid
	} else if result != ConnectionResponseResultPending {
		e.remove(cid)
	}
	return e.writeSignallingPacket(r)
}

func (e *Endpoint) ConfigReq(cid ChannelID, cfg *ConfigInfo) error {
	ch, err := e.channel(cid)
	if err != nil {
		return err
	}
	e.mu.Lock()
	id := e.nextIdentifier()
	e.mu.Unlock()
	return e.writeSignallingPacket(&ConfigurationRequestPacket{
		Identifier:     id,
		DestinationCID: ch.TxCID,
		Config:         *cfg,
	})
}

func (e *Endpoint) ConfigRsp(cid ChannelID, cfg *ConfigInfo) error {
	ch, err := e.channel(cid)
	if err != nil {
		return err
	}
	return e.writeSignallingPacket(&ConfigurationResponsePacket{
		Identifier: ch.cfgIdentifier,
		SourceCID:  ch.TxCID,
		Config:     *cfg,
	})
}

func (e *Endpoint) DisconnectReq(cid ChannelID) error {
	ch, err := e.channel(cid)
	if err != nil {
		return err
	}
	e.mu.Lock()
	id := e.nextIdentifier()
	e.mu.Unlock()
	return e.writeSignallingPacket(&DisconnectionRequestPacket{
		Identifier:     id,
		DestinationCID: ch.TxCID,
		SourceCID:      cid,
	})
}

func (e *Endpoint) DisconnectRsp(cid ChannelID) error {
	ch, err := e.channel(cid)
	if err != nil {
		return err
	}
	e.remove(cid)
	return e.writeSignallingPacket(&DisconnectionResponsePacket{
		Identifier:     ch.discIdentifier,
		DestinationCID: cid,
		SourceCID:      ch.TxCID,
	})
}

func (e *Endpoint) DataWrite(cid ChannelID, buf []byte) (WriteStatus, error) {
	ch, err := e.channel(cid)
	if err != nil {
		return WriteFailed, err
	}
	payload := make([]byte, len(buf))
	copy(payload, buf)
	if err := e.write(&BFrame{ChannelID: ch.TxCID, Payload: payload}); err != nil {
		return WriteFailed, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch.congested {
		return WriteCongested, nil
	}
	return WriteSuccess, nil
}

// SetCongested changes the congestion state of a local channel and queues the
// matching CongestionInd. While congested, DataWrite still carries the data
// but reports WriteCongested.
func (e *Endpoint) SetCongested(cid ChannelID, congested bool) error {
	ch, err := e.channel(cid)
	if err != nil {
		return err
	}
	e.mu.Lock()
	ch.congested = congested
	e.mu.Unlock()
	e.link.d.post(func() { ch.handler.CongestionInd(cid, congested) })
	return nil
}

// Channels returns the local ids of the open or opening channels on psm.
func (e *Endpoint) Channels(psm PSM) []ChannelID {
	e.mu.Lock()
	defer e.mu.Unlock()
	var cids []ChannelID
	for cid, ch := range e.cocs {
		if ch.PSM == psm {
			cids = append(cids, cid)
		}
	}
	return cids
}

func (e *Endpoint) allocate(psm PSM, h Handler) *channel {
	ch := &channel{PSM: psm, RxCID: e.nextChannelID, handler: h}
	e.cocs[ch.RxCID] = ch
	e.nextChannelID++
	return ch
}

func (e *Endpoint) nextIdentifier() uint8 {
	// identifier 0x00 is never used for a request.
	e.identifier++
	if e.identifier == 0 {
		e.identifier++
	}
	return e.identifier
}

func (e *Endpoint) channel(cid ChannelID) (*channel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.cocs[cid]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownChannel, "cid 0x%04x", uint16(cid))
	}
	return ch, nil
}

func (e *Endpoint) remove(cid ChannelID) *channel {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := e.cocs[cid]
	delete(e.cocs, cid)
	return ch
}

func (e *Endpoint) writeSignallingPacket(p SignallingPacket) error {
	pbuf, err := p.Marshal()
	if err != nil {
		return err
	}
	return e.write(&BFrame{ChannelID: ChannelIDSignallingACLU, Payload: pbuf})
}

func (e *Endpoint) write(f *BFrame) error {
	fbuf, err := f.Marshal()
	if err != nil {
		return err
	}
	e.link.onFrameLock.Lock()
	for _, cb := range e.link.onFrame {
		cb(e.addr, fbuf)
	}
	e.link.onFrameLock.Unlock()
	e.link.d.post(func() { e.peer.receive(fbuf) })
	return nil
}

func (e *Endpoint) receive(buf []byte) {
	f := &BFrame{}
	if err := f.Unmarshal(buf); err != nil {
		e.link.log.Warn("dropping malformed frame", zap.Stringer("addr", e.addr), zap.Error(err))
		return
	}
	if f.ChannelID == ChannelIDSignallingACLU {
		e.signal(f.Payload)
		return
	}
	e.mu.Lock()
	ch, ok := e.cocs[f.ChannelID]
	e.mu.Unlock()
	if !ok {
		e.link.log.Warn("received packet for unknown channel", zap.Stringer("addr", e.addr), zap.Uint16("channel", uint16(f.ChannelID)))
		return
	}
	ch.handler.DataInd(f.ChannelID, f.Payload)
}

func (e *Endpoint) signal(buf []byte) {
	p, err := UnmarshalSignallingPacket(buf)
	if err != nil {
		e.link.log.Warn("dropping malformed signalling packet", zap.Stringer("addr", e.addr), zap.Error(err))
		return
	}
	switch p := p.(type) {
	case *ConnectionRequestPacket:
		e.mu.Lock()
		h, ok := e.handlers[p.PSM]
		if !ok {
			e.mu.Unlock()
			e.reply(&ConnectionResponsePacket{
				Identifier: p.Identifier,
				SourceCID:  p.SourceCID,
				Result:     ConnectionResponseResultRefusedPSMNotSupported,
			})
			return
		}
		ch := e.allocate(p.PSM, h)
		ch.TxCID = p.SourceCID
		e.mu.Unlock()
		h.ConnectInd(e.peer.addr, ch.RxCID, p.PSM, p.Identifier)

	case *ConnectionResponsePacket:
		ch, err := e.channel(p.SourceCID)
		if err != nil {
			return
		}
		switch p.Result {
		case ConnectionResponseResultSuccessfulConnection:
			e.mu.Lock()
			ch.TxCID = p.DestinationCID
			e.mu.Unlock()
		case ConnectionResponseResultPending:
			return
		default:
			e.remove(p.SourceCID)
		}
		ch.handler.ConnectCfm(p.SourceCID, p.Result)

	case *ConfigurationRequestPacket:
		ch, err := e.channel(p.DestinationCID)
		if err != nil {
			e.rejectInvalidCID(p.Identifier)
			return
		}
		e.mu.Lock()
		ch.cfgIdentifier = p.Identifier
		e.mu.Unlock()
		cfg := p.Config
		ch.handler.ConfigInd(p.DestinationCID, &cfg)

	case *ConfigurationResponsePacket:
		ch, err := e.channel(p.SourceCID)
		if err != nil {
			return
		}
		cfg := p.Config
		ch.handler.ConfigCfm(p.SourceCID, &cfg)

	case *DisconnectionRequestPacket:
		ch, err := e.channel(p.DestinationCID)
		if err != nil {
			e.rejectInvalidCID(p.Identifier)
			return
		}
		e.mu.Lock()
		ch.discIdentifier = p.Identifier
		e.mu.Unlock()
		ch.handler.DisconnectInd(p.DestinationCID, true)

	case *DisconnectionResponsePacket:
		ch := e.remove(p.SourceCID)
		if ch == nil {
			return
		}
		ch.handler.DisconnectCfm(p.SourceCID, 0)

	case *CommandRejectResponsePacket:
		e.link.log.Warn("command rejected", zap.Stringer("addr", e.addr), zap.Uint16("reason", uint16(p.CommandRejectReason)))
	}
}

func (e *Endpoint) reply(p SignallingPacket) {
	if err := e.writeSignallingPacket(p); err != nil {
		e.link.log.Error("can't write signalling packet", zap.String("packet", fmt.Sprintf("%T", p)), zap.Error(err))
	}
}

func (e *Endpoint) rejectInvalidCID(id uint8) {
	e.reply(&CommandRejectResponsePacket{
		CommandRejectReason: CommandRejectReasonInvalidCIDInRequest,
		Identifier:          id,
	})
}
