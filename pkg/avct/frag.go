package avct

import (
	"io"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Fragment encodes msg as the packets needed to carry it over a channel whose
// peer MTU is mtu. A message that fits is sent as one SINGLE packet. Anything
// longer becomes a START packet, zero or more CONTINUE packets and an END
// packet, with NOSP counting all of them.
func Fragment(mtu int, h Header, msg []byte) ([][]byte, error) {
	if mtu <= HeaderLenSingle {
		return nil, ErrMTUTooSmall
	}
	if len(msg) <= mtu-HeaderLenSingle {
		h.PacketType = PacketTypeSingle
		h.NOSP = 0
		p := &Packet{Header: h, Payload: msg}
		buf, err := p.Marshal()
		if err != nil {
			return nil, err
		}
		return [][]byte{buf}, nil
	}
	if mtu <= HeaderLenStart {
		return nil, ErrMTUTooSmall
	}

	temp := len(msg) + HeaderLenStart - mtu
	nosp := temp/(mtu-HeaderLenContinue) + 1
	if temp%(mtu-HeaderLenContinue) != 0 {
		nosp++
	}
	if nosp > 0xff {
		return nil, errors.Wrapf(ErrMessageTooLong, "%d bytes need %d packets at mtu %d", len(msg), nosp, mtu)
	}

	pkts := make([][]byte, 0, nosp)
	h.PacketType = PacketTypeStart
	h.NOSP = uint8(nosp)
	n := mtu - HeaderLenStart
	for len(msg) > 0 {
		p := &Packet{Header: h, Payload: msg[:n]}
		buf, err := p.Marshal()
		if err != nil {
			return nil, err
		}
		pkts = append(pkts, buf)
		msg = msg[n:]

		h.NOSP, h.PID = 0, 0
		n = mtu - HeaderLenContinue
		if len(msg) > n {
			h.PacketType = PacketTypeContinue
		} else {
			h.PacketType = PacketTypeEnd
			n = len(msg)
		}
	}
	return pkts, nil
}

// Reassembler rebuilds fragmented messages received on one control channel.
// Complete messages are returned in SINGLE packet form so a single header
// decode serves both cases.
type Reassembler struct {
	max     int
	log     *zap.Logger
	pending []byte
}

// NewReassembler returns a Reassembler that accepts messages of at most max
// payload bytes.
func NewReassembler(max int, log *zap.Logger) *Reassembler {
	return &Reassembler{max: max, log: log}
}

// Pending reports whether a fragmented message is partially received.
func (r *Reassembler) Pending() bool {
	return r.pending != nil
}

// Reset discards any partially received message.
func (r *Reassembler) Reset() {
	r.pending = nil
}

// Push consumes one received packet. It returns the complete message once the
// last packet of it arrives and nil while more are expected. A non-nil error
// means the packet, and possibly the message in progress, was dropped.
func (r *Reassembler) Push(buf []byte) ([]byte, error) {
	if len(buf) < 1 {
		return nil, io.ErrShortBuffer
	}
	t := packetType(buf[0])
	if len(buf) < t.Len() {
		return nil, errors.Wrapf(io.ErrShortBuffer, "%s packet of %d bytes", t, len(buf))
	}

	switch t {
	case PacketTypeSingle:
		if r.pending != nil {
			r.log.Warn("single packet during reassembly, discarding partial message",
				zap.Int("partial", len(r.pending)-HeaderLenSingle))
			r.pending = nil
		}
		return buf, nil

	case PacketTypeStart:
		if r.pending != nil {
			r.log.Warn("start packet during reassembly, discarding partial message",
				zap.Int("partial", len(r.pending)-HeaderLenSingle))
			r.pending = nil
		}
		if len(buf)-HeaderLenStart > r.max {
			return nil, errors.Wrapf(ErrReassemblyOverflow, "start of %d bytes", len(buf)-HeaderLenStart)
		}
		// drop NOSP so the stored header is a single header.
		msg := make([]byte, 0, len(buf)-1)
		msg = append(msg, buf[0]&^0x0c|uint8(PacketTypeSingle)<<2)
		msg = append(msg, buf[2:]...)
		r.pending = msg
		return nil, nil
	}

	if r.pending == nil {
		return nil, errors.Wrapf(ErrUnexpectedFragment, "%s packet", t)
	}
	if len(r.pending)-HeaderLenSingle+len(buf)-HeaderLenContinue > r.max {
		n := len(r.pending) - HeaderLenSingle
		r.pending = nil
		return nil, errors.Wrapf(ErrReassemblyOverflow, "%d bytes received, %d more", n, len(buf)-HeaderLenContinue)
	}
	r.pending = append(r.pending, buf[HeaderLenContinue:]...)
	if t == PacketTypeContinue {
		return nil, nil
	}
	msg := r.pending
	r.pending = nil
	return msg, nil
}
