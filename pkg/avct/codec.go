package avct

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PacketType is the 2-bit packet type of the AVCTP header.
type PacketType uint8

const (
	PacketTypeSingle   PacketType = 0
	PacketTypeStart    PacketType = 1
	PacketTypeContinue PacketType = 2
	PacketTypeEnd      PacketType = 3
)

func (t PacketType) String() string {
	switch t {
	case PacketTypeSingle:
		return "single"
	case PacketTypeStart:
		return "start"
	case PacketTypeContinue:
		return "continue"
	case PacketTypeEnd:
		return "end"
	}
	return fmt.Sprintf("PacketType(%d)", uint8(t))
}

// Header length of each packet type.
const (
	HeaderLenSingle   = 3
	HeaderLenStart    = 4
	HeaderLenContinue = 1
	HeaderLenEnd      = 1
)

var headerLen = [4]int{HeaderLenSingle, HeaderLenStart, HeaderLenContinue, HeaderLenEnd}

// Len returns the header length of packets of type t.
func (t PacketType) Len() int {
	return headerLen[t&0x03]
}

// MessageType is the cr-ipid pair of the AVCTP header: bit 1 is C/R and bit 0
// is IPID.
type MessageType uint8

const (
	MessageCommand  MessageType = 0x00
	MessageResponse MessageType = 0x02
	// MessageReject is a response with IPID set: the profile is not registered.
	MessageReject MessageType = 0x03

	// command with IPID set has no meaning.
	messageInvalid MessageType = 0x01
)

func (m MessageType) String() string {
	switch m {
	case MessageCommand:
		return "command"
	case MessageResponse:
		return "response"
	case MessageReject:
		return "reject"
	}
	return fmt.Sprintf("MessageType(%d)", uint8(m))
}

// PID is a profile identifier: the 16-bit UUID of the profile a message
// belongs to, e.g. 0x110E for A/V remote control.
type PID uint16

// Header is the AVCTP packet header (AVCTP 1.4, Section 6.1).
//
//	octet 0: label:4 | packet type:2 | c/r:1 | ipid:1
//	start:   octet 1 number of packets, octets 2-3 PID
//	single:  octets 1-2 PID
//	continue and end carry octet 0 only.
type Header struct {
	Label uint8
	PacketType
	MessageType
	NOSP uint8
	PID  PID
}

func (h *Header) Len() int {
	return h.PacketType.Len()
}

func (h *Header) Marshal() ([]byte, error) {
	if h.Label > 0x0f {
		return nil, ErrBadLabel
	}
	if h.PacketType > PacketTypeEnd {
		return nil, ErrInvalidPacketType
	}
	if h.MessageType > MessageReject || h.MessageType == messageInvalid {
		return nil, ErrInvalidCrIPID
	}
	b := make([]byte, h.Len())
	b[0] = h.Label<<4 | uint8(h.PacketType)<<2 | uint8(h.MessageType)
	switch h.PacketType {
	case PacketTypeSingle:
		binary.BigEndian.PutUint16(b[1:], uint16(h.PID))
	case PacketTypeStart:
		b[1] = h.NOSP
		binary.BigEndian.PutUint16(b[2:], uint16(h.PID))
	}
	return b, nil
}

func (h *Header) Unmarshal(buf []byte) error {
	if len(buf) < 1 {
		return io.ErrShortBuffer
	}
	h.Label = buf[0] >> 4
	h.PacketType = PacketType(buf[0]>>2) & 0x03
	h.MessageType = MessageType(buf[0] & 0x03)
	if len(buf) < h.Len() {
		return io.ErrShortBuffer
	}
	if h.MessageType == messageInvalid {
		return ErrInvalidCrIPID
	}
	h.NOSP, h.PID = 0, 0
	switch h.PacketType {
	case PacketTypeSingle:
		h.PID = PID(binary.BigEndian.Uint16(buf[1:]))
	case PacketTypeStart:
		h.NOSP = buf[1]
		h.PID = PID(binary.BigEndian.Uint16(buf[2:]))
	}
	return nil
}

// Packet is one AVCTP packet as carried in an L2CAP SDU.
type Packet struct {
	Header
	Payload []byte
}

func (p *Packet) Marshal() ([]byte, error) {
	h, err := p.Header.Marshal()
	if err != nil {
		return nil, err
	}
	return append(h, p.Payload...), nil
}

func (p *Packet) Unmarshal(buf []byte) error {
	if err := p.Header.Unmarshal(buf); err != nil {
		return err
	}
	p.Payload = buf[p.Header.Len():]
	return nil
}

// packetType reads the packet type without validating anything else.
func packetType(b byte) PacketType {
	return PacketType(b>>2) & 0x03
}
