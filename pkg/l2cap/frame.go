package l2cap

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// BFrame is defined in Vol 3, Part A, Section 3.1 of the Bluetooth Core Specification.
type BFrame struct {
	ChannelID
	Payload []byte
}

func (f *BFrame) Marshal() ([]byte, error) {
	if len(f.Payload) > math.MaxUint16 {
		return nil, errors.New("payload too large")
	}
	buf := make([]byte, 4+len(f.Payload))
	binary.LittleEndian.PutUint16(buf[0:], uint16(len(f.Payload)))
	binary.LittleEndian.PutUint16(buf[2:], uint16(f.ChannelID))
	copy(buf[4:], f.Payload)
	return buf, nil
}

func (f *BFrame) Unmarshal(buf []byte) error {
	if len(buf) < 4 || uint16(len(buf)-4) != binary.LittleEndian.Uint16(buf[0:]) {
		return io.ErrShortBuffer
	}
	f.ChannelID = ChannelID(binary.LittleEndian.Uint16(buf[2:]))
	f.Payload = buf[4:]
	return nil
}
