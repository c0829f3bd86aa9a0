package l2cap

import (
	"encoding/binary"
	"io"
)

// ConfigurationResult is carried in a configuration response (Vol 3, Part A, Section 4.5).
type ConfigurationResult uint16

const (
	ConfigurationResultSuccess                ConfigurationResult = 0x0000
	ConfigurationResultUnacceptableParameters ConfigurationResult = 0x0001
	ConfigurationResultRejected               ConfigurationResult = 0x0002
	ConfigurationResultUnknownOptions         ConfigurationResult = 0x0003
	ConfigurationResultPending                ConfigurationResult = 0x0004
)

// Section 5
type OptionType uint8

const (
	OptionTypeMTU                          OptionType = 0x01
	OptionTypeFlushTimeout                 OptionType = 0x02
	OptionTypeRetransmissionAndFlowControl OptionType = 0x04

	optionHint = 0x80
)

type Mode uint8

const (
	ModeBasic                  Mode = 0x00
	ModeRetransmission         Mode = 0x01
	ModeFlowControl            Mode = 0x02
	ModeEnhancedRetransmission Mode = 0x03
	ModeStreaming              Mode = 0x04
)

// RetransmissionAndFlowControl is the option defined in Section 5.4.
type RetransmissionAndFlowControl struct {
	Mode                  Mode
	TxWindow              uint8
	MaxTransmit           uint8
	RetransmissionTimeout uint16
	MonitorTimeout        uint16
	MPS                   uint16
}

// ConfigInfo is the negotiable part of a channel configuration. A zero MTU
// means the option is absent; a nil FCR means basic mode was not discussed.
type ConfigInfo struct {
	Result ConfigurationResult
	MTU    uint16
	FCR    *RetransmissionAndFlowControl
}

// Mode returns the flow-control mode the configuration asks for.
func (c *ConfigInfo) Mode() Mode {
	if c == nil || c.FCR == nil {
		return ModeBasic
	}
	return c.FCR.Mode
}

func (c *ConfigInfo) marshalOptions() []byte {
	var b []byte
	if c.MTU != 0 {
		b = append(b, byte(OptionTypeMTU), 2, 0, 0)
		binary.LittleEndian.PutUint16(b[len(b)-2:], c.MTU)
	}
	if c.FCR != nil {
		o := make([]byte, 11)
		o[0] = byte(OptionTypeRetransmissionAndFlowControl)
		o[1] = 9
		o[2] = byte(c.FCR.Mode)
		o[3] = c.FCR.TxWindow
		o[4] = c.FCR.MaxTransmit
		binary.LittleEndian.PutUint16(o[5:], c.FCR.RetransmissionTimeout)
		binary.LittleEndian.PutUint16(o[7:], c.FCR.MonitorTimeout)
		binary.LittleEndian.PutUint16(o[9:], c.FCR.MPS)
		b = append(b, o...)
	}
	return b
}

func (c *ConfigInfo) unmarshalOptions(buf []byte) error {
	for len(buf) > 0 {
		if len(buf) < 2 || len(buf) < 2+int(buf[1]) {
			return io.ErrShortBuffer
		}
		t, n := OptionType(buf[0]&^optionHint), int(buf[1])
		data := buf[2 : 2+n]
		switch t {
		case OptionTypeMTU:
			if n != 2 {
				return io.ErrShortBuffer
			}
			c.MTU = binary.LittleEndian.Uint16(data)
		case OptionTypeRetransmissionAndFlowControl:
			if n != 9 {
				return io.ErrShortBuffer
			}
			c.FCR = &RetransmissionAndFlowControl{
				Mode:                  Mode(data[0]),
				TxWindow:              data[1],
				MaxTransmit:           data[2],
				RetransmissionTimeout: binary.LittleEndian.Uint16(data[3:]),
				MonitorTimeout:        binary.LittleEndian.Uint16(data[5:]),
				MPS:                   binary.LittleEndian.Uint16(data[7:]),
			}
		}
		// flush timeout, QoS and hints are accepted and ignored.
		buf = buf[2+n:]
	}
	return nil
}
