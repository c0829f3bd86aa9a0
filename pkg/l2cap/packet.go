package l2cap

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

var (
	errInvalidOpcode = errors.New("invalid opcode")
	errInvalidLength = errors.New("invalid length")
)

type SignallingPacket interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

func UnmarshalSignallingPacket(buf []byte) (SignallingPacket, error) {
	if len(buf) < 1 {
		return nil, io.ErrShortBuffer
	}
	var p SignallingPacket
	switch Opcode(buf[0]) {
	case OpcodeCommandRejectResponse:
		p = &CommandRejectResponsePacket{}
	case OpcodeConnectionRequest:
		p = &ConnectionRequestPacket{}
	case OpcodeConnectionResponse:
		p = &ConnectionResponsePacket{}
	case OpcodeConfigurationRequest:
		p = &ConfigurationRequestPacket{}
	case OpcodeConfigurationResponse:
		p = &ConfigurationResponsePacket{}
	case OpcodeDisconnectionRequest:
		p = &DisconnectionRequestPacket{}
	case OpcodeDisconnectionResponse:
		p = &DisconnectionResponsePacket{}
	}
	if p == nil {
		return nil, errInvalidOpcode
	}
	return p, p.Unmarshal(buf)
}

// header checks the 4-byte command header and returns the data length.
func header(buf []byte, op Opcode, min int) (int, error) {
	if len(buf) < 4+min {
		return 0, io.ErrShortBuffer
	}
	if buf[0] != byte(op) {
		return 0, errInvalidOpcode
	}
	n := int(binary.LittleEndian.Uint16(buf[2:]))
	if n < min || len(buf) < 4+n {
		return 0, errInvalidLength
	}
	return n, nil
}

type CommandRejectReason uint16

const (
	CommandRejectReasonCommandNotUnderstood CommandRejectReason = 0x0000
	CommandRejectReasonSignalingMTUExceeded CommandRejectReason = 0x0001
	CommandRejectReasonInvalidCIDInRequest  CommandRejectReason = 0x0002
)

type CommandRejectResponsePacket struct {
	CommandRejectReason
	Identifier uint8
	ReasonData []byte
}

func (p *CommandRejectResponsePacket) Marshal() ([]byte, error) {
	b := make([]byte, 6+len(p.ReasonData))
	b[0] = byte(OpcodeCommandRejectResponse)
	b[1] = p.Identifier
	binary.LittleEndian.PutUint16(b[2:], uint16(len(p.ReasonData)+2))
	binary.LittleEndian.PutUint16(b[4:], uint16(p.CommandRejectReason))
	copy(b[6:], p.ReasonData)
	return b, nil
}

func (p *CommandRejectResponsePacket) Unmarshal(buf []byte) error {
	n, err := header(buf, OpcodeCommandRejectResponse, 2)
	if err != nil {
		return err
	}
	p.Identifier = buf[1]
	p.CommandRejectReason = CommandRejectReason(binary.LittleEndian.Uint16(buf[4:]))
	p.ReasonData = buf[6 : 4+n]
	return nil
}

type ConnectionRequestPacket struct {
	Identifier uint8
	PSM        PSM
	SourceCID  ChannelID
}

func (p *ConnectionRequestPacket) Marshal() ([]byte, error) {
	b := make([]byte, 8)
	b[0] = byte(OpcodeConnectionRequest)
	b[1] = p.Identifier
	binary.LittleEndian.PutUint16(b[2:], 4)
	binary.LittleEndian.PutUint16(b[4:], uint16(p.PSM))
	binary.LittleEndian.PutUint16(b[6:], uint16(p.SourceCID))
	return b, nil
}

func (p *ConnectionRequestPacket) Unmarshal(buf []byte) error {
	if _, err := header(buf, OpcodeConnectionRequest, 4); err != nil {
		return err
	}
	p.Identifier = buf[1]
	p.PSM = PSM(binary.LittleEndian.Uint16(buf[4:]))
	p.SourceCID = ChannelID(binary.LittleEndian.Uint16(buf[6:]))
	return nil
}

type ConnectionResponseResult uint16

const (
	ConnectionResponseResultSuccessfulConnection             ConnectionResponseResult = 0x0000
	ConnectionResponseResultPending                          ConnectionResponseResult = 0x0001
	ConnectionResponseResultRefusedPSMNotSupported           ConnectionResponseResult = 0x0002
	ConnectionResponseResultRefusedSecurityBlock             ConnectionResponseResult = 0x0003
	ConnectionResponseResultRefusedNoResourcesAvailable      ConnectionResponseResult = 0x0004
	ConnectionResponseResultRefusedInvalidSourceCID          ConnectionResponseResult = 0x0006
	ConnectionResponseResultRefusedSourceCIDAlreadyAllocated ConnectionResponseResult = 0x0007
)

type ConnectionResponseStatus uint16

const (
	ConnectionResponseStatusNoFurtherInformationAvailable ConnectionResponseStatus = 0x0000
	ConnectionResponseStatusAuthenticationPending         ConnectionResponseStatus = 0x0001
	ConnectionResponseStatusAuthorizationPending          ConnectionResponseStatus = 0x0002
)

type ConnectionResponsePacket struct {
	Identifier     uint8
	DestinationCID ChannelID
	SourceCID      ChannelID
	Result         ConnectionResponseResult
	Status         ConnectionResponseStatus
}

func (p *ConnectionResponsePacket) Marshal() ([]byte, error) {
	b := make([]byte, 12)
	b[0] = byte(OpcodeConnectionResponse)
	b[1] = p.Identifier
	binary.LittleEndian.PutUint16(b[2:], 8)
	binary.LittleEndian.PutUint16(b[4:], uint16(p.DestinationCID))
	binary.LittleEndian.PutUint16(b[6:], uint16(p.SourceCID))
	binary.LittleEndian.PutUint16(b[8:], uint16(p.Result))
	binary.LittleEndian.PutUint16(b[10:], uint16(p.Status))
	return b, nil
}

func (p *ConnectionResponsePacket) Unmarshal(buf []byte) error {
	if _, err := header(buf, OpcodeConnectionResponse, 8); err != nil {
		return err
	}
	p.Identifier = buf[1]
	p.DestinationCID = ChannelID(binary.LittleEndian.Uint16(buf[4:]))
	p.SourceCID = ChannelID(binary.LittleEndian.Uint16(buf[6:]))
	p.Result = ConnectionResponseResult(binary.LittleEndian.Uint16(buf[8:]))
	p.Status = ConnectionResponseStatus(binary.LittleEndian.Uint16(buf[10:]))
	return nil
}

type ConfigurationRequestPacket struct {
	Identifier     uint8
	DestinationCID ChannelID
	Flags          uint16
	Config         ConfigInfo
}

func (p *ConfigurationRequestPacket) Marshal() ([]byte, error) {
	opts := p.Config.marshalOptions()
	b := make([]byte, 8+len(opts))
	b[0] = byte(OpcodeConfigurationRequest)
	b[1] = p.Identifier
	binary.LittleEndian.PutUint16(b[2:], uint16(4+len(opts)))
	binary.LittleEndian.PutUint16(b[4:], uint16(p.DestinationCID))
	binary.LittleEndian.PutUint16(b[6:], p.Flags)
	copy(b[8:], opts)
	return b, nil
}

func (p *ConfigurationRequestPacket) Unmarshal(buf []byte) error {
	n, err := header(buf, OpcodeConfigurationRequest, 4)
	if err != nil {
		return err
	}
	p.Identifier = buf[1]
	p.DestinationCID = ChannelID(binary.LittleEndian.Uint16(buf[4:]))
	p.Flags = binary.LittleEndian.Uint16(buf[6:])
	p.Config = ConfigInfo{}
	return p.Config.unmarshalOptions(buf[8 : 4+n])
}

type ConfigurationResponsePacket struct {
	Identifier uint8
	SourceCID  ChannelID
	Flags      uint16
	Config     ConfigInfo
}

func (p *ConfigurationResponsePacket) Marshal() ([]byte, error) {
	opts := p.Config.marshalOptions()
	b := make([]byte, 10+len(opts))
	b[0] = byte(OpcodeConfigurationResponse)
	b[1] = p.Identifier
	binary.LittleEndian.PutUint16(b[2:], uint16(6+len(opts)))
	binary.LittleEndian.PutUint16(b[4:], uint16(p.SourceCID))
	binary.LittleEndian.PutUint16(b[6:], p.Flags)
	binary.LittleEndian.PutUint16(b[8:], uint16(p.Config.Result))
	copy(b[10:], opts)
	return b, nil
}

func (p *ConfigurationResponsePacket) Unmarshal(buf []byte) error {
	n, err := header(buf, OpcodeConfigurationResponse, 6)
	if err != nil {
		return err
	}
	p.Identifier = buf[1]
	p.SourceCID = ChannelID(binary.LittleEndian.Uint16(buf[4:]))
	p.Flags = binary.LittleEndian.Uint16(buf[6:])
	p.Config = ConfigInfo{Result: ConfigurationResult(binary.LittleEndian.Uint16(buf[8:]))}
	return p.Config.unmarshalOptions(buf[10 : 4+n])
}

type DisconnectionRequestPacket struct {
	Identifier     uint8
	DestinationCID ChannelID
	SourceCID      ChannelID
}

func (p *DisconnectionRequestPacket) Marshal() ([]byte, error) {
	b := make([]byte, 8)
	b[0] = byte(OpcodeDisconnectionRequest)
	b[1] = p.Identifier
	binary.LittleEndian.PutUint16(b[2:], 4)
	binary.LittleEndian.PutUint16(b[4:], uint16(p.DestinationCID))
	binary.LittleEndian.PutUint16(b[6:], uint16(p.SourceCID))
	return b, nil
}

func (p *DisconnectionRequestPacket) Unmarshal(buf []byte) error {
	if _, err := header(buf, OpcodeDisconnectionRequest, 4); err != nil {
		return err
	}
	p.Identifier = buf[1]
	p.DestinationCID = ChannelID(binary.LittleEndian.Uint16(buf[4:]))
	p.SourceCID = ChannelID(binary.LittleEndian.Uint16(buf[6:]))
	return nil
}

type DisconnectionResponsePacket struct {
	Identifier     uint8
	DestinationCID ChannelID
	SourceCID      ChannelID
}

func (p *DisconnectionResponsePacket) Marshal() ([]byte, error) {
	b := make([]byte, 8)
	b[0] = byte(OpcodeDisconnectionResponse)
	b[1] = p.Identifier
	binary.LittleEndian.PutUint16(b[2:], 4)
	binary.LittleEndian.PutUint16(b[4:], uint16(p.DestinationCID))
	binary.LittleEndian.PutUint16(b[6:], uint16(p.SourceCID))
	return b, nil
}

func (p *DisconnectionResponsePacket) Unmarshal(buf []byte) error {
	if _, err := header(buf, OpcodeDisconnectionResponse, 4); err != nil {
		return err
	}
	p.Identifier = buf[1]
	p.DestinationCID = ChannelID(binary.LittleEndian.Uint16(buf[4:]))
	p.SourceCID = ChannelID(binary.LittleEndian.Uint16(buf[6:]))
	return nil
}
