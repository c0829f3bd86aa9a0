package l2cap

type Opcode uint8

// Vol 3, Part A, Section 4 of the Bluetooth Core Specification. Only the
// BR/EDR signalling commands a connection-oriented channel needs are listed.
const (
	OpcodeCommandRejectResponse Opcode = 0x01
	OpcodeConnectionRequest     Opcode = 0x02
	OpcodeConnectionResponse    Opcode = 0x03
	OpcodeConfigurationRequest  Opcode = 0x04
	OpcodeConfigurationResponse Opcode = 0x05
	OpcodeDisconnectionRequest  Opcode = 0x06
	OpcodeDisconnectionResponse Opcode = 0x07
)

// Section 2.1
type ChannelID uint16

const (
	ChannelIDNull           ChannelID = 0x0000
	ChannelIDSignallingACLU ChannelID = 0x0001
	ChannelIDConnectionless ChannelID = 0x0002

	// first dynamically allocated channel id on ACL-U.
	ChannelIDDynamicStart ChannelID = 0x0040
)

// PSM is a protocol/service multiplexer.
type PSM uint16

const (
	PSMAVCTP       PSM = 0x0017
	PSMAVCTPBrowse PSM = 0x001B
)

const (
	// MinMTU is the smallest MTU a BR/EDR channel may be configured with.
	MinMTU uint16 = 48
	// DefaultMTU is assumed when a configuration request omits the MTU option.
	DefaultMTU uint16 = 672
)

// Security is the level requested for an outgoing channel.
type Security uint8

const (
	SecuritySDP    Security = 0x00
	SecurityLow    Security = 0x01
	SecurityMedium Security = 0x02
	SecurityHigh   Security = 0x03
)
