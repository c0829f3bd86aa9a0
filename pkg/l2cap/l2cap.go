package l2cap

import (
	"fmt"
	"net"

	"github.com/pkg/errors"
)

// BDAddr is a device address, most significant byte first.
type BDAddr [6]byte

func (a BDAddr) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// ParseBDAddr parses the colon separated form returned by String.
func ParseBDAddr(s string) (BDAddr, error) {
	var a BDAddr
	hw, err := net.ParseMAC(s)
	if err != nil {
		return a, errors.Wrapf(err, "can't parse address %q", s)
	}
	if len(hw) != len(a) {
		return a, errors.Errorf("address %q is not 6 bytes", s)
	}
	copy(a[:], hw)
	return a, nil
}

type WriteStatus uint8

const (
	// WriteSuccess means the data was accepted.
	WriteSuccess WriteStatus = iota
	// WriteCongested means the data was accepted but the channel is now
	// congested. A CongestionInd(false) follows once it clears.
	WriteCongested
	// WriteFailed means the data was dropped.
	WriteFailed
)

var (
	ErrUnknownChannel = errors.New("unknown channel")
	ErrPSMInUse       = errors.New("psm already registered")
	ErrPSMNotFound    = errors.New("psm not registered")
)

// Interface is the set of requests an upper layer issues to L2CAP. None of
// them block and none of them call back into a Handler before returning:
// every outcome is reported later through the Handler registered for the PSM.
type Interface interface {
	Register(psm PSM, h Handler) error
	Deregister(psm PSM)

	// ConnectReq starts an outgoing connection and returns the local channel id.
	ConnectReq(psm PSM, addr BDAddr, sec Security) (ChannelID, error)
	// ConnectRsp answers a ConnectInd.
	ConnectRsp(addr BDAddr, id uint8, cid ChannelID, result ConnectionResponseResult) error
	ConfigReq(cid ChannelID, cfg *ConfigInfo) error
	ConfigRsp(cid ChannelID, cfg *ConfigInfo) error
	DisconnectReq(cid ChannelID) error
	// DisconnectRsp acknowledges a DisconnectInd that asked for one.
	DisconnectRsp(cid ChannelID) error
	DataWrite(cid ChannelID, buf []byte) (WriteStatus, error)
}

// Handler receives the L2CAP events for the channels of one PSM.
type Handler interface {
	ConnectInd(addr BDAddr, cid ChannelID, psm PSM, id uint8)
	ConnectCfm(cid ChannelID, result ConnectionResponseResult)
	// ConfigInd and ConfigCfm may pass a nil cfg, read as one carrying no
	// options.
	ConfigInd(cid ChannelID, cfg *ConfigInfo)
	ConfigCfm(cid ChannelID, cfg *ConfigInfo)
	DisconnectInd(cid ChannelID, ackNeeded bool)
	DisconnectCfm(cid ChannelID, result uint16)
	CongestionInd(cid ChannelID, congested bool)
	DataInd(cid ChannelID, buf []byte)
}
