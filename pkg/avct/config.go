package avct

import (
	"github.com/muxable/avctp/pkg/l2cap"
	"go.uber.org/zap"
)

// browsing channels carry at least this MTU (AVRCP 1.6, Section 4.1.1).
const minBrowseMTU = 335

type Config struct {
	// MTU is the receive MTU announced on control channels.
	MTU uint16 `mapstructure:"mtu"`
	// BrowseMTU is the receive MTU announced on browsing channels.
	BrowseMTU uint16 `mapstructure:"browse_mtu"`
	// MaxPeerMTU caps the MTU a peer may announce.
	MaxPeerMTU uint16 `mapstructure:"max_peer_mtu"`

	MaxLinks   int `mapstructure:"max_links"`
	MaxBrowse  int `mapstructure:"max_browse"`
	MaxClients int `mapstructure:"max_clients"`
	// MaxMessageSize bounds a reassembled message.
	MaxMessageSize int `mapstructure:"max_message_size"`

	Logger *zap.Logger `mapstructure:"-"`
}

func (c Config) withDefaults() Config {
	if c.MTU == 0 {
		c.MTU = l2cap.DefaultMTU
	}
	if c.MTU < l2cap.MinMTU {
		c.MTU = l2cap.MinMTU
	}
	if c.BrowseMTU == 0 {
		c.BrowseMTU = 1024
	}
	if c.BrowseMTU < minBrowseMTU {
		c.BrowseMTU = minBrowseMTU
	}
	if c.MaxPeerMTU == 0 {
		c.MaxPeerMTU = 1691
	}
	if c.MaxLinks <= 0 {
		c.MaxLinks = 2
	}
	if c.MaxBrowse <= 0 {
		c.MaxBrowse = c.MaxLinks
	}
	if c.MaxClients <= 0 {
		c.MaxClients = 6
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4096
	}
	if c.Logger == nil {
		c.Logger = zap.L()
	}
	return c
}
