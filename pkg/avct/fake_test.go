package avct

import (
	"fmt"
	"testing"

	"github.com/muxable/avctp/pkg/l2cap"
	"go.uber.org/zap/zaptest"
)

// fakeL2CAP records the requests a stack makes. Tests play the peer by
// calling the registered handlers directly.
type fakeL2CAP struct {
	handlers map[l2cap.PSM]l2cap.Handler
	calls    []string
	writes   map[l2cap.ChannelID][][]byte
	status   []l2cap.WriteStatus
	nextCID  l2cap.ChannelID

	connectRspErr error
	disconnectErr error
}

func newFakeL2CAP() *fakeL2CAP {
	return &fakeL2CAP{
		handlers: make(map[l2cap.PSM]l2cap.Handler),
		writes:   make(map[l2cap.ChannelID][][]byte),
		nextCID:  0x40,
	}
}

func (f *fakeL2CAP) record(format string, args ...interface{}) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeL2CAP) Register(psm l2cap.PSM, h l2cap.Handler) error {
	if _, ok := f.handlers[psm]; ok {
		return l2cap.ErrPSMInUse
	}
	f.handlers[psm] = h
	return nil
}

func (f *fakeL2CAP) Deregister(psm l2cap.PSM) {
	delete(f.handlers, psm)
}

func (f *fakeL2CAP) ConnectReq(psm l2cap.PSM, addr l2cap.BDAddr, sec l2cap.Security) (l2cap.ChannelID, error) {
	cid := f.nextCID
	f.nextCID++
	f.record("connect-req 0x%02x", uint16(cid))
	return cid, nil
}

func (f *fakeL2CAP) ConnectRsp(addr l2cap.BDAddr, id uint8, cid l2cap.ChannelID, result l2cap.ConnectionResponseResult) error {
	f.record("connect-rsp 0x%02x %d", uint16(cid), result)
	return f.connectRspErr
}

func (f *fakeL2CAP) ConfigReq(cid l2cap.ChannelID, cfg *l2cap.ConfigInfo) error {
	f.record("config-req 0x%02x mtu=%d mode=%d", uint16(cid), cfg.MTU, cfg.Mode())
	return nil
}

func (f *fakeL2CAP) ConfigRsp(cid l2cap.ChannelID, cfg *l2cap.ConfigInfo) error {
	f.record("config-rsp 0x%02x %d mtu=%d mode=%d", uint16(cid), cfg.Result, cfg.MTU, cfg.Mode())
	return nil
}

func (f *fakeL2CAP) DisconnectReq(cid l2cap.ChannelID) error {
	f.record("disconnect-req 0x%02x", uint16(cid))
	return f.disconnectErr
}

func (f *fakeL2CAP) DisconnectRsp(cid l2cap.ChannelID) error {
	f.record("disconnect-rsp 0x%02x", uint16(cid))
	return nil
}

func (f *fakeL2CAP) DataWrite(cid l2cap.ChannelID, buf []byte) (l2cap.WriteStatus, error) {
	f.writes[cid] = append(f.writes[cid], append([]byte(nil), buf...))
	if len(f.status) == 0 {
		return l2cap.WriteSuccess, nil
	}
	st := f.status[0]
	f.status = f.status[1:]
	return st, nil
}

func (f *fakeL2CAP) ctrl() l2cap.Handler   { return f.handlers[l2cap.PSMAVCTP] }
func (f *fakeL2CAP) browse() l2cap.Handler { return f.handlers[l2cap.PSMAVCTPBrowse] }

// openInbound plays a peer that opens and configures a control channel.
func (f *fakeL2CAP) openInbound(addr l2cap.BDAddr, cid l2cap.ChannelID, mtu uint16) {
	f.ctrl().ConnectInd(addr, cid, l2cap.PSMAVCTP, 1)
	f.ctrl().ConfigInd(cid, &l2cap.ConfigInfo{MTU: mtu})
	f.ctrl().ConfigCfm(cid, &l2cap.ConfigInfo{Result: l2cap.ConfigurationResultSuccess})
}

// openBrowse does the same for a browsing channel in enhanced retransmission
// mode.
func (f *fakeL2CAP) openBrowse(addr l2cap.BDAddr, cid l2cap.ChannelID, mtu uint16) {
	f.browse().ConnectInd(addr, cid, l2cap.PSMAVCTPBrowse, 2)
	f.browse().ConfigInd(cid, &l2cap.ConfigInfo{
		MTU: mtu,
		FCR: &l2cap.RetransmissionAndFlowControl{Mode: l2cap.ModeEnhancedRetransmission},
	})
	f.browse().ConfigCfm(cid, &l2cap.ConfigInfo{Result: l2cap.ConfigurationResultSuccess})
}

func (f *fakeL2CAP) called(call string) bool {
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

// testClient records what a registered client is told.
type testClient struct {
	events   []string
	messages []Message
	onMsg    func(h Handle, m Message)
}

func (c *testClient) config(pid PID, role Role) ClientConfig {
	return ClientConfig{
		PID:  pid,
		Role: role,
		OnEvent: func(h Handle, e Event, result Result, addr l2cap.BDAddr) {
			c.events = append(c.events, fmt.Sprintf("%s %d", e, result))
		},
		OnMessage: func(h Handle, m Message) {
			c.messages = append(c.messages, m)
			if c.onMsg != nil {
				c.onMsg(h, m)
			}
		},
	}
}

func (c *testClient) last() string {
	if len(c.events) == 0 {
		return ""
	}
	return c.events[len(c.events)-1]
}

func newTestStack(t *testing.T, cfg Config) (*Stack, *fakeL2CAP) {
	f := newFakeL2CAP()
	cfg.Logger = zaptest.NewLogger(t)
	s := New(f, cfg)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	return s, f
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var peer = l2cap.BDAddr{0x00, 0x1a, 0x7d, 0xda, 0x71, 0x13}
