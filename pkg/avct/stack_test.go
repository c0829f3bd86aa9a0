package avct

import (
	"bytes"
	"testing"

	"github.com/muxable/avctp/pkg/l2cap"
	"github.com/pkg/errors"
)

const (
	pidAVRC  PID = 0x110e
	pidOther PID = 0x110f
)

func TestInboundOpenBindsAcceptor(t *testing.T) {
	s, f := newTestStack(t, Config{})
	c := &testClient{}
	h, err := s.Register(c.config(pidAVRC, RoleAcceptor))
	if err != nil {
		t.Fatal(err)
	}

	f.openInbound(peer, 0x40, 100)

	want := []string{
		"connect-rsp 0x40 0",
		"config-req 0x40 mtu=672 mode=0",
		"config-rsp 0x40 0 mtu=0 mode=0",
	}
	if !equalStrings(f.calls, want) {
		t.Errorf("calls %q, want %q", f.calls, want)
	}
	if !equalStrings(c.events, []string{"connect-ind 0"}) {
		t.Errorf("events %q", c.events)
	}
	if mtu, err := s.PeerMTU(h); err != nil || mtu != 100 {
		t.Errorf("PeerMTU() = %d, %v", mtu, err)
	}
	if addr, err := s.PeerAddr(h); err != nil || addr != peer {
		t.Errorf("PeerAddr() = %s, %v", addr, err)
	}
}

func TestInboundOpenWithoutClientsCloses(t *testing.T) {
	s, f := newTestStack(t, Config{})
	f.openInbound(peer, 0x40, 100)
	if !f.called("disconnect-req 0x40") {
		t.Fatalf("unwanted channel left open: %q", f.calls)
	}
	f.ctrl().DisconnectCfm(0x40, 0)
	if s.lcbs.Len() != 0 {
		t.Errorf("%d links left", s.lcbs.Len())
	}
}

func TestFragmentedCommandDelivered(t *testing.T) {
	s, f := newTestStack(t, Config{})
	c := &testClient{}
	h, _ := s.Register(c.config(pidAVRC, RoleAcceptor))
	f.openInbound(peer, 0x40, 100)

	cmd := message(250)
	pkts, err := Fragment(100, Header{Label: 7, MessageType: MessageCommand, PID: pidAVRC}, cmd)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range pkts {
		f.ctrl().DataInd(0x40, p)
	}
	if len(c.messages) != 1 {
		t.Fatalf("got %d messages", len(c.messages))
	}
	m := c.messages[0]
	if m.Label != 7 || m.Type != MessageCommand || m.Channel != ChannelControl || !bytes.Equal(m.Payload, cmd) {
		t.Errorf("got label %d %s on %s with %d bytes", m.Label, m.Type, m.Channel, len(m.Payload))
	}

	if err := s.SendMessage(h, 7, MessageResponse, cmd); err != nil {
		t.Fatal(err)
	}
	writes := f.writes[0x40]
	if len(writes) != 3 || len(writes[0]) != 100 || len(writes[1]) != 100 || len(writes[2]) != 56 {
		t.Fatalf("wrote %d packets", len(writes))
	}
	if !bytes.Equal(writes[0][:4], []byte{0x76, 0x03, 0x11, 0x0e}) || writes[1][0] != 0x7a || writes[2][0] != 0x7e {
		t.Errorf("headers % x, % x, % x", writes[0][:4], writes[1][0], writes[2][0])
	}
}

func TestUnregisteredPID(t *testing.T) {
	s, f := newTestStack(t, Config{})
	c := &testClient{}
	s.Register(c.config(pidAVRC, RoleAcceptor))
	f.openInbound(peer, 0x40, 100)

	f.ctrl().DataInd(0x40, []byte{0x30, 0x12, 0x34, 0x01})
	if w := f.writes[0x40]; len(w) != 1 || !bytes.Equal(w[0], []byte{0x33, 0x12, 0x34}) {
		t.Fatalf("reject % x", w)
	}

	// responses, rejects and bad headers get no answer.
	f.ctrl().DataInd(0x40, []byte{0x42, 0x12, 0x34, 0x01})
	f.ctrl().DataInd(0x40, []byte{0x53, 0x12, 0x34})
	f.ctrl().DataInd(0x40, []byte{0x61, 0x11, 0x0e})
	f.ctrl().DataInd(0x40, []byte{0x70})
	if n := len(f.writes[0x40]); n != 1 {
		t.Errorf("%d packets written", n)
	}
	if len(c.messages) != 0 {
		t.Errorf("delivered %d messages", len(c.messages))
	}
}

func TestReplyFromCallback(t *testing.T) {
	s, f := newTestStack(t, Config{})
	c := &testClient{}
	c.onMsg = func(h Handle, m Message) {
		if err := s.SendMessage(h, m.Label, MessageResponse, m.Payload); err != nil {
			t.Error(err)
		}
	}
	s.Register(c.config(pidAVRC, RoleAcceptor))
	f.openInbound(peer, 0x40, 100)

	f.ctrl().DataInd(0x40, []byte{0x90, 0x11, 0x0e, 0x01, 0x02})
	if w := f.writes[0x40]; len(w) != 1 || !bytes.Equal(w[0], []byte{0x92, 0x11, 0x0e, 0x01, 0x02}) {
		t.Errorf("response % x", w)
	}
}

func TestCongestionOrdering(t *testing.T) {
	s, f := newTestStack(t, Config{})
	c := &testClient{}
	h, _ := s.Register(c.config(pidAVRC, RoleAcceptor))
	f.openInbound(peer, 0x40, 100)

	f.ctrl().CongestionInd(0x40, true)
	s.SendMessage(h, 1, MessageCommand, []byte{1})
	s.SendMessage(h, 2, MessageCommand, []byte{2})
	if len(f.writes[0x40]) != 0 {
		t.Fatal("wrote while congested")
	}
	if c.last() != "congested 0" {
		t.Errorf("last event %q", c.last())
	}
	f.ctrl().CongestionInd(0x40, false)
	if c.last() != "uncongested 0" {
		t.Errorf("last event %q", c.last())
	}

	f.ctrl().CongestionInd(0x40, true)
	s.SendMessage(h, 3, MessageCommand, message(250))
	s.SendMessage(h, 4, MessageCommand, []byte{4})
	// the second queued packet congests the channel again.
	f.status = []l2cap.WriteStatus{l2cap.WriteSuccess, l2cap.WriteCongested}
	f.ctrl().CongestionInd(0x40, false)
	if n := len(f.writes[0x40]); n != 4 {
		t.Fatalf("%d packets written before congestion", n)
	}
	f.ctrl().CongestionInd(0x40, false)

	var got []byte
	for _, w := range f.writes[0x40] {
		got = append(got, w[0])
	}
	want := []byte{0x10, 0x20, 0x34, 0x38, 0x3c, 0x40}
	if !bytes.Equal(got, want) {
		t.Errorf("header order % x, want % x", got, want)
	}
}

func TestOutboundOpenAndClose(t *testing.T) {
	s, f := newTestStack(t, Config{})
	c := &testClient{}
	h, _ := s.Register(c.config(pidAVRC, RoleInitiator))

	if err := s.Open(h, peer, l2cap.SecurityLow); err != nil {
		t.Fatal(err)
	}
	if !equalStrings(f.calls, []string{"connect-req 0x40"}) {
		t.Fatalf("calls %q", f.calls)
	}
	if _, err := s.PeerMTU(h); err != ErrNotOpen {
		t.Errorf("PeerMTU() while connecting: %v", err)
	}
	if err := s.SendMessage(h, 0, MessageCommand, nil); errors.Cause(err) != ErrNotOpen {
		t.Errorf("SendMessage() while connecting: %v", err)
	}
	f.ctrl().ConnectCfm(0x40, l2cap.ConnectionResponseResultSuccessfulConnection)
	if !f.called("config-req 0x40 mtu=672 mode=0") {
		t.Fatalf("calls %q", f.calls)
	}
	f.ctrl().ConfigInd(0x40, &l2cap.ConfigInfo{MTU: 200})
	f.ctrl().ConfigCfm(0x40, &l2cap.ConfigInfo{Result: l2cap.ConfigurationResultSuccess})
	if !equalStrings(c.events, []string{"connect-cfm 0"}) {
		t.Fatalf("events %q", c.events)
	}
	if mtu, _ := s.PeerMTU(h); mtu != 200 {
		t.Errorf("PeerMTU() = %d", mtu)
	}

	// a second client shares the open link.
	c2 := &testClient{}
	h2, _ := s.Register(c2.config(pidOther, RoleInitiator))
	if err := s.Open(h2, peer, l2cap.SecurityLow); err != nil {
		t.Fatal(err)
	}
	if !equalStrings(c2.events, []string{"connect-cfm 0"}) || f.called("connect-req 0x41") {
		t.Errorf("second client events %q, calls %q", c2.events, f.calls)
	}
	if err := s.Close(h2); err != nil {
		t.Fatal(err)
	}
	if c2.last() != "disconnect-cfm 0" || f.called("disconnect-req 0x40") {
		t.Errorf("second client events %q, calls %q", c2.events, f.calls)
	}
	if _, err := s.PeerMTU(h2); err != ErrBadHandle {
		t.Errorf("closed handle: %v", err)
	}

	if err := s.Close(h); err != nil {
		t.Fatal(err)
	}
	if !f.called("disconnect-req 0x40") {
		t.Fatalf("calls %q", f.calls)
	}
	f.ctrl().DisconnectCfm(0x40, 0)
	if c.last() != "disconnect-cfm 0" {
		t.Errorf("events %q", c.events)
	}
	if err := s.Close(h); err != ErrBadHandle {
		t.Errorf("Close() twice: %v", err)
	}
	if s.lcbs.Len() != 0 {
		t.Errorf("%d links left", s.lcbs.Len())
	}
}

func TestOutboundOpenRefused(t *testing.T) {
	s, f := newTestStack(t, Config{})
	c := &testClient{}
	h, _ := s.Register(c.config(pidAVRC, RoleInitiator))
	s.Open(h, peer, l2cap.SecurityLow)
	f.ctrl().ConnectCfm(0x40, l2cap.ConnectionResponseResultRefusedNoResourcesAvailable)

	if !equalStrings(c.events, []string{"connect-cfm 4"}) {
		t.Errorf("events %q", c.events)
	}
	if err := s.Close(h); err != ErrBadHandle {
		t.Errorf("handle kept after failed open: %v", err)
	}
	if s.lcbs.Len() != 0 {
		t.Errorf("%d links left", s.lcbs.Len())
	}
}

func TestOpenErrors(t *testing.T) {
	f := newFakeL2CAP()
	s := New(f, Config{MaxLinks: 1, MaxClients: 4})
	c := &testClient{}

	if _, err := s.Register(ClientConfig{PID: pidAVRC}); err != ErrNoCallback {
		t.Errorf("Register() without callbacks: %v", err)
	}
	a, _ := s.Register(c.config(pidAVRC, RoleInitiator))
	if err := s.Open(a, peer, l2cap.SecurityLow); err != ErrNotStarted {
		t.Errorf("Open() before Start: %v", err)
	}
	s.Start()

	acc, _ := s.Register(c.config(pidOther, RoleAcceptor))
	if err := s.Open(acc, peer, l2cap.SecurityLow); err != ErrNotInitiator {
		t.Errorf("Open() acceptor: %v", err)
	}
	if err := s.Open(a, peer, l2cap.SecurityLow); err != nil {
		t.Fatal(err)
	}
	if err := s.Open(a, peer, l2cap.SecurityLow); err != ErrAlreadyBound {
		t.Errorf("Open() twice: %v", err)
	}
	b, _ := s.Register(c.config(pidAVRC, RoleInitiator))
	if err := s.Open(b, peer, l2cap.SecurityLow); errors.Cause(err) != ErrPIDInUse {
		t.Errorf("Open() same pid: %v", err)
	}
	d, _ := s.Register(c.config(0x1111, RoleInitiator))
	if err := s.Open(d, l2cap.BDAddr{1, 2, 3, 4, 5, 6}, l2cap.SecurityLow); errors.Cause(err) != ErrNoResources {
		t.Errorf("Open() second peer: %v", err)
	}
	if _, err := s.Register(c.config(0x1112, RoleAcceptor)); errors.Cause(err) != ErrNoResources {
		t.Errorf("Register() past capacity: %v", err)
	}
	if err := s.SendMessage(a, 16, MessageCommand, nil); err != ErrBadLabel {
		t.Errorf("label 16: %v", err)
	}
	if err := s.SendMessage(a, 1, MessageReject, nil); err != ErrBadMessageType {
		t.Errorf("reject: %v", err)
	}
	if err := s.Open(Handle(0x00050001), peer, l2cap.SecurityLow); err != ErrBadHandle {
		t.Errorf("stale handle: %v", err)
	}
}

func TestConfigMTUTooSmall(t *testing.T) {
	s, f := newTestStack(t, Config{})
	c := &testClient{}
	h, _ := s.Register(c.config(pidAVRC, RoleAcceptor))

	f.ctrl().ConnectInd(peer, 0x40, l2cap.PSMAVCTP, 1)
	f.ctrl().ConfigInd(0x40, &l2cap.ConfigInfo{MTU: 20})
	if !f.called("config-rsp 0x40 1 mtu=48 mode=0") {
		t.Fatalf("calls %q", f.calls)
	}
	f.ctrl().ConfigCfm(0x40, &l2cap.ConfigInfo{Result: l2cap.ConfigurationResultSuccess})
	if len(c.events) != 0 {
		t.Fatalf("opened with rejected configuration: %q", c.events)
	}
	f.ctrl().ConfigInd(0x40, &l2cap.ConfigInfo{MTU: 48})
	if !equalStrings(c.events, []string{"connect-ind 0"}) {
		t.Fatalf("events %q", c.events)
	}
	if mtu, _ := s.PeerMTU(h); mtu != 48 {
		t.Errorf("PeerMTU() = %d", mtu)
	}
}

func TestPeerMTUCapped(t *testing.T) {
	s, f := newTestStack(t, Config{MaxPeerMTU: 1000})
	c := &testClient{}
	h, _ := s.Register(c.config(pidAVRC, RoleAcceptor))
	f.openInbound(peer, 0x40, 4000)
	if mtu, _ := s.PeerMTU(h); mtu != 1000 {
		t.Errorf("PeerMTU() = %d", mtu)
	}
}

func TestConfigRejectedReportsResult(t *testing.T) {
	s, f := newTestStack(t, Config{})
	c := &testClient{}
	h, _ := s.Register(c.config(pidAVRC, RoleInitiator))
	s.Open(h, peer, l2cap.SecurityLow)
	f.ctrl().ConnectCfm(0x40, l2cap.ConnectionResponseResultSuccessfulConnection)
	f.ctrl().ConfigCfm(0x40, &l2cap.ConfigInfo{Result: l2cap.ConfigurationResultRejected})
	if !f.called("disconnect-req 0x40") {
		t.Fatalf("calls %q", f.calls)
	}
	f.ctrl().DisconnectCfm(0x40, 0)
	if !equalStrings(c.events, []string{"connect-cfm 2"}) {
		t.Errorf("events %q", c.events)
	}
}

func TestPeerDisconnect(t *testing.T) {
	s, f := newTestStack(t, Config{})
	acc := &testClient{}
	ha, _ := s.Register(acc.config(pidAVRC, RoleAcceptor))
	f.openInbound(peer, 0x40, 100)
	ini := &testClient{}
	hi, _ := s.Register(ini.config(pidOther, RoleInitiator))
	s.Open(hi, peer, l2cap.SecurityLow)
	if ini.last() != "connect-cfm 0" {
		t.Fatalf("initiator events %q", ini.events)
	}

	f.ctrl().DisconnectInd(0x40, true)
	if !f.called("disconnect-rsp 0x40") {
		t.Errorf("calls %q", f.calls)
	}
	if acc.last() != "disconnect-ind 0" || ini.last() != "disconnect-ind 0" {
		t.Errorf("events %q, %q", acc.events, ini.events)
	}
	if _, err := s.PeerAddr(ha); err != ErrNotOpen {
		t.Errorf("acceptor after disconnect: %v", err)
	}
	if _, err := s.PeerAddr(hi); err != ErrBadHandle {
		t.Errorf("initiator after disconnect: %v", err)
	}

	// the acceptor binds again to the next connection.
	f.openInbound(peer, 0x41, 100)
	if acc.last() != "connect-ind 0" {
		t.Errorf("acceptor events %q", acc.events)
	}
}

func TestSimultaneousOpen(t *testing.T) {
	s, f := newTestStack(t, Config{})
	c := &testClient{}
	cc := c.config(pidAVRC, RoleInitiator)
	cc.Passive = true
	h, _ := s.Register(cc)
	s.Open(h, peer, l2cap.SecurityLow)

	f.ctrl().ConnectInd(peer, 0x41, l2cap.PSMAVCTP, 1)
	if !f.called("connect-rsp 0x41 0") || !f.called("config-req 0x41 mtu=672 mode=0") {
		t.Fatalf("calls %q", f.calls)
	}
	f.ctrl().ConnectCfm(0x40, l2cap.ConnectionResponseResultSuccessfulConnection)
	if !f.called("disconnect-req 0x40") {
		t.Fatalf("own channel kept: %q", f.calls)
	}
	f.ctrl().ConfigInd(0x41, &l2cap.ConfigInfo{MTU: 100})
	f.ctrl().ConfigCfm(0x41, &l2cap.ConfigInfo{Result: l2cap.ConfigurationResultSuccess})
	f.ctrl().DisconnectCfm(0x40, 0)
	if !equalStrings(c.events, []string{"connect-cfm 0"}) {
		t.Errorf("events %q", c.events)
	}
	if mtu, _ := s.PeerMTU(h); mtu != 100 {
		t.Errorf("PeerMTU() = %d", mtu)
	}
}

func TestSimultaneousOpenRefused(t *testing.T) {
	s, f := newTestStack(t, Config{})
	c := &testClient{}
	h, _ := s.Register(c.config(pidAVRC, RoleInitiator))
	s.Open(h, peer, l2cap.SecurityLow)

	f.ctrl().ConnectInd(peer, 0x41, l2cap.PSMAVCTP, 1)
	if !f.called("connect-rsp 0x41 4") {
		t.Fatalf("calls %q", f.calls)
	}
	f.ctrl().ConnectCfm(0x40, l2cap.ConnectionResponseResultSuccessfulConnection)
	if !f.called("config-req 0x40 mtu=672 mode=0") {
		t.Errorf("calls %q", f.calls)
	}
}

func openBrowseClient(t *testing.T) (*Stack, *fakeL2CAP, *testClient, Handle) {
	s, f := newTestStack(t, Config{})
	c := &testClient{}
	cc := c.config(pidAVRC, RoleAcceptor)
	cc.Browse = true
	h, _ := s.Register(cc)
	f.openInbound(peer, 0x40, 672)
	f.openBrowse(peer, 0x51, 400)
	if !equalStrings(c.events, []string{"connect-ind 0", "browse-connect-ind 0"}) {
		t.Fatalf("events %q", c.events)
	}
	return s, f, c, h
}

func TestBrowseOpen(t *testing.T) {
	s, f := newTestStack(t, Config{})
	c := &testClient{}
	cc := c.config(pidAVRC, RoleAcceptor)
	cc.Browse = true
	h, _ := s.Register(cc)

	f.browse().ConnectInd(peer, 0x50, l2cap.PSMAVCTPBrowse, 2)
	if !f.called("connect-rsp 0x50 4") {
		t.Fatalf("browsing accepted before control: %q", f.calls)
	}
	f.openInbound(peer, 0x40, 672)
	f.browse().ConnectInd(peer, 0x51, l2cap.PSMAVCTPBrowse, 3)
	if !f.called("connect-rsp 0x51 0") || !f.called("config-req 0x51 mtu=1024 mode=3") {
		t.Fatalf("calls %q", f.calls)
	}
	f.browse().ConfigInd(0x51, &l2cap.ConfigInfo{MTU: 400})
	if !f.called("config-rsp 0x51 1 mtu=0 mode=3") {
		t.Fatalf("basic mode accepted: %q", f.calls)
	}
	f.browse().ConfigInd(0x51, &l2cap.ConfigInfo{
		MTU: 400,
		FCR: &l2cap.RetransmissionAndFlowControl{Mode: l2cap.ModeEnhancedRetransmission},
	})
	f.browse().ConfigCfm(0x51, &l2cap.ConfigInfo{Result: l2cap.ConfigurationResultSuccess})
	if c.last() != "browse-connect-ind 0" {
		t.Fatalf("events %q", c.events)
	}
	if mtu, err := s.BrowseMTU(h); err != nil || mtu != 400 {
		t.Errorf("BrowseMTU() = %d, %v", mtu, err)
	}
	if err := s.OpenBrowse(h); err != ErrBrowseInitiate {
		t.Errorf("OpenBrowse() = %v", err)
	}

	f.browse().ConnectInd(peer, 0x52, l2cap.PSMAVCTPBrowse, 4)
	if !f.called("connect-rsp 0x52 4") {
		t.Errorf("second browsing channel accepted: %q", f.calls)
	}
}

func TestBrowseMessages(t *testing.T) {
	s, f, c, h := openBrowseClient(t)

	if err := s.SendBrowseMessage(h, 2, message(398)); errors.Cause(err) != ErrMessageTooLong {
		t.Errorf("SendBrowseMessage(398) = %v", err)
	}
	if err := s.SendBrowseMessage(h, 2, message(397)); err != nil {
		t.Fatal(err)
	}
	w := f.writes[0x51]
	if len(w) != 1 || len(w[0]) != 400 || !bytes.Equal(w[0][:3], []byte{0x22, 0x11, 0x0e}) {
		t.Fatalf("browse writes %d", len(w))
	}

	f.browse().DataInd(0x51, []byte{0x14, 0x02, 0x11, 0x0e, 0x00})
	f.browse().DataInd(0x51, []byte{0x50, 0x11, 0x0e, 0xaa})
	if len(c.messages) != 1 {
		t.Fatalf("got %d messages", len(c.messages))
	}
	if m := c.messages[0]; m.Channel != ChannelBrowse || m.Label != 5 || !bytes.Equal(m.Payload, []byte{0xaa}) {
		t.Errorf("message %+v", m)
	}

	f.browse().DataInd(0x51, []byte{0x60, 0x12, 0x34})
	w = f.writes[0x51]
	if len(w) != 2 || !bytes.Equal(w[1], []byte{0x63, 0x12, 0x34}) {
		t.Errorf("browse reject % x", w)
	}
}

func TestBrowseTornDownWithControl(t *testing.T) {
	s, f, c, h := openBrowseClient(t)
	f.ctrl().DisconnectInd(0x40, false)

	n := len(c.events)
	if n < 2 || c.events[n-2] != "browse-disconnect-ind 0" || c.events[n-1] != "disconnect-ind 0" {
		t.Errorf("events %q", c.events)
	}
	if !f.called("disconnect-req 0x51") {
		t.Errorf("browsing channel left open: %q", f.calls)
	}
	if s.bcbs.Len() != 0 || s.lcbs.Len() != 0 {
		t.Errorf("%d browse blocks, %d links left", s.bcbs.Len(), s.lcbs.Len())
	}
	if _, err := s.BrowseMTU(h); err != ErrNotOpen {
		t.Errorf("BrowseMTU() = %v", err)
	}
}

func TestCloseBrowse(t *testing.T) {
	s, f, c, h := openBrowseClient(t)
	if err := s.CloseBrowse(h); err != nil {
		t.Fatal(err)
	}
	if c.last() != "browse-disconnect-cfm 0" || !f.called("disconnect-req 0x51") {
		t.Fatalf("events %q, calls %q", c.events, f.calls)
	}
	if err := s.SendBrowseMessage(h, 1, nil); err != ErrNotOpen {
		t.Errorf("SendBrowseMessage() after close = %v", err)
	}
	f.browse().DisconnectCfm(0x51, 0)
	if s.bcbs.Len() != 0 {
		t.Errorf("%d browse blocks left", s.bcbs.Len())
	}
	if _, err := s.PeerMTU(h); err != nil {
		t.Errorf("control channel lost: %v", err)
	}
}

func TestObserve(t *testing.T) {
	s, f := newTestStack(t, Config{})
	c := &testClient{}
	h, _ := s.Register(c.config(pidAVRC, RoleAcceptor))
	f.openInbound(peer, 0x40, 100)

	var traces []Trace
	cancel := s.Observe(func(tr Trace) { traces = append(traces, tr) })
	f.ctrl().DataInd(0x40, []byte{0x10, 0x11, 0x0e})
	s.SendMessage(h, 1, MessageResponse, nil)
	cancel()
	s.SendMessage(h, 2, MessageResponse, nil)

	if len(traces) != 2 {
		t.Fatalf("got %d traces", len(traces))
	}
	if tr := traces[0]; tr.Direction != Inbound || tr.Channel != ChannelControl || tr.Addr != peer {
		t.Errorf("first trace %+v", tr)
	}
	if tr := traces[1]; tr.Direction != Outbound || !bytes.Equal(tr.Packet, []byte{0x12, 0x11, 0x0e}) {
		t.Errorf("second trace %+v", tr)
	}
}

func TestOneAcceptorPerProfile(t *testing.T) {
	s, f := newTestStack(t, Config{})
	a, b := &testClient{}, &testClient{}
	s.Register(a.config(pidAVRC, RoleAcceptor))
	hb, _ := s.Register(b.config(pidAVRC, RoleAcceptor))

	f.openInbound(peer, 0x40, 100)
	if !equalStrings(a.events, []string{"connect-ind 0"}) || len(b.events) != 0 {
		t.Fatalf("events a %q, b %q", a.events, b.events)
	}

	other := l2cap.BDAddr{0x00, 0x1a, 0x7d, 0xda, 0x71, 0x14}
	f.openInbound(other, 0x41, 100)
	if len(a.events) != 1 || !equalStrings(b.events, []string{"connect-ind 0"}) {
		t.Errorf("events a %q, b %q", a.events, b.events)
	}
	if addr, err := s.PeerAddr(hb); err != nil || addr != other {
		t.Errorf("PeerAddr() = %s, %v", addr, err)
	}
}

func TestConnectRspFailedFreesLink(t *testing.T) {
	s, f := newTestStack(t, Config{})
	c := &testClient{}
	s.Register(c.config(pidAVRC, RoleAcceptor))

	f.connectRspErr = errors.New("no channel")
	f.ctrl().ConnectInd(peer, 0x40, l2cap.PSMAVCTP, 1)
	if s.lcbs.Len() != 0 {
		t.Fatalf("%d links left", s.lcbs.Len())
	}

	f.connectRspErr = nil
	f.openInbound(peer, 0x41, 100)
	if !equalStrings(c.events, []string{"connect-ind 0"}) {
		t.Errorf("events %q", c.events)
	}
}

func TestConfigWithoutOptions(t *testing.T) {
	s, f := newTestStack(t, Config{})
	c := &testClient{}
	h, _ := s.Register(c.config(pidAVRC, RoleAcceptor))

	f.ctrl().ConnectInd(peer, 0x40, l2cap.PSMAVCTP, 1)
	f.ctrl().ConfigInd(0x40, nil)
	if !f.called("config-rsp 0x40 0 mtu=0 mode=0") {
		t.Fatalf("calls %q", f.calls)
	}
	f.ctrl().ConfigCfm(0x40, nil)
	if !equalStrings(c.events, []string{"connect-ind 0"}) {
		t.Errorf("events %q", c.events)
	}
	if mtu, err := s.PeerMTU(h); err != nil || mtu != int(l2cap.DefaultMTU) {
		t.Errorf("PeerMTU() = %d, %v", mtu, err)
	}
}

func TestBrowseConnectCfmClosesStrayChannel(t *testing.T) {
	_, f, _, _ := openBrowseClient(t)
	f.calls = nil

	f.browse().ConnectCfm(0x60, l2cap.ConnectionResponseResultRefusedNoResourcesAvailable)
	if len(f.calls) != 0 {
		t.Errorf("calls %q", f.calls)
	}

	f.disconnectErr = errors.New("gone")
	f.browse().ConnectCfm(0x60, l2cap.ConnectionResponseResultSuccessfulConnection)
	if !equalStrings(f.calls, []string{"disconnect-req 0x60"}) {
		t.Errorf("calls %q", f.calls)
	}
}
