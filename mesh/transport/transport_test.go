package transport

import (
	"bytes"
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/TheusHen/meshcore/mesh/identity"
)

type testNode struct {
	id *identity.Identity
	kr *identity.Keyring
	tr *Transport
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.DirectTimeout = 300 * time.Millisecond
	cfg.ProbeInterval = 50 * time.Millisecond
	cfg.RelayKeepalive = 0
	return cfg
}

func newTestNode(t *testing.T, cfg Config, wrap func(net.PacketConn) net.PacketConn) *testNode {
	t.Helper()
	id, err := identity.Generate(identity.AlgHybridEd25519MLDSA65, time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return newTestNodeWith(t, cfg, id, wrap)
}

func newTestNodeWith(t *testing.T, cfg Config, id *identity.Identity, wrap func(net.PacketConn) net.PacketConn) *testNode {
	t.Helper()
	kr := identity.NewKeyring()
	conn, err := net.ListenPacket("udp", cfg.ListenAddr)
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	if wrap != nil {
		conn = wrap(conn)
	}
	tr, err := NewWithConn(cfg, conn, id, kr, nil, nil)
	if err != nil {
		t.Fatalf("NewWithConn: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return &testNode{id: id, kr: kr, tr: tr}
}

func receive(t *testing.T, ch <-chan Inbound, timeout time.Duration) Inbound {
	t.Helper()
	select {
	case in := <-ch:
		return in
	case <-time.After(timeout):
		t.Fatalf("no envelope within %v", timeout)
		return Inbound{}
	}
}

func expectNone(t *testing.T, ch <-chan Inbound, wait time.Duration) {
	t.Helper()
	select {
	case in := <-ch:
		t.Fatalf("unexpected envelope from %s", in.From.Short())
	case <-time.After(wait):
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestFirstContactPlain(t *testing.T) {
	a := newTestNode(t, testConfig(), nil)
	b := newTestNode(t, testConfig(), nil)

	payload := []byte("ping")
	if err := a.tr.Send(context.Background(), identity.NodeID{}, b.tr.LocalAddr(), TypeDiscovery, payload); err != nil {
		t.Fatalf("Send: %v", err)
	}
	in := receive(t, b.tr.Discovery(), 2*time.Second)
	if in.From != a.id.ID() {
		t.Fatalf("From = %s, want %s", in.From.Short(), a.id.ID().Short())
	}
	if !bytes.Equal(in.Payload, payload) {
		t.Fatalf("payload mismatch")
	}
	if !b.kr.Known(a.id.ID()) {
		t.Fatalf("receiver should learn the sender bundle")
	}
	if addr, ok := b.tr.Path(a.id.ID()); !ok || addr != a.tr.LocalAddr() {
		t.Fatalf("Path = %v %v, want %v", addr, ok, a.tr.LocalAddr())
	}
}

func TestSealedSessionAndFEC(t *testing.T) {
	a := newTestNode(t, testConfig(), nil)
	b := newTestNode(t, testConfig(), nil)
	if _, err := a.kr.Add(b.id.Bundle()); err != nil {
		t.Fatalf("Add: %v", err)
	}

	payload := bytes.Repeat([]byte("consensus"), 3000)
	if err := a.tr.Send(context.Background(), b.id.ID(), b.tr.LocalAddr(), TypeConsensus, payload); err != nil {
		t.Fatalf("Send: %v", err)
	}
	in := receive(t, b.tr.Consensus(), 2*time.Second)
	if !bytes.Equal(in.Payload, payload) {
		t.Fatalf("payload mismatch after reassembly")
	}
	if got := b.tr.Stats().RecvSessions; got != 1 {
		t.Fatalf("RecvSessions = %d, want 1", got)
	}
	if got := a.tr.Stats().SendSessions; got != 1 {
		t.Fatalf("SendSessions = %d, want 1", got)
	}
}

func TestSessionResetAfterPeerLosesState(t *testing.T) {
	a := newTestNode(t, testConfig(), nil)
	b := newTestNode(t, testConfig(), nil)
	if _, err := a.kr.Add(b.id.Bundle()); err != nil {
		t.Fatalf("Add: %v", err)
	}
	ctx := context.Background()

	if err := a.tr.Send(ctx, b.id.ID(), b.tr.LocalAddr(), TypeDiscovery, []byte("one")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	receive(t, b.tr.Discovery(), 2*time.Second)

	b.tr.mu.Lock()
	for sid := range b.tr.recvSess {
		delete(b.tr.recvSess, sid)
	}
	b.tr.mu.Unlock()

	if err := a.tr.Send(ctx, b.id.ID(), netip.AddrPort{}, TypeDiscovery, []byte("lost")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return a.tr.Stats().SendSessions == 0 })
	expectNone(t, b.tr.Discovery(), 50*time.Millisecond)

	if err := a.tr.Send(ctx, b.id.ID(), netip.AddrPort{}, TypeDiscovery, []byte("three")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	in := receive(t, b.tr.Discovery(), 2*time.Second)
	if string(in.Payload) != "three" {
		t.Fatalf("payload = %q, want three", in.Payload)
	}
}

func signedEnvelope(id *identity.Identity, seq uint64, payload []byte) *Envelope {
	return signedEnvelopeAt(id, 7, seq, payload)
}

func signedEnvelopeAt(id *identity.Identity, epoch uint32, seq uint64, payload []byte) *Envelope {
	env := &Envelope{
		Type:    TypeDiscovery,
		Epoch:   epoch,
		Seq:     seq,
		From:    id.ID(),
		Payload: payload,
	}
	b, _ := id.Bundle().Encode()
	env.Bundle = b
	env.Signature = id.Sign(identity.ContextEnvelope, env.signedBytes())
	return env
}

func TestReplayAndReorderDropped(t *testing.T) {
	a := newTestNode(t, testConfig(), nil)
	b := newTestNode(t, testConfig(), nil)
	src := dest{addr: a.tr.LocalAddr()}

	b.tr.handleEnvelope(signedEnvelope(a.id, 5, []byte("five")), src, nil)
	receive(t, b.tr.Discovery(), time.Second)

	b.tr.handleEnvelope(signedEnvelope(a.id, 5, []byte("five")), src, nil)
	b.tr.handleEnvelope(signedEnvelope(a.id, 4, []byte("four")), src, nil)
	expectNone(t, b.tr.Discovery(), 50*time.Millisecond)

	b.tr.handleEnvelope(signedEnvelope(a.id, 6, []byte("six")), src, nil)
	if in := receive(t, b.tr.Discovery(), time.Second); string(in.Payload) != "six" {
		t.Fatalf("payload = %q, want six", in.Payload)
	}
}

func TestOlderEpochReplayDropped(t *testing.T) {
	a := newTestNode(t, testConfig(), nil)
	b := newTestNode(t, testConfig(), nil)
	src := dest{addr: a.tr.LocalAddr()}

	old := signedEnvelopeAt(a.id, 7, 1000, []byte("old run"))
	b.tr.handleEnvelope(signedEnvelopeAt(a.id, 9, 2000, []byte("new run")), src, nil)
	receive(t, b.tr.Discovery(), time.Second)

	b.tr.handleEnvelope(old, src, nil)
	expectNone(t, b.tr.Discovery(), 50*time.Millisecond)

	b.tr.handleEnvelope(signedEnvelopeAt(a.id, 9, 2001, []byte("next")), src, nil)
	if in := receive(t, b.tr.Discovery(), time.Second); string(in.Payload) != "next" {
		t.Fatalf("payload = %q, want next", in.Payload)
	}
}

func TestRestartedSenderStillDelivers(t *testing.T) {
	b := newTestNode(t, testConfig(), nil)
	id, err := identity.Generate(identity.AlgHybridEd25519MLDSA65, time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	ctx := context.Background()

	first := newTestNodeWith(t, testConfig(), id, nil)
	if err := first.tr.Send(ctx, b.id.ID(), b.tr.LocalAddr(), TypeDiscovery, []byte("before")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	receive(t, b.tr.Discovery(), 2*time.Second)
	_ = first.tr.Close()

	second := newTestNodeWith(t, testConfig(), id, nil)
	if err := second.tr.Send(ctx, b.id.ID(), b.tr.LocalAddr(), TypeDiscovery, []byte("after")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if in := receive(t, b.tr.Discovery(), 2*time.Second); string(in.Payload) != "after" {
		t.Fatalf("payload = %q, want after", in.Payload)
	}
}

func TestConcurrentSendsAllDelivered(t *testing.T) {
	a := newTestNode(t, testConfig(), nil)
	b := newTestNode(t, testConfig(), nil)
	if _, err := a.kr.Add(b.id.Bundle()); err != nil {
		t.Fatalf("Add: %v", err)
	}

	const n = 40
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- a.tr.Send(context.Background(), b.id.ID(), b.tr.LocalAddr(), TypeDiscovery, []byte{byte(i)})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	seen := make(map[byte]bool)
	for range n {
		in := receive(t, b.tr.Discovery(), 2*time.Second)
		seen[in.Payload[0]] = true
	}
	if len(seen) != n {
		t.Fatalf("received %d distinct envelopes, want %d", len(seen), n)
	}
	if got := b.tr.Stats().Dropped; got != 0 {
		t.Fatalf("Dropped = %d, want 0", got)
	}
}

func TestTamperedEnvelopeRejected(t *testing.T) {
	a := newTestNode(t, testConfig(), nil)
	b := newTestNode(t, testConfig(), nil)

	env := signedEnvelope(a.id, 1, []byte("payload"))
	env.Payload[0] ^= 0x01
	b.tr.handleEnvelope(env, dest{addr: a.tr.LocalAddr()}, nil)
	expectNone(t, b.tr.Discovery(), 50*time.Millisecond)

	other, err := identity.Generate(identity.AlgHybridEd25519MLDSA65, time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	env = signedEnvelope(a.id, 2, []byte("payload"))
	env.Bundle, _ = other.Bundle().Encode()
	b.tr.handleEnvelope(env, dest{addr: a.tr.LocalAddr()}, nil)
	expectNone(t, b.tr.Discovery(), 50*time.Millisecond)

	if got := b.tr.Stats().Dropped; got < 2 {
		t.Fatalf("Dropped = %d, want >= 2", got)
	}
}

type recordingConn struct {
	net.PacketConn
	mu    sync.Mutex
	sizes []int
}

func (c *recordingConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	c.sizes = append(c.sizes, len(p))
	c.mu.Unlock()
	return c.PacketConn.WriteTo(p, addr)
}

func TestCellsMatchProfileSizes(t *testing.T) {
	cfg := testConfig()
	cfg.Profile = "gaming"
	rec := &recordingConn{}
	a := newTestNode(t, cfg, func(c net.PacketConn) net.PacketConn {
		rec.PacketConn = c
		return rec
	})
	b := newTestNode(t, cfg, nil)
	if _, err := a.kr.Add(b.id.Bundle()); err != nil {
		t.Fatalf("Add: %v", err)
	}
	for _, n := range []int{1, 100, 5000} {
		if err := a.tr.Send(context.Background(), b.id.ID(), b.tr.LocalAddr(), TypeDiscovery, make([]byte, n)); err != nil {
			t.Fatalf("Send: %v", err)
		}
		receive(t, b.tr.Discovery(), 2*time.Second)
	}

	allowed := map[int]bool{256: true, 512: true, HelloCellSize: true}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.sizes) == 0 {
		t.Fatalf("no cells written")
	}
	for _, s := range rec.sizes {
		if !allowed[s] {
			t.Fatalf("cell of %d bytes outside the profile", s)
		}
	}
}

func TestSendValidation(t *testing.T) {
	a := newTestNode(t, testConfig(), nil)
	ctx := context.Background()
	if err := a.tr.Send(ctx, identity.NodeID{}, netip.AddrPort{}, TypeDiscovery, nil); err != ErrNoRoute {
		t.Fatalf("Send without route = %v, want ErrNoRoute", err)
	}
	if err := a.tr.Send(ctx, identity.NodeID{}, a.tr.LocalAddr(), TypeProbe, nil); err == nil {
		t.Fatalf("Send of a control type should fail")
	}
	_ = a.tr.Close()
	if err := a.tr.Send(ctx, identity.NodeID{}, netip.MustParseAddrPort("127.0.0.1:9"), TypeDiscovery, nil); err != ErrClosed {
		t.Fatalf("Send after Close = %v, want ErrClosed", err)
	}
}
