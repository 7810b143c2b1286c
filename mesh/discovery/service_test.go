package discovery

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/TheusHen/meshcore/mesh/identity"
	"github.com/TheusHen/meshcore/mesh/routing"
	"github.com/TheusHen/meshcore/mesh/transport"
)

func TestPingInsertsBothSides(t *testing.T) {
	n := newMemNet()
	cfg := testConfig()
	cfg.Services = []string{"relay"}
	a := newTestPeer(t, n, cfg, routing.DefaultConfig())
	b := newTestPeer(t, n, cfg, routing.DefaultConfig())

	got, err := a.svc.Ping(context.Background(), identity.NodeID{}, b.ep.addr)
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if got != b.id.ID() {
		t.Fatalf("Ping answered by %s, want %s", got.Short(), b.id.Short())
	}
	rec, ok := a.svc.Table().Get(b.id.ID())
	if !ok || rec.Addr != b.ep.addr || !rec.HasService("relay") {
		t.Fatalf("a's record for b = %+v, %v", rec, ok)
	}
	waitFor(t, time.Second, func() bool {
		_, ok := b.svc.Table().Get(a.id.ID())
		return ok
	})
	waitEvent(t, a.svc.Events(), PeerDiscovered, b.id.ID())
}

func TestPingTimeout(t *testing.T) {
	n := newMemNet()
	a := newTestPeer(t, n, testConfig(), routing.DefaultConfig())
	_, err := a.svc.Ping(context.Background(), identity.NodeID{}, netip.MustParseAddrPort("10.9.9.9:7700"))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestBootstrapNoSeeds(t *testing.T) {
	n := newMemNet()
	a := newTestPeer(t, n, testConfig(), routing.DefaultConfig())
	err := a.svc.Bootstrap(context.Background(), []netip.AddrPort{netip.MustParseAddrPort("10.9.9.9:7700")})
	if !errors.Is(err, ErrNoBootstrap) {
		t.Fatalf("err = %v, want ErrNoBootstrap", err)
	}
}

// sameBucketPeers creates peers until two of them share a bucket of local.
func sameBucketPeers(t *testing.T, n *memNet, cfg Config, local *routing.Table) (*testPeer, *testPeer) {
	t.Helper()
	seen := make(map[int]*testPeer)
	for range 32 {
		p := newTestPeer(t, n, cfg, routing.DefaultConfig())
		idx := local.BucketIndex(p.id.ID())
		if first, ok := seen[idx]; ok {
			return first, p
		}
		seen[idx] = p
	}
	t.Fatal("no two peers landed in the same bucket")
	return nil, nil
}

func TestFullBucketProbesLeastRecentlySeen(t *testing.T) {
	n := newMemNet()
	cfg := testConfig()
	a := newTestPeer(t, n, cfg, routing.Config{K: 1})
	old, fresh := sameBucketPeers(t, n, cfg, a.svc.Table())
	ctx := context.Background()

	if _, err := old.svc.Ping(ctx, a.id.ID(), a.ep.addr); err != nil {
		t.Fatalf("Ping from old: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		_, ok := a.svc.Table().Get(old.id.ID())
		return ok
	})

	// The least-recently-seen peer answers the probe and keeps its slot.
	if _, err := fresh.svc.Ping(ctx, a.id.ID(), a.ep.addr); err != nil {
		t.Fatalf("Ping from fresh: %v", err)
	}
	time.Sleep(3 * cfg.QueryTimeout)
	if _, ok := a.svc.Table().Get(old.id.ID()); !ok {
		t.Fatal("live peer evicted")
	}
	if _, ok := a.svc.Table().Get(fresh.id.ID()); ok {
		t.Fatal("newcomer displaced a live peer")
	}

	// Once it goes silent the newcomer takes over.
	n.setDown(old.ep.addr, true)
	if _, err := fresh.svc.Ping(ctx, a.id.ID(), a.ep.addr); err != nil {
		t.Fatalf("Ping from fresh: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		_, oldOK := a.svc.Table().Get(old.id.ID())
		_, freshOK := a.svc.Table().Get(fresh.id.ID())
		return !oldOK && freshOK
	})
}

func TestApplyExclusions(t *testing.T) {
	n := newMemNet()
	cfg := testConfig()
	a := newTestPeer(t, n, cfg, routing.DefaultConfig())
	b := newTestPeer(t, n, cfg, routing.DefaultConfig())
	ctx := context.Background()

	if _, err := a.svc.Ping(ctx, b.id.ID(), b.ep.addr); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	a.svc.ApplyExclusions([]identity.NodeID{b.id.ID()})
	if _, ok := a.svc.Table().Get(b.id.ID()); ok {
		t.Fatal("excluded peer still in table")
	}
	waitEvent(t, a.svc.Events(), PeerLost, b.id.ID())

	if _, err := a.svc.Ping(ctx, b.id.ID(), b.ep.addr); !errors.Is(err, ErrExcluded) {
		t.Fatalf("Ping excluded peer: err = %v", err)
	}
	// Traffic from the excluded peer never reinserts it.
	_, _ = b.svc.Ping(ctx, a.id.ID(), a.ep.addr)
	time.Sleep(50 * time.Millisecond)
	if _, ok := a.svc.Table().Get(b.id.ID()); ok {
		t.Fatal("excluded peer reinserted")
	}
	if got := a.svc.Stats().Excluded; got != 1 {
		t.Fatalf("Stats().Excluded = %d", got)
	}
}

func TestLeaveEvictsSender(t *testing.T) {
	n := newMemNet()
	cfg := testConfig()
	a := newTestPeer(t, n, cfg, routing.DefaultConfig())
	b := newTestPeer(t, n, cfg, routing.DefaultConfig())

	if _, err := b.svc.Ping(context.Background(), a.id.ID(), a.ep.addr); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		_, ok := a.svc.Table().Get(b.id.ID())
		return ok
	})
	b.stop()
	waitFor(t, time.Second, func() bool {
		_, ok := a.svc.Table().Get(b.id.ID())
		return !ok
	})
	waitEvent(t, a.svc.Events(), PeerLost, b.id.ID())
}

func TestUnverifiableMessageDropped(t *testing.T) {
	n := newMemNet()
	a := newTestPeer(t, n, testConfig(), routing.DefaultConfig())
	stranger := genIdentity(t)

	wire, err := Encode(&Message{Kind: KindPing, Nonce: 1, Ping: &Ping{}}, stranger)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	a.svc.handle(transport.Inbound{Addr: netip.MustParseAddrPort("10.1.1.1:7700"), Payload: wire})
	if a.svc.Table().Len() != 0 {
		t.Fatal("unverifiable sender inserted")
	}
	if a.svc.Stats().Dropped != 1 {
		t.Fatalf("Dropped = %d, want 1", a.svc.Stats().Dropped)
	}
}

func TestSpoofedSenderDropped(t *testing.T) {
	n := newMemNet()
	a := newTestPeer(t, n, testConfig(), routing.DefaultConfig())
	liar, victim := genIdentity(t), genIdentity(t)
	if _, err := a.kr.Add(liar.Bundle()); err != nil {
		t.Fatalf("Add: %v", err)
	}

	wire, err := Encode(&Message{Kind: KindPing, Nonce: 1, Ping: &Ping{}}, liar)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	a.svc.handle(transport.Inbound{From: victim.ID(), Addr: netip.MustParseAddrPort("10.1.1.1:7700"), Payload: wire})
	if a.svc.Table().Len() != 0 {
		t.Fatal("spoofed message inserted a peer")
	}
	if a.svc.Stats().Dropped != 1 {
		t.Fatalf("Dropped = %d, want 1", a.svc.Stats().Dropped)
	}
}

func TestMulticastAnnounce(t *testing.T) {
	n := newMemNet()
	a := newTestPeer(t, n, testConfig(), routing.DefaultConfig())
	remote := genIdentity(t)
	bundle, err := remote.Bundle().Encode()
	if err != nil {
		t.Fatalf("Encode bundle: %v", err)
	}
	wire, err := Encode(&Message{Kind: KindAnnounce, Announce: &Announce{
		Addr:     "0.0.0.0:9000",
		Services: []string{"storage"},
		Bundle:   bundle,
	}}, remote)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	a.svc.handleMulticast(wire, netip.MustParseAddrPort("192.168.1.20:40000"))
	rec, ok := a.svc.Table().Get(remote.ID())
	if !ok {
		t.Fatal("announced peer not inserted")
	}
	if want := netip.MustParseAddrPort("192.168.1.20:9000"); rec.Addr != want {
		t.Fatalf("addr = %v, want %v", rec.Addr, want)
	}
	if got := a.svc.FindService("storage"); len(got) != 1 || got[0].NodeID != remote.ID() {
		t.Fatalf("FindService = %+v", got)
	}

	ping, err := Encode(&Message{Kind: KindPing, Nonce: 3, Ping: &Ping{}}, remote)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	before := a.svc.Stats().Dropped
	a.svc.handleMulticast(ping, netip.MustParseAddrPort("192.168.1.20:40000"))
	if a.svc.Stats().Dropped != before+1 {
		t.Fatal("non-announce multicast message accepted")
	}
}

func TestFindServiceOrdersByReliability(t *testing.T) {
	n := newMemNet()
	a := newTestPeer(t, n, testConfig(), routing.DefaultConfig())
	table := a.svc.Table()

	low, high, other := genIdentity(t), genIdentity(t), genIdentity(t)
	for _, rec := range []routing.PeerRecord{
		{NodeID: low.ID(), Addr: netip.MustParseAddrPort("10.2.0.1:7700"), Reliability: 0.4, Services: []string{"relay"}},
		{NodeID: high.ID(), Addr: netip.MustParseAddrPort("10.2.0.2:7700"), Reliability: 0.9, Services: []string{"relay", "storage"}},
		{NodeID: other.ID(), Addr: netip.MustParseAddrPort("10.2.0.3:7700"), Services: []string{"storage"}},
	} {
		if _, err := table.Insert(rec); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	got := a.svc.FindService("relay")
	if len(got) != 2 || got[0].NodeID != high.ID() || got[1].NodeID != low.ID() {
		t.Fatalf("FindService(relay) = %+v", got)
	}
	if got := a.svc.FindService("compute"); len(got) != 0 {
		t.Fatalf("FindService(compute) = %+v", got)
	}
}

func TestMaintainEvictsUnreachable(t *testing.T) {
	n := newMemNet()
	cfg := testConfig()
	cfg.PeerTimeout = time.Millisecond
	a := newTestPeer(t, n, cfg, routing.DefaultConfig())
	b := newTestPeer(t, n, cfg, routing.DefaultConfig())
	c := newTestPeer(t, n, cfg, routing.DefaultConfig())
	ctx := context.Background()

	for _, p := range []*testPeer{b, c} {
		if _, err := a.svc.Ping(ctx, p.id.ID(), p.ep.addr); err != nil {
			t.Fatalf("Ping: %v", err)
		}
	}
	n.setDown(c.ep.addr, true)
	time.Sleep(5 * time.Millisecond)

	a.svc.Maintain(ctx)
	if _, ok := a.svc.Table().Get(b.id.ID()); !ok {
		t.Fatal("live peer evicted")
	}
	if _, ok := a.svc.Table().Get(c.id.ID()); ok {
		t.Fatal("unreachable peer kept")
	}
}
