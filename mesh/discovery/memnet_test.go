package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/TheusHen/meshcore/mesh/identity"
	"github.com/TheusHen/meshcore/mesh/routing"
	"github.com/TheusHen/meshcore/mesh/transport"
)

// memNet delivers discovery payloads between in-process endpoints the way
// the transport would: the sender's bundle reaches the receiver's keyring
// and the receiver learns the authenticated sender id.
type memNet struct {
	mu    sync.Mutex
	nodes map[netip.AddrPort]*memEndpoint
	next  int
}

type memEndpoint struct {
	net  *memNet
	addr netip.AddrPort
	id   *identity.Identity
	kr   *identity.Keyring
	in   chan transport.Inbound
	down bool
}

func newMemNet() *memNet {
	return &memNet{nodes: make(map[netip.AddrPort]*memEndpoint)}
}

func (n *memNet) endpoint(id *identity.Identity, kr *identity.Keyring) *memEndpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.next++
	addr := netip.MustParseAddrPort(fmt.Sprintf("10.0.%d.%d:7700", n.next/250, n.next%250+1))
	ep := &memEndpoint{net: n, addr: addr, id: id, kr: kr, in: make(chan transport.Inbound, 4096)}
	n.nodes[addr] = ep
	return ep
}

func (n *memNet) setDown(addr netip.AddrPort, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ep, ok := n.nodes[addr]; ok {
		ep.down = down
	}
}

func (n *memNet) lookup(addr netip.AddrPort) (*memEndpoint, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ep, ok := n.nodes[addr]
	if !ok || ep.down {
		return nil, false
	}
	return ep, true
}

func (e *memEndpoint) Send(ctx context.Context, to identity.NodeID, addr netip.AddrPort, payload []byte) error {
	if _, up := e.net.lookup(e.addr); !up {
		return nil
	}
	dst, ok := e.net.lookup(addr)
	if !ok {
		return nil
	}
	if !to.IsZero() && dst.id.ID() != to {
		return nil
	}
	if _, err := dst.kr.Add(e.id.Bundle()); err != nil {
		return err
	}
	select {
	case dst.in <- transport.Inbound{
		From:     e.id.ID(),
		Addr:     e.addr,
		Type:     transport.TypeDiscovery,
		Payload:  append([]byte(nil), payload...),
		Received: time.Now(),
	}:
	default:
	}
	return nil
}

func (e *memEndpoint) Inbound() <-chan transport.Inbound { return e.in }

func (e *memEndpoint) Connect(ctx context.Context, id identity.NodeID, addr netip.AddrPort) error {
	dst, ok := e.net.lookup(addr)
	if !ok || dst.id.ID() != id {
		return errors.New("memnet: unreachable")
	}
	return nil
}

type testPeer struct {
	id  *identity.Identity
	kr  *identity.Keyring
	ep  *memEndpoint
	svc *Service

	cancel context.CancelFunc
	done   chan struct{}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.QueryTimeout = 200 * time.Millisecond
	cfg.AnnounceInterval = 0
	cfg.MaintenanceInterval = 0
	cfg.Multicast = false
	return cfg
}

func newTestPeer(t *testing.T, n *memNet, cfg Config, tcfg routing.Config) *testPeer {
	t.Helper()
	id, err := identity.Generate(identity.AlgHybridEd25519MLDSA65, time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	kr := identity.NewKeyring()
	ep := n.endpoint(id, kr)
	cfg.AdvertiseAddr = ep.addr
	table := routing.NewTable(id.ID(), tcfg)
	p := &testPeer{id: id, kr: kr, ep: ep, svc: New(cfg, id, kr, table, ep, nil, nil), done: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go func() {
		defer close(p.done)
		_ = p.svc.Run(ctx)
	}()
	t.Cleanup(p.stop)
	return p
}

func (p *testPeer) stop() {
	p.cancel()
	<-p.done
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

func waitEvent(t *testing.T, ch <-chan Event, kind EventKind, id identity.NodeID) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind && ev.Peer.NodeID == id {
				return
			}
		case <-timeout:
			t.Fatalf("no %s event for %s", kind, id.Short())
		}
	}
}
