package consensus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/TheusHen/meshcore/mesh/identity"
)

// hub connects engines in memory. Isolated nodes neither send nor receive.
type hub struct {
	mu       sync.Mutex
	engines  map[identity.NodeID]*Engine
	isolated map[identity.NodeID]bool
}

func newHub() *hub {
	return &hub{engines: make(map[identity.NodeID]*Engine), isolated: make(map[identity.NodeID]bool)}
}

type hubLink struct {
	h    *hub
	from identity.NodeID
}

func (l hubLink) Send(_ context.Context, to identity.NodeID, msg []byte) error {
	l.h.mu.Lock()
	e := l.h.engines[to]
	blocked := l.h.isolated[l.from] || l.h.isolated[to]
	l.h.mu.Unlock()
	if blocked || e == nil {
		return errors.New("hub: unreachable")
	}
	e.Step(l.from, append([]byte(nil), msg...))
	return nil
}

func (h *hub) isolate(id identity.NodeID, on bool) {
	h.mu.Lock()
	h.isolated[id] = on
	h.mu.Unlock()
}

// inject delivers msg to to regardless of isolation.
func (h *hub) inject(from, to identity.NodeID, msg []byte) {
	h.mu.Lock()
	e := h.engines[to]
	h.mu.Unlock()
	e.Step(from, msg)
}

type testNode struct {
	id     *identity.Identity
	kr     *identity.Keyring
	store  Storage
	e      *Engine
	cancel context.CancelFunc
	done   chan error
}

type cluster struct {
	t     *testing.T
	hub   *hub
	nodes []*testNode
}

func genIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate(identity.AlgHybridEd25519MLDSA65, time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return id
}

func newCluster(t *testing.T, n int, tweak func(*Config)) *cluster {
	t.Helper()
	c := &cluster{t: t, hub: newHub()}
	ids := make([]*identity.Identity, n)
	members := make([]identity.NodeID, n)
	for i := range ids {
		ids[i] = genIdentity(t)
		members[i] = ids[i].ID()
	}
	for _, id := range ids {
		kr := identity.NewKeyring()
		for _, other := range ids {
			if _, err := kr.Add(other.Bundle()); err != nil {
				t.Fatalf("Add: %v", err)
			}
		}
		cfg := DefaultConfig()
		cfg.Members = members
		if tweak != nil {
			tweak(&cfg)
		}
		store := NewMemoryStorage()
		e, err := New(cfg, id, kr, store, hubLink{h: c.hub, from: id.ID()}, nil, nil)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		c.hub.engines[id.ID()] = e
		c.nodes = append(c.nodes, &testNode{id: id, kr: kr, store: store, e: e})
	}
	for _, n := range c.nodes {
		c.start(n)
	}
	t.Cleanup(func() {
		for _, n := range c.nodes {
			c.stop(n)
		}
	})
	return c
}

func (c *cluster) start(n *testNode) {
	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.done = make(chan error, 1)
	go func() { n.done <- n.e.Run(ctx) }()
}

func (c *cluster) stop(n *testNode) {
	if n.cancel == nil {
		return
	}
	n.cancel()
	<-n.done
	n.cancel = nil
}

func (c *cluster) node(id identity.NodeID) *testNode {
	for _, n := range c.nodes {
		if n.id.ID() == id {
			return n
		}
	}
	return nil
}

// waitLeader waits until one node among those not skipped leads and every
// other such node follows it in the same term.
func (c *cluster) waitLeader(timeout time.Duration, skip ...identity.NodeID) *testNode {
	c.t.Helper()
	skipped := make(map[identity.NodeID]bool)
	for _, id := range skip {
		skipped[id] = true
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var leader *testNode
		var term uint64
		agreed := true
		for _, n := range c.nodes {
			if skipped[n.id.ID()] {
				continue
			}
			st := n.e.Status()
			if st.Role == Leader {
				if leader != nil {
					agreed = false
					break
				}
				leader, term = n, st.Term
			}
		}
		if leader != nil && agreed {
			for _, n := range c.nodes {
				if skipped[n.id.ID()] {
					continue
				}
				st := n.e.Status()
				if st.Term != term || st.Leader != leader.id.ID() {
					agreed = false
					break
				}
			}
			if agreed {
				return leader
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.t.Fatalf("no agreed leader within %v", timeout)
	return nil
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
