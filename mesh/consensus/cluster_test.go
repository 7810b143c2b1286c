package consensus

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/TheusHen/meshcore/mesh/identity"
)

func TestElectsSingleLeader(t *testing.T) {
	c := newCluster(t, 5, nil)
	leader := c.waitLeader(3 * time.Second)

	st := leader.e.Status()
	if st.Term == 0 {
		t.Fatalf("leader term = 0")
	}
	// The leader's no-op commits once a majority stores it.
	waitFor(t, 2*time.Second, "no-op commit", func() bool {
		return leader.e.Status().CommitIndex >= 1
	})
}

func TestProposalsCommitEverywhere(t *testing.T) {
	c := newCluster(t, 5, nil)
	leader := c.waitLeader(3 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for i, n := range c.nodes {
		addr := fmt.Sprintf("10.0.0.%d:7700", i+1)
		if _, err := leader.e.Commit(ctx, Hint(n.id.ID(), addr)); err != nil {
			t.Fatalf("Commit hint %d: %v", i, err)
		}
	}
	want := leader.e.Status().CommitIndex
	for _, n := range c.nodes {
		waitFor(t, 2*time.Second, "follower apply", func() bool {
			return n.e.Status().LastApplied >= want
		})
		v := n.e.View()
		if len(v.Hints) != len(c.nodes) {
			t.Fatalf("node %s has %d hints, want %d", n.id.ID().Short(), len(v.Hints), len(c.nodes))
		}
	}
}

func TestFollowerForwardsProposal(t *testing.T) {
	c := newCluster(t, 3, nil)
	leader := c.waitLeader(3 * time.Second)

	var follower *testNode
	for _, n := range c.nodes {
		if n != leader {
			follower = n
			break
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	p, err := follower.e.Commit(ctx, Hint(follower.id.ID(), "192.0.2.7:7700"))
	if err != nil {
		t.Fatalf("Commit via follower: %v", err)
	}
	if p.Term != leader.e.Status().Term {
		t.Fatalf("proposal term %d, leader term %d", p.Term, leader.e.Status().Term)
	}
	if got := follower.e.View().Hints[follower.id.ID()]; got != "192.0.2.7:7700" {
		t.Fatalf("hint = %q", got)
	}
}

func TestProposeWithoutLeader(t *testing.T) {
	// A lone member of a three-member mesh can never win an election.
	c := newCluster(t, 3, nil)
	for _, n := range c.nodes[1:] {
		c.stop(n)
	}
	lone := c.nodes[0]
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := lone.e.Propose(ctx, Hint(lone.id.ID(), "192.0.2.1:1")); !errors.Is(err, ErrNoLeader) {
		t.Fatalf("Propose err = %v, want ErrNoLeader", err)
	}
}

func TestInvalidCommandRejected(t *testing.T) {
	c := newCluster(t, 1, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := c.nodes[0].e.Propose(ctx, Command{Kind: CmdRoutingHint})
	if !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("err = %v, want ErrInvalidCommand", err)
	}
}

func TestSingleMemberCommitsAlone(t *testing.T) {
	c := newCluster(t, 1, nil)
	n := c.waitLeader(2 * time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := n.e.Commit(ctx, Hint(n.id.ID(), "192.0.2.1:1")); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestNewLeaderAfterSilence(t *testing.T) {
	c := newCluster(t, 5, nil)
	old := c.waitLeader(3 * time.Second)
	oldTerm := old.e.Status().Term

	cfg := DefaultConfig()
	c.hub.isolate(old.id.ID(), true)
	silenced := time.Now()

	// One election timeout to notice the silence, one more for a split vote.
	bound := 2 * cfg.ElectionTimeoutMax
	next := c.waitLeader(bound, old.id.ID())
	if next == old {
		t.Fatalf("isolated leader still leads")
	}
	if elapsed := time.Since(silenced); elapsed > bound {
		t.Fatalf("re-election took %v", elapsed)
	}
	if got := next.e.Status().Term; got <= oldTerm {
		t.Fatalf("new term %d not above %d", got, oldTerm)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := next.e.Commit(ctx, Hint(next.id.ID(), "192.0.2.9:9")); err != nil {
		t.Fatalf("Commit after failover: %v", err)
	}

	// The isolated leader loses its majority and steps down.
	waitFor(t, 3*cfg.ElectionTimeoutMax+time.Second, "old leader step down", func() bool {
		return old.e.Status().Role != Leader
	})
}

func TestRejoinedFollowerCatchesUp(t *testing.T) {
	c := newCluster(t, 3, nil)
	leader := c.waitLeader(3 * time.Second)
	var lagging *testNode
	for _, n := range c.nodes {
		if n != leader {
			lagging = n
			break
		}
	}
	c.hub.isolate(lagging.id.ID(), true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := range 10 {
		if _, err := leader.e.Commit(ctx, Hint(leader.id.ID(), fmt.Sprintf("192.0.2.1:%d", i+1))); err != nil {
			t.Fatalf("Commit %d: %v", i, err)
		}
	}
	c.hub.isolate(lagging.id.ID(), false)

	// The rejoined node may force a new election; either way every node
	// ends up applying the same log.
	waitFor(t, 5*time.Second, "catch up", func() bool {
		want := c.nodes[0].e.Status().LastApplied
		for _, n := range c.nodes {
			if n.e.Status().LastApplied != want || want < 11 {
				return false
			}
		}
		return true
	})
	if got := lagging.e.View().Hints[leader.id.ID()]; got != "192.0.2.1:10" {
		t.Fatalf("lagging hint = %q", got)
	}
}

func TestRestartReappliesCommittedLog(t *testing.T) {
	c := newCluster(t, 1, nil)
	n := c.waitLeader(2 * time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := n.e.Commit(ctx, Hint(n.id.ID(), "192.0.2.5:5")); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	c.stop(n)

	cfg := DefaultConfig()
	cfg.Members = []identity.NodeID{n.id.ID()}
	e, err := New(cfg, n.id, n.kr, n.store, hubLink{h: c.hub}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := e.View().Hints[n.id.ID()]; got != "192.0.2.5:5" {
		t.Fatalf("hint after restart = %q", got)
	}
	st := e.Status()
	if st.Term == 0 || st.LastApplied != st.CommitIndex || st.CommitIndex < 2 {
		t.Fatalf("status after restart = %+v", st)
	}
}
