package discovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/TheusHen/meshcore/mesh/identity"
	"github.com/TheusHen/meshcore/mesh/routing"
)

// LookupResult is the outcome of an iterative FIND_NODE lookup.
type LookupResult struct {
	// Peers are the K closest nodes that answered, nearest first.
	Peers   []routing.PeerRecord
	Rounds  int
	Queried int
}

type candidate struct {
	rec       routing.PeerRecord
	queried   bool
	responded bool
}

// shortlist keeps lookup candidates ordered by distance to the target.
type shortlist struct {
	target identity.NodeID
	self   identity.NodeID
	byID   map[identity.NodeID]*candidate
	order  []*candidate
}

func newShortlist(target, self identity.NodeID) *shortlist {
	return &shortlist{target: target, self: self, byID: make(map[identity.NodeID]*candidate)}
}

func (l *shortlist) add(rec routing.PeerRecord) bool {
	if rec.NodeID.IsZero() || rec.NodeID == l.self || !rec.Addr.IsValid() {
		return false
	}
	if _, ok := l.byID[rec.NodeID]; ok {
		return false
	}
	c := &candidate{rec: rec}
	l.byID[rec.NodeID] = c
	l.order = append(l.order, c)
	sort.Slice(l.order, func(i, j int) bool {
		return l.order[i].rec.NodeID.CloserTo(l.target, l.order[j].rec.NodeID)
	})
	return true
}

func (l *shortlist) closest() (identity.NodeID, bool) {
	if len(l.order) == 0 {
		return identity.NodeID{}, false
	}
	return l.order[0].rec.NodeID, true
}

// next returns up to n unqueried candidates among the k closest and marks
// them queried.
func (l *shortlist) next(n, k int) []*candidate {
	var out []*candidate
	for i, c := range l.order {
		if i >= k || len(out) == n {
			break
		}
		if !c.queried {
			c.queried = true
			out = append(out, c)
		}
	}
	return out
}

func (l *shortlist) responders(k int) []routing.PeerRecord {
	var out []routing.PeerRecord
	for _, c := range l.order {
		if c.responded {
			out = append(out, c.rec)
			if len(out) == k {
				break
			}
		}
	}
	return out
}

// Lookup runs an iterative Kademlia lookup for target. Each round queries
// the Alpha closest unqueried candidates in parallel and merges their
// answers into the shortlist. When a round brings nothing closer, every
// remaining unqueried candidate among the K closest is queried; the lookup
// ends once such a round also brings nothing closer. MaxRounds caps the
// total.
func (s *Service) Lookup(ctx context.Context, target identity.NodeID) (LookupResult, error) {
	s.lookups.Add(1)
	s.table.Touch(target)

	list := newShortlist(target, s.self.ID())
	for _, rec := range s.table.LookupClosest(target, s.cfg.K) {
		if !s.isExcluded(rec.NodeID) {
			list.add(rec)
		}
	}

	var (
		res      LookupResult
		mu       sync.Mutex
		finalize bool
	)
	for s.cfg.MaxRounds <= 0 || res.Rounds < s.cfg.MaxRounds {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		width := s.cfg.Alpha
		if finalize {
			width = s.cfg.K
		}
		batch := list.next(width, s.cfg.K)
		if len(batch) == 0 {
			break
		}
		res.Rounds++
		res.Queried += len(batch)
		best, _ := list.closest()

		var g errgroup.Group
		for _, c := range batch {
			g.Go(func() error {
				peers, err := s.findNode(ctx, c.rec, target)
				if err != nil {
					return nil
				}
				mu.Lock()
				defer mu.Unlock()
				c.responded = true
				for _, p := range peers {
					if !s.isExcluded(p.NodeID) {
						list.add(p)
					}
				}
				return nil
			})
		}
		_ = g.Wait()

		now, _ := list.closest()
		improved := now != best
		if finalize && !improved {
			break
		}
		finalize = !improved
	}

	res.Peers = list.responders(s.cfg.K)
	s.metrics.LookupRounds.Observe(float64(res.Rounds))
	s.log.Debug("lookup finished",
		zap.String("target", target.Short()),
		zap.Int("rounds", res.Rounds),
		zap.Int("queried", res.Queried),
		zap.Int("found", len(res.Peers)))
	return res, nil
}

// findNode sends one FIND_NODE and returns the peers in the reply. The
// responder itself is recorded first-hand; the returned peers are not.
func (s *Service) findNode(ctx context.Context, peer routing.PeerRecord, target identity.NodeID) ([]routing.PeerRecord, error) {
	r, rtt, err := s.request(ctx, peer.NodeID, peer.Addr, &Message{Kind: KindFindNode, FindNode: &FindNode{Target: target}})
	if err != nil {
		s.table.RecordFailure(peer.NodeID)
		return nil, err
	}
	if r.msg.Kind != KindFoundNodes {
		return nil, ErrMalformed
	}
	s.observe(r.msg.From, r.addr, nil, rtt)
	peers := r.msg.FoundNodes.Peers
	if len(peers) > s.cfg.K {
		peers = peers[:s.cfg.K]
	}
	for i := range peers {
		peers[i].LastSeen = time.Time{}
		peers[i].Reliability = 0
	}
	return peers, nil
}
