package routing

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/TheusHen/meshcore/mesh/identity"
)

const (
	// DefaultK is the bucket capacity.
	DefaultK = 20
	// DefaultReplacements bounds each bucket's replacement cache.
	DefaultReplacements = 10

	rttWeight         = 0.125
	reliabilityWeight = 0.2
)

var (
	ErrSelf               = errors.New("routing: record for the local node")
	ErrZeroID             = errors.New("routing: record without node id")
	ErrInconsistentRecord = errors.New("routing: conflicting record is older than the known one")
)

// Config tunes a Table.
type Config struct {
	// K is the bucket capacity.
	K int
	// Replacements bounds each bucket's replacement cache.
	Replacements int
	// StaleAfter is how long a peer may go unseen before Insert may evict
	// it without a probe. Zero disables direct eviction.
	StaleAfter time.Duration
}

func DefaultConfig() Config {
	return Config{K: DefaultK, Replacements: DefaultReplacements, StaleAfter: time.Minute}
}

// Table is the Kademlia routing table.
//
// It is safe for concurrent readers. Writers are expected to be a single
// owner (the discovery service); the lock only keeps readers consistent.
type Table struct {
	mu      sync.RWMutex
	local   identity.NodeID
	cfg     Config
	buckets [identity.IDBits]*bucket
	now     func() time.Time
}

func NewTable(local identity.NodeID, cfg Config) *Table {
	if cfg.K <= 0 {
		cfg.K = DefaultK
	}
	if cfg.Replacements <= 0 {
		cfg.Replacements = DefaultReplacements
	}
	t := &Table{local: local, cfg: cfg, now: time.Now}
	created := t.now()
	for i := range t.buckets {
		t.buckets[i] = &bucket{touched: created}
	}
	return t
}

func (t *Table) Local() identity.NodeID { return t.local }

func (t *Table) K() int { return t.cfg.K }

// BucketIndex returns the bucket id falls into.
func (t *Table) BucketIndex(id identity.NodeID) int {
	idx := t.local.PrefixLen(id)
	if idx >= len(t.buckets) {
		idx = len(t.buckets) - 1
	}
	return idx
}

// Insert adds or refreshes rec.
//
// A known node with a different address is a routing inconsistency: the
// record with the newer LastSeen (the most recently authenticated contact)
// wins. When the bucket is full, a stale least-recently-seen record is
// replaced outright; otherwise rec is parked as a replacement and the
// least-recently-seen record is returned for the caller to probe.
func (t *Table) Insert(rec PeerRecord) (Outcome, error) {
	if rec.NodeID.IsZero() {
		return Outcome{}, ErrZeroID
	}
	if rec.NodeID == t.local {
		return Outcome{}, ErrSelf
	}
	now := t.now()
	if rec.LastSeen.IsZero() {
		rec.LastSeen = now
	}
	if rec.Reliability == 0 {
		rec.Reliability = 1
	}
	rec = rec.clone()

	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.buckets[t.BucketIndex(rec.NodeID)]
	b.touched = now

	if i := b.indexOf(rec.NodeID); i >= 0 {
		cur := &b.entries[i]
		if rec.Addr != cur.Addr && rec.LastSeen.Before(cur.LastSeen) {
			return Outcome{}, ErrInconsistentRecord
		}
		cur.Addr = rec.Addr
		if rec.LastSeen.After(cur.LastSeen) {
			cur.LastSeen = rec.LastSeen
		}
		if rec.RTT > 0 {
			cur.RTT = rec.RTT
		}
		if rec.Fingerprint != "" {
			cur.Fingerprint = rec.Fingerprint
		}
		if rec.Services != nil {
			cur.Services = rec.Services
		}
		b.moveToTail(i)
		return Outcome{Result: Updated}, nil
	}

	if len(b.entries) < t.cfg.K {
		b.dropReplacement(rec.NodeID)
		b.entries = append(b.entries, rec)
		return Outcome{Result: Added}, nil
	}

	lrs := b.entries[0]
	if t.cfg.StaleAfter > 0 && now.Sub(lrs.LastSeen) > t.cfg.StaleAfter {
		evicted := b.remove(0)
		b.dropReplacement(rec.NodeID)
		b.entries = append(b.entries, rec)
		return Outcome{Result: Replaced, Evicted: &evicted}, nil
	}

	b.addReplacement(rec, t.cfg.Replacements)
	probe := lrs.clone()
	return Outcome{Result: Pending, Probe: &probe}, nil
}

// MarkSeen records a successful liveness exchange with id: it refreshes
// LastSeen, folds rtt into the estimate, raises reliability and moves the
// record to the most-recently-seen end of its bucket.
func (t *Table) MarkSeen(id identity.NodeID, rtt time.Duration) bool {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.buckets[t.BucketIndex(id)]
	i := b.indexOf(id)
	if i < 0 {
		return false
	}
	rec := &b.entries[i]
	rec.LastSeen = now
	if rtt > 0 {
		if rec.RTT == 0 {
			rec.RTT = rtt
		} else {
			rec.RTT = time.Duration((1-rttWeight)*float64(rec.RTT) + rttWeight*float64(rtt))
		}
	}
	rec.Reliability = (1-reliabilityWeight)*rec.Reliability + reliabilityWeight
	b.touched = now
	b.moveToTail(i)
	return true
}

// RecordFailure lowers the reliability score of id after a timeout or an
// authentication failure and returns the new score.
func (t *Table) RecordFailure(id identity.NodeID) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.buckets[t.BucketIndex(id)]
	i := b.indexOf(id)
	if i < 0 {
		return 0, false
	}
	rec := &b.entries[i]
	rec.Reliability = (1 - reliabilityWeight) * rec.Reliability
	return rec.Reliability, true
}

// Evict removes id and promotes the freshest replacement candidate, if any.
func (t *Table) Evict(id identity.NodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.buckets[t.BucketIndex(id)]
	removedReplacement := b.dropReplacement(id)
	i := b.indexOf(id)
	if i < 0 {
		return removedReplacement
	}
	b.remove(i)
	if rec, ok := b.popReplacement(); ok {
		b.entries = append(b.entries, rec)
	}
	return true
}

func (t *Table) Get(id identity.NodeID) (PeerRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b := t.buckets[t.BucketIndex(id)]
	if i := b.indexOf(id); i >= 0 {
		return b.entries[i].clone(), true
	}
	return PeerRecord{}, false
}

// LookupClosest returns up to count records ordered by ascending XOR
// distance to target, ties broken by the lower NodeID.
func (t *Table) LookupClosest(target identity.NodeID, count int) []PeerRecord {
	if count <= 0 {
		return nil
	}
	all := t.All()
	sort.Slice(all, func(i, j int) bool {
		return all[i].NodeID.CloserTo(target, all[j].NodeID)
	})
	if len(all) > count {
		all = all[:count]
	}
	return all
}

// All returns a copy of every record in the table.
func (t *Table) All() []PeerRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []PeerRecord
	for _, b := range t.buckets {
		for _, rec := range b.entries {
			out = append(out, rec.clone())
		}
	}
	return out
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, b := range t.buckets {
		n += len(b.entries)
	}
	return n
}

// BucketLen returns the number of records in bucket i.
func (t *Table) BucketLen(i int) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.buckets[i].entries)
}

// Touch marks the bucket holding target as recently used, typically after a
// lookup for target.
func (t *Table) Touch(target identity.NodeID) {
	now := t.now()
	t.mu.Lock()
	t.buckets[t.BucketIndex(target)].touched = now
	t.mu.Unlock()
}

// StaleBuckets returns the buckets not touched within interval. Buckets
// beyond the deepest populated one are skipped: no peer can exist there
// until a closer peer is known.
func (t *Table) StaleBuckets(interval time.Duration) []int {
	now := t.now()
	t.mu.RLock()
	defer t.mu.RUnlock()

	deepest := -1
	for i, b := range t.buckets {
		if len(b.entries) > 0 {
			deepest = i
		}
	}
	var out []int
	for i := 0; i <= deepest+1 && i < len(t.buckets); i++ {
		if now.Sub(t.buckets[i].touched) > interval {
			out = append(out, i)
		}
	}
	return out
}

// RefreshTarget returns a random id inside bucket i's range.
func (t *Table) RefreshTarget(i int) (identity.NodeID, error) {
	return identity.RandomInBucket(t.local, i)
}

// Unseen returns records whose LastSeen is older than age.
func (t *Table) Unseen(age time.Duration) []PeerRecord {
	cutoff := t.now().Add(-age)
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []PeerRecord
	for _, b := range t.buckets {
		for _, rec := range b.entries {
			if rec.LastSeen.Before(cutoff) {
				out = append(out, rec.clone())
			}
		}
	}
	return out
}
