package consensus

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/TheusHen/meshcore/mesh/identity"
)

// Quorum selects how many distinct reporters it takes to exclude a member.
type Quorum int

const (
	// QuorumByzantine needs f+1 reporters, f = (n-1)/3. At least one of
	// them is honest whenever at most f members are faulty.
	QuorumByzantine Quorum = iota
	// QuorumMajority needs n/2+1 reporters.
	QuorumMajority
	// QuorumSupermajority needs 2f+1 reporters.
	QuorumSupermajority
)

func (q Quorum) String() string {
	switch q {
	case QuorumByzantine:
		return "byzantine"
	case QuorumMajority:
		return "majority"
	case QuorumSupermajority:
		return "supermajority"
	default:
		return fmt.Sprintf("Quorum(%d)", int(q))
	}
}

func ParseQuorum(s string) (Quorum, error) {
	switch strings.ToLower(s) {
	case "byzantine", "f+1", "":
		return QuorumByzantine, nil
	case "majority":
		return QuorumMajority, nil
	case "supermajority", "2f+1":
		return QuorumSupermajority, nil
	}
	return 0, fmt.Errorf("consensus: unknown exclusion quorum %q", s)
}

// Threshold returns the number of distinct reporters needed among n
// non-excluded members. It is never below 2, so one reporter alone never
// excludes anyone; a two-member mesh cannot exclude at all.
func (q Quorum) Threshold(n int) int {
	f := max(n-1, 0) / 3
	var t int
	switch q {
	case QuorumMajority:
		t = n/2 + 1
	case QuorumSupermajority:
		t = 2*f + 1
	default:
		t = f + 1
	}
	if t > n-1 {
		t = n - 1
	}
	return max(t, 2)
}

// MembershipView is the agreed membership as of Index.
type MembershipView struct {
	Index    uint64            `json:"index"`
	Members  []identity.NodeID `json:"members"`
	Excluded []identity.NodeID `json:"excluded"`
	// Reports lists, per accused member, the distinct reporters whose
	// reports have committed so far.
	Reports map[identity.NodeID][]identity.NodeID `json:"reports,omitempty"`
	Hints   map[identity.NodeID]string            `json:"hints,omitempty"`
}

func (v MembershipView) IsMember(id identity.NodeID) bool {
	i := sort.Search(len(v.Members), func(i int) bool { return !v.Members[i].Less(id) })
	return i < len(v.Members) && v.Members[i] == id
}

func (v MembershipView) IsExcluded(id identity.NodeID) bool {
	i := sort.Search(len(v.Excluded), func(i int) bool { return !v.Excluded[i].Less(id) })
	return i < len(v.Excluded) && v.Excluded[i] == id
}

// membership is the materialized view. The apply step is its only writer.
type membership struct {
	quorum Quorum

	mu       sync.RWMutex
	index    uint64
	members  map[identity.NodeID]bool
	excluded map[identity.NodeID]bool
	reports  map[identity.NodeID]map[identity.NodeID]EvidenceKind
	hints    map[identity.NodeID]string

	subMu sync.Mutex
	subs  []chan MembershipView
}

func newMembership(initial []identity.NodeID, quorum Quorum) *membership {
	m := &membership{
		quorum:   quorum,
		members:  make(map[identity.NodeID]bool),
		excluded: make(map[identity.NodeID]bool),
		reports:  make(map[identity.NodeID]map[identity.NodeID]EvidenceKind),
		hints:    make(map[identity.NodeID]string),
	}
	for _, id := range initial {
		if !id.IsZero() {
			m.members[id] = true
		}
	}
	return m
}

func sortedIDs(set map[identity.NodeID]bool) []identity.NodeID {
	out := make([]identity.NodeID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func (m *membership) view() MembershipView {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.viewLocked()
}

func (m *membership) viewLocked() MembershipView {
	v := MembershipView{
		Index:    m.index,
		Members:  sortedIDs(m.members),
		Excluded: sortedIDs(m.excluded),
	}
	if len(m.reports) > 0 {
		v.Reports = make(map[identity.NodeID][]identity.NodeID, len(m.reports))
		for accused, by := range m.reports {
			set := make(map[identity.NodeID]bool, len(by))
			for r := range by {
				set[r] = true
			}
			v.Reports[accused] = sortedIDs(set)
		}
	}
	if len(m.hints) > 0 {
		v.Hints = make(map[identity.NodeID]string, len(m.hints))
		for id, addr := range m.hints {
			v.Hints[id] = addr
		}
	}
	return v
}

func (m *membership) isMember(id identity.NodeID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.members[id]
}

func (m *membership) isExcluded(id identity.NodeID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.excluded[id]
}

// voters returns the non-excluded members.
func (m *membership) voters() []identity.NodeID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedIDs(m.members)
}

func (m *membership) majority() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.members)/2 + 1
}

func (m *membership) reportedBy(accused, reporter identity.NodeID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.reports[accused][reporter]
	return ok
}

// applyOutcome tells the engine what an applied entry changed.
type applyOutcome struct {
	changed  bool
	excluded []identity.NodeID
	ignored  string
}

// apply folds one committed entry into the view. It depends only on the
// entry and the current view so every member computes the same result.
func (m *membership) apply(e *LogEntry) applyOutcome {
	m.mu.Lock()
	var out applyOutcome
	m.index = e.Index
	cmd := e.Command
	switch cmd.Kind {
	case CmdAddMember:
		id := cmd.Member.Node
		switch {
		case m.excluded[id]:
			out.ignored = "member is excluded"
		case !m.members[id]:
			m.members[id] = true
			out.changed = true
		}
	case CmdRemoveMember:
		id := cmd.Member.Node
		if m.members[id] {
			delete(m.members, id)
			delete(m.reports, id)
			out.changed = true
		}
	case CmdRoutingHint:
		if m.members[cmd.Hint.Node] && m.hints[cmd.Hint.Node] != cmd.Hint.Addr {
			m.hints[cmd.Hint.Node] = cmd.Hint.Addr
			out.changed = true
		}
	case CmdReport:
		out = m.applyReport(e)
	}
	var v MembershipView
	if out.changed {
		v = m.viewLocked()
	}
	m.mu.Unlock()

	if out.changed {
		m.publish(v)
	}
	return out
}

func (m *membership) applyReport(e *LogEntry) applyOutcome {
	r := e.Command.Report
	switch {
	case r.Reporter != e.Proposer:
		return applyOutcome{ignored: "reporter did not propose the report"}
	case r.Reporter == r.Accused:
		return applyOutcome{ignored: "self report"}
	case !m.members[r.Reporter]:
		return applyOutcome{ignored: "reporter is not a member"}
	case !m.members[r.Accused]:
		return applyOutcome{ignored: "accused is not a member"}
	}
	by := m.reports[r.Accused]
	if by == nil {
		by = make(map[identity.NodeID]EvidenceKind)
		m.reports[r.Accused] = by
	}
	if _, dup := by[r.Reporter]; dup {
		return applyOutcome{ignored: "duplicate reporter"}
	}
	by[r.Reporter] = r.Kind

	out := applyOutcome{changed: true}
	if len(by) >= m.quorum.Threshold(len(m.members)) {
		m.excluded[r.Accused] = true
		delete(m.members, r.Accused)
		delete(m.reports, r.Accused)
		delete(m.hints, r.Accused)
		// Reports filed by the excluded member no longer count.
		for accused, reporters := range m.reports {
			delete(reporters, r.Accused)
			if len(reporters) == 0 {
				delete(m.reports, accused)
			}
		}
		out.excluded = append(out.excluded, r.Accused)
	}
	return out
}

// subscribe returns a channel that receives every new view. A slow reader
// only misses intermediate views; the latest one is always delivered.
func (m *membership) subscribe() <-chan MembershipView {
	ch := make(chan MembershipView, 1)
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subs = append(m.subs, ch)
	ch <- m.view()
	return ch
}

func (m *membership) publish(v MembershipView) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- v:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- v
		}
	}
}
