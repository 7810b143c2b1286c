package routing

import (
	"time"

	"github.com/TheusHen/meshcore/mesh/identity"
)

// bucket keeps its records least-recently-seen first.
type bucket struct {
	entries      []PeerRecord
	replacements []PeerRecord
	touched      time.Time
}

func (b *bucket) indexOf(id identity.NodeID) int {
	for i := range b.entries {
		if b.entries[i].NodeID == id {
			return i
		}
	}
	return -1
}

func (b *bucket) moveToTail(i int) {
	rec := b.entries[i]
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
	b.entries = append(b.entries, rec)
}

func (b *bucket) remove(i int) PeerRecord {
	rec := b.entries[i]
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
	return rec
}

// addReplacement queues rec, keeping the newest max candidates.
func (b *bucket) addReplacement(rec PeerRecord, max int) {
	b.dropReplacement(rec.NodeID)
	b.replacements = append(b.replacements, rec)
	if len(b.replacements) > max {
		b.replacements = b.replacements[len(b.replacements)-max:]
	}
}

func (b *bucket) dropReplacement(id identity.NodeID) bool {
	for i := range b.replacements {
		if b.replacements[i].NodeID == id {
			b.replacements = append(b.replacements[:i], b.replacements[i+1:]...)
			return true
		}
	}
	return false
}

// popReplacement returns the most recently seen replacement candidate.
func (b *bucket) popReplacement() (PeerRecord, bool) {
	n := len(b.replacements)
	if n == 0 {
		return PeerRecord{}, false
	}
	best := 0
	for i := 1; i < n; i++ {
		if b.replacements[i].LastSeen.After(b.replacements[best].LastSeen) {
			best = i
		}
	}
	rec := b.replacements[best]
	b.replacements = append(b.replacements[:best], b.replacements[best+1:]...)
	return rec, true
}
