// Package routing implements the Kademlia routing table: fixed-capacity
// buckets of peers indexed by the common-prefix length of their XOR distance
// to the local NodeID. It performs no network I/O.
package routing

import (
	"net/netip"
	"time"

	"github.com/TheusHen/meshcore/mesh/identity"
)

// PeerRecord is what the table knows about one peer.
type PeerRecord struct {
	NodeID      identity.NodeID `json:"node_id"`
	Addr        netip.AddrPort  `json:"addr"`
	LastSeen    time.Time       `json:"last_seen"`
	RTT         time.Duration   `json:"rtt,omitempty"`
	Reliability float64         `json:"reliability"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	Services    []string        `json:"services,omitempty"`
}

func (r PeerRecord) clone() PeerRecord {
	if r.Services != nil {
		r.Services = append([]string(nil), r.Services...)
	}
	return r
}

// HasService reports whether the peer advertised the given service tag.
func (r PeerRecord) HasService(tag string) bool {
	for _, s := range r.Services {
		if s == tag {
			return true
		}
	}
	return false
}

// InsertResult describes what Insert did with a record.
type InsertResult int

const (
	// Added means the record took a free slot.
	Added InsertResult = iota + 1
	// Updated means an existing record for the same node was refreshed.
	Updated
	// Replaced means a stale least-recently-seen record was evicted for it.
	Replaced
	// Pending means the bucket is full of live peers; the record waits in
	// the replacement cache while the owner probes Outcome.Probe.
	Pending
)

func (r InsertResult) String() string {
	switch r {
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Replaced:
		return "replaced"
	case Pending:
		return "pending"
	default:
		return "unknown"
	}
}

// Outcome is the result of Insert.
type Outcome struct {
	Result InsertResult
	// Probe is the least-recently-seen record to liveness-check when
	// Result is Pending.
	Probe *PeerRecord
	// Evicted is the stale record dropped when Result is Replaced.
	Evicted *PeerRecord
}
