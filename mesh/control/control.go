// Package control serves a node's status and command surface over ZeroMQ.
//
// A ROUTER socket answers JSON requests of the form {"id": n, "op": ...}:
//   - view: the agreed membership view
//   - health: per-peer latency and reliability from the routing table
//   - status: the consensus role, term and leader
//   - propose: a mesh-state mutation, forwarded to the leader when needed
//
// Client is the DEALER side used by dashboards and CLIs.
package control

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/TheusHen/meshcore/mesh/consensus"
	"github.com/TheusHen/meshcore/mesh/identity"
)

var (
	ErrUnknownOp = errors.New("control: unknown op")
	ErrClosed    = errors.New("control: closed")
)

type Op string

const (
	OpView    Op = "view"
	OpHealth  Op = "health"
	OpStatus  Op = "status"
	OpPropose Op = "propose"
)

type Request struct {
	ID      uint64             `json:"id"`
	Op      Op                 `json:"op"`
	Command *consensus.Command `json:"command,omitempty"`
	// Wait makes propose return only once the command is applied.
	Wait bool `json:"wait,omitempty"`
}

type Response struct {
	ID       uint64                    `json:"id"`
	Error    string                    `json:"error,omitempty"`
	View     *consensus.MembershipView `json:"view,omitempty"`
	Health   []PeerHealth              `json:"health,omitempty"`
	Status   *consensus.Status         `json:"status,omitempty"`
	Proposal *consensus.Proposal       `json:"proposal,omitempty"`
}

// PeerHealth is one routing table entry as seen by the local node.
type PeerHealth struct {
	ID          identity.NodeID `json:"id"`
	Addr        string          `json:"addr"`
	RTT         time.Duration   `json:"rtt_ns"`
	Reliability float64         `json:"reliability"`
	LastSeen    time.Time       `json:"last_seen"`
	Member      bool            `json:"member"`
}

func decodeRequest(b []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(b, &req); err != nil {
		return nil, err
	}
	return &req, nil
}
