// Package consensus replicates a log of mesh-state commands with a Raft
// engine hardened against Byzantine members: every RPC and every log entry
// is signed, leaders prove their election with a vote certificate, and
// members that equivocate are reported through the log itself and excluded
// once enough distinct reporters agree.
package consensus

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/TheusHen/meshcore/mesh/identity"
)

var (
	ErrNotLeader         = errors.New("consensus: not the leader")
	ErrNoLeader          = errors.New("consensus: no known leader")
	ErrSafetyViolation   = errors.New("consensus: safety violation")
	ErrByzantineDetected = errors.New("consensus: byzantine behaviour detected")
	ErrExcluded          = errors.New("consensus: node is excluded")
	ErrStopped           = errors.New("consensus: engine stopped")
	ErrStorage           = errors.New("consensus: persisting state failed")
	ErrInvalidCommand    = errors.New("consensus: invalid command")
	ErrInvalidEvidence   = errors.New("consensus: report evidence does not hold")
	ErrProposalDropped   = errors.New("consensus: proposal was overwritten before commit")
)

// Role is the Raft role of a node.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// CommandKind is the closed set of mesh-state mutations.
type CommandKind uint8

const (
	CmdNoop CommandKind = iota + 1
	CmdAddMember
	CmdRemoveMember
	CmdRoutingHint
	CmdReport
)

func (k CommandKind) String() string {
	switch k {
	case CmdNoop:
		return "noop"
	case CmdAddMember:
		return "add_member"
	case CmdRemoveMember:
		return "remove_member"
	case CmdRoutingHint:
		return "routing_hint"
	case CmdReport:
		return "report"
	default:
		return fmt.Sprintf("CommandKind(%d)", uint8(k))
	}
}

// Command is one mesh-state mutation. Exactly the payload matching Kind is
// set; Noop has none.
type Command struct {
	Kind   CommandKind      `json:"kind"`
	Member *MemberChange    `json:"member,omitempty"`
	Hint   *RoutingHint     `json:"hint,omitempty"`
	Report *ByzantineReport `json:"report,omitempty"`
}

type MemberChange struct {
	Node identity.NodeID `json:"node"`
}

// RoutingHint publishes an address at which a member can be reached.
type RoutingHint struct {
	Node identity.NodeID `json:"node"`
	Addr string          `json:"addr"`
}

func (c Command) Validate() error {
	var ok bool
	switch c.Kind {
	case CmdNoop:
		ok = c.Member == nil && c.Hint == nil && c.Report == nil
	case CmdAddMember, CmdRemoveMember:
		ok = c.Member != nil && !c.Member.Node.IsZero() && c.Hint == nil && c.Report == nil
	case CmdRoutingHint:
		ok = c.Hint != nil && !c.Hint.Node.IsZero() && c.Hint.Addr != "" && c.Member == nil && c.Report == nil
	case CmdReport:
		ok = c.Report != nil && c.Member == nil && c.Hint == nil && c.Report.wellFormed()
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidCommand, c.Kind)
	}
	return nil
}

func AddMember(id identity.NodeID) Command {
	return Command{Kind: CmdAddMember, Member: &MemberChange{Node: id}}
}

func RemoveMember(id identity.NodeID) Command {
	return Command{Kind: CmdRemoveMember, Member: &MemberChange{Node: id}}
}

func Hint(id identity.NodeID, addr string) Command {
	return Command{Kind: CmdRoutingHint, Hint: &RoutingHint{Node: id, Addr: addr}}
}

// EvidenceKind says what a ByzantineReport proves.
type EvidenceKind uint8

const (
	ConflictingVote EvidenceKind = iota + 1
	EquivocatingEntry
	InvalidSignature
)

func (k EvidenceKind) String() string {
	switch k {
	case ConflictingVote:
		return "conflicting_vote"
	case EquivocatingEntry:
		return "equivocating_entry"
	case InvalidSignature:
		return "invalid_signature"
	default:
		return fmt.Sprintf("EvidenceKind(%d)", uint8(k))
	}
}

// ByzantineReport accuses a member of misbehaviour. Evidence holds the
// signed artifacts that prove it; Signature is the reporter's.
type ByzantineReport struct {
	Accused    identity.NodeID `json:"accused"`
	Kind       EvidenceKind    `json:"kind"`
	Evidence   [][]byte        `json:"evidence"`
	Reporter   identity.NodeID `json:"reporter"`
	ObservedAt time.Time       `json:"observed_at"`
	Signature  []byte          `json:"signature,omitempty"`
}

func (r *ByzantineReport) wellFormed() bool {
	if r.Accused.IsZero() || r.Reporter.IsZero() || len(r.Evidence) == 0 {
		return false
	}
	switch r.Kind {
	case ConflictingVote, EquivocatingEntry:
		return len(r.Evidence) == 2
	case InvalidSignature:
		return len(r.Evidence) == 1
	}
	return false
}

func (r *ByzantineReport) signedBytes() []byte {
	h := sha256.New()
	h.Write([]byte("meshcore/report/v1"))
	h.Write(r.Accused[:])
	h.Write(r.Reporter[:])
	h.Write([]byte{byte(r.Kind)})
	for _, ev := range r.Evidence {
		_ = binary.Write(h, binary.BigEndian, uint32(len(ev)))
		h.Write(ev)
	}
	_ = binary.Write(h, binary.BigEndian, r.ObservedAt.UnixNano())
	return h.Sum(nil)
}

// LogEntry is one replicated command. Leader signs the entry, which makes
// two conflicting entries for the same (Term, Index) transferable proof of
// equivocation.
type LogEntry struct {
	Term      uint64          `json:"term"`
	Index     uint64          `json:"index"`
	Command   Command         `json:"command"`
	Proposer  identity.NodeID `json:"proposer"`
	Leader    identity.NodeID `json:"leader"`
	Signature []byte          `json:"signature"`
}

func (e *LogEntry) signedBytes() []byte {
	cmd, _ := json.Marshal(e.Command)
	out := make([]byte, 0, 18+16+64+len(cmd))
	out = append(out, "meshcore/entry/v1"...)
	out = binary.BigEndian.AppendUint64(out, e.Term)
	out = binary.BigEndian.AppendUint64(out, e.Index)
	out = append(out, e.Leader[:]...)
	out = append(out, e.Proposer[:]...)
	return append(out, cmd...)
}

func (e *LogEntry) digest() [32]byte {
	return sha256.Sum256(e.signedBytes())
}

func (e *LogEntry) sameAs(o *LogEntry) bool {
	return e.Term == o.Term && e.Index == o.Index && e.digest() == o.digest()
}

func (e *LogEntry) sign(self *identity.Identity) {
	e.Leader = self.ID()
	e.Signature = self.Sign(identity.ContextConsensus, e.signedBytes())
}

func (e *LogEntry) verify(keyring *identity.Keyring) error {
	return keyring.Verify(e.Leader, identity.ContextConsensus, e.signedBytes(), e.Signature)
}

// HardState is what must be durable before a vote or an ack leaves the node.
type HardState struct {
	Term     uint64          `json:"term"`
	VotedFor identity.NodeID `json:"voted_for"`
	Commit   uint64          `json:"commit"`
}

// Proposal identifies an appended entry.
type Proposal struct {
	Index uint64 `json:"index"`
	Term  uint64 `json:"term"`
}

// Status is a point-in-time view of the engine.
type Status struct {
	ID          identity.NodeID `json:"node_id"`
	Role        Role            `json:"-"`
	RoleName    string          `json:"role"`
	Term        uint64          `json:"term"`
	Leader      identity.NodeID `json:"leader"`
	VotedFor    identity.NodeID `json:"voted_for"`
	CommitIndex uint64          `json:"commit_index"`
	LastApplied uint64          `json:"last_applied"`
	LastIndex   uint64          `json:"last_index"`
	Excluded    bool            `json:"excluded"`
	Halted      bool            `json:"halted"`
}

// Network carries signed consensus messages. Send must not block for long;
// delivery is best effort.
type Network interface {
	Send(ctx context.Context, to identity.NodeID, msg []byte) error
}
