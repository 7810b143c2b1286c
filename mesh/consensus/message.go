package consensus

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/TheusHen/meshcore/mesh/identity"
)

// MaxMessageSize bounds one encoded consensus message.
const MaxMessageSize = 4 << 20

var errMalformed = errors.New("consensus: malformed message")

// MsgKind tags the RPC carried by an Envelope.
type MsgKind uint8

const (
	MsgRequestVote MsgKind = iota + 1
	MsgVoteReply
	MsgAppendEntries
	MsgAppendReply
	MsgWitness
	MsgForward
	MsgForwardReply
)

func (k MsgKind) String() string {
	switch k {
	case MsgRequestVote:
		return "RequestVote"
	case MsgVoteReply:
		return "VoteReply"
	case MsgAppendEntries:
		return "AppendEntries"
	case MsgAppendReply:
		return "AppendReply"
	case MsgWitness:
		return "Witness"
	case MsgForward:
		return "Forward"
	case MsgForwardReply:
		return "ForwardReply"
	default:
		return fmt.Sprintf("MsgKind(%d)", uint8(k))
	}
}

// Envelope is the signed header every RPC travels in. To binds the message
// to its recipient, so a ballot cannot be replayed as a vote for someone
// else.
type Envelope struct {
	Kind MsgKind         `json:"kind"`
	Term uint64          `json:"term"`
	From identity.NodeID `json:"from"`
	To   identity.NodeID `json:"to"`
	Body json.RawMessage `json:"body"`
}

type RequestVote struct {
	CandidateID  identity.NodeID `json:"candidate_id"`
	LastLogIndex uint64          `json:"last_log_index"`
	LastLogTerm  uint64          `json:"last_log_term"`
}

// VoteReply is a ballot. Granted ballots are collected into the leader's
// vote certificate.
type VoteReply struct {
	Candidate identity.NodeID `json:"candidate"`
	Granted   bool            `json:"granted"`
}

type AppendEntries struct {
	LeaderID     identity.NodeID `json:"leader_id"`
	PrevLogIndex uint64          `json:"prev_log_index"`
	PrevLogTerm  uint64          `json:"prev_log_term"`
	Entries      []LogEntry      `json:"entries,omitempty"`
	LeaderCommit uint64          `json:"leader_commit"`
	// Certificate holds the encoded granted ballots that elected the
	// leader. It is sent until the follower has acknowledged the term.
	Certificate [][]byte `json:"certificate,omitempty"`
}

type AppendReply struct {
	Success       bool   `json:"success"`
	MatchIndex    uint64 `json:"match_index"`
	ConflictIndex uint64 `json:"conflict_index,omitempty"`
	// MissingCertificate names the term whose vote certificate the follower
	// has not seen; the leader resends it.
	MissingCertificate uint64 `json:"missing_certificate,omitempty"`
}

// Witness gossips entries a follower accepted so other members can spot a
// leader that signed two versions of the same index.
type Witness struct {
	Entries []LogEntry `json:"entries"`
}

type Forward struct {
	ID      uint64  `json:"id"`
	Command Command `json:"command"`
}

type ForwardReply struct {
	ID    uint64 `json:"id"`
	Index uint64 `json:"index,omitempty"`
	Term  uint64 `json:"term,omitempty"`
	Error string `json:"error,omitempty"`
}

// signed is a decoded message together with the bytes its signature covers.
type signed struct {
	env  Envelope
	body []byte
	sig  []byte
	raw  []byte
}

// encodeMessage signs an RPC and frames it as
//
//	uint32 len || envelope || uint16 len || signature
func encodeMessage(self *identity.Identity, kind MsgKind, term uint64, to identity.NodeID, body any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	env, err := json.Marshal(Envelope{Kind: kind, Term: term, From: self.ID(), To: to, Body: b})
	if err != nil {
		return nil, err
	}
	sig := self.Sign(identity.ContextConsensus, env)
	out := make([]byte, 0, 4+len(env)+2+len(sig))
	out = binary.BigEndian.AppendUint32(out, uint32(len(env)))
	out = append(out, env...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(sig)))
	return append(out, sig...), nil
}

// decodeMessage parses a framed message without checking its signature.
func decodeMessage(b []byte) (*signed, error) {
	if len(b) < 4 || len(b) > MaxMessageSize {
		return nil, errMalformed
	}
	n := binary.BigEndian.Uint32(b)
	if uint64(len(b)) < 4+uint64(n)+2 {
		return nil, errMalformed
	}
	body := b[4 : 4+n]
	rest := b[4+n:]
	sl := int(binary.BigEndian.Uint16(rest))
	if len(rest) != 2+sl {
		return nil, errMalformed
	}
	m := &signed{body: body, sig: rest[2:], raw: b}
	if err := json.Unmarshal(body, &m.env); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if m.env.From.IsZero() || m.env.Kind < MsgRequestVote || m.env.Kind > MsgForwardReply {
		return nil, errMalformed
	}
	return m, nil
}

func (m *signed) verify(keyring *identity.Keyring) error {
	return keyring.Verify(m.env.From, identity.ContextConsensus, m.body, m.sig)
}

func (m *signed) decodeBody(v any) error {
	if err := json.Unmarshal(m.env.Body, v); err != nil {
		return fmt.Errorf("%w: %s body: %v", errMalformed, m.env.Kind, err)
	}
	return nil
}

// ballot is a decoded and verified granted VoteReply.
type ballot struct {
	voter     identity.NodeID
	candidate identity.NodeID
	term      uint64
	raw       []byte
}

func parseBallot(raw []byte, keyring *identity.Keyring) (ballot, error) {
	m, err := decodeMessage(raw)
	if err != nil {
		return ballot{}, err
	}
	if m.env.Kind != MsgVoteReply {
		return ballot{}, errMalformed
	}
	if err := m.verify(keyring); err != nil {
		return ballot{}, err
	}
	var vr VoteReply
	if err := m.decodeBody(&vr); err != nil {
		return ballot{}, err
	}
	if !vr.Granted || vr.Candidate != m.env.To {
		return ballot{}, errMalformed
	}
	return ballot{voter: m.env.From, candidate: vr.Candidate, term: m.env.Term, raw: raw}, nil
}
