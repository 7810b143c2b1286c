package consensus

import (
	"errors"
	"testing"

	"github.com/TheusHen/meshcore/mesh/identity"
)

func TestMessageSignedAndBound(t *testing.T) {
	from, to := genIdentity(t), genIdentity(t)
	kr := identity.NewKeyring()
	if _, err := kr.Add(from.Bundle()); err != nil {
		t.Fatalf("Add: %v", err)
	}
	raw, err := encodeMessage(from, MsgRequestVote, 7, to.ID(), RequestVote{CandidateID: from.ID(), LastLogIndex: 3, LastLogTerm: 2})
	if err != nil {
		t.Fatalf("encodeMessage: %v", err)
	}
	m, err := decodeMessage(raw)
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}
	if err := m.verify(kr); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if m.env.Term != 7 || m.env.From != from.ID() || m.env.To != to.ID() {
		t.Fatalf("envelope = %+v", m.env)
	}
	var rv RequestVote
	if err := m.decodeBody(&rv); err != nil || rv.LastLogIndex != 3 {
		t.Fatalf("body = %+v, %v", rv, err)
	}

	raw[10] ^= 1
	if m, err := decodeMessage(raw); err == nil {
		if err := m.verify(kr); err == nil {
			t.Fatalf("tampered envelope verified")
		}
	}
}

func TestMessageMalformed(t *testing.T) {
	for name, raw := range map[string][]byte{
		"empty":     nil,
		"short":     {0, 0, 0},
		"overlong":  {0, 0, 0, 50, '{', '}'},
		"trailing":  append([]byte{0, 0, 0, 2, '{', '}', 0, 0}, 1),
		"not json":  {0, 0, 0, 1, 'x', 0, 0},
		"no sender": {0, 0, 0, 2, '{', '}', 0, 0},
	} {
		if _, err := decodeMessage(raw); !errors.Is(err, errMalformed) {
			t.Errorf("%s: err = %v, want errMalformed", name, err)
		}
	}
}

func TestBallotBoundToCandidate(t *testing.T) {
	voter, cand := genIdentity(t), genIdentity(t)
	kr := identity.NewKeyring()
	kr.Add(voter.Bundle())

	b, err := parseBallot(grantedBallot(t, voter, cand.ID(), 2), kr)
	if err != nil {
		t.Fatalf("parseBallot: %v", err)
	}
	if b.voter != voter.ID() || b.candidate != cand.ID() || b.term != 2 {
		t.Fatalf("ballot = %+v", b)
	}

	// A granted ballot addressed to one candidate cannot name another.
	other := genIdentity(t)
	raw, _ := encodeMessage(voter, MsgVoteReply, 2, other.ID(), VoteReply{Candidate: cand.ID(), Granted: true})
	if _, err := parseBallot(raw, kr); err == nil {
		t.Fatalf("ballot with mismatched recipient accepted")
	}
	denied, _ := encodeMessage(voter, MsgVoteReply, 2, cand.ID(), VoteReply{Candidate: cand.ID()})
	if _, err := parseBallot(denied, kr); err == nil {
		t.Fatalf("denied ballot accepted")
	}
	if _, err := parseBallot(grantedBallot(t, other, cand.ID(), 2), kr); !errors.Is(err, identity.ErrUnknownSigner) {
		t.Fatalf("ballot from unknown voter: %v", err)
	}
}

func TestCommandValidate(t *testing.T) {
	id := testIDs(1)[0]
	valid := []Command{{Kind: CmdNoop}, AddMember(id), RemoveMember(id), Hint(id, "192.0.2.1:1")}
	for _, c := range valid {
		if err := c.Validate(); err != nil {
			t.Errorf("%s: %v", c.Kind, err)
		}
	}
	invalid := []Command{
		{},
		{Kind: CmdNoop, Hint: &RoutingHint{Node: id, Addr: "x"}},
		AddMember(identity.NodeID{}),
		Hint(id, ""),
		{Kind: CmdReport, Report: &ByzantineReport{Accused: id, Reporter: id, Kind: InvalidSignature}},
		{Kind: CmdReport, Report: &ByzantineReport{Accused: id, Reporter: id, Kind: EquivocatingEntry, Evidence: [][]byte{{1}}}},
	}
	for i, c := range invalid {
		if err := c.Validate(); !errors.Is(err, ErrInvalidCommand) {
			t.Errorf("invalid[%d]: err = %v", i, err)
		}
	}
}
