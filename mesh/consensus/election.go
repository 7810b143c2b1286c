package consensus

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/TheusHen/meshcore/mesh/identity"
)

func (e *Engine) startElection(now time.Time) {
	e.term++
	e.role = Candidate
	e.leader = identity.NodeID{}
	e.votedFor = e.self.ID()
	e.progress = nil
	e.cert = nil
	e.resetElectionTimer(now)
	if err := e.saveHardState(); err != nil {
		e.role = Follower
		return
	}
	e.metrics.Elections.Inc()

	own, err := encodeMessage(e.self, MsgVoteReply, e.term, e.self.ID(), VoteReply{Candidate: e.self.ID(), Granted: true})
	if err != nil {
		e.log.Error("signing own ballot failed", zap.Error(err))
		return
	}
	e.votes = map[identity.NodeID][]byte{e.self.ID(): own}
	e.log.Info("starting election", zap.Uint64("term", e.term))

	if len(e.votes) >= e.members.majority() {
		e.becomeLeader(now)
		return
	}
	rv := RequestVote{CandidateID: e.self.ID(), LastLogIndex: e.lastIndex(), LastLogTerm: e.lastTerm()}
	for _, id := range e.members.voters() {
		e.send(id, MsgRequestVote, rv)
	}
}

// upToDate reports whether a candidate's log is at least as complete as ours.
func (e *Engine) upToDate(lastTerm, lastIndex uint64) bool {
	if lastTerm != e.lastTerm() {
		return lastTerm > e.lastTerm()
	}
	return lastIndex >= e.lastIndex()
}

func (e *Engine) onRequestVote(m *signed, now time.Time) {
	var rv RequestVote
	if err := m.decodeBody(&rv); err != nil {
		return
	}
	from := m.env.From
	if rv.CandidateID != from {
		return
	}
	if m.env.Term < e.term {
		e.send(from, MsgVoteReply, VoteReply{Candidate: from})
		return
	}
	if m.env.Term > e.term && !e.becomeFollower(m.env.Term, identity.NodeID{}, now) {
		return
	}

	grant := (e.votedFor.IsZero() || e.votedFor == from) &&
		e.upToDate(rv.LastLogTerm, rv.LastLogIndex) &&
		!e.suspects[from]
	if grant && e.votedFor.IsZero() {
		e.votedFor = from
		if err := e.saveHardState(); err != nil {
			e.votedFor = identity.NodeID{}
			grant = false
		}
	}
	if grant {
		e.resetElectionTimer(now)
	}
	e.log.Debug("vote requested",
		zap.String("candidate", from.Short()), zap.Uint64("term", e.term), zap.Bool("granted", grant))
	e.send(from, MsgVoteReply, VoteReply{Candidate: from, Granted: grant})
}

func (e *Engine) onVoteReply(m *signed, now time.Time) {
	var vr VoteReply
	if err := m.decodeBody(&vr); err != nil {
		return
	}
	if m.env.Term > e.term {
		e.becomeFollower(m.env.Term, identity.NodeID{}, now)
		return
	}
	if !vr.Granted || vr.Candidate != e.self.ID() {
		return
	}
	b := ballot{voter: m.env.From, candidate: vr.Candidate, term: m.env.Term, raw: append([]byte(nil), m.raw...)}
	e.recordBallot(b)
	if e.role != Candidate || m.env.Term != e.term {
		return
	}
	e.votes[b.voter] = b.raw
	if len(e.votes) >= e.members.majority() {
		e.becomeLeader(now)
	}
}

func (e *Engine) becomeLeader(now time.Time) {
	e.role = Leader
	e.leader = e.self.ID()
	voters := make([]identity.NodeID, 0, len(e.votes))
	for id := range e.votes {
		voters = append(voters, id)
	}
	sort.Slice(voters, func(i, j int) bool { return voters[i].Less(voters[j]) })
	e.cert = make([][]byte, 0, len(voters))
	for _, id := range voters {
		e.cert = append(e.cert, e.votes[id])
	}
	e.votes = nil
	e.progress = make(map[identity.NodeID]*progress)
	e.reconcileProgress(now)
	e.log.Info("elected leader", zap.Uint64("term", e.term), zap.Int("votes", len(e.cert)))

	if _, err := e.appendLocal(Command{Kind: CmdNoop}, e.self.ID()); err != nil {
		e.becomeFollower(e.term, identity.NodeID{}, now)
		return
	}
	e.broadcastAppend(now)
}

// checkCertificate verifies that cert holds granted ballots for leader in
// term from a majority of the current members.
func (e *Engine) checkCertificate(leader identity.NodeID, term uint64, cert [][]byte) bool {
	voters := make(map[identity.NodeID]bool)
	for _, id := range e.members.voters() {
		voters[id] = true
	}
	seen := make(map[identity.NodeID]bool)
	for _, raw := range cert {
		b, err := parseBallot(raw, e.keyring)
		if err != nil || b.term != term || b.candidate != leader || !voters[b.voter] {
			continue
		}
		e.recordBallot(b)
		seen[b.voter] = true
	}
	return len(seen) >= len(voters)/2+1
}
