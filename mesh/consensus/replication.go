package consensus

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/TheusHen/meshcore/mesh/identity"
)

// progress is the leader's replication state for one follower.
type progress struct {
	next      uint64
	match     uint64
	certified bool
	nextSend  time.Time
	backoff   time.Duration
	lastAck   time.Time
}

// reconcileProgress tracks exactly the current voters other than self.
func (e *Engine) reconcileProgress(now time.Time) {
	voters := e.members.voters()
	want := make(map[identity.NodeID]bool, len(voters))
	for _, id := range voters {
		if id == e.self.ID() {
			continue
		}
		want[id] = true
		if _, ok := e.progress[id]; !ok {
			e.progress[id] = &progress{
				next:     e.lastIndex() + 1,
				nextSend: now,
				backoff:  e.cfg.HeartbeatInterval,
				lastAck:  now,
			}
		}
	}
	for id := range e.progress {
		if !want[id] {
			delete(e.progress, id)
		}
	}
}

func (e *Engine) leaderTick(now time.Time) {
	if !e.members.isMember(e.self.ID()) {
		e.becomeFollower(e.term, identity.NodeID{}, now)
		return
	}
	e.reconcileProgress(now)
	if !e.hasQuorumContact(now) {
		e.log.Warn("lost contact with a majority", zap.Uint64("term", e.term))
		e.becomeFollower(e.term, identity.NodeID{}, now)
		return
	}
	for id, p := range e.progress {
		if !now.Before(p.nextSend) {
			e.sendAppend(id, p, now)
		}
	}
}

func (e *Engine) hasQuorumContact(now time.Time) bool {
	n := 1
	for _, p := range e.progress {
		if now.Sub(p.lastAck) < e.cfg.StepDownTimeout {
			n++
		}
	}
	return n >= e.members.majority()
}

func (e *Engine) broadcastAppend(now time.Time) {
	for id, p := range e.progress {
		e.sendAppend(id, p, now)
	}
	e.maybeCommit()
}

func (e *Engine) sendAppend(to identity.NodeID, p *progress, now time.Time) {
	if p.next == 0 {
		p.next = 1
	}
	if p.next > e.lastIndex()+1 {
		p.next = e.lastIndex() + 1
	}
	prev := p.next - 1
	end := min(e.lastIndex(), prev+uint64(e.cfg.MaxEntriesPerMessage))
	ae := AppendEntries{
		LeaderID:     e.self.ID(),
		PrevLogIndex: prev,
		PrevLogTerm:  e.termAt(prev),
		LeaderCommit: e.commitIndex,
	}
	if end > prev {
		ae.Entries = e.entries[prev:end]
	}
	if !p.certified {
		ae.Certificate = e.cert
	}
	e.send(to, MsgAppendEntries, ae)
	p.nextSend = now.Add(p.backoff)
	p.backoff = min(2*p.backoff, e.cfg.RPCTimeout)
}

// appendLocal signs and persists a new entry on the leader.
func (e *Engine) appendLocal(cmd Command, proposer identity.NodeID) (Proposal, error) {
	ent := LogEntry{Term: e.term, Index: e.lastIndex() + 1, Command: cmd, Proposer: proposer}
	ent.sign(e.self)
	if err := e.storage.Append([]LogEntry{ent}); err != nil {
		e.log.Error("persisting entry failed", zap.Uint64("index", ent.Index), zap.Error(err))
		return Proposal{}, err
	}
	e.entries = append(e.entries, ent)
	e.recordEntry(&ent)
	e.maybeCommit()
	return Proposal{Index: ent.Index, Term: ent.Term}, nil
}

// maybeCommit advances the commit index to the highest entry of the current
// term stored on a majority. Earlier-term entries commit with it.
func (e *Engine) maybeCommit() {
	if e.role != Leader {
		return
	}
	voters := e.members.voters()
	majority := len(voters)/2 + 1
	for n := e.lastIndex(); n > e.commitIndex; n-- {
		if e.termAt(n) != e.term {
			break
		}
		count := 0
		for _, id := range voters {
			if id == e.self.ID() {
				count++
			} else if p := e.progress[id]; p != nil && p.match >= n {
				count++
			}
		}
		if count >= majority {
			e.commitIndex = n
			e.apply()
			return
		}
	}
}

func (e *Engine) onAppendEntries(m *signed, now time.Time) {
	var ae AppendEntries
	if err := m.decodeBody(&ae); err != nil {
		return
	}
	from := m.env.From
	term := m.env.Term
	if ae.LeaderID != from {
		return
	}
	if term < e.term {
		e.send(from, MsgAppendReply, AppendReply{})
		return
	}
	if e.refusedLeader == from && e.refusedTerm == term {
		return
	}
	if e.certifiedLeader != from || e.certifiedTerm != term {
		if !e.checkCertificate(from, term, ae.Certificate) {
			e.log.Warn("append without a valid vote certificate",
				zap.String("peer", from.Short()), zap.Uint64("term", term))
			if len(ae.Certificate) == 0 {
				e.send(from, MsgAppendReply, AppendReply{MissingCertificate: term})
			}
			return
		}
		e.certifiedLeader, e.certifiedTerm = from, term
	}
	if (term > e.term || e.role != Follower) && !e.becomeFollower(term, from, now) {
		return
	}
	e.leader = from
	e.resetElectionTimer(now)

	for i := range ae.Entries {
		ent := &ae.Entries[i]
		if ent.Index != ae.PrevLogIndex+uint64(i)+1 || ent.Term > term || ent.Command.Validate() != nil {
			e.log.Warn("append carries malformed entries", zap.String("peer", from.Short()))
			return
		}
		if ent.Term == term && ent.Leader != from {
			return
		}
		if err := ent.verify(e.keyring); err != nil {
			e.log.Warn("append carries an unverifiable entry",
				zap.String("peer", from.Short()), zap.Uint64("index", ent.Index), zap.Error(err))
			return
		}
		if r := ent.Command.Report; r != nil {
			err := e.keyring.Verify(r.Reporter, identity.ContextConsensus, r.signedBytes(), r.Signature)
			if err != nil && !errors.Is(err, identity.ErrUnknownSigner) {
				return
			}
		}
		if prior := e.recordEntry(ent); prior != nil {
			e.reportEquivocation(ent.Leader, prior, ent, now)
			if ent.Leader == from {
				e.refuse(from, term)
				return
			}
		}
	}

	if ae.PrevLogIndex > e.lastIndex() {
		e.send(from, MsgAppendReply, AppendReply{ConflictIndex: e.lastIndex() + 1})
		return
	}
	if got := e.termAt(ae.PrevLogIndex); got != ae.PrevLogTerm {
		if ae.PrevLogIndex <= e.commitIndex {
			e.halt("leader %s disagrees on committed index %d", from.Short(), ae.PrevLogIndex)
			return
		}
		ci := ae.PrevLogIndex
		for ci > 1 && e.termAt(ci-1) == got {
			ci--
		}
		e.send(from, MsgAppendReply, AppendReply{ConflictIndex: ci})
		return
	}

	var fresh []LogEntry
	for i := range ae.Entries {
		ent := &ae.Entries[i]
		if ent.Index <= e.lastIndex() {
			if e.entries[ent.Index-1].sameAs(ent) {
				continue
			}
			if ent.Index <= e.commitIndex {
				e.halt("leader %s rewrites committed index %d", from.Short(), ent.Index)
				return
			}
			if err := e.storage.TruncateFrom(ent.Index); err != nil {
				e.log.Error("truncating log failed", zap.Error(err))
				return
			}
			e.entries = e.entries[:ent.Index-1]
		}
		fresh = ae.Entries[i:]
		break
	}
	if len(fresh) > 0 {
		if err := e.storage.Append(fresh); err != nil {
			e.log.Error("persisting entries failed", zap.Error(err))
			return
		}
		e.entries = append(e.entries, fresh...)
	}

	match := ae.PrevLogIndex + uint64(len(ae.Entries))
	if c := min(ae.LeaderCommit, match); c > e.commitIndex {
		e.commitIndex = c
		e.apply()
		if e.halted {
			return
		}
	}
	e.send(from, MsgAppendReply, AppendReply{Success: true, MatchIndex: match})

	if len(fresh) > 0 {
		e.witness(from, fresh)
	}
}

func (e *Engine) onAppendReply(m *signed, now time.Time) {
	var r AppendReply
	if err := m.decodeBody(&r); err != nil {
		return
	}
	if m.env.Term > e.term {
		e.becomeFollower(m.env.Term, identity.NodeID{}, now)
		return
	}
	if e.role != Leader {
		return
	}
	p := e.progress[m.env.From]
	if p == nil {
		return
	}
	// A follower that restarted forgot the certificate it checked; it may
	// still sit in an older term, so this is matched on the body.
	if r.MissingCertificate != 0 {
		if r.MissingCertificate == e.term {
			p.certified = false
			e.sendAppend(m.env.From, p, now)
		}
		return
	}
	if m.env.Term != e.term {
		return
	}
	p.certified = true
	p.lastAck = now
	p.backoff = e.cfg.HeartbeatInterval

	if r.Success {
		if r.MatchIndex > e.lastIndex() {
			return
		}
		if r.MatchIndex > p.match {
			p.match = r.MatchIndex
		}
		p.next = p.match + 1
		e.maybeCommit()
		if p.next <= e.lastIndex() {
			e.sendAppend(m.env.From, p, now)
		}
		return
	}
	ci := r.ConflictIndex
	if ci == 0 || ci >= p.next {
		ci = p.next - 1
	}
	p.next = max(ci, p.match+1, 1)
	e.sendAppend(m.env.From, p, now)
}

// witness gossips freshly accepted entries to the members other than the
// leader that sent them.
func (e *Engine) witness(leader identity.NodeID, entries []LogEntry) {
	w := Witness{Entries: entries}
	for _, id := range e.members.voters() {
		if id != leader {
			e.send(id, MsgWitness, w)
		}
	}
}

func (e *Engine) onWitness(m *signed, now time.Time) {
	var w Witness
	if err := m.decodeBody(&w); err != nil {
		return
	}
	for i := range w.Entries {
		ent := &w.Entries[i]
		if ent.Leader.IsZero() || ent.Leader == e.self.ID() || e.members.isExcluded(ent.Leader) {
			continue
		}
		if err := ent.verify(e.keyring); err != nil {
			continue
		}
		if prior := e.recordEntry(ent); prior != nil {
			e.reportEquivocation(ent.Leader, prior, ent, now)
			if ent.Leader == e.leader && ent.Term == e.term {
				e.refuse(ent.Leader, ent.Term)
			}
		}
	}
}
