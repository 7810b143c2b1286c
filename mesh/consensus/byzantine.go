package consensus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/TheusHen/meshcore/mesh/identity"
)

type entryKey struct {
	leader identity.NodeID
	term   uint64
	index  uint64
}

type ballotKey struct {
	voter identity.NodeID
	term  uint64
}

// recordEntry remembers a signed entry and returns the previously seen
// entry when the same leader signed something else for that slot.
func (e *Engine) recordEntry(ent *LogEntry) *LogEntry {
	k := entryKey{leader: ent.Leader, term: ent.Term, index: ent.Index}
	if prior, ok := e.seenEntries[k]; ok {
		if prior.sameAs(ent) {
			return nil
		}
		return &prior
	}
	e.seenEntries[k] = *ent
	return nil
}

// recordBallot remembers a granted ballot and reports a voter that granted
// two different candidates in one term.
func (e *Engine) recordBallot(b ballot) {
	k := ballotKey{voter: b.voter, term: b.term}
	prior, ok := e.ballots[k]
	if !ok {
		e.ballots[k] = b
		return
	}
	if prior.candidate != b.candidate {
		e.fileReport(b.voter, ConflictingVote, [][]byte{prior.raw, b.raw}, time.Now())
	}
}

// pruneEvidence forgets entries and ballots older than the previous term.
func (e *Engine) pruneEvidence() {
	if e.term <= e.prunedTerm+1 {
		return
	}
	for k := range e.seenEntries {
		if k.term+1 < e.term {
			delete(e.seenEntries, k)
		}
	}
	for k := range e.ballots {
		if k.term+1 < e.term {
			delete(e.ballots, k)
		}
	}
	e.prunedTerm = e.term - 1
}

func (e *Engine) reportEquivocation(accused identity.NodeID, prior, ent *LogEntry, now time.Time) {
	a, err := json.Marshal(prior)
	if err != nil {
		return
	}
	b, err := json.Marshal(ent)
	if err != nil {
		return
	}
	e.fileReport(accused, EquivocatingEntry, [][]byte{a, b}, now)
}

// fileReport signs a report and queues it for submission through the log.
// Each accused member is reported at most once by this node.
func (e *Engine) fileReport(accused identity.NodeID, kind EvidenceKind, evidence [][]byte, now time.Time) {
	if accused == e.self.ID() || e.suspects[accused] || e.members.isExcluded(accused) {
		return
	}
	e.suspects[accused] = true
	r := ByzantineReport{
		Accused:    accused,
		Kind:       kind,
		Evidence:   evidence,
		Reporter:   e.self.ID(),
		ObservedAt: now.UTC(),
	}
	r.Signature = e.self.Sign(identity.ContextConsensus, r.signedBytes())
	e.reports = append(e.reports, r)
	e.nextReport = now
	e.metrics.ByzantineReports.Inc()
	e.log.Warn("filing byzantine report",
		zap.String("accused", accused.Short()), zap.Stringer("evidence", kind), zap.Error(ErrByzantineDetected))
}

// refuse stops following leader for the rest of term.
func (e *Engine) refuse(leader identity.NodeID, term uint64) {
	e.refusedLeader, e.refusedTerm = leader, term
	if e.leader == leader {
		e.leader = identity.NodeID{}
	}
}

// retryReports resubmits queued reports until the applied view shows them.
func (e *Engine) retryReports(now time.Time) {
	e.nextReport = now.Add(e.cfg.ReportRetry)
	keep := e.reports[:0]
	for _, r := range e.reports {
		if e.members.isMember(r.Accused) && !e.members.reportedBy(r.Accused, e.self.ID()) {
			keep = append(keep, r)
		}
	}
	e.reports = keep
	if e.excludedSelf || len(e.reports) == 0 {
		return
	}

	appended := false
	for _, r := range e.reports {
		cmd := Command{Kind: CmdReport, Report: &r}
		switch {
		case e.role == Leader:
			if _, err := e.appendLocal(cmd, e.self.ID()); err == nil {
				appended = true
			}
		case !e.leader.IsZero():
			e.send(e.leader, MsgForward, Forward{Command: cmd})
		}
	}
	if appended {
		e.broadcastAppend(now)
	}
}

// validateReport checks that the evidence in r proves what it claims.
func (e *Engine) validateReport(r *ByzantineReport) error {
	if !r.wellFormed() {
		return ErrInvalidEvidence
	}
	if err := e.keyring.Verify(r.Reporter, identity.ContextConsensus, r.signedBytes(), r.Signature); err != nil {
		return fmt.Errorf("%w: reporter signature: %v", ErrInvalidEvidence, err)
	}
	switch r.Kind {
	case EquivocatingEntry:
		var a, b LogEntry
		if json.Unmarshal(r.Evidence[0], &a) != nil || json.Unmarshal(r.Evidence[1], &b) != nil {
			return fmt.Errorf("%w: undecodable entries", ErrInvalidEvidence)
		}
		if a.Leader != r.Accused || b.Leader != r.Accused || a.Term != b.Term || a.Index != b.Index || a.sameAs(&b) {
			return fmt.Errorf("%w: entries do not conflict", ErrInvalidEvidence)
		}
		if a.verify(e.keyring) != nil || b.verify(e.keyring) != nil {
			return fmt.Errorf("%w: entries not signed by the accused", ErrInvalidEvidence)
		}
	case ConflictingVote:
		a, errA := parseBallot(r.Evidence[0], e.keyring)
		b, errB := parseBallot(r.Evidence[1], e.keyring)
		if errA != nil || errB != nil {
			return fmt.Errorf("%w: unverifiable ballots", ErrInvalidEvidence)
		}
		if a.voter != r.Accused || b.voter != r.Accused || a.term != b.term || a.candidate == b.candidate {
			return fmt.Errorf("%w: ballots do not conflict", ErrInvalidEvidence)
		}
	case InvalidSignature:
		m, err := decodeMessage(r.Evidence[0])
		if err != nil || m.env.From != r.Accused {
			return fmt.Errorf("%w: evidence is not a message from the accused", ErrInvalidEvidence)
		}
		err = m.verify(e.keyring)
		if err == nil || errors.Is(err, identity.ErrUnknownSigner) {
			return fmt.Errorf("%w: signature does not fail", ErrInvalidEvidence)
		}
	}
	return nil
}
