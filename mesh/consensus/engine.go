package consensus

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/TheusHen/meshcore/mesh/identity"
	"github.com/TheusHen/meshcore/mesh/metrics"
)

type Config struct {
	// Members is the genesis membership. It should include the local node.
	Members []identity.NodeID

	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	TickInterval       time.Duration
	// RPCTimeout caps the per-peer retry backoff and bounds forwarded
	// proposals.
	RPCTimeout time.Duration
	// StepDownTimeout is how long a leader may go without hearing from a
	// majority. Zero means three times ElectionTimeoutMax.
	StepDownTimeout time.Duration

	MaxEntriesPerMessage int
	ExclusionQuorum      Quorum
	ReportRetry          time.Duration
	InboxSize            int
}

func DefaultConfig() Config {
	return Config{
		ElectionTimeoutMin:   150 * time.Millisecond,
		ElectionTimeoutMax:   300 * time.Millisecond,
		HeartbeatInterval:    50 * time.Millisecond,
		TickInterval:         10 * time.Millisecond,
		RPCTimeout:           time.Second,
		MaxEntriesPerMessage: 64,
		ExclusionQuorum:      QuorumByzantine,
		ReportRetry:          500 * time.Millisecond,
		InboxSize:            1024,
	}
}

func (c Config) Validate() error {
	switch {
	case c.ElectionTimeoutMin <= 0 || c.ElectionTimeoutMax <= c.ElectionTimeoutMin:
		return fmt.Errorf("consensus: election timeout range [%v, %v) is empty", c.ElectionTimeoutMin, c.ElectionTimeoutMax)
	case c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.ElectionTimeoutMin:
		return fmt.Errorf("consensus: heartbeat %v must be below the election timeout", c.HeartbeatInterval)
	case c.TickInterval <= 0 || c.TickInterval > c.HeartbeatInterval:
		return fmt.Errorf("consensus: tick %v must not exceed the heartbeat", c.TickInterval)
	case c.RPCTimeout < c.HeartbeatInterval:
		return fmt.Errorf("consensus: rpc timeout %v below heartbeat", c.RPCTimeout)
	case c.ExclusionQuorum < QuorumByzantine || c.ExclusionQuorum > QuorumSupermajority:
		return fmt.Errorf("consensus: unknown exclusion quorum %d", c.ExclusionQuorum)
	}
	return nil
}

type inbound struct {
	from identity.NodeID
	data []byte
}

type proposeReq struct {
	cmd   Command
	reply chan proposeResult
}

type proposeResult struct {
	p   Proposal
	err error
}

type pendingForward struct {
	reply    chan proposeResult
	deadline time.Time
}

// Engine is one member's consensus state machine. All Raft state is owned
// by the goroutine running Run; other goroutines talk to it via channels.
type Engine struct {
	cfg     Config
	self    *identity.Identity
	keyring *identity.Keyring
	storage Storage
	net     Network
	log     *zap.Logger
	metrics *metrics.Metrics
	members *membership

	inbox     chan inbound
	proposals chan proposeReq
	queries   chan func()
	done      chan struct{}
	running   sync.Once

	statusMu sync.RWMutex
	status   Status
	err      error

	appliedMu    sync.Mutex
	appliedIndex uint64
	appliedCh    chan struct{}

	// Loop-owned state below.
	ctx              context.Context
	role             Role
	term             uint64
	votedFor         identity.NodeID
	leader           identity.NodeID
	entries          []LogEntry
	commitIndex      uint64
	lastApplied      uint64
	electionDeadline time.Time
	halted           bool
	excludedSelf     bool

	votes    map[identity.NodeID][]byte
	cert     [][]byte
	progress map[identity.NodeID]*progress

	certifiedLeader identity.NodeID
	certifiedTerm   uint64
	refusedLeader   identity.NodeID
	refusedTerm     uint64

	seenEntries map[entryKey]LogEntry
	ballots     map[ballotKey]ballot
	prunedTerm  uint64
	suspects    map[identity.NodeID]bool
	reports     []ByzantineReport
	nextReport  time.Time

	forwards  map[uint64]*pendingForward
	forwardID uint64
}

func New(cfg Config, self *identity.Identity, keyring *identity.Keyring, storage Storage, net Network, logger *zap.Logger, m *metrics.Metrics) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.StepDownTimeout <= 0 {
		cfg.StepDownTimeout = 3 * cfg.ElectionTimeoutMax
	}
	if cfg.MaxEntriesPerMessage <= 0 {
		cfg.MaxEntriesPerMessage = 64
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 1024
	}
	if cfg.ReportRetry <= 0 {
		cfg.ReportRetry = 10 * cfg.HeartbeatInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if storage == nil {
		storage = NewMemoryStorage()
	}

	hard, entries, err := storage.Load()
	if err != nil {
		return nil, fmt.Errorf("consensus: load storage: %w", err)
	}
	if _, err := keyring.Add(self.Bundle()); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:         cfg,
		self:        self,
		keyring:     keyring,
		storage:     storage,
		net:         net,
		log:         logger.Named("consensus"),
		metrics:     m,
		members:     newMembership(cfg.Members, cfg.ExclusionQuorum),
		inbox:       make(chan inbound, cfg.InboxSize),
		proposals:   make(chan proposeReq),
		queries:     make(chan func()),
		done:        make(chan struct{}),
		appliedCh:   make(chan struct{}),
		ctx:         context.Background(),
		term:        hard.Term,
		votedFor:    hard.VotedFor,
		entries:     entries,
		seenEntries: make(map[entryKey]LogEntry),
		ballots:     make(map[ballotKey]ballot),
		suspects:    make(map[identity.NodeID]bool),
		forwards:    make(map[uint64]*pendingForward),
	}
	e.commitIndex = min(hard.Commit, e.lastIndex())
	e.apply()
	e.publishStatus()
	return e, nil
}

// Run drives the engine until ctx is cancelled. It returns the safety
// violation that halted the engine, if any.
func (e *Engine) Run(ctx context.Context) error {
	started := false
	e.running.Do(func() { started = true })
	if !started {
		return errors.New("consensus: engine already ran")
	}
	defer close(e.done)

	e.ctx = ctx
	e.resetElectionTimer(time.Now())
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.failForwards(ErrStopped)
			return nil
		case now := <-ticker.C:
			e.tick(now)
		case in := <-e.inbox:
			e.handle(in)
		case req := <-e.proposals:
			p, err := e.propose(req)
			if err != nil || p.Index != 0 {
				req.reply <- proposeResult{p: p, err: err}
			}
		case fn := <-e.queries:
			fn()
		}
		e.publishStatus()
		if e.halted {
			e.failForwards(ErrStopped)
			return e.Err()
		}
	}
}

// Step hands an inbound consensus message to the engine. from is the
// transport-authenticated sender. It never blocks; a full inbox drops the
// message and the sender's retry covers it.
func (e *Engine) Step(from identity.NodeID, data []byte) {
	select {
	case e.inbox <- inbound{from: from, data: data}:
	default:
		e.log.Debug("inbox full, dropping message", zap.String("peer", from.Short()))
	}
}

// Propose appends cmd to the log when this node leads, or forwards it to the
// known leader. The returned Proposal is appended, not yet committed.
func (e *Engine) Propose(ctx context.Context, cmd Command) (Proposal, error) {
	if err := cmd.Validate(); err != nil {
		return Proposal{}, err
	}
	req := proposeReq{cmd: cmd, reply: make(chan proposeResult, 1)}
	select {
	case e.proposals <- req:
	case <-ctx.Done():
		return Proposal{}, ctx.Err()
	case <-e.done:
		return Proposal{}, ErrStopped
	}
	select {
	case res := <-req.reply:
		return res.p, res.err
	case <-ctx.Done():
		return Proposal{}, ctx.Err()
	case <-e.done:
		return Proposal{}, ErrStopped
	}
}

// Commit proposes cmd and waits until it is applied. It fails with
// ErrProposalDropped when a new leader overwrote the entry.
func (e *Engine) Commit(ctx context.Context, cmd Command) (Proposal, error) {
	p, err := e.Propose(ctx, cmd)
	if err != nil {
		return p, err
	}
	if err := e.WaitApplied(ctx, p.Index); err != nil {
		return p, err
	}
	var term uint64
	if err := e.do(ctx, func() { term = e.termAt(p.Index) }); err != nil {
		return p, err
	}
	if term != p.Term {
		return p, ErrProposalDropped
	}
	return p, nil
}

// WaitApplied blocks until the entry at index has been applied to the view.
func (e *Engine) WaitApplied(ctx context.Context, index uint64) error {
	for {
		e.appliedMu.Lock()
		applied, ch := e.appliedIndex, e.appliedCh
		e.appliedMu.Unlock()
		if applied >= index {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-e.done:
			return ErrStopped
		}
	}
}

func (e *Engine) do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	select {
	case e.queries <- func() { fn(); close(ran) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrStopped
	}
	select {
	case <-ran:
		return nil
	case <-e.done:
		return ErrStopped
	}
}

func (e *Engine) Status() Status {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.status
}

// Err returns the safety violation that halted the engine, if any.
func (e *Engine) Err() error {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.err
}

// View returns the current membership view.
func (e *Engine) View() MembershipView { return e.members.view() }

// Subscribe delivers the current view and every later change.
func (e *Engine) Subscribe() <-chan MembershipView { return e.members.subscribe() }

func (e *Engine) ID() identity.NodeID { return e.self.ID() }

func (e *Engine) publishStatus() {
	st := Status{
		ID:          e.self.ID(),
		Role:        e.role,
		RoleName:    e.role.String(),
		Term:        e.term,
		Leader:      e.leader,
		VotedFor:    e.votedFor,
		CommitIndex: e.commitIndex,
		LastApplied: e.lastApplied,
		LastIndex:   e.lastIndex(),
		Excluded:    e.excludedSelf,
		Halted:      e.halted,
	}
	e.statusMu.Lock()
	e.status = st
	e.statusMu.Unlock()

	e.metrics.Term.Set(float64(e.term))
	e.metrics.CommitIndex.Set(float64(e.commitIndex))
	if e.role == Leader {
		e.metrics.IsLeader.Set(1)
	} else {
		e.metrics.IsLeader.Set(0)
	}
}

func (e *Engine) halt(format string, args ...any) {
	e.stop(fmt.Errorf("%w: %s", ErrSafetyViolation, fmt.Sprintf(format, args...)))
}

// stop halts the engine with err. Run returns it after the current event.
func (e *Engine) stop(err error) {
	e.halted = true
	e.statusMu.Lock()
	e.err = err
	e.statusMu.Unlock()
	e.log.Error("halting log application", zap.Error(err))
}

func (e *Engine) lastIndex() uint64 { return uint64(len(e.entries)) }

func (e *Engine) lastTerm() uint64 { return e.termAt(e.lastIndex()) }

func (e *Engine) termAt(index uint64) uint64 {
	if index == 0 || index > e.lastIndex() {
		return 0
	}
	return e.entries[index-1].Term
}

func (e *Engine) resetElectionTimer(now time.Time) {
	span := int64(e.cfg.ElectionTimeoutMax - e.cfg.ElectionTimeoutMin)
	e.electionDeadline = now.Add(e.cfg.ElectionTimeoutMin + time.Duration(rand.Int64N(span)))
}

func (e *Engine) saveHardState() error {
	err := e.storage.SaveHardState(HardState{Term: e.term, VotedFor: e.votedFor, Commit: e.commitIndex})
	if err != nil {
		e.log.Error("persisting hard state failed", zap.Error(err))
	}
	return err
}

func (e *Engine) send(to identity.NodeID, kind MsgKind, body any) {
	if to == e.self.ID() || e.members.isExcluded(to) {
		return
	}
	data, err := encodeMessage(e.self, kind, e.term, to, body)
	if err != nil {
		e.log.Error("encoding message failed", zap.Stringer("kind", kind), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.RPCTimeout)
	defer cancel()
	if err := e.net.Send(ctx, to, data); err != nil {
		e.log.Debug("send failed", zap.Stringer("kind", kind), zap.String("peer", to.Short()), zap.Error(err))
	}
}

// becomeFollower reports false when the new term could not be persisted;
// the engine is halted then and the caller must not answer.
func (e *Engine) becomeFollower(term uint64, leader identity.NodeID, now time.Time) bool {
	if term > e.term {
		e.term = term
		e.votedFor = identity.NodeID{}
		if err := e.saveHardState(); err != nil {
			e.stop(fmt.Errorf("%w: term %d: %w", ErrStorage, term, err))
			return false
		}
	}
	if e.role != Follower {
		e.log.Info("stepping down", zap.Uint64("term", e.term), zap.Stringer("was", e.role))
	}
	e.role = Follower
	e.leader = leader
	e.votes = nil
	e.cert = nil
	e.progress = nil
	e.resetElectionTimer(now)
	return true
}

func (e *Engine) tick(now time.Time) {
	if e.halted {
		return
	}
	e.expireForwards(now)
	e.pruneEvidence()
	if !e.excludedSelf {
		switch e.role {
		case Leader:
			e.leaderTick(now)
		default:
			if e.members.isMember(e.self.ID()) && now.After(e.electionDeadline) {
				e.startElection(now)
			}
		}
	}
	if len(e.reports) > 0 && !now.Before(e.nextReport) {
		e.retryReports(now)
	}
}

func (e *Engine) handle(in inbound) {
	if e.halted {
		return
	}
	m, err := decodeMessage(in.data)
	if err != nil {
		e.log.Debug("dropping malformed message", zap.String("peer", in.from.Short()), zap.Error(err))
		return
	}
	from := m.env.From
	if !in.from.IsZero() && from != in.from {
		e.log.Debug("dropping message with mismatched sender", zap.String("peer", in.from.Short()))
		return
	}
	if e.members.isExcluded(from) || !e.members.isMember(from) {
		return
	}
	if m.env.To != e.self.ID() {
		return
	}
	if err := m.verify(e.keyring); err != nil {
		if errors.Is(err, identity.ErrUnknownSigner) {
			e.log.Debug("message from signer without known keys", zap.String("peer", from.Short()))
			return
		}
		e.metrics.AuthFailures.Inc()
		e.fileReport(from, InvalidSignature, [][]byte{append([]byte(nil), in.data...)}, time.Now())
		return
	}
	now := time.Now()
	switch m.env.Kind {
	case MsgRequestVote:
		e.onRequestVote(m, now)
	case MsgVoteReply:
		e.onVoteReply(m, now)
	case MsgAppendEntries:
		e.onAppendEntries(m, now)
	case MsgAppendReply:
		e.onAppendReply(m, now)
	case MsgWitness:
		e.onWitness(m, now)
	case MsgForward:
		e.onForward(m)
	case MsgForwardReply:
		e.onForwardReply(m)
	}
}

// propose handles a local proposal. A zero Proposal with a nil error means
// the request was forwarded and will be answered later.
func (e *Engine) propose(req proposeReq) (Proposal, error) {
	switch {
	case e.halted:
		return Proposal{}, e.Err()
	case e.excludedSelf:
		return Proposal{}, ErrExcluded
	case e.role == Leader:
		if req.cmd.Kind == CmdReport {
			if err := e.validateReport(req.cmd.Report); err != nil {
				return Proposal{}, err
			}
		}
		p, err := e.appendLocal(req.cmd, e.self.ID())
		if err == nil {
			e.broadcastAppend(time.Now())
		}
		return p, err
	case e.leader.IsZero():
		return Proposal{}, ErrNoLeader
	}
	e.forwardID++
	id := e.forwardID
	e.forwards[id] = &pendingForward{reply: req.reply, deadline: time.Now().Add(e.cfg.RPCTimeout)}
	e.send(e.leader, MsgForward, Forward{ID: id, Command: req.cmd})
	return Proposal{}, nil
}

func (e *Engine) onForward(m *signed) {
	var f Forward
	if err := m.decodeBody(&f); err != nil {
		return
	}
	from := m.env.From
	reply := func(p Proposal, err error) {
		if f.ID == 0 {
			return
		}
		r := ForwardReply{ID: f.ID, Index: p.Index, Term: p.Term}
		if err != nil {
			r.Error = err.Error()
		}
		e.send(from, MsgForwardReply, r)
	}
	if e.role != Leader {
		reply(Proposal{}, ErrNotLeader)
		return
	}
	if err := f.Command.Validate(); err != nil {
		reply(Proposal{}, err)
		return
	}
	if f.Command.Kind == CmdReport {
		if f.Command.Report.Reporter != from {
			reply(Proposal{}, ErrInvalidEvidence)
			return
		}
		if err := e.validateReport(f.Command.Report); err != nil {
			e.log.Warn("rejecting report", zap.String("reporter", from.Short()), zap.Error(err))
			reply(Proposal{}, err)
			return
		}
	}
	p, err := e.appendLocal(f.Command, from)
	reply(p, err)
	if err == nil {
		e.broadcastAppend(time.Now())
	}
}

var forwardErrors = []error{ErrNotLeader, ErrNoLeader, ErrInvalidEvidence, ErrInvalidCommand, ErrExcluded, ErrStopped}

func (e *Engine) onForwardReply(m *signed) {
	var r ForwardReply
	if err := m.decodeBody(&r); err != nil {
		return
	}
	pf, ok := e.forwards[r.ID]
	if !ok {
		return
	}
	delete(e.forwards, r.ID)
	if r.Error == "" {
		pf.reply <- proposeResult{p: Proposal{Index: r.Index, Term: r.Term}}
		return
	}
	pf.reply <- proposeResult{err: remoteError(r.Error)}
}

// remoteError maps an error string from the leader back onto the sentinel it
// wraps, so errors.Is keeps working across a forward.
func remoteError(msg string) error {
	for _, known := range forwardErrors {
		if msg == known.Error() {
			return known
		}
		if rest, ok := strings.CutPrefix(msg, known.Error()); ok {
			return fmt.Errorf("%w%s", known, rest)
		}
	}
	return errors.New(msg)
}

func (e *Engine) expireForwards(now time.Time) {
	for id, pf := range e.forwards {
		if now.After(pf.deadline) {
			delete(e.forwards, id)
			pf.reply <- proposeResult{err: fmt.Errorf("%w: forward timed out", ErrNoLeader)}
		}
	}
}

func (e *Engine) failForwards(err error) {
	for id, pf := range e.forwards {
		delete(e.forwards, id)
		pf.reply <- proposeResult{err: err}
	}
}

func (e *Engine) apply() {
	if e.lastApplied >= e.commitIndex {
		return
	}
	for e.lastApplied < e.commitIndex {
		ent := &e.entries[e.lastApplied]
		out := e.members.apply(ent)
		e.lastApplied++
		if out.ignored != "" {
			e.log.Debug("entry had no effect",
				zap.Uint64("index", ent.Index), zap.Stringer("kind", ent.Command.Kind), zap.String("reason", out.ignored))
		}
		for _, id := range out.excluded {
			e.metrics.Exclusions.Inc()
			e.log.Warn("member excluded", zap.String("node", id.Short()), zap.Uint64("index", ent.Index))
			e.onExcluded(id)
		}
	}
	e.metrics.Members.Set(float64(len(e.members.voters())))
	if err := e.saveHardState(); err != nil {
		e.stop(fmt.Errorf("%w: commit %d: %w", ErrStorage, e.commitIndex, err))
	}

	e.appliedMu.Lock()
	e.appliedIndex = e.lastApplied
	close(e.appliedCh)
	e.appliedCh = make(chan struct{})
	e.appliedMu.Unlock()
}

func (e *Engine) onExcluded(id identity.NodeID) {
	delete(e.progress, id)
	if id == e.self.ID() {
		e.excludedSelf = true
		e.role = Follower
		e.leader = identity.NodeID{}
		e.progress = nil
		return
	}
	if e.leader == id {
		e.leader = identity.NodeID{}
	}
}
