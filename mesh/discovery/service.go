// Package discovery fills and maintains the routing table: signed
// announcements on the local segment, iterative FIND_NODE lookups across
// the mesh, liveness probing of stale and least-recently-seen peers, and
// eviction of peers the membership view excludes.
package discovery

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/TheusHen/meshcore/mesh/identity"
	"github.com/TheusHen/meshcore/mesh/metrics"
	"github.com/TheusHen/meshcore/mesh/routing"
	"github.com/TheusHen/meshcore/mesh/transport"
)

var (
	ErrTimeout     = errors.New("discovery: request timed out")
	ErrNoBootstrap = errors.New("discovery: no bootstrap peer answered")
	ErrExcluded    = errors.New("discovery: peer is excluded")
	ErrStopped     = errors.New("discovery: service stopped")
)

// Transport is what discovery needs from the transport layer.
type Transport interface {
	Send(ctx context.Context, to identity.NodeID, addr netip.AddrPort, payload []byte) error
	Inbound() <-chan transport.Inbound
	Connect(ctx context.Context, id identity.NodeID, addr netip.AddrPort) error
}

type Config struct {
	K         int
	Alpha     int
	MaxRounds int

	QueryTimeout        time.Duration
	AnnounceInterval    time.Duration
	MaintenanceInterval time.Duration
	// RefreshInterval is how long a bucket may go without a lookup before
	// it is refreshed.
	RefreshInterval time.Duration
	PeerTimeout     time.Duration

	Multicast     bool
	MulticastAddr string

	Bootstrap     []netip.AddrPort
	Services      []string
	AdvertiseAddr netip.AddrPort
	EventBuffer   int
}

func DefaultConfig() Config {
	return Config{
		K:                   routing.DefaultK,
		Alpha:               3,
		MaxRounds:           20,
		QueryTimeout:        time.Second,
		AnnounceInterval:    10 * time.Second,
		MaintenanceInterval: 10 * time.Second,
		RefreshInterval:     time.Minute,
		PeerTimeout:         60 * time.Second,
		Multicast:           true,
		MulticastAddr:       "239.255.77.77:7777",
		EventBuffer:         64,
	}
}

// EventKind distinguishes discovery events.
type EventKind int

const (
	PeerDiscovered EventKind = iota + 1
	PeerLost
)

func (k EventKind) String() string {
	switch k {
	case PeerDiscovered:
		return "discovered"
	case PeerLost:
		return "lost"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind EventKind
	Peer routing.PeerRecord
}

// Stats are cumulative discovery counters.
type Stats struct {
	Peers       int
	Discovered  uint64
	Lost        uint64
	Lookups     uint64
	MessagesIn  uint64
	MessagesOut uint64
	Dropped     uint64
	Excluded    int
}

type pendingReq struct {
	peer identity.NodeID
	ch   chan reply
}

type reply struct {
	msg  *Message
	addr netip.AddrPort
}

type Service struct {
	cfg     Config
	self    *identity.Identity
	keyring *identity.Keyring
	table   *routing.Table
	net     Transport
	log     *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	pending  map[uint64]pendingReq
	excluded map[identity.NodeID]bool
	probing  map[identity.NodeID]bool

	events chan Event

	discovered  atomic.Uint64
	lost        atomic.Uint64
	lookups     atomic.Uint64
	messagesIn  atomic.Uint64
	messagesOut atomic.Uint64
	dropped     atomic.Uint64

	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup
}

func New(cfg Config, self *identity.Identity, keyring *identity.Keyring, table *routing.Table, net Transport, logger *zap.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if cfg.K <= 0 {
		cfg.K = table.K()
	}
	if cfg.Alpha <= 0 {
		cfg.Alpha = 3
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:      cfg,
		self:     self,
		keyring:  keyring,
		table:    table,
		net:      net,
		log:      logger.Named("discovery"),
		metrics:  m,
		pending:  make(map[uint64]pendingReq),
		excluded: make(map[identity.NodeID]bool),
		probing:  make(map[identity.NodeID]bool),
		events:   make(chan Event, cfg.EventBuffer),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Table returns the routing table the service maintains.
func (s *Service) Table() *routing.Table { return s.table }

// Events delivers peer-discovered and peer-lost events. Events are dropped
// when the channel is full.
func (s *Service) Events() <-chan Event { return s.events }

// Run serves inbound discovery traffic and runs the announce and
// maintenance loops until ctx is cancelled. On the way out it tells known
// peers it is leaving.
func (s *Service) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("discovery: already running")
	}
	defer s.cancel()

	s.wg.Add(3)
	go s.dispatch()
	go s.announceLoop()
	go s.maintenanceLoop()
	if s.cfg.Multicast {
		if mc, err := listenMulticast(s.cfg.MulticastAddr); err != nil {
			s.log.Warn("multicast discovery disabled", zap.String("group", s.cfg.MulticastAddr), zap.Error(err))
		} else {
			s.wg.Add(1)
			go s.serveMulticast(mc)
		}
	}

	select {
	case <-ctx.Done():
	case <-s.ctx.Done():
	}
	s.leave()
	s.cancel()
	s.wg.Wait()
	return nil
}

// Stop ends Run.
func (s *Service) Stop() { s.cancel() }

func (s *Service) Stats() Stats {
	s.mu.Lock()
	excluded := len(s.excluded)
	s.mu.Unlock()
	return Stats{
		Peers:       s.table.Len(),
		Discovered:  s.discovered.Load(),
		Lost:        s.lost.Load(),
		Lookups:     s.lookups.Load(),
		MessagesIn:  s.messagesIn.Load(),
		MessagesOut: s.messagesOut.Load(),
		Dropped:     s.dropped.Load(),
		Excluded:    excluded,
	}
}

// FindService returns known peers advertising tag, most reliable first.
func (s *Service) FindService(tag string) []routing.PeerRecord {
	var out []routing.PeerRecord
	for _, rec := range s.table.All() {
		if rec.HasService(tag) {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Reliability > out[j].Reliability })
	return out
}

// ApplyExclusions evicts every excluded peer and keeps it out of the table
// from now on.
func (s *Service) ApplyExclusions(ids []identity.NodeID) {
	for _, id := range ids {
		s.mu.Lock()
		already := s.excluded[id]
		s.excluded[id] = true
		s.mu.Unlock()
		if already {
			continue
		}
		rec, known := s.table.Get(id)
		if s.table.Evict(id) && known {
			s.emitLost(rec)
		}
		s.log.Info("peer excluded", zap.String("peer", id.Short()))
	}
}

func (s *Service) isExcluded(id identity.NodeID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.excluded[id]
}

// PeerTimeout lowers the reliability of a peer the transport could not
// reach.
func (s *Service) PeerTimeout(id identity.NodeID) {
	s.table.RecordFailure(id)
}

// AuthFailure lowers the reliability of a peer whose traffic failed
// authentication.
func (s *Service) AuthFailure(id identity.NodeID) {
	s.metrics.AuthFailures.Inc()
	s.table.RecordFailure(id)
}

func (s *Service) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}

func (s *Service) emitLost(rec routing.PeerRecord) {
	s.lost.Add(1)
	s.metrics.PeersLost.Inc()
	s.metrics.RoutingPeers.Set(float64(s.table.Len()))
	s.emit(Event{Kind: PeerLost, Peer: rec})
}

func (s *Service) emitDiscovered(rec routing.PeerRecord) {
	s.discovered.Add(1)
	s.metrics.PeersDiscovered.Inc()
	s.metrics.RoutingPeers.Set(float64(s.table.Len()))
	s.emit(Event{Kind: PeerDiscovered, Peer: rec})
}

// observe records first-hand authenticated contact with a peer. Addresses
// learned from other peers never reach the table through here.
func (s *Service) observe(id identity.NodeID, addr netip.AddrPort, services []string, rtt time.Duration) {
	if id.IsZero() || id == s.self.ID() || s.isExcluded(id) || !addr.IsValid() {
		return
	}
	fp, _ := s.keyring.Fingerprint(id)
	rec := routing.PeerRecord{
		NodeID:      id,
		Addr:        addr,
		LastSeen:    time.Now(),
		RTT:         rtt,
		Fingerprint: fp,
		Services:    services,
	}
	out, err := s.table.Insert(rec)
	if err != nil {
		if errors.Is(err, routing.ErrInconsistentRecord) {
			s.log.Debug("rejected older conflicting record",
				zap.String("peer", id.Short()), zap.Stringer("addr", addr))
		}
		return
	}
	switch out.Result {
	case routing.Updated:
		s.table.MarkSeen(id, rtt)
	case routing.Added:
		s.emitDiscovered(rec)
	case routing.Replaced:
		s.emitDiscovered(rec)
		if out.Evicted != nil {
			s.emitLost(*out.Evicted)
		}
	case routing.Pending:
		s.probeLRS(*out.Probe, id)
	}
}

// probeLRS pings the least-recently-seen record of a full bucket. A live
// peer is kept; a silent one is evicted and the waiting candidate promoted.
func (s *Service) probeLRS(lrs routing.PeerRecord, candidate identity.NodeID) {
	s.mu.Lock()
	if s.probing[lrs.NodeID] {
		s.mu.Unlock()
		return
	}
	s.probing[lrs.NodeID] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.probing, lrs.NodeID)
			s.mu.Unlock()
		}()
		if _, err := s.Ping(s.ctx, lrs.NodeID, lrs.Addr); err == nil {
			return
		}
		if s.table.Evict(lrs.NodeID) {
			s.emitLost(lrs)
			if rec, ok := s.table.Get(candidate); ok {
				s.emitDiscovered(rec)
			}
		}
	}()
}

func newNonce() uint64 {
	var b [8]byte
	for {
		_, _ = rand.Read(b[:])
		if n := binary.BigEndian.Uint64(b[:]); n != 0 {
			return n
		}
	}
}

func (s *Service) send(ctx context.Context, to identity.NodeID, addr netip.AddrPort, m *Message) error {
	wire, err := Encode(m, s.self)
	if err != nil {
		return err
	}
	if err := s.net.Send(ctx, to, addr, wire); err != nil {
		return err
	}
	s.messagesOut.Add(1)
	return nil
}

// request sends m and waits for the reply carrying the same nonce. A zero
// to accepts a reply from any node, which is how bootstrap seeds are
// contacted.
func (s *Service) request(ctx context.Context, to identity.NodeID, addr netip.AddrPort, m *Message) (reply, time.Duration, error) {
	if !to.IsZero() && s.isExcluded(to) {
		return reply{}, 0, ErrExcluded
	}
	m.Nonce = newNonce()
	ch := make(chan reply, 1)
	s.mu.Lock()
	s.pending[m.Nonce] = pendingReq{peer: to, ch: ch}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, m.Nonce)
		s.mu.Unlock()
	}()

	start := time.Now()
	if err := s.send(ctx, to, addr, m); err != nil {
		return reply{}, 0, err
	}
	timer := time.NewTimer(s.cfg.QueryTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r, time.Since(start), nil
	case <-timer.C:
		return reply{}, 0, ErrTimeout
	case <-ctx.Done():
		return reply{}, 0, ctx.Err()
	case <-s.ctx.Done():
		return reply{}, 0, ErrStopped
	}
}

// Ping checks liveness of a peer and records it on success. It returns the
// responder's id, which matters when to is zero.
func (s *Service) Ping(ctx context.Context, to identity.NodeID, addr netip.AddrPort) (identity.NodeID, error) {
	r, rtt, err := s.request(ctx, to, addr, &Message{Kind: KindPing, Ping: &Ping{Services: s.cfg.Services}})
	if err != nil {
		if !to.IsZero() {
			s.table.RecordFailure(to)
		}
		return identity.NodeID{}, err
	}
	if r.msg.Kind != KindPong {
		return identity.NodeID{}, ErrMalformed
	}
	s.observe(r.msg.From, r.addr, r.msg.Pong.Services, rtt)
	return r.msg.From, nil
}

// Bootstrap pings every seed and then looks up the local id so that peers
// near us learn about us.
func (s *Service) Bootstrap(ctx context.Context, seeds []netip.AddrPort) error {
	if len(seeds) == 0 {
		seeds = s.cfg.Bootstrap
	}
	var answered atomic.Int32
	var g errgroup.Group
	for _, seed := range seeds {
		g.Go(func() error {
			if _, err := s.Ping(ctx, identity.NodeID{}, seed); err != nil {
				s.log.Debug("bootstrap seed silent", zap.Stringer("addr", seed), zap.Error(err))
				return nil
			}
			answered.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	if answered.Load() == 0 {
		return ErrNoBootstrap
	}
	_, err := s.Lookup(ctx, s.self.ID())
	return err
}

func (s *Service) dispatch() {
	defer s.wg.Done()
	in := s.net.Inbound()
	for {
		select {
		case <-s.ctx.Done():
			return
		case pkt, ok := <-in:
			if !ok {
				return
			}
			s.handle(pkt)
		}
	}
}

func (s *Service) drop(reason string, err error, from identity.NodeID) {
	s.dropped.Add(1)
	s.metrics.DiscoveryDrops.Inc()
	s.log.Debug("dropped discovery message",
		zap.String("reason", reason), zap.String("peer", from.Short()), zap.Error(err))
}

func (s *Service) handle(pkt transport.Inbound) {
	s.messagesIn.Add(1)
	m, body, sig, err := Decode(pkt.Payload)
	if err != nil {
		s.drop("malformed", err, pkt.From)
		return
	}
	if !pkt.From.IsZero() && m.From != pkt.From {
		s.drop("spoofed", ErrSpoofed, pkt.From)
		return
	}
	if err := Verify(m, body, sig, s.keyring); err != nil {
		s.metrics.AuthFailures.Inc()
		s.drop("unverified", err, m.From)
		return
	}
	if m.From == s.self.ID() {
		return
	}
	if s.isExcluded(m.From) {
		s.drop("excluded", ErrExcluded, m.From)
		return
	}
	s.handleVerified(m, pkt.Addr)
}

func (s *Service) handleVerified(m *Message, addr netip.AddrPort) {
	switch m.Kind {
	case KindPing:
		s.observe(m.From, addr, m.Ping.Services, 0)
		pong := &Message{Kind: KindPong, Nonce: m.Nonce, Pong: &Pong{Services: s.cfg.Services, Observed: addr.String()}}
		if err := s.send(s.ctx, m.From, addr, pong); err != nil {
			s.log.Debug("pong failed", zap.String("peer", m.From.Short()), zap.Error(err))
		}

	case KindFindNode:
		s.observe(m.From, addr, nil, 0)
		peers := s.table.LookupClosest(m.FindNode.Target, s.cfg.K)
		for i := range peers {
			peers[i] = routing.PeerRecord{
				NodeID:      peers[i].NodeID,
				Addr:        peers[i].Addr,
				Fingerprint: peers[i].Fingerprint,
				Services:    peers[i].Services,
			}
		}
		found := &Message{Kind: KindFoundNodes, Nonce: m.Nonce, FoundNodes: &FoundNodes{Target: m.FindNode.Target, Peers: peers}}
		if err := s.send(s.ctx, m.From, addr, found); err != nil {
			s.log.Debug("found_nodes failed", zap.String("peer", m.From.Short()), zap.Error(err))
		}

	case KindPong, KindFoundNodes:
		s.mu.Lock()
		req, ok := s.pending[m.Nonce]
		s.mu.Unlock()
		if !ok || (!req.peer.IsZero() && req.peer != m.From) {
			s.drop("unsolicited", nil, m.From)
			return
		}
		select {
		case req.ch <- reply{msg: m, addr: addr}:
		default:
		}

	case KindAnnounce:
		s.handleAnnounce(m, addr)

	case KindLeave:
		rec, known := s.table.Get(m.From)
		if known && s.table.Evict(m.From) {
			s.emitLost(rec)
		}
		s.log.Debug("peer left", zap.String("peer", m.From.Short()))
	}
}

// handleAnnounce inserts the announcing node at its advertised address. An
// unspecified advertised host is replaced by the address the announcement
// came from. New peers get a PING back.
func (s *Service) handleAnnounce(m *Message, src netip.AddrPort) {
	addr, err := netip.ParseAddrPort(m.Announce.Addr)
	if err != nil {
		addr = src
	} else if addr.Addr().IsUnspecified() && src.IsValid() {
		addr = netip.AddrPortFrom(src.Addr(), addr.Port())
	}
	_, known := s.table.Get(m.From)
	s.observe(m.From, addr, m.Announce.Services, 0)
	if known {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.Ping(s.ctx, m.From, addr); err != nil {
			s.log.Debug("ping after announce failed", zap.String("peer", m.From.Short()), zap.Error(err))
		}
	}()
}

func (s *Service) announcement() (*Message, error) {
	bundle, err := s.self.Bundle().Encode()
	if err != nil {
		return nil, err
	}
	return &Message{Kind: KindAnnounce, Announce: &Announce{
		Addr:     s.cfg.AdvertiseAddr.String(),
		Services: s.cfg.Services,
		Bundle:   bundle,
	}}, nil
}

// Announce sends one ANNOUNCE to every bootstrap address.
func (s *Service) Announce(ctx context.Context) error {
	m, err := s.announcement()
	if err != nil {
		return err
	}
	var errs []error
	for _, addr := range s.cfg.Bootstrap {
		if err := s.send(ctx, identity.NodeID{}, addr, m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) announceLoop() {
	defer s.wg.Done()
	if s.cfg.AnnounceInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.AnnounceInterval)
	defer ticker.Stop()
	for {
		if err := s.Announce(s.ctx); err != nil {
			s.log.Debug("announce failed", zap.Error(err))
		}
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) maintenanceLoop() {
	defer s.wg.Done()
	if s.cfg.MaintenanceInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Maintain(s.ctx)
		}
	}
}

// Maintain refreshes stale buckets with lookups and checks peers that have
// not been seen within PeerTimeout. A silent peer gets one Connect attempt
// through the transport fallbacks before it is evicted.
func (s *Service) Maintain(ctx context.Context) {
	for _, idx := range s.table.StaleBuckets(s.cfg.RefreshInterval) {
		target, err := s.table.RefreshTarget(idx)
		if err != nil {
			continue
		}
		if _, err := s.Lookup(ctx, target); err != nil && ctx.Err() != nil {
			return
		}
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.Alpha)
	for _, rec := range s.table.Unseen(s.cfg.PeerTimeout) {
		g.Go(func() error {
			if _, err := s.Ping(ctx, rec.NodeID, rec.Addr); err == nil {
				return nil
			}
			if err := s.net.Connect(ctx, rec.NodeID, rec.Addr); err == nil {
				s.table.MarkSeen(rec.NodeID, 0)
				return nil
			}
			if s.table.Evict(rec.NodeID) {
				s.emitLost(rec)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) leave() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.QueryTimeout)
	defer cancel()
	for _, rec := range s.table.All() {
		_ = s.send(ctx, rec.NodeID, rec.Addr, &Message{Kind: KindLeave, Leave: &Leave{}})
	}
}
