// Package transport carries signed envelopes between mesh nodes over UDP.
//
// Envelopes are padded to the size classes of a shaping profile, split into
// fixed-size cells with Reed-Solomon parity, sealed per peer with a session
// key agreed through the hybrid KEM, and paced with randomized delays. When
// the direct path fails, Connect punches through a relay and finally falls
// back to a TCP or QUIC stream carrying the same cells.
package transport

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/maphash"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/TheusHen/meshcore/mesh/identity"
	"github.com/TheusHen/meshcore/mesh/metrics"
)

var (
	ErrTimeout         = errors.New("transport: timeout")
	ErrClosed          = errors.New("transport: closed")
	ErrPayloadTooLarge = errors.New("transport: payload too large")
	ErrNoRoute         = errors.New("transport: no route to peer")
	ErrMalformed       = errors.New("transport: malformed cell or envelope")
	ErrQueueFull       = errors.New("transport: send queue full")
	ErrNoRelay         = errors.New("transport: no relay configured")
)

// StreamMode selects the fallback used when no datagram path opens.
type StreamMode string

const (
	StreamNone StreamMode = "none"
	StreamTCP  StreamMode = "tcp"
	StreamQUIC StreamMode = "quic"
)

const (
	maxCellSize     = 2048
	pacerIdle       = 5 * time.Second
	sendStripes     = 64
	sessionLifetime = 10 * time.Minute
)

// Config configures a Transport.
type Config struct {
	ListenAddr string
	Profile    string

	// Relay is the address of a relay used for hole punching. RelayServer
	// makes this node act as a relay for others.
	Relay       string
	RelayServer bool

	StreamMode StreamMode
	// StreamPortOffset is added to the UDP port for the QUIC listener. TCP
	// shares the UDP port number.
	StreamPortOffset int

	DirectTimeout  time.Duration
	PunchTimeout   time.Duration
	ProbeInterval  time.Duration
	RelayKeepalive time.Duration

	ReassemblyTimeout time.Duration
	MaxPartial        int
	MaxSessions       int
	InboundQueue      int
	PacerQueue        int
	FECRatio          float64
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:        "0.0.0.0:7700",
		Profile:           "none",
		StreamMode:        StreamNone,
		StreamPortOffset:  1,
		DirectTimeout:     500 * time.Millisecond,
		PunchTimeout:      3 * time.Second,
		ProbeInterval:     100 * time.Millisecond,
		RelayKeepalive:    15 * time.Second,
		ReassemblyTimeout: 5 * time.Second,
		MaxPartial:        1024,
		MaxSessions:       4096,
		InboundQueue:      256,
		PacerQueue:        256,
		FECRatio:          0.25,
	}
}

func (c Config) Validate() error {
	if _, err := ProfileByName(c.Profile); err != nil {
		return err
	}
	switch c.StreamMode {
	case "", StreamNone, StreamTCP, StreamQUIC:
	default:
		return fmt.Errorf("transport: unknown stream mode %q", c.StreamMode)
	}
	if c.DirectTimeout <= 0 || c.PunchTimeout <= 0 || c.ProbeInterval <= 0 {
		return errors.New("transport: timeouts must be positive")
	}
	if c.FECRatio <= 0 || c.FECRatio > 1 {
		return errors.New("transport: FEC ratio must be in (0, 1]")
	}
	if c.InboundQueue <= 0 || c.PacerQueue <= 0 || c.MaxPartial <= 0 || c.MaxSessions <= 0 {
		return errors.New("transport: queue and table limits must be positive")
	}
	return nil
}

// Observer receives transport events that affect peer reputation.
type Observer interface {
	PeerTimeout(id identity.NodeID)
	AuthFailure(id identity.NodeID)
}

// Inbound is an authenticated envelope delivered to a consumer.
type Inbound struct {
	From     identity.NodeID
	Addr     netip.AddrPort
	Type     EnvelopeType
	Payload  []byte
	Received time.Time
}

// Stats is a point-in-time view of transport counters.
type Stats struct {
	CellsIn           uint64
	CellsOut          uint64
	Dropped           uint64
	SendSessions      int
	RecvSessions      int
	Paths             int
	PendingReassembly int
	Observed          netip.AddrPort
}

// dest is where cells go: a datagram address, or a stream when set.
type dest struct {
	addr   netip.AddrPort
	stream *streamConn
}

type pacer struct {
	queue chan [][]byte
}

type Transport struct {
	cfg     Config
	profile Profile
	self    *identity.Identity
	keyring *identity.Keyring
	log     *zap.Logger
	metrics *metrics.Metrics

	conn      net.PacketConn
	relayAddr netip.AddrPort
	epoch     uint32
	seq       atomic.Uint64
	msgID     atomic.Uint64

	// sendOrder serializes session setup, sequence assignment and
	// enqueueing per destination stripe, so a pacer never sees seq N+1
	// before N or a sealed cell before its session hello.
	sendOrder  [sendStripes]sync.Mutex
	stripeSeed maphash.Seed
	reasm      *reassembler

	cellsIn  atomic.Uint64
	cellsOut atomic.Uint64
	dropped  atomic.Uint64

	mu           sync.Mutex
	paths        map[identity.NodeID]dest
	sendSess     map[identity.NodeID]*sendSession
	recvSess     map[uint64]*recvSession
	knowsUs      map[identity.NodeID]bool
	lastSeq      map[identity.NodeID]uint64
	pacers       map[dest]*pacer
	probes       map[uint64]*probeWaiter
	punchWait    map[identity.NodeID]chan netip.AddrPort
	registerWait []chan struct{}
	registry     map[identity.NodeID]netip.AddrPort
	resets       map[uint64]time.Time
	streams      map[*streamConn]struct{}
	observed     netip.AddrPort
	observer     Observer
	bundleGen    uint32
	bundle       []byte

	listeners []func() error

	discoveryCh chan Inbound
	consensusCh chan Inbound

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New binds cfg.ListenAddr and starts the transport.
func New(cfg Config, self *identity.Identity, keyring *identity.Keyring, logger *zap.Logger, m *metrics.Metrics) (*Transport, error) {
	conn, err := net.ListenPacket("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", cfg.ListenAddr, err)
	}
	t, err := NewWithConn(cfg, conn, self, keyring, logger, m)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return t, nil
}

// NewWithConn starts a transport on an existing packet connection. The
// transport owns conn and closes it on Close.
func NewWithConn(cfg Config, conn net.PacketConn, self *identity.Identity, keyring *identity.Keyring, logger *zap.Logger, m *metrics.Metrics) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.StreamMode == "" {
		cfg.StreamMode = StreamNone
	}
	profile, _ := ProfileByName(cfg.Profile)
	if err := validProfile(profile); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}

	var epoch [4]byte
	_, _ = rand.Read(epoch[:])
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:         cfg,
		profile:     profile,
		self:        self,
		keyring:     keyring,
		log:         logger.Named("transport"),
		metrics:     m,
		conn:        conn,
		epoch:       binary.BigEndian.Uint32(epoch[:]),
		reasm:       newReassembler(cfg.ReassemblyTimeout, cfg.MaxPartial),
		paths:       make(map[identity.NodeID]dest),
		sendSess:    make(map[identity.NodeID]*sendSession),
		recvSess:    make(map[uint64]*recvSession),
		knowsUs:     make(map[identity.NodeID]bool),
		lastSeq:     make(map[identity.NodeID]uint64),
		pacers:      make(map[dest]*pacer),
		probes:      make(map[uint64]*probeWaiter),
		punchWait:   make(map[identity.NodeID]chan netip.AddrPort),
		registry:    make(map[identity.NodeID]netip.AddrPort),
		resets:      make(map[uint64]time.Time),
		streams:     make(map[*streamConn]struct{}),
		discoveryCh: make(chan Inbound, cfg.InboundQueue),
		consensusCh: make(chan Inbound, cfg.InboundQueue),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		stripeSeed:  maphash.MakeSeed(),
	}
	t.msgID.Store(uint64(t.epoch) << 32)
	// Sequence numbers continue across restarts: a receiver that saw an
	// earlier run rejects envelopes replayed from it.
	t.seq.Store(uint64(time.Now().UnixNano()))

	if cfg.Relay != "" {
		ua, err := net.ResolveUDPAddr("udp", cfg.Relay)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("transport: resolve relay %s: %w", cfg.Relay, err)
		}
		t.relayAddr = normalize(ua.AddrPort())
	}
	if cfg.StreamMode != StreamNone {
		if err := t.listenStream(); err != nil {
			cancel()
			return nil, err
		}
	}

	t.wg.Add(2)
	go t.readLoop()
	go t.janitor()
	if t.relayAddr.IsValid() && cfg.RelayKeepalive > 0 {
		t.wg.Add(1)
		go t.keepalive()
	}
	t.log.Info("transport started",
		zap.Stringer("addr", t.LocalAddr()),
		zap.String("profile", profile.Name),
		zap.String("stream", string(cfg.StreamMode)),
		zap.Bool("relay_server", cfg.RelayServer))
	return t, nil
}

// Close stops every goroutine and closes the socket and streams.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.cancel()
		err = t.conn.Close()
		for _, closeListener := range t.listeners {
			_ = closeListener()
		}
		t.mu.Lock()
		streams := make([]*streamConn, 0, len(t.streams))
		for sc := range t.streams {
			streams = append(streams, sc)
		}
		t.mu.Unlock()
		for _, sc := range streams {
			sc.Close()
		}
		t.wg.Wait()
	})
	return err
}

func normalize(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func addrPortOf(a net.Addr) (netip.AddrPort, bool) {
	switch v := a.(type) {
	case *net.UDPAddr:
		return normalize(v.AddrPort()), true
	case *net.TCPAddr:
		return normalize(v.AddrPort()), true
	default:
		ap, err := netip.ParseAddrPort(a.String())
		if err != nil {
			return netip.AddrPort{}, false
		}
		return normalize(ap), true
	}
}

func (t *Transport) LocalAddr() netip.AddrPort {
	ap, _ := addrPortOf(t.conn.LocalAddr())
	return ap
}

// Observed is our address as last reported by the relay.
func (t *Transport) Observed() netip.AddrPort {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.observed
}

func (t *Transport) Profile() Profile { return t.profile }

func (t *Transport) Epoch() uint32 { return t.epoch }

func (t *Transport) SetObserver(o Observer) {
	t.mu.Lock()
	t.observer = o
	t.mu.Unlock()
}

// Discovery delivers authenticated discovery envelopes.
func (t *Transport) Discovery() <-chan Inbound { return t.discoveryCh }

// Consensus delivers authenticated consensus envelopes.
func (t *Transport) Consensus() <-chan Inbound { return t.consensusCh }

// Path returns the address of the last authenticated path to id.
func (t *Transport) Path(id identity.NodeID) (netip.AddrPort, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.paths[id]
	return d.addr, ok
}

// Forget drops sessions, paths and sequencing state for id.
func (t *Transport) Forget(id identity.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.paths, id)
	delete(t.sendSess, id)
	delete(t.knowsUs, id)
	delete(t.lastSeq, id)
	for sid, rs := range t.recvSess {
		if rs.from == id {
			delete(t.recvSess, sid)
		}
	}
}

func (t *Transport) Stats() Stats {
	t.mu.Lock()
	s := Stats{
		SendSessions: len(t.sendSess),
		RecvSessions: len(t.recvSess),
		Paths:        len(t.paths),
		Observed:     t.observed,
	}
	t.mu.Unlock()
	s.CellsIn = t.cellsIn.Load()
	s.CellsOut = t.cellsOut.Load()
	s.Dropped = t.dropped.Load()
	s.PendingReassembly = t.reasm.pending()
	return s
}

// Connect establishes a path to id: a direct probe to addr first, then a
// relay-coordinated hole punch, then the stream fallback.
func (t *Transport) Connect(ctx context.Context, id identity.NodeID, addr netip.AddrPort) error {
	if id.IsZero() || id == t.self.ID() {
		return ErrNoRoute
	}
	if addr.IsValid() {
		dctx, cancel := context.WithTimeout(ctx, t.cfg.DirectTimeout)
		err := t.probe(dctx, id, dest{addr: normalize(addr)})
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrClosed) {
			return err
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if t.relayAddr.IsValid() {
		err := t.punch(ctx, id)
		if err == nil {
			return nil
		}
		t.log.Debug("hole punch failed", zap.String("peer", id.Short()), zap.Error(err))
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if t.cfg.StreamMode != StreamNone && addr.IsValid() {
		err := t.connectStream(ctx, id, normalize(addr))
		if err == nil {
			return nil
		}
		t.log.Debug("stream fallback failed", zap.String("peer", id.Short()), zap.Error(err))
	}

	t.mu.Lock()
	obs := t.observer
	t.mu.Unlock()
	if obs != nil {
		obs.PeerTimeout(id)
	}
	return ErrTimeout
}

// Send signs payload into an envelope of type typ and queues it for to. A
// zero to sends a plain envelope to addr; this is how first contact with an
// unknown node id works. A known path to the peer takes precedence over addr.
func (t *Transport) Send(ctx context.Context, to identity.NodeID, addr netip.AddrPort, typ EnvelopeType, payload []byte) error {
	if typ != TypeDiscovery && typ != TypeConsensus {
		return fmt.Errorf("transport: cannot send %s envelopes", typ)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	d, ok := t.route(to, addr)
	if !ok {
		return ErrNoRoute
	}
	return t.dispatch(to, d, typ, payload, false)
}

func (t *Transport) route(to identity.NodeID, addr netip.AddrPort) (dest, bool) {
	if !to.IsZero() {
		t.mu.Lock()
		d, ok := t.paths[to]
		t.mu.Unlock()
		if ok && (d.stream == nil || !d.stream.isClosed()) {
			return d, true
		}
	}
	if addr.IsValid() {
		return dest{addr: normalize(addr)}, true
	}
	return dest{}, false
}

func (t *Transport) setPath(id identity.NodeID, d dest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.paths[id]; ok && cur.stream != nil && !cur.stream.isClosed() && d.stream == nil {
		return
	}
	t.paths[id] = d
}

func (t *Transport) encodedBundle() []byte {
	gen := t.self.Generation()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bundle == nil || t.bundleGen != gen {
		b, err := t.self.Bundle().Encode()
		if err != nil {
			t.log.Error("encode bundle", zap.Error(err))
			return nil
		}
		t.bundle, t.bundleGen = b, gen
	}
	return t.bundle
}

// ensureSession returns the id of the send session to peer, creating one
// when the peer's KEM key is known. Zero means no session.
func (t *Transport) ensureSession(peer identity.NodeID) uint64 {
	s, _, err := t.sessionFor(peer)
	if err != nil || s == nil {
		return 0
	}
	return s.id
}

func (t *Transport) sessionFor(peer identity.NodeID) (*sendSession, bool, error) {
	if peer.IsZero() || !t.keyring.Known(peer) {
		return nil, false, nil
	}
	t.mu.Lock()
	s := t.sendSess[peer]
	t.mu.Unlock()
	if s != nil && time.Since(s.created) < sessionLifetime {
		return s, false, nil
	}
	s, err := newSendSession(t.self.ID(), peer, t.keyring)
	if err != nil {
		return nil, false, err
	}
	t.mu.Lock()
	t.sendSess[peer] = s
	t.mu.Unlock()
	return s, true, nil
}

func (t *Transport) hasRecvSession(sid uint64, from identity.NodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs, ok := t.recvSess[sid]
	return ok && rs.from == from
}

// dispatch runs the send pipeline: sign, pad, fragment, seal and queue.
// Control envelopes always travel in plain cells.
func (t *Transport) dispatch(to identity.NodeID, d dest, typ EnvelopeType, payload []byte, withHello bool) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}

	order := &t.sendOrder[maphash.Comparable(t.stripeSeed, d)%sendStripes]
	order.Lock()
	defer order.Unlock()

	var (
		sess  *sendSession
		cells [][]byte
	)
	if !typ.control() || withHello {
		s, fresh, err := t.sessionFor(to)
		if err != nil {
			t.log.Debug("session setup failed", zap.String("peer", to.Short()), zap.Error(err))
		}
		if s != nil && (fresh || withHello) {
			cells = append(cells, buildHello(t.self.ID(), s))
		}
		if !typ.control() {
			sess = s
		}
	}

	env := &Envelope{
		Type:    typ,
		Epoch:   t.epoch,
		Seq:     t.seq.Add(1),
		From:    t.self.ID(),
		Payload: payload,
	}
	t.mu.Lock()
	known := !to.IsZero() && t.knowsUs[to]
	t.mu.Unlock()
	if !known {
		env.Bundle = t.encodedBundle()
	}
	env.Signature = t.self.Sign(identity.ContextEnvelope, env.signedBytes())

	size := env.unpaddedSize()
	target, cellSize := t.profile.sizeClass(size)
	env.Padding = randomFill(target - size)
	frags, err := fragmentEnvelope(t.msgID.Add(1), env.Marshal(), cellSize, t.cfg.FECRatio)
	if err != nil {
		return err
	}
	for _, f := range frags {
		cells = append(cells, buildCell(f, cellSize, sess))
	}
	if err := t.enqueue(d, cells); err != nil {
		return err
	}
	t.metrics.EnvelopesSent.WithLabelValues(typ.String()).Inc()
	return nil
}

func (t *Transport) enqueue(d dest, cells [][]byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pacers[d]
	if !ok {
		p = &pacer{queue: make(chan [][]byte, t.cfg.PacerQueue)}
		t.pacers[d] = p
		t.wg.Add(1)
		go t.runPacer(d, p)
	}
	select {
	case p.queue <- cells:
		return nil
	default:
		t.drop("queue_full")
		return ErrQueueFull
	}
}

// runPacer writes queued envelopes to one destination in FIFO order, each
// after the profile's randomized delay. It exits after sitting idle.
func (t *Transport) runPacer(d dest, p *pacer) {
	defer t.wg.Done()
	idle := time.NewTimer(pacerIdle)
	defer idle.Stop()
	for {
		select {
		case <-t.done:
			return
		case cells := <-p.queue:
			if delay := t.profile.SampleDelay(); delay > 0 {
				t.metrics.ShapingDelay.Observe(delay.Seconds())
				timer := time.NewTimer(delay)
				select {
				case <-timer.C:
				case <-t.done:
					timer.Stop()
					return
				}
			}
			for _, c := range cells {
				if err := t.writeCell(d, c); err != nil {
					t.log.Debug("write cell", zap.Stringer("addr", d.addr), zap.Error(err))
					t.drop("write")
					break
				}
			}
			idle.Reset(pacerIdle)
		case <-idle.C:
			t.mu.Lock()
			if len(p.queue) > 0 {
				t.mu.Unlock()
				idle.Reset(pacerIdle)
				continue
			}
			delete(t.pacers, d)
			t.mu.Unlock()
			return
		}
	}
}

func (t *Transport) writeCell(d dest, cell []byte) error {
	var err error
	if d.stream != nil {
		err = d.stream.writeFrame(Frame{Type: FrameCell, Payload: cell})
	} else {
		_, err = t.conn.WriteTo(cell, net.UDPAddrFromAddrPort(d.addr))
	}
	if err == nil {
		t.cellsOut.Add(1)
	}
	return err
}

func (t *Transport) drop(reason string) {
	t.dropped.Add(1)
	t.metrics.EnvelopesDropped.WithLabelValues(reason).Inc()
}

func (t *Transport) readLoop() {
	defer t.wg.Done()
	buf := make([]byte, maxCellSize)
	for {
		n, from, err := t.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.log.Debug("read", zap.Error(err))
			continue
		}
		src, ok := addrPortOf(from)
		if !ok {
			continue
		}
		cell := make([]byte, n)
		copy(cell, buf[:n])
		t.handleCell(cell, dest{addr: src})
	}
}

// handleCell opens one cell and, once its envelope is complete, verifies and
// routes it. Anything that fails is dropped and counted.
func (t *Transport) handleCell(cell []byte, src dest) {
	t.cellsIn.Add(1)
	if len(cell) < cellHeaderSize+cellOverhead {
		t.drop("malformed")
		return
	}
	sid := binary.BigEndian.Uint64(cell[1:cellHeaderSize])

	var (
		body []byte
		sess *recvSession
	)
	switch cell[0] {
	case cellHello:
		h, err := parseHello(cell)
		if err != nil {
			t.drop("malformed")
			return
		}
		rs, err := acceptHello(t.self, h)
		if err != nil {
			t.drop("hello")
			t.log.Debug("hello rejected", zap.String("peer", h.from.Short()), zap.Error(err))
			return
		}
		t.storeRecvSession(rs)
		return
	case cellSealed:
		t.mu.Lock()
		sess = t.recvSess[sid]
		t.mu.Unlock()
		if sess == nil {
			t.drop("unknown_session")
			t.resetSession(src, sid)
			return
		}
		plain, err := sess.aead.Open(cell[cellHeaderSize:], cell[:cellHeaderSize])
		if err != nil {
			t.drop("open")
			return
		}
		body = plain
	case cellPlain:
		body = cell[cellHeaderSize : len(cell)-cellOverhead]
	default:
		t.drop("malformed")
		return
	}

	f, err := parseFragment(body)
	if err != nil {
		t.drop("malformed")
		return
	}
	msg, err := t.reasm.add(src.addr, f)
	if err != nil {
		t.drop("reassembly")
		return
	}
	if msg == nil {
		return
	}
	env, err := UnmarshalEnvelope(msg)
	if err != nil {
		t.drop("malformed")
		return
	}
	t.handleEnvelope(env, src, sess)
}

func (t *Transport) storeRecvSession(rs *recvSession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.recvSess) >= t.cfg.MaxSessions {
		var (
			oldest uint64
			at     time.Time
		)
		for sid, s := range t.recvSess {
			if oldest == 0 || s.created.Before(at) {
				oldest, at = sid, s.created
			}
		}
		delete(t.recvSess, oldest)
	}
	t.recvSess[rs.id] = rs
}

func (t *Transport) authFailure(from identity.NodeID, err error) {
	t.metrics.AuthFailures.Inc()
	t.drop("auth")
	t.log.Debug("envelope rejected", zap.String("peer", from.Short()), zap.Error(err))
	t.mu.Lock()
	obs := t.observer
	t.mu.Unlock()
	if obs != nil && t.keyring.Known(from) {
		obs.AuthFailure(from)
	}
}

func (t *Transport) handleEnvelope(env *Envelope, src dest, sess *recvSession) {
	if env.From == t.self.ID() {
		t.drop("self")
		return
	}
	if len(env.Bundle) > 0 {
		b, err := identity.DecodeBundle(env.Bundle)
		if err != nil {
			t.authFailure(env.From, err)
			return
		}
		id, err := t.keyring.Add(b)
		if err != nil {
			t.authFailure(env.From, err)
			return
		}
		if id != env.From {
			t.authFailure(env.From, identity.ErrInvalidBundle)
			return
		}
	}
	if err := t.keyring.Verify(env.From, identity.ContextEnvelope, env.signedBytes(), env.Signature); err != nil {
		t.authFailure(env.From, err)
		return
	}
	if sess != nil && sess.from != env.From {
		t.authFailure(env.From, identity.ErrAuthenticationFailure)
		return
	}

	t.mu.Lock()
	if sess != nil {
		t.knowsUs[env.From] = true
	}
	if !env.Type.control() {
		if env.Seq <= t.lastSeq[env.From] {
			t.mu.Unlock()
			t.drop("replay")
			return
		}
		t.lastSeq[env.From] = env.Seq
	}
	t.mu.Unlock()
	t.setPath(env.From, src)

	switch env.Type {
	case TypeProbe:
		t.onProbe(env, src)
	case TypeProbeAck:
		t.onProbeAck(env, src)
	case TypeRelay:
		t.onRelay(env, src)
	default:
		t.deliver(env, src)
	}
}

func (t *Transport) deliver(env *Envelope, src dest) {
	in := Inbound{
		From:     env.From,
		Addr:     src.addr,
		Type:     env.Type,
		Payload:  env.Payload,
		Received: time.Now(),
	}
	ch := t.discoveryCh
	if env.Type == TypeConsensus {
		ch = t.consensusCh
	}
	select {
	case ch <- in:
		t.metrics.EnvelopesReceived.WithLabelValues(env.Type.String()).Inc()
	default:
		t.drop("inbound_full")
	}
}

func (t *Transport) janitor() {
	defer t.wg.Done()
	interval := t.cfg.ReassemblyTimeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if n := t.reasm.expire(); n > 0 {
				for i := 0; i < n; i++ {
					t.drop("reassembly_timeout")
				}
			}
			now := time.Now()
			t.mu.Lock()
			for sid, rs := range t.recvSess {
				if now.Sub(rs.created) > 2*sessionLifetime {
					delete(t.recvSess, sid)
				}
			}
			for sid, at := range t.resets {
				if now.Sub(at) > time.Minute {
					delete(t.resets, sid)
				}
			}
			t.mu.Unlock()
		}
	}
}

// keepalive re-registers with the relay so the NAT mapping towards it stays
// open.
func (t *Transport) keepalive() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.RelayKeepalive)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			_ = t.sendControl(identity.NodeID{}, dest{addr: t.relayAddr}, TypeRelay, controlMsg{Op: relayRegister}, false)
		}
	}
}
