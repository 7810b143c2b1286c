package mesh

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/TheusHen/meshcore/mesh/consensus"
	"github.com/TheusHen/meshcore/mesh/control"
	"github.com/TheusHen/meshcore/mesh/discovery"
	"github.com/TheusHen/meshcore/mesh/identity"
	"github.com/TheusHen/meshcore/mesh/metrics"
	"github.com/TheusHen/meshcore/mesh/routing"
	"github.com/TheusHen/meshcore/mesh/transport"
)

const (
	identityDir   = "identity"
	consensusDir  = "consensus"
	snapshotFile  = "routing.snap"
	connectWindow = 5 * time.Second
)

// Node is one mesh participant: identity, transport, routing table,
// discovery, consensus and, optionally, the control surface.
type Node struct {
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Metrics

	self      *identity.Identity
	keyring   *identity.Keyring
	transport *transport.Transport
	table     *routing.Table
	discovery *discovery.Service
	consensus *consensus.Engine
	storage   consensus.Storage

	connMu     sync.Mutex
	connecting map[identity.NodeID]bool
	runCtx     context.Context
}

// NewNode builds every subsystem from cfg, loading the identity from
// DataDir or generating a fresh one. reg may be nil.
func NewNode(cfg Config, logger *zap.Logger, reg *prometheus.Registry) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var dir string
	if cfg.DataDir != "" {
		dir = filepath.Join(cfg.DataDir, identityDir)
	}
	self, err := identity.LoadOrGenerate(dir, cfg.KeyAlgorithm, cfg.KeyValidity)
	if err != nil {
		return nil, fmt.Errorf("mesh: identity: %w", err)
	}
	return NewNodeWithIdentity(cfg, self, logger, reg)
}

// NewNodeWithIdentity is NewNode with a caller-supplied identity.
func NewNodeWithIdentity(cfg Config, self *identity.Identity, logger *zap.Logger, reg *prometheus.Registry) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Node{
		cfg:        cfg,
		log:        logger,
		metrics:    metrics.New(reg),
		self:       self,
		keyring:    identity.NewKeyring(),
		connecting: make(map[identity.NodeID]bool),
		runCtx:     context.Background(),
	}
	if _, err := n.keyring.Add(n.self.Bundle()); err != nil {
		return nil, err
	}

	var err error
	n.transport, err = transport.New(cfg.Transport, n.self, n.keyring, logger, n.metrics)
	if err != nil {
		return nil, err
	}

	rcfg := routing.DefaultConfig()
	rcfg.K = cfg.Discovery.K
	n.table = routing.NewTable(n.self.ID(), rcfg)
	if p := n.path(snapshotFile); p != "" {
		placed, err := n.table.LoadSnapshot(p)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			logger.Warn("ignoring unreadable routing snapshot", zap.String("path", p), zap.Error(err))
		default:
			logger.Info("routing snapshot restored", zap.Int("peers", placed))
		}
	}
	n.discovery = discovery.New(cfg.Discovery, n.self, n.keyring, n.table, discovery.TransportLink(n.transport), logger, n.metrics)
	n.transport.SetObserver(n.discovery)

	if dir := n.path(consensusDir); dir != "" {
		n.storage, err = consensus.OpenFileStorage(dir)
		if err != nil {
			n.transport.Close()
			return nil, fmt.Errorf("mesh: consensus storage: %w", err)
		}
	} else {
		n.storage = consensus.NewMemoryStorage()
	}

	ccfg := cfg.Consensus
	ccfg.Members = append([]identity.NodeID{n.self.ID()}, cfg.Peers...)
	n.consensus, err = consensus.New(ccfg, n.self, n.keyring, n.storage, consensusLink{n: n}, logger, n.metrics)
	if err != nil {
		n.storage.Close()
		n.transport.Close()
		return nil, err
	}
	return n, nil
}

func (n *Node) path(name string) string {
	if n.cfg.DataDir == "" {
		return ""
	}
	return filepath.Join(n.cfg.DataDir, name)
}

func (n *Node) ID() identity.NodeID                        { return n.self.ID() }
func (n *Node) Identity() *identity.Identity               { return n.self }
func (n *Node) Transport() *transport.Transport            { return n.transport }
func (n *Node) Table() *routing.Table                      { return n.table }
func (n *Node) Discovery() *discovery.Service              { return n.discovery }
func (n *Node) Consensus() *consensus.Engine               { return n.consensus }
func (n *Node) Metrics() *metrics.Metrics                  { return n.metrics }
func (n *Node) LocalAddr() netip.AddrPort                  { return n.transport.LocalAddr() }
func (n *Node) View() consensus.MembershipView             { return n.consensus.View() }
func (n *Node) Status() consensus.Status                   { return n.consensus.Status() }
func (n *Node) Events() <-chan discovery.Event             { return n.discovery.Events() }
func (n *Node) Subscribe() <-chan consensus.MembershipView { return n.consensus.Subscribe() }

// Health lists the routing table with each peer's consensus membership.
func (n *Node) Health() []control.PeerHealth {
	view := n.consensus.View()
	recs := n.table.All()
	out := make([]control.PeerHealth, 0, len(recs))
	for _, r := range recs {
		out = append(out, control.PeerHealth{
			ID:          r.NodeID,
			Addr:        r.Addr.String(),
			RTT:         r.RTT,
			Reliability: r.Reliability,
			LastSeen:    r.LastSeen,
			Member:      view.IsMember(r.NodeID),
		})
	}
	return out
}

// Propose submits a mesh-state mutation. With wait set it returns once the
// command is applied locally.
func (n *Node) Propose(ctx context.Context, cmd consensus.Command, wait bool) (consensus.Proposal, error) {
	if wait {
		return n.consensus.Commit(ctx, cmd)
	}
	return n.consensus.Propose(ctx, cmd)
}

// Run starts every subsystem and blocks until ctx ends or one of them
// fails. A consensus safety violation ends Run with that error.
func (n *Node) Run(ctx context.Context) error {
	defer n.shutdown()
	g, ctx := errgroup.WithContext(ctx)

	var srv *control.Server
	if n.cfg.ControlAddr != "" {
		var err error
		srv, err = control.Listen(ctx, n.cfg.ControlAddr, n, n.cfg.ControlTimeout, n.log)
		if err != nil {
			return err
		}
		n.log.Info("control surface listening", zap.Stringer("addr", srv.Addr()))
		g.Go(srv.Serve)
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
	}

	n.connMu.Lock()
	n.runCtx = ctx
	n.connMu.Unlock()

	g.Go(func() error { return n.discovery.Run(ctx) })
	g.Go(func() error { return n.consensus.Run(ctx) })
	g.Go(func() error { return n.pumpConsensus(ctx) })
	g.Go(func() error { return n.followView(ctx) })
	g.Go(func() error {
		if len(n.cfg.Discovery.Bootstrap) == 0 {
			return nil
		}
		if err := n.discovery.Bootstrap(ctx, n.cfg.Discovery.Bootstrap); err != nil {
			n.log.Warn("bootstrap failed", zap.Error(err))
		}
		return nil
	})
	n.log.Info("mesh node running",
		zap.String("node", n.self.ID().String()),
		zap.Stringer("addr", n.transport.LocalAddr()),
		zap.Int("members", len(n.consensus.View().Members)))
	return g.Wait()
}

func (n *Node) shutdown() {
	if p := n.path(snapshotFile); p != "" {
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err == nil {
			if err := n.table.SaveSnapshot(p); err != nil {
				n.log.Warn("saving routing snapshot failed", zap.Error(err))
			}
		}
	}
	if err := n.transport.Close(); err != nil {
		n.log.Debug("closing transport", zap.Error(err))
	}
	if err := n.storage.Close(); err != nil {
		n.log.Warn("closing consensus storage", zap.Error(err))
	}
}

// pumpConsensus feeds authenticated consensus envelopes to the engine.
func (n *Node) pumpConsensus(ctx context.Context) error {
	in := n.transport.Consensus()
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt, ok := <-in:
			if !ok {
				return nil
			}
			n.consensus.Step(pkt.From, pkt.Payload)
		}
	}
}

// followView pushes exclusions from the agreed view into discovery and the
// transport, so excluded nodes are evicted and never contacted again.
func (n *Node) followView(ctx context.Context) error {
	views := n.consensus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case v := <-views:
			if len(v.Excluded) == 0 {
				continue
			}
			n.discovery.ApplyExclusions(v.Excluded)
			for _, id := range v.Excluded {
				n.transport.Forget(id)
			}
		}
	}
}

// route picks an address for id: the live transport path, then the routing
// table, then a routing hint from the agreed view.
func (n *Node) route(id identity.NodeID) (netip.AddrPort, bool) {
	if ap, ok := n.transport.Path(id); ok && ap.IsValid() {
		return ap, true
	}
	if rec, ok := n.table.Get(id); ok && rec.Addr.IsValid() {
		return rec.Addr, true
	}
	if hint, ok := n.consensus.View().Hints[id]; ok {
		if ap, err := netip.ParseAddrPort(hint); err == nil {
			return ap, true
		}
	}
	return netip.AddrPort{}, false
}

// connect opens a path to id in the background, at most once at a time.
func (n *Node) connect(id identity.NodeID) {
	n.connMu.Lock()
	if n.connecting[id] {
		n.connMu.Unlock()
		return
	}
	n.connecting[id] = true
	ctx := n.runCtx
	n.connMu.Unlock()

	addr, _ := n.route(id)
	go func() {
		defer func() {
			n.connMu.Lock()
			delete(n.connecting, id)
			n.connMu.Unlock()
		}()
		cctx, cancel := context.WithTimeout(ctx, connectWindow)
		defer cancel()
		if err := n.transport.Connect(cctx, id, addr); err != nil {
			n.log.Debug("connect failed", zap.String("peer", id.Short()), zap.Error(err))
		}
	}()
}

// consensusLink carries consensus messages as TypeConsensus envelopes.
type consensusLink struct {
	n *Node
}

func (l consensusLink) Send(ctx context.Context, to identity.NodeID, msg []byte) error {
	addr, ok := l.n.route(to)
	if !ok {
		l.n.connect(to)
		return transport.ErrNoRoute
	}
	err := l.n.transport.Send(ctx, to, addr, transport.TypeConsensus, msg)
	if errors.Is(err, transport.ErrNoRoute) {
		l.n.connect(to)
	}
	return err
}
