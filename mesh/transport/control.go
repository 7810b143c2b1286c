package transport

import (
	"context"
	"encoding/json"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/TheusHen/meshcore/mesh/identity"
)

// Relay operations.
const (
	relayRegister = "register"
	relayObserved = "observed"
	relayConnect  = "connect"
	relayPeer     = "peer"
)

// controlMsg is the JSON payload of probe, probe-ack and relay envelopes.
type controlMsg struct {
	Op        string          `json:"op,omitempty"`
	Nonce     uint64          `json:"nonce,omitempty"`
	Session   uint64          `json:"session,omitempty"`
	SessionOK bool            `json:"session_ok,omitempty"`
	Reset     uint64          `json:"reset,omitempty"`
	Target    identity.NodeID `json:"target,omitzero"`
	Addr      string          `json:"addr,omitempty"`
}

type probeResult struct {
	from identity.NodeID
	dst  dest
}

type probeWaiter struct {
	peer identity.NodeID
	ch   chan probeResult
}

func (t *Transport) sendControl(to identity.NodeID, d dest, typ EnvelopeType, msg controlMsg, withHello bool) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return t.dispatch(to, d, typ, payload, withHello)
}

// probe sends probes to id over d until an authenticated ack arrives. Each
// probe re-sends our session hello so the ack can confirm the session.
func (t *Transport) probe(ctx context.Context, id identity.NodeID, d dest) error {
	nonce := newSessionID()
	w := &probeWaiter{peer: id, ch: make(chan probeResult, 1)}
	t.mu.Lock()
	t.probes[nonce] = w
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.probes, nonce)
		t.mu.Unlock()
	}()

	ticker := time.NewTicker(t.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		msg := controlMsg{Nonce: nonce, Session: t.ensureSession(id)}
		if err := t.sendControl(id, d, TypeProbe, msg, true); err != nil {
			t.log.Debug("probe send failed", zap.String("peer", id.Short()), zap.Error(err))
		}
		select {
		case res := <-w.ch:
			t.setPath(res.from, res.dst)
			return nil
		case <-ticker.C:
		case <-ctx.Done():
			return ErrTimeout
		case <-t.done:
			return ErrClosed
		}
	}
}

func (t *Transport) onProbe(env *Envelope, d dest) {
	var msg controlMsg
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		t.drop("malformed")
		return
	}
	ack := controlMsg{
		Nonce:     msg.Nonce,
		SessionOK: msg.Session == 0 || t.hasRecvSession(msg.Session, env.From),
		Addr:      d.addr.String(),
	}
	if err := t.sendControl(env.From, d, TypeProbeAck, ack, false); err != nil {
		t.log.Debug("probe ack failed", zap.String("peer", env.From.Short()), zap.Error(err))
	}
}

func (t *Transport) onProbeAck(env *Envelope, d dest) {
	var msg controlMsg
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		t.drop("malformed")
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if s := t.sendSess[env.From]; s != nil && (msg.Reset == s.id || (msg.Nonce != 0 && !msg.SessionOK)) {
		delete(t.sendSess, env.From)
		delete(t.knowsUs, env.From)
	}
	if msg.Nonce == 0 {
		return
	}
	w, ok := t.probes[msg.Nonce]
	if !ok || (!w.peer.IsZero() && w.peer != env.From) {
		return
	}
	select {
	case w.ch <- probeResult{from: env.From, dst: d}:
	default:
	}
}

// resetSession tells the sender of a sealed cell we cannot open that its
// session is gone. Resets are rate limited per session id.
func (t *Transport) resetSession(d dest, sid uint64) {
	now := time.Now()
	t.mu.Lock()
	if last, ok := t.resets[sid]; ok && now.Sub(last) < time.Second {
		t.mu.Unlock()
		return
	}
	t.resets[sid] = now
	t.mu.Unlock()
	_ = t.sendControl(identity.NodeID{}, d, TypeProbeAck, controlMsg{Reset: sid}, false)
}

func (t *Transport) onRelay(env *Envelope, d dest) {
	var msg controlMsg
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		t.drop("malformed")
		return
	}
	fromRelay := d.stream == nil && t.relayAddr.IsValid() && d.addr == t.relayAddr

	switch msg.Op {
	case relayRegister:
		if !t.cfg.RelayServer {
			return
		}
		t.mu.Lock()
		t.registry[env.From] = d.addr
		t.mu.Unlock()
		_ = t.sendControl(env.From, d, TypeRelay, controlMsg{Op: relayObserved, Addr: d.addr.String()}, false)

	case relayConnect:
		if !t.cfg.RelayServer {
			return
		}
		t.mu.Lock()
		t.registry[env.From] = d.addr
		target, ok := t.registry[msg.Target]
		t.mu.Unlock()
		if !ok {
			t.log.Debug("relay target not registered", zap.String("target", msg.Target.Short()))
			return
		}
		_ = t.sendControl(msg.Target, dest{addr: target}, TypeRelay,
			controlMsg{Op: relayPeer, Target: env.From, Addr: d.addr.String()}, false)
		_ = t.sendControl(env.From, d, TypeRelay,
			controlMsg{Op: relayPeer, Target: msg.Target, Addr: target.String()}, false)

	case relayObserved:
		if !fromRelay {
			return
		}
		addr, err := netip.ParseAddrPort(msg.Addr)
		if err != nil {
			return
		}
		t.mu.Lock()
		t.observed = addr
		waiters := t.registerWait
		t.registerWait = nil
		t.mu.Unlock()
		for _, ch := range waiters {
			close(ch)
		}

	case relayPeer:
		if !fromRelay || msg.Target.IsZero() {
			return
		}
		addr, err := netip.ParseAddrPort(msg.Addr)
		if err != nil {
			return
		}
		t.mu.Lock()
		ch, waiting := t.punchWait[msg.Target]
		t.mu.Unlock()
		if waiting {
			select {
			case ch <- addr:
			default:
			}
			return
		}
		// The other side asked for the punch; probe towards it as well.
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			ctx, cancel := context.WithTimeout(t.ctx, t.cfg.PunchTimeout)
			defer cancel()
			if err := t.probe(ctx, msg.Target, dest{addr: addr}); err != nil {
				t.log.Debug("passive punch failed", zap.String("peer", msg.Target.Short()), zap.Error(err))
			}
		}()
	}
}

// Register announces this node to the configured relay and waits for the
// relay to report our observed address.
func (t *Transport) Register(ctx context.Context) (netip.AddrPort, error) {
	if !t.relayAddr.IsValid() {
		return netip.AddrPort{}, ErrNoRelay
	}
	ch := make(chan struct{})
	t.mu.Lock()
	t.registerWait = append(t.registerWait, ch)
	t.mu.Unlock()

	ticker := time.NewTicker(t.cfg.ProbeInterval * 4)
	defer ticker.Stop()
	for {
		if err := t.sendControl(identity.NodeID{}, dest{addr: t.relayAddr}, TypeRelay, controlMsg{Op: relayRegister}, false); err != nil {
			return netip.AddrPort{}, err
		}
		select {
		case <-ch:
			return t.Observed(), nil
		case <-ticker.C:
		case <-ctx.Done():
			return netip.AddrPort{}, ErrTimeout
		case <-t.done:
			return netip.AddrPort{}, ErrClosed
		}
	}
}

// punch asks the relay to introduce us to id and probes the address it
// reports until the direct path opens.
func (t *Transport) punch(ctx context.Context, id identity.NodeID) error {
	t.metrics.PunchAttempts.Inc()
	ctx, cancel := context.WithTimeout(ctx, t.cfg.PunchTimeout)
	defer cancel()

	ch := make(chan netip.AddrPort, 1)
	t.mu.Lock()
	t.punchWait[id] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.punchWait, id)
		t.mu.Unlock()
	}()

	ticker := time.NewTicker(t.cfg.ProbeInterval * 4)
	defer ticker.Stop()
	var peer netip.AddrPort
wait:
	for {
		if err := t.sendControl(identity.NodeID{}, dest{addr: t.relayAddr}, TypeRelay, controlMsg{Op: relayConnect, Target: id}, false); err != nil {
			return err
		}
		select {
		case peer = <-ch:
			break wait
		case <-ticker.C:
		case <-ctx.Done():
			return ErrTimeout
		case <-t.done:
			return ErrClosed
		}
	}

	if err := t.probe(ctx, id, dest{addr: peer}); err != nil {
		return err
	}
	t.metrics.PunchSuccesses.Inc()
	t.log.Debug("hole punched", zap.String("peer", id.Short()), zap.Stringer("addr", peer))
	return nil
}
