package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/TheusHen/meshcore/mesh/identity"
)

// streamConn carries framed cells over a TCP connection or a QUIC stream.
type streamConn struct {
	rwc    io.ReadWriteCloser
	remote netip.AddrPort
	closer func() error

	wmu    sync.Mutex
	closed atomic.Bool
}

func (s *streamConn) writeFrame(f Frame) error {
	if s.isClosed() {
		return net.ErrClosed
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return WriteFrame(s.rwc, f)
}

func (s *streamConn) isClosed() bool { return s.closed.Load() }

func (s *streamConn) Close() {
	if s.closed.Swap(true) {
		return
	}
	_ = s.rwc.Close()
	if s.closer != nil {
		_ = s.closer()
	}
}

func streamAddr(udp netip.AddrPort, mode StreamMode, offset int) string {
	port := int(udp.Port())
	if mode == StreamQUIC {
		port += offset
	}
	return net.JoinHostPort(udp.Addr().String(), strconv.Itoa(port))
}

func (t *Transport) listenStream() error {
	local := t.LocalAddr()
	addr := streamAddr(local, t.cfg.StreamMode, t.cfg.StreamPortOffset)
	switch t.cfg.StreamMode {
	case StreamTCP:
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		t.listeners = append(t.listeners, ln.Close)
		t.wg.Add(1)
		go t.acceptTCP(ln)
	case StreamQUIC:
		tlsConf, err := serverTLS(t.self.ID())
		if err != nil {
			return err
		}
		ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
		if err != nil {
			return err
		}
		t.listeners = append(t.listeners, ln.Close)
		t.wg.Add(1)
		go t.acceptQUIC(ln)
	}
	return nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: 10 * time.Second,
		MaxIdleTimeout:  time.Minute,
	}
}

func (t *Transport) acceptTCP(ln net.Listener) {
	defer t.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		remote, _ := addrPortOf(conn.RemoteAddr())
		t.serveStream(&streamConn{rwc: conn, remote: remote})
	}
}

func (t *Transport) acceptQUIC(ln *quic.Listener) {
	defer t.wg.Done()
	for {
		conn, err := ln.Accept(t.ctx)
		if err != nil {
			return
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			ctx, cancel := context.WithTimeout(t.ctx, t.cfg.PunchTimeout)
			str, err := conn.AcceptStream(ctx)
			cancel()
			if err != nil {
				_ = conn.CloseWithError(0, "no stream")
				return
			}
			remote, _ := addrPortOf(conn.RemoteAddr())
			t.serveStream(&streamConn{
				rwc:    str,
				remote: remote,
				closer: func() error { return conn.CloseWithError(0, "") },
			})
		}()
	}
}

func (t *Transport) dialStream(ctx context.Context, udp netip.AddrPort) (*streamConn, error) {
	addr := streamAddr(udp, t.cfg.StreamMode, t.cfg.StreamPortOffset)
	switch t.cfg.StreamMode {
	case StreamTCP:
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		remote, _ := addrPortOf(conn.RemoteAddr())
		return &streamConn{rwc: conn, remote: remote}, nil
	case StreamQUIC:
		tlsConf, err := clientTLS()
		if err != nil {
			return nil, err
		}
		conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
		if err != nil {
			return nil, err
		}
		str, err := conn.OpenStreamSync(ctx)
		if err != nil {
			_ = conn.CloseWithError(0, "")
			return nil, err
		}
		remote, _ := addrPortOf(conn.RemoteAddr())
		return &streamConn{
			rwc:    str,
			remote: remote,
			closer: func() error { return conn.CloseWithError(0, "") },
		}, nil
	default:
		return nil, errors.New("transport: stream fallback disabled")
	}
}

// serveStream registers sc and reads its frames until it fails.
func (t *Transport) serveStream(sc *streamConn) {
	t.mu.Lock()
	select {
	case <-t.done:
		t.mu.Unlock()
		sc.Close()
		return
	default:
	}
	t.streams[sc] = struct{}{}
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.dropStream(sc)
		for {
			f, err := ReadFrame(sc.rwc)
			if err != nil {
				return
			}
			switch f.Type {
			case FrameCell:
				t.handleCell(f.Payload, dest{addr: sc.remote, stream: sc})
			case FrameClose:
				return
			}
		}
	}()
}

func (t *Transport) dropStream(sc *streamConn) {
	sc.Close()
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.streams, sc)
	for id, d := range t.paths {
		if d.stream == sc {
			delete(t.paths, id)
		}
	}
}

// connectStream dials the stream fallback and probes id over it.
func (t *Transport) connectStream(ctx context.Context, id identity.NodeID, addr netip.AddrPort) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.PunchTimeout)
	defer cancel()
	sc, err := t.dialStream(ctx, addr)
	if err != nil {
		return err
	}
	t.serveStream(sc)
	if err := t.probe(ctx, id, dest{addr: sc.remote, stream: sc}); err != nil {
		_ = sc.writeFrame(Frame{Type: FrameClose})
		sc.Close()
		return err
	}
	t.log.Debug("stream path established",
		zap.String("peer", id.Short()),
		zap.String("mode", string(t.cfg.StreamMode)))
	return nil
}
