package transport

import (
	"context"
	"net"
	"testing"
	"time"
)

// deafConn discards every inbound datagram, leaving only the stream path.
type deafConn struct {
	net.PacketConn
}

func (c deafConn) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		if _, _, err := c.PacketConn.ReadFrom(p); err != nil {
			return 0, nil, err
		}
	}
}

func testStreamFallback(t *testing.T, mode StreamMode) {
	cfg := testConfig()
	cfg.StreamMode = mode
	a := newTestNode(t, cfg, nil)
	b := newTestNode(t, cfg, func(c net.PacketConn) net.PacketConn { return deafConn{c} })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.tr.Connect(ctx, b.id.ID(), b.tr.LocalAddr()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := a.tr.Send(ctx, b.id.ID(), b.tr.LocalAddr(), TypeDiscovery, []byte("over stream")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	in := receive(t, b.tr.Discovery(), 3*time.Second)
	if in.From != a.id.ID() || string(in.Payload) != "over stream" {
		t.Fatalf("unexpected envelope %+v", in)
	}
}

func TestStreamFallbackTCP(t *testing.T) {
	testStreamFallback(t, StreamTCP)
}

func TestStreamFallbackQUIC(t *testing.T) {
	testStreamFallback(t, StreamQUIC)
}
