package discovery

import (
	"errors"
	"net"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/TheusHen/meshcore/mesh/identity"
	"github.com/TheusHen/meshcore/mesh/transport"
)

// multicast is the local-segment channel: signed ANNOUNCE messages sent to
// and read from a well-known group, outside the shaped transport.
type multicast struct {
	conn     *net.UDPConn
	sendConn *net.UDPConn
}

func listenMulticast(group string) (*multicast, error) {
	addr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return nil, err
	}
	sendConn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &multicast{conn: conn, sendConn: sendConn}, nil
}

func (m *multicast) Close() error {
	return errors.Join(m.conn.Close(), m.sendConn.Close())
}

func (s *Service) serveMulticast(mc *multicast) {
	defer s.wg.Done()
	go func() {
		<-s.ctx.Done()
		mc.Close()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		interval := s.cfg.AnnounceInterval
		if interval <= 0 {
			interval = DefaultConfig().AnnounceInterval
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := s.sendMulticast(mc); err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.log.Debug("multicast announce failed", zap.Error(err))
			}
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	buf := make([]byte, 64<<10)
	for {
		n, src, err := mc.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}
			s.log.Debug("multicast read failed", zap.Error(err))
			continue
		}
		s.handleMulticast(append([]byte(nil), buf[:n]...), src)
	}
}

func (s *Service) sendMulticast(mc *multicast) error {
	m, err := s.announcement()
	if err != nil {
		return err
	}
	wire, err := Encode(m, s.self)
	if err != nil {
		return err
	}
	_, err = mc.sendConn.Write(wire)
	return err
}

// handleMulticast accepts only ANNOUNCE from the group; anything else
// travels through the transport.
func (s *Service) handleMulticast(b []byte, src netip.AddrPort) {
	m, _, _, err := Decode(b)
	if err != nil {
		s.drop("malformed", err, identity.NodeID{})
		return
	}
	if m.Kind != KindAnnounce {
		s.drop("multicast", ErrMalformed, m.From)
		return
	}
	s.handle(transport.Inbound{
		Addr:     netip.AddrPortFrom(src.Addr().Unmap(), src.Port()),
		Type:     transport.TypeDiscovery,
		Payload:  b,
		Received: time.Now(),
	})
}
