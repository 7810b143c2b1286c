package discovery

import (
	"context"
	"net/netip"

	"github.com/TheusHen/meshcore/mesh/identity"
	"github.com/TheusHen/meshcore/mesh/transport"
)

type transportLink struct {
	tr *transport.Transport
}

// TransportLink carries discovery messages as TypeDiscovery envelopes over
// tr.
func TransportLink(tr *transport.Transport) Transport {
	return transportLink{tr: tr}
}

func (l transportLink) Send(ctx context.Context, to identity.NodeID, addr netip.AddrPort, payload []byte) error {
	return l.tr.Send(ctx, to, addr, transport.TypeDiscovery, payload)
}

func (l transportLink) Inbound() <-chan transport.Inbound { return l.tr.Discovery() }

func (l transportLink) Connect(ctx context.Context, id identity.NodeID, addr netip.AddrPort) error {
	return l.tr.Connect(ctx, id, addr)
}
