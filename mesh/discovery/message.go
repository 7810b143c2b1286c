package discovery

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/TheusHen/meshcore/mesh/identity"
	"github.com/TheusHen/meshcore/mesh/routing"
)

// MaxMessageSize bounds a decoded discovery message.
const MaxMessageSize = 256 << 10

var (
	ErrMalformed    = errors.New("discovery: malformed message")
	ErrSpoofed      = errors.New("discovery: sender does not match envelope")
	ErrUnverifiable = errors.New("discovery: message signature does not verify")
)

// Kind is the discovery message type.
type Kind uint8

const (
	KindPing Kind = iota + 1
	KindPong
	KindFindNode
	KindFoundNodes
	KindAnnounce
	KindLeave
)

func (k Kind) String() string {
	switch k {
	case KindPing:
		return "PING"
	case KindPong:
		return "PONG"
	case KindFindNode:
		return "FIND_NODE"
	case KindFoundNodes:
		return "FOUND_NODES"
	case KindAnnounce:
		return "ANNOUNCE"
	case KindLeave:
		return "LEAVE"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Message is a discovery message. Exactly one payload pointer is set and it
// must match Kind.
type Message struct {
	Kind  Kind            `json:"kind"`
	From  identity.NodeID `json:"from"`
	Nonce uint64          `json:"nonce,omitempty"`

	Ping       *Ping       `json:"ping,omitempty"`
	Pong       *Pong       `json:"pong,omitempty"`
	FindNode   *FindNode   `json:"find_node,omitempty"`
	FoundNodes *FoundNodes `json:"found_nodes,omitempty"`
	Announce   *Announce   `json:"announce,omitempty"`
	Leave      *Leave      `json:"leave,omitempty"`
}

type Ping struct {
	Services []string `json:"services,omitempty"`
}

type Pong struct {
	Services []string `json:"services,omitempty"`
	// Observed is the address the request arrived from.
	Observed string `json:"observed,omitempty"`
}

type FindNode struct {
	Target identity.NodeID `json:"target"`
}

type FoundNodes struct {
	Target identity.NodeID      `json:"target"`
	Peers  []routing.PeerRecord `json:"peers"`
}

// Announce advertises a node on the local segment and to bootstrap peers.
// It carries the key bundle so receivers can verify it without prior
// contact.
type Announce struct {
	Addr     string   `json:"addr"`
	Services []string `json:"services,omitempty"`
	Bundle   []byte   `json:"bundle"`
}

type Leave struct{}

func (m *Message) validate() error {
	set := 0
	for _, p := range []bool{m.Ping != nil, m.Pong != nil, m.FindNode != nil, m.FoundNodes != nil, m.Announce != nil, m.Leave != nil} {
		if p {
			set++
		}
	}
	if set != 1 {
		return ErrMalformed
	}
	var ok bool
	switch m.Kind {
	case KindPing:
		ok = m.Ping != nil
	case KindPong:
		ok = m.Pong != nil
	case KindFindNode:
		ok = m.FindNode != nil
	case KindFoundNodes:
		ok = m.FoundNodes != nil
	case KindAnnounce:
		ok = m.Announce != nil && len(m.Announce.Bundle) > 0
	case KindLeave:
		ok = m.Leave != nil
	}
	if !ok || m.From.IsZero() {
		return ErrMalformed
	}
	return nil
}

// Encode signs m and frames it as
//
//	uint32 len || body || uint16 len || signature
func Encode(m *Message, self *identity.Identity) ([]byte, error) {
	m.From = self.ID()
	if err := m.validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	sig := self.Sign(identity.ContextDiscovery, body)
	out := make([]byte, 0, 4+len(body)+2+len(sig))
	out = binary.BigEndian.AppendUint32(out, uint32(len(body)))
	out = append(out, body...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(sig)))
	return append(out, sig...), nil
}

// Decode parses a framed message without verifying it. It returns the
// signed body and signature for verification.
func Decode(b []byte) (m *Message, body, sig []byte, err error) {
	if len(b) < 4 {
		return nil, nil, nil, ErrMalformed
	}
	n := binary.BigEndian.Uint32(b)
	if n > MaxMessageSize || uint64(len(b)) < 4+uint64(n)+2 {
		return nil, nil, nil, ErrMalformed
	}
	body = b[4 : 4+n]
	rest := b[4+n:]
	sl := int(binary.BigEndian.Uint16(rest))
	if len(rest) != 2+sl {
		return nil, nil, nil, ErrMalformed
	}
	sig = rest[2:]
	m = &Message{}
	if err := json.Unmarshal(body, m); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := m.validate(); err != nil {
		return nil, nil, nil, err
	}
	return m, body, sig, nil
}

// Verify checks the signature of a decoded message against keyring, first
// adding the bundle an ANNOUNCE carries.
func Verify(m *Message, body, sig []byte, keyring *identity.Keyring) error {
	if m.Announce != nil {
		b, err := identity.DecodeBundle(m.Announce.Bundle)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUnverifiable, err)
		}
		id, err := keyring.Add(b)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUnverifiable, err)
		}
		if id != m.From {
			return fmt.Errorf("%w: bundle belongs to %s", ErrUnverifiable, id.Short())
		}
	}
	if err := keyring.Verify(m.From, identity.ContextDiscovery, body, sig); err != nil {
		return fmt.Errorf("%w: %w", ErrUnverifiable, err)
	}
	return nil
}
