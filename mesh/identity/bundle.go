package identity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/TheusHen/meshcore/mesh/crypto"
)

// Generation is the public view of one key generation: a signing key and a
// KEM key, endorsed by the node's root key.
type Generation struct {
	Number      uint32    `json:"n"`
	Signing     []byte    `json:"signing"`
	KEM         []byte    `json:"kem"`
	NotAfter    time.Time `json:"not_after,omitempty"`
	Endorsement []byte    `json:"endorsement"`
}

// Expired reports whether the generation is past its NotAfter. A zero
// NotAfter never expires.
func (g Generation) Expired(now time.Time) bool {
	return !g.NotAfter.IsZero() && now.After(g.NotAfter)
}

// Bundle is everything a peer needs to authenticate a node and to open a
// session to it. The NodeID is derived from Root, so a bundle is
// self-certifying.
type Bundle struct {
	Root        []byte       `json:"root"`
	Generations []Generation `json:"generations"`
}

func (b *Bundle) ID() NodeID { return NodeIDFromPublicKey(b.Root) }

func (b *Bundle) Encode() ([]byte, error) {
	return json.Marshal(b)
}

func DecodeBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	return &b, nil
}

// Digest identifies the exact bundle contents.
func (b *Bundle) Digest() [32]byte {
	h := sha256.New()
	h.Write(b.Root)
	for _, g := range b.Generations {
		h.Write(endorsementBytes(b.ID(), g))
		h.Write(g.Endorsement)
	}
	var d [32]byte
	copy(d[:], h.Sum(nil))
	return d
}

// parsedGeneration is a Generation whose keys have been decoded and whose
// endorsement has been checked.
type parsedGeneration struct {
	Generation
	signing PublicKey
	kem     *crypto.KEMPublicKey
}

// verify decodes every key and checks every endorsement against the root.
func (b *Bundle) verify() (PublicKey, []parsedGeneration, error) {
	root, err := ParsePublicKey(b.Root)
	if err != nil {
		return PublicKey{}, nil, fmt.Errorf("%w: root: %v", ErrInvalidBundle, err)
	}
	if len(b.Generations) == 0 {
		return PublicKey{}, nil, fmt.Errorf("%w: no generations", ErrInvalidBundle)
	}
	id := b.ID()
	out := make([]parsedGeneration, 0, len(b.Generations))
	for _, g := range b.Generations {
		sp, err := ParsePublicKey(g.Signing)
		if err != nil {
			return PublicKey{}, nil, fmt.Errorf("%w: generation %d: %v", ErrInvalidBundle, g.Number, err)
		}
		kp, err := crypto.ParseKEMPublicKey(g.KEM)
		if err != nil {
			return PublicKey{}, nil, fmt.Errorf("%w: generation %d: %v", ErrInvalidBundle, g.Number, err)
		}
		if !Verify(root, ContextEndorse, endorsementBytes(id, g), g.Endorsement) {
			return PublicKey{}, nil, fmt.Errorf("%w: generation %d endorsement", ErrInvalidBundle, g.Number)
		}
		out = append(out, parsedGeneration{Generation: g, signing: sp, kem: kp})
	}
	return root, out, nil
}

// endorsementBytes is what the root key signs for a generation.
func endorsementBytes(id NodeID, g Generation) []byte {
	out := make([]byte, 0, IDLength+4+8+8+len(g.Signing)+len(g.KEM))
	out = append(out, id[:]...)
	out = binary.BigEndian.AppendUint32(out, g.Number)
	var notAfter int64
	if !g.NotAfter.IsZero() {
		notAfter = g.NotAfter.UnixNano()
	}
	out = binary.BigEndian.AppendUint64(out, uint64(notAfter))
	out = binary.BigEndian.AppendUint32(out, uint32(len(g.Signing)))
	out = append(out, g.Signing...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(g.KEM)))
	return append(out, g.KEM...)
}
