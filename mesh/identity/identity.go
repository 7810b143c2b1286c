package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/TheusHen/meshcore/mesh/crypto"
)

// Identity is the local node's key material: a root key that only endorses,
// plus one or more key generations used for signing and session setup.
//
// During a rotation window several generations are active at once. Sign
// always uses the newest one; peers accept any that has not expired.
type Identity struct {
	mu   sync.RWMutex
	id   NodeID
	root *SigningKey
	gens []*localGeneration
	now  func() time.Time
}

type localGeneration struct {
	Generation
	signing *SigningKey
	kem     *crypto.KEMPrivateKey
}

// Generate creates a new identity with a single generation. validity bounds
// the generation's lifetime; zero means it never expires.
func Generate(alg Algorithm, validity time.Duration) (*Identity, error) {
	root, err := GenerateSigningKey(alg)
	if err != nil {
		return nil, err
	}
	id := &Identity{
		id:   NodeIDFromPublicKey(root.Public().Bytes()),
		root: root,
		now:  time.Now,
	}
	if _, err := id.Rotate(validity); err != nil {
		return nil, err
	}
	return id, nil
}

func (i *Identity) ID() NodeID { return i.id }

func (i *Identity) Algorithm() Algorithm { return i.root.Public().Alg }

// Rotate adds a new generation endorsed by the root key and returns its
// number. Existing generations stay valid until they expire.
func (i *Identity) Rotate(validity time.Duration) (uint32, error) {
	signing, err := GenerateSigningKey(i.root.Public().Alg)
	if err != nil {
		return 0, err
	}
	kem, err := crypto.GenerateKEM()
	if err != nil {
		return 0, err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	var number uint32
	if n := len(i.gens); n > 0 {
		number = i.gens[n-1].Number + 1
	}
	g := Generation{
		Number:  number,
		Signing: signing.Public().Bytes(),
		KEM:     kem.Public.Bytes(),
	}
	if validity > 0 {
		g.NotAfter = i.now().Add(validity).UTC()
	}
	g.Endorsement = i.root.sign(ContextEndorse, 0, endorsementBytes(i.id, g))
	i.gens = append(i.gens, &localGeneration{Generation: g, signing: signing, kem: kem})
	return number, nil
}

// Prune drops expired generations, always keeping the newest one.
func (i *Identity) Prune() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	now := i.now()
	kept := i.gens[:0]
	dropped := 0
	for idx, g := range i.gens {
		if g.Expired(now) && idx != len(i.gens)-1 {
			dropped++
			continue
		}
		kept = append(kept, g)
	}
	i.gens = kept
	return dropped
}

func (i *Identity) current() *localGeneration {
	return i.gens[len(i.gens)-1]
}

// Generation returns the number of the generation Sign uses.
func (i *Identity) Generation() uint32 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.current().Number
}

// Sign signs msg with the newest generation.
func (i *Identity) Sign(ctx Context, msg []byte) []byte {
	i.mu.RLock()
	g := i.current()
	i.mu.RUnlock()
	return g.signing.sign(ctx, g.Number, msg)
}

// Bundle returns the public key bundle peers use to verify this node.
func (i *Identity) Bundle() *Bundle {
	i.mu.RLock()
	defer i.mu.RUnlock()
	b := &Bundle{Root: i.root.Public().Bytes()}
	now := i.now()
	for idx, g := range i.gens {
		if g.Expired(now) && idx != len(i.gens)-1 {
			continue
		}
		b.Generations = append(b.Generations, g.Generation)
	}
	return b
}

// Fingerprint is a short digest of the current signing key.
func (i *Identity) Fingerprint() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return fingerprint(i.current().Signing)
}

// Decapsulate opens a session ciphertext addressed to the given generation's
// KEM key.
func (i *Identity) Decapsulate(generation uint32, ciphertext []byte) ([]byte, error) {
	i.mu.RLock()
	var kem *crypto.KEMPrivateKey
	for _, g := range i.gens {
		if g.Number == generation && !g.Expired(i.now()) {
			kem = g.kem
			break
		}
	}
	i.mu.RUnlock()
	if kem == nil {
		return nil, ErrExpiredKey
	}
	return crypto.Decapsulate(ciphertext, kem)
}

func fingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}
