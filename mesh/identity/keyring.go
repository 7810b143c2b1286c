package identity

import (
	"fmt"
	"sync"
	"time"

	"github.com/TheusHen/meshcore/mesh/crypto"
)

// Keyring holds verified key bundles of remote nodes.
type Keyring struct {
	mu    sync.RWMutex
	peers map[NodeID]*peerKeys
	seen  map[[32]byte]NodeID
	now   func() time.Time
}

type peerKeys struct {
	root PublicKey
	gens map[uint32]parsedGeneration
}

func NewKeyring() *Keyring {
	return &Keyring{
		peers: make(map[NodeID]*peerKeys),
		seen:  make(map[[32]byte]NodeID),
		now:   time.Now,
	}
}

// Add validates b and merges its generations into the ring. A bundle whose
// exact contents were already validated is accepted without re-verifying.
func (k *Keyring) Add(b *Bundle) (NodeID, error) {
	if b == nil {
		return NodeID{}, ErrInvalidBundle
	}
	digest := b.Digest()
	k.mu.RLock()
	id, ok := k.seen[digest]
	k.mu.RUnlock()
	if ok {
		return id, nil
	}

	root, gens, err := b.verify()
	if err != nil {
		return NodeID{}, err
	}
	id = b.ID()

	k.mu.Lock()
	defer k.mu.Unlock()
	pk, ok := k.peers[id]
	if !ok {
		pk = &peerKeys{root: root, gens: make(map[uint32]parsedGeneration)}
		k.peers[id] = pk
	}
	for _, g := range gens {
		pk.gens[g.Number] = g
	}
	k.seen[digest] = id
	return id, nil
}

func (k *Keyring) Known(id NodeID) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.peers[id]
	return ok
}

func (k *Keyring) Remove(id NodeID) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.peers, id)
	for d, owner := range k.seen {
		if owner == id {
			delete(k.seen, d)
		}
	}
}

// Verify checks sig over msg as signed by id. The generation named in the
// signature is tried first, then every other non-expired generation of the
// signer. A signature made with a different algorithm than the signer's keys
// fails with ErrInvalidAlgorithm.
func (k *Keyring) Verify(id NodeID, ctx Context, msg, sig []byte) error {
	alg, number, ok := SignatureGeneration(sig)
	if !ok {
		return ErrAuthenticationFailure
	}

	k.mu.RLock()
	pk, known := k.peers[id]
	var candidates []parsedGeneration
	if known {
		if g, ok := pk.gens[number]; ok {
			candidates = append(candidates, g)
		}
		for n, g := range pk.gens {
			if n != number {
				candidates = append(candidates, g)
			}
		}
	}
	k.mu.RUnlock()
	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownSigner, id.Short())
	}

	now := k.now()
	algMatched, expired := false, false
	for _, g := range candidates {
		if g.signing.Alg != alg {
			continue
		}
		algMatched = true
		if g.Expired(now) {
			expired = expired || g.Number == number
			continue
		}
		if Verify(g.signing, ctx, msg, sig) {
			return nil
		}
	}
	switch {
	case !algMatched:
		return ErrInvalidAlgorithm
	case expired:
		return fmt.Errorf("%w: %w", ErrAuthenticationFailure, ErrExpiredKey)
	default:
		return ErrAuthenticationFailure
	}
}

// KEMPublicKey returns the newest non-expired KEM key of id.
func (k *Keyring) KEMPublicKey(id NodeID) (uint32, *crypto.KEMPublicKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pk, ok := k.peers[id]
	if !ok {
		return 0, nil, ErrUnknownSigner
	}
	now := k.now()
	var (
		best  *parsedGeneration
		found bool
	)
	for n := range pk.gens {
		g := pk.gens[n]
		if g.Expired(now) {
			continue
		}
		if !found || g.Number > best.Number {
			best, found = &g, true
		}
	}
	if !found {
		return 0, nil, ErrNoActiveGeneration
	}
	return best.Number, best.kem, nil
}

// Fingerprint returns a digest of id's newest non-expired signing key.
func (k *Keyring) Fingerprint(id NodeID) (string, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pk, ok := k.peers[id]
	if !ok {
		return "", false
	}
	now := k.now()
	var best *Generation
	for n := range pk.gens {
		g := pk.gens[n].Generation
		if g.Expired(now) {
			continue
		}
		if best == nil || g.Number > best.Number {
			best = &g
		}
	}
	if best == nil {
		return "", false
	}
	return fingerprint(best.Signing), true
}

func (k *Keyring) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.peers)
}
