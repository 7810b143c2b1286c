package transport

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/TheusHen/meshcore/mesh/crypto"
	"github.com/TheusHen/meshcore/mesh/identity"
)

// sendSession seals cells from this node to one peer. Sessions are
// unidirectional; the peer opens its own session towards us.
type sendSession struct {
	id            uint64
	peer          identity.NodeID
	generation    uint32
	kemCiphertext []byte
	aead          *crypto.AEAD
	created       time.Time
}

// recvSession opens cells a peer sealed for this node.
type recvSession struct {
	id      uint64
	from    identity.NodeID
	aead    *crypto.AEAD
	created time.Time
}

func newSessionID() uint64 {
	var b [8]byte
	for {
		_, _ = rand.Read(b[:])
		if id := binary.BigEndian.Uint64(b[:]); id != 0 {
			return id
		}
	}
}

// newSendSession encapsulates to the peer's newest KEM key.
func newSendSession(self, peer identity.NodeID, keyring *identity.Keyring) (*sendSession, error) {
	gen, kemKey, err := keyring.KEMPublicKey(peer)
	if err != nil {
		return nil, err
	}
	ct, secret, err := crypto.Encapsulate(kemKey)
	if err != nil {
		return nil, err
	}
	sid := newSessionID()
	key, err := crypto.DeriveSessionKey(secret, sid, self, peer)
	if err != nil {
		return nil, err
	}
	aead, err := crypto.NewAEAD(key)
	if err != nil {
		return nil, err
	}
	return &sendSession{
		id:            sid,
		peer:          peer,
		generation:    gen,
		kemCiphertext: ct,
		aead:          aead,
		created:       time.Now(),
	}, nil
}

// acceptHello derives the receive session a peer announced.
func acceptHello(self *identity.Identity, h hello) (*recvSession, error) {
	secret, err := self.Decapsulate(h.generation, h.ciphertext)
	if err != nil {
		return nil, err
	}
	key, err := crypto.DeriveSessionKey(secret, h.sid, h.from, self.ID())
	if err != nil {
		return nil, err
	}
	aead, err := crypto.NewAEAD(key)
	if err != nil {
		return nil, err
	}
	return &recvSession{id: h.sid, from: h.from, aead: aead, created: time.Now()}, nil
}
