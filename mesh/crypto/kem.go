package crypto

import (
	"errors"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"golang.org/x/crypto/curve25519"
)

var (
	ErrInvalidPublicKey    = errors.New("crypto: invalid public key")
	ErrInvalidPrivateKey   = errors.New("crypto: invalid private key")
	ErrInvalidKeySize      = errors.New("crypto: invalid key size for ChaCha20-Poly1305")
	ErrCiphertextTooShort  = errors.New("crypto: ciphertext too short")
	ErrDecryptionFailed    = errors.New("crypto: decryption failed")
	ErrDecapsulationFailed = errors.New("crypto: decapsulation failed")
)

const (
	// KEMName identifies the hybrid construction in key material and logs.
	KEMName = "X25519-ML-KEM-768"

	// KEMPublicKeySize is the encoded size of a hybrid public key.
	KEMPublicKeySize = 32 + mlkem768.PublicKeySize

	// KEMCiphertextSize is the size of an encapsulation.
	KEMCiphertextSize = 32 + mlkem768.CiphertextSize

	// SharedSecretSize is the size of the combined secret.
	SharedSecretSize = 32
)

var kemInfo = []byte("meshcore/kem/v1")

func mlkem() kem.Scheme { return mlkem768.Scheme() }

// KEMPublicKey is the public half of an X25519 + ML-KEM-768 hybrid key.
type KEMPublicKey struct {
	X25519 [32]byte
	MLKEM  kem.PublicKey
}

// KEMPrivateKey holds both private halves and the matching public key.
type KEMPrivateKey struct {
	X25519 [32]byte
	MLKEM  kem.PrivateKey
	Public *KEMPublicKey
}

// GenerateKEM generates a fresh hybrid KEM keypair.
func GenerateKEM() (*KEMPrivateKey, error) {
	x, err := GenerateX25519()
	if err != nil {
		return nil, err
	}
	pk, sk, err := mlkem().GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &KEMPrivateKey{
		X25519: x.PrivateKey,
		MLKEM:  sk,
		Public: &KEMPublicKey{X25519: x.PublicKey, MLKEM: pk},
	}, nil
}

func (p *KEMPublicKey) Bytes() []byte {
	mb, _ := p.MLKEM.MarshalBinary()
	out := make([]byte, 0, KEMPublicKeySize)
	out = append(out, p.X25519[:]...)
	return append(out, mb...)
}

func ParseKEMPublicKey(b []byte) (*KEMPublicKey, error) {
	if len(b) != KEMPublicKeySize {
		return nil, ErrInvalidPublicKey
	}
	pk, err := mlkem().UnmarshalBinaryPublicKey(b[32:])
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	out := &KEMPublicKey{MLKEM: pk}
	copy(out.X25519[:], b[:32])
	return out, nil
}

// Bytes encodes the private key as x25519 || ml-kem private key. The public
// key is recomputed on parse.
func (k *KEMPrivateKey) Bytes() []byte {
	mb, _ := k.MLKEM.MarshalBinary()
	out := make([]byte, 0, 32+len(mb))
	out = append(out, k.X25519[:]...)
	return append(out, mb...)
}

func ParseKEMPrivateKey(b []byte) (*KEMPrivateKey, error) {
	if len(b) != 32+mlkem768.PrivateKeySize {
		return nil, ErrInvalidPrivateKey
	}
	sk, err := mlkem().UnmarshalBinaryPrivateKey(b[32:])
	if err != nil {
		return nil, ErrInvalidPrivateKey
	}
	out := &KEMPrivateKey{MLKEM: sk}
	copy(out.X25519[:], b[:32])
	x, err := curve25519.X25519(out.X25519[:], curve25519.Basepoint)
	if err != nil {
		return nil, ErrInvalidPrivateKey
	}
	pub := &KEMPublicKey{MLKEM: sk.Public()}
	copy(pub.X25519[:], x)
	out.Public = pub
	return out, nil
}

// Encapsulate produces a ciphertext for peer and the shared secret it
// carries. The secret combines an ephemeral X25519 exchange with an ML-KEM
// encapsulation, so it stays safe while either primitive holds.
func Encapsulate(peer *KEMPublicKey) (ciphertext, secret []byte, err error) {
	if peer == nil || peer.MLKEM == nil {
		return nil, nil, ErrInvalidPublicKey
	}
	eph, err := GenerateX25519()
	if err != nil {
		return nil, nil, err
	}
	xs, err := ECDH(eph.PrivateKey, peer.X25519)
	if err != nil {
		return nil, nil, err
	}
	mct, mss, err := mlkem().Encapsulate(peer.MLKEM)
	if err != nil {
		return nil, nil, err
	}

	ciphertext = make([]byte, 0, KEMCiphertextSize)
	ciphertext = append(ciphertext, eph.PublicKey[:]...)
	ciphertext = append(ciphertext, mct...)

	secret, err = combine(xs, mss, ciphertext, peer)
	if err != nil {
		return nil, nil, err
	}
	return ciphertext, secret, nil
}

// Decapsulate recovers the shared secret from ciphertext. A tampered
// ML-KEM ciphertext does not error; it yields an unrelated secret (implicit
// rejection), which the caller detects when the first sealed cell fails to
// open.
func Decapsulate(ciphertext []byte, priv *KEMPrivateKey) ([]byte, error) {
	if priv == nil || len(ciphertext) != KEMCiphertextSize {
		return nil, ErrDecapsulationFailed
	}
	var ephPub [32]byte
	copy(ephPub[:], ciphertext[:32])
	xs, err := ECDH(priv.X25519, ephPub)
	if err != nil {
		return nil, ErrDecapsulationFailed
	}
	mss, err := mlkem().Decapsulate(priv.MLKEM, ciphertext[32:])
	if err != nil {
		return nil, ErrDecapsulationFailed
	}
	return combine(xs, mss, ciphertext, priv.Public)
}

func combine(classical, pq, ciphertext []byte, recipient *KEMPublicKey) ([]byte, error) {
	ikm := make([]byte, 0, len(classical)+len(pq))
	ikm = append(ikm, classical...)
	ikm = append(ikm, pq...)

	info := make([]byte, 0, len(kemInfo)+len(ciphertext)+32)
	info = append(info, kemInfo...)
	info = append(info, ciphertext...)
	info = append(info, recipient.X25519[:]...)
	return DeriveKey(ikm, nil, info, SharedSecretSize)
}
