package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
)

// Algorithm identifies a signature scheme. It is the first byte of every
// encoded public key and signature.
type Algorithm uint8

const (
	// AlgHybridEd25519MLDSA65 signs with Ed25519 and ML-DSA-65; both halves
	// must verify.
	AlgHybridEd25519MLDSA65 Algorithm = 0x01
	// AlgMLDSA65 signs with ML-DSA-65 only.
	AlgMLDSA65 Algorithm = 0x02
)

func (a Algorithm) String() string {
	switch a {
	case AlgHybridEd25519MLDSA65:
		return "Ed25519+ML-DSA-65"
	case AlgMLDSA65:
		return "ML-DSA-65"
	default:
		return "unknown"
	}
}

func (a Algorithm) valid() bool {
	return a == AlgHybridEd25519MLDSA65 || a == AlgMLDSA65
}

// Context domain-separates signatures so a signature made for one message
// type can never be replayed as another.
type Context string

const (
	ContextEnvelope  Context = "meshcore/envelope"
	ContextDiscovery Context = "meshcore/discovery"
	ContextConsensus Context = "meshcore/consensus"
	ContextEndorse   Context = "meshcore/endorse"
)

// signatureHeaderSize is alg(1) || generation(4).
const signatureHeaderSize = 5

var (
	ErrAuthenticationFailure = errors.New("identity: authentication failure")
	ErrInvalidAlgorithm      = errors.New("identity: invalid signature algorithm")
	ErrInvalidKey            = errors.New("identity: invalid key encoding")
	ErrUnknownSigner         = errors.New("identity: unknown signer")
	ErrExpiredKey            = errors.New("identity: key generation expired")
	ErrInvalidBundle         = errors.New("identity: invalid key bundle")
	ErrNoActiveGeneration    = errors.New("identity: no active key generation")
)

// PublicKey is a signature verification key.
type PublicKey struct {
	Alg     Algorithm
	Ed25519 ed25519.PublicKey
	MLDSA   *mldsa65.PublicKey
}

// Bytes encodes the key as alg || [ed25519] || ml-dsa-65.
func (p PublicKey) Bytes() []byte {
	out := make([]byte, 0, 1+ed25519.PublicKeySize+mldsa65.PublicKeySize)
	out = append(out, byte(p.Alg))
	if p.Alg == AlgHybridEd25519MLDSA65 {
		out = append(out, p.Ed25519...)
	}
	return append(out, p.MLDSA.Bytes()...)
}

func ParsePublicKey(b []byte) (PublicKey, error) {
	if len(b) < 1 {
		return PublicKey{}, ErrInvalidKey
	}
	pk := PublicKey{Alg: Algorithm(b[0])}
	rest := b[1:]
	switch pk.Alg {
	case AlgHybridEd25519MLDSA65:
		if len(rest) != ed25519.PublicKeySize+mldsa65.PublicKeySize {
			return PublicKey{}, ErrInvalidKey
		}
		pk.Ed25519 = ed25519.PublicKey(append([]byte(nil), rest[:ed25519.PublicKeySize]...))
		rest = rest[ed25519.PublicKeySize:]
	case AlgMLDSA65:
		if len(rest) != mldsa65.PublicKeySize {
			return PublicKey{}, ErrInvalidKey
		}
	default:
		return PublicKey{}, ErrInvalidAlgorithm
	}
	pk.MLDSA = new(mldsa65.PublicKey)
	if err := pk.MLDSA.UnmarshalBinary(rest); err != nil {
		return PublicKey{}, ErrInvalidKey
	}
	return pk, nil
}

// SigningKey is the private half of a PublicKey.
type SigningKey struct {
	pub     PublicKey
	ed25519 ed25519.PrivateKey
	mldsa   *mldsa65.PrivateKey
}

func GenerateSigningKey(alg Algorithm) (*SigningKey, error) {
	if !alg.valid() {
		return nil, ErrInvalidAlgorithm
	}
	k := &SigningKey{pub: PublicKey{Alg: alg}}
	if alg == AlgHybridEd25519MLDSA65 {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		k.pub.Ed25519, k.ed25519 = pub, priv
	}
	pub, priv, err := mldsa65.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	k.pub.MLDSA, k.mldsa = pub, priv
	return k, nil
}

func (k *SigningKey) Public() PublicKey { return k.pub }

// Bytes encodes the private key as alg || [ed25519 private] || ml-dsa-65 private.
func (k *SigningKey) Bytes() []byte {
	out := []byte{byte(k.pub.Alg)}
	if k.pub.Alg == AlgHybridEd25519MLDSA65 {
		out = append(out, k.ed25519...)
	}
	return append(out, k.mldsa.Bytes()...)
}

func ParseSigningKey(b []byte) (*SigningKey, error) {
	if len(b) < 1 {
		return nil, ErrInvalidKey
	}
	k := &SigningKey{pub: PublicKey{Alg: Algorithm(b[0])}}
	rest := b[1:]
	switch k.pub.Alg {
	case AlgHybridEd25519MLDSA65:
		if len(rest) != ed25519.PrivateKeySize+mldsa65.PrivateKeySize {
			return nil, ErrInvalidKey
		}
		k.ed25519 = ed25519.PrivateKey(append([]byte(nil), rest[:ed25519.PrivateKeySize]...))
		k.pub.Ed25519 = k.ed25519.Public().(ed25519.PublicKey)
		rest = rest[ed25519.PrivateKeySize:]
	case AlgMLDSA65:
		if len(rest) != mldsa65.PrivateKeySize {
			return nil, ErrInvalidKey
		}
	default:
		return nil, ErrInvalidAlgorithm
	}
	k.mldsa = new(mldsa65.PrivateKey)
	if err := k.mldsa.UnmarshalBinary(rest); err != nil {
		return nil, ErrInvalidKey
	}
	k.pub.MLDSA = k.mldsa.Public().(*mldsa65.PublicKey)
	return k, nil
}

// sign returns alg || generation || body.
func (k *SigningKey) sign(ctx Context, generation uint32, msg []byte) []byte {
	sig := make([]byte, signatureHeaderSize, SignatureSize(k.pub.Alg))
	sig[0] = byte(k.pub.Alg)
	binary.BigEndian.PutUint32(sig[1:5], generation)

	signed := signedMessage(sig[:signatureHeaderSize], msg)
	if k.pub.Alg == AlgHybridEd25519MLDSA65 {
		sig = append(sig, ed25519.Sign(k.ed25519, ed25519Message(ctx, signed))...)
	}
	pq := make([]byte, mldsa65.SignatureSize)
	// SignTo only fails for an oversized context, which the Context constants never are.
	_ = mldsa65.SignTo(k.mldsa, signed, []byte(ctx), true, pq)
	return append(sig, pq...)
}

// SignatureSize returns the encoded signature size for alg.
func SignatureSize(alg Algorithm) int {
	n := signatureHeaderSize + mldsa65.SignatureSize
	if alg == AlgHybridEd25519MLDSA65 {
		n += ed25519.SignatureSize
	}
	return n
}

// SignatureGeneration extracts the algorithm and key generation a signature
// claims to be made with.
func SignatureGeneration(sig []byte) (Algorithm, uint32, bool) {
	if len(sig) < signatureHeaderSize {
		return 0, 0, false
	}
	return Algorithm(sig[0]), binary.BigEndian.Uint32(sig[1:5]), true
}

// Verify reports whether sig is a valid signature of msg under pub for ctx.
// A signature whose algorithm byte differs from the key's algorithm never
// verifies.
func Verify(pub PublicKey, ctx Context, msg, sig []byte) bool {
	alg, _, ok := SignatureGeneration(sig)
	if !ok || alg != pub.Alg || !alg.valid() || pub.MLDSA == nil {
		return false
	}
	if len(sig) != SignatureSize(alg) {
		return false
	}
	signed := signedMessage(sig[:signatureHeaderSize], msg)
	body := sig[signatureHeaderSize:]

	classicalOK := true
	if alg == AlgHybridEd25519MLDSA65 {
		if len(pub.Ed25519) != ed25519.PublicKeySize {
			return false
		}
		classicalOK = ed25519.Verify(pub.Ed25519, ed25519Message(ctx, signed), body[:ed25519.SignatureSize])
		body = body[ed25519.SignatureSize:]
	}
	pqOK := mldsa65.Verify(pub.MLDSA, signed, []byte(ctx), body)
	return classicalOK && pqOK
}

// signedMessage binds the algorithm and generation header into what is
// signed, so neither can be rewritten without breaking the signature.
func signedMessage(header, msg []byte) []byte {
	out := make([]byte, 0, len(header)+len(msg))
	out = append(out, header...)
	return append(out, msg...)
}

func ed25519Message(ctx Context, msg []byte) []byte {
	out := make([]byte, 0, len(ctx)+1+len(msg))
	out = append(out, ctx...)
	out = append(out, 0)
	return append(out, msg...)
}
