package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"io"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"
)

// AEAD seals transport cells with ChaCha20-Poly1305.
// Nonces are a 32-bit random prefix followed by a 64-bit send counter.
type AEAD struct {
	aead   cipher.AEAD
	prefix [4]byte
	seq    atomic.Uint64
}

// NewAEAD creates a new AEAD cipher from a 32-byte key.
func NewAEAD(key []byte) (*AEAD, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKeySize
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	a := &AEAD{aead: aead}
	if _, err := io.ReadFull(rand.Reader, a.prefix[:]); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *AEAD) nextNonce() []byte {
	seq := a.seq.Add(1)
	nonce := make([]byte, chacha20poly1305.NonceSize)
	copy(nonce[:4], a.prefix[:])
	binary.BigEndian.PutUint64(nonce[4:], seq)
	return nonce
}

// Seal encrypts and authenticates plaintext, appending
// nonce (12 bytes) || ciphertext || tag (16 bytes) to dst.
func (a *AEAD) Seal(dst, plaintext, additionalData []byte) []byte {
	nonce := a.nextNonce()
	dst = append(dst, nonce...)
	return a.aead.Seal(dst, nonce, plaintext, additionalData)
}

// Open decrypts and verifies ciphertext.
// Input format: nonce (12 bytes) || ciphertext || tag (16 bytes)
func (a *AEAD) Open(ciphertext, additionalData []byte) ([]byte, error) {
	nonceSize := chacha20poly1305.NonceSize
	if len(ciphertext) < nonceSize+a.aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	nonce := ciphertext[:nonceSize]
	ct := ciphertext[nonceSize:]
	plaintext, err := a.aead.Open(nil, nonce, ct, additionalData)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Overhead returns the bytes Seal adds to a plaintext.
func (a *AEAD) Overhead() int { return chacha20poly1305.NonceSize + a.aead.Overhead() }
