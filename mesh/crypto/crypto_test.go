package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestX25519ECDH(t *testing.T) {
	alice, err := GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	bob, err := GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}

	sharedAlice, err := ECDH(alice.PrivateKey, bob.PublicKey)
	if err != nil {
		t.Fatalf("ECDH alice: %v", err)
	}
	sharedBob, err := ECDH(bob.PrivateKey, alice.PublicKey)
	if err != nil {
		t.Fatalf("ECDH bob: %v", err)
	}

	if !bytes.Equal(sharedAlice, sharedBob) {
		t.Fatalf("shared secrets do not match")
	}

	if _, err := ECDH(alice.PrivateKey, [32]byte{}); !errors.Is(err, ErrInvalidPublicKey) {
		t.Fatalf("expected ErrInvalidPublicKey for zero point, got %v", err)
	}
}

func TestAEADRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	aead, err := NewAEAD(key)
	if err != nil {
		t.Fatalf("NewAEAD: %v", err)
	}

	plaintext := []byte("shaped cell payload")
	ad := []byte("session id")

	ciphertext := aead.Seal(nil, plaintext, ad)
	if len(ciphertext) != len(plaintext)+aead.Overhead() {
		t.Fatalf("unexpected ciphertext length")
	}

	decrypted, err := aead.Open(ciphertext, ad)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatalf("decrypted != plaintext")
	}

	if _, err := aead.Open(ciphertext, []byte("other session")); err != ErrDecryptionFailed {
		t.Fatalf("expected decryption failure with different additional data")
	}

	ciphertext[len(ciphertext)-1] ^= 0xff
	if _, err := aead.Open(ciphertext, ad); err != ErrDecryptionFailed {
		t.Fatalf("expected decryption failure on tampered ciphertext")
	}

	if _, err := NewAEAD(key[:16]); err != ErrInvalidKeySize {
		t.Fatalf("expected ErrInvalidKeySize, got %v", err)
	}
}

func TestAEADNoncesDiffer(t *testing.T) {
	aead, err := NewAEAD(make([]byte, 32))
	if err != nil {
		t.Fatalf("NewAEAD: %v", err)
	}
	a := aead.Seal(nil, []byte("x"), nil)
	b := aead.Seal(nil, []byte("x"), nil)
	if bytes.Equal(a, b) {
		t.Fatalf("two seals of the same plaintext must differ")
	}
}

func TestDeriveSessionKeyBindsDirection(t *testing.T) {
	secret := bytes.Repeat([]byte{7}, 32)
	var a, b [32]byte
	a[0], b[0] = 1, 2

	k1, err := DeriveSessionKey(secret, 42, a, b)
	if err != nil {
		t.Fatalf("DeriveSessionKey: %v", err)
	}
	k2, _ := DeriveSessionKey(secret, 42, b, a)
	k3, _ := DeriveSessionKey(secret, 43, a, b)
	if len(k1) != 32 {
		t.Fatalf("unexpected key length %d", len(k1))
	}
	if bytes.Equal(k1, k2) || bytes.Equal(k1, k3) {
		t.Fatalf("keys must differ per direction and session id")
	}
}

func TestHybridKEM(t *testing.T) {
	priv, err := GenerateKEM()
	if err != nil {
		t.Fatalf("GenerateKEM: %v", err)
	}

	ct, ss, err := Encapsulate(priv.Public)
	if err != nil {
		t.Fatalf("Encapsulate: %v", err)
	}
	if len(ct) != KEMCiphertextSize || len(ss) != SharedSecretSize {
		t.Fatalf("unexpected sizes ct=%d ss=%d", len(ct), len(ss))
	}

	got, err := Decapsulate(ct, priv)
	if err != nil {
		t.Fatalf("Decapsulate: %v", err)
	}
	if !bytes.Equal(got, ss) {
		t.Fatalf("shared secrets do not match")
	}

	tampered := append([]byte(nil), ct...)
	tampered[len(tampered)-1] ^= 0x01
	bad, err := Decapsulate(tampered, priv)
	if err != nil {
		t.Fatalf("Decapsulate tampered: %v", err)
	}
	if bytes.Equal(bad, ss) {
		t.Fatalf("tampered ciphertext must not yield the same secret")
	}

	if _, err := Decapsulate(ct[:10], priv); !errors.Is(err, ErrDecapsulationFailed) {
		t.Fatalf("expected ErrDecapsulationFailed, got %v", err)
	}
}

func TestKEMKeyEncoding(t *testing.T) {
	priv, err := GenerateKEM()
	if err != nil {
		t.Fatalf("GenerateKEM: %v", err)
	}
	pub, err := ParseKEMPublicKey(priv.Public.Bytes())
	if err != nil {
		t.Fatalf("ParseKEMPublicKey: %v", err)
	}
	restored, err := ParseKEMPrivateKey(priv.Bytes())
	if err != nil {
		t.Fatalf("ParseKEMPrivateKey: %v", err)
	}
	if !bytes.Equal(restored.Public.Bytes(), priv.Public.Bytes()) {
		t.Fatalf("restored public key mismatch")
	}

	ct, ss, err := Encapsulate(pub)
	if err != nil {
		t.Fatalf("Encapsulate: %v", err)
	}
	got, err := Decapsulate(ct, restored)
	if err != nil {
		t.Fatalf("Decapsulate: %v", err)
	}
	if !bytes.Equal(got, ss) {
		t.Fatalf("secret mismatch after key round trip")
	}

	if _, err := ParseKEMPublicKey([]byte{1, 2, 3}); !errors.Is(err, ErrInvalidPublicKey) {
		t.Fatalf("expected ErrInvalidPublicKey, got %v", err)
	}
}

func BenchmarkAEADSeal(b *testing.B) {
	aead, _ := NewAEAD(make([]byte, 32))
	plaintext := make([]byte, 1400)
	b.SetBytes(int64(len(plaintext)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = aead.Seal(nil, plaintext, nil)
	}
}

func BenchmarkHybridKEM(b *testing.B) {
	priv, _ := GenerateKEM()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ct, _, _ := Encapsulate(priv.Public)
		_, _ = Decapsulate(ct, priv)
	}
}
