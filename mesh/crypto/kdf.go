package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey derives a key of the specified length using HKDF-SHA256.
// salt can be nil (uses zero salt), info provides context binding.
func DeriveKey(secret, salt, info []byte, length int) ([]byte, error) {
	hk := hkdf.New(sha256.New, secret, salt, info)
	key := make([]byte, length)
	if _, err := io.ReadFull(hk, key); err != nil {
		return nil, err
	}
	return key, nil
}

// DeriveSessionKey derives the cell key for one direction of a session from
// the KEM shared secret. The session id salts the derivation and both node
// ids bind it to the sender/receiver pair.
func DeriveSessionKey(sharedSecret []byte, sessionID uint64, initiator, responder [32]byte) ([]byte, error) {
	var salt [8]byte
	for i := 0; i < 8; i++ {
		salt[i] = byte(sessionID >> (56 - 8*i))
	}
	info := make([]byte, 0, 64+len("meshcore/session/v1"))
	info = append(info, []byte("meshcore/session/v1")...)
	info = append(info, initiator[:]...)
	info = append(info, responder[:]...)
	return DeriveKey(sharedSecret, salt[:], info, 32)
}
