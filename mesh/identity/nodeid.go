package identity

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/bits"
)

// IDLength is the size of a NodeID in bytes.
const IDLength = 32

// IDBits is the size of a NodeID in bits, which is also the number of
// Kademlia buckets.
const IDBits = IDLength * 8

var nodeIDLabel = []byte("meshcore/node-id/v1")

// NodeID is the stable identifier for a node.
// It is defined as: NodeID = SHA-256(label || root signature public key).
type NodeID [IDLength]byte

var ErrInvalidNodeID = errors.New("identity: invalid NodeID")

func NodeIDFromPublicKey(rootPublicKey []byte) NodeID {
	h := sha256.New()
	h.Write(nodeIDLabel)
	h.Write(rootPublicKey)
	var id NodeID
	copy(id[:], h.Sum(nil))
	return id
}

func ParseNodeID(s string) (NodeID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return NodeID{}, err
	}
	if len(b) != IDLength {
		return NodeID{}, ErrInvalidNodeID
	}
	var id NodeID
	copy(id[:], b)
	return id, nil
}

func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first 8 hex characters, for logs.
func (id NodeID) Short() string {
	return hex.EncodeToString(id[:4])
}

func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

func (id NodeID) Xor(other NodeID) NodeID {
	var out NodeID
	for i := range id {
		out[i] = id[i] ^ other[i]
	}
	return out
}

// PrefixLen returns the number of leading bits id and other share.
func (id NodeID) PrefixLen(other NodeID) int {
	for i := range id {
		if x := id[i] ^ other[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return IDBits
}

func (id NodeID) Less(other NodeID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// CloserTo reports whether id is strictly closer to target than other,
// with ties broken by the lower NodeID.
func (id NodeID) CloserTo(target, other NodeID) bool {
	da, db := id.Xor(target), other.Xor(target)
	if c := bytes.Compare(da[:], db[:]); c != 0 {
		return c < 0
	}
	return id.Less(other)
}

func (id NodeID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *NodeID) UnmarshalText(b []byte) error {
	parsed, err := ParseNodeID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// RandomInBucket returns a random NodeID sharing exactly bucket leading bits
// with local.
func RandomInBucket(local NodeID, bucket int) (NodeID, error) {
	var id NodeID
	if _, err := rand.Read(id[:]); err != nil {
		return NodeID{}, err
	}
	if bucket >= IDBits {
		return local, nil
	}
	for i := 0; i < bucket; i++ {
		byteIdx, bit := i/8, byte(0x80>>(i%8))
		id[byteIdx] = id[byteIdx]&^bit | local[byteIdx]&bit
	}
	byteIdx, bit := bucket/8, byte(0x80>>(bucket%8))
	id[byteIdx] = id[byteIdx]&^bit | ^local[byteIdx]&bit
	return id, nil
}
