// Package erasure wraps Reed-Solomon coding for transport fragments and
// routing snapshots.
package erasure

import (
	"errors"
	"sync"

	"github.com/klauspost/reedsolomon"
)

var (
	ErrTooManyLost   = errors.New("erasure: too many shards lost, cannot recover")
	ErrInvalidConfig = errors.New("erasure: invalid data/parity configuration")
	ErrShardCount    = errors.New("erasure: wrong number of shards")
)

// MaxShards bounds data+parity; fragment headers carry shard counts in a byte.
const MaxShards = 255

// Codec provides Reed-Solomon encoding/decoding.
type Codec struct {
	enc          reedsolomon.Encoder
	dataShards   int
	parityShards int
}

type shape struct{ data, parity int }

var codecs sync.Map // shape -> *Codec

// NewCodec creates a new erasure codec.
// dataShards: number of data shards
// parityShards: number of parity shards (can lose up to this many)
func NewCodec(dataShards, parityShards int) (*Codec, error) {
	if dataShards <= 0 || parityShards <= 0 || dataShards+parityShards > MaxShards {
		return nil, ErrInvalidConfig
	}
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	return &Codec{
		enc:          enc,
		dataShards:   dataShards,
		parityShards: parityShards,
	}, nil
}

// Cached returns a shared codec for the given shape. Building the encoding
// matrix dominates small encodes, and fragment shapes repeat constantly.
func Cached(dataShards, parityShards int) (*Codec, error) {
	key := shape{dataShards, parityShards}
	if c, ok := codecs.Load(key); ok {
		return c.(*Codec), nil
	}
	c, err := NewCodec(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	actual, _ := codecs.LoadOrStore(key, c)
	return actual.(*Codec), nil
}

func (c *Codec) DataShards() int   { return c.dataShards }
func (c *Codec) ParityShards() int { return c.parityShards }
func (c *Codec) TotalShards() int  { return c.dataShards + c.parityShards }

// EncodeData splits data into data shards and computes parity.
// Returns all shards (data + parity).
func (c *Codec) EncodeData(data []byte) ([][]byte, error) {
	shards, err := c.enc.Split(data)
	if err != nil {
		return nil, err
	}
	if err := c.enc.Encode(shards); err != nil {
		return nil, err
	}
	return shards, nil
}

// Reconstruct fills in the missing (nil) data shards.
// Returns ErrTooManyLost if fewer than DataShards() shards are present.
func (c *Codec) Reconstruct(shards [][]byte) error {
	if len(shards) != c.TotalShards() {
		return ErrShardCount
	}
	if err := c.enc.ReconstructData(shards); err != nil {
		if errors.Is(err, reedsolomon.ErrTooFewShards) {
			return ErrTooManyLost
		}
		return err
	}
	return nil
}

// Join joins data shards back into the original data.
// outSize is the original data size (before padding).
func (c *Codec) Join(shards [][]byte, outSize int) []byte {
	data := make([]byte, 0, outSize)
	for i := 0; i < c.dataShards && len(data) < outSize; i++ {
		remaining := outSize - len(data)
		if remaining >= len(shards[i]) {
			data = append(data, shards[i]...)
		} else {
			data = append(data, shards[i][:remaining]...)
		}
	}
	return data
}

// ShardSize calculates the shard size for a given data size.
func (c *Codec) ShardSize(dataSize int) int {
	shardSize := dataSize / c.dataShards
	if dataSize%c.dataShards != 0 {
		shardSize++
	}
	return shardSize
}

// ParityFor returns how many parity shards to add to dataShards at the given
// overhead ratio, at least one.
func ParityFor(dataShards int, ratio float64) int {
	p := int(float64(dataShards)*ratio + 0.999)
	if p < 1 {
		p = 1
	}
	if dataShards+p > MaxShards {
		p = MaxShards - dataShards
	}
	return p
}
