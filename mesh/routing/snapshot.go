package routing

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/TheusHen/meshcore/mesh/internal/compress"
	"github.com/TheusHen/meshcore/mesh/internal/erasure"
	"github.com/TheusHen/meshcore/mesh/internal/fsutil"
)

// Snapshot files carry LZ4-compressed records split into Reed-Solomon
// shards, each with its own digest, so a partially corrupted file still
// restores.
//
// Layout:
//
//	4 bytes: magic "MRTS"
//	1 byte:  version
//	1 byte:  data shards
//	1 byte:  parity shards
//	4 bytes: compressed length (big endian)
//	4 bytes: shard size (big endian)
//	32 bytes per shard: SHA-256 digest
//	shard bytes, concatenated
const (
	snapshotMagic        = "MRTS"
	snapshotVersion      = 1
	snapshotDataShards   = 4
	snapshotParityShards = 2
	snapshotHeaderSize   = 4 + 1 + 1 + 1 + 4 + 4

	// maxSnapshotSize bounds decompression of a snapshot.
	maxSnapshotSize = 64 << 20
)

var ErrCorruptSnapshot = errors.New("routing: corrupt snapshot")

// Snapshot returns every record for persistence.
func (t *Table) Snapshot() []PeerRecord {
	return t.All()
}

// Restore inserts previously snapshotted records. Records that would need a
// probe are left in the replacement caches.
func (t *Table) Restore(records []PeerRecord) int {
	n := 0
	for _, rec := range records {
		out, err := t.Insert(rec)
		if err == nil && out.Result != Pending {
			n++
		}
	}
	return n
}

// SaveSnapshot writes the table to path for a warm restart.
func (t *Table) SaveSnapshot(path string) error {
	data, err := EncodeSnapshot(t.Snapshot())
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, data, 0o600)
}

// LoadSnapshot restores records from path and returns how many were placed.
func (t *Table) LoadSnapshot(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	records, err := DecodeSnapshot(data)
	if err != nil {
		return 0, err
	}
	return t.Restore(records), nil
}

func EncodeSnapshot(records []PeerRecord) ([]byte, error) {
	if records == nil {
		records = []PeerRecord{}
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return nil, err
	}
	packed, err := compress.Compress(raw, compress.Default)
	if err != nil {
		return nil, err
	}
	codec, err := erasure.Cached(snapshotDataShards, snapshotParityShards)
	if err != nil {
		return nil, err
	}
	shards, err := codec.EncodeData(packed)
	if err != nil {
		return nil, err
	}
	shardSize := len(shards[0])

	var buf bytes.Buffer
	buf.WriteString(snapshotMagic)
	buf.WriteByte(snapshotVersion)
	buf.WriteByte(snapshotDataShards)
	buf.WriteByte(snapshotParityShards)
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(len(packed)))
	buf.Write(u32[:])
	binary.BigEndian.PutUint32(u32[:], uint32(shardSize))
	buf.Write(u32[:])
	for _, s := range shards {
		sum := sha256.Sum256(s)
		buf.Write(sum[:])
	}
	for _, s := range shards {
		buf.Write(s)
	}
	return buf.Bytes(), nil
}

func DecodeSnapshot(data []byte) ([]PeerRecord, error) {
	if len(data) < snapshotHeaderSize || string(data[:4]) != snapshotMagic {
		return nil, ErrCorruptSnapshot
	}
	if data[4] != snapshotVersion {
		return nil, fmt.Errorf("%w: version %d", ErrCorruptSnapshot, data[4])
	}
	dataShards, parityShards := int(data[5]), int(data[6])
	packedLen := int(binary.BigEndian.Uint32(data[7:11]))
	shardSize := int(binary.BigEndian.Uint32(data[11:15]))
	total := dataShards + parityShards

	codec, err := erasure.Cached(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	digestsEnd := snapshotHeaderSize + total*sha256.Size
	if shardSize <= 0 || packedLen > dataShards*shardSize || len(data) != digestsEnd+total*shardSize {
		return nil, ErrCorruptSnapshot
	}

	shards := make([][]byte, total)
	for i := 0; i < total; i++ {
		start := digestsEnd + i*shardSize
		shard := data[start : start+shardSize]
		want := data[snapshotHeaderSize+i*sha256.Size : snapshotHeaderSize+(i+1)*sha256.Size]
		if sum := sha256.Sum256(shard); bytes.Equal(sum[:], want) {
			shards[i] = append([]byte(nil), shard...)
		}
	}
	if err := codec.Reconstruct(shards); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	packed := codec.Join(shards, packedLen)

	raw, err := compress.Decompress(packed, maxSnapshotSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	var records []PeerRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	return records, nil
}
