package transport

import (
	"encoding/binary"
	"math"
	"net/netip"
	"sync"
	"time"

	"github.com/TheusHen/meshcore/mesh/internal/erasure"
)

// fragment header: msgID(8) index(1) data(1) parity(1) total(4)
const fragmentHeaderSize = 15

// fragment is one shard of an envelope. Envelopes that fit one cell travel
// as a single fragment with no parity.
type fragment struct {
	msgID  uint64
	index  uint8
	data   uint8
	parity uint8
	total  uint32
	shard  []byte
}

func shardSize(total uint32, data uint8) int {
	if data == 0 {
		return 0
	}
	return int(math.Ceil(float64(total) / float64(data)))
}

func (f fragment) appendTo(b []byte) []byte {
	b = binary.BigEndian.AppendUint64(b, f.msgID)
	b = append(b, f.index, f.data, f.parity)
	b = binary.BigEndian.AppendUint32(b, f.total)
	return append(b, f.shard...)
}

// parseFragment decodes a fragment; bytes past the shard are cell fill.
func parseFragment(b []byte) (fragment, error) {
	if len(b) < fragmentHeaderSize {
		return fragment{}, ErrMalformed
	}
	f := fragment{
		msgID:  binary.BigEndian.Uint64(b[0:8]),
		index:  b[8],
		data:   b[9],
		parity: b[10],
		total:  binary.BigEndian.Uint32(b[11:15]),
	}
	if f.data == 0 || int(f.index) >= int(f.data)+int(f.parity) || int(f.data)+int(f.parity) > erasure.MaxShards {
		return fragment{}, ErrMalformed
	}
	n := shardSize(f.total, f.data)
	if n == 0 || len(b)-fragmentHeaderSize < n {
		return fragment{}, ErrMalformed
	}
	f.shard = append([]byte(nil), b[fragmentHeaderSize:fragmentHeaderSize+n]...)
	return f, nil
}

// fragmentEnvelope splits an encoded envelope into fragments for cells of
// cellSize bytes, adding Reed-Solomon parity when more than one cell is
// needed.
func fragmentEnvelope(msgID uint64, env []byte, cellSize int, fecRatio float64) ([]fragment, error) {
	capacity := fragmentCapacity(cellSize)
	if len(env) <= capacity {
		return []fragment{{msgID: msgID, data: 1, total: uint32(len(env)), shard: env}}, nil
	}
	n := int(math.Ceil(float64(len(env)) / float64(capacity)))
	if n >= erasure.MaxShards {
		return nil, ErrPayloadTooLarge
	}
	p := erasure.ParityFor(n, fecRatio)
	if p < 1 {
		return nil, ErrPayloadTooLarge
	}
	codec, err := erasure.Cached(n, p)
	if err != nil {
		return nil, err
	}
	shards, err := codec.EncodeData(env)
	if err != nil {
		return nil, err
	}
	out := make([]fragment, len(shards))
	for i, s := range shards {
		out[i] = fragment{
			msgID:  msgID,
			index:  uint8(i),
			data:   uint8(n),
			parity: uint8(p),
			total:  uint32(len(env)),
			shard:  s,
		}
	}
	return out, nil
}

type partialKey struct {
	src   netip.AddrPort
	msgID uint64
}

type partial struct {
	shards  [][]byte
	have    int
	data    uint8
	parity  uint8
	total   uint32
	created time.Time
}

// reassembler collects fragments per source until enough shards arrive to
// rebuild the envelope.
type reassembler struct {
	mu      sync.Mutex
	parts   map[partialKey]*partial
	done    map[partialKey]time.Time
	timeout time.Duration
	max     int
	now     func() time.Time
}

func newReassembler(timeout time.Duration, max int) *reassembler {
	return &reassembler{
		parts:   make(map[partialKey]*partial),
		done:    make(map[partialKey]time.Time),
		timeout: timeout,
		max:     max,
		now:     time.Now,
	}
}

// add stores f and returns the rebuilt envelope once complete, or nil.
func (r *reassembler) add(src netip.AddrPort, f fragment) ([]byte, error) {
	if f.data == 1 && f.parity == 0 {
		return f.shard, nil
	}
	key := partialKey{src: src, msgID: f.msgID}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.done[key]; ok {
		return nil, nil
	}
	p, ok := r.parts[key]
	if !ok {
		if len(r.parts) >= r.max {
			r.dropOldestLocked()
		}
		p = &partial{
			shards:  make([][]byte, int(f.data)+int(f.parity)),
			data:    f.data,
			parity:  f.parity,
			total:   f.total,
			created: r.now(),
		}
		r.parts[key] = p
	}
	if p.data != f.data || p.parity != f.parity || p.total != f.total {
		return nil, ErrMalformed
	}
	if p.shards[f.index] != nil {
		return nil, nil
	}
	p.shards[f.index] = f.shard
	p.have++
	if p.have < int(p.data) {
		return nil, nil
	}

	delete(r.parts, key)
	r.done[key] = r.now()
	codec, err := erasure.Cached(int(p.data), int(p.parity))
	if err != nil {
		return nil, err
	}
	if err := codec.Reconstruct(p.shards); err != nil {
		return nil, err
	}
	return codec.Join(p.shards, int(p.total)), nil
}

func (r *reassembler) dropOldestLocked() {
	var (
		oldest partialKey
		at     time.Time
		found  bool
	)
	for k, p := range r.parts {
		if !found || p.created.Before(at) {
			oldest, at, found = k, p.created, true
		}
	}
	if found {
		delete(r.parts, oldest)
	}
}

// expire drops partial messages and completion markers older than the
// reassembly timeout. It returns the number of partial messages dropped.
func (r *reassembler) expire() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.timeout)
	dropped := 0
	for k, p := range r.parts {
		if p.created.Before(cutoff) {
			delete(r.parts, k)
			dropped++
		}
	}
	for k, at := range r.done {
		if at.Before(cutoff) {
			delete(r.done, k)
		}
	}
	return dropped
}

func (r *reassembler) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.parts)
}
