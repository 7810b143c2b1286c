package transport

import (
	"encoding/binary"

	"github.com/TheusHen/meshcore/mesh/identity"
)

// EnvelopeType selects the consumer of an envelope.
type EnvelopeType uint8

const (
	TypeDiscovery EnvelopeType = 1
	TypeConsensus EnvelopeType = 2
	TypeProbe     EnvelopeType = 3
	TypeProbeAck  EnvelopeType = 4
	TypeRelay     EnvelopeType = 5
)

func (t EnvelopeType) String() string {
	switch t {
	case TypeDiscovery:
		return "discovery"
	case TypeConsensus:
		return "consensus"
	case TypeProbe:
		return "probe"
	case TypeProbeAck:
		return "probe_ack"
	case TypeRelay:
		return "relay"
	default:
		return "unknown"
	}
}

func (t EnvelopeType) valid() bool { return t >= TypeDiscovery && t <= TypeRelay }

// control types are consumed by the transport itself and bypass sequencing.
func (t EnvelopeType) control() bool { return t >= TypeProbe && t <= TypeRelay }

// Envelope is the signed unit carried by cells.
//
// Wire layout (big endian):
//
//	type(1) epoch(4) seq(8) from(32) payloadLen(4) payload bundleLen(4) bundle
//	sigLen(2) signature padLen(4) padding
//
// The signature covers every byte before sigLen. Padding is not signed.
type Envelope struct {
	Type      EnvelopeType
	Epoch     uint32
	Seq       uint64
	From      identity.NodeID
	Payload   []byte
	Bundle    []byte
	Signature []byte
	Padding   []byte
}

const envelopeFixedSize = 1 + 4 + 8 + identity.IDLength + 4 + 4 + 2 + 4

func (e *Envelope) signedBytes() []byte {
	b := make([]byte, 0, 1+4+8+identity.IDLength+8+len(e.Payload)+len(e.Bundle))
	b = append(b, byte(e.Type))
	b = binary.BigEndian.AppendUint32(b, e.Epoch)
	b = binary.BigEndian.AppendUint64(b, e.Seq)
	b = append(b, e.From[:]...)
	b = binary.BigEndian.AppendUint32(b, uint32(len(e.Payload)))
	b = append(b, e.Payload...)
	b = binary.BigEndian.AppendUint32(b, uint32(len(e.Bundle)))
	b = append(b, e.Bundle...)
	return b
}

// unpaddedSize is the encoded size with empty padding.
func (e *Envelope) unpaddedSize() int {
	return envelopeFixedSize + len(e.Payload) + len(e.Bundle) + len(e.Signature)
}

// Marshal encodes the envelope.
func (e *Envelope) Marshal() []byte {
	b := e.signedBytes()
	b = binary.BigEndian.AppendUint16(b, uint16(len(e.Signature)))
	b = append(b, e.Signature...)
	b = binary.BigEndian.AppendUint32(b, uint32(len(e.Padding)))
	return append(b, e.Padding...)
}

// UnmarshalEnvelope decodes an envelope. Trailing bytes are rejected.
func UnmarshalEnvelope(b []byte) (*Envelope, error) {
	r := reader{buf: b}
	e := &Envelope{}
	e.Type = EnvelopeType(r.byte())
	e.Epoch = r.uint32()
	e.Seq = r.uint64()
	copy(e.From[:], r.bytes(identity.IDLength))
	e.Payload = r.bytes(int(r.uint32()))
	e.Bundle = r.bytes(int(r.uint32()))
	e.Signature = r.bytes(int(r.uint16()))
	e.Padding = r.bytes(int(r.uint32()))
	if r.err || len(r.buf) != 0 || !e.Type.valid() {
		return nil, ErrMalformed
	}
	return e, nil
}

// reader is a bounds-checked cursor; any overrun sets err and yields zeros.
type reader struct {
	buf []byte
	err bool
}

func (r *reader) bytes(n int) []byte {
	if r.err || n < 0 || n > len(r.buf) {
		r.err = true
		return nil
	}
	out := r.buf[:n:n]
	r.buf = r.buf[n:]
	return out
}

func (r *reader) byte() byte {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) uint16() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) uint32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) uint64() uint64 {
	b := r.bytes(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
