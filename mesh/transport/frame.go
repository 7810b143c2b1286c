package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFramePayload limits a single stream frame payload.
const MaxFramePayload = 64 << 10

var (
	ErrFrameTooLarge = errors.New("transport: frame payload too large")
	ErrInvalidFrame  = errors.New("transport: invalid frame type")
)

// FrameType tags a stream frame.
type FrameType uint8

const (
	FrameCell  FrameType = 1
	FrameClose FrameType = 2
)

func (t FrameType) String() string {
	switch t {
	case FrameCell:
		return "CELL"
	case FrameClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// Frame is the container for cells on a stream fallback path.
// Format:
//
//	1 byte: type
//	4 bytes: payload length (big endian)
//	N bytes: payload
type Frame struct {
	Type    FrameType
	Payload []byte
}

// WriteFrame writes f with a single Write so concurrent writers that hold a
// lock per frame never interleave.
func WriteFrame(w io.Writer, f Frame) error {
	if f.Type == 0 {
		return ErrInvalidFrame
	}
	if len(f.Payload) > MaxFramePayload {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 5+len(f.Payload))
	buf[0] = byte(f.Type)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(f.Payload)))
	copy(buf[5:], f.Payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame. It reads exactly the frame's bytes, so it can be
// called repeatedly on the same stream.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	payloadLen := binary.BigEndian.Uint32(hdr[1:])
	if payloadLen > MaxFramePayload {
		return Frame{}, fmt.Errorf("%w: %d", ErrFrameTooLarge, payloadLen)
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, err
	}
	ft := FrameType(hdr[0])
	if ft == 0 {
		return Frame{}, ErrInvalidFrame
	}
	return Frame{Type: ft, Payload: payload}, nil
}
