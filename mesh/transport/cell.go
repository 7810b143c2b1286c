package transport

import (
	"crypto/rand"
	"encoding/binary"
	"io"

	"github.com/TheusHen/meshcore/mesh/crypto"
	"github.com/TheusHen/meshcore/mesh/identity"
)

// Every cell starts with kind(1) and sessionID(8). Plain and sealed cells of
// the same size class are indistinguishable in length.
const (
	cellHeaderSize = 9
	cellOverhead   = 28 // AEAD nonce and tag, or random tail on plain cells

	cellPlain  byte = 1
	cellSealed byte = 2
	cellHello  byte = 3
)

// hello body: from(32) generation(4) kemCiphertext
const helloBodySize = identity.IDLength + 4 + crypto.KEMCiphertextSize

func randomFill(n int) []byte {
	b := make([]byte, n)
	_, _ = io.ReadFull(rand.Reader, b)
	return b
}

func cellHeader(kind byte, sid uint64) []byte {
	b := make([]byte, cellHeaderSize, HelloCellSize)
	b[0] = kind
	binary.BigEndian.PutUint64(b[1:], sid)
	return b
}

// buildCell wraps one fragment into a cell of exactly cellSize bytes. A nil
// session produces a plain cell.
func buildCell(f fragment, cellSize int, s *sendSession) []byte {
	body := f.appendTo(make([]byte, 0, cellSize))
	if fill := cellSize - cellHeaderSize - cellOverhead - len(body); fill > 0 {
		body = append(body, randomFill(fill)...)
	}
	if s == nil {
		cell := append(cellHeader(cellPlain, 0), body...)
		return append(cell, randomFill(cellOverhead)...)
	}
	hdr := cellHeader(cellSealed, s.id)
	ad := append([]byte(nil), hdr...)
	return s.aead.Seal(hdr, body, ad)
}

// buildHello announces a new send session. The KEM ciphertext binds the
// session key to the recipient's generation key.
func buildHello(from identity.NodeID, s *sendSession) []byte {
	cell := cellHeader(cellHello, s.id)
	cell = append(cell, from[:]...)
	cell = binary.BigEndian.AppendUint32(cell, s.generation)
	cell = append(cell, s.kemCiphertext...)
	return append(cell, randomFill(HelloCellSize-len(cell))...)
}

type hello struct {
	sid        uint64
	from       identity.NodeID
	generation uint32
	ciphertext []byte
}

func parseHello(cell []byte) (hello, error) {
	if len(cell) < cellHeaderSize+helloBodySize {
		return hello{}, ErrMalformed
	}
	h := hello{sid: binary.BigEndian.Uint64(cell[1:9])}
	body := cell[cellHeaderSize:]
	copy(h.from[:], body[:identity.IDLength])
	h.generation = binary.BigEndian.Uint32(body[identity.IDLength:])
	h.ciphertext = body[identity.IDLength+4 : helloBodySize]
	if h.sid == 0 || h.from.IsZero() {
		return hello{}, ErrMalformed
	}
	return h, nil
}
