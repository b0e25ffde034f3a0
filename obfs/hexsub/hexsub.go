// Package hexsub implements the two stateless byte-mapper obfuscators of
// §4.2: Hex (ASCII hex encode/decode of the byte stream) and Substitution
// (a fixed 256-byte permutation applied byte-by-byte).
//
// Grounded on Yawning-obfs4/weighted_dist.go's small, self-contained
// deterministic transform style (a table built once, applied per call,
// no external state beyond the table itself).
package hexsub

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/yawning/veilnet/pipe"
)

// hexPipe doubles the wire size (one nibble per encoded byte) in both
// directions; reads de-hex the lower pipe's bytes, writes hex-encode
// before handing off. Every Write call hex-encodes its own argument
// whole, so a peer reading with a buffer at least as large as the
// underlying message always sees an even number of hex characters; a
// short Read simply blocks for the next chunk via pend.
type hexPipe struct {
	lower pipe.Pipe
	pend  []byte
}

// Wrap produces a Pipe that hex-encodes everything written to it and
// hex-decodes everything read from the lower pipe.
func Wrap(lower pipe.Pipe) pipe.Pipe {
	return &hexPipe{lower: lower}
}

func (h *hexPipe) Read(b []byte) (int, error) {
	if len(h.pend) > 0 {
		n := copy(b, h.pend)
		h.pend = h.pend[n:]
		return n, nil
	}

	raw := make([]byte, 2*len(b))
	n, err := h.lower.Read(raw)
	if n%2 != 0 {
		if err == nil {
			err = fmt.Errorf("hexsub: odd hex byte count from lower pipe")
		}
		n--
	}
	decoded, decErr := hex.DecodeString(string(raw[:n]))
	if decErr != nil {
		return 0, fmt.Errorf("hexsub: invalid hex stream: %w", decErr)
	}
	got := copy(b, decoded)
	if got < len(decoded) {
		h.pend = decoded[got:]
	}
	return got, err
}

func (h *hexPipe) Write(b []byte) (int, error) {
	encoded := make([]byte, hex.EncodedLen(len(b)))
	hex.Encode(encoded, b)
	if _, err := h.lower.Write(encoded); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (h *hexPipe) Close() error                { return h.lower.Close() }
func (h *hexPipe) SharedSecret() ([]byte, bool) { return nil, false }
func (h *hexPipe) Protocol() string             { return "hex/" + h.lower.Protocol() }
func (h *hexPipe) RemoteAddr() string           { return h.lower.RemoteAddr() }

var _ pipe.Pipe = (*hexPipe)(nil)
var _ io.ReadWriteCloser = (*hexPipe)(nil)

// SubstitutionTable is a byte-for-byte permutation and its inverse.
type SubstitutionTable struct {
	Forward [256]byte
	Inverse [256]byte
}

// NewSubstitutionTable builds a table from a forward permutation,
// validating it is a true bijection and precomputing the inverse.
func NewSubstitutionTable(forward [256]byte) (*SubstitutionTable, error) {
	t := &SubstitutionTable{Forward: forward}
	var seen [256]bool
	for i, v := range forward {
		if seen[v] {
			return nil, fmt.Errorf("hexsub: substitution table is not a bijection (duplicate %d)", v)
		}
		seen[v] = true
		t.Inverse[v] = byte(i)
	}
	return t, nil
}

type substitutionPipe struct {
	lower pipe.Pipe
	table *SubstitutionTable
}

// WrapSubstitution applies table's forward permutation to every byte
// written and its inverse to every byte read.
func WrapSubstitution(lower pipe.Pipe, table *SubstitutionTable) pipe.Pipe {
	return &substitutionPipe{lower: lower, table: table}
}

func (s *substitutionPipe) Read(b []byte) (int, error) {
	n, err := s.lower.Read(b)
	for i := 0; i < n; i++ {
		b[i] = s.table.Inverse[b[i]]
	}
	return n, err
}

func (s *substitutionPipe) Write(b []byte) (int, error) {
	out := make([]byte, len(b))
	for i, v := range b {
		out[i] = s.table.Forward[v]
	}
	return s.lower.Write(out)
}

func (s *substitutionPipe) Close() error                { return s.lower.Close() }
func (s *substitutionPipe) SharedSecret() ([]byte, bool) { return nil, false }
func (s *substitutionPipe) Protocol() string             { return "substitution/" + s.lower.Protocol() }
func (s *substitutionPipe) RemoteAddr() string           { return s.lower.RemoteAddr() }

var _ pipe.Pipe = (*substitutionPipe)(nil)
