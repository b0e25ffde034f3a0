// Package conntest implements the spec's connection quality gate (§4.2):
// before handing a lower pipe up to the next layer, the client proves it
// is receiving exactly what it sends by round-tripping ping_count random
// payloads and the server echoes them back unmodified.
//
// Grounded on Yawning-obfs4/csrand's "use crypto/rand for anything that
// crosses the wire" idiom for generating the test payloads.
package conntest

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/yawning/veilnet/pipe"
)

// maxPingSize bounds a single ping payload to keep a misbehaving peer
// from forcing an unbounded allocation.
const maxPingSize = 1 << 16

// Dial runs the client side of the quality gate over lower: pingCount
// rounds of (send random u16-prefixed bytes, read them back verbatim),
// then a u16(0) terminator. Any short read, timeout, or mismatched echo
// fails the dial and lower is left in an indeterminate state for the
// caller to close.
func Dial(lower pipe.Pipe, pingCount int) (pipe.Pipe, error) {
	for i := 0; i < pingCount; i++ {
		size, err := randSize()
		if err != nil {
			return nil, err
		}
		payload := make([]byte, size)
		if _, err := rand.Read(payload); err != nil {
			return nil, err
		}
		if err := writeSized(lower, payload); err != nil {
			return nil, fmt.Errorf("conntest: ping %d write failed: %w", i, err)
		}
		echoed, err := readSized(lower)
		if err != nil {
			return nil, fmt.Errorf("conntest: ping %d read failed: %w", i, err)
		}
		if string(echoed) != string(payload) {
			return nil, fmt.Errorf("conntest: ping %d echo mismatch", i)
		}
	}
	if err := writeSize(lower, 0); err != nil {
		return nil, fmt.Errorf("conntest: terminator write failed: %w", err)
	}
	return lower, nil
}

// Accept runs the server side: echo every sized payload back until a
// u16(0) terminator arrives, then hand lower off unchanged.
func Accept(lower pipe.Pipe) (pipe.Pipe, error) {
	for {
		size, err := readSize(lower)
		if err != nil {
			return nil, err
		}
		if size == 0 {
			return lower, nil
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(lower, payload); err != nil {
			return nil, fmt.Errorf("conntest: echo read failed: %w", err)
		}
		if err := writeSized(lower, payload); err != nil {
			return nil, fmt.Errorf("conntest: echo write failed: %w", err)
		}
	}
}

func randSize() (uint16, error) {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	// Keep sizes in a reasonable small range so a gate round-trip stays
	// cheap; zero is reserved for the terminator.
	return 1 + binary.BigEndian.Uint16(b[:])%4096, nil
}

func writeSize(p pipe.Pipe, n uint16) error {
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], n)
	_, err := p.Write(hdr[:])
	return err
}

func readSize(p pipe.Pipe) (uint16, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(p, hdr[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(hdr[:]), nil
}

func writeSized(p pipe.Pipe, body []byte) error {
	if len(body) > maxPingSize {
		return fmt.Errorf("conntest: payload too large: %d", len(body))
	}
	if err := writeSize(p, uint16(len(body))); err != nil {
		return err
	}
	_, err := p.Write(body)
	return err
}

func readSized(p pipe.Pipe) ([]byte, error) {
	size, err := readSize(p)
	if err != nil {
		return nil, err
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(p, body); err != nil {
		return nil, err
	}
	return body, nil
}
