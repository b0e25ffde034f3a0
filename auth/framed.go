package auth

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/yawning/veilnet/pipe"
)

// maxHandshakeMessage bounds a single length-prefixed handshake JSON
// message, generously sized for a Mizaru-signed connect token.
const maxHandshakeMessage = 1 << 16

// writeJSON sends v as a 4-byte-big-endian length-prefixed JSON message,
// per §4.5 ("length-prefixed (4-byte big-endian)").
func writeJSON(p pipe.Pipe, v interface{}) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := p.Write(hdr[:]); err != nil {
		return nil, err
	}
	if _, err := p.Write(body); err != nil {
		return nil, err
	}
	return body, nil
}

// readJSON reads one length-prefixed JSON message into v and returns the
// raw body bytes (needed to reconstruct the signed payload).
func readJSON(p pipe.Pipe, v interface{}) ([]byte, error) {
	var hdr [4]byte
	if _, err := readFull(p, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxHandshakeMessage {
		return nil, fmt.Errorf("auth: handshake message too large: %d", n)
	}
	body := make([]byte, n)
	if _, err := readFull(p, body); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return nil, err
	}
	return body, nil
}

func readFull(p pipe.Pipe, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := p.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// jsonMarshalCanonical marshals v the same way writeJSON would, without
// writing it to a pipe; Go's encoding/json always emits struct fields in
// declaration order, so this is stable for signing purposes.
func jsonMarshalCanonical(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// signedPayload reconstructs the exact bytes the exit signs: the client
// hello body concatenated with the inner-reply body, matching §4.5's
// "signature is over the serialization of (ClientHello, inner)".
func signedPayload(clientHelloBody, innerBody []byte) []byte {
	var buf bytes.Buffer
	buf.Write(clientHelloBody)
	buf.Write(innerBody)
	return buf.Bytes()
}
