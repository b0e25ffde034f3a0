// Package aeadframe implements the length+body ChaCha20-Poly1305 frame
// layer shared, byte for byte, by the sosistab3 obfuscator (§4.2) and the
// authenticated pipe handshake's post-handshake transport (§4.5).
//
// Per frame: a 4-byte little-endian signed length, AEAD-sealed under
// nonce (counter||0000); then that many bytes of body, AEAD-sealed under
// nonce (counter+1||0000). The counter advances by 2 per frame. A negative
// length marks a padding frame: its body is authenticated but discarded by
// the reader, not handed to the caller.
//
// Grounded on Yawning-obfs4/framing/framing.go's "encrypt the length field
// too" shape, re-derived for the spec's ChaCha20-Poly1305-only scheme in
// place of the teacher's NaCl SecretBox + SipHash-masked-length design.
package aeadframe

import (
	"bytes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeyLength is the length in bytes of the Encoder/Decoder key.
	KeyLength = chacha20poly1305.KeySize

	lengthFieldLen   = 4
	sealedLengthLen  = lengthFieldLen + chacha20poly1305.Overhead
	// MaxFrameBody is the largest payload this layer will seal in one frame.
	MaxFrameBody = 1 << 16
)

// ErrAgain signals that Decode needs more buffered bytes before it can
// produce a frame.
var ErrAgain = errors.New("aeadframe: more data needed")

// ErrTagMismatch signals AEAD authentication failure; callers must treat
// the pipe as fatally broken.
var ErrTagMismatch = errors.New("aeadframe: authentication failed")

// ErrNonceWrapped signals the 64-bit frame counter would wrap; callers must
// terminate the session rather than reuse a nonce.
var ErrNonceWrapped = errors.New("aeadframe: nonce counter wrapped")

type InvalidFrameLengthError int

func (e InvalidFrameLengthError) Error() string {
	return fmt.Sprintf("aeadframe: invalid frame length %d", int(e))
}

func nonceFor(counter uint64) [chacha20poly1305.NonceSize]byte {
	var n [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(n[:8], counter)
	return n
}

// Encoder seals frames with a strictly increasing nonce counter.
type Encoder struct {
	aead    cipher.AEAD
	counter uint64
}

// NewEncoder builds an Encoder from exactly KeyLength bytes of key material.
func NewEncoder(key []byte) (*Encoder, error) {
	if len(key) != KeyLength {
		return nil, fmt.Errorf("aeadframe: invalid key length %d", len(key))
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &Encoder{aead: aead}, nil
}

// Seal encodes one frame of body. If padding is true, the wire length is
// encoded negative so the peer discards the body after authenticating it.
func (e *Encoder) Seal(body []byte, padding bool) ([]byte, error) {
	if len(body) > MaxFrameBody {
		return nil, fmt.Errorf("aeadframe: body too large: %d", len(body))
	}
	if e.counter > ^uint64(0)-2 {
		return nil, ErrNonceWrapped
	}

	length := int32(len(body))
	if padding {
		length = -length
	}
	var lenBuf [lengthFieldLen]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(length))

	n1 := nonceFor(e.counter)
	sealedLen := e.aead.Seal(nil, n1[:], lenBuf[:], nil)

	n2 := nonceFor(e.counter + 1)
	sealedBody := e.aead.Seal(nil, n2[:], body, nil)

	e.counter += 2

	out := make([]byte, 0, len(sealedLen)+len(sealedBody))
	out = append(out, sealedLen...)
	out = append(out, sealedBody...)
	return out, nil
}

// Decoder opens frames sealed by the peer's Encoder, mirroring its counter.
type Decoder struct {
	aead    cipher.AEAD
	counter uint64

	haveLength bool
	bodyLen    int
	isPadding  bool
}

// NewDecoder builds a Decoder from exactly KeyLength bytes of key material.
func NewDecoder(key []byte) (*Decoder, error) {
	if len(key) != KeyLength {
		return nil, fmt.Errorf("aeadframe: invalid key length %d", len(key))
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &Decoder{aead: aead}, nil
}

// Decode consumes from buf and returns the next frame's body (nil, with no
// error, for a padding frame that was discarded) or ErrAgain if buf does
// not yet hold a full frame.
func (d *Decoder) Decode(buf *bytes.Buffer) ([]byte, error) {
	if !d.haveLength {
		if buf.Len() < sealedLengthLen {
			return nil, ErrAgain
		}
		sealed := make([]byte, sealedLengthLen)
		if _, err := buf.Read(sealed); err != nil {
			return nil, err
		}
		n1 := nonceFor(d.counter)
		plain, err := d.aead.Open(nil, n1[:], sealed, nil)
		if err != nil {
			return nil, ErrTagMismatch
		}
		length := int32(binary.LittleEndian.Uint32(plain))
		if length < -MaxFrameBody || length > MaxFrameBody {
			return nil, InvalidFrameLengthError(length)
		}
		d.isPadding = length < 0
		if d.isPadding {
			length = -length
		}
		d.bodyLen = int(length)
		d.haveLength = true
	}

	sealedBodyLen := d.bodyLen + chacha20poly1305.Overhead
	if buf.Len() < sealedBodyLen {
		return nil, ErrAgain
	}
	sealedBody := make([]byte, sealedBodyLen)
	if _, err := buf.Read(sealedBody); err != nil {
		return nil, err
	}
	n2 := nonceFor(d.counter + 1)
	body, err := d.aead.Open(nil, n2[:], sealedBody, nil)
	if err != nil {
		return nil, ErrTagMismatch
	}

	d.counter += 2
	wasPadding := d.isPadding
	d.haveLength = false
	d.isPadding = false
	d.bodyLen = 0

	if wasPadding {
		return nil, nil
	}
	return body, nil
}
