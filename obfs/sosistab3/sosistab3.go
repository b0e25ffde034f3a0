// Package sosistab3 implements the spec's symmetric, cookie-authenticated,
// X25519-agreed obfuscator (§4.2). It wraps a lower pipe.Pipe, producing
// one whose Read/Write carry the §3 AEAD-framed wire format once the
// handshake completes.
//
// Grounded on Yawning-obfs4/obfs4.go's clientHandshake/serverHandshake
// control flow (generate blob, send, read peer's blob off a growing
// receive buffer, derive link keys, flip to established state) and
// Yawning-obfs4/common/ntor's domain-separated KDF idiom, replacing ntor's
// fixed node-id/public-key protocol with the spec's cookie + X25519 scheme.
package sosistab3

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"github.com/yawning/veilnet/internal/aeadframe"
	"github.com/yawning/veilnet/internal/framedpipe"
	"github.com/yawning/veilnet/internal/kdf"
	"github.com/yawning/veilnet/pipe"
)

const (
	maxPaddingLen      = 256
	maxHandshakeFrame  = handshakeRecordLen + chacha20poly1305.Overhead + maxPaddingLen + 12
	handshakeReadLimit = maxHandshakeFrame * 2
)

// Cookie is the shared out-of-band secret (delivered via the route
// descriptor) that authenticates both ends to each other before the X25519
// exchange establishes confidentiality.
type Cookie []byte

// readUntil reads from lower in small increments until want no
// longer wants more, mirroring Yawning-obfs4/obfs4.go's receiveBuffer
// growth loop during the handshake.
func readUntil(lower pipe.Pipe, buf *bytes.Buffer, want func() (int, bool)) error {
	var tmp [256]byte
	for {
		if _, ok := want(); ok {
			return nil
		}
		n, err := lower.Read(tmp[:])
		if n > 0 {
			buf.Write(tmp[:n])
		}
		if err != nil {
			return err
		}
		if buf.Len() > handshakeReadLimit {
			return fmt.Errorf("sosistab3: handshake exceeded size limit")
		}
	}
}

func sealHandshake(rec *handshakeRecord, key [32]byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, nonce, rec.marshal(), nil)
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// openHandshake decrypts blob (nonce||ciphertext||tag) under key and
// returns the parsed record alongside the full sealed blob, since
// respondingTo is a hash of the nonce, ciphertext and tag together,
// not just the ciphertext portion; the padding after it is not hashed.
func openHandshake(blob []byte, key [32]byte) (*handshakeRecord, []byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, nil, err
	}
	if len(blob) < chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, nil, fmt.Errorf("sosistab3: handshake blob too short")
	}
	nonce := blob[:chacha20poly1305.NonceSize]
	ciphertext := blob[chacha20poly1305.NonceSize:]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("sosistab3: cookie decrypt failed: %w", err)
	}
	rec, err := unmarshalHandshakeRecord(plain)
	if err != nil {
		return nil, nil, err
	}
	return rec, blob, nil
}

func sealedHandshakeLen() int {
	return chacha20poly1305.NonceSize + handshakeRecordLen + chacha20poly1305.Overhead
}

func buildAndSendHandshake(lower pipe.Pipe, cookie []byte, role string, respondingTo [32]byte) ([]byte, *[32]byte, error) {
	priv, epk, err := newX25519Keypair()
	if err != nil {
		return nil, nil, err
	}
	paddingLen := uint64(randRange(0, maxPaddingLen))
	padding := make([]byte, paddingLen)
	if _, err := rand.Read(padding); err != nil {
		return nil, nil, err
	}
	paddingHash := kdf.Hash(padding)

	rec := &handshakeRecord{
		epk:          epk,
		timestamp:    time.Now().Unix(),
		paddingLen:   paddingLen,
		paddingHash:  paddingHash,
		respondingTo: respondingTo,
	}

	key := cookieKey(cookie, role)
	sealed, err := sealHandshake(rec, key)
	if err != nil {
		return nil, nil, err
	}

	frame := append(append([]byte{}, sealed...), padding...)
	if _, err := lower.Write(frame); err != nil {
		return nil, nil, err
	}
	return sealed, priv, nil
}

func newX25519Keypair() (*[32]byte, [32]byte, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, [32]byte{}, err
	}
	var pub [32]byte
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, [32]byte{}, err
	}
	copy(pub[:], pubSlice)
	return &priv, pub, nil
}

func sharedSecret(priv *[32]byte, peerPub [32]byte) ([]byte, error) {
	return curve25519.X25519(priv[:], peerPub[:])
}

func randRange(lo, hi int) int {
	var b [4]byte
	_, _ = rand.Read(b[:])
	v := int(b[0])<<24 | int(b[1])<<16 | int(b[2])<<8 | int(b[3])
	if v < 0 {
		v = -v
	}
	return lo + v%(hi-lo+1)
}

// Dial performs the sosistab3 client handshake over lower and returns the
// resulting authenticated pipe.
func Dial(lower pipe.Pipe, cookie Cookie) (pipe.Pipe, error) {
	var zero [32]byte
	sealedCiphertext, priv, err := buildAndSendHandshake(lower, cookie, "client", zero)
	if err != nil {
		return nil, err
	}

	var peerBuf bytes.Buffer
	serverRec, err := readServerHandshake(lower, &peerBuf, cookie)
	if err != nil {
		return nil, err
	}

	expectedRespondingTo := kdf.Hash(sealedCiphertext)
	if serverRec.respondingTo != expectedRespondingTo {
		return nil, fmt.Errorf("sosistab3: server responding_to mismatch")
	}
	if err := serverRec.checkSkew(time.Now()); err != nil {
		return nil, err
	}

	secret, err := sharedSecret(priv, serverRec.epk)
	if err != nil {
		return nil, err
	}
	return wrapFramed(lower, secret, false)
}

// Accept performs the sosistab3 server handshake over lower.
func Accept(lower pipe.Pipe, cookie Cookie) (pipe.Pipe, error) {
	var peerBuf bytes.Buffer
	clientRec, clientSealed, err := readClientHandshake(lower, &peerBuf, cookie)
	if err != nil {
		return nil, err
	}
	if err := clientRec.checkSkew(time.Now()); err != nil {
		return nil, err
	}

	respondingTo := kdf.Hash(clientSealed)
	_, priv, err := buildAndSendHandshake(lower, cookie, "server", respondingTo)
	if err != nil {
		return nil, err
	}

	secret, err := sharedSecret(priv, clientRec.epk)
	if err != nil {
		return nil, err
	}
	return wrapFramed(lower, secret, true)
}

func wrapFramed(lower pipe.Pipe, secret []byte, isServer bool) (pipe.Pipe, error) {
	c2e := kdf.Derive("c2e", secret, aeadframe.KeyLength)
	e2c := kdf.Derive("e2c", secret, aeadframe.KeyLength)

	sendKey, recvKey := c2e, e2c
	if isServer {
		sendKey, recvKey = e2c, c2e
	}

	enc, err := aeadframe.NewEncoder(sendKey)
	if err != nil {
		return nil, err
	}
	dec, err := aeadframe.NewDecoder(recvKey)
	if err != nil {
		return nil, err
	}
	return framedpipe.New(lower, enc, dec, "sosistab3"), nil
}

func readClientHandshake(lower pipe.Pipe, buf *bytes.Buffer, cookie []byte) (*handshakeRecord, []byte, error) {
	return readHandshakeRole(lower, buf, cookie, "client")
}

func readServerHandshake(lower pipe.Pipe, buf *bytes.Buffer, cookie []byte) (*handshakeRecord, error) {
	rec, _, err := readHandshakeRole(lower, buf, cookie, "server")
	return rec, err
}

func readHandshakeRole(lower pipe.Pipe, buf *bytes.Buffer, cookie []byte, role string) (*handshakeRecord, []byte, error) {
	key := cookieKey(cookie, role)
	sealedLen := sealedHandshakeLen()

	if err := readUntil(lower, buf, func() (int, bool) {
		return sealedLen, buf.Len() >= sealedLen
	}); err != nil {
		return nil, nil, err
	}
	sealed := make([]byte, sealedLen)
	copy(sealed, buf.Bytes()[:sealedLen])

	rec, sealedOut, err := openHandshake(sealed, key)
	if err != nil {
		return nil, nil, err
	}

	total := sealedLen + int(rec.paddingLen)
	if err := readUntil(lower, buf, func() (int, bool) {
		return total, buf.Len() >= total
	}); err != nil {
		return nil, nil, err
	}
	padding := make([]byte, rec.paddingLen)
	copy(padding, buf.Bytes()[sealedLen:total])
	buf.Next(total)

	gotHash := kdf.Hash(padding)
	if gotHash != rec.paddingHash {
		return nil, nil, fmt.Errorf("sosistab3: padding hash mismatch")
	}

	return rec, sealedOut, nil
}
