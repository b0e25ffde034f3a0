// Package kdf implements the domain-separated blake3 key derivation shared
// by the sosistab3 obfuscator and the authenticated pipe handshake.
package kdf

import (
	"github.com/zeebo/blake3"
)

// Derive produces outLen bytes of keying material from secret, domain
// separated by label (e.g. "c2e", "e2c"). Grounded on the teacher's
// common/ntor.Kdf, generalized from the fixed-output HKDF-ish hash chain to
// blake3's native keyed-derive mode.
func Derive(label string, secret []byte, outLen int) []byte {
	h := blake3.NewDeriveKey("veilnet-v1 " + label)
	h.Write(secret)
	out := make([]byte, outLen)
	r := h.Digest()
	if _, err := r.Read(out); err != nil {
		panic("kdf: blake3 digest read failed: " + err.Error())
	}
	return out
}

// Hash returns the blake3-256 digest of data.
func Hash(data []byte) [32]byte {
	return blake3.Sum256(data)
}

// KeyedHash returns the blake3 keyed digest of data under key, used
// for the shared-secret challenge response and for rendezvous hashing.
func KeyedHash(key [32]byte, data []byte) [32]byte {
	kh, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("kdf: invalid key length: " + err.Error())
	}
	kh.Write(data)
	var out [32]byte
	copy(out[:], kh.Sum(nil))
	return out
}

// CookieKey derives a 32-byte AEAD key for a sosistab3 cookie, domain
// separated by role ("client" or "server").
func CookieKey(cookie []byte, role string) [32]byte {
	var out [32]byte
	copy(out[:], Derive("cookie/"+role, cookie, 32))
	return out
}
