package accounting

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// StreamMetadata is the mux SYN metadata that marks a stream as the
// reserved bandwidth-accounting channel (§4.6, "slot 0 only, runs the
// bandwidth-accounting loop on a reserved stream").
const StreamMetadata = "!bw-accounting-2"

// LowBalanceThreshold is when the client-side reader should redeem a
// stored token, per §4.8 ("below a threshold (~5 MB)").
const LowBalanceThreshold = 5 * 1024 * 1024

// TokenRetryInterval is how long the client waits before retrying
// when it has no stored token to redeem.
const TokenRetryInterval = time.Second

// EncodeRemaining formats the exit's remaining-balance update:
// big-endian u64.
func EncodeRemaining(remaining uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], remaining)
	return buf[:]
}

// DecodeRemaining parses a remaining-balance update.
func DecodeRemaining(buf []byte) (uint64, error) {
	if len(buf) != 8 {
		return 0, fmt.Errorf("accounting: malformed remaining-balance update (%d bytes)", len(buf))
	}
	return binary.BigEndian.Uint64(buf), nil
}

// BandwidthToken is a single-use credit, base64-stdcode-encoded on the
// wire per §4.8: "(ClientToken, SingleUnblindedSignature)".
type BandwidthToken struct {
	ClientToken        []byte
	UnblindedSignature []byte
}

// EncodeToken renders one token as the newline-delimited base64 form
// the exit expects.
func EncodeToken(t BandwidthToken) string {
	raw := append(append([]byte{}, t.ClientToken...), t.UnblindedSignature...)
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodeToken parses one base64 line back into a token, given the
// fixed ClientToken length (32 bytes per §3).
func DecodeToken(line string) (BandwidthToken, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(line))
	if err != nil {
		return BandwidthToken{}, fmt.Errorf("accounting: malformed token: %w", err)
	}
	const clientTokenLen = 32
	if len(raw) <= clientTokenLen {
		return BandwidthToken{}, fmt.Errorf("accounting: token too short")
	}
	return BandwidthToken{
		ClientToken:        raw[:clientTokenLen],
		UnblindedSignature: raw[clientTokenLen:],
	}, nil
}
