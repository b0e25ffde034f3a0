// Package session implements the client session-lifecycle core of
// §4.6: a small pool of concurrently live sessions, each dialing an
// exit through the obfuscator/mux/auth stack, serving stream-open
// requests off a shared hot-potato channel, and running the
// bandwidth-accounting loop on one reserved slot.
//
// Grounded on Yawning-obfs4/obfs4.go's top-level Dial/Listen lifecycle
// functions, generalized into a supervised per-slot loop, and
// other_examples SiaFoundation-mux's broadcast-wake idiom for the
// hot-potato request channel.
package session

import (
	"fmt"
	"math"

	"github.com/yawning/veilnet/internal/kdf"
)

// ExitStatus is the subset of a broker net-status entry the rendezvous
// picker needs.
type ExitStatus struct {
	ID      string
	Load    float64
	Country string
	City    string
	Host    string // Hostname constraint target, e.g. a DNS name fronting the exit

	// VerifyKeyHex is the exit's hex-encoded Ed25519 verify key, used
	// by the caller's Authenticator to pin auth.ServerHandshake's
	// counterpart. It plays no part in constraint matching or
	// rendezvous hashing.
	VerifyKeyHex string
}

// ConstraintKind is the tag of an exit-selection constraint (§4.6).
type ConstraintKind int

const (
	Auto ConstraintKind = iota
	Direct
	Country
	CountryCity
	Hostname
)

// Constraint narrows the candidate exit pool before rendezvous
// selection runs.
type Constraint struct {
	Kind  ConstraintKind
	Value string // Direct host/pubkey, Hostname target
	CC    string // Country/CountryCity country code
	City  string // CountryCity city
}

func (c Constraint) matches(e ExitStatus) bool {
	switch c.Kind {
	case Auto:
		return true
	case Direct:
		return e.Host == c.Value || e.ID == c.Value
	case Country:
		return e.Country == c.CC
	case CountryCity:
		return e.Country == c.CC && e.City == c.City
	case Hostname:
		return e.Host == c.Value
	default:
		return false
	}
}

// PickExit applies constraint to candidates, then rendezvous-hashes
// the survivors against clientIP: each exit's weight is
// -ln(h)/(1-load)^2 where h is a keyed blake3 hash of the exit id and
// clientIP mapped into (0,1]; the smallest weight wins. A load of 1.0
// (fully loaded) makes an exit unselectable.
func PickExit(candidates []ExitStatus, constraint Constraint, clientIP string) (ExitStatus, error) {
	var best ExitStatus
	bestWeight := math.Inf(1)
	found := false

	for _, e := range candidates {
		if !constraint.matches(e) {
			continue
		}
		if e.Load >= 1.0 {
			continue
		}
		h := hashToUnitInterval(e.ID, clientIP)
		weight := -math.Log(h) / math.Pow(1-e.Load, 2)
		if weight < bestWeight {
			bestWeight = weight
			best = e
			found = true
		}
	}
	if !found {
		return ExitStatus{}, fmt.Errorf("session: no exit satisfies constraint")
	}
	return best, nil
}

// hashToUnitInterval maps a keyed blake3 digest of id into (0, 1],
// never returning exactly 0 (which would make -ln(h) infinite).
func hashToUnitInterval(id, key string) float64 {
	var keyArr [32]byte
	copy(keyArr[:], kdf.Derive("rendezvous", []byte(key), 32))
	digest := kdf.KeyedHash(keyArr, []byte(id))

	var n uint64
	for i := 0; i < 8; i++ {
		n = n<<8 | uint64(digest[i])
	}
	const maxUint64 = 1<<64 - 1
	h := (float64(n) + 1) / float64(maxUint64+1.0) // in (0, 1]
	return h
}
