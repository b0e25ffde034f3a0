// Package fakedns implements the client-side synthetic IPv4 allocator
// and host egress policy of §4.7: every DNS name the captured-traffic
// path sees gets a stable address in 240.0.0.0/4 so platform VPN
// capture can route it back to the tunnel, and a whitelist decides
// which destinations skip the tunnel entirely.
//
// Grounded on other_examples' fantasycool-breaksocks tunnel-server.go
// style of private/loopback address checks, generalized from ad hoc
// net.IP comparisons to net/netip's value-typed prefix matching.
package fakedns

import (
	"crypto/rand"
	"fmt"
	"net/netip"
	"sync"
)

// fakeNet is the synthetic allocation range, per §4.7 ("240.0.0.0/4").
var fakeNet = netip.MustParsePrefix("240.0.0.0/4")

// Allocator maps DNS names to stable synthetic IPv4s and back. The
// first query for a name picks a random address in fakeNet and
// remembers it for the lifetime of the allocator.
type Allocator struct {
	mu      sync.Mutex
	forward map[string]netip.Addr
	reverse map[netip.Addr]string
}

// NewAllocator returns an empty forward/reverse allocator.
func NewAllocator() *Allocator {
	return &Allocator{
		forward: make(map[string]netip.Addr),
		reverse: make(map[netip.Addr]string),
	}
}

// Allocate returns the synthetic address for name, assigning one on
// first use.
func (a *Allocator) Allocate(name string) (netip.Addr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ip, ok := a.forward[name]; ok {
		return ip, nil
	}

	for attempt := 0; attempt < 64; attempt++ {
		ip, err := randomAddrIn(fakeNet)
		if err != nil {
			return netip.Addr{}, err
		}
		if _, taken := a.reverse[ip]; taken {
			continue
		}
		a.forward[name] = ip
		a.reverse[ip] = name
		return ip, nil
	}
	return netip.Addr{}, fmt.Errorf("fakedns: exhausted allocation attempts")
}

// Reverse looks up the DNS name behind a previously allocated
// synthetic address.
func (a *Allocator) Reverse(ip netip.Addr) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	name, ok := a.reverse[ip]
	return name, ok
}

// IsFake reports whether ip falls in the synthetic allocation range.
func IsFake(ip netip.Addr) bool {
	return fakeNet.Contains(ip)
}

func randomAddrIn(prefix netip.Prefix) (netip.Addr, error) {
	base := prefix.Addr().As4()
	bits := prefix.Bits()
	hostBits := 32 - bits

	var randomBytes [4]byte
	if _, err := rand.Read(randomBytes[:]); err != nil {
		return netip.Addr{}, err
	}

	mask := uint32(0)
	if hostBits > 0 {
		mask = (uint32(1) << uint(hostBits)) - 1
	}
	baseU32 := uint32(base[0])<<24 | uint32(base[1])<<16 | uint32(base[2])<<8 | uint32(base[3])
	randU32 := uint32(randomBytes[0])<<24 | uint32(randomBytes[1])<<16 | uint32(randomBytes[2])<<8 | uint32(randomBytes[3])
	result := (baseU32 &^ mask) | (randU32 & mask)

	var out [4]byte
	out[0] = byte(result >> 24)
	out[1] = byte(result >> 16)
	out[2] = byte(result >> 8)
	out[3] = byte(result)
	return netip.AddrFrom4(out), nil
}
