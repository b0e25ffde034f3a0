// Package route compiles the recursive RouteDescriptor tree into a
// composed Dialer or Listener: a pure recursive-descent walk over the
// tree that wraps each layer's dialer/listener with the obfuscator
// (or combinator) the node names.
//
// Grounded on Yawning-obfs4/transports/base.Transport, generalized
// from "pick one fixed transport at compile time" to "recursively
// compose a tree of transports."
package route

import "fmt"

// Descriptor is the tagged union of §3's RouteDescriptor. Go has no
// sum types; this is modeled as an interface implemented by one
// concrete struct per variant, pattern-matched with a type switch in
// Compile/CompileListener rather than a class hierarchy.
type Descriptor interface {
	isDescriptor()
}

// Tcp is the leaf: a plain TCP dial/listen address.
type Tcp struct {
	Addr string
}

// Sosistab3 wraps Lower in the cookie-authenticated X25519 obfuscator.
type Sosistab3 struct {
	Cookie []byte
	Lower  Descriptor
}

// PlainTls wraps Lower in a disguise-only TLS handshake. SNI is
// optional.
type PlainTls struct {
	SNI   string
	Lower Descriptor
}

// Meeklike wraps Lower in the HTTP POST polling transport.
type Meeklike struct {
	Key   []byte
	Lower Descriptor
}

// Hex wraps Lower in ASCII hex encoding.
type Hex struct {
	Lower Descriptor
}

// Substitution wraps Lower in a fixed byte permutation.
type Substitution struct {
	Table [256]byte
	Lower Descriptor
}

// ConnTest wraps Lower in the ping-echo quality gate.
type ConnTest struct {
	PingCount int
	Lower     Descriptor
}

// Race dials every child concurrently (dialer only); the first
// success wins.
type Race struct {
	Children []Descriptor
}

// Fallback tries every child in order (dialer only); the first
// success wins.
type Fallback struct {
	Children []Descriptor
}

// Timeout applies a hard deadline to Lower's dial.
type Timeout struct {
	MS    int
	Lower Descriptor
}

// Delay sleeps before starting Lower's dial.
type Delay struct {
	MS    int
	Lower Descriptor
}

// Other is the forward-compatibility escape: an unrecognized
// descriptor that must compile to an always-failing dialer, never a
// compile error or a panic.
type Other struct {
	Kind    string
	Payload []byte
}

func (Tcp) isDescriptor()          {}
func (Sosistab3) isDescriptor()    {}
func (PlainTls) isDescriptor()     {}
func (Meeklike) isDescriptor()     {}
func (Hex) isDescriptor()          {}
func (Substitution) isDescriptor() {}
func (ConnTest) isDescriptor()     {}
func (Race) isDescriptor()         {}
func (Fallback) isDescriptor()     {}
func (Timeout) isDescriptor()      {}
func (Delay) isDescriptor()        {}
func (Other) isDescriptor()        {}

// ErrUnsupportedDescriptor is returned by a compiled Other dialer; it
// never prevents compilation itself.
var ErrUnsupportedDescriptor = fmt.Errorf("route: unsupported descriptor")
