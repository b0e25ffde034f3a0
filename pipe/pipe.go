// Package pipe defines the duplex byte-stream abstraction carried by every
// obfuscator, the authenticated handshake layer, and the mux.
package pipe

import (
	"io"
	"net"
)

// Pipe is a duplex byte stream with the three optional attributes every
// obfuscator and the mux may need to inspect: a shared secret established by
// a lower layer, a diagnostic protocol name, and a remote address string.
//
// Closing the write half (via Close) flushes any pending framed bytes before
// releasing the underlying transport; closing the read half is best-effort
// only, matching the underlying net.Conn.
type Pipe interface {
	io.Reader
	io.Writer
	io.Closer

	// SharedSecret returns the opaque secret established by whatever layer
	// produced this pipe, and true if one is present. A pipe with no prior
	// authentication (raw TCP, a disguise-only TLS wrap) returns (nil, false).
	SharedSecret() ([]byte, bool)

	// Protocol names the wrapper chain that produced this pipe, outermost
	// first, for diagnostics only.
	Protocol() string

	// RemoteAddr is a diagnostic string, not necessarily dialable.
	RemoteAddr() string
}

// netPipe adapts a net.Conn to Pipe with no shared secret.
type netPipe struct {
	conn     net.Conn
	protocol string
}

// FromNetConn wraps conn as a Pipe carrying no shared secret, tagged with
// protocol for diagnostics (normally "tcp").
func FromNetConn(conn net.Conn, protocol string) Pipe {
	return &netPipe{conn: conn, protocol: protocol}
}

func (p *netPipe) Read(b []byte) (int, error)  { return p.conn.Read(b) }
func (p *netPipe) Write(b []byte) (int, error) { return p.conn.Write(b) }
func (p *netPipe) Close() error                { return p.conn.Close() }

func (p *netPipe) SharedSecret() ([]byte, bool) { return nil, false }
func (p *netPipe) Protocol() string             { return p.protocol }
func (p *netPipe) RemoteAddr() string {
	if p.conn.RemoteAddr() == nil {
		return ""
	}
	return p.conn.RemoteAddr().String()
}

// WithSharedSecret wraps a Pipe to report secret as its shared secret,
// leaving reads/writes untouched. Used by obfuscators that authenticate the
// peer without further encrypting the stream (none in this tree today, but
// kept so a future obfuscator can promote a secret without reimplementing
// Pipe).
type withSecret struct {
	Pipe
	secret []byte
}

func WithSharedSecret(p Pipe, secret []byte) Pipe {
	return &withSecret{Pipe: p, secret: secret}
}

func (w *withSecret) SharedSecret() ([]byte, bool) { return w.secret, true }

// Dialer dials a Pipe. Dial takes no context; cancellation and
// deadlines are applied by the caller around the call.
type Dialer interface {
	Dial() (Pipe, error)
}

// DialerFunc adapts a function to a Dialer.
type DialerFunc func() (Pipe, error)

func (f DialerFunc) Dial() (Pipe, error) { return f() }

// Listener accepts Pipes.
type Listener interface {
	Accept() (Pipe, error)
	Close() error
	Addr() string
}
