package route

import (
	"fmt"
	"net"

	"github.com/yawning/veilnet/obfs/conntest"
	"github.com/yawning/veilnet/obfs/hexsub"
	"github.com/yawning/veilnet/obfs/meeklike"
	"github.com/yawning/veilnet/obfs/sosistab3"
	"github.com/yawning/veilnet/obfs/tlswrap"
	"github.com/yawning/veilnet/pipe"
)

// wrapFunc adapts a lower accepted pipe into the wrapped pipe this
// layer's obfuscator produces.
type wrapFunc func(lower pipe.Pipe) (pipe.Pipe, error)

// wrappedListener applies wrap to every pipe accepted off lower,
// dropping (and logging, at the caller's discretion) any connection
// whose handshake fails rather than surfacing it as a fatal listener
// error — a single bad dialer must not take the listener down.
type wrappedListener struct {
	lower pipe.Listener
	wrap  wrapFunc
}

func (w *wrappedListener) Accept() (pipe.Pipe, error) {
	for {
		lp, err := w.lower.Accept()
		if err != nil {
			return nil, err
		}
		wp, err := w.wrap(lp)
		if err != nil {
			_ = lp.Close()
			continue
		}
		return wp, nil
	}
}

func (w *wrappedListener) Close() error { return w.lower.Close() }
func (w *wrappedListener) Addr() string { return w.lower.Addr() }

type tcpListener struct {
	ln net.Listener
}

func (t *tcpListener) Accept() (pipe.Pipe, error) {
	conn, err := t.ln.Accept()
	if err != nil {
		return nil, err
	}
	return pipe.FromNetConn(conn, "tcp"), nil
}

func (t *tcpListener) Close() error { return t.ln.Close() }
func (t *tcpListener) Addr() string { return t.ln.Addr().String() }

// failingListener.Accept always fails, the listener-side counterpart
// of an Other descriptor's always-failing dialer.
type failingListener struct {
	kind string
}

func (f *failingListener) Accept() (pipe.Pipe, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedDescriptor, f.kind)
}
func (f *failingListener) Close() error { return nil }
func (f *failingListener) Addr() string { return "" }

// CompileListener walks d and produces a Listener that accepts the
// mirror-image unwrapped pipes: every non-leaf node listens on its
// Lower's compiled Listener and applies its obfuscator's Accept to
// each incoming connection. Race and Fallback have no listener-side
// meaning (they only route an outgoing dial) and are rejected.
func CompileListener(d Descriptor) (pipe.Listener, error) {
	switch v := d.(type) {
	case Tcp:
		ln, err := net.Listen("tcp", v.Addr)
		if err != nil {
			return nil, err
		}
		return &tcpListener{ln: ln}, nil

	case Sosistab3:
		lower, err := CompileListener(v.Lower)
		if err != nil {
			return nil, err
		}
		cookie := append([]byte{}, v.Cookie...)
		return &wrappedListener{lower: lower, wrap: func(lp pipe.Pipe) (pipe.Pipe, error) {
			return sosistab3.Accept(lp, sosistab3.Cookie(cookie))
		}}, nil

	case PlainTls:
		lower, err := CompileListener(v.Lower)
		if err != nil {
			return nil, err
		}
		return &wrappedListener{lower: lower, wrap: func(lp pipe.Pipe) (pipe.Pipe, error) {
			return tlswrap.Accept(lp)
		}}, nil

	case Meeklike:
		lower, err := CompileListener(v.Lower)
		if err != nil {
			return nil, err
		}
		key := append([]byte{}, v.Key...)
		return &wrappedListener{lower: lower, wrap: func(lp pipe.Pipe) (pipe.Pipe, error) {
			return meeklike.Accept(lp, key)
		}}, nil

	case Hex:
		lower, err := CompileListener(v.Lower)
		if err != nil {
			return nil, err
		}
		return &wrappedListener{lower: lower, wrap: func(lp pipe.Pipe) (pipe.Pipe, error) {
			return hexsub.Wrap(lp), nil
		}}, nil

	case Substitution:
		lower, err := CompileListener(v.Lower)
		if err != nil {
			return nil, err
		}
		table, err := hexsub.NewSubstitutionTable(v.Table)
		if err != nil {
			return nil, err
		}
		return &wrappedListener{lower: lower, wrap: func(lp pipe.Pipe) (pipe.Pipe, error) {
			return hexsub.WrapSubstitution(lp, table), nil
		}}, nil

	case ConnTest:
		lower, err := CompileListener(v.Lower)
		if err != nil {
			return nil, err
		}
		return &wrappedListener{lower: lower, wrap: func(lp pipe.Pipe) (pipe.Pipe, error) {
			return conntest.Accept(lp)
		}}, nil

	case Timeout:
		// A dial-side-only modifier; the listener side has no deadline to
		// apply before a peer even connects, so it passes through to Lower.
		return CompileListener(v.Lower)

	case Delay:
		return CompileListener(v.Lower)

	case Other:
		return &failingListener{kind: v.Kind}, nil

	case Race, Fallback:
		return nil, fmt.Errorf("route: %T has no listener-side meaning", d)

	default:
		return nil, fmt.Errorf("route: unknown descriptor type %T", d)
	}
}
