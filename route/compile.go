package route

import (
	"fmt"
	"net"
	"time"

	"github.com/yawning/veilnet/obfs/conntest"
	"github.com/yawning/veilnet/obfs/hexsub"
	"github.com/yawning/veilnet/obfs/meeklike"
	"github.com/yawning/veilnet/obfs/sosistab3"
	"github.com/yawning/veilnet/obfs/tlswrap"
	"github.com/yawning/veilnet/pipe"
)

// Compile walks d and produces a Dialer that, when dialed, yields a
// fully wrapped pipe.Pipe. Compile itself fails only for a
// Substitution table that is not a permutation or a descriptor type it
// does not know; Tcp addresses are not checked until dial time, and an
// Other node always compiles successfully to a dialer that fails at
// dial time.
func Compile(d Descriptor) (pipe.Dialer, error) {
	switch v := d.(type) {
	case Tcp:
		addr := v.Addr
		return pipe.DialerFunc(func() (pipe.Pipe, error) {
			conn, err := net.Dial("tcp", addr)
			if err != nil {
				return nil, err
			}
			return pipe.FromNetConn(conn, "tcp"), nil
		}), nil

	case Sosistab3:
		lower, err := Compile(v.Lower)
		if err != nil {
			return nil, err
		}
		cookie := append([]byte{}, v.Cookie...)
		return pipe.DialerFunc(func() (pipe.Pipe, error) {
			lp, err := lower.Dial()
			if err != nil {
				return nil, err
			}
			return sosistab3.Dial(lp, sosistab3.Cookie(cookie))
		}), nil

	case PlainTls:
		lower, err := Compile(v.Lower)
		if err != nil {
			return nil, err
		}
		sni := v.SNI
		return pipe.DialerFunc(func() (pipe.Pipe, error) {
			lp, err := lower.Dial()
			if err != nil {
				return nil, err
			}
			return tlswrap.Dial(lp, sni)
		}), nil

	case Meeklike:
		lower, err := Compile(v.Lower)
		if err != nil {
			return nil, err
		}
		key := append([]byte{}, v.Key...)
		return pipe.DialerFunc(func() (pipe.Pipe, error) {
			lp, err := lower.Dial()
			if err != nil {
				return nil, err
			}
			return meeklike.Dial(lp, key)
		}), nil

	case Hex:
		lower, err := Compile(v.Lower)
		if err != nil {
			return nil, err
		}
		return pipe.DialerFunc(func() (pipe.Pipe, error) {
			lp, err := lower.Dial()
			if err != nil {
				return nil, err
			}
			return hexsub.Wrap(lp), nil
		}), nil

	case Substitution:
		lower, err := Compile(v.Lower)
		if err != nil {
			return nil, err
		}
		table, err := hexsub.NewSubstitutionTable(v.Table)
		if err != nil {
			return nil, err
		}
		return pipe.DialerFunc(func() (pipe.Pipe, error) {
			lp, err := lower.Dial()
			if err != nil {
				return nil, err
			}
			return hexsub.WrapSubstitution(lp, table), nil
		}), nil

	case ConnTest:
		lower, err := Compile(v.Lower)
		if err != nil {
			return nil, err
		}
		count := v.PingCount
		return pipe.DialerFunc(func() (pipe.Pipe, error) {
			lp, err := lower.Dial()
			if err != nil {
				return nil, err
			}
			return conntest.Dial(lp, count)
		}), nil

	case Race:
		children := make([]pipe.Dialer, 0, len(v.Children))
		for _, c := range v.Children {
			cd, err := Compile(c)
			if err != nil {
				return nil, err
			}
			children = append(children, cd)
		}
		return pipe.DialerFunc(func() (pipe.Pipe, error) { return raceDial(children) }), nil

	case Fallback:
		children := make([]pipe.Dialer, 0, len(v.Children))
		for _, c := range v.Children {
			cd, err := Compile(c)
			if err != nil {
				return nil, err
			}
			children = append(children, cd)
		}
		return pipe.DialerFunc(func() (pipe.Pipe, error) { return fallbackDial(children) }), nil

	case Timeout:
		lower, err := Compile(v.Lower)
		if err != nil {
			return nil, err
		}
		d := time.Duration(v.MS) * time.Millisecond
		return pipe.DialerFunc(func() (pipe.Pipe, error) { return timeoutDial(lower, d) }), nil

	case Delay:
		lower, err := Compile(v.Lower)
		if err != nil {
			return nil, err
		}
		d := time.Duration(v.MS) * time.Millisecond
		return pipe.DialerFunc(func() (pipe.Pipe, error) {
			time.Sleep(d)
			return lower.Dial()
		}), nil

	case Other:
		kind := v.Kind
		return pipe.DialerFunc(func() (pipe.Pipe, error) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedDescriptor, kind)
		}), nil

	default:
		return nil, fmt.Errorf("route: unknown descriptor type %T", d)
	}
}

type dialResult struct {
	p   pipe.Pipe
	err error
}

// raceDial dials every child concurrently and returns the first
// success; on all-fail it returns the first error observed, and never
// panics on an empty child list.
func raceDial(children []pipe.Dialer) (pipe.Pipe, error) {
	if len(children) == 0 {
		return nil, fmt.Errorf("route: race over zero children")
	}
	results := make(chan dialResult, len(children))
	for _, c := range children {
		c := c
		go func() {
			p, err := c.Dial()
			results <- dialResult{p, err}
		}()
	}

	var firstErr error
	for i := 0; i < len(children); i++ {
		r := <-results
		if r.err == nil {
			// First success: close any later stragglers once they
			// arrive rather than blocking this call on them.
			go drainAndClose(results, len(children)-i-1)
			return r.p, nil
		}
		if firstErr == nil {
			firstErr = r.err
		}
	}
	if firstErr == nil {
		firstErr = fmt.Errorf("route: race: all children failed with no error recorded")
	}
	return nil, firstErr
}

func drainAndClose(results <-chan dialResult, remaining int) {
	for i := 0; i < remaining; i++ {
		if r := <-results; r.err == nil && r.p != nil {
			_ = r.p.Close()
		}
	}
}

// fallbackDial tries children in order, advancing on failure; it
// never panics on an empty child list.
func fallbackDial(children []pipe.Dialer) (pipe.Pipe, error) {
	if len(children) == 0 {
		return nil, fmt.Errorf("route: fallback over zero children")
	}
	var lastErr error
	for _, c := range children {
		p, err := c.Dial()
		if err == nil {
			return p, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func timeoutDial(lower pipe.Dialer, d time.Duration) (pipe.Pipe, error) {
	ch := make(chan dialResult, 1)
	go func() {
		p, err := lower.Dial()
		ch <- dialResult{p, err}
	}()
	select {
	case r := <-ch:
		return r.p, r.err
	case <-time.After(d):
		go func() {
			if r := <-ch; r.err == nil && r.p != nil {
				_ = r.p.Close()
			}
		}()
		return nil, fmt.Errorf("route: dial timed out after %s", d)
	}
}
