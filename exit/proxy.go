package exit

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/yawning/veilnet/mux"
)

const (
	copyBufSize     = 32 * 1024
	defaultDialTime = 10 * time.Second
)

func dialTimeout(cfg SessionConfig) time.Duration {
	if cfg.DialTimeout > 0 {
		return cfg.DialTimeout
	}
	return defaultDialTime
}

// proxyTCP dials dest over TCP (net.Dialer already runs Happy Eyeballs
// for dual-stack names) and relays bytes in both directions, metering
// each chunk against the session's account and exit-wide rate limiter.
func proxyTCP(ctx context.Context, stream *mux.Stream, dest string, cfg SessionConfig) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout(cfg))
	defer cancel()

	origin, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", dest)
	if err != nil {
		cfg.Log.Warn().Err(err).Str("dest", dest).Msg("exit: origin dial failed")
		return
	}
	defer origin.Close()

	done := make(chan struct{}, 2)
	go func() {
		meteredCopy(ctx, origin, stream, cfg)
		_ = origin.Close()
		done <- struct{}{}
	}()
	go func() {
		meteredCopy(ctx, stream, origin, cfg)
		_ = stream.Close()
		done <- struct{}{}
	}()
	<-done
	<-done
}

// meteredCopy is io.Copy generalized with a rate limiter and a
// saturating byte account. It returns, without writing the chunk in
// hand, as soon as Spend reports that the account was already empty;
// proxyTCP then closes the destination side, so the transfer ends
// there and does not resume when a token is later redeemed.
func meteredCopy(ctx context.Context, dst io.Writer, src io.Reader, cfg SessionConfig) {
	buf := make([]byte, copyBufSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if cfg.Limiter != nil {
				if err := cfg.Limiter.WaitN(ctx, n); err != nil {
					return
				}
			}
			if cfg.Account != nil && !cfg.Account.Spend(uint64(n)) {
				return
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if rerr != nil {
			return
		}
	}
}

// proxyUDP relays length-prefixed datagrams per §4.6's "udp supported
// with a framed length-prefixed protocol: 2-byte LE length, then
// packet bytes, both directions."
func proxyUDP(ctx context.Context, stream *mux.Stream, dest string, cfg SessionConfig) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout(cfg))
	defer cancel()

	origin, err := (&net.Dialer{}).DialContext(dialCtx, "udp", dest)
	if err != nil {
		cfg.Log.Warn().Err(err).Str("dest", dest).Msg("exit: udp origin dial failed")
		return
	}
	defer origin.Close()

	done := make(chan struct{}, 2)
	go func() {
		udpStreamToOrigin(stream, origin, cfg)
		_ = origin.Close()
		done <- struct{}{}
	}()
	go func() {
		udpOriginToStream(origin, stream, cfg)
		_ = stream.Close()
		done <- struct{}{}
	}()
	<-done
	<-done
}

func udpStreamToOrigin(stream *mux.Stream, origin net.Conn, cfg SessionConfig) {
	for {
		pkt, err := readFramed(stream)
		if err != nil {
			return
		}
		if cfg.Account != nil && !cfg.Account.Spend(uint64(len(pkt))) {
			return
		}
		if _, err := origin.Write(pkt); err != nil {
			return
		}
	}
}

func udpOriginToStream(origin net.Conn, stream *mux.Stream, cfg SessionConfig) {
	buf := make([]byte, 65507)
	for {
		n, err := origin.Read(buf)
		if n > 0 {
			if cfg.Account != nil && !cfg.Account.Spend(uint64(n)) {
				return
			}
			if werr := writeFramed(stream, buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func readFramed(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint16(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func writeFramed(w io.Writer, body []byte) error {
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}
