// Package meeklike implements the spec's HTTP/1.1 POST-based polling
// obfuscator (§4.2): the client disguises its stream as many short-lived
// POSTs to "/" over a single underlying pipe, and the server answers
// each with whatever outbound data has queued, up to a byte cap or a
// deadline.
//
// Grounded on Yawning-obfs4/transports/meeklite/meek.go's client
// polling loop (interval backoff constants, worker goroutine reading
// off an internal channel to build the next request body) and
// psiphon-tunnel-core's meek server session idiom (drain-up-to-cap or
// deadline, request body carries an encrypted payload).
package meeklike

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/yawning/veilnet/internal/kdf"
	"github.com/yawning/veilnet/pipe"
)

const (
	streamIDLen = 32
	nonceLen    = chacha20poly1305.NonceSize

	initPollInterval       = 100 * time.Millisecond
	maxPollInterval        = 30 * time.Second
	pollIntervalMultiplier = 1.5

	drainCap      = 8 * 1024
	drainDeadline = 30 * time.Second
)

func deriveKeys(preshared []byte) (up, dn [32]byte) {
	copy(up[:], kdf.Derive("up", preshared, 32))
	copy(dn[:], kdf.Derive("dn", preshared, 32))
	return
}

func seal(key [32]byte, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	out := make([]byte, 0, nonceLen+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

func open(key [32]byte, blob []byte) ([]byte, error) {
	if len(blob) < nonceLen {
		return nil, fmt.Errorf("meeklike: payload shorter than nonce")
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, blob[:nonceLen], blob[nonceLen:], nil)
}

// pendingOut is a small thread-safe outbound queue: Write appends,
// drain takes up to max bytes or blocks until deadline/data.
type pendingOut struct {
	mu   sync.Mutex
	cond *sync.Cond
	buf  bytes.Buffer
	done bool
}

func newPendingOut() *pendingOut {
	p := &pendingOut{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *pendingOut) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, err := p.buf.Write(b)
	p.cond.Signal()
	return n, err
}

func (p *pendingOut) drain(max int, deadline time.Duration) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buf.Len() == 0 {
		waitCh := make(chan struct{})
		go func() {
			p.cond.L.Lock()
			for p.buf.Len() == 0 && !p.done {
				p.cond.Wait()
			}
			p.cond.L.Unlock()
			close(waitCh)
		}()
		// sync.Cond has no native timed wait; poll the signal channel with
		// a timer instead of blocking forever past the drain deadline.
		select {
		case <-waitCh:
		case <-time.After(deadline):
		}
	}
	if p.buf.Len() == 0 {
		return nil
	}
	n := max
	if n > p.buf.Len() {
		n = p.buf.Len()
	}
	out := make([]byte, n)
	_, _ = p.buf.Read(out)
	return out
}

func (p *pendingOut) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done = true
	p.cond.Broadcast()
}

// meekPipe is the pipe.Pipe exposed to the upper layer: Write enqueues
// bytes for the next outbound poll (or, server-side, the next response
// body), Read pulls from whatever the polling loop has decrypted.
type meekPipe struct {
	out      *pendingOut
	in       *io.PipeReader
	inWriter *io.PipeWriter
	lower    pipe.Pipe
	protocol string
	closeFn  func() error
}

func (m *meekPipe) Read(b []byte) (int, error)   { return m.in.Read(b) }
func (m *meekPipe) Write(b []byte) (int, error)  { return m.out.Write(b) }
func (m *meekPipe) SharedSecret() ([]byte, bool) { return nil, false }
func (m *meekPipe) Protocol() string             { return m.protocol }
func (m *meekPipe) RemoteAddr() string           { return m.lower.RemoteAddr() }
func (m *meekPipe) Close() error {
	m.out.close()
	_ = m.inWriter.Close()
	if m.closeFn != nil {
		return m.closeFn()
	}
	return m.lower.Close()
}

var _ pipe.Pipe = (*meekPipe)(nil)

// Dial starts the client side: a background goroutine that repeatedly
// POSTs whatever has queued in Write (encrypted under upKey) over lower
// and feeds decrypted (under dnKey) response bodies to Read, with the
// spec's exponential-backoff idle interval.
func Dial(lower pipe.Pipe, preshared []byte) (pipe.Pipe, error) {
	upKey, dnKey := deriveKeys(preshared)
	streamID := make([]byte, streamIDLen)
	if _, err := rand.Read(streamID); err != nil {
		return nil, err
	}

	inReader, inWriter := io.Pipe()
	m := &meekPipe{
		out:      newPendingOut(),
		in:       inReader,
		inWriter: inWriter,
		lower:    lower,
		protocol: "meeklike/" + lower.Protocol(),
	}

	bw := bufio.NewWriter(lower)
	br := bufio.NewReader(lower)
	stop := make(chan struct{})
	m.closeFn = func() error { close(stop); return lower.Close() }

	go func() {
		interval := initPollInterval
		for {
			select {
			case <-stop:
				return
			default:
			}

			body := m.out.drain(drainCap, 20*time.Millisecond)
			plain := append(append([]byte{}, streamID...), mustEncrypt(upKey, body)...)

			req, err := http.NewRequest(http.MethodPost, "/", bytes.NewReader(plain))
			if err != nil {
				return
			}
			req.Host = "meeklike.invalid"
			req.ContentLength = int64(len(plain))
			if err := req.Write(bw); err != nil {
				return
			}
			if err := bw.Flush(); err != nil {
				return
			}

			resp, err := http.ReadResponse(br, req)
			if err != nil {
				return
			}
			respBody, err := io.ReadAll(io.LimitReader(resp.Body, drainCap+nonceLen+64))
			_ = resp.Body.Close()
			if err != nil {
				return
			}

			sawData := len(body) > 0
			if len(respBody) > 0 {
				plainResp, err := open(dnKey, respBody)
				if err != nil {
					return
				}
				if len(plainResp) > 0 {
					sawData = true
					if _, err := inWriter.Write(plainResp); err != nil {
						return
					}
				}
			}

			if sawData {
				interval = initPollInterval
			} else {
				interval = time.Duration(float64(interval) * pollIntervalMultiplier)
				if interval > maxPollInterval {
					interval = maxPollInterval
				}
			}
			time.Sleep(interval)
		}
	}()

	return m, nil
}

func mustEncrypt(key [32]byte, plain []byte) []byte {
	out, err := seal(key, plain)
	if err != nil {
		// Only fails if crypto/rand is broken; nothing callers can recover
		// from sanely mid-poll-loop.
		panic("meeklike: encrypt failed: " + err.Error())
	}
	return out
}

// Accept runs the server side over a single already-established lower
// pipe: it reads one HTTP POST at a time, decrypts the body under
// upKey, feeds it to Read, then answers with up to drainCap bytes
// queued via Write (encrypted under dnKey), waiting up to
// drainDeadline for something to send.
//
// Each call serves one lower connection: route.CompileListener hands
// every accepted lower connection to its own Accept call, and there is
// no server-side stream_id -> (writer, reader) map. The stream id
// prefix of each request is skipped and not compared with earlier
// requests.
func Accept(lower pipe.Pipe, preshared []byte) (pipe.Pipe, error) {
	upKey, dnKey := deriveKeys(preshared)

	inReader, inWriter := io.Pipe()
	m := &meekPipe{
		out:      newPendingOut(),
		in:       inReader,
		inWriter: inWriter,
		lower:    lower,
		protocol: "meeklike/" + lower.Protocol(),
	}

	br := bufio.NewReader(lower)
	bw := bufio.NewWriter(lower)
	stop := make(chan struct{})
	m.closeFn = func() error { close(stop); return lower.Close() }

	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}

			req, err := http.ReadRequest(br)
			if err != nil {
				_ = inWriter.CloseWithError(err)
				return
			}
			body, err := io.ReadAll(io.LimitReader(req.Body, streamIDLen+drainCap+nonceLen+64))
			_ = req.Body.Close()
			if err != nil || len(body) < streamIDLen {
				return
			}

			payload := body[streamIDLen:]
			if len(payload) > 0 {
				plain, err := open(upKey, payload)
				if err != nil {
					return
				}
				if len(plain) > 0 {
					if _, err := inWriter.Write(plain); err != nil {
						return
					}
				}
			}

			respPlain := m.out.drain(drainCap, drainDeadline)
			respBody, err := seal(dnKey, respPlain)
			if err != nil {
				return
			}

			resp := &http.Response{
				StatusCode: http.StatusOK,
				ProtoMajor: 1,
				ProtoMinor: 1,
				Header:     http.Header{"Content-Type": []string{"application/octet-stream"}},
				Body:       io.NopCloser(bytes.NewReader(respBody)),
				Request:    req,
			}
			resp.ContentLength = int64(len(respBody))
			if err := resp.Write(bw); err != nil {
				return
			}
			if err := bw.Flush(); err != nil {
				return
			}
		}
	}()

	return m, nil
}
