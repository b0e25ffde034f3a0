// Package mux implements the stream multiplexer carried over any single
// authenticated obfuscated pipe (§4.4): many reliable byte streams,
// cooperative flow control, liveness pinging, and graceful teardown.
//
// Grounded on other_examples' SiaFoundation-mux (v2/mux.go): one sticky
// fatal error that tears down every stream, a single writer critical
// section guarded by a mutex, generalized here to the spec's own 8-byte
// header / command set instead of that library's AEAD-framed design (the
// AEAD layer already lives below the mux, in auth/sosistab3).
package mux

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yawning/veilnet/pipe"
)

// Options configures liveness and queueing behavior.
type Options struct {
	// PingInterval is how often the outbound writer sends a liveness PING.
	// Spec default is 30 minutes in production, 1 second in tests.
	PingInterval time.Duration
	// PingTimeout is how long to wait for a PONG before killing the mux.
	PingTimeout time.Duration
	// AcceptQueueSize bounds the number of un-accepted incoming streams.
	AcceptQueueSize int
}

// DefaultOptions matches the spec's production defaults.
func DefaultOptions() Options {
	return Options{
		PingInterval:    30 * time.Minute,
		PingTimeout:     7 * time.Second,
		AcceptQueueSize: 128,
	}
}

// Mux multiplexes many Streams over a single pipe.Pipe.
type Mux struct {
	p    pipe.Pipe
	opts Options
	log  zerolog.Logger

	isServer bool

	mu      sync.Mutex
	streams map[uint32]*Stream
	err     error
	closed  bool

	acceptCh chan *Stream

	writeMu sync.Mutex

	pendingPingMu sync.Mutex
	pendingPings  map[uint32]time.Time

	doneCh chan struct{}
}

// New wraps p in a Mux. isServer only affects which half of the 32-bit id
// space new locally-opened streams are drawn from, avoiding id collisions
// between the two peers without any negotiation.
func New(p pipe.Pipe, isServer bool, opts Options, log zerolog.Logger) *Mux {
	if opts.PingInterval == 0 {
		opts = DefaultOptions()
	}
	m := &Mux{
		p:        p,
		opts:     opts,
		log:      log.With().Str("component", "mux").Bool("server", isServer).Logger(),
		isServer: isServer,
		streams:      make(map[uint32]*Stream),
		acceptCh:     make(chan *Stream, opts.AcceptQueueSize),
		doneCh:       make(chan struct{}),
		pendingPings: make(map[uint32]time.Time),
	}
	go m.readLoop()
	go m.pingLoop()
	return m
}

// Open creates a new outgoing stream, sending SYN with metadata as its
// body (§4.4 "Stream open (client side)").
func (m *Mux) Open(metadata []byte) (*Stream, error) {
	m.mu.Lock()
	if m.err != nil {
		err := m.err
		m.mu.Unlock()
		return nil, err
	}
	var id uint32
	for {
		id = m.newStreamID()
		if _, exists := m.streams[id]; !exists {
			break
		}
	}
	s := newStream(id, metadata, m)
	m.streams[id] = s
	m.mu.Unlock()

	if err := m.sendFrame(frame{cmd: cmdSYN, streamID: id, body: metadata}); err != nil {
		m.mu.Lock()
		delete(m.streams, id)
		m.mu.Unlock()
		return nil, err
	}
	return s, nil
}

func (m *Mux) newStreamID() uint32 {
	id := rand.Uint32()
	if m.isServer {
		id |= 1 << 31
	} else {
		id &^= 1 << 31
	}
	return id
}

// Accept returns the next incoming stream, or an error once the mux dies.
func (m *Mux) Accept() (*Stream, error) {
	select {
	case s, ok := <-m.acceptCh:
		if !ok {
			return nil, m.fatalErr()
		}
		return s, nil
	case <-m.doneCh:
		return nil, m.fatalErr()
	}
}

func (m *Mux) fatalErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	return ErrMuxDead
}

// Close tears down the mux and every stream on it.
func (m *Mux) Close() error {
	return m.die(ErrMuxDead)
}

func (m *Mux) die(cause error) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return m.err
	}
	m.closed = true
	if !errors.Is(cause, ErrMuxDead) {
		cause = fmt.Errorf("%w: %v", ErrMuxDead, cause)
	}
	m.err = cause
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.streams = make(map[uint32]*Stream)
	m.mu.Unlock()

	for _, s := range streams {
		s.closeFromPeer(cause)
	}
	close(m.acceptCh)
	close(m.doneCh)
	return m.p.Close()
}

func (m *Mux) closeStream(id uint32) {
	m.mu.Lock()
	delete(m.streams, id)
	m.mu.Unlock()
}

// sendFrame serializes writes to the underlying pipe; PSH/SYN/FIN/MORE/
// PING/PONG/NOP all funnel through here so frames are never interleaved.
func (m *Mux) sendFrame(f frame) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return m.err
	}
	m.mu.Unlock()

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_, err := m.p.Write(f.marshal())
	if err != nil {
		go func() { _ = m.die(fmt.Errorf("mux: write failed: %w", err)) }()
		return err
	}
	return nil
}

func (m *Mux) readLoop() {
	var buf bytes.Buffer
	hdr := make([]byte, headerLen)
	tmp := make([]byte, 65536)

	for {
		for buf.Len() < headerLen {
			n, err := m.p.Read(tmp)
			if n > 0 {
				buf.Write(tmp[:n])
			}
			if err != nil {
				_ = m.die(fmt.Errorf("mux: read failed: %w", err))
				return
			}
		}
		bb := buf.Bytes()
		copy(hdr, bb[:headerLen])
		cmd, streamID, bodyLen, err := parseHeader(hdr)
		if err != nil {
			_ = m.die(err)
			return
		}
		for buf.Len() < headerLen+bodyLen {
			n, rerr := m.p.Read(tmp)
			if n > 0 {
				buf.Write(tmp[:n])
			}
			if rerr != nil {
				_ = m.die(fmt.Errorf("mux: read failed: %w", rerr))
				return
			}
		}
		buf.Next(headerLen)
		body := make([]byte, bodyLen)
		_, _ = buf.Read(body)

		m.handleFrame(cmd, streamID, body)
	}
}

func (m *Mux) handleFrame(cmd Command, streamID uint32, body []byte) {
	switch cmd {
	case cmdSYN:
		m.handleSYN(streamID, body)
	case cmdPSH:
		m.withStream(streamID, func(s *Stream) { s.pushData(body) })
	case cmdMORE:
		m.withStream(streamID, func(s *Stream) { s.sendCredit.release(int(decodeUint32(body))) })
	case cmdFIN:
		m.mu.Lock()
		s, ok := m.streams[streamID]
		delete(m.streams, streamID)
		m.mu.Unlock()
		if ok {
			s.closeFromPeer(io.EOF)
		}
	case cmdPING:
		_ = m.sendFrame(frame{cmd: cmdPONG, streamID: 0, body: body})
	case cmdPONG:
		m.handlePong(body)
	case cmdNOP:
		// no-op keepalive; nothing to do.
	default:
		m.log.Warn().Uint8("cmd", uint8(cmd)).Msg("unknown mux command, ignoring")
	}
}

func (m *Mux) handleSYN(streamID uint32, metadata []byte) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if _, exists := m.streams[streamID]; exists {
		m.mu.Unlock()
		return
	}
	s := newStream(streamID, metadata, m)
	m.streams[streamID] = s
	m.mu.Unlock()

	select {
	case m.acceptCh <- s:
	default:
		m.log.Warn().Uint32("stream_id", streamID).Msg("accept queue full, dropping SYN")
		m.mu.Lock()
		delete(m.streams, streamID)
		m.mu.Unlock()
	}
}

func (m *Mux) withStream(streamID uint32, fn func(*Stream)) {
	m.mu.Lock()
	s, ok := m.streams[streamID]
	m.mu.Unlock()
	if ok {
		fn(s)
	}
}

func (m *Mux) handlePong(body []byte) {
	if len(body) < 4 {
		return
	}
	id := decodeUint32(body)
	m.pendingPingMu.Lock()
	delete(m.pendingPings, id)
	m.pendingPingMu.Unlock()
}

func (m *Mux) pingLoop() {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()

	var nextID uint32 = 1
	for {
		select {
		case <-m.doneCh:
			return
		case <-ticker.C:
			id := nextID
			nextID++

			m.pendingPingMu.Lock()
			m.pendingPings[id] = time.Now()
			m.pendingPingMu.Unlock()

			if err := m.sendFrame(frame{cmd: cmdPING, streamID: 0, body: encodeUint32(id)}); err != nil {
				return
			}

			go m.watchPing(id)
		}
	}
}

func (m *Mux) watchPing(id uint32) {
	timer := time.NewTimer(m.opts.PingTimeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		m.pendingPingMu.Lock()
		_, stillOutstanding := m.pendingPings[id]
		m.pendingPingMu.Unlock()
		if stillOutstanding {
			_ = m.die(fmt.Errorf("mux: ping %d lost after %s", id, m.opts.PingTimeout))
		}
	case <-m.doneCh:
	}
}

// Done closes when the mux has died, for callers that want to select on it.
func (m *Mux) Done() <-chan struct{} { return m.doneCh }
