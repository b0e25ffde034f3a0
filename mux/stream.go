package mux

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// ErrStreamClosed is returned by Write once the stream has been closed
// from either side, and by Read after a local Close. Read reports io.EOF
// once the peer's FIN has been seen and its data drained.
var ErrStreamClosed = errors.New("mux: stream closed")

// ErrMuxDead marks the mux's teardown. Mux.Close uses it directly; a
// death from a lost ping or a pipe I/O error is reported as an error
// wrapping it (errors.Is matches), which Accept, Open and stream Read
// then return.
var ErrMuxDead = errors.New("mux: connection dead")

// Stream is one reliable, ordered byte stream carried over a Mux. It
// implements io.ReadWriteCloser.
//
// State machine (§4.4): Idle -> Open (on SYN) -> Closed (on FIN from
// either side or mux death). No half-open state is exposed to callers.
type Stream struct {
	id       uint32
	metadata []byte

	mux *Mux

	sendCredit *creditSem

	recvMu     sync.Mutex
	recvCond   *sync.Cond
	recvBuf    bytes.Buffer
	recvClosed bool
	recvErr    error

	closeOnce sync.Once
}

func newStream(id uint32, metadata []byte, m *Mux) *Stream {
	s := &Stream{
		id:         id,
		metadata:   metadata,
		mux:        m,
		sendCredit: newCreditSem(initialWindow),
	}
	s.recvCond = sync.NewCond(&s.recvMu)
	return s
}

// ID returns the 32-bit stream id chosen by whichever side opened it.
func (s *Stream) ID() uint32 { return s.id }

// Metadata returns the bytes carried by the initial SYN.
func (s *Stream) Metadata() []byte { return s.metadata }

// pushData is called by the mux reader loop when a PSH frame arrives.
func (s *Stream) pushData(b []byte) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	if s.recvClosed {
		return
	}
	s.recvBuf.Write(b)
	s.recvCond.Broadcast()
}

// closeFromPeer is called by the mux reader loop on FIN or mux death.
func (s *Stream) closeFromPeer(err error) {
	s.recvMu.Lock()
	s.recvClosed = true
	if s.recvErr == nil {
		s.recvErr = err
	}
	s.recvMu.Unlock()
	s.recvCond.Broadcast()
	s.sendCredit.close()
}

func (s *Stream) Read(b []byte) (int, error) {
	s.recvMu.Lock()
	for s.recvBuf.Len() == 0 && !s.recvClosed {
		s.recvCond.Wait()
	}
	if s.recvBuf.Len() == 0 && s.recvClosed {
		err := s.recvErr
		s.recvMu.Unlock()
		if err == nil {
			return 0, io.EOF
		}
		return 0, err
	}
	n, _ := s.recvBuf.Read(b)
	s.recvMu.Unlock()

	if n > 0 {
		s.mux.sendFrame(frame{cmd: cmdMORE, streamID: s.id, body: encodeUint32(uint32(n))})
	}
	return n, nil
}

func (s *Stream) Write(b []byte) (int, error) {
	total := 0
	for len(b) > 0 {
		chunk := b
		if len(chunk) > maxPSHBody {
			chunk = chunk[:maxPSHBody]
		}
		if !s.sendCredit.acquire(len(chunk)) {
			return total, ErrStreamClosed
		}
		if err := s.mux.sendFrame(frame{cmd: cmdPSH, streamID: s.id, body: chunk}); err != nil {
			return total, err
		}
		total += len(chunk)
		b = b[len(chunk):]
	}
	return total, nil
}

// Close sends FIN (idempotent) and releases local resources. Per §4.4, the
// writer task emits FIN automatically when the user-facing writer is
// dropped; Close is that drop point.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.mux.closeStream(s.id)
		_ = s.mux.sendFrame(frame{cmd: cmdFIN, streamID: s.id})
		s.closeFromPeer(ErrStreamClosed)
	})
	return nil
}

func encodeUint32(v uint32) []byte {
	b := make([]byte, 4)
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
	return b
}

func decodeUint32(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
