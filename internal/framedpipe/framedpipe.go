// Package framedpipe wraps a lower pipe.Pipe with the §3/§6 AEAD frame
// layer (internal/aeadframe), shared by obfs/sosistab3 and auth's fresh
// X25519 mode per spec.md §4.5 ("identical framing to sosistab3").
package framedpipe

import (
	"bytes"
	"sync"

	"github.com/yawning/veilnet/internal/aeadframe"
	"github.com/yawning/veilnet/pipe"
)

type Pipe struct {
	lower    pipe.Pipe
	protocol string

	encMu   sync.Mutex
	encoder *aeadframe.Encoder
	decoder *aeadframe.Decoder

	recvBuf  bytes.Buffer
	plainBuf bytes.Buffer
}

var _ pipe.Pipe = (*Pipe)(nil)

// New wraps lower, sealing outbound writes with enc and opening inbound
// reads with dec. protocol is a diagnostic label prefixed to lower's own.
func New(lower pipe.Pipe, enc *aeadframe.Encoder, dec *aeadframe.Decoder, protocol string) *Pipe {
	return &Pipe{lower: lower, encoder: enc, decoder: dec, protocol: protocol}
}

func (p *Pipe) Read(b []byte) (int, error) {
	for p.plainBuf.Len() == 0 {
		if err := p.fillOneFrame(); err != nil {
			return 0, err
		}
	}
	return p.plainBuf.Read(b)
}

func (p *Pipe) fillOneFrame() error {
	var tmp [4096]byte
	for {
		body, err := p.decoder.Decode(&p.recvBuf)
		if err == aeadframe.ErrAgain {
			n, rerr := p.lower.Read(tmp[:])
			if n > 0 {
				p.recvBuf.Write(tmp[:n])
			}
			if rerr != nil {
				return rerr
			}
			continue
		} else if err != nil {
			return err
		}
		if body != nil {
			p.plainBuf.Write(body)
		}
		return nil
	}
}

func (p *Pipe) Write(b []byte) (int, error) {
	p.encMu.Lock()
	defer p.encMu.Unlock()

	total := 0
	for len(b) > 0 {
		chunk := b
		if len(chunk) > aeadframe.MaxFrameBody {
			chunk = chunk[:aeadframe.MaxFrameBody]
		}
		frame, err := p.encoder.Seal(chunk, false)
		if err != nil {
			return total, err
		}
		if _, err := p.lower.Write(frame); err != nil {
			return total, err
		}
		total += len(chunk)
		b = b[len(chunk):]
	}
	return total, nil
}

func (p *Pipe) Close() error { return p.lower.Close() }

func (p *Pipe) SharedSecret() ([]byte, bool) { return nil, false }
func (p *Pipe) Protocol() string             { return p.protocol + "/" + p.lower.Protocol() }
func (p *Pipe) RemoteAddr() string           { return p.lower.RemoteAddr() }
