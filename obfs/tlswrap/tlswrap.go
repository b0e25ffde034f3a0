// Package tlswrap implements the spec's PlainTls obfuscator (§4.2): a
// disguise-only TLS handshake around a lower pipe, contributing no
// shared secret. The server presents an arbitrary self-signed
// certificate; the client accepts anything back, with an optional SNI.
//
// Grounded on Yawning-obfs4/transports/meeklite/transport.go's utls
// client-connector usage (fingerprint-flexible ClientHello), adapted
// from meeklite's HTTP-over-TLS use case to wrapping a generic
// pipe.Pipe directly, plus crypto/tls self-signed certificate
// generation for the server side.
package tlswrap

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/idna"

	"github.com/yawning/veilnet/pipe"
)

// pipeConn adapts a pipe.Pipe to net.Conn, the interface both
// crypto/tls and utls require to drive a handshake. Deadlines are
// no-ops: timeouts on the spec's pipes are enforced by the caller
// (conn-test gating, context cancellation upstream), not at this
// layer.
type pipeConn struct {
	pipe.Pipe
}

func (pipeConn) LocalAddr() net.Addr                { return pipeAddr("local") }
func (c pipeConn) RemoteAddr() net.Addr             { return pipeAddr(c.Pipe.RemoteAddr()) }
func (pipeConn) SetDeadline(time.Time) error        { return nil }
func (pipeConn) SetReadDeadline(time.Time) error     { return nil }
func (pipeConn) SetWriteDeadline(time.Time) error    { return nil }

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }

// wrappedPipe exposes the fully negotiated *tls.Conn (or utls' *UConn,
// which embeds the same Read/Write/Close) as a pipe.Pipe. PlainTls
// never contributes a shared secret.
type wrappedPipe struct {
	conn     net.Conn
	protocol string
	remote   string
}

func (w *wrappedPipe) Read(b []byte) (int, error)       { return w.conn.Read(b) }
func (w *wrappedPipe) Write(b []byte) (int, error)      { return w.conn.Write(b) }
func (w *wrappedPipe) Close() error                     { return w.conn.Close() }
func (w *wrappedPipe) SharedSecret() ([]byte, bool)     { return nil, false }
func (w *wrappedPipe) Protocol() string                 { return w.protocol }
func (w *wrappedPipe) RemoteAddr() string               { return w.remote }

var _ pipe.Pipe = (*wrappedPipe)(nil)

// Dial runs the client side: a utls ClientHello over lower. sni is
// optional (per spec, "SNI optional"); when empty, InsecureSkipVerify
// avoids utls refusing to send a ClientHello with no ServerName.
func Dial(lower pipe.Pipe, sni string) (pipe.Pipe, error) {
	raw := pipeConn{lower}
	if sni != "" {
		if ascii, err := idna.Lookup.ToASCII(sni); err == nil {
			sni = ascii
		}
	}
	cfg := &utls.Config{
		ServerName:         sni,
		InsecureSkipVerify: true,
	}
	uconn := utls.UClient(raw, cfg, utls.HelloFirefox_Auto)
	if err := uconn.Handshake(); err != nil {
		return nil, fmt.Errorf("tlswrap: client handshake failed: %w", err)
	}
	return &wrappedPipe{conn: uconn, protocol: "tls/" + lower.Protocol(), remote: lower.RemoteAddr()}, nil
}

// Accept runs the server side: a crypto/tls handshake using a freshly
// generated self-signed certificate. The certificate carries no
// meaningful identity; PlainTls is disguise, not authentication.
func Accept(lower pipe.Pipe) (pipe.Pipe, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	raw := pipeConn{lower}
	conn := tls.Server(raw, cfg)
	if err := conn.Handshake(); err != nil {
		return nil, fmt.Errorf("tlswrap: server handshake failed: %w", err)
	}
	return &wrappedPipe{conn: conn, protocol: "tls/" + lower.Protocol(), remote: lower.RemoteAddr()}, nil
}

func selfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour * 365),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
