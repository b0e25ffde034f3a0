package auth

import (
	"crypto/ed25519"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yawning/veilnet/pipe"
)

func TestFreshX25519RoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	c1, c2 := net.Pipe()
	clientPipe := pipe.FromNetConn(c1, "tcp")
	serverPipe := pipe.FromNetConn(c2, "tcp")

	type clientResult struct {
		p   pipe.Pipe
		err error
	}
	clientCh := make(chan clientResult, 1)
	go func() {
		p, err := ClientHandshake(clientPipe, Credentials{Level: LevelFree, Token: []byte("tok")}, pub)
		clientCh <- clientResult{p, err}
	}()

	serverP, level, err := ServerHandshake(serverPipe, priv, func(creds Credentials) (AccountLevel, error) {
		require.Equal(t, []byte("tok"), creds.Token)
		return LevelFree, nil
	})
	require.NoError(t, err)
	require.Equal(t, LevelFree, level)

	cr := <-clientCh
	require.NoError(t, cr.err)

	msg := []byte("hello authenticated pipe")
	writeErr := make(chan error, 1)
	go func() {
		_, err := cr.p.Write(msg)
		writeErr <- err
	}()
	buf := make([]byte, len(msg))
	n, err := serverP.Read(buf)
	require.NoError(t, err)
	require.Equal(t, msg, buf[:n])
	require.NoError(t, <-writeErr)
}

func TestRejectSurfacesReason(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	c1, c2 := net.Pipe()
	clientPipe := pipe.FromNetConn(c1, "tcp")
	serverPipe := pipe.FromNetConn(c2, "tcp")

	clientErrCh := make(chan error, 1)
	go func() {
		_, err := ClientHandshake(clientPipe, Credentials{Level: LevelFree}, pub)
		clientErrCh <- err
	}()

	_, _, err = ServerHandshake(serverPipe, priv, func(creds Credentials) (AccountLevel, error) {
		return 0, &AuthError{Reason: RejectRateLimited}
	})
	require.Error(t, err)

	select {
	case cerr := <-clientErrCh:
		require.Error(t, cerr)
		var ae *AuthError
		require.ErrorAs(t, cerr, &ae)
		require.Equal(t, RejectRateLimited, ae.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("client handshake did not observe reject")
	}
}

type sharedSecretPipe struct {
	pipe.Pipe
	secret []byte
}

func (p *sharedSecretPipe) SharedSecret() ([]byte, bool) { return p.secret, true }

func TestSharedSecretChallengeRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	c1, c2 := net.Pipe()
	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i)
	}
	clientPipe := &sharedSecretPipe{Pipe: pipe.FromNetConn(c1, "tcp"), secret: secret}
	serverPipe := &sharedSecretPipe{Pipe: pipe.FromNetConn(c2, "tcp"), secret: secret}

	clientCh := make(chan error, 1)
	go func() {
		_, err := ClientHandshake(clientPipe, Credentials{}, pub)
		clientCh <- err
	}()

	_, _, err = ServerHandshake(serverPipe, priv, func(creds Credentials) (AccountLevel, error) {
		return LevelFree, nil
	})
	require.NoError(t, err)
	require.NoError(t, <-clientCh)
}
