package sosistab3

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yawning/veilnet/pipe"
)

func TestRoundTrip(t *testing.T) {
	clientNet, serverNet := net.Pipe()
	clientPipe := pipe.FromNetConn(clientNet, "tcp")
	serverPipe := pipe.FromNetConn(serverNet, "tcp")

	cookie := Cookie("test-cookie-shared-between-peers")

	type result struct {
		p   pipe.Pipe
		err error
	}
	clientCh := make(chan result, 1)
	serverCh := make(chan result, 1)

	go func() {
		p, err := Dial(clientPipe, cookie)
		clientCh <- result{p, err}
	}()
	go func() {
		p, err := Accept(serverPipe, cookie)
		serverCh <- result{p, err}
	}()

	var cr, sr result
	select {
	case cr = <-clientCh:
	case <-time.After(5 * time.Second):
		t.Fatal("client handshake timed out")
	}
	select {
	case sr = <-serverCh:
	case <-time.After(5 * time.Second):
		t.Fatal("server handshake timed out")
	}
	require.NoError(t, cr.err)
	require.NoError(t, sr.err)

	plaintext := []byte("PING over sosistab3")
	writeErrCh := make(chan error, 1)
	go func() {
		_, err := cr.p.Write(plaintext)
		writeErrCh <- err
	}()

	buf := make([]byte, len(plaintext))
	n, err := sr.p.Read(buf)
	require.NoError(t, err)
	require.Equal(t, len(plaintext), n)
	require.Equal(t, plaintext, buf[:n])
	require.NoError(t, <-writeErrCh)
}

func TestWrongCookieRejected(t *testing.T) {
	clientNet, serverNet := net.Pipe()
	clientPipe := pipe.FromNetConn(clientNet, "tcp")
	serverPipe := pipe.FromNetConn(serverNet, "tcp")

	errCh := make(chan error, 2)
	go func() {
		_, err := Dial(clientPipe, Cookie("cookie-a"))
		errCh <- err
	}()
	go func() {
		_, err := Accept(serverPipe, Cookie("cookie-b"))
		errCh <- err
	}()

	err1 := <-errCh
	// A failed handshake leaves the lower pipe open; closing both ends
	// unblocks the side still waiting on its peer.
	_ = clientNet.Close()
	_ = serverNet.Close()
	err2 := <-errCh
	require.True(t, err1 != nil || err2 != nil, "mismatched cookies must fail the handshake")
}
