package tlswrap

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yawning/veilnet/pipe"
)

func TestRoundTrip(t *testing.T) {
	c1, c2 := net.Pipe()
	clientPipe := pipe.FromNetConn(c1, "tcp")
	serverPipe := pipe.FromNetConn(c2, "tcp")

	type serverResult struct {
		p   pipe.Pipe
		err error
	}
	serverCh := make(chan serverResult, 1)
	go func() {
		p, err := Accept(serverPipe)
		serverCh <- serverResult{p, err}
	}()

	clientP, err := Dial(clientPipe, "example.invalid")
	require.NoError(t, err)

	var sr serverResult
	select {
	case sr = <-serverCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server handshake did not complete")
	}
	require.NoError(t, sr.err)

	secret, ok := clientP.SharedSecret()
	require.False(t, ok)
	require.Nil(t, secret)

	msg := []byte("disguised but not secret")
	writeErr := make(chan error, 1)
	go func() {
		_, err := clientP.Write(msg)
		writeErr <- err
	}()
	buf := make([]byte, len(msg))
	n, err := sr.p.Read(buf)
	require.NoError(t, err)
	require.Equal(t, msg, buf[:n])
	require.NoError(t, <-writeErr)
}
