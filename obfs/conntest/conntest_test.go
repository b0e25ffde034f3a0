package conntest

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

	serverCh := make(chan error, 1)
	go func() {
		_, err := Accept(serverPipe)
		serverCh <- err
	}()

	clientP, err := Dial(clientPipe, 5)
	require.NoError(t, err)
	require.NotNil(t, clientP)

	select {
	case err := <-serverCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server side did not finish the gate")
	}
}
