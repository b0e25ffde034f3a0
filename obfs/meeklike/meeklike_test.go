package meeklike

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yawning/veilnet/pipe"
)

func TestRoundTrip(t *testing.T) {
	c1, c2 := net.Pipe()
	clientLower := pipe.FromNetConn(c1, "tcp")
	serverLower := pipe.FromNetConn(c2, "tcp")

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i * 3)
	}

	serverP, err := Accept(serverLower, key)
	require.NoError(t, err)
	clientP, err := Dial(clientLower, key)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = clientP.Close()
		_ = serverP.Close()
	})

	msg := []byte("polling disguise payload")
	writeErr := make(chan error, 1)
	go func() {
		_, err := clientP.Write(msg)
		writeErr <- err
	}()

	buf := make([]byte, len(msg))
	readDone := make(chan struct{})
	var n int
	var readErr error
	go func() {
		n, readErr = serverP.Read(buf)
		close(readDone)
	}()

	select {
	case <-readDone:
	case <-time.After(5 * time.Second):
		t.Fatal("server never observed client payload")
	}
	require.NoError(t, readErr)
	require.Equal(t, msg, buf[:n])
	require.NoError(t, <-writeErr)
}
