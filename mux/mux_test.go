package mux

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/yawning/veilnet/pipe"
)

func testPair(t *testing.T, opts Options) (*Mux, *Mux) {
	t.Helper()
	c1, c2 := net.Pipe()
	log := zerolog.Nop()
	client := New(pipe.FromNetConn(c1, "test"), false, opts, log)
	server := New(pipe.FromNetConn(c2, "test"), true, opts, log)
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func TestOpenWriteRead(t *testing.T) {
	client, server := testPair(t, DefaultOptions())

	acceptErrCh := make(chan error, 1)
	var serverStream *Stream
	go func() {
		s, err := server.Accept()
		serverStream = s
		acceptErrCh <- err
	}()

	cs, err := client.Open([]byte("tcp$example.test:80"))
	require.NoError(t, err)

	require.NoError(t, <-acceptErrCh)
	require.Equal(t, "tcp$example.test:80", string(serverStream.Metadata()))

	payload := []byte("hello mux")
	n, err := cs.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	buf := make([]byte, len(payload))
	n, err = io.ReadFull(serverStream, buf)
	require.NoError(t, err)
	require.Equal(t, payload, buf[:n])
}

func TestZeroLengthPSHIsNoop(t *testing.T) {
	client, server := testPair(t, DefaultOptions())

	go func() { _, _ = server.Accept() }()
	cs, err := client.Open(nil)
	require.NoError(t, err)

	require.NoError(t, cs.mux.sendFrame(frame{cmd: cmdPSH, streamID: cs.id, body: nil}))
}

func TestStreamCloseStopsDelivery(t *testing.T) {
	client, server := testPair(t, DefaultOptions())

	serverAcceptCh := make(chan *Stream, 1)
	go func() {
		s, _ := server.Accept()
		serverAcceptCh <- s
	}()

	cs, err := client.Open(nil)
	require.NoError(t, err)
	ss := <-serverAcceptCh

	require.NoError(t, cs.Close())

	time.Sleep(50 * time.Millisecond)
	buf := make([]byte, 4)
	_, err = ss.Read(buf)
	require.Error(t, err)
}

func TestUnderlyingPipeCloseKillsMux(t *testing.T) {
	opts := Options{PingInterval: 50 * time.Millisecond, PingTimeout: 100 * time.Millisecond, AcceptQueueSize: 8}
	c1, c2 := net.Pipe()
	log := zerolog.Nop()
	client := New(pipe.FromNetConn(c1, "test"), false, opts, log)
	_ = c2.Close() // simulate the underlying transport dying
	defer client.Close()

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("mux did not die after underlying pipe closed")
	}
}
