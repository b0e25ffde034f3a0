package exit

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/yawning/veilnet/accounting"
	"github.com/yawning/veilnet/fakedns"
	"github.com/yawning/veilnet/mux"
	"github.com/yawning/veilnet/pipe"
)

func newTestMuxPair() (*mux.Mux, *mux.Mux) {
	c1, c2 := net.Pipe()
	clientPipe := pipe.FromNetConn(c1, "tcp")
	serverPipe := pipe.FromNetConn(c2, "tcp")
	clientMux := mux.New(clientPipe, false, mux.DefaultOptions(), zerolog.Nop())
	serverMux := mux.New(serverPipe, true, mux.DefaultOptions(), zerolog.Nop())
	return clientMux, serverMux
}

func readAll(r io.Reader, buf []byte) (int, error) {
	total := 0
	deadline := time.Now().Add(3 * time.Second)
	for total < len(buf) && time.Now().Before(deadline) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestServeSessionProxiesTCPStream(t *testing.T) {
	echoLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer echoLn.Close()
	go func() {
		conn, err := echoLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1024)
		n, _ := conn.Read(buf)
		conn.Write(buf[:n])
	}()

	clientMux, serverMux := newTestMuxPair()

	account, sink := NewAccount(true)
	cfg := SessionConfig{Account: account, Log: zerolog.Nop()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ServeSession(ctx, serverMux, cfg, sink)

	stream, err := clientMux.Open([]byte("tcp$" + echoLn.Addr().String()))
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	n, err := readAll(stream, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))
}

func TestServeSessionDeniesPrivateDestination(t *testing.T) {
	clientMux, serverMux := newTestMuxPair()

	policy, err := fakedns.NewPolicy(false, nil, nil)
	require.NoError(t, err)

	account, sink := NewAccount(true)
	cfg := SessionConfig{Account: account, Policy: policy, Log: zerolog.Nop()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ServeSession(ctx, serverMux, cfg, sink)

	stream, err := clientMux.Open([]byte("tcp$127.0.0.1:9999"))
	require.NoError(t, err)

	buf := make([]byte, 1)
	_, err = stream.Read(buf)
	require.Error(t, err) // stream closed immediately by the policy deny
}

func TestAccountingStreamCreditsTokens(t *testing.T) {
	clientMux, serverMux := newTestMuxPair()

	account, sink := NewAccount(false)
	cfg := SessionConfig{Account: account, Log: zerolog.Nop()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ServeSession(ctx, serverMux, cfg, sink)

	stream, err := clientMux.Open([]byte(accounting.StreamMetadata))
	require.NoError(t, err)
	defer stream.Close()

	tok := accounting.EncodeToken(accounting.BandwidthToken{
		ClientToken:        make([]byte, 32),
		UnblindedSignature: []byte("sig"),
	})
	_, err = stream.Write([]byte(tok + "\n"))
	require.NoError(t, err)

	buf := make([]byte, 8)
	n, err := readAll(stream, buf)
	require.NoError(t, err)
	require.Equal(t, 8, n)
	remaining, err := accounting.DecodeRemaining(buf)
	require.NoError(t, err)
	require.Equal(t, uint64(10*1024*1024), remaining)
}
