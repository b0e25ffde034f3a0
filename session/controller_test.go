package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/yawning/veilnet/mux"
	"github.com/yawning/veilnet/pipe"
)

// newLoopbackFactory hands out one fresh net.Pipe half per Dial call, handing
// the other half to a background exit-side mux so OpenConn has
// something real to talk to.
func newLoopbackFactory(t *testing.T, serverMuxCh chan<- *mux.Mux) DialerFactory {
	return func(ctx context.Context) (pipe.Dialer, ExitStatus, error) {
		return pipe.DialerFunc(func() (pipe.Pipe, error) {
			c1, c2 := net.Pipe()
			clientPipe := pipe.FromNetConn(c1, "tcp")
			serverPipe := pipe.FromNetConn(c2, "tcp")
			serverMux := mux.New(serverPipe, true, mux.DefaultOptions(), zerolog.Nop())
			serverMuxCh <- serverMux
			return clientPipe, nil
		}), ExitStatus{ID: "loopback"}, nil
	}
}

func identityAuth(p pipe.Pipe, exit ExitStatus) (pipe.Pipe, error) { return p, nil }

func TestControllerServesHotPotatoRequest(t *testing.T) {
	serverMuxCh := make(chan *mux.Mux, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctrl := NewController(ctx, 2, newLoopbackFactory(t, serverMuxCh), identityAuth, nil, zerolog.Nop())
	defer ctrl.Stop()

	var serverMux *mux.Mux
	select {
	case serverMux = <-serverMuxCh:
	case <-time.After(2 * time.Second):
		t.Fatal("no session dialed in")
	}

	acceptDone := make(chan *mux.Stream, 1)
	go func() {
		st, err := serverMux.Accept()
		if err == nil {
			acceptDone <- st
		}
	}()

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer reqCancel()
	stream, err := ctrl.OpenConn(reqCtx, "tcp$example.com:443")
	require.NoError(t, err)
	require.NotNil(t, stream)

	select {
	case st := <-acceptDone:
		require.NotNil(t, st)
	case <-time.After(2 * time.Second):
		t.Fatal("exit side never observed the opened stream")
	}
}

func TestControllerActiveSessionsIncrements(t *testing.T) {
	serverMuxCh := make(chan *mux.Mux, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctrl := NewController(ctx, 1, newLoopbackFactory(t, serverMuxCh), identityAuth, nil, zerolog.Nop())
	defer ctrl.Stop()

	require.Eventually(t, func() bool {
		return ctrl.ActiveSessions() >= 1
	}, 2*time.Second, 20*time.Millisecond)
}
