package route

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCompileTcpRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()

	dialer, err := Compile(Tcp{Addr: ln.Addr().String()})
	require.NoError(t, err)

	p, err := dialer.Dial()
	require.NoError(t, err)
	defer p.Close()

	select {
	case c := <-accepted:
		require.NotNil(t, c)
		c.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("listener never saw the dial")
	}
}

func TestRaceEmptyNeverPanics(t *testing.T) {
	dialer, err := Compile(Race{})
	require.NoError(t, err)
	_, err = dialer.Dial()
	require.Error(t, err)
}

func TestFallbackEmptyNeverPanics(t *testing.T) {
	dialer, err := Compile(Fallback{})
	require.NoError(t, err)
	_, err = dialer.Dial()
	require.Error(t, err)
}

func TestOtherAlwaysFailsDial(t *testing.T) {
	dialer, err := Compile(Other{Kind: "future-transport"})
	require.NoError(t, err)
	_, err = dialer.Dial()
	require.ErrorIs(t, err, ErrUnsupportedDescriptor)
}

func TestOtherAlwaysFailsListen(t *testing.T) {
	ln, err := CompileListener(Other{Kind: "future-transport"})
	require.NoError(t, err)
	_, err = ln.Accept()
	require.ErrorIs(t, err, ErrUnsupportedDescriptor)
}

func TestFallbackAdvancesOnFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, _ := ln.Accept()
		if c != nil {
			c.Close()
		}
	}()

	dialer, err := Compile(Fallback{Children: []Descriptor{
		Tcp{Addr: "127.0.0.1:1"},
		Tcp{Addr: ln.Addr().String()},
	}})
	require.NoError(t, err)

	p, err := dialer.Dial()
	require.NoError(t, err)
	defer p.Close()
}

func TestRaceDialResolvesToFasterChild(t *testing.T) {
	lnA, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lnA.Close()
	lnB, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lnB.Close()
	go func() {
		for {
			c, err := lnA.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	go func() {
		for {
			c, err := lnB.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	delayed, err := Compile(Delay{MS: 100, Lower: Tcp{Addr: lnA.Addr().String()}})
	require.NoError(t, err)
	fast, err := Compile(Tcp{Addr: lnB.Addr().String()})
	require.NoError(t, err)

	raceDialer, err := Compile(Race{Children: []Descriptor{Delay{MS: 100, Lower: Tcp{Addr: lnA.Addr().String()}}, Tcp{Addr: lnB.Addr().String()}}})
	require.NoError(t, err)
	_ = delayed
	_ = fast

	start := time.Now()
	p, err := raceDialer.Dial()
	require.NoError(t, err)
	defer p.Close()
	require.Less(t, time.Since(start), 100*time.Millisecond)
}
