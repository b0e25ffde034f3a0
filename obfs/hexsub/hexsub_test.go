package hexsub

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yawning/veilnet/pipe"
)

func TestHexRoundTrip(t *testing.T) {
	c1, c2 := net.Pipe()
	a := Wrap(pipe.FromNetConn(c1, "tcp"))
	b := Wrap(pipe.FromNetConn(c2, "tcp"))

	msg := []byte("the quick brown fox jumps over the lazy dog")
	done := make(chan error, 1)
	go func() {
		_, err := a.Write(msg)
		done <- err
	}()

	buf := make([]byte, len(msg))
	n, err := b.Read(buf)
	require.NoError(t, err)
	require.Equal(t, msg, buf[:n])
	require.NoError(t, <-done)
}

func rotateByOneTable(t *testing.T) [256]byte {
	var fwd [256]byte
	for i := range fwd {
		fwd[i] = byte(i + 1)
	}
	return fwd
}

func TestSubstitutionIsInvolutionFreeRoundTrip(t *testing.T) {
	fwd := rotateByOneTable(t)
	table, err := NewSubstitutionTable(fwd)
	require.NoError(t, err)

	for i := 0; i < 256; i++ {
		require.Equal(t, byte(i), table.Inverse[table.Forward[i]])
	}

	c1, c2 := net.Pipe()
	a := WrapSubstitution(pipe.FromNetConn(c1, "tcp"), table)
	b := WrapSubstitution(pipe.FromNetConn(c2, "tcp"), table)

	msg := []byte{0, 1, 2, 250, 251, 252, 253, 254, 255}
	done := make(chan error, 1)
	go func() {
		_, err := a.Write(msg)
		done <- err
	}()

	buf := make([]byte, len(msg))
	n, err := b.Read(buf)
	require.NoError(t, err)
	require.Equal(t, msg, buf[:n])
	require.NoError(t, <-done)
}

func TestSubstitutionRejectsNonBijection(t *testing.T) {
	var fwd [256]byte
	for i := range fwd {
		fwd[i] = 0
	}
	_, err := NewSubstitutionTable(fwd)
	require.Error(t, err)
}
