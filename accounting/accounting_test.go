package accounting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSpendSaturatesAtZero(t *testing.T) {
	a := New(nil)
	a.Redeem()
	require.Equal(t, uint64(tokenCredit), a.Remaining())

	ok := a.Spend(tokenCredit + 1000)
	require.True(t, ok)
	require.Equal(t, uint64(0), a.Remaining())
}

func TestUnlimitedNeverSpendsDown(t *testing.T) {
	a := NewUnlimited()
	ok := a.Spend(1 << 40)
	require.True(t, ok)
	require.Equal(t, uint64(0), a.Remaining())
}

func TestChangeNotificationDebounced(t *testing.T) {
	var calls int
	done := make(chan struct{}, 8)
	a := New(func(remaining uint64) {
		calls++
		done <- struct{}{}
	})

	for i := 0; i < 5; i++ {
		a.Redeem()
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("no notification observed")
	}
	time.Sleep(50 * time.Millisecond)
	require.LessOrEqual(t, calls, 2)
}

func TestTokenRoundTrip(t *testing.T) {
	tok := BandwidthToken{
		ClientToken:        make([]byte, 32),
		UnblindedSignature: []byte("sig-bytes-here"),
	}
	for i := range tok.ClientToken {
		tok.ClientToken[i] = byte(i)
	}
	encoded := EncodeToken(tok)
	decoded, err := DecodeToken(encoded)
	require.NoError(t, err)
	require.Equal(t, tok.ClientToken, decoded.ClientToken)
	require.Equal(t, tok.UnblindedSignature, decoded.UnblindedSignature)
}

func TestRemainingWireRoundTrip(t *testing.T) {
	buf := EncodeRemaining(123456789)
	got, err := DecodeRemaining(buf)
	require.NoError(t, err)
	require.Equal(t, uint64(123456789), got)
}
