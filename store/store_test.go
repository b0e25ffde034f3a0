package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKVRoundTrip(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	_, ok, err := s.Get(ctx, AuthTokenKey)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Set(ctx, AuthTokenKey, []byte("tok-1")))
	v, ok, err := s.Get(ctx, AuthTokenKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("tok-1"), v)

	require.NoError(t, s.Set(ctx, AuthTokenKey, []byte("tok-2")))
	v, ok, err = s.Get(ctx, AuthTokenKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("tok-2"), v)

	require.NoError(t, s.Delete(ctx, AuthTokenKey))
	_, ok, err = s.Get(ctx, AuthTokenKey)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBandwidthTokenPoolConsumedInArbitraryOrder(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.AddBandwidthToken(ctx, []byte("tok-a")))
	require.NoError(t, s.AddBandwidthToken(ctx, []byte("tok-b")))

	n, err := s.BandwidthTokenCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		blob, ok, err := s.PopBandwidthToken(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		seen[string(blob)] = true
	}
	require.True(t, seen["tok-a"])
	require.True(t, seen["tok-b"])

	_, ok, err := s.PopBandwidthToken(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}
