package fakedns

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocateIsStableAndReversible(t *testing.T) {
	a := NewAllocator()
	ip1, err := a.Allocate("example.com.")
	require.NoError(t, err)
	require.True(t, IsFake(ip1))

	ip2, err := a.Allocate("example.com.")
	require.NoError(t, err)
	require.Equal(t, ip1, ip2)

	name, ok := a.Reverse(ip1)
	require.True(t, ok)
	require.Equal(t, "example.com.", name)
}

func TestAllocateDistinctNamesGetDistinctAddrs(t *testing.T) {
	a := NewAllocator()
	ip1, err := a.Allocate("a.example.")
	require.NoError(t, err)
	ip2, err := a.Allocate("b.example.")
	require.NoError(t, err)
	require.NotEqual(t, ip1, ip2)
}

func TestPolicyWhitelistsEmptyBracketedAndPrivate(t *testing.T) {
	p, err := NewPolicy(false, nil, nil)
	require.NoError(t, err)

	require.True(t, p.IsWhitelisted(""))
	require.True(t, p.IsWhitelisted("[::1]"))
	require.True(t, p.IsWhitelisted("192.168.1.1"))
	require.True(t, p.IsWhitelisted("127.0.0.1"))
	require.False(t, p.IsWhitelisted("example.com"))
	require.False(t, p.IsWhitelisted("8.8.8.8"))
}

func TestPolicyChinaPassthrough(t *testing.T) {
	cidr := netip.MustParsePrefix("1.2.3.0/24")
	p, err := NewPolicy(true, []string{"*.cn", "baidu.com"}, []netip.Prefix{cidr})
	require.NoError(t, err)

	require.True(t, p.IsWhitelisted("somesite.cn"))
	require.True(t, p.IsWhitelisted("baidu.com"))
	require.True(t, p.IsWhitelisted("1.2.3.4"))
	require.False(t, p.IsWhitelisted("1.2.4.4"))
}
