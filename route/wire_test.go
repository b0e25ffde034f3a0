package route

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWireRoundTrip(t *testing.T) {
	var table [256]byte
	for i := range table {
		table[i] = byte(255 - i)
	}
	original := Race{Children: []Descriptor{
		PlainTls{SNI: "example.com", Lower: Sosistab3{Cookie: []byte("cookie"), Lower: Tcp{Addr: "1.2.3.4:443"}}},
		Fallback{Children: []Descriptor{
			Timeout{MS: 2000, Lower: Hex{Lower: Tcp{Addr: "5.6.7.8:443"}}},
			Substitution{Table: table, Lower: Tcp{Addr: "9.9.9.9:443"}},
		}},
	}}

	encoded, err := EncodeJSON(original)
	require.NoError(t, err)

	decoded, err := DecodeJSON(encoded)
	require.NoError(t, err)

	race, ok := decoded.(Race)
	require.True(t, ok)
	require.Len(t, race.Children, 2)

	tls, ok := race.Children[0].(PlainTls)
	require.True(t, ok)
	require.Equal(t, "example.com", tls.SNI)

	sos, ok := tls.Lower.(Sosistab3)
	require.True(t, ok)
	require.Equal(t, []byte("cookie"), sos.Cookie)
}

func TestWireDecodeUnknownKindBecomesOther(t *testing.T) {
	decoded, err := DecodeJSON([]byte(`{"kind":"future_transport","payload":"aGVsbG8="}`))
	require.NoError(t, err)
	other, ok := decoded.(Other)
	require.True(t, ok)
	require.Equal(t, "future_transport", other.Kind)
	require.Equal(t, []byte("hello"), other.Payload)
}
