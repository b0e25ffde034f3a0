package broker

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetExitsVerifiesMasterSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	exits := []ExitDescriptor{{
		VerifyKey: []byte("exit-key"),
		C2EListen: "1.2.3.4:443",
		Country:   "US",
		Load:      0.1,
	}}
	body, err := json.Marshal(exits)
	require.NoError(t, err)
	sig := ed25519.Sign(priv, body)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "get_exits", req.Method)

		result, err := json.Marshal(signedExitList{Body: body, Signature: sig})
		require.NoError(t, err)
		reply, err := json.Marshal(rpcResponse{Result: result})
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(reply)
	}))
	defer srv.Close()

	c := New(srv.URL, pub)
	got, err := c.GetExits(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "US", got[0].Country)
}

func TestGetExitsRejectsBadSignature(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	otherPub, otherPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_ = otherPub

	body, err := json.Marshal([]ExitDescriptor{{Country: "US"}})
	require.NoError(t, err)
	sig := ed25519.Sign(otherPriv, body)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result, _ := json.Marshal(signedExitList{Body: body, Signature: sig})
		reply, _ := json.Marshal(rpcResponse{Result: result})
		_, _ = w.Write(reply)
	}))
	defer srv.Close()

	c := New(srv.URL, pub)
	_, err = c.GetExits(context.Background())
	require.Error(t, err)
}

func TestConsumeBwTokenSurfacesRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reply, _ := json.Marshal(rpcResponse{Error: "token already spent"})
		_, _ = w.Write(reply)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	err := c.ConsumeBwToken(context.Background(), "tok", []byte("sig"))
	require.ErrorContains(t, err, "token already spent")
}
