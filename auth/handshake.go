package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"github.com/yawning/veilnet/internal/aeadframe"
	"github.com/yawning/veilnet/internal/framedpipe"
	"github.com/yawning/veilnet/internal/kdf"
	"github.com/yawning/veilnet/pipe"
)

// VerifyFunc authenticates a client's connect-token credentials and, on
// success, reports the account level it was issued for. A non-nil error
// that is an *AuthError surfaces as a Reject to the client; any other
// error is treated as an internal failure and the connection is dropped
// without a signed reply.
type VerifyFunc func(creds Credentials) (AccountLevel, error)

// ClientHandshake runs the client side of §4.5 over p and returns the
// resulting pipe: AEAD-wrapped in the fresh X25519 mode, or p itself
// unchanged in the shared-secret-challenge mode (the lower layer already
// authenticates).
func ClientHandshake(p pipe.Pipe, creds Credentials, exitPub ed25519.PublicKey) (pipe.Pipe, error) {
	if secret, ok := p.SharedSecret(); ok {
		return clientSharedSecret(p, creds, secret, exitPub)
	}
	return clientFreshX25519(p, creds, exitPub)
}

func clientFreshX25519(p pipe.Pipe, creds Credentials, exitPub ed25519.PublicKey) (pipe.Pipe, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, err
	}
	epk, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	ch := ClientHello{Credentials: creds, Crypto: ClientCryptHello{Kind: "x25519", EPK: epk}}
	chBody, err := writeJSON(p, ch)
	if err != nil {
		return nil, err
	}

	var eh ExitHello
	innerBody, err := readExitHello(p, &eh)
	if err != nil {
		return nil, err
	}
	if err := verifyExitSignature(exitPub, chBody, innerBody, eh.Sig); err != nil {
		return nil, err
	}
	if eh.Inner.Kind == "reject" {
		return nil, &AuthError{Reason: RejectReason(eh.Inner.Reason)}
	}
	if eh.Inner.Kind != "x25519" {
		return nil, fmt.Errorf("auth: unexpected exit reply kind %q", eh.Inner.Kind)
	}

	shared, err := curve25519.X25519(priv[:], eh.Inner.EPK)
	if err != nil {
		return nil, err
	}
	return installLinkKeys(p, shared, false)
}

func clientSharedSecret(p pipe.Pipe, creds Credentials, secret []byte, exitPub ed25519.PublicKey) (pipe.Pipe, error) {
	var challenge [32]byte
	if _, err := rand.Read(challenge[:]); err != nil {
		return nil, err
	}

	ch := ClientHello{Credentials: creds, Crypto: ClientCryptHello{Kind: "shared_secret_challenge", Challenge: challenge[:]}}
	chBody, err := writeJSON(p, ch)
	if err != nil {
		return nil, err
	}

	var eh ExitHello
	innerBody, err := readExitHello(p, &eh)
	if err != nil {
		return nil, err
	}
	if err := verifyExitSignature(exitPub, chBody, innerBody, eh.Sig); err != nil {
		return nil, err
	}
	if eh.Inner.Kind == "reject" {
		return nil, &AuthError{Reason: RejectReason(eh.Inner.Reason)}
	}
	if eh.Inner.Kind != "shared_secret_response" {
		return nil, fmt.Errorf("auth: unexpected exit reply kind %q", eh.Inner.Kind)
	}

	var key [32]byte
	copy(key[:], secret)
	expected := kdf.KeyedHash(key, challenge[:])
	if len(eh.Inner.MAC) != 32 || [32]byte(eh.Inner.MAC[:32]) != expected {
		return nil, ErrMACMismatch{}
	}
	return p, nil
}

func readExitHello(p pipe.Pipe, eh *ExitHello) ([]byte, error) {
	// eh.Inner must be captured both as the decoded struct and as the raw
	// bytes the exit signed; decode the whole ExitHello once, then
	// re-marshal Inner to recompute its canonical bytes, matching the
	// exit's own writeJSON(inner)-then-sign order.
	if _, err := readJSON(p, eh); err != nil {
		return nil, err
	}
	innerBody, err := canonicalInnerBytes(eh.Inner)
	if err != nil {
		return nil, err
	}
	return innerBody, nil
}

// ServerHandshake runs the exit side of §4.5 over p. verify authenticates
// the client's credentials; priv signs the reply.
func ServerHandshake(p pipe.Pipe, priv ed25519.PrivateKey, verify VerifyFunc) (pipe.Pipe, AccountLevel, error) {
	var ch ClientHello
	chBody, err := readJSON(p, &ch)
	if err != nil {
		return nil, 0, err
	}

	level, verr := verify(ch.Credentials)
	if verr != nil {
		var authErr *AuthError
		if errors.As(verr, &authErr) {
			inner := ExitHelloInner{Kind: "reject", Reason: string(authErr.Reason)}
			_ = sendSignedExitHello(p, priv, chBody, inner)
			return nil, 0, authErr
		}
		return nil, 0, verr
	}

	secret, hasSecret := p.SharedSecret()
	switch {
	case hasSecret && ch.Crypto.Kind == "shared_secret_challenge":
		var key [32]byte
		copy(key[:], secret)
		mac := kdf.KeyedHash(key, ch.Crypto.Challenge)
		inner := ExitHelloInner{Kind: "shared_secret_response", MAC: mac[:]}
		if err := sendSignedExitHello(p, priv, chBody, inner); err != nil {
			return nil, 0, err
		}
		return p, level, nil

	case ch.Crypto.Kind == "x25519":
		var epriv [32]byte
		if _, err := rand.Read(epriv[:]); err != nil {
			return nil, 0, err
		}
		epk, err := curve25519.X25519(epriv[:], curve25519.Basepoint)
		if err != nil {
			return nil, 0, err
		}
		inner := ExitHelloInner{Kind: "x25519", EPK: epk}
		if err := sendSignedExitHello(p, priv, chBody, inner); err != nil {
			return nil, 0, err
		}
		shared, err := curve25519.X25519(epriv[:], ch.Crypto.EPK)
		if err != nil {
			return nil, 0, err
		}
		wrapped, err := installLinkKeys(p, shared, true)
		if err != nil {
			return nil, 0, err
		}
		return wrapped, level, nil

	default:
		inner := ExitHelloInner{Kind: "reject", Reason: string(RejectForbidden)}
		_ = sendSignedExitHello(p, priv, chBody, inner)
		return nil, 0, fmt.Errorf("auth: client/pipe crypto mode mismatch (pipe shared secret=%v, requested=%q)", hasSecret, ch.Crypto.Kind)
	}
}

func sendSignedExitHello(p pipe.Pipe, priv ed25519.PrivateKey, chBody []byte, inner ExitHelloInner) error {
	innerBody, err := canonicalInnerBytes(inner)
	if err != nil {
		return err
	}
	sig := ed25519.Sign(priv, signedPayload(chBody, innerBody))
	_, err = writeJSON(p, ExitHello{Inner: inner, Sig: sig})
	return err
}

func canonicalInnerBytes(inner ExitHelloInner) ([]byte, error) {
	return jsonMarshalCanonical(inner)
}

func verifyExitSignature(exitPub ed25519.PublicKey, chBody, innerBody, sig []byte) error {
	if !ed25519.Verify(exitPub, signedPayload(chBody, innerBody), sig) {
		return ErrSignatureMismatch{}
	}
	return nil
}

func installLinkKeys(p pipe.Pipe, shared []byte, isServer bool) (pipe.Pipe, error) {
	c2e := kdf.Derive("c2e", shared, aeadframe.KeyLength)
	e2c := kdf.Derive("e2c", shared, aeadframe.KeyLength)

	sendKey, recvKey := c2e, e2c
	if isServer {
		sendKey, recvKey = e2c, c2e
	}

	enc, err := aeadframe.NewEncoder(sendKey)
	if err != nil {
		return nil, err
	}
	dec, err := aeadframe.NewDecoder(recvKey)
	if err != nil {
		return nil, err
	}
	return framedpipe.New(p, enc, dec, "authed"), nil
}
