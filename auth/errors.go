package auth

import "fmt"

// AuthError wraps a rejection surfaced by the exit during connect-token
// exchange (§7 table: "AuthError (RateLimited, Forbidden, WrongLevel)").
type AuthError struct {
	Reason RejectReason
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: rejected: %s", e.Reason)
}

// ErrSignatureMismatch is fatal: the exit's ExitHello signature did not
// verify against its pinned/advertised Ed25519 key.
type ErrSignatureMismatch struct{}

func (ErrSignatureMismatch) Error() string { return "auth: exit signature mismatch" }

// ErrMACMismatch is fatal: the shared-secret-challenge response did not
// match the expected keyed hash.
type ErrMACMismatch struct{}

func (ErrMACMismatch) Error() string { return "auth: shared-secret MAC mismatch" }
