package login

import "errors"

var (
	// ErrTimeout indicates no callback arrived before the deadline. The user
	// can simply re-run login.
	ErrTimeout = errors.New("no callback received before the deadline")
	// ErrNonceMismatch indicates the callback was produced by a stale or
	// forged browser tab; it is rejected before any decryption is attempted.
	ErrNonceMismatch = errors.New("callback nonce did not match")
	// ErrDecryption indicates key agreement or AEAD authentication failed.
	ErrDecryption = errors.New("failed to decrypt callback payload")
	// ErrMalformedPayload indicates the decrypted payload is structurally
	// invalid (missing delegations, malformed keys, non-numeric expirations).
	ErrMalformedPayload = errors.New("malformed delegation payload")
	// ErrSessionDestroyed indicates the login session's key material has
	// already been wiped.
	ErrSessionDestroyed = errors.New("login session destroyed")
)

// ValidationError reports which delegation check failed. Every rejection
// names the specific check so login failures stay actionable.
type ValidationError struct {
	Check  string
	Detail string
}

func (e *ValidationError) Error() string {
	return "delegation validation failed: " + e.Check + ": " + e.Detail
}
