package identity

import "errors"

var (
	// ErrInvalidChain indicates the delegation chain is structurally or
	// cryptographically broken.
	ErrInvalidChain = errors.New("invalid delegation chain")
)
