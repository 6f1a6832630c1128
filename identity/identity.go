// Package identity implements the Internet Computer identity primitives the
// CLI needs: principals, SubjectPublicKeyInfo handling, signed delegation
// chains, and the delegated signing identity produced by a login.
package identity

import (
	"crypto/ed25519"
	"crypto/x509"
	"fmt"
)

// Delegated is a usable signing identity: a session Ed25519 key plus the
// delegation chain that authorizes it to act as the user's principal.
type Delegated struct {
	sessionKey    ed25519.PrivateKey
	userPublicKey []byte // DER SPKI
	chain         []SignedDelegation
}

// NewDelegated builds a delegated identity from a PKCS#8-encoded session
// private key, the user's DER-encoded public key, and the delegation chain.
// It does not validate the chain; callers validate before constructing.
func NewDelegated(sessionKeyPKCS8, userPublicKeyDER []byte, chain []SignedDelegation) (*Delegated, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(sessionKeyPKCS8)
	if err != nil {
		return nil, fmt.Errorf("parsing session private key: %w", err)
	}
	sessionKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("session private key is %T, want Ed25519", parsed)
	}
	normalized, err := NormalizeSPKI(userPublicKeyDER)
	if err != nil {
		return nil, fmt.Errorf("normalizing user public key: %w", err)
	}
	return &Delegated{
		sessionKey:    sessionKey,
		userPublicKey: normalized,
		chain:         chain,
	}, nil
}

// Principal returns the user principal the delegation chain acts for.
func (d *Delegated) Principal() Principal {
	return SelfAuthenticating(d.userPublicKey)
}

// PublicKey returns the user's DER-encoded public key. Requests built with
// this identity present the user key as the sender key, with the chain
// authorizing the session key to sign.
func (d *Delegated) PublicKey() []byte {
	return append([]byte(nil), d.userPublicKey...)
}

// Delegations returns the signed delegation chain, ordered root-first.
func (d *Delegated) Delegations() []SignedDelegation {
	return append([]SignedDelegation(nil), d.chain...)
}

// Sign signs message with the session key.
func (d *Delegated) Sign(message []byte) []byte {
	return ed25519.Sign(d.sessionKey, message)
}
