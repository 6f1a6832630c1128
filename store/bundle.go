// Package store persists the identity bundle produced by a login and turns
// it back into a usable signing identity on later invocations.
package store

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/kinic-ai/kinic-cli/identity"
)

const bundleVersion = 1

// Bundle is the on-disk identity file. All binary material is hex-encoded
// and nanosecond timestamps are decimal strings, so the file stays readable
// and diffable. It is only ever replaced wholesale by a new login.
type Bundle struct {
	Version             int                `json:"version"`
	IdentityProviderURL string             `json:"identityProviderUrl"`
	UserPublicKey       string             `json:"userPublicKey"`
	SessionKey          string             `json:"sessionKey"`
	Delegations         []SignedDelegation `json:"delegations"`
	Expiration          string             `json:"expiration"`
	CreatedAt           string             `json:"createdAt"`
}

// SignedDelegation is the persisted form of one delegation hop.
type SignedDelegation struct {
	Delegation Delegation `json:"delegation"`
	Signature  string     `json:"signature"`
}

// Delegation mirrors identity.Delegation with wire-friendly encodings.
type Delegation struct {
	PublicKey  string   `json:"pubkey"`
	Expiration string   `json:"expiration"`
	Targets    []string `json:"targets,omitempty"`
}

// NewBundle assembles a bundle from a validated chain and the session's
// PKCS#8 private key.
func NewBundle(providerURL string, userPublicKeyDER, sessionKeyPKCS8 []byte, chain []identity.SignedDelegation, expirationNs, createdAtNs uint64) *Bundle {
	delegations := make([]SignedDelegation, 0, len(chain))
	for _, signed := range chain {
		var targets []string
		if signed.Delegation.Targets != nil {
			targets = make([]string, 0, len(signed.Delegation.Targets))
			for _, target := range signed.Delegation.Targets {
				targets = append(targets, target.String())
			}
		}
		delegations = append(delegations, SignedDelegation{
			Delegation: Delegation{
				PublicKey:  hex.EncodeToString(signed.Delegation.PublicKey),
				Expiration: strconv.FormatUint(signed.Delegation.ExpirationNs, 10),
				Targets:    targets,
			},
			Signature: hex.EncodeToString(signed.Signature),
		})
	}
	return &Bundle{
		Version:             bundleVersion,
		IdentityProviderURL: providerURL,
		UserPublicKey:       hex.EncodeToString(userPublicKeyDER),
		SessionKey:          hex.EncodeToString(sessionKeyPKCS8),
		Delegations:         delegations,
		Expiration:          strconv.FormatUint(expirationNs, 10),
		CreatedAt:           strconv.FormatUint(createdAtNs, 10),
	}
}

// ExpirationNs parses the bundle's effective expiration.
func (b *Bundle) ExpirationNs() (uint64, error) {
	v, err := strconv.ParseUint(b.Expiration, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing bundle expiration: %w", err)
	}
	return v, nil
}

// chain decodes the persisted delegations back into canonical form.
func (b *Bundle) chain() ([]identity.SignedDelegation, error) {
	out := make([]identity.SignedDelegation, 0, len(b.Delegations))
	for i, signed := range b.Delegations {
		publicKey, err := hex.DecodeString(signed.Delegation.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("delegation %d: decoding public key: %w", i, err)
		}
		signature, err := hex.DecodeString(signed.Signature)
		if err != nil {
			return nil, fmt.Errorf("delegation %d: decoding signature: %w", i, err)
		}
		expiration, err := strconv.ParseUint(signed.Delegation.Expiration, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("delegation %d: parsing expiration: %w", i, err)
		}
		var targets []identity.Principal
		if signed.Delegation.Targets != nil {
			targets = make([]identity.Principal, 0, len(signed.Delegation.Targets))
			for _, text := range signed.Delegation.Targets {
				target, err := identity.PrincipalFromText(text)
				if err != nil {
					return nil, fmt.Errorf("delegation %d: parsing target: %w", i, err)
				}
				targets = append(targets, target)
			}
		}
		out = append(out, identity.SignedDelegation{
			Delegation: identity.Delegation{
				PublicKey:    publicKey,
				ExpirationNs: expiration,
				Targets:      targets,
			},
			Signature: signature,
		})
	}
	return out, nil
}
