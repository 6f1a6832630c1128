package login

import (
	"bytes"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kinic-ai/kinic-cli/identity"
)

// clockSkewTolerance absorbs small drift between the provider's clock and
// ours. Policy choice: neither the expiry check nor the max-TTL check
// requires exact synchronization.
const clockSkewTolerance = 30 * time.Second

// Chain is the canonical, validated delegation chain ready for persistence.
type Chain struct {
	UserPublicKey    []byte // DER SPKI
	SessionPublicKey []byte // DER SPKI
	Delegations      []identity.SignedDelegation
	ExpirationNs     uint64 // minimum across all hops
	DerivationOrigin string
}

// ValidatePayload checks the decrypted payload against the session: origin
// match, session-key match, per-hop signatures, and expiration bounds. The
// checks run strictly in that order and any failure is terminal. On success
// it returns the canonical chain.
func ValidatePayload(payload *RawPayload, session *Session, now time.Time, log zerolog.Logger) (*Chain, error) {
	if payload.DerivationOrigin != session.DerivationOrigin() {
		return nil, &ValidationError{
			Check:  "derivationOrigin",
			Detail: fmt.Sprintf("got %q, session expects %q", payload.DerivationOrigin, session.DerivationOrigin()),
		}
	}

	sessionKeyDER, err := identity.NormalizeSPKI(payload.SessionPublicKey)
	if err != nil {
		return nil, &ValidationError{Check: "sessionPublicKey", Detail: err.Error()}
	}
	if !bytes.Equal(sessionKeyDER, session.SessionPublicKey()) {
		return nil, &ValidationError{Check: "sessionPublicKey", Detail: "does not match this session's key"}
	}

	userKeyDER, err := identity.NormalizeSPKI(payload.UserPublicKey)
	if err != nil {
		return nil, &ValidationError{Check: "userPublicKey", Detail: err.Error()}
	}

	delegations, err := convertDelegations(payload.Delegations)
	if err != nil {
		return nil, err
	}

	if identity.IsCanisterSignatureKey(userKeyDER) {
		// Canister-signature roots cannot be verified locally; the replica
		// verifies them on every request. Matches the provider's behavior
		// for passkey-backed identities.
		log.Warn().Msg("delegation chain is rooted in a canister signature key; skipping local signature verification")
	} else if err := identity.VerifyChain(userKeyDER, sessionKeyDER, delegations); err != nil {
		return nil, &ValidationError{Check: "delegationChain", Detail: err.Error()}
	}

	nowNs := uint64(now.UnixNano())
	skewNs := uint64(clockSkewTolerance.Nanoseconds())
	ceilingNs := nowNs + session.MaxTTLNs() + skewNs
	for i, signed := range delegations {
		exp := signed.Delegation.ExpirationNs
		if exp+skewNs <= nowNs {
			return nil, &ValidationError{
				Check:  "expiration",
				Detail: fmt.Sprintf("delegation %d expired at %d ns", i, exp),
			}
		}
		if exp > ceilingNs {
			return nil, &ValidationError{
				Check:  "expiration",
				Detail: fmt.Sprintf("delegation %d expires at %d ns, beyond the requested max TTL", i, exp),
			}
		}
	}
	expirationNs, err := identity.ChainExpirationNs(delegations)
	if err != nil {
		return nil, &ValidationError{Check: "expiration", Detail: err.Error()}
	}

	return &Chain{
		UserPublicKey:    userKeyDER,
		SessionPublicKey: sessionKeyDER,
		Delegations:      delegations,
		ExpirationNs:     expirationNs,
		DerivationOrigin: payload.DerivationOrigin,
	}, nil
}

// convertDelegations normalizes the provider-native hops into canonical
// form. Targets are carried over verbatim: they constrain which canisters
// may accept the delegation and must never be dropped or rewritten.
func convertDelegations(raw []RawSignedDelegation) ([]identity.SignedDelegation, error) {
	out := make([]identity.SignedDelegation, 0, len(raw))
	for i, entry := range raw {
		publicKey, err := identity.NormalizeSPKI(entry.Delegation.PublicKey)
		if err != nil {
			return nil, &ValidationError{
				Check:  "delegationPublicKey",
				Detail: fmt.Sprintf("delegation %d: %v", i, err),
			}
		}
		var targets []identity.Principal
		if entry.Delegation.Targets != nil {
			targets = make([]identity.Principal, 0, len(entry.Delegation.Targets))
			for _, text := range entry.Delegation.Targets {
				target, err := identity.PrincipalFromText(text)
				if err != nil {
					return nil, &ValidationError{
						Check:  "targets",
						Detail: fmt.Sprintf("delegation %d: %v", i, err),
					}
				}
				targets = append(targets, target)
			}
		}
		out = append(out, identity.SignedDelegation{
			Delegation: identity.Delegation{
				PublicKey:    publicKey,
				ExpirationNs: uint64(entry.Delegation.Expiration),
				Targets:      targets,
			},
			Signature: bytes.Clone(entry.Signature),
		})
	}
	return out, nil
}
