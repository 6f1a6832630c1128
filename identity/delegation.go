package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"sort"
)

// requestAuthDelegationDomain is the IC domain separator for delegation
// signatures: a length byte followed by the separator text.
var requestAuthDelegationDomain = []byte("\x1aic-request-auth-delegation")

// Delegation asserts that PublicKey may act on behalf of the signer until
// ExpirationNs (nanoseconds since the Unix epoch). Targets, when present,
// restrict which canisters may accept the delegation and must be preserved
// verbatim end to end.
type Delegation struct {
	PublicKey    []byte
	ExpirationNs uint64
	Targets      []Principal
}

// SignedDelegation pairs a delegation with the signature produced by the key
// one hop up the chain.
type SignedDelegation struct {
	Delegation Delegation
	Signature  []byte
}

// SignedBytes returns the exact bytes the delegation's issuer signs: the
// domain separator followed by the representation-independent hash of the
// delegation map.
func (d Delegation) SignedBytes() []byte {
	sum := d.representationHash()
	msg := make([]byte, 0, len(requestAuthDelegationDomain)+len(sum))
	msg = append(msg, requestAuthDelegationDomain...)
	msg = append(msg, sum[:]...)
	return msg
}

// representationHash implements the IC "hash of map" over the delegation's
// fields: each entry contributes sha256(key) || sha256(value), entries are
// sorted bytewise, and the concatenation is hashed once more. Expiration is
// hashed as a LEB128-encoded nat, targets as an array of principal blobs.
func (d Delegation) representationHash() [sha256.Size]byte {
	entries := [][]byte{
		hashPair("pubkey", hashBytes(d.PublicKey)),
		hashPair("expiration", hashBytes(encodeLEB128(d.ExpirationNs))),
	}
	if d.Targets != nil {
		var concatenated []byte
		for _, target := range d.Targets {
			h := hashBytes(target.Raw())
			concatenated = append(concatenated, h[:]...)
		}
		entries = append(entries, hashPair("targets", sha256.Sum256(concatenated)))
	}
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i], entries[j]) < 0
	})
	return sha256.Sum256(bytes.Join(entries, nil))
}

func hashPair(key string, valueHash [sha256.Size]byte) []byte {
	keyHash := sha256.Sum256([]byte(key))
	return append(keyHash[:], valueHash[:]...)
}

func hashBytes(b []byte) [sha256.Size]byte {
	return sha256.Sum256(b)
}

func encodeLEB128(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

// VerifyChain checks that the ordered delegations connect userPublicKeyDER to
// sessionPublicKeyDER: each hop's signature must verify against the previous
// hop's key, and the final delegated key must be the session key. Both DER
// arguments and every hop key must be Ed25519 SPKI; chains rooted in a
// canister-signature key cannot be verified locally and must be screened with
// IsCanisterSignatureKey before calling.
func VerifyChain(userPublicKeyDER, sessionPublicKeyDER []byte, chain []SignedDelegation) error {
	if len(chain) == 0 {
		return fmt.Errorf("%w: empty delegation chain", ErrInvalidChain)
	}
	signerDER := userPublicKeyDER
	for i, signed := range chain {
		signer, err := Ed25519FromSPKI(signerDER)
		if err != nil {
			return fmt.Errorf("%w: hop %d signer key: %v", ErrInvalidChain, i, err)
		}
		if !ed25519.Verify(signer, signed.Delegation.SignedBytes(), signed.Signature) {
			return fmt.Errorf("%w: signature at hop %d does not verify", ErrInvalidChain, i)
		}
		signerDER = signed.Delegation.PublicKey
	}
	if !bytes.Equal(signerDER, sessionPublicKeyDER) {
		return fmt.Errorf("%w: chain does not terminate at the session key", ErrInvalidChain)
	}
	return nil
}

// ChainExpirationNs returns the effective expiration of the chain: the
// minimum expiration across all hops.
func ChainExpirationNs(chain []SignedDelegation) (uint64, error) {
	if len(chain) == 0 {
		return 0, fmt.Errorf("%w: empty delegation chain", ErrInvalidChain)
	}
	min := chain[0].Delegation.ExpirationNs
	for _, signed := range chain[1:] {
		if signed.Delegation.ExpirationNs < min {
			min = signed.Delegation.ExpirationNs
		}
	}
	return min, nil
}
