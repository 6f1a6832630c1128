package identity

import (
	"bytes"
	"crypto/ed25519"
	"encoding/asn1"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var (
	oidEd25519           = asn1.ObjectIdentifier{1, 3, 101, 112}
	oidCanisterSignature = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 56387, 1, 2}
)

// NormalizeSPKI converts a public key received from the browser into its
// DER-encoded SubjectPublicKeyInfo form. Keys that already parse as SPKI are
// returned unchanged; raw 32-byte Ed25519 keys are wrapped in the RFC 8410
// structure. Anything else is rejected.
func NormalizeSPKI(key []byte) ([]byte, error) {
	if _, _, err := parseSPKI(key); err == nil {
		return bytes.Clone(key), nil
	}
	if len(key) == ed25519.PublicKeySize {
		return marshalEd25519SPKI(key)
	}
	return nil, fmt.Errorf("unknown public key encoding (%d bytes)", len(key))
}

// Ed25519FromSPKI extracts the raw Ed25519 public key from a DER-encoded
// SubjectPublicKeyInfo.
func Ed25519FromSPKI(der []byte) (ed25519.PublicKey, error) {
	oid, key, err := parseSPKI(der)
	if err != nil {
		return nil, err
	}
	if !oid.Equal(oidEd25519) {
		return nil, fmt.Errorf("public key algorithm %v is not Ed25519", oid)
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid Ed25519 key length %d", len(key))
	}
	return ed25519.PublicKey(key), nil
}

// IsCanisterSignatureKey reports whether the DER-encoded key uses the IC
// canister-signature algorithm. Such chains are rooted in a canister rather
// than a locally verifiable key, so per-hop signature verification is
// delegated to the replica.
func IsCanisterSignatureKey(der []byte) bool {
	oid, _, err := parseSPKI(der)
	return err == nil && oid.Equal(oidCanisterSignature)
}

func parseSPKI(der []byte) (asn1.ObjectIdentifier, []byte, error) {
	input := cryptobyte.String(der)
	var spki, algorithm cryptobyte.String
	if !input.ReadASN1(&spki, cryptobyte_asn1.SEQUENCE) || !input.Empty() {
		return nil, nil, fmt.Errorf("malformed SubjectPublicKeyInfo")
	}
	if !spki.ReadASN1(&algorithm, cryptobyte_asn1.SEQUENCE) {
		return nil, nil, fmt.Errorf("malformed SPKI algorithm identifier")
	}
	var oid asn1.ObjectIdentifier
	if !algorithm.ReadASN1ObjectIdentifier(&oid) {
		return nil, nil, fmt.Errorf("malformed SPKI algorithm OID")
	}
	var key asn1.BitString
	if !spki.ReadASN1BitString(&key) || !spki.Empty() {
		return nil, nil, fmt.Errorf("malformed SPKI key bit string")
	}
	if key.BitLength%8 != 0 {
		return nil, nil, fmt.Errorf("SPKI key is not byte-aligned")
	}
	return oid, key.Bytes, nil
}

func marshalEd25519SPKI(raw []byte) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oidEd25519)
		})
		b.AddASN1BitString(raw)
	})
	der, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encoding Ed25519 SPKI: %w", err)
	}
	return der, nil
}
