package identity

import (
	"bytes"
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"strings"
)

const (
	maxPrincipalLen       = 29
	selfAuthenticatingTag = 0x02
)

var principalEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Principal is the canonical identifier the Internet Computer derives from a
// public key (or assigns to a canister). It is an opaque byte string of at
// most 29 bytes with a well-known dashed base32 text form.
type Principal struct {
	raw []byte
}

// SelfAuthenticating derives the principal of the holder of the given
// DER-encoded public key.
func SelfAuthenticating(publicKeyDER []byte) Principal {
	sum := sha256.Sum224(publicKeyDER)
	raw := make([]byte, 0, sha256.Size224+1)
	raw = append(raw, sum[:]...)
	raw = append(raw, selfAuthenticatingTag)
	return Principal{raw: raw}
}

// PrincipalFromRaw wraps raw principal bytes without re-deriving them.
func PrincipalFromRaw(raw []byte) (Principal, error) {
	if len(raw) > maxPrincipalLen {
		return Principal{}, fmt.Errorf("principal too long: %d bytes", len(raw))
	}
	return Principal{raw: bytes.Clone(raw)}, nil
}

// PrincipalFromText parses the dashed base32 text form, verifying the CRC-32
// prefix.
func PrincipalFromText(text string) (Principal, error) {
	compact := strings.ToUpper(strings.ReplaceAll(text, "-", ""))
	decoded, err := principalEncoding.DecodeString(compact)
	if err != nil {
		return Principal{}, fmt.Errorf("decoding principal %q: %w", text, err)
	}
	if len(decoded) < crc32.Size {
		return Principal{}, fmt.Errorf("principal %q too short", text)
	}
	checksum := binary.BigEndian.Uint32(decoded[:crc32.Size])
	raw := decoded[crc32.Size:]
	if len(raw) > maxPrincipalLen {
		return Principal{}, fmt.Errorf("principal %q too long", text)
	}
	if checksum != crc32.ChecksumIEEE(raw) {
		return Principal{}, fmt.Errorf("principal %q has an invalid checksum", text)
	}
	p := Principal{raw: raw}
	if p.String() != strings.ToLower(text) {
		return Principal{}, fmt.Errorf("principal %q is not in canonical form", text)
	}
	return p, nil
}

// Raw returns the principal's raw bytes.
func (p Principal) Raw() []byte {
	return bytes.Clone(p.raw)
}

// Equal reports whether two principals are identical.
func (p Principal) Equal(other Principal) bool {
	return bytes.Equal(p.raw, other.raw)
}

// String renders the checksummed, dashed base32 text form, e.g.
// "2vxsx-fae" for the anonymous principal.
func (p Principal) String() string {
	checksummed := make([]byte, crc32.Size+len(p.raw))
	binary.BigEndian.PutUint32(checksummed, crc32.ChecksumIEEE(p.raw))
	copy(checksummed[crc32.Size:], p.raw)

	encoded := strings.ToLower(principalEncoding.EncodeToString(checksummed))
	var sb strings.Builder
	for i, r := range encoded {
		if i > 0 && i%5 == 0 {
			sb.WriteByte('-')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
