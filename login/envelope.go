package login

import (
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/kinic-ai/kinic-cli/internal/util"
)

// MaxCallbackBodyBytes caps the callback request body before any buffering
// or parsing happens.
const MaxCallbackBodyBytes = 256 * 1024

// Envelope is the encrypted callback payload the browser page POSTs to the
// loopback listener.
type Envelope struct {
	Nonce                 string `json:"nonce"`
	EphemeralPublicKeyHex string `json:"ephemeralPublicKeyHex"`
	IVHex                 string `json:"ivHex"`
	CiphertextHex         string `json:"ciphertextHex"`
}

// RawPayload is the decrypted, still-unvalidated delegation payload.
type RawPayload struct {
	Delegations      []RawSignedDelegation `json:"delegations"`
	UserPublicKey    byteList              `json:"userPublicKey"`
	SessionPublicKey byteList              `json:"sessionPublicKey"`
	DerivationOrigin string                `json:"derivationOrigin"`
}

// RawSignedDelegation mirrors the provider-native delegation encoding.
type RawSignedDelegation struct {
	Delegation RawDelegation `json:"delegation"`
	Signature  byteList      `json:"signature"`
}

// RawDelegation is one hop of the provider-native chain. Expiration arrives
// as either a JSON number or a decimal string (BigInt on the browser side).
type RawDelegation struct {
	PublicKey  byteList `json:"pubkey"`
	Expiration nanos    `json:"expiration"`
	Targets    []string `json:"targets,omitempty"`
}

// Open decrypts the envelope against the session's exchange key. The nonce
// comparison is constant-time and strictly precedes any cryptographic work:
// a forged or stale tab gets a uniform fast rejection without costing a key
// agreement.
func (e *Envelope) Open(session *Session) (*RawPayload, error) {
	if subtle.ConstantTimeCompare([]byte(e.Nonce), []byte(session.Nonce())) != 1 {
		return nil, ErrNonceMismatch
	}

	peer, err := hex.DecodeString(e.EphemeralPublicKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ephemeral public key hex", ErrDecryption)
	}
	iv, err := hex.DecodeString(e.IVHex)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid IV hex", ErrDecryption)
	}
	cipherText, err := hex.DecodeString(e.CiphertextHex)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ciphertext hex", ErrDecryption)
	}

	key, err := session.sharedKey(peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	defer util.WipeBytes(key)

	plainText, err := util.OpenAESGCM(cipherText, key, iv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	var payload RawPayload
	if err := json.Unmarshal(plainText, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(payload.Delegations) == 0 {
		return nil, fmt.Errorf("%w: missing delegation list", ErrMalformedPayload)
	}
	if len(payload.UserPublicKey) == 0 {
		return nil, fmt.Errorf("%w: missing user public key", ErrMalformedPayload)
	}
	if len(payload.SessionPublicKey) == 0 {
		return nil, fmt.Errorf("%w: missing session public key", ErrMalformedPayload)
	}
	return &payload, nil
}

// byteList decodes the JSON number arrays the browser produces with
// Array.from(Uint8Array).
type byteList []byte

func (b *byteList) UnmarshalJSON(data []byte) error {
	var values []int64
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("expected an array of bytes: %w", err)
	}
	out := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return fmt.Errorf("byte value %d out of range at index %d", v, i)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// nanos decodes a nanosecond timestamp that may arrive as a JSON number or
// as a decimal string (u64 expirations exceed JavaScript's safe-integer
// range, so the page stringifies BigInts).
type nanos uint64

func (n *nanos) UnmarshalJSON(data []byte) error {
	text := string(data)
	if len(text) >= 2 && text[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		text = s
	}
	value, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return fmt.Errorf("expected an unsigned integer: %w", err)
	}
	*n = nanos(value)
	return nil
}
