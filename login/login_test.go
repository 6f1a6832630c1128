package login

// Shared helpers simulating the browser side of the handshake: key
// generation, delegation signing, and payload encryption against a
// session's exchange public key.

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kinic-ai/kinic-cli/identity"
	"github.com/kinic-ai/kinic-cli/internal/util"
)

type signerKey struct {
	priv ed25519.PrivateKey
	der  []byte
}

func newSignerKey(t *testing.T) signerKey {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	return signerKey{priv: priv, der: der}
}

func toNums(b []byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}

// delegationPayload builds the JSON document the browser page encrypts:
// a single-hop chain from user to the session key.
func delegationPayload(t *testing.T, user signerKey, sessionDER []byte, expirationNs uint64, origin string, targets []string) map[string]any {
	t.Helper()
	var principals []identity.Principal
	for _, text := range targets {
		p, err := identity.PrincipalFromText(text)
		require.NoError(t, err)
		principals = append(principals, p)
	}
	delegation := identity.Delegation{
		PublicKey:    sessionDER,
		ExpirationNs: expirationNs,
		Targets:      principals,
	}
	signature := ed25519.Sign(user.priv, delegation.SignedBytes())

	inner := map[string]any{
		"pubkey": toNums(sessionDER),
		// Stringified, as the page does for BigInt expirations.
		"expiration": strconv.FormatUint(expirationNs, 10),
	}
	if targets != nil {
		inner["targets"] = targets
	}
	return map[string]any{
		"delegations": []any{
			map[string]any{
				"delegation": inner,
				"signature":  toNums(signature),
			},
		},
		"userPublicKey":    toNums(user.der),
		"sessionPublicKey": toNums(sessionDER),
		"derivationOrigin": origin,
	}
}

// encryptForSession performs the browser's half of the key exchange and
// seals payload into an envelope carrying the given nonce.
func encryptForSession(t *testing.T, exchangePublicKey []byte, nonce string, payload any) Envelope {
	t.Helper()
	ephemeral, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	boxKey, err := ecdh.P256().NewPublicKey(exchangePublicKey)
	require.NoError(t, err)
	shared, err := ephemeral.ECDH(boxKey)
	require.NoError(t, err)

	iv, err := util.RandomBytes(12)
	require.NoError(t, err)
	plainText, err := json.Marshal(payload)
	require.NoError(t, err)
	cipherText, err := util.SealAESGCM(plainText, shared, iv)
	require.NoError(t, err)

	return Envelope{
		Nonce:                 nonce,
		EphemeralPublicKeyHex: hex.EncodeToString(ephemeral.PublicKey().Bytes()),
		IVHex:                 hex.EncodeToString(iv),
		CiphertextHex:         hex.EncodeToString(cipherText),
	}
}

func nowPlus(d time.Duration) uint64 {
	return uint64(time.Now().Add(d).UnixNano())
}
