package login

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
)

// BuildLoginURL assembles the URL the user opens in a browser: the identity
// provider's authorize endpoint carrying the callback address, the nonce,
// both public keys, the derivation origin, and the requested max TTL.
func BuildLoginURL(providerURL, callbackURL string, session *Session) (string, error) {
	u, err := url.Parse(providerURL)
	if err != nil {
		return "", fmt.Errorf("parsing identity provider URL: %w", err)
	}
	q := u.Query()
	q.Set("callback", callbackURL)
	q.Set("nonce", session.Nonce())
	q.Set("sessionPublicKey", hex.EncodeToString(session.SessionPublicKey()))
	q.Set("boxPublicKey", hex.EncodeToString(session.ExchangePublicKey()))
	q.Set("derivationOrigin", session.DerivationOrigin())
	q.Set("maxTimeToLive", strconv.FormatUint(session.MaxTTLNs(), 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// providerOrigin reduces the provider URL to its origin, the value the
// browser page presents in its Origin header.
func providerOrigin(providerURL string) (string, error) {
	u, err := url.Parse(providerURL)
	if err != nil {
		return "", fmt.Errorf("parsing identity provider URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("identity provider URL %q has no origin", providerURL)
	}
	return u.Scheme + "://" + u.Host, nil
}
