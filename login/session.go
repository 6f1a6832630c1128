// Package login implements the browser-assisted Internet Identity login
// handshake: ephemeral session key material, the single-shot loopback
// callback listener, the encrypted payload codec, and delegation validation.
package login

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"github.com/kinic-ai/kinic-cli/internal/util"
)

const (
	// DefaultProviderURL is the Internet Identity authorize endpoint.
	DefaultProviderURL = "https://id.ai/#authorize"
	// DefaultDerivationOrigin scopes the delegation to the Kinic app origin.
	DefaultDerivationOrigin = "https://id.ai"
	// DefaultMaxTTL is the requested delegation lifetime ceiling.
	DefaultMaxTTL = 30 * 24 * time.Hour
	// DefaultTimeout bounds the wait for the browser callback.
	DefaultTimeout = 3 * time.Minute

	nonceBytes = 32
)

// Options configures a single login attempt. The zero value means "use the
// defaults"; all paths and endpoints are explicit so tests can substitute
// their own (no ambient globals).
type Options struct {
	ProviderURL      string
	DerivationOrigin string
	CallbackPort     int // 0 picks an OS-assigned ephemeral port
	MaxTTL           time.Duration
	Timeout          time.Duration
}

func (o Options) withDefaults() Options {
	if o.ProviderURL == "" {
		o.ProviderURL = DefaultProviderURL
	}
	if o.DerivationOrigin == "" {
		o.DerivationOrigin = DefaultDerivationOrigin
	}
	if o.MaxTTL <= 0 {
		o.MaxTTL = DefaultMaxTTL
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// Session holds the ephemeral key material for one login attempt. The
// private halves live in memguard locked buffers and never leave the
// process; Destroy wipes them when the attempt ends, successfully or not.
type Session struct {
	id               string
	nonce            string
	derivationOrigin string
	maxTTLNs         uint64

	sessionPublicKeyDER []byte
	exchangePublicKey   []byte // 65-byte uncompressed P-256 point

	mu          sync.Mutex
	sessionKey  *memguard.LockedBuffer // PKCS#8 Ed25519 private key
	exchangeKey *memguard.LockedBuffer // P-256 private scalar
	destroyed   bool
}

// NewSession generates fresh session key material: an Ed25519 signing
// keypair (the delegation target), a P-256 key-exchange keypair for the
// browser to encrypt against, and a single-use random nonce. It performs no
// network or disk I/O and fails only if the entropy source does.
func NewSession(opts Options) (*Session, error) {
	opts = opts.withDefaults()

	sessionPub, sessionPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating session keypair: %w", err)
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(sessionPriv)
	if err != nil {
		return nil, fmt.Errorf("encoding session private key: %w", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(sessionPub)
	if err != nil {
		return nil, fmt.Errorf("encoding session public key: %w", err)
	}

	exchange, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating exchange keypair: %w", err)
	}

	nonce, err := util.RandomBytes(nonceBytes)
	if err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return &Session{
		id:                  uuid.NewString(),
		nonce:               hex.EncodeToString(nonce),
		derivationOrigin:    opts.DerivationOrigin,
		maxTTLNs:            uint64(opts.MaxTTL.Nanoseconds()),
		sessionPublicKeyDER: publicDER,
		exchangePublicKey:   exchange.PublicKey().Bytes(),
		sessionKey:          memguard.NewBufferFromBytes(pkcs8),
		exchangeKey:         memguard.NewBufferFromBytes(exchange.Bytes()),
	}, nil
}

// ID is a correlation identifier for logs; it carries no secret material.
func (s *Session) ID() string { return s.id }

// Nonce returns the single-use hex-encoded nonce bound to this session.
func (s *Session) Nonce() string { return s.nonce }

// DerivationOrigin returns the origin the delegation must be scoped to.
func (s *Session) DerivationOrigin() string { return s.derivationOrigin }

// MaxTTLNs returns the requested delegation lifetime ceiling in nanoseconds.
func (s *Session) MaxTTLNs() uint64 { return s.maxTTLNs }

// SessionPublicKey returns the DER-encoded Ed25519 session public key, the
// delegation target the identity provider signs over.
func (s *Session) SessionPublicKey() []byte {
	return util.CopyBytes(s.sessionPublicKeyDER)
}

// ExchangePublicKey returns the 65-byte uncompressed P-256 point the browser
// uses for payload encryption.
func (s *Session) ExchangePublicKey() []byte {
	return util.CopyBytes(s.exchangePublicKey)
}

// SessionKeyPKCS8 returns a copy of the PKCS#8-encoded session private key
// for persistence after a successful login. The caller must wipe the copy.
func (s *Session) SessionKeyPKCS8() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil, ErrSessionDestroyed
	}
	return util.CopyBytes(s.sessionKey.Bytes()), nil
}

// sharedKey performs the P-256 key agreement between this session's exchange
// private key and the browser's ephemeral public key. The raw shared secret
// is the AES-256-GCM key; that is the wire contract with the browser page.
func (s *Session) sharedKey(peerPublicKey []byte) ([]byte, error) {
	peer, err := ecdh.P256().NewPublicKey(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("parsing ephemeral public key: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil, ErrSessionDestroyed
	}
	private, err := ecdh.P256().NewPrivateKey(s.exchangeKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("decoding exchange private key: %w", err)
	}
	secret, err := private.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("deriving shared secret: %w", err)
	}
	return secret, nil
}

// Destroy wipes the session's private key material. Safe to call twice.
func (s *Session) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	s.destroyed = true
	s.sessionKey.Destroy()
	s.exchangeKey.Destroy()
}
