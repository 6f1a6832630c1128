package store

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/kinic-ai/kinic-cli/identity"
	"github.com/kinic-ai/kinic-cli/internal/util"
)

var (
	// ErrNotFound means no bundle has been persisted yet. It is not a
	// failure: callers prompt the user to run login.
	ErrNotFound = errors.New("no saved identity; run `kinic-cli login` first")
	// ErrExpired means the persisted delegation chain has lapsed. There is
	// no refresh path; a fresh browser handshake is required.
	ErrExpired = errors.New("saved identity has expired; run `kinic-cli login` again")
)

// Store reads and writes the persisted identity bundle at a fixed path. The
// path is explicit configuration, never ambient state, so tests can point a
// Store at a temporary directory.
type Store struct {
	path string
	log  zerolog.Logger
}

// New returns a Store for the given file path.
func New(path string, log zerolog.Logger) *Store {
	return &Store{path: path, log: log}
}

// DefaultPath returns the conventional bundle location,
// ~/.config/kinic/identity.json.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "kinic", "identity.json"), nil
}

// Path returns the file path this store operates on.
func (s *Store) Path() string { return s.path }

// Save atomically replaces the bundle: write to a temp file in the same
// directory, fsync, then rename. A reader never observes a half-written
// file, and an interrupted login leaves any previous bundle untouched.
func (s *Store) Save(bundle *Bundle) error {
	payload, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding identity bundle: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".identity-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp identity file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	// The bundle contains the session private key: owner read/write only.
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("restricting permissions on %s: %w", tmpPath, err)
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("writing identity bundle: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing identity bundle: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp identity file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("moving identity bundle into place: %w", err)
	}
	s.log.Debug().Str("path", s.path).Msg("identity bundle saved")
	return nil
}

// Load reads and decodes the bundle. A missing file is reported as
// ErrNotFound, distinct from I/O or decoding failures.
func (s *Store) Load() (*Bundle, error) {
	payload, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}
	var bundle Bundle
	if err := json.Unmarshal(payload, &bundle); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", s.path, err)
	}
	return &bundle, nil
}

// Delete removes the bundle. Missing files are not an error.
func (s *Store) Delete() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", s.path, err)
	}
	return nil
}

// ToIdentity turns a loaded bundle into a usable signing identity. Every
// call re-checks expiration and re-verifies the delegation chain, so a
// tampered or stale file is rejected rather than trusted. Expired bundles
// are never silently refreshed.
func (s *Store) ToIdentity(bundle *Bundle) (*identity.Delegated, error) {
	expirationNs, err := bundle.ExpirationNs()
	if err != nil {
		return nil, err
	}
	if uint64(time.Now().UnixNano()) >= expirationNs {
		return nil, ErrExpired
	}

	userPublicKeyRaw, err := hex.DecodeString(bundle.UserPublicKey)
	if err != nil {
		return nil, fmt.Errorf("decoding user public key: %w", err)
	}
	userPublicKey, err := identity.NormalizeSPKI(userPublicKeyRaw)
	if err != nil {
		return nil, fmt.Errorf("normalizing user public key: %w", err)
	}
	sessionKey, err := hex.DecodeString(bundle.SessionKey)
	if err != nil {
		return nil, fmt.Errorf("decoding session key: %w", err)
	}
	defer util.WipeBytes(sessionKey)

	// The chain must terminate at the key we would actually sign with. A
	// swapped session key in the file cannot ride on an intact chain.
	parsed, err := x509.ParsePKCS8PrivateKey(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("parsing session key: %w", err)
	}
	sessionPriv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("session key is %T, want Ed25519", parsed)
	}
	sessionPublicDER, err := x509.MarshalPKIXPublicKey(sessionPriv.Public())
	if err != nil {
		return nil, fmt.Errorf("encoding session public key: %w", err)
	}

	chain, err := bundle.chain()
	if err != nil {
		return nil, err
	}

	if identity.IsCanisterSignatureKey(userPublicKey) {
		s.log.Warn().Msg("delegation chain uses canister signature keys; skipping local verification")
	} else if err := identity.VerifyChain(userPublicKey, sessionPublicDER, chain); err != nil {
		return nil, err
	}

	return identity.NewDelegated(sessionKey, userPublicKey, chain)
}

// Identity is the common load-and-validate path taken by every
// authenticated command.
func (s *Store) Identity() (*identity.Delegated, error) {
	bundle, err := s.Load()
	if err != nil {
		return nil, err
	}
	return s.ToIdentity(bundle)
}
