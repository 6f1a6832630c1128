package login

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinic-ai/kinic-cli/identity"
	"github.com/kinic-ai/kinic-cli/store"
)

// statusBuffer is a goroutine-safe io.Writer the test reads while Run is
// still writing to it.
type statusBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *statusBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *statusBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

var loginURLPattern = regexp.MustCompile(`http://id\.test\S+`)

// awaitLoginURL polls the status output until Run has printed the login URL.
func awaitLoginURL(t *testing.T, status *statusBuffer) *url.URL {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if match := loginURLPattern.FindString(status.String()); match != "" {
			u, err := url.Parse(match)
			require.NoError(t, err)
			return u
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("login URL never appeared in status output:\n%s", status.String())
	return nil
}

// TestRunEndToEnd drives the full flow with a simulated browser: it reads the
// login URL Run prints, builds and encrypts a delegation against the keys in
// the query string, posts it to the callback, and checks the persisted
// bundle.
func TestRunEndToEnd(t *testing.T) {
	dir := t.TempDir()
	st := store.New(filepath.Join(dir, "identity.json"), zerolog.Nop())
	status := &statusBuffer{}
	user := newSignerKey(t)

	opts := Options{
		ProviderURL:      "http://id.test/#authorize",
		DerivationOrigin: "http://id.test",
		MaxTTL:           time.Hour,
		Timeout:          5 * time.Second,
	}

	type runResult struct {
		outcome *Outcome
		err     error
	}
	done := make(chan runResult, 1)
	go func() {
		outcome, err := Run(context.Background(), opts, st, status, false, zerolog.Nop())
		done <- runResult{outcome, err}
	}()

	loginURL := awaitLoginURL(t, status)
	q := loginURL.Query()
	callback := q.Get("callback")
	require.NotEmpty(t, callback)

	sessionDER, err := hex.DecodeString(q.Get("sessionPublicKey"))
	require.NoError(t, err)
	boxKey, err := hex.DecodeString(q.Get("boxPublicKey"))
	require.NoError(t, err)
	require.Equal(t, "http://id.test", q.Get("derivationOrigin"))

	expiration := uint64(time.Now().Add(30 * time.Minute).UnixNano())
	payload := delegationPayload(t, user, sessionDER, expiration, "http://id.test", nil)
	envelope := encryptForSession(t, boxKey, q.Get("nonce"), payload)

	body, err := json.Marshal(envelope)
	require.NoError(t, err)
	resp, err := http.Post(callback, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	result := <-done
	require.NoError(t, result.err)

	wantPrincipal := identity.SelfAuthenticating(user.der)
	assert.Equal(t, wantPrincipal.String(), result.outcome.Principal.String())
	assert.Equal(t, st.Path(), result.outcome.Path)
	assert.WithinDuration(t, time.Unix(0, int64(expiration)), result.outcome.ExpiresAt, time.Second)

	// The persisted bundle round-trips to a usable identity.
	id, err := st.Identity()
	require.NoError(t, err)
	assert.True(t, wantPrincipal.Equal(id.Principal()))

	// And the session key in it actually signs for the delegation chain.
	sig := id.Sign([]byte("probe"))
	assert.Len(t, sig, 64)
}

func TestRunTimesOutWithoutCallback(t *testing.T) {
	dir := t.TempDir()
	st := store.New(filepath.Join(dir, "identity.json"), zerolog.Nop())

	opts := Options{
		ProviderURL:      "http://id.test/#authorize",
		DerivationOrigin: "http://id.test",
		Timeout:          100 * time.Millisecond,
	}
	_, err := Run(context.Background(), opts, st, &statusBuffer{}, false, zerolog.Nop())
	assert.ErrorIs(t, err, ErrTimeout)

	// Nothing was persisted.
	_, err = st.Load()
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunFailsOnNonceMismatchAndKeepsStoreClean(t *testing.T) {
	dir := t.TempDir()
	st := store.New(filepath.Join(dir, "identity.json"), zerolog.Nop())
	status := &statusBuffer{}
	user := newSignerKey(t)

	opts := Options{
		ProviderURL:      "http://id.test/#authorize",
		DerivationOrigin: "http://id.test",
		Timeout:          5 * time.Second,
	}

	done := make(chan error, 1)
	go func() {
		_, err := Run(context.Background(), opts, st, status, false, zerolog.Nop())
		done <- err
	}()

	loginURL := awaitLoginURL(t, status)
	q := loginURL.Query()
	sessionDER, err := hex.DecodeString(q.Get("sessionPublicKey"))
	require.NoError(t, err)
	boxKey, err := hex.DecodeString(q.Get("boxPublicKey"))
	require.NoError(t, err)

	payload := delegationPayload(t, user, sessionDER, uint64(time.Now().Add(time.Hour).UnixNano()), "http://id.test", nil)
	envelope := encryptForSession(t, boxKey, "not-the-nonce", payload)

	body, err := json.Marshal(envelope)
	require.NoError(t, err)
	resp, err := http.Post(q.Get("callback"), "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.ErrorIs(t, <-done, ErrNonceMismatch)
	_, err = st.Load()
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunStatusMentionsTimeout(t *testing.T) {
	dir := t.TempDir()
	st := store.New(filepath.Join(dir, "identity.json"), zerolog.Nop())
	status := &statusBuffer{}

	opts := Options{
		ProviderURL:      "http://id.test/#authorize",
		DerivationOrigin: "http://id.test",
		Timeout:          50 * time.Millisecond,
	}
	_, _ = Run(context.Background(), opts, st, status, false, zerolog.Nop())
	assert.True(t, strings.Contains(status.String(), "Waiting up to"))
}
