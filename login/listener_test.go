package login

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinic-ai/kinic-cli/identity"
)

func startListener(t *testing.T) (*Session, *Listener) {
	t.Helper()
	session, err := NewSession(Options{})
	require.NoError(t, err)
	t.Cleanup(session.Destroy)

	listener, err := NewListener(session, 0, DefaultDerivationOrigin, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(listener.Close)
	return session, listener
}

func postEnvelope(t *testing.T, url string, envelope Envelope) *http.Response {
	t.Helper()
	body, err := json.Marshal(envelope)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestListenerHappyPath(t *testing.T) {
	session, listener := startListener(t)
	user := newSignerKey(t)
	payload := delegationPayload(t, user, session.SessionPublicKey(), nowPlus(time.Hour), session.DerivationOrigin(), nil)
	envelope := encryptForSession(t, session.ExchangePublicKey(), session.Nonce(), payload)

	resp := postEnvelope(t, listener.CallbackURL(), envelope)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var reply struct {
		Status    string `json:"status"`
		Principal string `json:"principal"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	assert.Equal(t, "ok", reply.Status)
	assert.Equal(t, identity.SelfAuthenticating(user.der).String(), reply.Principal)

	result, err := listener.Await(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, reply.Principal, result.Principal.String())
	assert.Equal(t, user.der, result.Chain.UserPublicKey)
}

func TestListenerIsSingleShot(t *testing.T) {
	session, listener := startListener(t)
	user := newSignerKey(t)
	payload := delegationPayload(t, user, session.SessionPublicKey(), nowPlus(time.Hour), session.DerivationOrigin(), nil)

	first := encryptForSession(t, session.ExchangePublicKey(), session.Nonce(), payload)
	resp := postEnvelope(t, listener.CallbackURL(), first)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// A second structurally valid callback within the deadline must be
	// refused: the slot is spent.
	second := encryptForSession(t, session.ExchangePublicKey(), session.Nonce(), payload)
	resp = postEnvelope(t, listener.CallbackURL(), second)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestListenerStructuralRejections(t *testing.T) {
	session, listener := startListener(t)
	url := listener.CallbackURL()

	t.Run("wrong method", func(t *testing.T) {
		resp, err := http.Get(url)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("wrong path", func(t *testing.T) {
		resp, err := http.Post(strings.Replace(url, callbackPath, "/other", 1), "application/json", strings.NewReader("{}"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("wrong content type", func(t *testing.T) {
		resp, err := http.Post(url, "text/plain", strings.NewReader("{}"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
	})

	t.Run("forged origin", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, url, strings.NewReader("{}"))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Origin", "https://evil.example")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("oversized body", func(t *testing.T) {
		huge := bytes.Repeat([]byte("a"), MaxCallbackBodyBytes+1)
		resp, err := http.Post(url, "application/json", bytes.NewReader(huge))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		resp, err := http.Post(url, "application/json", strings.NewReader("{not json"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	// None of the rejections above consumed the single-callback slot.
	t.Run("slot still available", func(t *testing.T) {
		user := newSignerKey(t)
		payload := delegationPayload(t, user, session.SessionPublicKey(), nowPlus(time.Hour), session.DerivationOrigin(), nil)
		envelope := encryptForSession(t, session.ExchangePublicKey(), session.Nonce(), payload)
		resp := postEnvelope(t, url, envelope)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestListenerNonceMismatchConsumesSlotAndFailsLogin(t *testing.T) {
	session, listener := startListener(t)
	user := newSignerKey(t)
	payload := delegationPayload(t, user, session.SessionPublicKey(), nowPlus(time.Hour), session.DerivationOrigin(), nil)

	envelope := encryptForSession(t, session.ExchangePublicKey(), "xyz789", payload)
	resp := postEnvelope(t, listener.CallbackURL(), envelope)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "nonce")

	_, err = listener.Await(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrNonceMismatch)
}

func TestListenerTimeout(t *testing.T) {
	_, listener := startListener(t)

	start := time.Now()
	_, err := listener.Await(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestListenerReleasesPortOnClose(t *testing.T) {
	_, listener := startListener(t)
	addr := strings.TrimPrefix(listener.CallbackURL(), "http://")
	addr = strings.TrimSuffix(addr, callbackPath)

	listener.Close()

	// The port is free again: a fresh bind on the same address succeeds.
	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	ln.Close()
}

func TestListenerAwaitHonorsContextCancellation(t *testing.T) {
	_, listener := startListener(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := listener.Await(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestListenerRespondsWithCORSHeaders(t *testing.T) {
	_, listener := startListener(t)

	req, err := http.NewRequest(http.MethodOptions, listener.CallbackURL(), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, DefaultDerivationOrigin, resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "POST, OPTIONS", resp.Header.Get("Access-Control-Allow-Methods"))
}
