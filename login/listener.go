package login

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/kinic-ai/kinic-cli/identity"
)

const callbackPath = "/callback"

// listenerState tracks the single-shot lifecycle explicitly so shutdown
// stays deterministic: Listening -> Fulfilled | TimedOut -> Closed.
type listenerState int

const (
	stateListening listenerState = iota
	stateFulfilled
	stateTimedOut
	stateClosed
)

// Result is a fully validated callback: the canonical chain plus the
// principal resolved from the user's public key.
type Result struct {
	Chain     *Chain
	Principal identity.Principal
}

type outcome struct {
	result *Result
	err    error
}

// Listener is the short-lived loopback callback server for one login
// attempt. It binds 127.0.0.1 only, never a wildcard address, so the
// callback is unreachable from other hosts, and it accepts exactly one
// structurally valid callback before refusing further requests.
type Listener struct {
	session       *Session
	allowedOrigin string
	log           zerolog.Logger

	ln  net.Listener
	srv *http.Server

	mu      sync.Mutex
	state   listenerState
	results chan outcome

	closeOnce sync.Once
}

// NewListener binds the loopback callback port (OS-assigned when port is 0)
// and starts serving. allowedOrigin is the identity-provider origin the
// browser page posts from; it is echoed in CORS headers and enforced when a
// request carries an Origin header.
func NewListener(session *Session, port int, allowedOrigin string, log zerolog.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		if port != 0 && errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("port %d is already in use; stop the process using it or let the CLI pick a free port", port)
		}
		return nil, fmt.Errorf("binding callback listener: %w", err)
	}

	l := &Listener{
		session:       session,
		allowedOrigin: allowedOrigin,
		log:           log.With().Str("session", session.ID()).Logger(),
		ln:            ln,
		results:       make(chan outcome, 1),
	}

	r := chi.NewRouter()
	r.Use(l.logRequests)
	r.Post(callbackPath, l.handleCallback)
	r.Options(callbackPath, l.handlePreflight)

	l.srv = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.log.Error().Err(err).Msg("callback server failed")
		}
	}()

	l.log.Debug().Str("url", l.CallbackURL()).Msg("callback listener started")
	return l, nil
}

// CallbackURL returns the full loopback URL the browser must POST to.
func (l *Listener) CallbackURL() string {
	return fmt.Sprintf("http://%s%s", l.ln.Addr().String(), callbackPath)
}

// Await blocks until a structurally valid callback has been processed or the
// deadline elapses. Timeout is reported as ErrTimeout so callers can say
// "no login within N minutes" instead of a generic failure; cancelling ctx
// aborts the wait immediately.
func (l *Listener) Await(ctx context.Context, timeout time.Duration) (*Result, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-l.results:
		if out.err != nil {
			return nil, out.err
		}
		return out.result, nil
	case <-timer.C:
		l.setState(stateTimedOut)
		return nil, fmt.Errorf("%w (%s)", ErrTimeout, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears the listener down and releases the port. Idempotent; safe to
// call from any point in the flow, including on interrupt.
func (l *Listener) Close() {
	l.closeOnce.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = l.srv.Shutdown(shutdownCtx)
		_ = l.ln.Close()
		l.setState(stateClosed)
		l.log.Debug().Msg("callback listener closed")
	})
}

func (l *Listener) setState(s listenerState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = s
}

// consumeSlot transitions Listening -> Fulfilled. It returns false when the
// single-callback slot is already spent.
func (l *Listener) consumeSlot() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != stateListening {
		return false
	}
	l.state = stateFulfilled
	return true
}

func (l *Listener) handleCallback(w http.ResponseWriter, r *http.Request) {
	// Structural checks first. None of these consume the single-callback
	// slot: a malformed request must not be able to kill a pending login.
	if !isJSONContentType(r.Header.Get("Content-Type")) {
		l.reject(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}
	if origin := r.Header.Get("Origin"); origin != "" && origin != l.allowedOrigin {
		l.reject(w, http.StatusForbidden, "invalid origin")
		return
	}
	if r.ContentLength > MaxCallbackBodyBytes {
		l.reject(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	var envelope Envelope
	body := http.MaxBytesReader(w, r.Body, MaxCallbackBodyBytes)
	if err := json.NewDecoder(body).Decode(&envelope); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			l.reject(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		l.reject(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	// The envelope is structurally valid: this request consumes the slot
	// regardless of how the pipeline below turns out.
	if !l.consumeSlot() {
		l.reject(w, http.StatusConflict, "login already completed")
		return
	}

	result, err := l.complete(&envelope)
	if err != nil {
		l.log.Debug().Err(err).Msg("callback rejected")
		l.results <- outcome{err: err}
		l.reject(w, http.StatusBadRequest, rejectionMessage(err))
		return
	}

	l.results <- outcome{result: result}
	l.writeCORS(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    "ok",
		"principal": result.Principal.String(),
	})
}

// complete runs the strictly ordered pipeline: nonce check, decryption,
// delegation validation, principal resolution.
func (l *Listener) complete(envelope *Envelope) (*Result, error) {
	payload, err := envelope.Open(l.session)
	if err != nil {
		return nil, err
	}
	chain, err := ValidatePayload(payload, l.session, time.Now(), l.log)
	if err != nil {
		return nil, err
	}
	return &Result{
		Chain:     chain,
		Principal: identity.SelfAuthenticating(chain.UserPublicKey),
	}, nil
}

func (l *Listener) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		l.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("callback request")
	})
}

func (l *Listener) handlePreflight(w http.ResponseWriter, r *http.Request) {
	l.writeCORS(w)
	w.WriteHeader(http.StatusNoContent)
}

func (l *Listener) reject(w http.ResponseWriter, status int, message string) {
	l.writeCORS(w)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(message))
}

func (l *Listener) writeCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", l.allowedOrigin)
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "content-type")
}

func rejectionMessage(err error) string {
	switch {
	case errors.Is(err, ErrNonceMismatch):
		return "callback nonce did not match"
	case errors.Is(err, ErrDecryption):
		return "failed to decrypt payload"
	case errors.Is(err, ErrMalformedPayload):
		return "malformed delegation payload"
	default:
		return err.Error()
	}
}

func isJSONContentType(value string) bool {
	mediaType, _, _ := strings.Cut(value, ";")
	return strings.EqualFold(strings.TrimSpace(mediaType), "application/json")
}
