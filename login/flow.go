package login

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/kinic-ai/kinic-cli/identity"
	"github.com/kinic-ai/kinic-cli/internal/util"
	"github.com/kinic-ai/kinic-cli/store"
)

// Outcome summarizes a completed login for the caller.
type Outcome struct {
	Principal identity.Principal
	Path      string
	ExpiresAt time.Time
}

// Run executes the whole login flow: generate session material, start the
// loopback listener, hand the login URL to the browser, wait for the single
// callback, and persist the validated bundle. On any failure before
// persistence the previous bundle on disk is left untouched. Status gets
// the user-facing progress messages (pass io.Discard to silence them).
func Run(ctx context.Context, opts Options, st *store.Store, status io.Writer, openBrowser bool, log zerolog.Logger) (*Outcome, error) {
	opts = opts.withDefaults()

	session, err := NewSession(opts)
	if err != nil {
		return nil, err
	}
	defer session.Destroy()

	origin, err := providerOrigin(opts.ProviderURL)
	if err != nil {
		return nil, err
	}
	listener, err := NewListener(session, opts.CallbackPort, origin, log)
	if err != nil {
		return nil, err
	}
	defer listener.Close()

	loginURL, err := BuildLoginURL(opts.ProviderURL, listener.CallbackURL(), session)
	if err != nil {
		return nil, err
	}

	if openBrowser {
		if err := OpenBrowser(loginURL); err != nil {
			log.Warn().Err(err).Msg("could not open a browser")
			fmt.Fprintf(status, "Open this URL in your browser to continue:\n\n  %s\n\n", loginURL)
		} else {
			fmt.Fprintln(status, "Opened your browser to complete the Internet Identity login.")
		}
	} else {
		fmt.Fprintf(status, "Open this URL in your browser to continue:\n\n  %s\n\n", loginURL)
	}
	fmt.Fprintf(status, "Waiting up to %s for the login to complete...\n", opts.Timeout)

	result, err := listener.Await(ctx, opts.Timeout)
	if err != nil {
		return nil, err
	}

	sessionKey, err := session.SessionKeyPKCS8()
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(sessionKey)

	now := time.Now()
	bundle := store.NewBundle(
		opts.ProviderURL,
		result.Chain.UserPublicKey,
		sessionKey,
		result.Chain.Delegations,
		result.Chain.ExpirationNs,
		uint64(now.UnixNano()),
	)
	if err := st.Save(bundle); err != nil {
		return nil, err
	}

	log.Info().
		Str("principal", result.Principal.String()).
		Str("path", st.Path()).
		Msg("login complete")

	return &Outcome{
		Principal: result.Principal,
		Path:      st.Path(),
		ExpiresAt: time.Unix(0, int64(result.Chain.ExpirationNs)),
	}, nil
}
