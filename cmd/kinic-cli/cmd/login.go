package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/kinic-ai/kinic-cli/login"
	"github.com/kinic-ai/kinic-cli/store"
)

var (
	loginPort      int
	loginTTL       time.Duration
	loginTimeout   time.Duration
	loginProvider  string
	loginOrigin    string
	loginNoBrowser bool
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in with Internet Identity and save the delegation locally",
	Long: `Starts a one-shot local callback listener, opens the Internet Identity
login page in your browser, and saves the resulting delegation to the
identity bundle. Later commands reuse the bundle until it expires.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		opts := login.Options{
			ProviderURL:      cfg.IdentityProviderURL,
			DerivationOrigin: cfg.DerivationOrigin,
			CallbackPort:     cfg.CallbackPort,
			MaxTTL:           cfg.MaxTTL.Std(),
			Timeout:          cfg.CallbackTimeout.Std(),
		}
		if cmd.Flags().Changed("port") {
			opts.CallbackPort = loginPort
		}
		if cmd.Flags().Changed("ttl") {
			opts.MaxTTL = loginTTL
		}
		if cmd.Flags().Changed("timeout") {
			opts.Timeout = loginTimeout
		}
		if loginProvider != "" {
			opts.ProviderURL = loginProvider
		}
		if loginOrigin != "" {
			opts.DerivationOrigin = loginOrigin
		}

		// A Ctrl-C during the wait releases the port and leaves any prior
		// bundle untouched.
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		st := store.New(cfg.IdentityPath, logger)
		outcome, err := login.Run(ctx, opts, st, os.Stderr, !loginNoBrowser, logger)
		if err != nil {
			return err
		}

		fmt.Printf("Saved Internet Identity delegation to %s\n", outcome.Path)
		fmt.Printf("Principal: %s\n", outcome.Principal)
		fmt.Printf("Expires: %s\n", outcome.ExpiresAt.Local().Format(time.RFC1123))
		return nil
	},
}

func init() {
	loginCmd.Flags().IntVar(&loginPort, "port", 0, "callback port (default: OS-assigned free port)")
	loginCmd.Flags().DurationVar(&loginTTL, "ttl", login.DefaultMaxTTL, "requested delegation lifetime ceiling")
	loginCmd.Flags().DurationVar(&loginTimeout, "timeout", login.DefaultTimeout, "how long to wait for the browser callback")
	loginCmd.Flags().StringVar(&loginProvider, "provider-url", "", "identity provider authorize URL")
	loginCmd.Flags().StringVar(&loginOrigin, "derivation-origin", "", "origin the delegation is scoped to")
	loginCmd.Flags().BoolVar(&loginNoBrowser, "no-browser", false, "print the login URL instead of opening a browser")
	rootCmd.AddCommand(loginCmd)
}
