package cmd

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kinic-ai/kinic-cli/config"
)

var (
	verbosity    int
	configPath   string
	identityPath string

	logger zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "kinic-cli",
	Short: "Kinic developer CLI for deploying and managing memories",
	Long: `Kinic developer CLI. The login subsystem obtains a delegated Internet
Identity via a browser handshake and persists it for later invocations.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := zerolog.WarnLevel
		switch {
		case verbosity == 1:
			level = zerolog.InfoLevel
		case verbosity >= 2:
			level = zerolog.DebugLevel
		}
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger().Level(level)
	},
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "increase log verbosity (-v info, -vv debug)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the config file (default ~/.config/kinic/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&identityPath, "identity-path", "", "path to the persisted identity bundle (default ~/.config/kinic/identity.json)")
}

// loadConfig resolves the effective configuration: built-in defaults, then
// the config file, then any flags the caller set.
func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return config.Config{}, err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if identityPath != "" {
		cfg.IdentityPath = identityPath
	}
	return cfg, nil
}
