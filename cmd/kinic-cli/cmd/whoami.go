package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kinic-ai/kinic-cli/store"
)

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the principal of the saved Internet Identity delegation",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st := store.New(cfg.IdentityPath, logger)
		bundle, err := st.Load()
		if err != nil {
			return err
		}
		id, err := st.ToIdentity(bundle)
		if err != nil {
			return err
		}
		expirationNs, err := bundle.ExpirationNs()
		if err != nil {
			return err
		}
		fmt.Printf("Principal: %s\n", id.Principal())
		fmt.Printf("Expires: %s\n", time.Unix(0, int64(expirationNs)).Local().Format(time.RFC1123))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(whoamiCmd)
}
