package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kinic-ai/kinic-cli/store"
)

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Delete the saved Internet Identity delegation",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st := store.New(cfg.IdentityPath, logger)
		if _, err := st.Load(); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				fmt.Println("No saved identity.")
				return nil
			}
			// A corrupt bundle is still deletable.
			logger.Warn().Err(err).Msg("saved identity could not be parsed; deleting anyway")
		}
		if err := st.Delete(); err != nil {
			return err
		}
		fmt.Printf("Removed %s\n", st.Path())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(logoutCmd)
}
