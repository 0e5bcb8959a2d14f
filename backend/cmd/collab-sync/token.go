package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"collabsync/backend/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:     "token",
	Short:   "Print a development access token",
	Example: `  collab-sync token --user 7 --name alice`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, nil)
		if err != nil {
			return fmt.Errorf("init config failed: %w", err)
		}
		if cfg.Auth.Secret == "" {
			return errors.New("auth.secret is required")
		}
		userID, _ := cmd.Flags().GetUint64("user")
		name, _ := cmd.Flags().GetString("name")
		if userID == 0 {
			return errors.New("--user is required")
		}
		token, expires, err := auth.NewSigner(cfg.Auth.Secret).SignAccessToken(userID, name, cfg.Auth.AccessTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.Format("2006-01-02 15:04:05"))
		return nil
	},
}

func init() {
	tokenCmd.Flags().Uint64("user", 0, "user id")
	tokenCmd.Flags().String("name", "", "display name")
	rootCmd.AddCommand(tokenCmd)
}
