package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"collabsync/backend/config"
)

var rootCmd = &cobra.Command{
	Use:   "collab-sync",
	Short: "Collaborative post editing over a polling session store",
	Long: `collab-sync runs the session store (serve), a terminal editor that keeps
a post in sync with its collaborative session (edit), and issues development
tokens (token).`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path (default searches for collab.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
}

// loadConfig reads the config and applies flags bound to config keys.
func loadConfig(cmd *cobra.Command, binds map[string]string) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	v := config.New(path)
	if err := bindFlags(cmd, v, binds); err != nil {
		return nil, err
	}
	// unchanged flags never shadow file or env values
	if err := v.BindPFlag("log.level", cmd.Flags().Lookup("log-level")); err != nil {
		return nil, err
	}
	return config.Load(v)
}

func bindFlags(cmd *cobra.Command, v *viper.Viper, binds map[string]string) error {
	for key, flag := range binds {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			return fmt.Errorf("unknown flag %q", flag)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}
