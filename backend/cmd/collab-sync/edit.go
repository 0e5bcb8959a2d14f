package main

import (
	"errors"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"collabsync/backend/internal/auth"
	"collabsync/backend/internal/collab"
	"collabsync/backend/internal/logging"
	"collabsync/backend/internal/session"
	"collabsync/backend/internal/storeclient"
	"collabsync/backend/internal/tui"
)

var editCmd = &cobra.Command{
	Use:   "edit [document]",
	Short: "Edit a post together with the other participants of its session",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, map[string]string{
			"client.base_url": "server",
			"client.token":    "token",
			"client.role":     "role",
		})
		if err != nil {
			return fmt.Errorf("init config failed: %w", err)
		}
		doc := cfg.Client.Document
		if len(args) == 1 {
			doc = args[0]
		}
		if doc == "" {
			return errors.New("a document is required")
		}
		if cfg.Client.Token == "" {
			return errors.New("client.token is required; see `collab-sync token`")
		}
		role := session.Role(cfg.Client.Role)
		if !role.Valid() {
			return fmt.Errorf("unknown role %q", cfg.Client.Role)
		}

		// the token is only read to learn who we are; the server verifies it
		userID, err := auth.UserIDFromToken(cfg.Client.Token)
		if err != nil {
			return err
		}

		sink := cfg.Log.Sink
		if sink == "" {
			sink = "file:collab-sync.log"
		}
		logger, err := logging.New(cfg.Log.Level, sink)
		if err != nil {
			return err
		}
		defer logger.Sync()

		client := storeclient.New(cfg.Client.BaseURL, cfg.Client.Token, nil)
		mgr := collab.NewManager(client, doc, userID, collab.Options{
			HeartbeatInterval: cfg.Client.HeartbeatInterval,
			PollInterval:      cfg.Client.PollInterval,
			Debounce:          cfg.Client.Debounce,
			SavedDisplay:      cfg.Client.SavedDisplay,
			ActivityLimit:     cfg.Client.ActivityLimit,
			Role:              role,
			Logger:            logger,
		})
		defer mgr.Close()

		_, err = tea.NewProgram(tui.New(mgr), tea.WithAltScreen()).Run()
		return err
	},
}

func init() {
	editCmd.Flags().String("server", "", "session store base URL")
	editCmd.Flags().String("token", "", "access token")
	editCmd.Flags().String("role", "", "role when joining: editor or viewer")
	rootCmd.AddCommand(editCmd)
}
