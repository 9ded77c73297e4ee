package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chatsync-io/chatsync-go"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store access token in ~/.chatsync/config.toml",
	Long:  "Initialize the ChatSync CLI by storing your access token in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.Token = token
		if uid, err := chatsync.LocalUserID(token); err == nil {
			cfg.Default.UserID = uid
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		if cfg.Default.UserID != "" {
			fmt.Printf("Signed in as %s\n", cfg.Default.UserID)
		}
		return nil
	},
}
