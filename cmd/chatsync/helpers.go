package main

import (
	"fmt"
	"log"
	"os"

	"github.com/chatsync-io/chatsync-go"
)

var verbose bool

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log connection activity to stderr")
}

func cliLogger() *log.Logger {
	if verbose {
		return log.New(os.Stderr, "chatsync: ", log.LstdFlags)
	}
	return nil
}

// newClient builds an API client from the stored configuration.
func newClient() (*chatsync.Client, *Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Default.Token == "" {
		return nil, nil, fmt.Errorf("no access token configured, run 'chatsync init <token>' first")
	}

	opts := []chatsync.Option{}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	if l := cliLogger(); l != nil {
		opts = append(opts, chatsync.WithLogger(l))
	}
	return chatsync.NewClient(cfg.Default.Token, opts...), cfg, nil
}

// newStore builds a connected realtime stack: API client, connection manager
// and conversation store. The caller owns teardown of both returned values.
func newStore(cfg *Config, client *chatsync.Client) (*chatsync.ConversationStore, *chatsync.ConnectionManager, error) {
	userID := cfg.Default.UserID
	if userID == "" {
		uid, err := chatsync.LocalUserID(client.Token())
		if err != nil {
			return nil, nil, fmt.Errorf("cannot determine local user id: %w", err)
		}
		userID = uid
	}

	conn := chatsync.NewConnectionManager(chatsync.ConnConfig{
		URL:                  chatsync.WebSocketURL(client.BaseURL()),
		Token:                client.Token(),
		AutoReconnect:        true,
		MaxReconnectAttempts: cfg.Realtime.MaxReconnectAttempts,
		Logger:               cliLogger(),
	})
	store := chatsync.NewConversationStore(client, conn, chatsync.StoreConfig{
		LocalUserID: userID,
		Logger:      cliLogger(),
	})
	return store, conn, nil
}
