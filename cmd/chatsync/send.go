package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatsync-io/chatsync-go"
)

var sendTimeout time.Duration

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 10*time.Second, "how long to wait for server confirmation")
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message...>",
	Short: "Send a message and wait for confirmation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		content := strings.Join(args[1:], " ")

		client, cfg, err := newClient()
		if err != nil {
			return err
		}
		store, conn, err := newStore(cfg, client)
		if err != nil {
			return err
		}
		defer store.Close()
		defer conn.Disconnect()

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		if err := conn.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		if err := store.LoadConversations(ctx); err != nil {
			return err
		}
		if err := store.SetActiveConversation(conversationID); err != nil {
			return err
		}

		confirmed := make(chan string, 1)
		failed := make(chan struct{}, 1)
		store.OnEvent(func(ev chatsync.StoreEvent) {
			switch ev.Type {
			case chatsync.EventMessageUpdated:
				select {
				case confirmed <- ev.MessageID:
				default:
				}
			case chatsync.EventSendFailed:
				select {
				case failed <- struct{}{}:
				default:
				}
			}
		})

		msg, err := store.SendMessage(conversationID, content)
		if err != nil {
			return err
		}

		select {
		case id := <-confirmed:
			fmt.Printf("Delivered as %s\n", id)
			return nil
		case <-failed:
			return fmt.Errorf("message %s failed to send", msg.ID)
		case <-ctx.Done():
			return fmt.Errorf("no confirmation within %s (message queued as %s)", sendTimeout, msg.ID)
		}
	},
}
