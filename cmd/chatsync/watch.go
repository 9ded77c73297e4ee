package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatsync-io/chatsync-go"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Tail a conversation's live traffic",
	Long:  "Connect to the realtime endpoint and print messages, read receipts and typing activity for one conversation until interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]

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

		conn.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Fprintf(os.Stderr, "connection lost, retrying in %s (attempt %d)\n", delay, attempt)
		})
		conn.OnOffline(func() {
			fmt.Fprintln(os.Stderr, "gave up reconnecting; restart to resume")
		})

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err = conn.Connect(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		if err := store.LoadConversations(context.Background()); err != nil {
			return err
		}
		if err := store.SetActiveConversation(conversationID); err != nil {
			return err
		}

		store.OnEvent(func(ev chatsync.StoreEvent) {
			if ev.ConversationID != conversationID {
				return
			}
			switch ev.Type {
			case chatsync.EventMessageReceived, chatsync.EventMessageUpdated:
				conv, ok := store.Conversation(conversationID)
				if !ok {
					return
				}
				for _, m := range conv.Messages {
					if m.ID == ev.MessageID {
						printMessage(m)
						return
					}
				}
			case chatsync.EventTypingChanged:
				if users := store.TypingUsers(conversationID); len(users) > 0 {
					fmt.Printf("-- %s typing...\n", strings.Join(users, ", "))
				}
			}
		})

		if conv, ok := store.Conversation(conversationID); ok {
			for _, m := range conv.Messages {
				printMessage(m)
			}
		}

		fmt.Fprintln(os.Stderr, "watching (ctrl-c to quit)")
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		return nil
	},
}

func printMessage(m chatsync.Message) {
	marker := " "
	switch m.Status {
	case chatsync.StatusPending:
		marker = "~"
	case chatsync.StatusFailed:
		marker = "!"
	}
	fmt.Printf("%s [%s] %s: %s\n",
		marker, m.CreatedAt.Local().Format("15:04:05"), m.SenderID, m.Content)
}
