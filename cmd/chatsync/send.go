package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rentdesk/chatsync"
	"github.com/spf13/cobra"
)

var (
	sendJSON bool
	sendWait time.Duration
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output the final message as JSON")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 20*time.Second, "How long to wait for the message to be stored")
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send a message to a conversation",
	Long:  "Join the conversation, send the message and wait until the backend has stored it or gave up.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, text := args[0], strings.Join(args[1:], " ")

		engine, token := getEngine()
		defer engine.Close()

		ctx, cancel := context.WithTimeout(context.Background(), sendWait)
		defer cancel()

		// Only one message is sent per run, so any outcome for an entry of
		// ours in this conversation is its outcome.
		ours := func(m chatsync.Message) bool {
			return m.ConversationID == conversationID && m.LocalID != ""
		}
		result := make(chan chatsync.Event, 1)
		events := engine.Events()
		updated := chatsync.Subscribe(events, func(ev chatsync.MessageUpdated) {
			if ours(ev.Message) && ev.Message.DeliveryState == chatsync.DeliveryPersisted {
				select {
				case result <- ev:
				default:
				}
			}
		})
		defer events.Off(updated)
		failed := chatsync.Subscribe(events, func(ev chatsync.MessageFailed) {
			if ours(ev.Message) {
				select {
				case result <- ev:
				default:
				}
			}
		})
		defer events.Off(failed)

		// The durable path works without the live session, so a connect
		// failure is reported but does not stop the send.
		if err := connectEngine(ctx, engine, token); err != nil {
			fmt.Printf("Warning: %v (sending over the API only)\n", err)
		}
		engine.JoinConversation(conversationID)

		msg := engine.SendMessage(conversationID, text)

		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for message %s to be stored", msg.LocalID)
		case ev := <-result:
			switch v := ev.(type) {
			case chatsync.MessageFailed:
				return fmt.Errorf("message not stored: %w", v.Err)
			case chatsync.MessageUpdated:
				if sendJSON {
					b, _ := json.MarshalIndent(v.Message, "", "  ")
					fmt.Println(string(b))
					return nil
				}
				fmt.Printf("Message sent (id: %s)\n", v.Message.ID)
			}
		}
		return nil
	},
}
