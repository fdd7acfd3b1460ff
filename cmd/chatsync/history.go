package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rentdesk/chatsync"
	"github.com/spf13/cobra"
)

var (
	historyLimit int
	historyJSON  bool
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Show only the last n messages")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show a conversation's stored history",
	Long:  "Fetch the conversation's history from the backend, merge it into the local timeline and print it oldest-first.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, token := getEngine()
		defer engine.Close()

		if token != "" {
			// History is read over the REST API; the token only needs to
			// reach the persister, so a failed live connect is not fatal.
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = engine.Connect(ctx, token)
			cancel()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		msgs, err := engine.LoadHistory(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if historyLimit > 0 && len(msgs) > historyLimit {
			msgs = msgs[len(msgs)-historyLimit:]
		}

		if historyJSON {
			b, _ := json.MarshalIndent(msgs, "", "  ")
			fmt.Println(string(b))
			return nil
		}

		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			marker := ""
			if m.DeliveryState == chatsync.DeliveryFailed {
				marker = " (not delivered)"
			}
			fmt.Printf("[%s] %s: %s%s\n", m.Timestamp.Local().Format("2006-01-02 15:04"), m.SenderID, m.Text, marker)
		}
		return nil
	},
}
