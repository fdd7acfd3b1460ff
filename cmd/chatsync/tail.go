package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rentdesk/chatsync"
	"github.com/spf13/cobra"
)

var (
	tailJSON bool
)

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().BoolVar(&tailJSON, "json", false, "Print one JSON object per event")
}

var tailCmd = &cobra.Command{
	Use:   "tail <conversation-id>...",
	Short: "Follow conversations in real time",
	Long:  "Connect, join the given conversations and print messages, typing and connection events until interrupted.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, token := getEngine()
		defer engine.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		for _, id := range args {
			engine.JoinConversation(id)
		}

		events := engine.Events()
		done := make(chan struct{})
		var doneOnce sync.Once
		subs := []chatsync.Subscription{
			chatsync.Subscribe(events, func(ev chatsync.ConnectionSuccess) {
				printEvent(ev, "connected as %s", valueOrDefault(ev.UserID, "(unknown)"))
			}),
			chatsync.Subscribe(events, func(ev chatsync.ConnectionLost) {
				printEvent(ev, "connection lost: %s", ev.Reason)
				if ev.Terminal {
					doneOnce.Do(func() { close(done) })
				}
			}),
			chatsync.Subscribe(events, func(ev chatsync.Reconnecting) {
				printEvent(ev, "reconnecting (attempt %d, in %s)", ev.Attempt, ev.Delay)
			}),
			chatsync.Subscribe(events, func(ev chatsync.MessageReceived) {
				m := ev.Message
				printEvent(ev, "[%s] %s: %s", m.ConversationID, m.SenderID, m.Text)
			}),
			chatsync.Subscribe(events, func(ev chatsync.TypingChanged) {
				if ev.Visible {
					printEvent(ev, "[%s] %s is typing...", ev.ConversationID, ev.UserID)
				}
			}),
			chatsync.Subscribe(events, func(ev chatsync.UserOnline) {
				printEvent(ev, "%s is online", ev.UserID)
			}),
			chatsync.Subscribe(events, func(ev chatsync.UserOffline) {
				printEvent(ev, "%s went offline", ev.UserID)
			}),
			chatsync.Subscribe(events, func(ev chatsync.ServerError) {
				printEvent(ev, "server error: %s", ev.Message)
			}),
		}
		defer func() {
			for _, s := range subs {
				events.Off(s)
			}
		}()

		if err := connectEngine(ctx, engine, token); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-done:
			return fmt.Errorf("gave up reconnecting")
		}
	},
}

func printEvent(ev chatsync.Event, format string, args ...any) {
	if tailJSON {
		b, _ := json.Marshal(map[string]any{
			"event": ev.Name(),
			"at":    time.Now().UTC(),
			"data":  ev,
		})
		fmt.Println(string(b))
		return
	}
	fmt.Printf("%s  %s\n", time.Now().Format(time.Kitchen), fmt.Sprintf(format, args...))
}
