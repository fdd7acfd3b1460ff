package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rentdesk/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connection status",
	Long:  "Display the effective configuration and try a live connection handshake.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		ec, err := engineConfig(cfg)
		if err != nil {
			return err
		}

		// Print config summary.
		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(ec.BaseURL, "(not set)"))
		fmt.Printf("  Store:       %s\n", valueOrDefault(ec.StorePath, "(memory)"))
		fmt.Printf("  Log level:   %s\n", valueOrDefault(cfg.Default.LogLevel, "warn"))
		if cfg.Default.MetricsAddr != "" {
			fmt.Printf("  Metrics:     http://%s/metrics\n", cfg.Default.MetricsAddr)
		}

		token := os.Getenv("CHATSYNC_TOKEN")
		if token == "" {
			token = cfg.Auth.Token
		}
		fmt.Println()
		fmt.Println("Auth:")
		if token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(token))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		fmt.Printf("  User ID:     %s\n", valueOrDefault(ec.UserID, "(from handshake)"))

		if ec.BaseURL == "" || token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		ec.DisableReconnect = true
		engine, err := chatsync.New(ec, chatsync.WithLogger(newLogger(cfg.Default.LogLevel)))
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		defer engine.Close()

		if err := connectEngine(context.Background(), engine, token); err != nil {
			fmt.Printf("  Session:     %v\n", err)
			return nil
		}
		fmt.Printf("  Session:     %s\n", engine.State())
		fmt.Printf("  Connected as %s\n", valueOrDefault(engine.UserID(), "(unknown)"))
		return nil
	},
}
