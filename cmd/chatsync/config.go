package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync CLI configuration stored in ~/.chatsync/config.toml.\nCHATSYNC_* environment variables override the file at run time.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'chatsync config set default.base_url <url>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set tuning.reconnect_delay 2s",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "auth.token" {
			value = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

func setTuningValue(t *ConfigTuning, field, value string) error {
	switch field {
	case "reconnect_attempts", "persist_attempts":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			if field == "reconnect_attempts" {
				return fmt.Errorf("%s must be a positive integer (set CHATSYNC_DISABLE_RECONNECT=true to turn reconnection off)", field)
			}
			return fmt.Errorf("%s must be a positive integer", field)
		}
		if field == "reconnect_attempts" {
			t.ReconnectAttempts = n
		} else {
			t.PersistAttempts = n
		}
		return nil
	}

	var dst *string
	switch field {
	case "reconnect_delay":
		dst = &t.ReconnectDelay
	case "heartbeat_interval":
		dst = &t.HeartbeatInterval
	case "typing_debounce":
		dst = &t.TypingDebounce
	case "typing_expiry":
		dst = &t.TypingExpiry
	default:
		return fmt.Errorf("unknown field %q in section [tuning]", field)
	}
	if _, err := time.ParseDuration(value); err != nil {
		return fmt.Errorf("%s must be a duration like 1s or 500ms: %w", field, err)
	}
	*dst = value
	return nil
}
