package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rentdesk/chatsync"
	"github.com/rs/zerolog"
)

// engineConfig turns the file config into an engine config, then applies
// CHATSYNC_* environment overrides.
func engineConfig(cfg *Config) (chatsync.Config, error) {
	ec := chatsync.Config{
		BaseURL:              cfg.Default.BaseURL,
		UserID:               cfg.Auth.UserID,
		StorePath:            cfg.Default.StorePath,
		MaxReconnectAttempts: cfg.Tuning.ReconnectAttempts,
		PersistAttempts:      cfg.Tuning.PersistAttempts,
	}
	durations := []struct {
		raw string
		dst *time.Duration
	}{
		{cfg.Tuning.ReconnectDelay, &ec.ReconnectDelay},
		{cfg.Tuning.HeartbeatInterval, &ec.HeartbeatInterval},
		{cfg.Tuning.TypingDebounce, &ec.TypingDebounce},
		{cfg.Tuning.TypingExpiry, &ec.TypingExpiry},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return ec, fmt.Errorf("invalid duration %q: %w", d.raw, err)
		}
		*d.dst = v
	}
	if err := ec.ApplyEnv("CHATSYNC"); err != nil {
		return ec, err
	}
	return ec, nil
}

// newLogger builds a console logger at the configured level.
func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(lvl).
		With().Timestamp().Logger()
}

// getEngine builds an engine from the config file and environment. The
// returned token is the credential to connect with.
func getEngine() (*chatsync.Engine, string) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	ec, err := engineConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}
	if ec.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "No base URL. Run 'chatsync config set default.base_url <url>' first.")
		os.Exit(1)
	}

	token := os.Getenv("CHATSYNC_TOKEN")
	if token == "" {
		token = cfg.Auth.Token
	}

	engine, err := chatsync.New(ec, chatsync.WithLogger(newLogger(cfg.Default.LogLevel)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create engine: %v\n", err)
		os.Exit(1)
	}
	serveMetrics(engine, cfg.Default.MetricsAddr)
	return engine, token
}

// connectEngine connects and turns an authentication failure into a hint.
func connectEngine(ctx context.Context, engine *chatsync.Engine, token string) error {
	if token == "" {
		return errors.New("no token. Run 'chatsync config set auth.token <token>' or set CHATSYNC_TOKEN")
	}
	cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := engine.Connect(cctx, token); err != nil {
		if errors.Is(err, chatsync.ErrAuthentication) {
			return fmt.Errorf("token rejected: %w", err)
		}
		return fmt.Errorf("connect failed: %w", err)
	}
	return nil
}

// serveMetrics exposes the engine's collectors when addr is set.
func serveMetrics(engine *chatsync.Engine, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", engine.Metrics().Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
		}
	}()
}

// maskKey shows the first 4 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
