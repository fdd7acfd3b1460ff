package chatsync

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Default tuning values.
const (
	DefaultWSPath               = "/ws"
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectDelay       = time.Second
	DefaultHeartbeatInterval    = 25 * time.Second
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultWriteTimeout         = 10 * time.Second
	DefaultSendQueueSize        = 256
	DefaultTypingDebounce       = 2 * time.Second
	DefaultTypingExpiry         = 3 * time.Second
	DefaultPersistAttempts      = 3
	DefaultPersistRetryDelay    = time.Second
	DefaultPersistTimeout       = 15 * time.Second
	DefaultRequestTimeout       = 30 * time.Second
)

// Config configures an Engine. Zero values are replaced with defaults.
type Config struct {
	// BaseURL is the backend origin, e.g. "https://api.example.com". The
	// WebSocket URL is derived from it.
	BaseURL string `envconfig:"BASE_URL"`
	WSPath  string `envconfig:"WS_PATH"`

	// UserID is the local user's id. The handshake overrides it.
	UserID string `envconfig:"USER_ID"`

	DisableReconnect     bool          `envconfig:"DISABLE_RECONNECT"`
	MaxReconnectAttempts int           `envconfig:"MAX_RECONNECT_ATTEMPTS"`
	ReconnectDelay       time.Duration `envconfig:"RECONNECT_DELAY"`
	HeartbeatInterval    time.Duration `envconfig:"HEARTBEAT_INTERVAL"`
	HandshakeTimeout     time.Duration `envconfig:"HANDSHAKE_TIMEOUT"`
	WriteTimeout         time.Duration `envconfig:"WRITE_TIMEOUT"`
	SendQueueSize        int           `envconfig:"SEND_QUEUE_SIZE"`

	TypingDebounce time.Duration `envconfig:"TYPING_DEBOUNCE"`
	TypingExpiry   time.Duration `envconfig:"TYPING_EXPIRY"`

	PersistAttempts   int           `envconfig:"PERSIST_ATTEMPTS"`
	PersistRetryDelay time.Duration `envconfig:"PERSIST_RETRY_DELAY"`
	PersistTimeout    time.Duration `envconfig:"PERSIST_TIMEOUT"`
	RequestTimeout    time.Duration `envconfig:"REQUEST_TIMEOUT"`

	// StorePath selects a bbolt timeline cache. Empty keeps the timeline in memory.
	StorePath string `envconfig:"STORE_PATH"`
}

func (c *Config) defaults() {
	if c.WSPath == "" {
		c.WSPath = DefaultWSPath
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.SendQueueSize == 0 {
		c.SendQueueSize = DefaultSendQueueSize
	}
	if c.TypingDebounce == 0 {
		c.TypingDebounce = DefaultTypingDebounce
	}
	if c.TypingExpiry == 0 {
		c.TypingExpiry = DefaultTypingExpiry
	}
	if c.PersistAttempts == 0 {
		c.PersistAttempts = DefaultPersistAttempts
	}
	if c.PersistRetryDelay == 0 {
		c.PersistRetryDelay = DefaultPersistRetryDelay
	}
	if c.PersistTimeout == 0 {
		c.PersistTimeout = DefaultPersistTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
}

// ApplyEnv overrides fields from environment variables named
// <PREFIX>_<FIELD>, e.g. CHATSYNC_BASE_URL. Unset variables leave the
// current value alone.
func (c *Config) ApplyEnv(prefix string) error {
	if err := envconfig.Process(prefix, c); err != nil {
		return fmt.Errorf("process env: %w", err)
	}
	return nil
}

// Validate reports configuration that cannot produce a working engine.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("chatsync: base url is required")
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("chatsync: max reconnect attempts must not be negative")
	}
	if c.SendQueueSize < 0 {
		return fmt.Errorf("chatsync: send queue size must not be negative")
	}
	return nil
}
