package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type RelayConfig struct {
	DBFile      string
	AdminAddr   string
	RelayAddr   string
	AuthSecret  string
	TokenExpiry time.Duration
}

// LoadRelay reads the relay configuration. In cliMode the secret is not
// needed because commands only talk to the admin API.
func LoadRelay(cliMode bool) (*RelayConfig, error) {
	tokenExpiry, err := envDuration("TOKEN_EXPIRY", "24h")
	if err != nil {
		return nil, err
	}

	cfg := &RelayConfig{
		DBFile:      getEnv("RELAY_DB", "vestnik-relay.db"),
		AdminAddr:   getEnv("ADMIN_ADDR", "localhost:8091"),
		RelayAddr:   getEnv("RELAY_ADDR", ":8090"),
		AuthSecret:  os.Getenv("AUTH_SECRET"),
		TokenExpiry: tokenExpiry,
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *RelayConfig) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	return nil
}

type ClientConfig struct {
	URL                     string
	Token                   string
	UserID                  string
	AutoConnect             bool
	AutoReconnect           bool
	ReconnectInterval       time.Duration
	ReconnectMaxDelay       time.Duration
	MaxReconnectAttempts    int
	HeartbeatInterval       time.Duration
	EnablePresence          bool
	IdleTimeout             time.Duration
	VisibilityGrace         time.Duration
	StatusBroadcastInterval time.Duration
	MaxQueueRetries         int
	MaxQueueSize            int
	Locale                  string
	PresenceDB              string
	Debug                   bool
}

func LoadClient() (*ClientConfig, error) {
	var errs []error
	duration := func(key, fallback string) time.Duration {
		d, err := envDuration(key, fallback)
		errs = append(errs, err)
		return d
	}
	boolean := func(key string, fallback bool) bool {
		b, err := envBool(key, fallback)
		errs = append(errs, err)
		return b
	}
	integer := func(key string, fallback int) int {
		n, err := envInt(key, fallback)
		errs = append(errs, err)
		return n
	}

	cfg := &ClientConfig{
		URL:                     getEnv("VESTNIK_URL", "ws://localhost:8090/ws"),
		Token:                   os.Getenv("VESTNIK_TOKEN"),
		UserID:                  os.Getenv("VESTNIK_USER"),
		AutoConnect:             boolean("AUTO_CONNECT", true),
		AutoReconnect:           boolean("AUTO_RECONNECT", true),
		ReconnectInterval:       duration("RECONNECT_INTERVAL", "3s"),
		ReconnectMaxDelay:       duration("RECONNECT_MAX_DELAY", "30s"),
		MaxReconnectAttempts:    integer("MAX_RECONNECT_ATTEMPTS", 10),
		HeartbeatInterval:       duration("HEARTBEAT_INTERVAL", "30s"),
		EnablePresence:          boolean("ENABLE_PRESENCE", true),
		IdleTimeout:             duration("IDLE_TIMEOUT", "5m"),
		VisibilityGrace:         duration("VISIBILITY_GRACE", "1m"),
		StatusBroadcastInterval: duration("STATUS_BROADCAST_INTERVAL", "30s"),
		MaxQueueRetries:         integer("MAX_QUEUE_RETRIES", 5),
		MaxQueueSize:            integer("MAX_QUEUE_SIZE", 1000),
		Locale:                  getEnv("LOCALE", "en"),
		PresenceDB:              os.Getenv("PRESENCE_DB"),
		Debug:                   boolean("DEBUG", false),
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *ClientConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("VESTNIK_URL is required")
	}
	if c.EnablePresence && c.UserID == "" {
		return fmt.Errorf("VESTNIK_USER is required when presence is enabled")
	}

	positive := map[string]time.Duration{
		"RECONNECT_INTERVAL":        c.ReconnectInterval,
		"RECONNECT_MAX_DELAY":       c.ReconnectMaxDelay,
		"HEARTBEAT_INTERVAL":        c.HeartbeatInterval,
		"IDLE_TIMEOUT":              c.IdleTimeout,
		"VISIBILITY_GRACE":          c.VisibilityGrace,
		"STATUS_BROADCAST_INTERVAL": c.StatusBroadcastInterval,
	}
	for key, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be greater than 0", key)
		}
	}
	if c.ReconnectMaxDelay < c.ReconnectInterval {
		return fmt.Errorf("RECONNECT_MAX_DELAY must not be less than RECONNECT_INTERVAL")
	}

	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("MAX_RECONNECT_ATTEMPTS must not be negative")
	}
	if c.MaxQueueRetries < 0 {
		return fmt.Errorf("MAX_QUEUE_RETRIES must not be negative")
	}
	if c.MaxQueueSize <= 0 {
		return fmt.Errorf("MAX_QUEUE_SIZE must be greater than 0")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func envDuration(key, fallback string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, fallback))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func envBool(key string, fallback bool) (bool, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func envInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
