// Package config provides configuration loading for the relay and its
// supervised runs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the relay server and the run
// supervisor.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// JWT settings. Auth is disabled when JWKSEndpoint is empty.
	JWKSEndpoint string
	JWTAudience  string
	JWTIssuer    string

	// HTTP server timeouts
	HTTPReadTimeout time.Duration
	HTTPIdleTimeout time.Duration

	// WebSocket settings
	WSReadBufferSize   int
	WSWriteBufferSize  int
	WSMaxMessageSize   int64
	ObserverSendBuffer int
	HelloTimeout       time.Duration

	// Client settings (supervised runs connect to the relay as an observer)
	RelayURL      string
	RelayIdentity string
	RelayToken    string

	// RelayReconnect re-dials the relay when the observer connection drops.
	RelayReconnect bool

	// Run supervisor settings
	RunTimeLimit    time.Duration
	RunStallTimeout time.Duration
	RunPollInterval time.Duration
	RunHookInterval time.Duration
	RunlogDBPath    string

	// Composite action waits
	ActionShortTimeout      time.Duration
	ActionLongTimeout       time.Duration
	DialogDismissMinTicks   int
	DialogDismissAfterTicks int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnvInt("RELAY_PORT", 8090),
		Host:           getEnv("RELAY_HOST", "0.0.0.0"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", []string{"*"}),

		JWKSEndpoint: getEnv("JWKS_ENDPOINT", ""),
		JWTAudience:  getEnv("JWT_AUDIENCE", "botrelay"),
		JWTIssuer:    getEnv("JWT_ISSUER", ""),

		HTTPReadTimeout: getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout: getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:   getEnvInt("WS_READ_BUFFER_SIZE", 4096),
		WSWriteBufferSize:  getEnvInt("WS_WRITE_BUFFER_SIZE", 4096),
		WSMaxMessageSize:   int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 1<<20)),
		ObserverSendBuffer: getEnvInt("OBSERVER_SEND_BUFFER", 256),
		HelloTimeout:       getEnvDuration("HELLO_TIMEOUT", 10*time.Second),

		RelayURL:       getEnv("RELAY_URL", "ws://127.0.0.1:8090"),
		RelayIdentity:  getEnv("RELAY_IDENTITY", ""),
		RelayToken:     getEnv("RELAY_TOKEN", ""),
		RelayReconnect: getEnvBool("RELAY_RECONNECT", true),

		RunTimeLimit:    getEnvDuration("RUN_TIME_LIMIT", time.Hour),
		RunStallTimeout: getEnvDuration("RUN_STALL_TIMEOUT", 5*time.Minute),
		RunPollInterval: getEnvDuration("RUN_POLL_INTERVAL", time.Second),
		RunHookInterval: getEnvDuration("RUN_HOOK_INTERVAL", 30*time.Second),
		RunlogDBPath:    getEnv("RUNLOG_DB_PATH", ":memory:"),

		ActionShortTimeout:      getEnvDuration("ACTION_SHORT_TIMEOUT", 5*time.Second),
		ActionLongTimeout:       getEnvDuration("ACTION_LONG_TIMEOUT", 30*time.Second),
		DialogDismissMinTicks:   getEnvInt("DIALOG_DISMISS_MIN_TICKS", 3),
		DialogDismissAfterTicks: getEnvInt("DIALOG_DISMISS_AFTER_TICKS", 2),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("RELAY_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.RunTimeLimit <= 0 {
		return fmt.Errorf("RUN_TIME_LIMIT must be positive, got %s", c.RunTimeLimit)
	}
	if c.RunStallTimeout <= 0 {
		return fmt.Errorf("RUN_STALL_TIMEOUT must be positive, got %s", c.RunStallTimeout)
	}
	if c.RunPollInterval <= 0 || c.RunPollInterval > c.RunStallTimeout {
		return fmt.Errorf("RUN_POLL_INTERVAL must be positive and no longer than RUN_STALL_TIMEOUT, got %s", c.RunPollInterval)
	}
	if c.ActionShortTimeout <= 0 || c.ActionLongTimeout < c.ActionShortTimeout {
		return fmt.Errorf("ACTION_SHORT_TIMEOUT must be positive and no longer than ACTION_LONG_TIMEOUT")
	}
	if c.HelloTimeout <= 0 {
		return fmt.Errorf("HELLO_TIMEOUT must be positive, got %s", c.HelloTimeout)
	}
	return nil
}

// AuthEnabled reports whether connections must present a JWT.
func (c *Config) AuthEnabled() bool {
	return c.JWKSEndpoint != ""
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
