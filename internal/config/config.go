package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath     = "config.toml"
	DefaultHTTPAddr       = ":8080"
	DefaultJWTExpiresIn   = "24h"
	DefaultBackendTimeout = 20
	DefaultPageSize       = 50
	DefaultMaxAttempts    = 10
	DefaultBackoffSeconds = 3
	DefaultChannel        = "whatsapp"
)

type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Auth     AuthConfig     `toml:"auth"`
	Operator OperatorConfig `toml:"operator"`
	Backend  BackendConfig  `toml:"backend"`
	Realtime RealtimeConfig `toml:"realtime"`
	Inbox    InboxConfig    `toml:"inbox"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

// OperatorConfig is the local operator account allowed to log in and take
// conversations over.
type OperatorConfig struct {
	ID       string `toml:"id"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// BackendConfig points at the campaign backend's REST API.
type BackendConfig struct {
	BaseURL        string `toml:"base_url"`
	Token          string `toml:"token"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// RealtimeConfig points at the backend's push endpoint.
type RealtimeConfig struct {
	URL            string `toml:"url"`
	MaxAttempts    int    `toml:"max_attempts"`
	BackoffSeconds int    `toml:"backoff_seconds"`
}

// InboxConfig scopes the session to one agent and channel.
type InboxConfig struct {
	AgentID  string `toml:"agent_id"`
	Channel  string `toml:"channel"`
	PageSize int    `toml:"page_size"`
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Operator: OperatorConfig{
			ID:       "operator",
			Username: "operator",
			Password: "change-your-password-here",
		},
		Backend: BackendConfig{
			TimeoutSeconds: DefaultBackendTimeout,
		},
		Realtime: RealtimeConfig{
			MaxAttempts:    DefaultMaxAttempts,
			BackoffSeconds: DefaultBackoffSeconds,
		},
		Inbox: InboxConfig{
			Channel:  DefaultChannel,
			PageSize: DefaultPageSize,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate rejects configurations the process cannot run with.
func (c Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if c.Inbox.AgentID == "" {
		return fmt.Errorf("inbox.agent_id is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	return nil
}
