// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"sessionbridge/internal/permission"
	"sessionbridge/internal/retry"
)

// ErrMissingCredentials is returned when no API key source yields a key.
var ErrMissingCredentials = errors.New("no API credentials configured")

// Config holds resolved paths and the optional config file.
type Config struct {
	HomeDir       string
	AppDir        string
	ClaudeDir     string
	CodexDir      string
	DatabasePath  string
	CheckpointDir string
	LogDir        string
	ConfigPath    string

	File File
}

// File is the content of ~/.sessionbridge/config.yaml.
type File struct {
	Provider       string        `yaml:"provider"`
	PermissionMode string        `yaml:"permission_mode"`
	Streaming      *bool         `yaml:"streaming"`
	Claude         RuntimeConfig `yaml:"claude"`
	Codex          RuntimeConfig `yaml:"codex"`
	API            APIConfig     `yaml:"api"`
	Retry          RetryConfig   `yaml:"retry"`
	Server         ServerConfig  `yaml:"server"`
}

// RuntimeConfig configures a CLI runtime.
type RuntimeConfig struct {
	Binary string `yaml:"binary"`
	Model  string `yaml:"model"`
}

// APIConfig configures the direct API provider.
type APIConfig struct {
	Model     string `yaml:"model"`
	MaxTokens int64  `yaml:"max_tokens"`
	APIKeyEnv string `yaml:"api_key_env"`
	BaseURL   string `yaml:"base_url"`
}

// RetryConfig overrides the retry policy. Zero values keep the defaults.
type RetryConfig struct {
	MaxRetries           *int          `yaml:"max_retries"`
	BaseDelay            time.Duration `yaml:"base_delay"`
	SessionNotFoundDelay time.Duration `yaml:"session_not_found_delay"`
	MaxMessagesForRetry  int           `yaml:"max_messages_for_retry"`
	SessionWaitTimeout   time.Duration `yaml:"session_wait_timeout"`
}

// ServerConfig configures the websocket server.
type ServerConfig struct {
	Listen     string `yaml:"listen"`
	AuthKeyEnv string `yaml:"auth_key_env"`
}

// Load resolves paths under the user's home directory and reads the config
// file when present.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return LoadFrom(home)
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(home string) (*Config, error) {
	appDir := filepath.Join(home, ".sessionbridge")
	cfg := &Config{
		HomeDir:       home,
		AppDir:        appDir,
		ClaudeDir:     filepath.Join(home, ".claude"),
		CodexDir:      filepath.Join(home, ".codex"),
		DatabasePath:  filepath.Join(appDir, "sessionbridge.db"),
		CheckpointDir: appDir,
		LogDir:        filepath.Join(appDir, "logs"),
		ConfigPath:    filepath.Join(appDir, "config.yaml"),
		File:          Defaults(),
	}

	for _, dir := range []string{appDir, cfg.LogDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(cfg.ConfigPath)
	switch {
	case os.IsNotExist(err):
		return cfg, nil
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg.File); err != nil {
		return nil, fmt.Errorf("parse %s: %w", cfg.ConfigPath, err)
	}
	if err := cfg.File.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", cfg.ConfigPath, err)
	}
	return cfg, nil
}

// Defaults returns the settings used when the config file omits them.
func Defaults() File {
	streaming := true
	return File{
		Provider:       "claude",
		PermissionMode: string(permission.ModeDefault),
		Streaming:      &streaming,
		API: APIConfig{
			Model:     "claude-sonnet-4-5",
			MaxTokens: 8192,
			APIKeyEnv: "ANTHROPIC_API_KEY",
		},
		Server: ServerConfig{
			Listen:     "127.0.0.1:8765",
			AuthKeyEnv: "SESSIONBRIDGE_AUTH_KEY",
		},
	}
}

// Validate checks enumerations and bounds.
func (f File) Validate() error {
	if _, err := permission.ParseMode(f.PermissionMode); err != nil {
		return err
	}
	if f.Retry.MaxRetries != nil && *f.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if f.API.MaxTokens < 0 {
		return fmt.Errorf("api.max_tokens must not be negative")
	}
	return nil
}

// StreamingEnabled reports the streaming default.
func (f File) StreamingEnabled() bool {
	return f.Streaming == nil || *f.Streaming
}

// RetryPolicy applies the overrides to base.
func (f File) RetryPolicy(base retry.Policy) retry.Policy {
	r := f.Retry
	if r.MaxRetries != nil {
		base.MaxRetries = *r.MaxRetries
	}
	if r.BaseDelay > 0 {
		base.BaseDelay = r.BaseDelay
	}
	if r.SessionNotFoundDelay > 0 {
		base.SessionNotFoundDelay = r.SessionNotFoundDelay
	}
	if r.MaxMessagesForRetry > 0 {
		base.MaxMessagesForRetry = r.MaxMessagesForRetry
	}
	if r.SessionWaitTimeout > 0 {
		base.SessionWaitTimeout = r.SessionWaitTimeout
	}
	return base
}
