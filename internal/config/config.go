// Package config loads server and client settings from lofi.yaml, the
// environment (LOFI_*), and command-line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// FileName is the config file name searched for without its extension.
const FileName = "lofi"

// EnvPrefix prefixes every environment override, e.g. LOFI_CLIENT_URL.
const EnvPrefix = "LOFI"

// Config is the full process configuration.
type Config struct {
	Server ServerConfig
	Client ClientConfig
	Log    LogConfig
}

// ServerConfig configures `lofi serve`.
type ServerConfig struct {
	Addr        string
	DB          string
	Schema      string
	WatchSchema bool
	TopicBuffer int

	// Tokens maps user ids to bearer tokens. Keys are case-folded by the
	// config loader, so the secret is kept on the value side.
	Tokens map[string]string

	// GlobalBroadcast delivers every change to every connection instead of
	// only to connections of the owning user.
	GlobalBroadcast bool
}

// ClientConfig configures the local store and sync engine.
type ClientConfig struct {
	URL            string
	Token          string
	DB             string
	Schema         string
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RetryTransient bool
}

// LogConfig configures the process logger.
type LogConfig struct {
	// File enables a rotated log file next to stderr output.
	File string

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:        ":7420",
			DB:          "lofi-server.db",
			Schema:      "schema.yaml",
			Tokens:      map[string]string{},
			TopicBuffer: 256,
		},
		Client: ClientConfig{
			URL:       "ws://localhost:7420/sync",
			DB:        "lofi.db",
			Schema:    "schema.yaml",
			BaseDelay: 200 * time.Millisecond,
			MaxDelay:  30 * time.Second,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// New returns a viper instance with defaults, search paths, and env
// binding set up. The config file itself is read by Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigName(FileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if dir, err := Dir(); err == nil {
		v.AddConfigPath(dir)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// SetDefaults registers DefaultConfig values under their keys.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.db", d.Server.DB)
	v.SetDefault("server.schema", d.Server.Schema)
	v.SetDefault("server.watch_schema", d.Server.WatchSchema)
	v.SetDefault("server.topic_buffer", d.Server.TopicBuffer)
	v.SetDefault("server.global_broadcast", d.Server.GlobalBroadcast)
	v.SetDefault("client.url", d.Client.URL)
	v.SetDefault("client.token", d.Client.Token)
	v.SetDefault("client.db", d.Client.DB)
	v.SetDefault("client.schema", d.Client.Schema)
	v.SetDefault("client.base_delay", d.Client.BaseDelay)
	v.SetDefault("client.max_delay", d.Client.MaxDelay)
	v.SetDefault("client.retry_transient", d.Client.RetryTransient)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)
}

// Dir is the per-user config directory, $HOME/.config/lofi.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to find home directory: %w", err)
	}
	return filepath.Join(home, ".config", FileName), nil
}

// Load reads the config file, if any, and returns the merged settings.
// A missing file is not an error, including one named by SetConfigFile.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:            v.GetString("server.addr"),
			DB:              v.GetString("server.db"),
			Schema:          v.GetString("server.schema"),
			WatchSchema:     v.GetBool("server.watch_schema"),
			Tokens:          v.GetStringMapString("server.tokens"),
			TopicBuffer:     v.GetInt("server.topic_buffer"),
			GlobalBroadcast: v.GetBool("server.global_broadcast"),
		},
		Client: ClientConfig{
			URL:            v.GetString("client.url"),
			Token:          v.GetString("client.token"),
			DB:             v.GetString("client.db"),
			Schema:         v.GetString("client.schema"),
			BaseDelay:      v.GetDuration("client.base_delay"),
			MaxDelay:       v.GetDuration("client.max_delay"),
			RetryTransient: v.GetBool("client.retry_transient"),
		},
		Log: LogConfig{
			File:       v.GetString("log.file"),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAgeDays: v.GetInt("log.max_age_days"),
			Compress:   v.GetBool("log.compress"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// TokenUsers inverts Server.Tokens into token -> user id.
func (c *Config) TokenUsers() map[string]string {
	out := make(map[string]string, len(c.Server.Tokens))
	for user, token := range c.Server.Tokens {
		out[token] = user
	}
	return out
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	if c.Client.BaseDelay <= 0 {
		return fmt.Errorf("client.base_delay must be positive, got %v", c.Client.BaseDelay)
	}
	if c.Client.MaxDelay < c.Client.BaseDelay {
		return fmt.Errorf("client.max_delay (%v) must not be less than client.base_delay (%v)",
			c.Client.MaxDelay, c.Client.BaseDelay)
	}
	seen := make(map[string]bool, len(c.Server.Tokens))
	for user, token := range c.Server.Tokens {
		if token == "" {
			return fmt.Errorf("server.tokens.%s is empty", user)
		}
		if seen[token] {
			return fmt.Errorf("server.tokens: token for %s is shared with another user", user)
		}
		seen[token] = true
	}
	if c.Server.TopicBuffer <= 0 {
		return fmt.Errorf("server.topic_buffer must be positive, got %d", c.Server.TopicBuffer)
	}
	return nil
}

// SaveClient records the client url and token in the config file v was
// loaded from, or in path when v has no file yet.
func SaveClient(v *viper.Viper, path, url, token string) (string, error) {
	v.Set("client.url", url)
	v.Set("client.token", token)

	if file := v.ConfigFileUsed(); file != "" {
		path = file
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return "", fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return path, nil
}
