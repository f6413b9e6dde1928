// Package config loads parley settings from a JSON, YAML or TOML file with
// PARLEY_* environment overrides.
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

	"github.com/HexSleeves/parley/internal/retry"
)

const (
	SafetyModeStrict     = "strict"
	SafetyModePermissive = "permissive"

	StoreSQLite = "sqlite"
	StoreFile   = "file"
	StoreMemory = "memory"

	DefaultPath = "parley.json"
	EnvPrefix   = "PARLEY"
)

type Config struct {
	Provider      string `mapstructure:"provider" json:"provider"`
	Model         string `mapstructure:"model" json:"model"`
	APIKey        string `mapstructure:"api_key" json:"api_key,omitempty"`
	BaseURL       string `mapstructure:"base_url" json:"base_url,omitempty"`
	System        string `mapstructure:"system" json:"system,omitempty"`
	MaxTokens     int    `mapstructure:"max_tokens" json:"max_tokens"`
	MaxToolRounds int    `mapstructure:"max_tool_rounds" json:"max_tool_rounds"`
	WorkDir       string `mapstructure:"work_dir" json:"work_dir"`

	Retry  retry.Config `mapstructure:"retry" json:"retry"`
	AWS    AWSConfig    `mapstructure:"aws" json:"aws"`
	Store  StoreConfig  `mapstructure:"store" json:"store"`
	Safety SafetyConfig `mapstructure:"safety" json:"safety"`
	Tools  ToolsConfig  `mapstructure:"tools" json:"tools"`
}

// AWSConfig configures the Bedrock transport. Empty keys fall back to the
// standard AWS_* environment variables.
type AWSConfig struct {
	Region          string `mapstructure:"region" json:"region"`
	AccessKeyID     string `mapstructure:"access_key_id" json:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" json:"secret_access_key,omitempty"`
	SessionToken    string `mapstructure:"session_token" json:"session_token,omitempty"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver" json:"driver"`
	Dir    string `mapstructure:"dir" json:"dir"`
}

type SafetyConfig struct {
	Mode               string   `mapstructure:"mode" json:"mode"`
	AllowedPaths       []string `mapstructure:"allowed_paths" json:"allowed_paths"`
	BlockedCommands    []string `mapstructure:"blocked_commands" json:"blocked_commands"`
	BlockedPatterns    []string `mapstructure:"blocked_patterns" json:"blocked_patterns,omitempty"`
	BlockedExecutables []string `mapstructure:"blocked_executables" json:"blocked_executables,omitempty"`
	AllowExecutables   []string `mapstructure:"allow_executables" json:"allow_executables,omitempty"`
	EnforceOnTools     []string `mapstructure:"enforce_on_tools" json:"enforce_on_tools,omitempty"`
	MaxFileSize        int64    `mapstructure:"max_file_size" json:"max_file_size"`
	ReadOnlyMode       bool     `mapstructure:"read_only" json:"read_only"`
}

type ToolsConfig struct {
	Enabled        []string      `mapstructure:"enabled" json:"enabled"`
	CommandTimeout time.Duration `mapstructure:"command_timeout" json:"command_timeout"`
	MaxOutputBytes int           `mapstructure:"max_output_bytes" json:"max_output_bytes"`
}

func DefaultConfig() *Config {
	return &Config{
		Provider:      "anthropic",
		Model:         "claude-sonnet-4-20250514",
		MaxTokens:     4096,
		MaxToolRounds: 10,
		WorkDir:       ".",
		Retry:         retry.DefaultConfig(),
		AWS:           AWSConfig{Region: "us-east-1"},
		Store:         StoreConfig{Driver: StoreSQLite, Dir: ".parley"},
		Safety: SafetyConfig{
			Mode:            SafetyModeStrict,
			AllowedPaths:    []string{"."},
			BlockedCommands: []string{"rm -rf /", "sudo rm", "mkfs", "dd if=/dev/zero"},
			MaxFileSize:     10 * 1024 * 1024,
		},
		Tools: ToolsConfig{
			Enabled:        []string{"read_file", "list_dir", "current_time"},
			CommandTimeout: 30 * time.Second,
			MaxOutputBytes: 32 * 1024,
		},
	}
}

// Load reads path over the defaults and applies PARLEY_* overrides
// (PARLEY_RETRY_MAX_RETRIES, PARLEY_STORE_DRIVER, ...). A missing file is not
// an error; the defaults are used.
func Load(path string) (*Config, error) {
	v := newViper(DefaultConfig())
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, fs.ErrNotExist) && !isNotFound(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to path in the format implied by its extension.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	v := viper.New()
	for k, val := range settings(c) {
		v.Set(k, val)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// Validate fails fast on settings that would otherwise surface mid-call.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Provider) == "" {
		errs = append(errs, errors.New("provider is required"))
	}
	if c.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("max_tokens must be positive, got %d", c.MaxTokens))
	}
	if c.MaxToolRounds < 0 {
		errs = append(errs, fmt.Errorf("max_tool_rounds must not be negative, got %d", c.MaxToolRounds))
	}
	if _, err := retry.NewPolicy(c.Retry); err != nil {
		errs = append(errs, err)
	}
	switch c.Store.Driver {
	case StoreSQLite, StoreFile, StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	switch strings.ToLower(c.Safety.Mode) {
	case "", SafetyModeStrict, SafetyModePermissive:
	default:
		errs = append(errs, fmt.Errorf("unknown safety mode %q", c.Safety.Mode))
	}
	if c.Provider == "bedrock" && c.AWS.Region == "" {
		errs = append(errs, errors.New("aws.region is required for the bedrock provider"))
	}
	if c.Tools.CommandTimeout < 0 {
		errs = append(errs, errors.New("tools.command_timeout must not be negative"))
	}
	return errors.Join(errs...)
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	if out.APIKey != "" {
		out.APIKey = "[redacted]"
	}
	if out.AWS.SecretAccessKey != "" {
		out.AWS.SecretAccessKey = "[redacted]"
	}
	if out.AWS.SessionToken != "" {
		out.AWS.SessionToken = "[redacted]"
	}
	return &out
}

func newViper(defaults *Config) *viper.Viper {
	v := viper.New()
	for k, val := range settings(defaults) {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// settings flattens c into viper keys. Durations are written as strings so
// saved files stay readable.
func settings(c *Config) map[string]any {
	return map[string]any{
		"provider":        c.Provider,
		"model":           c.Model,
		"api_key":         c.APIKey,
		"base_url":        c.BaseURL,
		"system":          c.System,
		"max_tokens":      c.MaxTokens,
		"max_tool_rounds": c.MaxToolRounds,
		"work_dir":        c.WorkDir,

		"retry.max_retries":          c.Retry.MaxRetries,
		"retry.strategy":             string(c.Retry.Strategy),
		"retry.delay":                c.Retry.Delay.String(),
		"retry.jitter":               c.Retry.Jitter.String(),
		"retry.max_delay":            c.Retry.MaxDelay.String(),
		"retry.max_elapsed":          c.Retry.MaxElapsed.String(),
		"retry.retryable_status":     c.Retry.RetryableStatus,
		"retry.retryable_categories": c.Retry.RetryableCategories,
		"retry.respect_retry_after":  c.Retry.RespectRetryAfter,

		"aws.region":            c.AWS.Region,
		"aws.access_key_id":     c.AWS.AccessKeyID,
		"aws.secret_access_key": c.AWS.SecretAccessKey,
		"aws.session_token":     c.AWS.SessionToken,

		"store.driver": c.Store.Driver,
		"store.dir":    c.Store.Dir,

		"safety.mode":                c.Safety.Mode,
		"safety.allowed_paths":       c.Safety.AllowedPaths,
		"safety.blocked_commands":    c.Safety.BlockedCommands,
		"safety.blocked_patterns":    c.Safety.BlockedPatterns,
		"safety.blocked_executables": c.Safety.BlockedExecutables,
		"safety.allow_executables":   c.Safety.AllowExecutables,
		"safety.enforce_on_tools":    c.Safety.EnforceOnTools,
		"safety.max_file_size":       c.Safety.MaxFileSize,
		"safety.read_only":           c.Safety.ReadOnlyMode,

		"tools.enabled":          c.Tools.Enabled,
		"tools.command_timeout":  c.Tools.CommandTimeout.String(),
		"tools.max_output_bytes": c.Tools.MaxOutputBytes,
	}
}

func isNotFound(err error) bool {
	var nf viper.ConfigFileNotFoundError
	return errors.As(err, &nf)
}
