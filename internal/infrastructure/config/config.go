package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the application configuration.
type Config struct {
	Database  DatabaseConfig `mapstructure:"database"`
	Log       LogConfig      `mapstructure:"log"`
	Defaults  DefaultsConfig `mapstructure:"defaults"`
	Models    ModelsConfig   `mapstructure:"models"`
	Providers []ProviderSeed `mapstructure:"providers"`
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	Type string `mapstructure:"type"` // sqlite, postgres, memory
	DSN  string `mapstructure:"dsn"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// DefaultsConfig seeds app settings on first run.
type DefaultsConfig struct {
	Provider string `mapstructure:"provider"` // provider id or name
	Thinking bool   `mapstructure:"thinking"`
}

// ModelsConfig configures the on-device model store.
type ModelsConfig struct {
	Dir string `mapstructure:"dir"`
}

// ProviderSeed declares a provider in the config file. Seeds are merged into
// the provider store at startup and on config reload; providers created
// interactively are never touched by seeding.
type ProviderSeed struct {
	ID           string            `mapstructure:"id"`
	Name         string            `mapstructure:"name"`
	Kind         string            `mapstructure:"kind"` // openai, openai-compatible, anthropic, ollama, local
	BaseURL      string            `mapstructure:"base_url"`
	APIKey       string            `mapstructure:"api_key"`
	DefaultModel string            `mapstructure:"default_model"`
	Headers      map[string]string `mapstructure:"headers"`
	Enabled      *bool             `mapstructure:"enabled"` // nil = true
}

// GlobalDir returns the per-user config directory.
func GlobalDir() string {
	return filepath.Join(os.Getenv("HOME"), ".quill")
}

// Load reads layered configuration.
//
// Priority (low → high): defaults → global ~/.quill/config.yaml →
// project-local config.yaml → QUILL_* environment variables.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Layer 1: global config (API keys, providers)
	v.AddConfigPath(GlobalDir())
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read global config: %w", err)
		}
	}

	// Layer 2: project-local overlay; first match wins
	if localPath := LocalConfigPath(); localPath != "" {
		v2 := viper.New()
		v2.SetConfigFile(localPath)
		if err := v2.ReadInConfig(); err == nil {
			_ = v.MergeConfigMap(v2.AllSettings())
		}
	}

	// Layer 3: environment overrides (QUILL_LOG_LEVEL → log.level)
	v.SetEnvPrefix("QUILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// LocalConfigPath returns the project-local config file, or "" when none
// exists.
func LocalConfigPath() string {
	for _, dir := range []string{"./config", "."} {
		path := filepath.Join(dir, "config.yaml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// GlobalConfigPath returns the global config file, or "" when none exists.
func GlobalConfigPath() string {
	path := filepath.Join(GlobalDir(), "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return path
	}
	return ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", filepath.Join(GlobalDir(), "quill.db"))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("models.dir", filepath.Join(GlobalDir(), "models"))

	v.SetDefault("defaults.thinking", false)
}
