package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Backend     string            `mapstructure:"backend"`
	Cloud       CloudConfig       `mapstructure:"cloud"`
	Copilot     CopilotConfig     `mapstructure:"copilot"`
	Ollama      OllamaConfig      `mapstructure:"ollama"`
	Compression CompressionConfig `mapstructure:"compression"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Session     SessionConfig     `mapstructure:"session"`
}

// CloudConfig configures the cloud assistant backend
type CloudConfig struct {
	Model       string `mapstructure:"model"`
	Credentials string `mapstructure:"credentials"` // Override path to OAuth credentials file
}

// CopilotConfig configures the code-assistant backend
type CopilotConfig struct {
	Model       string `mapstructure:"model"`
	Credentials string `mapstructure:"credentials"` // Override path to device-flow token file
}

// OllamaConfig configures the local model server backend
type OllamaConfig struct {
	BaseURL string `mapstructure:"base_url"` // Default: http://localhost:11434
	Model   string `mapstructure:"model"`
}

// CompressionConfig tunes history compression. Zero values fall back to the
// built-in defaults.
type CompressionConfig struct {
	Threshold float64 `mapstructure:"threshold"` // Fraction of the model limit that triggers compression
	Preserve  float64 `mapstructure:"preserve"`  // Fraction of recent history kept verbatim
}

// RetryConfig tunes the retry executor for transient backend failures
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// SessionConfig configures conversation persistence
type SessionConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"` // Override default database location
}

func Load() (*Config, error) {
	configPath, err := GetConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")

	// Set defaults
	v.SetDefault("backend", "ollama")
	v.SetDefault("cloud.model", "gemini-2.5-flash")
	v.SetDefault("copilot.model", "gpt-4o")
	v.SetDefault("ollama.base_url", "http://localhost:11434")
	v.SetDefault("ollama.model", "llama3.1")
	v.SetDefault("compression.threshold", 0.5)
	v.SetDefault("compression.preserve", 0.3)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.max_delay", "30s")
	v.SetDefault("session.enabled", true)

	// Read config file (optional - won't error if missing)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Cloud.Credentials = expandEnv(cfg.Cloud.Credentials)
	cfg.Copilot.Credentials = expandEnv(cfg.Copilot.Credentials)
	cfg.Ollama.BaseURL = expandEnv(cfg.Ollama.BaseURL)
	cfg.Session.Path = expandEnv(cfg.Session.Path)

	return &cfg, nil
}

// ApplyOverrides applies backend and model overrides to the config.
// If backend is non-empty, it overrides the global backend.
// If model is non-empty, it overrides the model for the active backend.
func (c *Config) ApplyOverrides(backend, model string) {
	if backend != "" {
		c.Backend = backend
	}
	if model != "" {
		switch c.Backend {
		case "cloud":
			c.Cloud.Model = model
		case "copilot":
			c.Copilot.Model = model
		case "ollama":
			c.Ollama.Model = model
		}
	}
}

// Model returns the configured model for the active backend.
func (c *Config) Model() string {
	switch c.Backend {
	case "cloud":
		return c.Cloud.Model
	case "copilot":
		return c.Copilot.Model
	case "ollama":
		return c.Ollama.Model
	}
	return ""
}

// expandEnv expands ${VAR} or $VAR in a string
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		varName := s[2 : len(s)-1]
		return os.Getenv(varName)
	}
	if strings.HasPrefix(s, "$") {
		return os.Getenv(s[1:])
	}
	return s
}

// GetConfigDir returns the XDG config directory for deskchat.
// Uses $XDG_CONFIG_HOME if set, otherwise ~/.config
func GetConfigDir() (string, error) {
	if xdgHome := os.Getenv("XDG_CONFIG_HOME"); xdgHome != "" {
		return filepath.Join(xdgHome, "deskchat"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", "deskchat"), nil
}

// GetConfigPath returns the path where the config file should be located
func GetConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

// GetDataDir returns the XDG data directory for deskchat.
// Uses $XDG_DATA_HOME if set, otherwise ~/.local/share
func GetDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "deskchat")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "deskchat-data"
	}
	return filepath.Join(homeDir, ".local", "share", "deskchat")
}

// SessionDBPath returns the location of the session database.
func (c *Config) SessionDBPath() string {
	if c.Session.Path != "" {
		return c.Session.Path
	}
	return filepath.Join(GetDataDir(), "sessions.db")
}

// Exists returns true if a config file exists
func Exists() bool {
	path, err := GetConfigPath()
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Save writes a starter config to disk
func Save(cfg *Config) error {
	path, err := GetConfigPath()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := fmt.Sprintf(`backend: %s

cloud:
  model: %s
  # credentials: override path to OAuth credentials JSON

copilot:
  model: %s

ollama:
  base_url: %s
  model: %s

compression:
  threshold: %.2f
  preserve: %.2f

retry:
  max_attempts: %d
  base_delay: %s
  max_delay: %s

session:
  enabled: %t
`, cfg.Backend, cfg.Cloud.Model, cfg.Copilot.Model, cfg.Ollama.BaseURL, cfg.Ollama.Model,
		cfg.Compression.Threshold, cfg.Compression.Preserve,
		cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay, cfg.Retry.MaxDelay, cfg.Session.Enabled)

	return os.WriteFile(path, []byte(content), 0600)
}
