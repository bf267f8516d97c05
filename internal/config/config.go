// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/keygate/keygate/internal/domain"
)

const envPrefix = "KEYGATE__"

const configTemplate = `# keygate configuration
# Keys can also be set via environment variables with the KEYGATE__ prefix,
# e.g. KEYGATE__PORT=7337 or KEYGATE__WEBHOOK_URL=https://...

# Address the HTTP server binds to.
host = "localhost"
port = 7337

# Log level: TRACE, DEBUG, INFO, WARN, ERROR.
# Reloaded live when this file changes.
logLevel = "INFO"

# Optional log file path. Empty logs to stderr.
#logPath = ""

# Directory for the sqlite database. Defaults to the config directory.
#dataDir = ""

# Optional Discord-compatible webhook notified after each validation.
# Best effort: delivery failures never affect validation responses.
#webhookUrl = ""
`

// AppConfig wraps the parsed configuration and its viper instance
type AppConfig struct {
	Config *domain.Config

	viper      *viper.Viper
	configPath string
	dataDir    string
}

// New loads configuration from the given path, creating a default config
// file if none exists. An empty path uses the OS-specific default location.
func New(configPath string) (*AppConfig, error) {
	c := &AppConfig{
		viper:  viper.New(),
		Config: &domain.Config{},
	}

	c.defaults()

	if err := c.load(configPath); err != nil {
		return nil, err
	}

	if err := c.viper.Unmarshal(c.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	c.applyEnvOverrides()

	return c, nil
}

func (c *AppConfig) defaults() {
	c.viper.SetDefault("host", "localhost")
	c.viper.SetDefault("port", 7337)
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("logPath", "")
	c.viper.SetDefault("webhookUrl", "")
	c.viper.SetDefault("httpTimeouts.readTimeout", 60)
	c.viper.SetDefault("httpTimeouts.writeTimeout", 120)
	c.viper.SetDefault("httpTimeouts.idleTimeout", 180)
	c.viper.SetDefault("store.operationTimeout", 10)
}

func (c *AppConfig) load(configPath string) error {
	c.viper.SetConfigType("toml")

	if configPath != "" {
		if strings.HasSuffix(strings.ToLower(configPath), ".toml") {
			c.configPath = configPath
		} else if info, err := os.Stat(configPath); err == nil && !info.IsDir() {
			c.configPath = configPath
		} else {
			c.configPath = filepath.Join(configPath, "config.toml")
		}
	} else {
		c.configPath = filepath.Join(GetDefaultConfigDir(), "config.toml")
	}

	if _, err := os.Stat(c.configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(c.configPath); err != nil {
			return err
		}
		log.Info().Str("path", c.configPath).Msg("Created default config file")
	}

	c.viper.SetConfigFile(c.configPath)

	if err := c.viper.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", c.configPath, err)
	}

	return nil
}

// applyEnvOverrides maps KEYGATE__ environment variables onto the config.
// viper's automatic env handling does not cover nested keys reliably, so
// the handful of supported overrides are explicit.
func (c *AppConfig) applyEnvOverrides() {
	if v := os.Getenv(envPrefix + "HOST"); v != "" {
		c.Config.Host = v
	}
	if v := os.Getenv(envPrefix + "PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			c.Config.Port = port
		}
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		c.Config.LogLevel = v
	}
	if v := os.Getenv(envPrefix + "LOG_PATH"); v != "" {
		c.Config.LogPath = v
	}
	if v := os.Getenv(envPrefix + "DATA_DIR"); v != "" {
		c.Config.DataDir = v
	}
	if v := os.Getenv(envPrefix + "WEBHOOK_URL"); v != "" {
		c.Config.WebhookURL = v
	}
}

// GetDefaultConfigDir returns the OS-specific default config directory
func GetDefaultConfigDir() string {
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "keygate")
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "keygate")
	}

	return "."
}

// WriteDefaultConfig writes the default config template to the given path
func WriteDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// SetDataDir overrides the data directory, e.g. from a CLI flag
func (c *AppConfig) SetDataDir(dir string) {
	c.dataDir = dir
}

// GetDatabasePath returns the sqlite database path: explicit data dir first,
// then the config file's dataDir, then next to the config file.
func (c *AppConfig) GetDatabasePath() string {
	if c.dataDir != "" {
		return filepath.Join(c.dataDir, "keygate.db")
	}
	if c.Config.DataDir != "" {
		return filepath.Join(c.Config.DataDir, "keygate.db")
	}
	return filepath.Join(filepath.Dir(c.configPath), "keygate.db")
}

// ApplyLogConfig configures the global zerolog logger from the config
func (c *AppConfig) ApplyLogConfig() {
	level := parseLogLevel(c.Config.LogLevel)
	zerolog.SetGlobalLevel(level)

	if c.Config.LogPath != "" {
		f, err := os.OpenFile(c.Config.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			log.Error().Err(err).Str("path", c.Config.LogPath).Msg("Failed to open log file, logging to stderr")
			return
		}
		log.Logger = log.Output(f)
	}
}

// WatchConfig reloads the log level when the config file changes on disk
func (c *AppConfig) WatchConfig() {
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		if err := c.viper.ReadInConfig(); err != nil {
			log.Error().Err(err).Msg("Failed to re-read config file")
			return
		}

		newLevel := c.viper.GetString("logLevel")
		if newLevel != c.Config.LogLevel {
			c.Config.LogLevel = newLevel
			zerolog.SetGlobalLevel(parseLogLevel(newLevel))
			log.Info().Str("logLevel", newLevel).Msg("Log level updated from config file")
		}
	})
	c.viper.WatchConfig()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToUpper(level) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
