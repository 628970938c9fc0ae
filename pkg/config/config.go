// Package config loads and exposes the application configuration via viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Chat    ChatConfig    `mapstructure:"chat"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds the AI-guide endpoint configuration.
type ServerConfig struct {
	URL         string        `mapstructure:"url"`
	PingTimeout time.Duration `mapstructure:"ping_timeout"`
}

// ChatConfig holds per-turn chat behavior.
type ChatConfig struct {
	TopK              int           `mapstructure:"top_k"`
	Debug             bool          `mapstructure:"debug"`
	FirstTokenTimeout time.Duration `mapstructure:"first_token_timeout"`
	HardTimeout       time.Duration `mapstructure:"hard_timeout"`
}

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	LogFile  string `mapstructure:"log_file"`
	Preserve bool   `mapstructure:"preserve"`
}

var (
	mu       sync.Mutex
	settings *Config
)

// Init reads configuration from the given file (or the default search
// paths), applies defaults and environment overrides, and caches the result
// for Get.
func Init(cfgFile string) error {
	mu.Lock()
	defer mu.Unlock()

	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("settings")
		viper.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".guide"))
		}
		viper.AddConfigPath(".guide")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("GUIDE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env cover everything.
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	settings = cfg
	return nil
}

func setDefaults() {
	viper.SetDefault("server.url", "http://localhost:8000")
	viper.SetDefault("server.ping_timeout", "3s")
	viper.SetDefault("chat.top_k", 5)
	viper.SetDefault("chat.debug", false)
	viper.SetDefault("chat.first_token_timeout", "6s")
	viper.SetDefault("chat.hard_timeout", "45s")
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.log_file", "guide.log")
	viper.SetDefault("logging.preserve", false)
}

// Get returns the cached configuration, loading defaults if Init was never
// called (useful in tests).
func Get() *Config {
	mu.Lock()
	defer mu.Unlock()

	if settings == nil {
		setDefaults()
		cfg := &Config{}
		if err := viper.Unmarshal(cfg); err != nil {
			cfg = &Config{}
		}
		settings = cfg
	}
	return settings
}

// Reset clears the cached configuration. Intended for tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	settings = nil
	viper.Reset()
}
