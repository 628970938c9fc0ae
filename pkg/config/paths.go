package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// BaseSettingsDir returns the directory holding the settings file, the log
// file, and the conversation store.
func BaseSettingsDir() string {
	// Explicit override, used by tests.
	if configPath := viper.GetString("config.path"); configPath != "" {
		return configPath
	}

	if currentConfig := viper.ConfigFileUsed(); currentConfig != "" {
		return filepath.Dir(currentConfig)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ".guide"
	}
	return filepath.Join(home, ".guide")
}

// BuildSettingsPath joins target onto the settings directory.
func BuildSettingsPath(target string) string {
	return filepath.Join(BaseSettingsDir(), target)
}
