package config

import (
	"os"
	"path/filepath"
)

// BasePath returns the root directory for sleepless configuration.
// It uses $SLEEPLESS_PATH if set, otherwise defaults to ~/.sleepless.
func BasePath() string {
	if v := os.Getenv("SLEEPLESS_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".sleepless")
	}
	return filepath.Join(home, ".sleepless")
}

// ConfigPath returns the path to the config file.
func ConfigPath() string {
	return filepath.Join(BasePath(), "config.jsonc")
}

// DotenvPath returns the path to the .env file.
func DotenvPath() string {
	return filepath.Join(BasePath(), ".env")
}
