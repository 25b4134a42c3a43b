package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadEnv loads variables from path (typically ".env") without overriding
// ones already set. A missing file is not an error.
func LoadEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - SYNCR_CONFIG_PATH: config file location (default: ~/.config/syncr.toml)
//   - SYNCR_HOME: base directory for syncr data (default: ~/.local/share/syncr)
func GetDefaults() (map[string]string, error) {
	configPath, err := envOrHome("SYNCR_CONFIG_PATH", ".config", "syncr.toml")
	if err != nil {
		return nil, err
	}
	baseDir, err := envOrHome("SYNCR_HOME", ".local", "share", "syncr")
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

func envOrHome(key string, elem ...string) (string, error) {
	if v := os.Getenv(key); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(append([]string{home}, elem...)...), nil
}
