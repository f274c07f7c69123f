package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Environment variables read by the CLI.
const (
	EnvConfigPath = "RECOV_CONFIG_PATH"
	EnvHome       = "RECOV_HOME"
	EnvPassphrase = "RECOV_PASSPHRASE"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - RECOV_CONFIG_PATH: config file location (default: ~/.config/recov.toml)
//   - RECOV_HOME: base directory for recov data (default: ~/.local/share/recov)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// PassphraseFromEnv returns RECOV_PASSPHRASE and whether it was set at all.
// An empty but set value selects an unwrapped private key.
func PassphraseFromEnv() (string, bool) {
	return os.LookupEnv(EnvPassphrase)
}

func getConfigPath() (string, error) {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "recov.toml"), nil
}

// getBaseDir follows the XDG data directory layout unless RECOV_HOME is set.
func getBaseDir() (string, error) {
	if path := os.Getenv(EnvHome); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "recov"), nil
}
