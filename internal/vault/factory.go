package vault

import (
	"fmt"
	"log/slog"

	"recov-go/internal/config"
	"recov-go/internal/recov"
)

// NewVaultFromConfig creates a Vault implementation based on the vault config type.
// logger is only used by backends with their own internal logging (badger).
func NewVaultFromConfig(cfg config.VaultConfig, logger *slog.Logger) (recov.Vault, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryVault(cfg.Name), nil
	case "s3":
		v, err := NewS3Vault(cfg)
		if err != nil {
			return nil, err
		}
		return v, nil
	case "filesystem":
		if cfg.FSVaultRoot == "" {
			return nil, fmt.Errorf("filesystem vault requires fs_vault_root to be set")
		}
		v, err := NewFileSystemVault(cfg.Name, cfg.FSVaultRoot)
		if err != nil {
			return nil, err
		}
		return v, nil
	case "badger":
		if cfg.BadgerDir == "" {
			return nil, fmt.Errorf("badger vault requires badger_dir to be set")
		}
		v, err := NewBadgerVault(cfg.Name, cfg.BadgerDir, logger)
		if err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown vault type: %s", cfg.Type)
	}
}
