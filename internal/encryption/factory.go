package encryption

import (
	"fmt"
	"path/filepath"

	"recov-go/internal/config"
	"recov-go/internal/recov"
)

// NewEncryptorFromConfig selects the Encryptor named by cfg.Type. An empty
// type means age.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (recov.Encryptor, error) {
	switch cfg.Type {
	case "", "age":
		if cfg.PublicKeyPath == "" || cfg.PrivateKeyPath == "" {
			return nil, fmt.Errorf("age encryption needs public_key_path and private_key_path")
		}
		if filepath.Clean(cfg.PublicKeyPath) == filepath.Clean(cfg.PrivateKeyPath) {
			return nil, fmt.Errorf("public and private key paths must differ: %s", cfg.PublicKeyPath)
		}
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewTestEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
