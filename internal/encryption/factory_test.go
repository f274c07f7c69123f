package encryption

import (
	"testing"

	"recov-go/internal/config"
)

func TestNewEncryptorFromConfig(t *testing.T) {
	keys := func(typ, pub, priv string) config.EncryptionConfig {
		return config.EncryptionConfig{Type: typ, PublicKeyPath: pub, PrivateKeyPath: priv}
	}

	tests := []struct {
		name    string
		cfg     config.EncryptionConfig
		want    string
		wantErr bool
	}{
		{name: "default is age", cfg: keys("", "/k/recov.pub", "/k/recov.key"), want: "age"},
		{name: "age", cfg: keys("age", "/k/recov.pub", "/k/recov.key"), want: "age"},
		{name: "age without key paths", cfg: keys("age", "", ""), wantErr: true},
		{name: "age without private key", cfg: keys("age", "/k/recov.pub", ""), wantErr: true},
		{name: "age with one file for both keys", cfg: keys("age", "/k/recov", "/k/../k/recov"), wantErr: true},
		{name: "test ignores key paths", cfg: keys("test", "", ""), want: "test"},
		{name: "unknown", cfg: keys("rot13", "", ""), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewEncryptorFromConfig(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewEncryptorFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if got != nil {
					t.Errorf("NewEncryptorFromConfig() = %T alongside an error, want nil", got)
				}
				return
			}
			switch got.(type) {
			case *AgeEncryptor:
				if tt.want != "age" {
					t.Errorf("got %T, want %s", got, tt.want)
				}
			case *TestEncryptor:
				if tt.want != "test" {
					t.Errorf("got %T, want %s", got, tt.want)
				}
			default:
				t.Errorf("unexpected encryptor %T", got)
			}
		})
	}
}
