package testutil

import (
	"bytes"
	"testing"

	"recov-go/internal/database"
	"recov-go/internal/encryption"
	"recov-go/internal/keystore"
	"recov-go/internal/recov"
	"recov-go/internal/vault"
)

// Harness bundles a Service with the in-memory collaborators behind it so
// tests can inspect and tamper with them.
type Harness struct {
	Service   *recov.Service
	DB        *database.SQLiteDatabase
	Vault     *vault.MemoryVault
	Staging   recov.StagingArea
	FS        *FaultyFilesystem
	Encryptor *encryption.TestEncryptor
	KeyStore  *keystore.MemoryKeyStore
	Clock     *StubClock
}

// NewHarness builds a Service over an in-memory database, vault, staging
// area and key store, the real filesystem, and a fixed clock. opts can
// adjust the dependencies before the Service is constructed.
func NewHarness(t *testing.T, opts ...func(*recov.Dependencies)) *Harness {
	t.Helper()

	h := &Harness{
		DB:        NewTestDatabase(t),
		Vault:     NewTestVault(),
		Staging:   NewTestStagingArea(),
		FS:        NewFaultyFilesystem(),
		Encryptor: NewTestEncryptor(),
		KeyStore:  keystore.NewMemoryKeyStore(bytes.Repeat([]byte{0x42}, 32)),
		Clock:     FixedClock(),
	}

	deps := recov.Dependencies{
		Database:   h.DB,
		Vault:      h.Vault,
		Staging:    h.Staging,
		Filesystem: h.FS,
		Encryptor:  h.Encryptor,
		KeyStore:   h.KeyStore,
		Clock:      h.Clock,
		IDGen:      NewSequentialIDs("tok"),
	}
	for _, opt := range opts {
		opt(&deps)
	}

	h.Service = recov.NewService(deps)
	return h
}
