package testutil

import (
	"testing"

	"recov-go/internal/database"
	"recov-go/internal/encryption"
	"recov-go/internal/recov"
	"recov-go/internal/staging"
	"recov-go/internal/vault"
)

// StagingLimit caps the staging areas handed out by NewTestStagingArea.
const StagingLimit = 10 << 20

// NewTestDatabase opens a migrated in-memory catalog that is closed when t ends.
func NewTestDatabase(t testing.TB) *database.SQLiteDatabase {
	t.Helper()

	db, err := database.NewSQLiteDatabase(":memory:")
	if err != nil {
		t.Fatalf("opening catalog: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func NewTestVault() *vault.MemoryVault {
	return vault.NewMemoryVault("memory")
}

func NewTestStagingArea() recov.StagingArea {
	return NewTestStagingAreaWithSize(StagingLimit)
}

// NewTestStagingAreaWithSize is for tests that need staging to fill up.
func NewTestStagingAreaWithSize(limit int64) recov.StagingArea {
	return staging.NewMemoryStagingArea(limit)
}

func NewTestEncryptor() *encryption.TestEncryptor {
	return encryption.NewTestEncryptor()
}
