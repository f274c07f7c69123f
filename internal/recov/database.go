package recov

import (
	"time"

	"recov-go/internal/model"
)

// Database provides an interface for the manifest store.
// Lookups return nil with no error when the record does not exist.
type Database interface {
	// Backup operations

	// CreateBackup inserts the backup and all of its manifest entries in a
	// single transaction and returns the assigned backup ID.
	CreateBackup(backup *model.Backup, entries []*model.ManifestEntry) (int64, error)

	// FindBackupByID returns a backup, including soft-deleted ones.
	FindBackupByID(id int64) (*model.Backup, error)

	// FindLatestBackupByName returns the newest backup with the given name
	// that has not been deleted.
	FindLatestBackupByName(name string) (*model.Backup, error)

	// ListBackups returns backups ordered by ID.
	ListBackups(includeDeleted bool) ([]*model.Backup, error)

	// FindManifestEntries returns the entries of a backup ordered by relative path.
	FindManifestEntries(backupID int64) ([]*model.ManifestEntry, error)

	// MarkBackupDeleted sets the soft-delete flag.
	MarkBackupDeleted(id int64, at time.Time) error

	// FindUnreferencedObjects returns the object keys referenced by backupID
	// that no other live backup references.
	FindUnreferencedObjects(backupID int64) ([]string, error)

	// Verification history

	// CreateVerificationRun appends a verification run and sets its ID.
	CreateVerificationRun(run *model.VerificationRun) error

	// ListVerificationRuns returns the newest runs for a backup first.
	ListVerificationRuns(backupID int64, limit int) ([]*model.VerificationRun, error)

	// Recovery tokens

	// CreateRecoveryToken stores a newly issued token.
	CreateRecoveryToken(token *model.RecoveryToken) error

	// FindRecoveryToken returns a token by ID.
	FindRecoveryToken(tokenID string) (*model.RecoveryToken, error)

	// ConsumeRecoveryToken atomically marks an unused token as used.
	// Returns false if the token was already used or does not exist.
	ConsumeRecoveryToken(tokenID string, at time.Time) (bool, error)

	// ListRecoveryTokens returns the most recently issued tokens first.
	ListRecoveryTokens(limit int) ([]*model.RecoveryToken, error)

	// DeleteExpiredRecoveryTokens removes non-permanent tokens that expired
	// before now and returns how many were removed.
	DeleteExpiredRecoveryTokens(now time.Time) (int64, error)

	// DeleteRecoveryToken removes a token. Returns false if it did not exist.
	DeleteRecoveryToken(tokenID string) (bool, error)

	// Operation log

	CreateOperation(operation string, parameters string, startedAt time.Time) (*model.Operation, error)
	FinishOperation(id int64, status string, finishedAt time.Time) error
	ListOperations(limit int) ([]*model.Operation, error)
	MaxOperationID() (int64, error)

	// Maintenance

	// CheckMigrations verifies the schema is at the version this binary expects.
	CheckMigrations() error

	// BackupTo writes a consistent snapshot of the database to destPath.
	BackupTo(destPath string) error

	// Close closes the database connection.
	Close() error
}
