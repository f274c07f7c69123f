package model

import (
	"database/sql"
	"time"
)

// ChangeStatus classifies a manifest entry relative to the previous version
// of the same backup.
type ChangeStatus string

const (
	StatusAdded     ChangeStatus = "added"
	StatusModified  ChangeStatus = "modified"
	StatusUnchanged ChangeStatus = "unchanged"
	StatusDeleted   ChangeStatus = "deleted"
)

// Backup is one immutable version of a named backup.
// Only the soft-delete fields change after creation.
type Backup struct {
	ID               int64
	Name             string
	SourcePaths      []string
	CreatedAt        time.Time
	Encrypted        bool
	Compressed       bool
	Incremental      bool
	FileCount        int64
	TotalSize        int64
	ManifestRef      string        // vault key of the manifest document
	ManifestDigest   string        // fingerprint of the live entries
	PreviousBackupID sql.NullInt64 // explicit lineage
	Deleted          bool
	DeletedAt        sql.NullTime
}

// ManifestEntry describes one file within a Backup.
type ManifestEntry struct {
	BackupID     int64        `json:"-"`
	RelativePath string       `json:"path"`
	ContentHash  string       `json:"hash"`
	SizeBytes    int64        `json:"size"`
	ModifiedAt   time.Time    `json:"mtime"`
	Mode         uint32       `json:"mode"`
	ChangeStatus ChangeStatus `json:"status"`
	ObjectKey    string       `json:"object,omitempty"` // empty for deleted entries
	StoredSize   int64        `json:"stored_size,omitempty"`
	Encrypted    bool         `json:"encrypted,omitempty"`
	Compressed   bool         `json:"compressed,omitempty"`
}

// Live reports whether the entry is part of the backup's content.
func (e *ManifestEntry) Live() bool {
	return e.ChangeStatus != StatusDeleted
}

// FileCheckStatus is the outcome of verifying one manifest entry.
type FileCheckStatus string

const (
	CheckValid   FileCheckStatus = "valid"
	CheckInvalid FileCheckStatus = "invalid"
	CheckMissing FileCheckStatus = "missing"
)

// FileVerification is the per-file outcome of a VerificationRun.
type FileVerification struct {
	Path    string          `json:"path"`
	Status  FileCheckStatus `json:"status"`
	Message string          `json:"message,omitempty"`
}

// ScanFinding is a threat reported by the malware scanner.
type ScanFinding struct {
	Path   string `json:"path"`
	Threat string `json:"threat"`
}

// ScanSummary aggregates malware scan outcomes for a verification run.
// Skipped counts files not scanned because no scanner was available.
type ScanSummary struct {
	Scanned  int           `json:"scanned"`
	Clean    int           `json:"clean"`
	Threats  int           `json:"threats"`
	Errors   int           `json:"errors"`
	Skipped  int           `json:"skipped"`
	Findings []ScanFinding `json:"findings,omitempty"`
}

// VerificationRun is an append-only record of one integrity check.
type VerificationRun struct {
	ID           int64
	BackupID     int64
	RunAt        time.Time
	FilesChecked int
	FilesValid   int
	FilesInvalid int
	FilesMissing int
	Results      []FileVerification
	VirusScan    *ScanSummary
}

// RecoveryToken is the stored side of an issued capability token.
type RecoveryToken struct {
	TokenID             string
	Type                string
	ResourceID          string
	ResourceName        string
	IssuedAt            time.Time
	ExpiresAt           sql.NullTime // invalid = permanent
	OneTimeUse          bool
	Used                bool
	UsedAt              sql.NullTime
	ResourceFingerprint string
	Metadata            map[string]any
}

// Permanent reports whether the token never expires on its own.
func (t *RecoveryToken) Permanent() bool {
	return !t.ExpiresAt.Valid
}

// Operation records a mutating CLI command.
type Operation struct {
	ID         int64
	StartedAt  time.Time
	FinishedAt sql.NullTime
	Operation  string
	Parameters string
	Status     string
}
