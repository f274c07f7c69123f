package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"recov-go/internal/database/migrations"
	"recov-go/internal/model"
	"recov-go/internal/recov"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase implements the manifest store using SQLite.
type SQLiteDatabase struct {
	db   *sql.DB
	path string
}

// Compile-time check that SQLiteDatabase implements recov.Database interface
var _ recov.Database = (*SQLiteDatabase)(nil)

// NewSQLiteDatabase opens the database at path, applying pending migrations.
// path can be a file path or ":memory:" for an in-memory database.
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return &SQLiteDatabase{db: db, path: path}, nil
}

// NewSQLiteDatabaseFromDB wraps an existing, already migrated connection.
func NewSQLiteDatabaseFromDB(db *sql.DB) *SQLiteDatabase {
	return &SQLiteDatabase{db: db}
}

// OpenConnection opens and configures a SQLite connection.
// The pool is limited to one connection: SQLite has a single writer, and an
// in-memory database exists only on the connection that created it.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}
	return db, nil
}

// Backup operations

const backupColumns = `id, name, source_paths, created_at, encrypted, compressed, incremental,
	file_count, total_size, manifest_ref, manifest_digest, previous_backup_id, deleted, deleted_at`

func (s *SQLiteDatabase) CreateBackup(backup *model.Backup, entries []*model.ManifestEntry) (int64, error) {
	ctx := context.Background()

	sources, err := json.Marshal(backup.SourcePaths)
	if err != nil {
		return 0, fmt.Errorf("encoding source paths: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() // no-op after commit

	res, err := tx.ExecContext(ctx, `INSERT INTO backups
		(name, source_paths, created_at, encrypted, compressed, incremental,
		 file_count, total_size, manifest_ref, manifest_digest, previous_backup_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		backup.Name, string(sources), backup.CreatedAt.UTC(), backup.Encrypted, backup.Compressed, backup.Incremental,
		backup.FileCount, backup.TotalSize, backup.ManifestRef, backup.ManifestDigest, backup.PreviousBackupID)
	if err != nil {
		return 0, fmt.Errorf("inserting backup: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading backup id: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO manifest_entries
		(backup_id, relative_path, content_hash, size_bytes, modified_at, mode,
		 change_status, object_key, stored_size, encrypted, compressed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("preparing entry insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		_, err := stmt.ExecContext(ctx, id, e.RelativePath, e.ContentHash, e.SizeBytes, e.ModifiedAt.UTC(), e.Mode,
			string(e.ChangeStatus), e.ObjectKey, e.StoredSize, e.Encrypted, e.Compressed)
		if err != nil {
			return 0, fmt.Errorf("inserting entry %s: %w", e.RelativePath, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing backup: %w", err)
	}

	backup.ID = id
	for _, e := range entries {
		e.BackupID = id
	}
	return id, nil
}

func (s *SQLiteDatabase) FindBackupByID(id int64) (*model.Backup, error) {
	row := s.db.QueryRow(`SELECT `+backupColumns+` FROM backups WHERE id = ?`, id)
	b, err := scanBackup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, fmt.Errorf("finding backup by id: %w", err)
	}
	return b, nil
}

func (s *SQLiteDatabase) FindLatestBackupByName(name string) (*model.Backup, error) {
	row := s.db.QueryRow(`SELECT `+backupColumns+` FROM backups
		WHERE name = ? AND deleted = 0 ORDER BY id DESC LIMIT 1`, name)
	b, err := scanBackup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding latest backup: %w", err)
	}
	return b, nil
}

func (s *SQLiteDatabase) ListBackups(includeDeleted bool) ([]*model.Backup, error) {
	query := `SELECT ` + backupColumns + ` FROM backups`
	if !includeDeleted {
		query += ` WHERE deleted = 0`
	}
	query += ` ORDER BY id`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("listing backups: %w", err)
	}
	defer rows.Close()

	var result []*model.Backup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning backup: %w", err)
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func (s *SQLiteDatabase) FindManifestEntries(backupID int64) ([]*model.ManifestEntry, error) {
	rows, err := s.db.Query(`SELECT backup_id, relative_path, content_hash, size_bytes, modified_at, mode,
		change_status, object_key, stored_size, encrypted, compressed
		FROM manifest_entries WHERE backup_id = ? ORDER BY relative_path`, backupID)
	if err != nil {
		return nil, fmt.Errorf("finding manifest entries: %w", err)
	}
	defer rows.Close()

	var result []*model.ManifestEntry
	for rows.Next() {
		var e model.ManifestEntry
		var status string
		if err := rows.Scan(&e.BackupID, &e.RelativePath, &e.ContentHash, &e.SizeBytes, &e.ModifiedAt, &e.Mode,
			&status, &e.ObjectKey, &e.StoredSize, &e.Encrypted, &e.Compressed); err != nil {
			return nil, fmt.Errorf("scanning manifest entry: %w", err)
		}
		e.ChangeStatus = model.ChangeStatus(status)
		result = append(result, &e)
	}
	return result, rows.Err()
}

func (s *SQLiteDatabase) MarkBackupDeleted(id int64, at time.Time) error {
	res, err := s.db.Exec(`UPDATE backups SET deleted = 1, deleted_at = ? WHERE id = ? AND deleted = 0`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("marking backup deleted: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("backup %d not found or already deleted", id)
	}
	return nil
}

func (s *SQLiteDatabase) FindUnreferencedObjects(backupID int64) ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT object_key FROM manifest_entries
		WHERE backup_id = ? AND object_key != ''
		AND object_key NOT IN (
			SELECT m.object_key FROM manifest_entries m
			JOIN backups b ON b.id = m.backup_id
			WHERE b.deleted = 0 AND m.backup_id != ? AND m.object_key != ''
		)
		ORDER BY object_key`, backupID, backupID)
	if err != nil {
		return nil, fmt.Errorf("finding unreferenced objects: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scanning object key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Verification history

func (s *SQLiteDatabase) CreateVerificationRun(run *model.VerificationRun) error {
	results, err := json.Marshal(run.Results)
	if err != nil {
		return fmt.Errorf("encoding results: %w", err)
	}
	var scan sql.NullString
	if run.VirusScan != nil {
		data, err := json.Marshal(run.VirusScan)
		if err != nil {
			return fmt.Errorf("encoding scan summary: %w", err)
		}
		scan = sql.NullString{String: string(data), Valid: true}
	}

	res, err := s.db.Exec(`INSERT INTO verification_runs
		(backup_id, run_at, files_checked, files_valid, files_invalid, files_missing, results, virus_scan)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.BackupID, run.RunAt.UTC(), run.FilesChecked, run.FilesValid, run.FilesInvalid, run.FilesMissing,
		string(results), scan)
	if err != nil {
		return fmt.Errorf("inserting verification run: %w", err)
	}
	if run.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("reading verification run id: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) ListVerificationRuns(backupID int64, limit int) ([]*model.VerificationRun, error) {
	rows, err := s.db.Query(`SELECT id, backup_id, run_at, files_checked, files_valid, files_invalid,
		files_missing, results, virus_scan
		FROM verification_runs WHERE backup_id = ? ORDER BY id DESC LIMIT ?`, backupID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing verification runs: %w", err)
	}
	defer rows.Close()

	var result []*model.VerificationRun
	for rows.Next() {
		var r model.VerificationRun
		var results string
		var scan sql.NullString
		if err := rows.Scan(&r.ID, &r.BackupID, &r.RunAt, &r.FilesChecked, &r.FilesValid, &r.FilesInvalid,
			&r.FilesMissing, &results, &scan); err != nil {
			return nil, fmt.Errorf("scanning verification run: %w", err)
		}
		if err := json.Unmarshal([]byte(results), &r.Results); err != nil {
			return nil, fmt.Errorf("decoding results of run %d: %w", r.ID, err)
		}
		if scan.Valid {
			r.VirusScan = &model.ScanSummary{}
			if err := json.Unmarshal([]byte(scan.String), r.VirusScan); err != nil {
				return nil, fmt.Errorf("decoding scan summary of run %d: %w", r.ID, err)
			}
		}
		result = append(result, &r)
	}
	return result, rows.Err()
}

// Recovery tokens

const tokenColumns = `token_id, type, resource_id, resource_name, issued_at, expires_at,
	one_time_use, used, used_at, resource_fingerprint, metadata`

func (s *SQLiteDatabase) CreateRecoveryToken(token *model.RecoveryToken) error {
	var meta sql.NullString
	if len(token.Metadata) > 0 {
		data, err := json.Marshal(token.Metadata)
		if err != nil {
			return fmt.Errorf("encoding token metadata: %w", err)
		}
		meta = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.Exec(`INSERT INTO recovery_tokens (`+tokenColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		token.TokenID, token.Type, token.ResourceID, token.ResourceName, token.IssuedAt.UTC(), utcNullTime(token.ExpiresAt),
		token.OneTimeUse, token.Used, utcNullTime(token.UsedAt), token.ResourceFingerprint, meta)
	if err != nil {
		return fmt.Errorf("inserting recovery token: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) FindRecoveryToken(tokenID string) (*model.RecoveryToken, error) {
	row := s.db.QueryRow(`SELECT `+tokenColumns+` FROM recovery_tokens WHERE token_id = ?`, tokenID)
	t, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding recovery token: %w", err)
	}
	return t, nil
}

func (s *SQLiteDatabase) ConsumeRecoveryToken(tokenID string, at time.Time) (bool, error) {
	res, err := s.db.Exec(`UPDATE recovery_tokens SET used = 1, used_at = ? WHERE token_id = ? AND used = 0`, at.UTC(), tokenID)
	if err != nil {
		return false, fmt.Errorf("consuming recovery token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consuming recovery token: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteDatabase) ListRecoveryTokens(limit int) ([]*model.RecoveryToken, error) {
	rows, err := s.db.Query(`SELECT `+tokenColumns+` FROM recovery_tokens
		ORDER BY issued_at DESC, token_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recovery tokens: %w", err)
	}
	defer rows.Close()

	var result []*model.RecoveryToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning recovery token: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *SQLiteDatabase) DeleteExpiredRecoveryTokens(now time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM recovery_tokens WHERE expires_at IS NOT NULL AND expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting expired tokens: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteDatabase) DeleteRecoveryToken(tokenID string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM recovery_tokens WHERE token_id = ?`, tokenID)
	if err != nil {
		return false, fmt.Errorf("deleting recovery token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deleting recovery token: %w", err)
	}
	return n == 1, nil
}

// Operation log

func (s *SQLiteDatabase) CreateOperation(operation string, parameters string, startedAt time.Time) (*model.Operation, error) {
	op := &model.Operation{
		StartedAt:  startedAt.UTC(),
		Operation:  operation,
		Parameters: parameters,
		Status:     "running",
	}
	res, err := s.db.Exec(`INSERT INTO operations (started_at, operation, parameters, status) VALUES (?, ?, ?, ?)`,
		op.StartedAt, op.Operation, op.Parameters, op.Status)
	if err != nil {
		return nil, fmt.Errorf("creating operation: %w", err)
	}
	if op.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("reading operation id: %w", err)
	}
	return op, nil
}

func (s *SQLiteDatabase) FinishOperation(id int64, status string, finishedAt time.Time) error {
	_, err := s.db.Exec(`UPDATE operations SET finished_at = ?, status = ? WHERE id = ?`, finishedAt.UTC(), status, id)
	if err != nil {
		return fmt.Errorf("finishing operation: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) ListOperations(limit int) ([]*model.Operation, error) {
	rows, err := s.db.Query(`SELECT id, started_at, finished_at, operation, parameters, status
		FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var result []*model.Operation
	for rows.Next() {
		var op model.Operation
		if err := rows.Scan(&op.ID, &op.StartedAt, &op.FinishedAt, &op.Operation, &op.Parameters, &op.Status); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		result = append(result, &op)
	}
	return result, rows.Err()
}

func (s *SQLiteDatabase) MaxOperationID() (int64, error) {
	var id int64
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(id), 0) FROM operations`).Scan(&id); err != nil {
		return 0, fmt.Errorf("getting max operation ID: %w", err)
	}
	return id, nil
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// BackupTo creates a complete copy of the database at destPath using VACUUM INTO.
// destPath must not exist.
func (s *SQLiteDatabase) BackupTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBackup(row scanner) (*model.Backup, error) {
	var b model.Backup
	var sources string
	if err := row.Scan(&b.ID, &b.Name, &sources, &b.CreatedAt, &b.Encrypted, &b.Compressed, &b.Incremental,
		&b.FileCount, &b.TotalSize, &b.ManifestRef, &b.ManifestDigest, &b.PreviousBackupID, &b.Deleted, &b.DeletedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(sources), &b.SourcePaths); err != nil {
		return nil, fmt.Errorf("decoding source paths of backup %d: %w", b.ID, err)
	}
	return &b, nil
}

func scanToken(row scanner) (*model.RecoveryToken, error) {
	var t model.RecoveryToken
	var meta sql.NullString
	if err := row.Scan(&t.TokenID, &t.Type, &t.ResourceID, &t.ResourceName, &t.IssuedAt, &t.ExpiresAt,
		&t.OneTimeUse, &t.Used, &t.UsedAt, &t.ResourceFingerprint, &meta); err != nil {
		return nil, err
	}
	if meta.Valid {
		if err := json.Unmarshal([]byte(meta.String), &t.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata of token %s: %w", t.TokenID, err)
		}
	}
	return &t, nil
}

func utcNullTime(t sql.NullTime) sql.NullTime {
	if t.Valid {
		t.Time = t.Time.UTC()
	}
	return t
}
