package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"recov-go/internal/config"
	"recov-go/internal/database"
	"recov-go/internal/encryption"
	"recov-go/internal/fs"
	"recov-go/internal/keystore"
	"recov-go/internal/metrics"
	"recov-go/internal/model"
	"recov-go/internal/recov"
	"recov-go/internal/scan"
	"recov-go/internal/staging"
	"recov-go/internal/vault"
)

// PassphraseFunc supplies the private key passphrase when a command needs to
// decrypt. It is only called if the key is wrapped.
type PassphraseFunc func() (string, error)

// App is the application layer between the CLI and recov.Service.
// It constructs all dependencies from config, exposes high-level operations
// that accept raw CLI values, and manages the database lifecycle on Close.
type App struct {
	cfg        *config.Config
	db         recov.Database
	vault      recov.Vault
	encryptor  recov.Encryptor
	service    *recov.Service
	metrics    *metrics.Metrics
	op         *Operation
	clock      recov.Clock
	logger     *slog.Logger
	logFile    *os.File
	passphrase PassphraseFunc
}

// New creates a fully wired App from the given config. op identifies the
// CLI command being run. The caller must call Close when done.
func New(cfg *config.Config, op *Operation) (*App, error) {
	opID := time.Now().UTC().Format("20060102T150405Z")
	logger, logFile, err := newLogger(cfg.LogDir, opID, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	a, err := build(cfg, op, logger)
	if err != nil {
		logFile.Close()
		return nil, err
	}
	a.logFile = logFile
	return a, nil
}

func build(cfg *config.Config, op *Operation, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	v, err := vault.NewVaultFromConfig(cfg.Vaults[0], logger.WithGroup("vault"))
	if err != nil {
		return nil, fmt.Errorf("creating vault: %w", err)
	}

	closeVault := func() {
		if c, ok := v.(io.Closer); ok {
			c.Close()
		}
	}

	sa, err := staging.NewStagingAreaFromConfig(cfg.Staging)
	if err != nil {
		closeVault()
		return nil, fmt.Errorf("creating staging area: %w", err)
	}

	scanner, err := scan.NewScannerFromConfig(cfg.Scanner)
	if err != nil {
		closeVault()
		return nil, fmt.Errorf("creating scanner: %w", err)
	}

	ks, err := keystore.NewKeyStoreFromConfig(cfg.KeyStore)
	if err != nil {
		closeVault()
		return nil, fmt.Errorf("creating key store: %w", err)
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		closeVault()
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	db, err := database.NewDatabaseFromConfig(cfg.Database, cfg.HostID)
	if err != nil {
		closeVault()
		return nil, fmt.Errorf("creating database: %w", err)
	}

	fail := func(err error) (*App, error) {
		db.Close()
		closeVault()
		return nil, err
	}

	if err := db.CheckMigrations(); err != nil {
		return fail(fmt.Errorf("database schema out of date: %w", err))
	}

	// A newer snapshot in the vault means another process wrote after us.
	remoteVersion, err := v.GetMetadataVersion(cfg.HostID, "db")
	if err != nil {
		return fail(fmt.Errorf("checking remote metadata version: %w", err))
	}
	localMax, err := db.MaxOperationID()
	if err != nil {
		return fail(fmt.Errorf("checking local metadata version: %w", err))
	}
	if remoteVersion > localMax {
		return fail(fmt.Errorf("local database is behind remote (local=%d, remote=%d): restore from vault or re-initialize", localMax, remoteVersion))
	}

	m := metrics.New()
	clock := recov.SystemClock()
	deps := recov.Dependencies{
		Clock:       clock,
		Database:    db,
		Vault:       v,
		Staging:     sa,
		Filesystem:  fs.NewOSFilesystemManager(cfg.Filesystem.Ignore...),
		KeyStore:    ks,
		Scanner:     scanner,
		Recorder:    m,
		Logger:      logger,
		FileTimeout: cfg.Restore.FileTimeout.Duration,
	}
	// Without keys an encrypted backup must fail up front instead of per file.
	if enc.IsConfigured() {
		deps.Encryptor = enc
	}

	return &App{
		cfg:       cfg,
		db:        db,
		vault:     v,
		encryptor: enc,
		service:   recov.NewService(deps),
		metrics:   m,
		op:        op,
		clock:     clock,
		logger:    logger,
	}, nil
}

// SetPassphraseFunc sets how the passphrase for a wrapped private key is obtained.
func (a *App) SetPassphraseFunc(fn PassphraseFunc) {
	a.passphrase = fn
}

// persistOperation saves the operation to the database, giving it an ID.
// Only DB-mutating commands call this.
func (a *App) persistOperation() error {
	if a.op.Persisted() {
		return nil
	}
	dbOp, err := a.db.CreateOperation(a.op.Operation, a.op.Parameters, a.clock.Now())
	if err != nil {
		return fmt.Errorf("persisting operation: %w", err)
	}
	a.op.ID = dbOp.ID
	return nil
}

// SetupKeys generates the encryption key pair. An empty passphrase stores
// the private key unwrapped.
func (a *App) SetupKeys(passphrase string) error {
	if a.encryptor.IsConfigured() {
		return fmt.Errorf("encryption keys already exist")
	}
	if err := a.encryptor.Setup(passphrase); err != nil {
		return fmt.Errorf("setting up encryption keys: %w", err)
	}
	a.logger.Info("encryption keys created", "wrapped", passphrase != "")
	return nil
}

// CreateBackup backs up sources under name.
func (a *App) CreateBackup(ctx context.Context, name string, sources []string, opts recov.BackupOptions, progress recov.ProgressFunc) (*recov.BackupResult, error) {
	if err := a.persistOperation(); err != nil {
		return nil, err
	}
	res, err := a.service.CreateBackup(ctx, name, sources, opts, progress)
	a.op.Record(res != nil && len(res.Errors) > 0, err)
	return res, err
}

// ListBackups returns all live backups.
func (a *App) ListBackups() ([]*model.Backup, error) {
	return a.service.ListBackups()
}

// ShowBackup returns a backup with its manifest and recent verification runs.
func (a *App) ShowBackup(rawID string) (*model.Backup, []*model.ManifestEntry, []*model.VerificationRun, error) {
	id, err := parseBackupID(rawID)
	if err != nil {
		return nil, nil, nil, err
	}
	b, err := a.service.GetBackup(id)
	if err != nil {
		return nil, nil, nil, err
	}
	entries, err := a.service.GetManifest(id)
	if err != nil {
		return nil, nil, nil, err
	}
	runs, err := a.service.ListVerificationRuns(id, 5)
	if err != nil {
		return nil, nil, nil, err
	}
	return b, entries, runs, nil
}

// DeleteBackup deletes a backup and returns the number of vault objects removed.
func (a *App) DeleteBackup(ctx context.Context, rawID string) (int, error) {
	id, err := parseBackupID(rawID)
	if err != nil {
		return 0, err
	}
	if err := a.persistOperation(); err != nil {
		return 0, err
	}
	n, err := a.service.DeleteBackup(ctx, id)
	a.op.Record(false, err)
	return n, err
}

// Verify checks a backup's integrity, optionally scanning for malware.
func (a *App) Verify(ctx context.Context, rawID string, malwareScan bool, progress recov.ProgressFunc) (*model.VerificationRun, error) {
	id, err := parseBackupID(rawID)
	if err != nil {
		return nil, err
	}
	dec, err := a.decryptor(id)
	if err != nil {
		return nil, err
	}
	if err := a.persistOperation(); err != nil {
		return nil, err
	}
	run, err := a.service.Verify(ctx, id, recov.VerifyOptions{MalwareScan: malwareScan, Decryptor: dec}, progress)
	a.op.Record(run != nil && (run.FilesInvalid > 0 || run.FilesMissing > 0), err)
	return run, err
}

// Restore writes a backup beneath target. An empty strategy uses the
// configured default.
func (a *App) Restore(ctx context.Context, rawID, target, strategy string, verify bool, progress recov.ProgressFunc) (*recov.RestoreResult, error) {
	id, err := parseBackupID(rawID)
	if err != nil {
		return nil, err
	}
	if strategy == "" {
		strategy = a.cfg.Restore.ConflictStrategy
	}
	cs, err := recov.ParseConflictStrategy(strategy)
	if err != nil {
		return nil, err
	}
	dec, err := a.decryptor(id)
	if err != nil {
		return nil, err
	}
	return a.service.Restore(ctx, id, target, recov.RestoreOptions{
		ConflictStrategy: cs,
		Verify:           verify,
		Decryptor:        dec,
	}, progress)
}

// decryptor unlocks the private key if the backup is encrypted.
func (a *App) decryptor(id int64) (recov.DecryptionContext, error) {
	b, err := a.service.GetBackup(id)
	if err != nil {
		return nil, err
	}
	if !b.Encrypted {
		return nil, nil
	}
	if !a.encryptor.IsConfigured() {
		return nil, recov.NewError(recov.KindEncryptionKeyUnavailable, "", errors.New("no encryption keys configured; run `recov key init`"))
	}

	passphrase := ""
	need := true
	if rp, ok := a.encryptor.(interface{ RequiresPassphrase() (bool, error) }); ok {
		if need, err = rp.RequiresPassphrase(); err != nil {
			return nil, recov.NewError(recov.KindEncryptionKeyUnavailable, "", err)
		}
	}
	if need && a.passphrase != nil {
		if passphrase, err = a.passphrase(); err != nil {
			return nil, fmt.Errorf("reading passphrase: %w", err)
		}
	}

	dec, err := a.encryptor.Unlock(passphrase)
	if err != nil {
		return nil, recov.NewError(recov.KindEncryptionKeyUnavailable, "", err)
	}
	return dec, nil
}

// IssueToken issues a recovery token. A zero ttl uses the configured
// default unless permanent is set.
func (a *App) IssueToken(ctx context.Context, tokenType, resourceID, resourceName string, ttl time.Duration, permanent, oneTime bool) (*recov.IssuedToken, error) {
	req := recov.IssueRequest{
		Type:             tokenType,
		ResourceID:       resourceID,
		ResourceName:     resourceName,
		ConfirmPermanent: permanent,
		OneTimeUse:       oneTime,
	}
	if !permanent {
		if ttl <= 0 {
			ttl = a.cfg.Tokens.DefaultTTL.Duration
		}
		req.TTL = &ttl
	}
	if tokenType == recov.TokenTypePath {
		abs, err := filepath.Abs(resourceID)
		if err != nil {
			return nil, recov.NewError(recov.KindInvalidArgument, resourceID, err)
		}
		req.ResourceID = abs
	}

	if err := a.persistOperation(); err != nil {
		return nil, err
	}
	issued, err := a.service.IssueToken(ctx, req)
	a.op.Record(false, err)
	return issued, err
}

// VerifyToken verifies a token string or QR payload.
func (a *App) VerifyToken(ctx context.Context, raw string) (*recov.TokenVerification, error) {
	if err := a.persistOperation(); err != nil {
		return nil, err
	}
	v, err := a.service.VerifyToken(ctx, raw)
	a.op.Record(false, err)
	return v, err
}

// ListTokens returns the most recently issued tokens.
func (a *App) ListTokens(limit int) ([]*model.RecoveryToken, error) {
	return a.service.ListTokens(limit)
}

// CleanupTokens removes expired tokens.
func (a *App) CleanupTokens() (int64, error) {
	if err := a.persistOperation(); err != nil {
		return 0, err
	}
	n, err := a.service.CleanupTokens()
	a.op.Record(false, err)
	return n, err
}

// RevokeToken deletes a token record.
func (a *App) RevokeToken(tokenID string) error {
	if err := a.persistOperation(); err != nil {
		return err
	}
	err := a.service.RevokeToken(tokenID)
	a.op.Record(false, err)
	return err
}

// GetHistory returns the most recent operations.
func (a *App) GetHistory(limit int) ([]*model.Operation, error) {
	return a.service.History(limit)
}

// Close finalizes the operation and closes all resources.
// For persisted operations it finishes the operation record, snapshots the
// database and uploads the snapshot to the vault. Metrics are written to the
// configured textfile either way.
func (a *App) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if a.op.Persisted() {
		if err := a.db.FinishOperation(a.op.ID, a.op.Status, a.clock.Now()); err != nil {
			keep(fmt.Errorf("finishing operation: %w", err))
		}

		tmpPath, err := a.snapshot()
		keep(err)
		if err := a.db.Close(); err != nil {
			keep(fmt.Errorf("closing database: %w", err))
		}
		if tmpPath != "" {
			keep(a.uploadMetadata(tmpPath, a.op.ID))
			os.Remove(tmpPath)
		}
	} else if err := a.db.Close(); err != nil {
		keep(fmt.Errorf("closing database: %w", err))
	}

	if c, ok := a.vault.(io.Closer); ok {
		if err := c.Close(); err != nil {
			keep(fmt.Errorf("closing vault: %w", err))
		}
	}

	if a.cfg.MetricsFile != "" {
		if err := a.metrics.WriteToTextfile(a.cfg.MetricsFile); err != nil {
			keep(fmt.Errorf("writing metrics: %w", err))
		}
	}

	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

// snapshot writes a consistent copy of the database to a temp file.
func (a *App) snapshot() (string, error) {
	tmpFile, err := os.CreateTemp("", "recov-db-backup-*.db")
	if err != nil {
		return "", fmt.Errorf("creating temp file for db backup: %w", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()

	if err := a.db.BackupTo(tmpPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("backing up database: %w", err)
	}
	return tmpPath, nil
}

// uploadMetadata uploads the database snapshot at path to the vault.
func (a *App) uploadMetadata(path string, version int64) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening db backup for upload: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat db backup: %w", err)
	}

	if err := a.vault.PutMetadata(a.cfg.HostID, "db", f, info.Size(), version); err != nil {
		return fmt.Errorf("uploading metadata to vault: %w", err)
	}
	return nil
}

func parseBackupID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, recov.NewError(recov.KindInvalidArgument, "", fmt.Errorf("invalid backup id %q", raw))
	}
	return id, nil
}
