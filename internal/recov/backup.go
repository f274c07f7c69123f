package recov

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"time"

	"recov-go/internal/digest"
	"recov-go/internal/model"
)

// BackupOptions control how a backup is produced.
type BackupOptions struct {
	Encrypt     bool
	Compress    bool
	Incremental bool
}

// BackupResult summarizes a CreateBackup call. FilesBackedUp counts added
// and modified entries plus unchanged ones re-stored in another encoding, so
// an incremental run over an unchanged tree reports zero. Errors lists
// per-file failures that did not stop the backup.
type BackupResult struct {
	Success       bool
	BackupID      int64
	FilesBackedUp int // files whose content this run stored
	FileCount     int // live files in the new version
	TotalSize     int64
	BytesWritten  int64
	Unchanged     int
	Deleted       int
	Errors        []*Error
}

// manifestDocument is the self-describing copy of a manifest kept in the vault
// next to the objects it references.
type manifestDocument struct {
	Name        string                 `json:"name"`
	CreatedAt   time.Time              `json:"created_at"`
	SourcePaths []string               `json:"source_paths"`
	Previous    int64                  `json:"previous_backup_id,omitempty"`
	Digest      string                 `json:"digest"`
	Entries     []*model.ManifestEntry `json:"entries"`
}

// sourceFile is one enumerated file with its path inside the backup.
type sourceFile struct {
	path *Path
	rel  string
}

// backupRun tracks the objects written by one CreateBackup call so they can
// be removed if the backup does not commit.
type backupRun struct {
	namespace string
	written   []string
	seq       int
}

func (r *backupRun) nextKey() string {
	r.seq++
	return fmt.Sprintf("%s/%06d", r.namespace, r.seq)
}

// CreateBackup produces a new immutable version of the named backup from
// the files under sourcePaths. Only one CreateBackup per name runs at a time.
//
// Per-file read failures are collected in the result. The backup fails as a
// whole, leaving nothing behind, when no file could be read or when writing
// to the vault or manifest store fails.
func (s *Service) CreateBackup(ctx context.Context, name string, sourcePaths []string, opts BackupOptions, progress ProgressFunc) (result *BackupResult, err error) {
	start := s.clock.Now()
	result = &BackupResult{}
	defer func() {
		s.recorder.BackupFinished(result, err, s.clock.Now().Sub(start))
	}()

	if name == "" {
		return result, NewError(KindInvalidArgument, "", errors.New("backup name is required"))
	}
	if len(sourcePaths) == 0 {
		return result, NewError(KindInvalidArgument, "", errors.New("at least one source path is required"))
	}
	if opts.Encrypt && (s.encryptor == nil || !s.encryptor.IsConfigured()) {
		return result, NewError(KindEncryptionKeyUnavailable, "", errors.New("encryption requested but no key is configured"))
	}

	unlock, err := s.locks.Lock(ctx, nameLockKey(name))
	if err != nil {
		return result, NewError(KindCancelled, "", err)
	}
	defer unlock()

	s.logger.Info("backup started", "name", name, "sources", len(sourcePaths),
		"encrypt", opts.Encrypt, "compress", opts.Compress, "incremental", opts.Incremental)

	files, problems, err := s.enumerateSources(ctx, sourcePaths)
	result.Errors = append(result.Errors, problems...)
	if err != nil {
		return result, err
	}
	if len(files) == 0 && len(problems) > 0 {
		return result, NewError(KindSourceUnreadable, "", errors.New("no source path could be read"))
	}

	var prior *model.Backup
	priorEntries := map[string]*model.ManifestEntry{}
	if opts.Incremental {
		prior, err = s.database.FindLatestBackupByName(name)
		if err != nil {
			return result, fmt.Errorf("finding previous backup: %w", err)
		}
		if prior != nil {
			entries, err := s.database.FindManifestEntries(prior.ID)
			if err != nil {
				return result, fmt.Errorf("loading previous manifest: %w", err)
			}
			for _, e := range entries {
				if e.Live() {
					priorEntries[e.RelativePath] = e
				}
			}
		}
	}

	run := &backupRun{namespace: "runs/" + s.idgen.New()}
	committed := false
	defer func() {
		if !committed {
			s.discardRun(run)
		}
	}()

	enc := encoding{compress: opts.Compress, encrypt: opts.Encrypt}
	var entries []*model.ManifestEntry
	seen := make(map[string]bool, len(files))

	for i, f := range files {
		if err := ctx.Err(); err != nil {
			return result, NewError(KindCancelled, "", err)
		}
		progress.report(Progress{Phase: "backup", Current: i + 1, Total: len(files), Path: f.rel})
		seen[f.rel] = true

		prev := priorEntries[f.rel]
		entry, stored, err := s.backupFile(ctx, run, f, prev, enc)
		if err != nil {
			if KindOf(err) == KindSourceUnreadable || KindOf(err) == KindHashFailed {
				s.logger.Warn("skipping unreadable file", "path", f.path.String(), "error", err)
				result.Errors = append(result.Errors, asError(err, f.rel))
				continue
			}
			return result, err
		}

		result.BytesWritten += stored
		if entry.ChangeStatus == model.StatusUnchanged {
			result.Unchanged++
		}
		if prev == nil || entry.ObjectKey != prev.ObjectKey {
			result.FilesBackedUp++
		}
		entries = append(entries, entry)
	}

	if len(entries) == 0 && len(result.Errors) > 0 {
		return result, NewError(KindSourceUnreadable, "", errors.New("no file could be read"))
	}

	for rel, e := range priorEntries {
		if seen[rel] {
			continue
		}
		entries = append(entries, &model.ManifestEntry{
			RelativePath: rel,
			ContentHash:  e.ContentHash,
			SizeBytes:    e.SizeBytes,
			ModifiedAt:   e.ModifiedAt,
			Mode:         e.Mode,
			ChangeStatus: model.StatusDeleted,
		})
		result.Deleted++
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].RelativePath < entries[j].RelativePath })

	backup := &model.Backup{
		Name:           name,
		SourcePaths:    sourcePaths,
		CreatedAt:      s.clock.Now(),
		Encrypted:      opts.Encrypt,
		Compressed:     opts.Compress,
		Incremental:    opts.Incremental,
		ManifestDigest: ManifestDigest(entries),
	}
	if prior != nil {
		backup.PreviousBackupID = sql.NullInt64{Int64: prior.ID, Valid: true}
	}
	for _, e := range entries {
		if e.Live() {
			backup.FileCount++
			backup.TotalSize += e.SizeBytes
		}
	}

	ref, stored, err := s.writeManifestDocument(ctx, run, backup, entries, enc)
	if err != nil {
		return result, err
	}
	backup.ManifestRef = ref
	result.BytesWritten += stored

	if err := ctx.Err(); err != nil {
		return result, NewError(KindCancelled, "", err)
	}

	id, err := s.database.CreateBackup(backup, entries)
	if err != nil {
		return result, NewError(KindWriteFailed, "", fmt.Errorf("recording backup: %w", err))
	}
	committed = true

	result.Success = true
	result.BackupID = id
	result.FileCount = int(backup.FileCount)
	result.TotalSize = backup.TotalSize

	s.logger.Info("backup complete", "name", name, "id", id, "files", backup.FileCount,
		"stored", result.FilesBackedUp, "unchanged", result.Unchanged, "deleted", result.Deleted, "errors", len(result.Errors))
	return result, nil
}

// backupFile stores one file, or reuses the previous version's object when
// its content has not changed. Returns the entry and the bytes written.
func (s *Service) backupFile(ctx context.Context, run *backupRun, f sourceFile, prev *model.ManifestEntry, enc encoding) (*model.ManifestEntry, int64, error) {
	info, err := s.fsmgr.Stat(f.path)
	if err != nil {
		return nil, 0, NewError(KindSourceUnreadable, f.rel, err)
	}

	entry := &model.ManifestEntry{
		RelativePath: f.rel,
		ModifiedAt:   info.ModTime().UTC(),
		Mode:         uint32(info.Mode().Perm()),
		ChangeStatus: model.StatusAdded,
		Encrypted:    enc.encrypt,
		Compressed:   enc.compress,
	}

	if prev != nil {
		sum, err := s.hashSource(ctx, f)
		if err != nil {
			return nil, 0, err
		}
		entry.ChangeStatus = model.StatusModified
		if sum == prev.ContentHash {
			entry.ChangeStatus = model.StatusUnchanged
			reusable, err := s.reusable(prev, enc)
			if err != nil {
				return nil, 0, err
			}
			if reusable {
				entry.ContentHash = prev.ContentHash
				entry.SizeBytes = prev.SizeBytes
				entry.ObjectKey = prev.ObjectKey
				entry.StoredSize = prev.StoredSize
				s.logger.Debug("content unchanged", "path", f.rel, "object", prev.ObjectKey)
				return entry, 0, nil
			}
		}
	}

	rc, err := s.fsmgr.Open(f.path)
	if err != nil {
		return nil, 0, NewError(KindSourceUnreadable, f.rel, err)
	}
	defer rc.Close()

	payload, err := s.encodePayload(ctx, f.rel, rc, enc)
	if err != nil {
		return nil, 0, err
	}
	defer s.staging.Remove(payload.handle)

	key := run.nextKey()
	if err := s.upload(key, payload); err != nil {
		return nil, 0, classifyWrite(f.rel, err)
	}
	run.written = append(run.written, key)

	// The file may have changed between the hash pass and the copy; the
	// entry describes what was actually stored.
	if prev != nil && entry.ChangeStatus == model.StatusUnchanged && payload.sum != prev.ContentHash {
		entry.ChangeStatus = model.StatusModified
	}
	entry.ContentHash = payload.sum
	entry.SizeBytes = payload.size
	entry.ObjectKey = key
	entry.StoredSize = payload.stored

	s.logger.Debug("file stored", "path", f.rel, "object", key, "size", payload.size, "stored", payload.stored)
	return entry, payload.stored, nil
}

// reusable reports whether a previous entry's object can back an unchanged
// file: same encoding and still present in the vault.
func (s *Service) reusable(prev *model.ManifestEntry, enc encoding) (bool, error) {
	if prev.ObjectKey == "" || prev.Encrypted != enc.encrypt || prev.Compressed != enc.compress {
		return false, nil
	}
	ok, err := s.vault.HasContent(prev.ObjectKey)
	if err != nil {
		return false, fmt.Errorf("checking object %s: %w", prev.ObjectKey, err)
	}
	return ok, nil
}

func (s *Service) hashSource(ctx context.Context, f sourceFile) (string, error) {
	rc, err := s.fsmgr.Open(f.path)
	if err != nil {
		return "", NewError(KindSourceUnreadable, f.rel, err)
	}
	defer rc.Close()

	sum, _, err := digest.HashReader(ctx, rc)
	if err != nil {
		if ctx.Err() != nil {
			return "", NewError(KindCancelled, f.rel, err)
		}
		return "", NewError(KindHashFailed, f.rel, err)
	}
	return sum, nil
}

func (s *Service) upload(key string, payload *encoded) error {
	rc, err := s.staging.Open(payload.handle)
	if err != nil {
		return fmt.Errorf("opening staged payload: %w", err)
	}
	defer rc.Close()

	if err := s.vault.PutContent(key, rc, payload.stored); err != nil {
		return fmt.Errorf("uploading to vault: %w", err)
	}
	return nil
}

func (s *Service) writeManifestDocument(ctx context.Context, run *backupRun, b *model.Backup, entries []*model.ManifestEntry, enc encoding) (string, int64, error) {
	doc := manifestDocument{
		Name:        b.Name,
		CreatedAt:   b.CreatedAt,
		SourcePaths: b.SourcePaths,
		Previous:    b.PreviousBackupID.Int64,
		Digest:      b.ManifestDigest,
		Entries:     entries,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", 0, fmt.Errorf("encoding manifest: %w", err)
	}

	payload, err := s.encodePayload(ctx, "manifest", bytes.NewReader(data), enc)
	if err != nil {
		return "", 0, err
	}
	defer s.staging.Remove(payload.handle)

	key := run.namespace + "/manifest"
	if err := s.upload(key, payload); err != nil {
		return "", 0, classifyWrite("manifest", err)
	}
	run.written = append(run.written, key)
	return key, payload.stored, nil
}

// discardRun removes the objects of a backup that did not commit.
func (s *Service) discardRun(run *backupRun) {
	for _, key := range run.written {
		if err := s.vault.DeleteContent(key); err != nil {
			s.logger.Warn("failed to remove object of aborted backup", "object", key, "error", err)
		}
	}
	if len(run.written) > 0 {
		s.logger.Info("aborted backup cleaned up", "objects", len(run.written))
	}
}

// enumerateSources resolves every source path and lists the files beneath
// it. Each root is addressed in the backup by its base name; roots sharing
// a base name get a ~N suffix in the order they were given.
func (s *Service) enumerateSources(ctx context.Context, sourcePaths []string) ([]sourceFile, []*Error, error) {
	var files []sourceFile
	var problems []*Error
	used := map[string]bool{}

	for _, raw := range sourcePaths {
		root, err := s.fsmgr.Resolve(raw)
		if err != nil {
			problems = append(problems, NewError(KindSourceUnreadable, raw, err))
			continue
		}

		prefix := uniquePrefix(used, filepath.Base(root.String()))

		if !root.IsDir() {
			files = append(files, sourceFile{path: root, rel: prefix})
			continue
		}

		found, walkProblems, err := s.fsmgr.FindFiles(ctx, root)
		if err != nil {
			if ctx.Err() != nil {
				return nil, problems, NewError(KindCancelled, "", err)
			}
			problems = append(problems, NewError(KindSourceUnreadable, raw, err))
			continue
		}
		problems = append(problems, walkProblems...)
		for _, f := range found {
			files = append(files, sourceFile{path: f, rel: path.Join(prefix, f.Relative())})
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].rel < files[j].rel })
	return files, problems, nil
}

func uniquePrefix(used map[string]bool, base string) string {
	name := base
	for n := 2; used[name]; n++ {
		name = fmt.Sprintf("%s~%d", base, n)
	}
	used[name] = true
	return name
}

// ManifestDigest fingerprints the live entries of a manifest.
func ManifestDigest(entries []*model.ManifestEntry) string {
	items := make([]digest.Item, 0, len(entries))
	for _, e := range entries {
		if e.Live() {
			items = append(items, digest.Item{Path: e.RelativePath, Hash: e.ContentHash})
		}
	}
	return digest.Manifest(items)
}

func asError(err error, path string) *Error {
	var e *Error
	if errors.As(err, &e) {
		if e.Path == "" {
			return NewError(e.Kind, path, e.Err)
		}
		return e
	}
	return NewError(KindSourceUnreadable, path, err)
}

// ListBackups returns all live backups ordered by ID.
func (s *Service) ListBackups() ([]*model.Backup, error) {
	backups, err := s.database.ListBackups(false)
	if err != nil {
		return nil, fmt.Errorf("listing backups: %w", err)
	}
	return backups, nil
}

// GetBackup returns a live backup by ID.
func (s *Service) GetBackup(id int64) (*model.Backup, error) {
	return s.liveBackup(id)
}

// GetManifest returns the manifest entries of a live backup, including
// entries recorded as deleted.
func (s *Service) GetManifest(id int64) ([]*model.ManifestEntry, error) {
	if _, err := s.liveBackup(id); err != nil {
		return nil, err
	}
	entries, err := s.database.FindManifestEntries(id)
	if err != nil {
		return nil, fmt.Errorf("loading manifest: %w", err)
	}
	return entries, nil
}

// DeleteBackup soft-deletes a backup and removes the objects no other live
// backup references. Returns the number of objects removed.
func (s *Service) DeleteBackup(ctx context.Context, id int64) (int, error) {
	b, err := s.liveBackup(id)
	if err != nil {
		return 0, err
	}

	// The name lock keeps a concurrent incremental backup from adopting
	// objects that are about to be unlinked.
	unlockName, err := s.locks.Lock(ctx, nameLockKey(b.Name))
	if err != nil {
		return 0, NewError(KindCancelled, "", err)
	}
	defer unlockName()
	unlock, err := s.locks.Lock(ctx, backupLockKey(id))
	if err != nil {
		return 0, NewError(KindCancelled, "", err)
	}
	defer unlock()

	if b, err = s.liveBackup(id); err != nil {
		return 0, err
	}

	orphans, err := s.database.FindUnreferencedObjects(id)
	if err != nil {
		return 0, fmt.Errorf("finding unreferenced objects: %w", err)
	}
	if err := s.database.MarkBackupDeleted(id, s.clock.Now()); err != nil {
		return 0, fmt.Errorf("marking backup deleted: %w", err)
	}

	if b.ManifestRef != "" {
		orphans = append(orphans, b.ManifestRef)
	}
	removed := 0
	for _, key := range orphans {
		if err := s.vault.DeleteContent(key); err != nil {
			s.logger.Warn("failed to remove object", "object", key, "error", err)
			continue
		}
		removed++
	}

	s.logger.Info("backup deleted", "id", id, "name", b.Name, "objects_removed", removed)
	return removed, nil
}
