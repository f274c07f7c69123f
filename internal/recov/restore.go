package recov

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"recov-go/internal/digest"
	"recov-go/internal/model"
)

// ConflictStrategy decides what happens when a restored file already exists
// at its destination.
type ConflictStrategy string

const (
	ConflictRename    ConflictStrategy = "rename"
	ConflictOverwrite ConflictStrategy = "overwrite"
	ConflictSkip      ConflictStrategy = "skip"
)

// ParseConflictStrategy validates s. The empty string selects ConflictRename.
func ParseConflictStrategy(s string) (ConflictStrategy, error) {
	switch ConflictStrategy(s) {
	case "":
		return ConflictRename, nil
	case ConflictRename, ConflictOverwrite, ConflictSkip:
		return ConflictStrategy(s), nil
	}
	return "", NewError(KindInvalidArgument, "", fmt.Errorf("unknown conflict strategy %q", s))
}

// RestoreOutcome is the final state of one file in a restore.
type RestoreOutcome string

const (
	OutcomePending   RestoreOutcome = "pending"
	OutcomeExtracted RestoreOutcome = "extracted"
	OutcomeSkipped   RestoreOutcome = "skipped"
	OutcomeRenamed   RestoreOutcome = "renamed"
	OutcomeFailed    RestoreOutcome = "failed"
)

// RestoreOptions control a restore. Decryptor is required when the backup is
// encrypted. A zero FileTimeout uses the service default.
type RestoreOptions struct {
	ConflictStrategy ConflictStrategy
	Verify           bool
	Decryptor        DecryptionContext
	FileTimeout      time.Duration
}

// RestoreFileResult is the outcome for one manifest entry.
type RestoreFileResult struct {
	Path         string // relative path inside the backup
	RestoredPath string // where the file ended up; empty unless extracted or renamed
	Outcome      RestoreOutcome
	HashMatch    bool
	Error        *Error
}

func (r *RestoreFileResult) Failed() bool  { return r.Outcome == OutcomeFailed }
func (r *RestoreFileResult) Skipped() bool { return r.Outcome == OutcomeSkipped }

// RestoreResult summarizes a restore. Success is false only when nothing was
// restored and at least one file failed.
type RestoreResult struct {
	Success       bool
	FilesRestored int
	FilesSkipped  int
	FilesFailed   int
	Results       []*RestoreFileResult
	Errors        []*Error
}

// Restore writes the live files of a backup beneath targetPath. Each file is
// written to a temporary name and moved into place only once it is complete,
// so an interrupted restore never leaves a partial file at a final path.
// Files restored before a cancellation stay in place.
func (s *Service) Restore(ctx context.Context, backupID int64, targetPath string, opts RestoreOptions, progress ProgressFunc) (result *RestoreResult, err error) {
	start := s.clock.Now()
	result = &RestoreResult{}
	defer func() {
		s.recorder.RestoreFinished(result, err, s.clock.Now().Sub(start))
	}()

	strategy, err := ParseConflictStrategy(string(opts.ConflictStrategy))
	if err != nil {
		return result, err
	}
	if opts.FileTimeout <= 0 {
		opts.FileTimeout = s.fileTimeout
	}
	timeout := opts.FileTimeout
	if targetPath == "" {
		return result, NewError(KindInvalidArgument, "", errors.New("target path is required"))
	}
	target, err := filepath.Abs(targetPath)
	if err != nil {
		return result, NewError(KindInvalidArgument, targetPath, err)
	}

	unlock, err := s.locks.Lock(ctx, backupLockKey(backupID))
	if err != nil {
		return result, NewError(KindCancelled, "", err)
	}
	defer unlock()

	if _, err := s.liveBackup(backupID); err != nil {
		return result, err
	}
	entries, err := s.database.FindManifestEntries(backupID)
	if err != nil {
		return result, fmt.Errorf("loading manifest: %w", err)
	}
	live := liveEntries(entries)
	if needsDecryptor(live) && opts.Decryptor == nil {
		return result, NewError(KindEncryptionKeyUnavailable, "", errors.New("backup is encrypted; unlock the private key to restore it"))
	}

	if err := os.MkdirAll(target, 0755); err != nil {
		return result, classifyWrite(target, fmt.Errorf("creating target directory: %w", err))
	}

	s.logger.Info("restore started", "backup", backupID, "target", target, "files", len(live), "strategy", strategy)

	for i, e := range live {
		if err := ctx.Err(); err != nil {
			s.finishRestore(result)
			return result, NewError(KindCancelled, "", err)
		}
		progress.report(Progress{Phase: "restore", Current: i + 1, Total: len(live), Path: e.RelativePath})

		fr := s.restoreEntry(ctx, e, target, strategy, opts, timeout)
		result.Results = append(result.Results, fr)
		switch fr.Outcome {
		case OutcomeExtracted, OutcomeRenamed:
			result.FilesRestored++
		case OutcomeSkipped:
			result.FilesSkipped++
		case OutcomeFailed:
			result.FilesFailed++
			result.Errors = append(result.Errors, fr.Error)
			s.logger.Warn("file restore failed", "path", e.RelativePath, "error", fr.Error)
		}
	}

	s.finishRestore(result)
	s.logger.Info("restore complete", "backup", backupID, "restored", result.FilesRestored,
		"skipped", result.FilesSkipped, "failed", result.FilesFailed)
	return result, nil
}

func (s *Service) finishRestore(result *RestoreResult) {
	result.Success = !(result.FilesRestored == 0 && result.FilesFailed > 0)
}

// restoreEntry runs one file restore under its own deadline.
func (s *Service) restoreEntry(ctx context.Context, e *model.ManifestEntry, target string, strategy ConflictStrategy, opts RestoreOptions, timeout time.Duration) *RestoreFileResult {
	fr := &RestoreFileResult{Path: e.RelativePath, Outcome: OutcomePending}

	rel := filepath.FromSlash(e.RelativePath)
	if !filepath.IsLocal(rel) {
		fr.Outcome = OutcomeFailed
		fr.Error = NewError(KindCorruptArchive, e.RelativePath, errors.New("path escapes the restore target"))
		return fr
	}
	dest := filepath.Join(target, rel)

	if strategy == ConflictSkip && exists(dest) {
		fr.Outcome = OutcomeSkipped
		return fr
	}

	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	gate := &outcomeGate{}
	done := make(chan *RestoreFileResult, 1)
	go func() {
		done <- s.extract(fctx, e, dest, strategy, opts, gate)
	}()

	select {
	case r := <-done:
		return r
	case <-fctx.Done():
		if !gate.decide() {
			// The file is already being moved into place.
			return <-done
		}
		fr.Outcome = OutcomeFailed
		fr.Error = interrupted(e.RelativePath, fctx.Err(), timeout)
		return fr
	}
}

func interrupted(path string, err error, timeout time.Duration) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeout, path, fmt.Errorf("no result after %s", timeout))
	}
	return NewError(KindCancelled, path, err)
}

// extract decodes one object into a temporary file next to dest, checks it
// and moves it into place according to strategy.
func (s *Service) extract(ctx context.Context, e *model.ManifestEntry, dest string, strategy ConflictStrategy, opts RestoreOptions, gate *outcomeGate) *RestoreFileResult {
	fr := &RestoreFileResult{Path: e.RelativePath, Outcome: OutcomeFailed}
	fail := func(err error) *RestoreFileResult {
		fr.Error = asError(err, e.RelativePath)
		return fr
	}

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fail(classifyWrite(e.RelativePath, fmt.Errorf("creating directory: %w", err)))
	}

	tmp, err := os.CreateTemp(dir, ".recov-restore-*")
	if err != nil {
		return fail(classifyWrite(e.RelativePath, fmt.Errorf("creating temporary file: %w", err)))
	}
	tmpPath := tmp.Name()
	placed := false
	defer func() {
		if !placed {
			os.Remove(tmpPath)
		}
	}()

	h := digest.New()
	err = s.decodeObject(ctx, e.RelativePath, e.ObjectKey, encoding{compress: e.Compressed, encrypt: e.Encrypted}, opts.Decryptor, io.MultiWriter(tmp, h))
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = classifyWrite(e.RelativePath, cerr)
	}
	if err != nil {
		return fail(err)
	}

	sum := digest.Sum(h)
	fr.HashMatch = sum == e.ContentHash
	if opts.Verify && !fr.HashMatch {
		return fail(NewError(KindCorruptArchive, e.RelativePath,
			fmt.Errorf("digest mismatch: manifest %s, restored %s", e.ContentHash, sum)))
	}

	if err := os.Chmod(tmpPath, fs.FileMode(e.Mode).Perm()); err != nil {
		return fail(classifyWrite(e.RelativePath, fmt.Errorf("setting permissions: %w", err)))
	}
	if err := os.Chtimes(tmpPath, e.ModifiedAt, e.ModifiedAt); err != nil {
		return fail(classifyWrite(e.RelativePath, fmt.Errorf("setting file times: %w", err)))
	}

	// Once the caller has reported a timeout nothing may be placed.
	if !gate.decide() {
		return fail(NewError(KindCancelled, e.RelativePath, errors.New("abandoned after the file deadline")))
	}
	if err := ctx.Err(); err != nil {
		return fail(interrupted(e.RelativePath, err, opts.FileTimeout))
	}

	final, outcome, err := place(tmpPath, dest, strategy)
	if err != nil {
		return fail(classifyWrite(e.RelativePath, err))
	}
	placed = true
	fr.RestoredPath = final
	fr.Outcome = outcome
	return fr
}

// outcomeGate lets exactly one of a file's extraction and its deadline
// decide the file's outcome.
type outcomeGate struct {
	mu      sync.Mutex
	decided bool
}

// decide reports whether the caller is first.
func (g *outcomeGate) decide() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.decided {
		return false
	}
	g.decided = true
	return true
}

// place moves the finished temporary file to its destination.
func place(tmpPath, dest string, strategy ConflictStrategy) (string, RestoreOutcome, error) {
	if strategy == ConflictOverwrite {
		if err := os.Rename(tmpPath, dest); err != nil {
			return "", "", fmt.Errorf("replacing %s: %w", dest, err)
		}
		return dest, OutcomeExtracted, nil
	}

	err := linkNoClobber(tmpPath, dest)
	if err == nil {
		return dest, OutcomeExtracted, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return "", "", err
	}
	if strategy == ConflictSkip {
		// Appeared after the pre-check.
		os.Remove(tmpPath)
		return "", OutcomeSkipped, nil
	}

	for n := 1; ; n++ {
		candidate := numberedName(dest, n)
		err := linkNoClobber(tmpPath, candidate)
		if err == nil {
			return candidate, OutcomeRenamed, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", "", err
		}
	}
}

// linkNoClobber gives tmpPath the name dest without replacing an existing
// file. Filesystems without hard links fall back to an exclusive create
// followed by a rename.
func linkNoClobber(tmpPath, dest string) error {
	err := os.Link(tmpPath, dest)
	if err == nil {
		return os.Remove(tmpPath)
	}
	if errors.Is(err, fs.ErrExist) {
		return err
	}

	f, cerr := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if cerr != nil {
		return cerr
	}
	f.Close()
	return os.Rename(tmpPath, dest)
}

// numberedName returns "name (n).ext" for dest.
func numberedName(dest string, n int) string {
	dir, base := filepath.Split(dest)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		stem, ext = base, ""
	}
	return filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
