package recov

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"recov-go/internal/digest"
	"recov-go/internal/model"
)

// VerifyOptions control a verification run. Decryptor is required when the
// backup is encrypted.
type VerifyOptions struct {
	MalwareScan bool
	Decryptor   DecryptionContext
}

// Verify re-reads every live file of a backup from the vault and checks its
// digest against the manifest. The run is recorded; the backup itself is
// never modified.
func (s *Service) Verify(ctx context.Context, backupID int64, opts VerifyOptions, progress ProgressFunc) (run *model.VerificationRun, err error) {
	start := s.clock.Now()
	defer func() {
		s.recorder.VerificationFinished(run, err, s.clock.Now().Sub(start))
	}()

	unlock, err := s.locks.Lock(ctx, backupLockKey(backupID))
	if err != nil {
		return nil, NewError(KindCancelled, "", err)
	}
	defer unlock()

	if _, err := s.liveBackup(backupID); err != nil {
		return nil, err
	}
	entries, err := s.database.FindManifestEntries(backupID)
	if err != nil {
		return nil, fmt.Errorf("loading manifest: %w", err)
	}
	live := liveEntries(entries)
	if needsDecryptor(live) && opts.Decryptor == nil {
		return nil, NewError(KindEncryptionKeyUnavailable, "", errors.New("backup is encrypted; unlock the private key to verify it"))
	}

	s.logger.Info("verification started", "backup", backupID, "files", len(live), "malware_scan", opts.MalwareScan)

	run = &model.VerificationRun{BackupID: backupID}
	scanAvailable := false
	if opts.MalwareScan {
		run.VirusScan = &model.ScanSummary{}
		scanAvailable = s.scanner.Available(ctx)
		if !scanAvailable {
			s.logger.Warn("malware scanner unavailable; scan skipped")
		}
	}

	for i, e := range live {
		if err := ctx.Err(); err != nil {
			return nil, NewError(KindCancelled, "", err)
		}
		progress.report(Progress{Phase: "verify", Current: i + 1, Total: len(live), Path: e.RelativePath})

		check, err := s.verifyEntry(ctx, e, opts, run.VirusScan, scanAvailable)
		if err != nil {
			return nil, err
		}

		run.Results = append(run.Results, check)
		switch check.Status {
		case model.CheckValid:
			run.FilesValid++
		case model.CheckInvalid:
			run.FilesInvalid++
		case model.CheckMissing:
			run.FilesMissing++
		}
	}
	run.FilesChecked = run.FilesValid + run.FilesInvalid + run.FilesMissing
	run.RunAt = s.clock.Now()

	if err := s.database.CreateVerificationRun(run); err != nil {
		return nil, fmt.Errorf("recording verification run: %w", err)
	}

	s.logger.Info("verification complete", "backup", backupID, "valid", run.FilesValid,
		"invalid", run.FilesInvalid, "missing", run.FilesMissing)
	return run, nil
}

// verifyEntry checks one entry and, when requested, scans content that was
// read back completely. A non-nil error aborts the whole run.
func (s *Service) verifyEntry(ctx context.Context, e *model.ManifestEntry, opts VerifyOptions, scan *model.ScanSummary, scanAvailable bool) (model.FileVerification, error) {
	check := model.FileVerification{Path: e.RelativePath}

	var spool *os.File
	if scan != nil && scanAvailable {
		f, err := os.CreateTemp("", "recov-verify-*")
		if err != nil {
			return check, fmt.Errorf("creating scan spool: %w", err)
		}
		defer func() {
			f.Close()
			os.Remove(f.Name())
		}()
		spool = f
	}

	h := digest.New()
	var dst io.Writer = h
	if spool != nil {
		dst = io.MultiWriter(h, spool)
	}

	err := s.decodeObject(ctx, e.RelativePath, e.ObjectKey, encoding{compress: e.Compressed, encrypt: e.Encrypted}, opts.Decryptor, dst)
	switch KindOf(err) {
	case "":
		if err != nil {
			return check, err
		}
	case KindMissing:
		check.Status = model.CheckMissing
		check.Message = "object not found in vault"
		return check, nil
	case KindDecryptFailed, KindCorruptArchive:
		check.Status = model.CheckInvalid
		check.Message = err.Error()
		return check, nil
	default:
		return check, err
	}

	if sum := digest.Sum(h); sum != e.ContentHash {
		check.Status = model.CheckInvalid
		check.Message = fmt.Sprintf("digest mismatch: manifest %s, archive %s", e.ContentHash, sum)
	} else {
		check.Status = model.CheckValid
	}

	if scan != nil {
		s.scanEntry(ctx, e.RelativePath, spool, scan, scanAvailable)
	}
	return check, nil
}

func (s *Service) scanEntry(ctx context.Context, name string, spool *os.File, scan *model.ScanSummary, available bool) {
	if !available {
		scan.Skipped++
		return
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		scan.Errors++
		s.logger.Warn("rewinding scan spool", "path", name, "error", err)
		return
	}

	verdict, err := s.scanner.Scan(ctx, name, spool)
	switch {
	case errors.Is(err, ErrScannerUnavailable):
		scan.Skipped++
	case err != nil:
		scan.Scanned++
		scan.Errors++
		s.logger.Warn("malware scan failed", "path", name, "error", err)
	case verdict.Clean:
		scan.Scanned++
		scan.Clean++
	default:
		scan.Scanned++
		scan.Threats++
		scan.Findings = append(scan.Findings, model.ScanFinding{Path: name, Threat: verdict.Threat})
		s.logger.Warn("malware detected", "path", name, "threat", verdict.Threat)
	}
}

// ListVerificationRuns returns the most recent verification runs of a backup.
func (s *Service) ListVerificationRuns(backupID int64, limit int) ([]*model.VerificationRun, error) {
	runs, err := s.database.ListVerificationRuns(backupID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing verification runs: %w", err)
	}
	return runs, nil
}

func liveEntries(entries []*model.ManifestEntry) []*model.ManifestEntry {
	live := make([]*model.ManifestEntry, 0, len(entries))
	for _, e := range entries {
		if e.Live() {
			live = append(live, e)
		}
	}
	return live
}

func needsDecryptor(entries []*model.ManifestEntry) bool {
	for _, e := range entries {
		if e.Encrypted {
			return true
		}
	}
	return false
}
