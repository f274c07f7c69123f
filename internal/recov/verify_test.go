package recov_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"recov-go/internal/model"
	"recov-go/internal/recov"
	"recov-go/internal/testutil"
)

// stubScanner flags any file whose content equals bad.
type stubScanner struct {
	available bool
	bad       string
	err       error
}

func (s *stubScanner) Available(context.Context) bool { return s.available }

func (s *stubScanner) Scan(_ context.Context, _ string, r io.Reader) (recov.ScanVerdict, error) {
	if s.err != nil {
		return recov.ScanVerdict{}, s.err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return recov.ScanVerdict{}, err
	}
	if string(data) == s.bad {
		return recov.ScanVerdict{Threat: "Test.Signature"}, nil
	}
	return recov.ScanVerdict{Clean: true}, nil
}

func TestService_Verify(t *testing.T) {
	ctx := context.Background()

	t.Run("intact backup is valid", func(t *testing.T) {
		h := testutil.NewHarness(t)
		src := newSource(t, map[string]string{"a": "alpha", "b": "bravo"})
		res := mustBackup(t, h, "docs", []string{src}, recov.BackupOptions{Compress: true})

		run, err := h.Service.Verify(ctx, res.BackupID, recov.VerifyOptions{}, nil)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if run.FilesChecked != 2 || run.FilesValid != 2 {
			t.Errorf("run = %+v, want 2 checked 2 valid", run)
		}
		if run.VirusScan != nil {
			t.Error("VirusScan set without MalwareScan")
		}

		runs, _ := h.Service.ListVerificationRuns(res.BackupID, 10)
		if len(runs) != 1 {
			t.Errorf("ListVerificationRuns() = %d runs, want 1", len(runs))
		}
	})

	t.Run("detects tampering and deletion", func(t *testing.T) {
		h := testutil.NewHarness(t)
		src := newSource(t, map[string]string{"ok": "fine", "tampered": "original", "gone": "bye"})
		res := mustBackup(t, h, "docs", []string{src}, recov.BackupOptions{})
		entries := entriesByPath(t, h, res.BackupID)

		h.Vault.Corrupt(entries["src/tampered"].ObjectKey)
		h.Vault.DeleteContent(entries["src/gone"].ObjectKey)

		run, err := h.Service.Verify(ctx, res.BackupID, recov.VerifyOptions{}, nil)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if run.FilesValid != 1 || run.FilesInvalid != 1 || run.FilesMissing != 1 {
			t.Errorf("run = valid %d invalid %d missing %d, want 1/1/1", run.FilesValid, run.FilesInvalid, run.FilesMissing)
		}
		status := map[string]model.FileCheckStatus{}
		for _, r := range run.Results {
			status[r.Path] = r.Status
		}
		if status["src/tampered"] != model.CheckInvalid || status["src/gone"] != model.CheckMissing {
			t.Errorf("per-file status = %v", status)
		}
	})

	t.Run("tampered encrypted object fails authentication", func(t *testing.T) {
		h := testutil.NewHarness(t)
		src := newSource(t, map[string]string{"secret": "classified"})
		res := mustBackup(t, h, "docs", []string{src}, recov.BackupOptions{Encrypt: true, Compress: true})
		h.Vault.Corrupt(entriesByPath(t, h, res.BackupID)["src/secret"].ObjectKey)

		dec, _ := h.Encryptor.Unlock("")
		run, err := h.Service.Verify(ctx, res.BackupID, recov.VerifyOptions{Decryptor: dec}, nil)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if run.FilesInvalid != 1 {
			t.Errorf("FilesInvalid = %d, want 1", run.FilesInvalid)
		}
	})

	t.Run("encrypted backup needs a decryptor", func(t *testing.T) {
		h := testutil.NewHarness(t)
		src := newSource(t, map[string]string{"a": "a"})
		res := mustBackup(t, h, "docs", []string{src}, recov.BackupOptions{Encrypt: true})

		_, err := h.Service.Verify(ctx, res.BackupID, recov.VerifyOptions{}, nil)
		if !errors.Is(err, recov.ErrEncryptionKeyUnavailable) {
			t.Errorf("error = %v, want EncryptionKeyUnavailable", err)
		}
	})

	t.Run("unknown backup", func(t *testing.T) {
		h := testutil.NewHarness(t)
		if _, err := h.Service.Verify(ctx, 999, recov.VerifyOptions{}, nil); !errors.Is(err, recov.ErrResourceNotFound) {
			t.Errorf("error = %v, want ResourceNotFound", err)
		}
	})

	t.Run("verification does not modify the backup", func(t *testing.T) {
		h := testutil.NewHarness(t)
		src := newSource(t, map[string]string{"a": "alpha"})
		res := mustBackup(t, h, "docs", []string{src}, recov.BackupOptions{})
		before, _ := h.Service.GetBackup(res.BackupID)

		h.Service.Verify(ctx, res.BackupID, recov.VerifyOptions{}, nil)

		after, _ := h.Service.GetBackup(res.BackupID)
		if before.ManifestDigest != after.ManifestDigest || before.FileCount != after.FileCount {
			t.Error("backup changed after verification")
		}
	})
}

func TestService_VerifyMalwareScan(t *testing.T) {
	ctx := context.Background()

	t.Run("records threats", func(t *testing.T) {
		scanner := &stubScanner{available: true, bad: "EVIL"}
		h := testutil.NewHarness(t, func(d *recov.Dependencies) { d.Scanner = scanner })
		src := newSource(t, map[string]string{"clean": "good", "infected": "EVIL"})
		res := mustBackup(t, h, "docs", []string{src}, recov.BackupOptions{Compress: true})

		run, err := h.Service.Verify(ctx, res.BackupID, recov.VerifyOptions{MalwareScan: true}, nil)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		scan := run.VirusScan
		if scan == nil {
			t.Fatal("VirusScan = nil")
		}
		if scan.Scanned != 2 || scan.Clean != 1 || scan.Threats != 1 {
			t.Errorf("scan = %+v, want 2 scanned 1 clean 1 threat", scan)
		}
		if len(scan.Findings) != 1 || scan.Findings[0].Path != "src/infected" {
			t.Errorf("Findings = %+v", scan.Findings)
		}

		runs, _ := h.Service.ListVerificationRuns(res.BackupID, 1)
		if runs[0].VirusScan == nil || runs[0].VirusScan.Threats != 1 {
			t.Error("scan summary not persisted")
		}
	})

	t.Run("unavailable scanner is skipped", func(t *testing.T) {
		h := testutil.NewHarness(t, func(d *recov.Dependencies) { d.Scanner = &stubScanner{} })
		src := newSource(t, map[string]string{"a": "a", "b": "b"})
		res := mustBackup(t, h, "docs", []string{src}, recov.BackupOptions{})

		run, err := h.Service.Verify(ctx, res.BackupID, recov.VerifyOptions{MalwareScan: true}, nil)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if run.FilesValid != 2 {
			t.Errorf("FilesValid = %d, want 2", run.FilesValid)
		}
		if run.VirusScan.Skipped != 2 || run.VirusScan.Scanned != 0 {
			t.Errorf("scan = %+v, want 2 skipped", run.VirusScan)
		}
	})

	t.Run("scanner errors are counted", func(t *testing.T) {
		scanner := &stubScanner{available: true, err: errors.New("daemon crashed")}
		h := testutil.NewHarness(t, func(d *recov.Dependencies) { d.Scanner = scanner })
		src := newSource(t, map[string]string{"a": "a"})
		res := mustBackup(t, h, "docs", []string{src}, recov.BackupOptions{})

		run, err := h.Service.Verify(ctx, res.BackupID, recov.VerifyOptions{MalwareScan: true}, nil)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if run.VirusScan.Errors != 1 {
			t.Errorf("scan = %+v, want 1 error", run.VirusScan)
		}
	})
}
