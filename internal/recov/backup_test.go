package recov_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"recov-go/internal/digest"
	"recov-go/internal/model"
	"recov-go/internal/recov"
	"recov-go/internal/testutil"
)

func newSource(t *testing.T, files map[string]string) string {
	t.Helper()
	src := filepath.Join(t.TempDir(), "src")
	testutil.WriteFiles(t, src, files)
	return src
}

func entriesByPath(t *testing.T, h *testutil.Harness, id int64) map[string]*model.ManifestEntry {
	t.Helper()
	entries, err := h.Service.GetManifest(id)
	if err != nil {
		t.Fatalf("GetManifest() error = %v", err)
	}
	out := make(map[string]*model.ManifestEntry, len(entries))
	for _, e := range entries {
		out[e.RelativePath] = e
	}
	return out
}

func mustBackup(t *testing.T, h *testutil.Harness, name string, sources []string, opts recov.BackupOptions) *recov.BackupResult {
	t.Helper()
	res, err := h.Service.CreateBackup(context.Background(), name, sources, opts, nil)
	if err != nil {
		t.Fatalf("CreateBackup() error = %v", err)
	}
	if !res.Success {
		t.Fatalf("CreateBackup() Success = false, errors = %v", res.Errors)
	}
	return res
}

func TestService_CreateBackup(t *testing.T) {
	t.Run("full backup records every file", func(t *testing.T) {
		h := testutil.NewHarness(t)
		src := newSource(t, map[string]string{
			"a.txt":     "alpha",
			"sub/b.txt": "bravo",
		})

		res := mustBackup(t, h, "docs", []string{src}, recov.BackupOptions{})
		if res.FilesBackedUp != 2 || res.FileCount != 2 {
			t.Errorf("FilesBackedUp = %d FileCount = %d, want 2 and 2", res.FilesBackedUp, res.FileCount)
		}
		if res.TotalSize != 10 {
			t.Errorf("TotalSize = %d, want 10", res.TotalSize)
		}

		entries := entriesByPath(t, h, res.BackupID)
		a := entries["src/a.txt"]
		if a == nil {
			t.Fatalf("manifest missing src/a.txt: %v", entries)
		}
		if a.ContentHash != digest.Hash([]byte("alpha")) {
			t.Errorf("ContentHash = %s, want digest of content", a.ContentHash)
		}
		if a.ChangeStatus != model.StatusAdded {
			t.Errorf("ChangeStatus = %s, want added", a.ChangeStatus)
		}
		if ok, _ := h.Vault.HasContent(a.ObjectKey); !ok {
			t.Errorf("object %s not in vault", a.ObjectKey)
		}

		b, err := h.Service.GetBackup(res.BackupID)
		if err != nil {
			t.Fatalf("GetBackup() error = %v", err)
		}
		if b.Name != "docs" || b.FileCount != 2 {
			t.Errorf("GetBackup() = %+v", b)
		}
		if b.ManifestDigest != recov.ManifestDigest(mapValues(entries)) {
			t.Error("stored ManifestDigest does not match entries")
		}
		if ok, _ := h.Vault.HasContent(b.ManifestRef); !ok {
			t.Error("manifest document not written to vault")
		}
	})

	t.Run("single file source", func(t *testing.T) {
		h := testutil.NewHarness(t)
		src := newSource(t, map[string]string{"notes.md": "n"})

		res := mustBackup(t, h, "one", []string{filepath.Join(src, "notes.md")}, recov.BackupOptions{})
		entries := entriesByPath(t, h, res.BackupID)
		if entries["notes.md"] == nil {
			t.Errorf("manifest = %v, want notes.md", entries)
		}
	})

	t.Run("colliding root names are disambiguated", func(t *testing.T) {
		h := testutil.NewHarness(t)
		one := filepath.Join(t.TempDir(), "data")
		two := filepath.Join(t.TempDir(), "data")
		testutil.WriteFiles(t, one, map[string]string{"x": "1"})
		testutil.WriteFiles(t, two, map[string]string{"x": "2"})

		res := mustBackup(t, h, "multi", []string{one, two}, recov.BackupOptions{})
		entries := entriesByPath(t, h, res.BackupID)
		if entries["data/x"] == nil || entries["data~2/x"] == nil {
			t.Errorf("manifest paths = %v, want data/x and data~2/x", keys(entries))
		}
	})

	t.Run("validates arguments", func(t *testing.T) {
		h := testutil.NewHarness(t)
		ctx := context.Background()

		if _, err := h.Service.CreateBackup(ctx, "", []string{"/tmp"}, recov.BackupOptions{}, nil); !errors.Is(err, recov.ErrInvalidArgument) {
			t.Errorf("empty name error = %v, want InvalidArgument", err)
		}
		if _, err := h.Service.CreateBackup(ctx, "x", nil, recov.BackupOptions{}, nil); !errors.Is(err, recov.ErrInvalidArgument) {
			t.Errorf("no sources error = %v, want InvalidArgument", err)
		}
	})

	t.Run("encryption without key fails before reading", func(t *testing.T) {
		h := testutil.NewHarness(t, func(d *recov.Dependencies) { d.Encryptor = nil })
		src := newSource(t, map[string]string{"a": "a"})

		_, err := h.Service.CreateBackup(context.Background(), "enc", []string{src}, recov.BackupOptions{Encrypt: true}, nil)
		if !errors.Is(err, recov.ErrEncryptionKeyUnavailable) {
			t.Errorf("error = %v, want EncryptionKeyUnavailable", err)
		}
		if h.Vault.Len() != 0 {
			t.Errorf("vault has %d objects, want 0", h.Vault.Len())
		}
	})

	t.Run("unreadable file is skipped and reported", func(t *testing.T) {
		h := testutil.NewHarness(t)
		src := newSource(t, map[string]string{"good": "g", "bad": "b"})
		h.FS.FailOpen(filepath.Join(src, "bad"), os.ErrPermission)

		res, err := h.Service.CreateBackup(context.Background(), "partial", []string{src}, recov.BackupOptions{}, nil)
		if err != nil {
			t.Fatalf("CreateBackup() error = %v", err)
		}
		if !res.Success || res.FilesBackedUp != 1 {
			t.Errorf("result = %+v, want success with 1 file", res)
		}
		if len(res.Errors) != 1 || res.Errors[0].Kind != recov.KindSourceUnreadable || res.Errors[0].Path != "src/bad" {
			t.Errorf("Errors = %v, want one SourceUnreadable for src/bad", res.Errors)
		}
	})

	t.Run("nothing readable fails and leaves no objects", func(t *testing.T) {
		h := testutil.NewHarness(t)
		src := newSource(t, map[string]string{"only": "o"})
		h.FS.FailOpen(filepath.Join(src, "only"), os.ErrPermission)

		_, err := h.Service.CreateBackup(context.Background(), "none", []string{src}, recov.BackupOptions{}, nil)
		if !errors.Is(err, recov.ErrSourceUnreadable) {
			t.Errorf("error = %v, want SourceUnreadable", err)
		}
		if h.Vault.Len() != 0 {
			t.Errorf("vault has %d objects, want 0", h.Vault.Len())
		}
		if backups, _ := h.Service.ListBackups(); len(backups) != 0 {
			t.Errorf("ListBackups() = %d, want 0", len(backups))
		}
	})

	t.Run("missing source path", func(t *testing.T) {
		h := testutil.NewHarness(t)
		_, err := h.Service.CreateBackup(context.Background(), "gone", []string{filepath.Join(t.TempDir(), "nope")}, recov.BackupOptions{}, nil)
		if !errors.Is(err, recov.ErrSourceUnreadable) {
			t.Errorf("error = %v, want SourceUnreadable", err)
		}
	})

	t.Run("staging full aborts with disk full", func(t *testing.T) {
		h := testutil.NewHarness(t, func(d *recov.Dependencies) {
			d.Staging = testutil.NewTestStagingAreaWithSize(4)
		})
		src := newSource(t, map[string]string{"big": "this does not fit"})

		_, err := h.Service.CreateBackup(context.Background(), "big", []string{src}, recov.BackupOptions{}, nil)
		if !errors.Is(err, recov.ErrDiskFull) {
			t.Errorf("error = %v, want DiskFull", err)
		}
		if h.Vault.Len() != 0 {
			t.Errorf("vault has %d objects after failed backup, want 0", h.Vault.Len())
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		h := testutil.NewHarness(t)
		src := newSource(t, map[string]string{"a": "a", "b": "b"})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := h.Service.CreateBackup(ctx, "c", []string{src}, recov.BackupOptions{}, nil)
		if !errors.Is(err, recov.ErrCancelled) {
			t.Errorf("error = %v, want Cancelled", err)
		}
		if h.Vault.Len() != 0 {
			t.Errorf("vault has %d objects, want 0", h.Vault.Len())
		}
	})

	t.Run("encoded payloads differ from source", func(t *testing.T) {
		h := testutil.NewHarness(t)
		content := strings.Repeat("compress me ", 100)
		src := newSource(t, map[string]string{"a.txt": content})

		res := mustBackup(t, h, "enc", []string{src}, recov.BackupOptions{Encrypt: true, Compress: true})
		e := entriesByPath(t, h, res.BackupID)["src/a.txt"]
		if !e.Encrypted || !e.Compressed {
			t.Errorf("entry flags = encrypted %v compressed %v", e.Encrypted, e.Compressed)
		}
		if e.ContentHash != digest.Hash([]byte(content)) {
			t.Error("ContentHash must be the digest of the plaintext")
		}
		if e.StoredSize == e.SizeBytes {
			t.Errorf("StoredSize = SizeBytes = %d; payload was not transformed", e.StoredSize)
		}
	})

	t.Run("progress is reported per file", func(t *testing.T) {
		h := testutil.NewHarness(t)
		src := newSource(t, map[string]string{"a": "a", "b": "b", "c": "c"})

		var reports []recov.Progress
		_, err := h.Service.CreateBackup(context.Background(), "p", []string{src}, recov.BackupOptions{}, func(p recov.Progress) {
			reports = append(reports, p)
		})
		if err != nil {
			t.Fatalf("CreateBackup() error = %v", err)
		}
		if len(reports) != 3 || reports[2].Current != 3 || reports[2].Total != 3 {
			t.Errorf("progress reports = %+v", reports)
		}
	})
}

func TestService_IncrementalBackup(t *testing.T) {
	t.Run("unchanged files reuse objects", func(t *testing.T) {
		h := testutil.NewHarness(t)
		src := newSource(t, map[string]string{"a": "alpha", "b": "bravo"})
		opts := recov.BackupOptions{Incremental: true}

		first := mustBackup(t, h, "docs", []string{src}, opts)
		objects := h.Vault.Len()

		second := mustBackup(t, h, "docs", []string{src}, opts)
		if second.Unchanged != 2 {
			t.Errorf("Unchanged = %d, want 2", second.Unchanged)
		}
		if second.FilesBackedUp != 0 {
			t.Errorf("FilesBackedUp = %d, want 0 for an unchanged tree", second.FilesBackedUp)
		}
		if second.FileCount != 2 {
			t.Errorf("FileCount = %d, want 2", second.FileCount)
		}
		// Only the second manifest document is new.
		if h.Vault.Len() != objects+1 {
			t.Errorf("vault objects = %d, want %d", h.Vault.Len(), objects+1)
		}

		e1 := entriesByPath(t, h, first.BackupID)
		e2 := entriesByPath(t, h, second.BackupID)
		for p, e := range e2 {
			if e.ChangeStatus != model.StatusUnchanged {
				t.Errorf("%s ChangeStatus = %s, want unchanged", p, e.ChangeStatus)
			}
			if e.ObjectKey != e1[p].ObjectKey {
				t.Errorf("%s ObjectKey = %s, want reused %s", p, e.ObjectKey, e1[p].ObjectKey)
			}
		}

		b1, _ := h.Service.GetBackup(first.BackupID)
		b2, _ := h.Service.GetBackup(second.BackupID)
		if b1.ManifestDigest != b2.ManifestDigest {
			t.Error("ManifestDigest changed for identical content")
		}
		if !b2.PreviousBackupID.Valid || b2.PreviousBackupID.Int64 != first.BackupID {
			t.Errorf("PreviousBackupID = %v, want %d", b2.PreviousBackupID, first.BackupID)
		}
	})

	t.Run("classifies added modified and deleted", func(t *testing.T) {
		h := testutil.NewHarness(t)
		src := newSource(t, map[string]string{"keep": "k", "change": "v1", "drop": "d"})
		opts := recov.BackupOptions{Incremental: true}
		mustBackup(t, h, "docs", []string{src}, opts)

		os.WriteFile(filepath.Join(src, "change"), []byte("v2"), 0644)
		os.Remove(filepath.Join(src, "drop"))
		os.WriteFile(filepath.Join(src, "new"), []byte("n"), 0644)

		res := mustBackup(t, h, "docs", []string{src}, opts)
		if res.Deleted != 1 || res.Unchanged != 1 {
			t.Errorf("Deleted = %d Unchanged = %d, want 1 and 1", res.Deleted, res.Unchanged)
		}
		if res.FilesBackedUp != 2 {
			t.Errorf("FilesBackedUp = %d, want 2 (new and change)", res.FilesBackedUp)
		}
		if res.FileCount != 3 {
			t.Errorf("FileCount = %d, want 3 live files", res.FileCount)
		}

		want := map[string]model.ChangeStatus{
			"src/keep":   model.StatusUnchanged,
			"src/change": model.StatusModified,
			"src/drop":   model.StatusDeleted,
			"src/new":    model.StatusAdded,
		}
		entries := entriesByPath(t, h, res.BackupID)
		for p, status := range want {
			if entries[p] == nil || entries[p].ChangeStatus != status {
				t.Errorf("%s status = %v, want %s", p, entries[p], status)
			}
		}
		if entries["src/drop"].ObjectKey != "" {
			t.Error("deleted entry should not reference an object")
		}
	})

	t.Run("encoding change re-stores content", func(t *testing.T) {
		h := testutil.NewHarness(t)
		src := newSource(t, map[string]string{"a": "alpha"})
		first := mustBackup(t, h, "docs", []string{src}, recov.BackupOptions{Incremental: true})
		second := mustBackup(t, h, "docs", []string{src}, recov.BackupOptions{Incremental: true, Compress: true})

		e1 := entriesByPath(t, h, first.BackupID)["src/a"]
		e2 := entriesByPath(t, h, second.BackupID)["src/a"]
		if e2.ChangeStatus != model.StatusUnchanged {
			t.Errorf("ChangeStatus = %s, want unchanged", e2.ChangeStatus)
		}
		if e2.ObjectKey == e1.ObjectKey || !e2.Compressed {
			t.Error("content with a different encoding must be stored again")
		}
		if second.FilesBackedUp != 1 {
			t.Errorf("FilesBackedUp = %d, want 1 re-stored file", second.FilesBackedUp)
		}
	})

	t.Run("full backup ignores previous versions", func(t *testing.T) {
		h := testutil.NewHarness(t)
		src := newSource(t, map[string]string{"a": "alpha"})
		mustBackup(t, h, "docs", []string{src}, recov.BackupOptions{})
		res := mustBackup(t, h, "docs", []string{src}, recov.BackupOptions{})

		if e := entriesByPath(t, h, res.BackupID)["src/a"]; e.ChangeStatus != model.StatusAdded {
			t.Errorf("ChangeStatus = %s, want added", e.ChangeStatus)
		}
	})
	t.Run("concurrent runs of one name form a chain", func(t *testing.T) {
		h := testutil.NewHarness(t)
		src := newSource(t, map[string]string{"a": "alpha", "b": "bravo"})
		opts := recov.BackupOptions{Incremental: true}

		var wg sync.WaitGroup
		results := make([]*recov.BackupResult, 2)
		errs := make([]error, 2)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = h.Service.CreateBackup(context.Background(), "docs", []string{src}, opts, nil)
			}(i)
		}
		wg.Wait()
		for i, err := range errs {
			if err != nil {
				t.Fatalf("CreateBackup() #%d error = %v", i, err)
			}
		}

		b0, _ := h.Service.GetBackup(results[0].BackupID)
		b1, _ := h.Service.GetBackup(results[1].BackupID)
		first, second, later := b0, b1, results[1]
		if b0.PreviousBackupID.Valid {
			first, second, later = b1, b0, results[0]
		}
		if first.PreviousBackupID.Valid {
			t.Errorf("first version PreviousBackupID = %v, want none", first.PreviousBackupID)
		}
		if !second.PreviousBackupID.Valid || second.PreviousBackupID.Int64 != first.ID {
			t.Fatalf("PreviousBackupID = %v, want %d", second.PreviousBackupID, first.ID)
		}
		for p, e := range entriesByPath(t, h, second.ID) {
			if e.ChangeStatus != model.StatusUnchanged {
				t.Errorf("%s ChangeStatus = %s, want unchanged", p, e.ChangeStatus)
			}
		}
		if later.FilesBackedUp != 0 || later.Unchanged != 2 {
			t.Errorf("later run stored %d, unchanged %d; want 0 and 2", later.FilesBackedUp, later.Unchanged)
		}
	})
}

func TestService_DeleteBackup(t *testing.T) {
	h := testutil.NewHarness(t)
	src := newSource(t, map[string]string{"shared": "s", "only1": "o"})
	opts := recov.BackupOptions{Incremental: true}
	first := mustBackup(t, h, "docs", []string{src}, opts)
	os.Remove(filepath.Join(src, "only1"))
	second := mustBackup(t, h, "docs", []string{src}, opts)

	shared := entriesByPath(t, h, first.BackupID)["src/shared"].ObjectKey
	only := entriesByPath(t, h, first.BackupID)["src/only1"].ObjectKey

	removed, err := h.Service.DeleteBackup(context.Background(), first.BackupID)
	if err != nil {
		t.Fatalf("DeleteBackup() error = %v", err)
	}
	// only1's object and the first manifest document.
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if ok, _ := h.Vault.HasContent(shared); !ok {
		t.Error("object still referenced by a live backup was removed")
	}
	if ok, _ := h.Vault.HasContent(only); ok {
		t.Error("unreferenced object was kept")
	}

	if _, err := h.Service.GetBackup(first.BackupID); !errors.Is(err, recov.ErrResourceNotFound) {
		t.Errorf("GetBackup(deleted) error = %v, want ResourceNotFound", err)
	}
	if _, err := h.Service.DeleteBackup(context.Background(), first.BackupID); !errors.Is(err, recov.ErrResourceNotFound) {
		t.Errorf("second DeleteBackup() error = %v, want ResourceNotFound", err)
	}

	backups, _ := h.Service.ListBackups()
	if len(backups) != 1 || backups[0].ID != second.BackupID {
		t.Errorf("ListBackups() = %v, want only the second backup", backups)
	}

	// The surviving version still verifies.
	run, err := h.Service.Verify(context.Background(), second.BackupID, recov.VerifyOptions{}, nil)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if run.FilesValid != 1 {
		t.Errorf("FilesValid = %d, want 1", run.FilesValid)
	}
}

func mapValues(m map[string]*model.ManifestEntry) []*model.ManifestEntry {
	out := make([]*model.ManifestEntry, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
