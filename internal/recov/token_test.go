package recov_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"recov-go/internal/keystore"
	"recov-go/internal/recov"
	"recov-go/internal/testutil"
)

func ttl(d time.Duration) *time.Duration { return &d }

func backupToken(t *testing.T, h *testutil.Harness, id int64, req recov.IssueRequest) *recov.IssuedToken {
	t.Helper()
	req.Type = recov.TokenTypeBackup
	req.ResourceID = strconv.FormatInt(id, 10)
	issued, err := h.Service.IssueToken(context.Background(), req)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return issued
}

// tamper changes the first character of the signature part.
func tamper(tok string) string {
	i := strings.LastIndex(tok, ".") + 1
	c := byte('A')
	if tok[i] == 'A' {
		c = 'B'
	}
	return tok[:i] + string(c) + tok[i+1:]
}

func TestService_IssueToken(t *testing.T) {
	ctx := context.Background()

	t.Run("issues a verifiable token", func(t *testing.T) {
		h := testutil.NewHarness(t)
		res := mustBackup(t, h, "docs", []string{newSource(t, map[string]string{"a": "a"})}, recov.BackupOptions{})

		issued := backupToken(t, h, res.BackupID, recov.IssueRequest{ResourceName: "docs", TTL: ttl(time.Hour)})
		if !strings.HasPrefix(issued.TokenString, "rt1.") || !strings.HasPrefix(issued.QRPayload, "RT1:") {
			t.Errorf("unexpected token forms %q %q", issued.TokenString, issued.QRPayload)
		}
		want := h.Clock.Now().Add(time.Hour)
		if issued.ExpiresAt == nil || !issued.ExpiresAt.Equal(want) {
			t.Errorf("ExpiresAt = %v, want %v", issued.ExpiresAt, want)
		}

		v, err := h.Service.VerifyToken(ctx, issued.TokenString)
		if err != nil {
			t.Fatalf("VerifyToken() error = %v", err)
		}
		if v.Token.TokenID != issued.TokenID || !v.ResourceExists || v.Consumed {
			t.Errorf("verification = %+v", v)
		}
	})

	t.Run("permanent token must be confirmed", func(t *testing.T) {
		h := testutil.NewHarness(t)
		res := mustBackup(t, h, "docs", []string{newSource(t, map[string]string{"a": "a"})}, recov.BackupOptions{})

		_, err := h.Service.IssueToken(ctx, recov.IssueRequest{Type: recov.TokenTypeBackup, ResourceID: strconv.FormatInt(res.BackupID, 10)})
		if !errors.Is(err, recov.ErrPermanentNotConfirmed) {
			t.Fatalf("error = %v, want PermanentNotConfirmed", err)
		}

		issued := backupToken(t, h, res.BackupID, recov.IssueRequest{ConfirmPermanent: true})
		if issued.ExpiresAt != nil {
			t.Errorf("ExpiresAt = %v, want nil", issued.ExpiresAt)
		}
		h.Clock.Advance(10 * 365 * 24 * time.Hour)
		if _, err := h.Service.VerifyToken(ctx, issued.TokenString); err != nil {
			t.Errorf("permanent token rejected: %v", err)
		}
	})

	t.Run("rejects bad requests", func(t *testing.T) {
		h := testutil.NewHarness(t)
		tests := []struct {
			name string
			req  recov.IssueRequest
			want error
		}{
			{"unknown type", recov.IssueRequest{Type: "volume", ResourceID: "1", TTL: ttl(time.Hour)}, recov.ErrInvalidArgument},
			{"missing resource", recov.IssueRequest{Type: recov.TokenTypeBackup, TTL: ttl(time.Hour)}, recov.ErrInvalidArgument},
			{"non-numeric backup id", recov.IssueRequest{Type: recov.TokenTypeBackup, ResourceID: "docs", TTL: ttl(time.Hour)}, recov.ErrInvalidArgument},
			{"negative ttl", recov.IssueRequest{Type: recov.TokenTypeBackup, ResourceID: "1", TTL: ttl(-time.Minute)}, recov.ErrInvalidArgument},
			{"unknown backup", recov.IssueRequest{Type: recov.TokenTypeBackup, ResourceID: "404", TTL: ttl(time.Hour)}, recov.ErrResourceNotFound},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if _, err := h.Service.IssueToken(ctx, tt.req); !errors.Is(err, tt.want) {
					t.Errorf("error = %v, want %v", err, tt.want)
				}
			})
		}
	})

	t.Run("requires a signing key", func(t *testing.T) {
		h := testutil.NewHarness(t, func(d *recov.Dependencies) { d.KeyStore = nil })
		res := mustBackup(t, h, "docs", []string{newSource(t, map[string]string{"a": "a"})}, recov.BackupOptions{})

		_, err := h.Service.IssueToken(ctx, recov.IssueRequest{Type: recov.TokenTypeBackup, ResourceID: strconv.FormatInt(res.BackupID, 10), TTL: ttl(time.Hour)})
		if !errors.Is(err, recov.ErrEncryptionKeyUnavailable) {
			t.Errorf("error = %v, want EncryptionKeyUnavailable", err)
		}
	})
}

func TestService_VerifyToken(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*testutil.Harness, string, int64) {
		h := testutil.NewHarness(t)
		src := newSource(t, map[string]string{"a": "alpha"})
		res := mustBackup(t, h, "docs", []string{src}, recov.BackupOptions{})
		return h, src, res.BackupID
	}

	t.Run("QR payload verifies", func(t *testing.T) {
		h, _, id := setup(t)
		issued := backupToken(t, h, id, recov.IssueRequest{TTL: ttl(time.Hour)})
		if _, err := h.Service.VerifyToken(ctx, issued.QRPayload); err != nil {
			t.Errorf("VerifyToken(QR) error = %v", err)
		}
	})

	t.Run("tampered and malformed tokens", func(t *testing.T) {
		h, _, id := setup(t)
		issued := backupToken(t, h, id, recov.IssueRequest{TTL: ttl(time.Hour)})

		for _, raw := range []string{tamper(issued.TokenString), "rt1.garbage", "", "hello"} {
			if _, err := h.Service.VerifyToken(ctx, raw); !errors.Is(err, recov.ErrTokenInvalid) {
				t.Errorf("VerifyToken(%q) error = %v, want TokenInvalid", raw, err)
			}
		}
	})

	t.Run("token from another key", func(t *testing.T) {
		h, _, id := setup(t)
		issued := backupToken(t, h, id, recov.IssueRequest{TTL: ttl(time.Hour)})

		other := testutil.NewHarness(t, func(d *recov.Dependencies) {
			d.KeyStore = keystore.NewMemoryKeyStore(bytes.Repeat([]byte{0x17}, 32))
		})
		if _, err := other.Service.VerifyToken(ctx, issued.TokenString); !errors.Is(err, recov.ErrTokenInvalid) {
			t.Errorf("error = %v, want TokenInvalid", err)
		}
	})

	t.Run("expires", func(t *testing.T) {
		h, _, id := setup(t)
		issued := backupToken(t, h, id, recov.IssueRequest{TTL: ttl(time.Hour)})

		h.Clock.Advance(59 * time.Minute)
		if _, err := h.Service.VerifyToken(ctx, issued.TokenString); err != nil {
			t.Fatalf("VerifyToken() before expiry error = %v", err)
		}
		h.Clock.Advance(time.Minute)
		if _, err := h.Service.VerifyToken(ctx, issued.TokenString); !errors.Is(err, recov.ErrTokenExpired) {
			t.Errorf("error = %v, want TokenExpired", err)
		}
	})

	t.Run("sub-second issue time keeps the full ttl", func(t *testing.T) {
		h, _, id := setup(t)
		h.Clock.Set(testutil.Epoch.Add(999 * time.Millisecond))
		issuedAt := h.Clock.Now()
		issued := backupToken(t, h, id, recov.IssueRequest{TTL: ttl(time.Second)})
		if issued.ExpiresAt == nil || issued.ExpiresAt.Before(issuedAt.Add(time.Second)) {
			t.Errorf("ExpiresAt = %v, want no earlier than %v", issued.ExpiresAt, issuedAt.Add(time.Second))
		}

		h.Clock.Advance(2 * time.Millisecond)
		if _, err := h.Service.VerifyToken(ctx, issued.TokenString); err != nil {
			t.Fatalf("VerifyToken() within ttl error = %v", err)
		}
		h.Clock.Advance(2 * time.Second)
		if _, err := h.Service.VerifyToken(ctx, issued.TokenString); !errors.Is(err, recov.ErrTokenExpired) {
			t.Errorf("error = %v, want TokenExpired", err)
		}
	})

	t.Run("one-time token is consumed", func(t *testing.T) {
		h, _, id := setup(t)
		issued := backupToken(t, h, id, recov.IssueRequest{TTL: ttl(time.Hour), OneTimeUse: true})

		v, err := h.Service.VerifyToken(ctx, issued.TokenString)
		if err != nil {
			t.Fatalf("first VerifyToken() error = %v", err)
		}
		if !v.Consumed || !v.Token.Used {
			t.Errorf("verification = %+v, want consumed", v)
		}

		// Already-used is reported ahead of expiry.
		h.Clock.Advance(2 * time.Hour)
		if _, err := h.Service.VerifyToken(ctx, issued.TokenString); !errors.Is(err, recov.ErrTokenAlreadyUsed) {
			t.Errorf("second VerifyToken() error = %v, want TokenAlreadyUsed", err)
		}
	})

	t.Run("concurrent one-time verification", func(t *testing.T) {
		h, _, id := setup(t)
		issued := backupToken(t, h, id, recov.IssueRequest{TTL: ttl(time.Hour), OneTimeUse: true})

		const callers = 10
		var wg sync.WaitGroup
		errs := make([]error, callers)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = h.Service.VerifyToken(ctx, issued.TokenString)
			}(i)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			switch {
			case err == nil:
				succeeded++
			case !errors.Is(err, recov.ErrTokenAlreadyUsed):
				t.Errorf("unexpected error %v", err)
			}
		}
		if succeeded != 1 {
			t.Errorf("%d callers succeeded, want exactly 1", succeeded)
		}
	})

	t.Run("follows the backup lineage", func(t *testing.T) {
		h, src, id := setup(t)
		issued := backupToken(t, h, id, recov.IssueRequest{TTL: ttl(time.Hour)})

		// Same content, new version: still valid.
		mustBackup(t, h, "docs", []string{src}, recov.BackupOptions{Incremental: true})
		if _, err := h.Service.VerifyToken(ctx, issued.TokenString); err != nil {
			t.Fatalf("VerifyToken() after unchanged backup error = %v", err)
		}

		os.WriteFile(filepath.Join(src, "a"), []byte("changed"), 0644)
		mustBackup(t, h, "docs", []string{src}, recov.BackupOptions{Incremental: true})
		if _, err := h.Service.VerifyToken(ctx, issued.TokenString); !errors.Is(err, recov.ErrResourceModified) {
			t.Errorf("error = %v, want ResourceModified", err)
		}
	})

	t.Run("deleted backup warns", func(t *testing.T) {
		h, _, id := setup(t)
		issued := backupToken(t, h, id, recov.IssueRequest{TTL: ttl(time.Hour)})
		if _, err := h.Service.DeleteBackup(ctx, id); err != nil {
			t.Fatalf("DeleteBackup() error = %v", err)
		}

		v, err := h.Service.VerifyToken(ctx, issued.TokenString)
		if err != nil {
			t.Fatalf("VerifyToken() error = %v", err)
		}
		if v.ResourceExists || len(v.Warnings) == 0 {
			t.Errorf("verification = %+v, want missing resource with warning", v)
		}
	})

	t.Run("deleted version warns despite newer versions", func(t *testing.T) {
		h, src, id := setup(t)
		issued := backupToken(t, h, id, recov.IssueRequest{TTL: ttl(time.Hour)})
		mustBackup(t, h, "docs", []string{src}, recov.BackupOptions{Incremental: true})
		if _, err := h.Service.DeleteBackup(ctx, id); err != nil {
			t.Fatalf("DeleteBackup() error = %v", err)
		}

		v, err := h.Service.VerifyToken(ctx, issued.TokenString)
		if err != nil {
			t.Fatalf("VerifyToken() error = %v", err)
		}
		if v.ResourceExists || len(v.Warnings) == 0 {
			t.Errorf("verification = %+v, want missing resource with warning", v)
		}

		if _, err := h.Service.IssueToken(ctx, recov.IssueRequest{
			Type: recov.TokenTypeBackup, ResourceID: strconv.FormatInt(id, 10), TTL: ttl(time.Hour),
		}); !errors.Is(err, recov.ErrResourceNotFound) {
			t.Errorf("IssueToken() for deleted version error = %v, want ResourceNotFound", err)
		}
	})

	t.Run("path tokens", func(t *testing.T) {
		h := testutil.NewHarness(t)
		dir := newSource(t, map[string]string{"x": "1", "y/z": "2"})

		issued, err := h.Service.IssueToken(ctx, recov.IssueRequest{Type: recov.TokenTypePath, ResourceID: dir, TTL: ttl(time.Hour)})
		if err != nil {
			t.Fatalf("IssueToken() error = %v", err)
		}
		if _, err := h.Service.VerifyToken(ctx, issued.TokenString); err != nil {
			t.Fatalf("VerifyToken() error = %v", err)
		}

		os.WriteFile(filepath.Join(dir, "y", "z"), []byte("3"), 0644)
		if _, err := h.Service.VerifyToken(ctx, issued.TokenString); !errors.Is(err, recov.ErrResourceModified) {
			t.Errorf("error = %v, want ResourceModified", err)
		}

		os.RemoveAll(dir)
		_, err = h.Service.IssueToken(ctx, recov.IssueRequest{Type: recov.TokenTypePath, ResourceID: dir, TTL: ttl(time.Hour)})
		if !errors.Is(err, recov.ErrResourceNotFound) {
			t.Errorf("IssueToken() for missing path error = %v, want ResourceNotFound", err)
		}
	})
}

func TestService_TokenLifecycle(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewHarness(t)
	res := mustBackup(t, h, "docs", []string{newSource(t, map[string]string{"a": "a"})}, recov.BackupOptions{})

	short := backupToken(t, h, res.BackupID, recov.IssueRequest{TTL: ttl(time.Hour)})
	forever := backupToken(t, h, res.BackupID, recov.IssueRequest{ConfirmPermanent: true})
	revoked := backupToken(t, h, res.BackupID, recov.IssueRequest{TTL: ttl(48 * time.Hour)})

	if err := h.Service.RevokeToken(revoked.TokenID); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}
	if _, err := h.Service.VerifyToken(ctx, revoked.TokenString); !errors.Is(err, recov.ErrTokenInvalid) {
		t.Errorf("revoked token error = %v, want TokenInvalid", err)
	}
	if err := h.Service.RevokeToken(revoked.TokenID); !errors.Is(err, recov.ErrResourceNotFound) {
		t.Errorf("second RevokeToken() error = %v, want ResourceNotFound", err)
	}

	h.Clock.Advance(2 * time.Hour)
	n, err := h.Service.CleanupTokens()
	if err != nil {
		t.Fatalf("CleanupTokens() error = %v", err)
	}
	if n != 1 {
		t.Errorf("CleanupTokens() = %d, want 1", n)
	}

	tokens, err := h.Service.ListTokens(10)
	if err != nil {
		t.Fatalf("ListTokens() error = %v", err)
	}
	if len(tokens) != 1 || tokens[0].TokenID != forever.TokenID {
		t.Errorf("remaining tokens = %v, want only the permanent one", tokens)
	}
	if _, err := h.Service.VerifyToken(ctx, short.TokenString); !errors.Is(err, recov.ErrTokenInvalid) {
		t.Errorf("cleaned-up token error = %v, want TokenInvalid", err)
	}
}
