package recov

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"recov-go/internal/digest"
	"recov-go/internal/model"
	"recov-go/internal/token"
)

// Built-in token resource types.
const (
	TokenTypeBackup = "backup"
	TokenTypePath   = "path"
)

// ResourceResolver computes the current fingerprint of a token's resource.
// exists is false when the resource is gone.
type ResourceResolver interface {
	Fingerprint(ctx context.Context, resourceID string) (fp string, exists bool, err error)
}

// IssueRequest describes a token to issue. A nil TTL issues a permanent
// token and requires ConfirmPermanent.
type IssueRequest struct {
	Type             string
	ResourceID       string
	ResourceName     string
	TTL              *time.Duration
	ConfirmPermanent bool
	OneTimeUse       bool
	Metadata         map[string]any
}

// IssuedToken is returned once at issue time. The token string is not stored.
type IssuedToken struct {
	TokenID     string
	TokenString string
	QRPayload   string
	ExpiresAt   *time.Time
}

// TokenVerification is the outcome of a successful VerifyToken call.
// ResourceExists is false when the token is valid but its resource is gone;
// Warnings explains such cases.
type TokenVerification struct {
	Token          *model.RecoveryToken
	ResourceExists bool
	Consumed       bool
	Warnings       []string
}

// IssueToken creates and records a signed recovery token bound to the
// current fingerprint of its resource.
func (s *Service) IssueToken(ctx context.Context, req IssueRequest) (*IssuedToken, error) {
	resolver, ok := s.resolvers[req.Type]
	if !ok {
		return nil, NewError(KindInvalidArgument, "", fmt.Errorf("unknown token type %q", req.Type))
	}
	if req.ResourceID == "" {
		return nil, NewError(KindInvalidArgument, "", errors.New("resource id is required"))
	}
	if req.TTL == nil && !req.ConfirmPermanent {
		return nil, NewError(KindPermanentNotConfirmed, "", errors.New("a token without expiry must be confirmed as permanent"))
	}
	if req.TTL != nil && *req.TTL <= 0 {
		return nil, NewError(KindInvalidArgument, "", fmt.Errorf("ttl must be positive, got %s", *req.TTL))
	}

	fp, exists, err := resolver.Fingerprint(ctx, req.ResourceID)
	if err != nil {
		return nil, fmt.Errorf("fingerprinting resource: %w", err)
	}
	if !exists {
		return nil, NewError(KindResourceNotFound, req.ResourceID, nil)
	}

	issuedAt := s.clock.Now().UTC()
	now := issuedAt.Truncate(time.Second)
	rec := &model.RecoveryToken{
		TokenID:             s.idgen.New(),
		Type:                req.Type,
		ResourceID:          req.ResourceID,
		ResourceName:        req.ResourceName,
		IssuedAt:            now,
		OneTimeUse:          req.OneTimeUse,
		ResourceFingerprint: fp,
		Metadata:            req.Metadata,
	}
	claims := &token.Claims{
		TokenID:     rec.TokenID,
		Type:        rec.Type,
		ResourceID:  rec.ResourceID,
		Fingerprint: fp,
		OneTimeUse:  rec.OneTimeUse,
	}
	issued := &IssuedToken{TokenID: rec.TokenID}
	if req.TTL != nil {
		exp := expiryAt(issuedAt, *req.TTL)
		rec.ExpiresAt = sql.NullTime{Time: exp, Valid: true}
		claims.Expires = exp.Unix()
		issued.ExpiresAt = &exp
	}

	err = s.withSigner(func(signer *token.Signer) error {
		var err error
		issued.TokenString, issued.QRPayload, err = signer.Issue(claims)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := s.database.CreateRecoveryToken(rec); err != nil {
		return nil, fmt.Errorf("recording token: %w", err)
	}

	s.recorder.TokenIssued(rec.Type)
	s.logger.Info("recovery token issued", "token", rec.TokenID, "type", rec.Type,
		"resource", rec.ResourceID, "permanent", rec.Permanent(), "one_time", rec.OneTimeUse)
	return issued, nil
}

// expiryAt rounds issuedAt+ttl up to a whole second, the resolution claims
// carry, so a token never expires before its full TTL has passed.
func expiryAt(issuedAt time.Time, ttl time.Duration) time.Time {
	exp := issuedAt.Add(ttl)
	if t := exp.Truncate(time.Second); t.Before(exp) {
		return t.Add(time.Second)
	}
	return exp
}

// VerifyToken checks a token string or QR payload. Checks run in order:
// signature, stored record, prior use, expiry, resource fingerprint. A valid
// one-time token is consumed atomically, so of several concurrent callers
// exactly one succeeds.
func (s *Service) VerifyToken(ctx context.Context, raw string) (result *TokenVerification, err error) {
	tokenType := ""
	defer func() {
		s.recorder.TokenVerified(tokenType, KindOf(err))
	}()

	var claims *token.Claims
	err = s.withSigner(func(signer *token.Signer) error {
		var err error
		claims, err = signer.Open(raw)
		return err
	})
	if err != nil {
		if KindOf(err) != "" {
			return nil, err
		}
		return nil, NewError(KindTokenInvalid, "", err)
	}
	tokenType = claims.Type

	rec, err := s.database.FindRecoveryToken(claims.TokenID)
	if err != nil {
		return nil, fmt.Errorf("finding token: %w", err)
	}
	if rec == nil {
		return nil, NewError(KindTokenInvalid, "", errors.New("token is unknown or has been revoked"))
	}
	if !claimsMatch(claims, rec) {
		return nil, NewError(KindTokenInvalid, "", errors.New("token does not match its record"))
	}

	if rec.OneTimeUse && rec.Used {
		return nil, NewError(KindTokenAlreadyUsed, "", fmt.Errorf("token was used at %s", rec.UsedAt.Time.Format(time.RFC3339)))
	}
	now := s.clock.Now()
	if !rec.Permanent() && !now.Before(rec.ExpiresAt.Time) {
		return nil, NewError(KindTokenExpired, "", fmt.Errorf("token expired at %s", rec.ExpiresAt.Time.Format(time.RFC3339)))
	}

	result = &TokenVerification{Token: rec, ResourceExists: true}

	resolver, ok := s.resolvers[rec.Type]
	if !ok {
		return nil, NewError(KindTokenInvalid, "", fmt.Errorf("no resolver for token type %q", rec.Type))
	}
	fp, exists, err := resolver.Fingerprint(ctx, rec.ResourceID)
	if err != nil {
		return nil, fmt.Errorf("fingerprinting resource: %w", err)
	}
	switch {
	case !exists:
		result.ResourceExists = false
		result.Warnings = append(result.Warnings, fmt.Sprintf("%s %s no longer exists", rec.Type, rec.ResourceID))
	case fp != rec.ResourceFingerprint:
		return nil, NewError(KindResourceModified, rec.ResourceID, errors.New("resource changed since the token was issued"))
	}

	if rec.OneTimeUse {
		ok, err := s.database.ConsumeRecoveryToken(rec.TokenID, now)
		if err != nil {
			return nil, fmt.Errorf("consuming token: %w", err)
		}
		if !ok {
			return nil, NewError(KindTokenAlreadyUsed, "", errors.New("token was used concurrently"))
		}
		rec.Used = true
		rec.UsedAt = sql.NullTime{Time: now, Valid: true}
		result.Consumed = true
	}

	s.logger.Info("recovery token verified", "token", rec.TokenID, "type", rec.Type,
		"resource_exists", result.ResourceExists, "consumed", result.Consumed)
	return result, nil
}

// claimsMatch guards against a validly signed token whose record was
// rewritten after issue.
func claimsMatch(c *token.Claims, rec *model.RecoveryToken) bool {
	var exp int64
	if rec.ExpiresAt.Valid {
		exp = rec.ExpiresAt.Time.Unix()
	}
	return c.Type == rec.Type &&
		c.ResourceID == rec.ResourceID &&
		c.Fingerprint == rec.ResourceFingerprint &&
		c.OneTimeUse == rec.OneTimeUse &&
		c.Expires == exp
}

// ListTokens returns the most recently issued tokens.
func (s *Service) ListTokens(limit int) ([]*model.RecoveryToken, error) {
	tokens, err := s.database.ListRecoveryTokens(limit)
	if err != nil {
		return nil, fmt.Errorf("listing tokens: %w", err)
	}
	return tokens, nil
}

// CleanupTokens removes expired tokens. Permanent tokens are kept.
func (s *Service) CleanupTokens() (int64, error) {
	n, err := s.database.DeleteExpiredRecoveryTokens(s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("removing expired tokens: %w", err)
	}
	s.logger.Info("expired tokens removed", "count", n)
	return n, nil
}

// RevokeToken deletes a token record; later verification of it fails.
func (s *Service) RevokeToken(tokenID string) error {
	ok, err := s.database.DeleteRecoveryToken(tokenID)
	if err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	if !ok {
		return NewError(KindResourceNotFound, tokenID, errors.New("no such token"))
	}
	s.logger.Info("recovery token revoked", "token", tokenID)
	return nil
}

func (s *Service) withSigner(fn func(*token.Signer) error) error {
	if s.keystore == nil {
		return NewError(KindEncryptionKeyUnavailable, "", errors.New("no token key store configured"))
	}
	var fnErr error
	err := s.keystore.WithSigningKey(func(master []byte) error {
		signer, err := token.NewSigner(master)
		if err != nil {
			return err
		}
		defer signer.Wipe()
		fnErr = fn(signer)
		return nil
	})
	if err != nil {
		return NewError(KindEncryptionKeyUnavailable, "", fmt.Errorf("loading signing key: %w", err))
	}
	return fnErr
}

// backupResolver fingerprints a backup by the manifest digest of the newest
// live version carrying the same name, so a token follows the backup's
// lineage rather than one immutable version. A token whose own version was
// deleted reports the resource as gone even when newer versions remain.
type backupResolver struct {
	database Database
}

func (r *backupResolver) Fingerprint(_ context.Context, resourceID string) (string, bool, error) {
	id, err := strconv.ParseInt(resourceID, 10, 64)
	if err != nil {
		return "", false, NewError(KindInvalidArgument, resourceID, errors.New("backup id must be numeric"))
	}
	b, err := r.database.FindBackupByID(id)
	if err != nil {
		return "", false, fmt.Errorf("finding backup: %w", err)
	}
	if b == nil || b.Deleted {
		return "", false, nil
	}
	latest, err := r.database.FindLatestBackupByName(b.Name)
	if err != nil {
		return "", false, fmt.Errorf("finding latest backup: %w", err)
	}
	if latest == nil {
		return "", false, nil
	}
	return latest.ManifestDigest, true, nil
}

// pathResolver fingerprints a file or directory tree by the digest of its
// file contents.
type pathResolver struct {
	fsmgr FilesystemManager
}

func (r *pathResolver) Fingerprint(ctx context.Context, resourceID string) (string, bool, error) {
	p, err := r.fsmgr.Resolve(resourceID)
	if err != nil {
		return "", false, nil
	}
	if !p.IsDir() {
		sum, err := digest.HashOfSet(ctx, []string{p.String()})
		if err != nil {
			return "", false, err
		}
		return sum, true, nil
	}

	files, _, err := r.fsmgr.FindFiles(ctx, p)
	if err != nil {
		return "", false, fmt.Errorf("listing files: %w", err)
	}
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.String()
	}
	sum, err := digest.HashOfSet(ctx, paths)
	if err != nil {
		return "", false, err
	}
	return sum, true, nil
}
