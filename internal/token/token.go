// Package token encodes and authenticates recovery token strings.
//
// A token string is "rt1.<claims>.<mac>" with both parts base64url encoded
// without padding. The same token has a QR-friendly form
// "RT1:<CLAIMS>:<MAC>" using unpadded base32, which stays within the QR
// alphanumeric character set.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	stringPrefix = "rt1."
	qrPrefix     = "RT1:"

	signingInfo = "recov token signing v1"
)

var (
	// ErrMalformed is returned for input that is not a token in either form.
	ErrMalformed = errors.New("malformed token")
	// ErrBadSignature is returned when the MAC does not match the claims.
	ErrBadSignature = errors.New("token signature mismatch")
)

var qrEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Claims are the signed contents of a token. Expires is a Unix timestamp;
// zero means the token is permanent.
type Claims struct {
	TokenID     string `json:"tid"`
	Type        string `json:"typ"`
	ResourceID  string `json:"rid"`
	Fingerprint string `json:"fp"`
	Expires     int64  `json:"exp"`
	OneTimeUse  bool   `json:"otu"`
}

// Signer produces and checks token MACs with a key derived from a master
// secret.
type Signer struct {
	key []byte
}

// NewSigner derives the signing key from master with HKDF-SHA256.
func NewSigner(master []byte) (*Signer, error) {
	if len(master) == 0 {
		return nil, errors.New("empty master key")
	}
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(signingInfo)), key); err != nil {
		return nil, fmt.Errorf("deriving signing key: %w", err)
	}
	return &Signer{key: key}, nil
}

// Wipe zeroes the derived key.
func (s *Signer) Wipe() {
	for i := range s.key {
		s.key[i] = 0
	}
}

func (s *Signer) mac(payload []byte) []byte {
	m := hmac.New(sha256.New, s.key)
	m.Write(payload)
	return m.Sum(nil)
}

// Issue returns the string and QR forms of c.
func (s *Signer) Issue(c *Claims) (str string, qr string, err error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return "", "", fmt.Errorf("encoding claims: %w", err)
	}
	sig := s.mac(payload)

	str = stringPrefix + base64.RawURLEncoding.EncodeToString(payload) + "." + base64.RawURLEncoding.EncodeToString(sig)
	qr = qrPrefix + qrEncoding.EncodeToString(payload) + ":" + qrEncoding.EncodeToString(sig)
	return str, qr, nil
}

// Open parses a token in either form and checks its MAC.
func (s *Signer) Open(raw string) (*Claims, error) {
	payload, sig, err := split(raw)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(sig, s.mac(payload)) {
		return nil, ErrBadSignature
	}

	var c Claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if c.TokenID == "" || c.Type == "" {
		return nil, fmt.Errorf("%w: missing claims", ErrMalformed)
	}
	return &c, nil
}

// split decodes the payload and MAC of either token form.
func split(raw string) (payload, sig []byte, err error) {
	raw = strings.TrimSpace(raw)

	var parts []string
	var dec func(string) ([]byte, error)
	switch {
	case strings.HasPrefix(raw, stringPrefix):
		parts = strings.Split(raw[len(stringPrefix):], ".")
		dec = base64.RawURLEncoding.DecodeString
	case len(raw) >= len(qrPrefix) && strings.EqualFold(raw[:len(qrPrefix)], qrPrefix):
		parts = strings.Split(strings.ToUpper(raw[len(qrPrefix):]), ":")
		dec = qrEncoding.DecodeString
	default:
		return nil, nil, ErrMalformed
	}
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, nil, ErrMalformed
	}

	if payload, err = dec(parts[0]); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if sig, err = dec(parts[1]); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return payload, sig, nil
}

// IsQR reports whether raw looks like the QR form of a token.
func IsQR(raw string) bool {
	raw = strings.TrimSpace(raw)
	return len(raw) >= len(qrPrefix) && strings.EqualFold(raw[:len(qrPrefix)], qrPrefix)
}
