package encryption

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"filippo.io/age"

	"recov-go/internal/config"
	"recov-go/internal/recov"
)

// ageHeader opens every binary age file. A private key file that starts
// with it is wrapped with a passphrase.
const ageHeader = "age-encryption.org/v1"

// ErrWrongPassphrase is returned by Unlock when a wrapped private key does
// not open with the given passphrase.
var ErrWrongPassphrase = errors.New("incorrect passphrase")

// AgeEncryptor seals backup objects to an X25519 recipient with
// filippo.io/age. The recipient file is plaintext. The identity file is
// either scrypt-wrapped or, for unattended hosts, a plain 0600 key file.
type AgeEncryptor struct {
	publicKeyPath  string
	privateKeyPath string

	mu        sync.Mutex
	recipient age.Recipient
}

var _ recov.Encryptor = (*AgeEncryptor)(nil)

func NewAgeEncryptor(cfg config.EncryptionConfig) *AgeEncryptor {
	return &AgeEncryptor{
		publicKeyPath:  cfg.PublicKeyPath,
		privateKeyPath: cfg.PrivateKeyPath,
	}
}

// Setup generates a key pair. It refuses to replace an existing one since
// every object sealed to it would become unreadable.
func (e *AgeEncryptor) Setup(passphrase string) error {
	if e.IsConfigured() {
		return fmt.Errorf("key pair already exists at %s", e.privateKeyPath)
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generating key pair: %w", err)
	}
	for _, dir := range []string{filepath.Dir(e.publicKeyPath), filepath.Dir(e.privateKeyPath)} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("creating key directory: %w", err)
		}
	}

	if err := os.WriteFile(e.publicKeyPath, []byte(identity.Recipient().String()+"\n"), 0644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}
	if err := writeIdentity(e.privateKeyPath, identity, passphrase); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}
	return nil
}

// writeIdentity creates path exclusively and stores identity in it, wrapped
// when passphrase is non-empty.
func writeIdentity(path string, identity *age.X25519Identity, passphrase string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	var w io.WriteCloser = nopWriteCloser{f}
	if passphrase != "" {
		r, err := age.NewScryptRecipient(passphrase)
		if err != nil {
			return fmt.Errorf("scrypt recipient: %w", err)
		}
		if w, err = age.Encrypt(f, r); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(f, "# public key: %s\n", identity.Recipient())
	}

	if _, err := io.WriteString(w, identity.String()+"\n"); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return f.Sync()
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func (e *AgeEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	recipient, err := e.loadRecipient()
	if err != nil {
		return fmt.Errorf("loading public key: %w", err)
	}

	sealed, err := age.Encrypt(w, recipient)
	if err != nil {
		return fmt.Errorf("starting age stream: %w", err)
	}
	if _, err := io.Copy(sealed, r); err != nil {
		return fmt.Errorf("encrypting: %w", err)
	}
	if err := sealed.Close(); err != nil {
		return fmt.Errorf("finishing age stream: %w", err)
	}
	return nil
}

// Unlock loads the identity. passphrase is only consulted for wrapped keys.
func (e *AgeEncryptor) Unlock(passphrase string) (recov.DecryptionContext, error) {
	raw, err := os.ReadFile(e.privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key file: %w", err)
	}
	if IsWrapped(raw) {
		if raw, err = unwrap(raw, passphrase); err != nil {
			return nil, err
		}
	}

	identities, err := age.ParseIdentities(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	if len(identities) == 0 {
		return nil, fmt.Errorf("private key file holds no identity")
	}
	return &AgeDecryptionContext{identity: identities[0]}, nil
}

func unwrap(wrapped []byte, passphrase string) ([]byte, error) {
	id, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("scrypt identity: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(wrapped), id)
	if err != nil {
		var noMatch *age.NoIdentityMatchError
		if errors.As(err, &noMatch) {
			return nil, ErrWrongPassphrase
		}
		return nil, fmt.Errorf("unwrapping private key: %w", err)
	}
	return io.ReadAll(r)
}

// IsWrapped reports whether private key file contents are passphrase-encrypted.
func IsWrapped(keyFile []byte) bool {
	first, _, _ := bufio.NewReader(bytes.NewReader(keyFile)).ReadLine()
	return strings.TrimSpace(string(first)) == ageHeader
}

// RequiresPassphrase reports whether Unlock needs a passphrase.
func (e *AgeEncryptor) RequiresPassphrase() (bool, error) {
	raw, err := os.ReadFile(e.privateKeyPath)
	if err != nil {
		return false, fmt.Errorf("reading private key file: %w", err)
	}
	return IsWrapped(raw), nil
}

// IsConfigured reports whether both key files exist.
func (e *AgeEncryptor) IsConfigured() bool {
	for _, p := range []string{e.publicKeyPath, e.privateKeyPath} {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func (e *AgeEncryptor) loadRecipient() (age.Recipient, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.recipient != nil {
		return e.recipient, nil
	}

	f, err := os.Open(e.publicKeyPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	recipients, err := age.ParseRecipients(f)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("public key file holds no recipient")
	}
	e.recipient = recipients[0]
	return e.recipient, nil
}

// AgeDecryptionContext holds an unlocked identity.
type AgeDecryptionContext struct {
	identity age.Identity
}

var _ recov.DecryptionContext = (*AgeDecryptionContext)(nil)

// Decrypt fails on tampered input since age authenticates every chunk.
func (c *AgeDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	plain, err := age.Decrypt(r, c.identity)
	if err != nil {
		return fmt.Errorf("opening age stream: %w", err)
	}
	if _, err := io.Copy(w, plain); err != nil {
		return fmt.Errorf("decrypting: %w", err)
	}
	return nil
}
