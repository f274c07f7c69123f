package encryption

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"

	"recov-go/internal/recov"
)

// testHeader marks TestEncryptor output.
var testHeader = []byte("RECOVT\x00\x01")

// TestEncryptor is a deterministic stand-in for AgeEncryptor in tests.
// Output is header || plaintext XOR 0x5a || sha256(plaintext), so stored
// bytes differ from the source and tampering is detected on Decrypt.
// When a passphrase is set, Unlock rejects any other passphrase.
type TestEncryptor struct {
	Passphrase  string
	setupCalled bool
}

var _ recov.Encryptor = (*TestEncryptor)(nil)

// NewTestEncryptor creates a TestEncryptor that accepts any passphrase.
func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (e *TestEncryptor) Setup(passphrase string) error {
	e.setupCalled = true
	e.Passphrase = passphrase
	return nil
}

func (e *TestEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(testHeader); err != nil {
		return fmt.Errorf("writing test header: %w", err)
	}
	h := sha256.New()
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			scramble(buf[:n])
			if _, werr := w.Write(buf[:n]); werr != nil {
				return fmt.Errorf("writing data: %w", werr)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading data: %w", err)
		}
	}
	if _, err := w.Write(h.Sum(nil)); err != nil {
		return fmt.Errorf("writing trailer: %w", err)
	}
	return nil
}

func (e *TestEncryptor) Unlock(passphrase string) (recov.DecryptionContext, error) {
	if e.Passphrase != "" && passphrase != e.Passphrase {
		return nil, ErrWrongPassphrase
	}
	return &TestDecryptionContext{}, nil
}

func (e *TestEncryptor) IsConfigured() bool {
	return true
}

// TestDecryptionContext reverses TestEncryptor.
type TestDecryptionContext struct{}

var _ recov.DecryptionContext = (*TestDecryptionContext)(nil)

func (c *TestDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	header := make([]byte, len(testHeader))
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading test header: %w", err)
	}
	if !bytes.Equal(header, testHeader) {
		return fmt.Errorf("invalid test encryption header")
	}

	body, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading data: %w", err)
	}
	if len(body) < sha256.Size {
		return fmt.Errorf("truncated ciphertext")
	}
	data, trailer := body[:len(body)-sha256.Size], body[len(body)-sha256.Size:]
	scramble(data)

	sum := sha256.Sum256(data)
	if !bytes.Equal(sum[:], trailer) {
		return fmt.Errorf("ciphertext authentication failed")
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing data: %w", err)
	}
	return nil
}

func scramble(b []byte) {
	for i := range b {
		b[i] ^= 0x5a
	}
}
