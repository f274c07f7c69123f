package encryption

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"io"
	"testing"
)

func encryptBytes(t *testing.T, e *TestEncryptor, b []byte) []byte {
	t.Helper()
	var out bytes.Buffer
	if err := e.Encrypt(bytes.NewReader(b), &out); err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	return out.Bytes()
}

func TestTestEncryptor_RoundTrip(t *testing.T) {
	t.Parallel()

	inputs := map[string][]byte{
		"text":   []byte("quarterly-report.pdf contents"),
		"empty":  {},
		"binary": {0x00, 0x5a, 0xff, 0xa5},
		"large":  bytes.Repeat([]byte("0123456789"), 50000),
	}
	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			e := NewTestEncryptor()
			sealed := encryptBytes(t, e, input)

			if got, want := len(sealed), len(testHeader)+len(input)+sha256.Size; got != want {
				t.Errorf("ciphertext length = %d, want %d", got, want)
			}
			if len(input) > 0 && bytes.Contains(sealed, input) {
				t.Error("ciphertext contains the plaintext")
			}

			dc, err := e.Unlock("")
			if err != nil {
				t.Fatalf("Unlock() error = %v", err)
			}
			var opened bytes.Buffer
			if err := dc.Decrypt(bytes.NewReader(sealed), &opened); err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if !bytes.Equal(opened.Bytes(), input) {
				t.Errorf("Decrypt() returned %d bytes, want the original %d", opened.Len(), len(input))
			}
		})
	}
}

func TestTestEncryptor_Deterministic(t *testing.T) {
	t.Parallel()

	e := NewTestEncryptor()
	a := encryptBytes(t, e, []byte("same input"))
	b := encryptBytes(t, e, []byte("same input"))
	if !bytes.Equal(a, b) {
		t.Error("identical plaintexts produced different ciphertexts")
	}
	if !bytes.HasPrefix(a, testHeader) {
		t.Errorf("ciphertext starts with %q, want %q", a[:len(testHeader)], testHeader)
	}
}

func TestTestDecryptionContext_Rejects(t *testing.T) {
	t.Parallel()

	sealed := encryptBytes(t, NewTestEncryptor(), []byte("payload"))
	flip := func(i int) []byte {
		b := bytes.Clone(sealed)
		b[i] ^= 0x01
		return b
	}

	tests := []struct {
		name  string
		input []byte
		isEOF bool
	}{
		{name: "empty", input: nil, isEOF: true},
		{name: "short header", input: testHeader[:3]},
		{name: "foreign header", input: []byte("age-encryption.org/v1\n...")},
		{name: "missing trailer", input: sealed[:len(testHeader)+4]},
		{name: "body bit flipped", input: flip(len(testHeader))},
		{name: "trailer bit flipped", input: flip(len(sealed) - 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var out bytes.Buffer
			err := (&TestDecryptionContext{}).Decrypt(bytes.NewReader(tt.input), &out)
			if err == nil {
				t.Fatal("Decrypt() error = nil, want error")
			}
			if tt.isEOF && !errors.Is(err, io.EOF) {
				t.Errorf("Decrypt() error = %v, want wrapped io.EOF", err)
			}
			if out.Len() != 0 {
				t.Errorf("Decrypt() wrote %d bytes before failing", out.Len())
			}
		})
	}
}

func TestTestEncryptor_Passphrase(t *testing.T) {
	t.Parallel()

	e := NewTestEncryptor()
	if !e.IsConfigured() {
		t.Error("IsConfigured() = false before Setup, want true")
	}
	if _, err := e.Unlock("anything"); err != nil {
		t.Errorf("Unlock() before Setup error = %v, want nil", err)
	}

	if err := e.Setup("correct horse"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if !e.setupCalled {
		t.Error("Setup() was not recorded")
	}
	if _, err := e.Unlock("battery staple"); !errors.Is(err, ErrWrongPassphrase) {
		t.Errorf("Unlock(wrong) error = %v, want ErrWrongPassphrase", err)
	}
	if _, err := e.Unlock("correct horse"); err != nil {
		t.Errorf("Unlock(right) error = %v", err)
	}
}
