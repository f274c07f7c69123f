package recov

import "io"

// Encryptor handles encryption of archived payloads and unlocking for decryption.
// Encryption uses the public key only; no user intervention is needed.
// Decryption requires unlocking the private key, producing a
// DecryptionContext for the session.
type Encryptor interface {
	// Setup performs one-time key generation. Called during `recov key init`.
	// Generates a key pair, stores the public key in plaintext, and stores the
	// private key either wrapped with the passphrase or, when the passphrase is
	// empty, as a plain key file with owner-only permissions.
	Setup(passphrase string) error

	// Encrypt encrypts data read from r and writes ciphertext to w.
	// Uses the public key only, so no passphrase is needed.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock loads the private key (decrypting it with passphrase when it is
	// wrapped) and returns a DecryptionContext for the duration of the session.
	// Returns an error if the passphrase is incorrect.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured returns true if the key files exist at configured paths.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key in memory for the duration
// of a verify or restore session. The unlocked key is never written to disk.
type DecryptionContext interface {
	// Decrypt decrypts data read from r and writes plaintext to w.
	// Fails if the ciphertext has been tampered with.
	Decrypt(r io.Reader, w io.Writer) error
}
