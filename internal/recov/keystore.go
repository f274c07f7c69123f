package recov

// KeyStore owns the process-wide token signing secret.
// Implementations generate the secret on first use and persist it.
type KeyStore interface {
	// WithSigningKey calls fn with the master signing key. The slice is only
	// valid for the duration of the call and must not be retained.
	WithSigningKey(fn func(key []byte) error) error
}
