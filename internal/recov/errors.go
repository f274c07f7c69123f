package recov

import (
	"errors"
	"fmt"
	"syscall"
)

// ErrorKind classifies failures so callers can present partial-success
// summaries instead of opaque errors.
type ErrorKind string

const (
	KindSourceUnreadable         ErrorKind = "SourceUnreadable"
	KindDiskFull                 ErrorKind = "DiskFull"
	KindWriteFailed              ErrorKind = "WriteFailed"
	KindHashFailed               ErrorKind = "HashFailed"
	KindDecryptFailed            ErrorKind = "DecryptFailed"
	KindCorruptArchive           ErrorKind = "CorruptArchive"
	KindMissing                  ErrorKind = "Missing"
	KindTimeout                  ErrorKind = "Timeout"
	KindEncryptionKeyUnavailable ErrorKind = "EncryptionKeyUnavailable"
	KindResourceNotFound         ErrorKind = "ResourceNotFound"
	KindTokenInvalid             ErrorKind = "TokenInvalid"
	KindTokenExpired             ErrorKind = "TokenExpired"
	KindTokenAlreadyUsed         ErrorKind = "TokenAlreadyUsed"
	KindResourceModified         ErrorKind = "ResourceModified"
	KindPermanentNotConfirmed    ErrorKind = "PermanentNotConfirmed"
	KindInvalidArgument          ErrorKind = "InvalidArgument"
	KindCancelled                ErrorKind = "Cancelled"
)

// Error is a classified failure. Path is set for per-file failures.
type Error struct {
	Kind ErrorKind
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Path != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Path, e.Err)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Path)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is regardless of path or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Path == "" && t.Err == nil
}

// NewError builds a classified error.
func NewError(kind ErrorKind, path string, err error) *Error {
	return &Error{Kind: kind, Path: path, Err: err}
}

// Sentinels for errors.Is.
var (
	ErrSourceUnreadable         = &Error{Kind: KindSourceUnreadable}
	ErrDiskFull                 = &Error{Kind: KindDiskFull}
	ErrWriteFailed              = &Error{Kind: KindWriteFailed}
	ErrHashFailed               = &Error{Kind: KindHashFailed}
	ErrDecryptFailed            = &Error{Kind: KindDecryptFailed}
	ErrCorruptArchive           = &Error{Kind: KindCorruptArchive}
	ErrMissing                  = &Error{Kind: KindMissing}
	ErrTimeout                  = &Error{Kind: KindTimeout}
	ErrEncryptionKeyUnavailable = &Error{Kind: KindEncryptionKeyUnavailable}
	ErrResourceNotFound         = &Error{Kind: KindResourceNotFound}
	ErrTokenInvalid             = &Error{Kind: KindTokenInvalid}
	ErrTokenExpired             = &Error{Kind: KindTokenExpired}
	ErrTokenAlreadyUsed         = &Error{Kind: KindTokenAlreadyUsed}
	ErrResourceModified         = &Error{Kind: KindResourceModified}
	ErrPermanentNotConfirmed    = &Error{Kind: KindPermanentNotConfirmed}
	ErrInvalidArgument          = &Error{Kind: KindInvalidArgument}
	ErrCancelled                = &Error{Kind: KindCancelled}
)

// ErrContentNotFound is wrapped by Vault implementations when a key does not exist.
var ErrContentNotFound = errors.New("content not found")

// KindOf returns the kind of err, or "" if err is not classified.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// classifyWrite maps a storage write failure to DiskFull or WriteFailed.
func classifyWrite(path string, err error) *Error {
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, ErrStagingFull) {
		return NewError(KindDiskFull, path, err)
	}
	return NewError(KindWriteFailed, path, err)
}
