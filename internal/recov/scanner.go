package recov

import (
	"context"
	"errors"
	"io"
)

// ErrScannerUnavailable is returned by Scan when no scanner can be reached.
var ErrScannerUnavailable = errors.New("scanner unavailable")

// ScanVerdict is the scanner's opinion on one file.
type ScanVerdict struct {
	Clean  bool
	Threat string
}

// Scanner is an optional external malware scanning service.
type Scanner interface {
	// Available reports whether the scanner can be used right now.
	Available(ctx context.Context) bool

	// Scan inspects the content read from r. name is informational.
	Scan(ctx context.Context, name string, r io.Reader) (ScanVerdict, error)
}

// NoScanner is a Scanner that is never available.
type NoScanner struct{}

func (NoScanner) Available(context.Context) bool { return false }

func (NoScanner) Scan(context.Context, string, io.Reader) (ScanVerdict, error) {
	return ScanVerdict{}, ErrScannerUnavailable
}
