package recov

import (
	"time"

	"github.com/google/uuid"
)

// Logger is the slice of *slog.Logger the service uses. args are slog
// key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type discardLogger struct{}

func (discardLogger) Debug(string, ...any) {}
func (discardLogger) Info(string, ...any)  {}
func (discardLogger) Warn(string, ...any)  {}
func (discardLogger) Error(string, ...any) {}

// Clock supplies backup timestamps and token expiry checks.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the wall clock NewService uses by default.
func SystemClock() Clock { return wallClock{} }

// IDGenerator mints recovery token IDs.
type IDGenerator interface {
	New() string
}

type uuidGenerator struct{}

func (uuidGenerator) New() string { return uuid.NewString() }
