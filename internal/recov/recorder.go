package recov

import (
	"time"

	"recov-go/internal/model"
)

// Recorder receives operation outcomes for metrics.
type Recorder interface {
	BackupFinished(result *BackupResult, err error, elapsed time.Duration)
	VerificationFinished(run *model.VerificationRun, err error, elapsed time.Duration)
	RestoreFinished(result *RestoreResult, err error, elapsed time.Duration)
	TokenIssued(tokenType string)
	TokenVerified(tokenType string, kind ErrorKind)
}

// NopRecorder discards all observations.
type NopRecorder struct{}

func (NopRecorder) BackupFinished(*BackupResult, error, time.Duration)       {}
func (NopRecorder) VerificationFinished(*model.VerificationRun, error, time.Duration) {}
func (NopRecorder) RestoreFinished(*RestoreResult, error, time.Duration)     {}
func (NopRecorder) TokenIssued(string)                                       {}
func (NopRecorder) TokenVerified(string, ErrorKind)                          {}
