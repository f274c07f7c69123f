// Package metrics records operation outcomes as Prometheus metrics.
//
// recov runs as a short-lived CLI, so there is no scrape endpoint. Metrics
// accumulate in a private registry and are written in the text exposition
// format to a file that node_exporter's textfile collector can pick up.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"recov-go/internal/model"
	"recov-go/internal/recov"
)

const namespace = "recov"

// Metrics implements recov.Recorder on top of a private Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	// OperationsTotal counts finished operations.
	// Labels: operation (backup, verify, restore), status (success, partial, error, cancelled)
	OperationsTotal *prometheus.CounterVec

	// OperationDuration measures wall time per operation.
	// Labels: operation, status
	OperationDuration *prometheus.HistogramVec

	// LastSuccess is the unix time of the last fully successful operation.
	// Labels: operation
	LastSuccess *prometheus.GaugeVec

	// FilesTotal counts per-file outcomes.
	// Labels: operation, outcome
	FilesTotal *prometheus.CounterVec

	// BytesWrittenTotal counts encoded bytes uploaded to the vault by backups.
	BytesWrittenTotal prometheus.Counter

	// ErrorsTotal counts classified per-file and fatal errors.
	// Labels: operation, kind
	ErrorsTotal *prometheus.CounterVec

	// ThreatsTotal counts malware findings during verification.
	ThreatsTotal prometheus.Counter

	// TokensIssuedTotal counts issued recovery tokens.
	// Labels: type
	TokensIssuedTotal *prometheus.CounterVec

	// TokenVerificationsTotal counts token verifications.
	// Labels: type, result (ok or an error kind)
	TokenVerificationsTotal *prometheus.CounterVec
}

var _ recov.Recorder = (*Metrics)(nil)

// New creates the metric set and registers it on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Finished operations by type and status",
		}, []string{"operation", "status"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Operation wall time in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"operation", "status"}),
		LastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last fully successful operation",
		}, []string{"operation"}),
		FilesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_total",
			Help:      "Per-file outcomes by operation",
		}, []string{"operation", "outcome"}),
		BytesWrittenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backup_bytes_written_total",
			Help:      "Encoded bytes uploaded to the vault",
		}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Classified errors by operation and kind",
		}, []string{"operation", "kind"}),
		ThreatsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_threats_total",
			Help:      "Malware findings reported during verification",
		}),
		TokensIssuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Issued recovery tokens by type",
		}, []string{"type"}),
		TokenVerificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_verifications_total",
			Help:      "Recovery token verifications by type and result",
		}, []string{"type", "result"}),
	}

	m.registry.MustRegister(
		m.OperationsTotal,
		m.OperationDuration,
		m.LastSuccess,
		m.FilesTotal,
		m.BytesWrittenTotal,
		m.ErrorsTotal,
		m.ThreatsTotal,
		m.TokensIssuedTotal,
		m.TokenVerificationsTotal,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteToTextfile atomically writes all metrics to path.
func (m *Metrics) WriteToTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

func status(success bool, err error) string {
	switch {
	case errors.Is(err, recov.ErrCancelled):
		return "cancelled"
	case err != nil:
		return "error"
	case success:
		return "success"
	default:
		return "partial"
	}
}

func (m *Metrics) finish(op, st string, elapsed time.Duration, err error) {
	m.OperationsTotal.WithLabelValues(op, st).Inc()
	m.OperationDuration.WithLabelValues(op, st).Observe(elapsed.Seconds())
	if st == "success" {
		m.LastSuccess.WithLabelValues(op).SetToCurrentTime()
	}
	if err != nil {
		m.ErrorsTotal.WithLabelValues(op, kindLabel(err)).Inc()
	}
}

func (m *Metrics) countErrors(op string, errs []*recov.Error) {
	for _, e := range errs {
		m.ErrorsTotal.WithLabelValues(op, string(e.Kind)).Inc()
	}
}

func kindLabel(err error) string {
	if k := recov.KindOf(err); k != "" {
		return string(k)
	}
	return "unclassified"
}

func (m *Metrics) BackupFinished(result *recov.BackupResult, err error, elapsed time.Duration) {
	success := result != nil && result.Success
	m.finish("backup", status(success, err), elapsed, err)
	if result == nil {
		return
	}
	m.FilesTotal.WithLabelValues("backup", "backed_up").Add(float64(result.FilesBackedUp))
	m.FilesTotal.WithLabelValues("backup", "unchanged").Add(float64(result.Unchanged))
	m.FilesTotal.WithLabelValues("backup", "deleted").Add(float64(result.Deleted))
	m.FilesTotal.WithLabelValues("backup", "failed").Add(float64(len(result.Errors)))
	m.BytesWrittenTotal.Add(float64(result.BytesWritten))
	m.countErrors("backup", result.Errors)
}

func (m *Metrics) VerificationFinished(run *model.VerificationRun, err error, elapsed time.Duration) {
	success := run != nil && run.FilesInvalid == 0 && run.FilesMissing == 0 &&
		(run.VirusScan == nil || run.VirusScan.Threats == 0)
	m.finish("verify", status(success, err), elapsed, err)
	if run == nil {
		return
	}
	m.FilesTotal.WithLabelValues("verify", string(model.CheckValid)).Add(float64(run.FilesValid))
	m.FilesTotal.WithLabelValues("verify", string(model.CheckInvalid)).Add(float64(run.FilesInvalid))
	m.FilesTotal.WithLabelValues("verify", string(model.CheckMissing)).Add(float64(run.FilesMissing))
	if run.VirusScan != nil {
		m.ThreatsTotal.Add(float64(run.VirusScan.Threats))
	}
}

func (m *Metrics) RestoreFinished(result *recov.RestoreResult, err error, elapsed time.Duration) {
	success := result != nil && result.Success
	m.finish("restore", status(success, err), elapsed, err)
	if result == nil {
		return
	}
	m.FilesTotal.WithLabelValues("restore", "restored").Add(float64(result.FilesRestored))
	m.FilesTotal.WithLabelValues("restore", "skipped").Add(float64(result.FilesSkipped))
	m.FilesTotal.WithLabelValues("restore", "failed").Add(float64(result.FilesFailed))
	m.countErrors("restore", result.Errors)
}

func (m *Metrics) TokenIssued(tokenType string) {
	m.TokensIssuedTotal.WithLabelValues(tokenType).Inc()
}

func (m *Metrics) TokenVerified(tokenType string, kind recov.ErrorKind) {
	result := "ok"
	if kind != "" {
		result = string(kind)
	}
	m.TokenVerificationsTotal.WithLabelValues(tokenType, result).Inc()
}
