// Package report is the non-fatal error channel shared by the pipeline.
package report

import (
	"errors"
	"log/slog"

	"github.com/andresmejia3/veil/internal/metrics"
)

var (
	// ErrCannotStart marks any failure while bringing a capture session up.
	ErrCannotStart = errors.New("capture session cannot start")
	// ErrSessionActive is returned when a second session is started in the same process.
	ErrSessionActive = errors.New("a capture session is already active")
	// ErrInvalidFrame is returned for buffers that are not width*height*4 bytes.
	ErrInvalidFrame = errors.New("invalid frame buffer")
	// ErrClassifierFailed wraps failures of the classification backend.
	ErrClassifierFailed = errors.New("classifier failed")
	// ErrRedactionUnavailable means no redacted image could be produced for a frame.
	ErrRedactionUnavailable = errors.New("redaction unavailable")
	// ErrTeardown wraps failures while releasing session resources.
	ErrTeardown = errors.New("capture session teardown failed")
)

// Reporter logs per-frame failures and fans them out to an optional listener
// without ever blocking the caller.
type Reporter struct {
	logger  *slog.Logger
	stats   *metrics.Metrics
	errChan chan error
}

// New creates a reporter. buffer is the capacity of the Errors channel; zero
// disables it.
func New(logger *slog.Logger, stats *metrics.Metrics, buffer int) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reporter{logger: logger, stats: stats}
	if buffer > 0 {
		r.errChan = make(chan error, buffer)
	}
	return r
}

// Report records a non-fatal error.
func (r *Reporter) Report(err error) {
	if r == nil || err == nil {
		return
	}
	if r.stats != nil {
		r.stats.IncrementErrors()
	}
	r.logger.Warn("pipeline: frame error", "error", err)
	if r.errChan == nil {
		return
	}
	select {
	case r.errChan <- err:
	default:
		r.logger.Debug("pipeline: error channel full, dropping report")
	}
}

// Errors exposes reported errors. Nil when the reporter was built without a buffer.
func (r *Reporter) Errors() <-chan error {
	return r.errChan
}
