// Package inference wraps the classification and redaction backends with the
// pipeline's failure rules: classification never fails from the caller's point
// of view, and redaction output is never trusted unchecked.
package inference

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/andresmejia3/veil/internal/report"
	"github.com/andresmejia3/veil/internal/types"
)

// Classifier returns a raw score vector for an RGBA buffer.
type Classifier interface {
	Classify(ctx context.Context, pix []byte, width, height int) ([]float32, error)
}

// Redactor returns a new buffer of the same size with the effect applied.
type Redactor interface {
	Blur(ctx context.Context, pix []byte, width, height int, radius float32) ([]byte, error)
	Pixelate(ctx context.Context, pix []byte, width, height, blockSize int) ([]byte, error)
}

// Backend is an explicitly owned inference handle: created at session start
// and closed at stop.
type Backend interface {
	Classifier
	Redactor
	io.Closer
}

// Combine joins a classifier and a redactor into one Backend. Close closes
// whichever of the two implements io.Closer.
func Combine(c Classifier, r Redactor) Backend {
	return &combined{Classifier: c, Redactor: r}
}

type combined struct {
	Classifier
	Redactor
}

func (b *combined) Close() error {
	var first error
	if c, ok := b.Classifier.(io.Closer); ok {
		first = c.Close()
	}
	if c, ok := b.Redactor.(io.Closer); ok {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// FailMode picks the substitute result when classification fails.
type FailMode string

const (
	FailOpen   FailMode = "open"
	FailClosed FailMode = "closed"
)

// Client is safe for concurrent use as long as its backend is.
type Client struct {
	classifier Classifier
	redactor   Redactor
	mode       FailMode
	reporter   *report.Reporter
	logger     *slog.Logger
}

func NewClient(classifier Classifier, redactor Redactor, mode FailMode, reporter *report.Reporter, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if mode == "" {
		mode = FailOpen
	}
	return &Client{
		classifier: classifier,
		redactor:   redactor,
		mode:       mode,
		reporter:   reporter,
		logger:     logger,
	}
}

func (c *Client) substitute() types.ClassificationResult {
	if c.mode == FailClosed {
		return types.FailClosedResult()
	}
	return types.FailSafeResult()
}

// Classify never returns an error. Any failure is reported once and replaced
// by the fail-safe result for the configured mode.
func (c *Client) Classify(ctx context.Context, frame *types.CapturedFrame) types.ClassificationResult {
	if len(frame.Pix) != frame.ExpectedSize() || frame.Width <= 0 || frame.Height <= 0 {
		c.reporter.Report(fmt.Errorf("%w: %d bytes for %dx%d", report.ErrInvalidFrame, len(frame.Pix), frame.Width, frame.Height))
		return c.substitute()
	}

	start := time.Now()
	scores, err := c.classifier.Classify(ctx, frame.Pix, frame.Width, frame.Height)
	if err != nil {
		c.reporter.Report(fmt.Errorf("%w: %v", report.ErrClassifierFailed, err))
		return c.substitute()
	}
	for _, s := range scores {
		if math.IsNaN(float64(s)) || math.IsInf(float64(s), 0) {
			c.reporter.Report(fmt.Errorf("%w: non-finite score in %v", report.ErrClassifierFailed, scores))
			return c.substitute()
		}
	}
	result, ok := types.NewClassificationResult(scores)
	if !ok {
		c.reporter.Report(fmt.Errorf("%w: unexpected score vector of length %d", report.ErrClassifierFailed, len(scores)))
		return c.substitute()
	}

	c.logger.Debug("inference: classified frame",
		"ts", frame.Timestamp,
		"category", result.Category,
		"confidence", result.Confidence,
		"took", time.Since(start))
	return result
}

// Redact renders decision over the frame. A nil error guarantees a fresh
// buffer of exactly width*height*4 bytes.
func (c *Client) Redact(ctx context.Context, frame *types.CapturedFrame, decision types.FilterDecision) ([]byte, error) {
	if decision.IsNone() {
		return nil, fmt.Errorf("%w: nothing to redact", report.ErrRedactionUnavailable)
	}
	if len(frame.Pix) != frame.ExpectedSize() || frame.Width <= 0 || frame.Height <= 0 {
		err := fmt.Errorf("%w: %w", report.ErrRedactionUnavailable, report.ErrInvalidFrame)
		c.reporter.Report(err)
		return nil, err
	}

	var (
		out []byte
		err error
	)
	switch decision.Action {
	case types.ActionBlur:
		out, err = c.redactor.Blur(ctx, frame.Pix, frame.Width, frame.Height, decision.Radius)
	case types.ActionPixelate:
		out, err = c.redactor.Pixelate(ctx, frame.Pix, frame.Width, frame.Height, decision.BlockSize)
	default:
		err = fmt.Errorf("unknown action %q", decision.Action)
	}

	switch {
	case err != nil:
		err = fmt.Errorf("%w: %v", report.ErrRedactionUnavailable, err)
	case len(out) != len(frame.Pix):
		err = fmt.Errorf("%w: backend returned %d bytes, want %d", report.ErrRedactionUnavailable, len(out), len(frame.Pix))
	case len(out) > 0 && &out[0] == &frame.Pix[0]:
		err = fmt.Errorf("%w: backend returned the input buffer", report.ErrRedactionUnavailable)
	}
	if err != nil {
		c.reporter.Report(err)
		return nil, err
	}
	return out, nil
}
