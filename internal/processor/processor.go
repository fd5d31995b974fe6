// Package processor runs admitted frames through classification, the filter
// policy, redaction and the overlay on a bounded pool of workers.
package processor

import (
	"context"
	"image"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/andresmejia3/veil/internal/metrics"
	"github.com/andresmejia3/veil/internal/policy"
	"github.com/andresmejia3/veil/internal/types"
)

// Classifier never fails; failures come back as a FailSafe result.
type Classifier interface {
	Classify(ctx context.Context, frame *types.CapturedFrame) types.ClassificationResult
}

// Redactor returns a fresh buffer or an error. Errors are already reported.
type Redactor interface {
	Redact(ctx context.Context, frame *types.CapturedFrame, decision types.FilterDecision) ([]byte, error)
}

// Overlay applies timestamped visibility changes. false means the change was
// rejected as stale.
type Overlay interface {
	Show(ctx context.Context, ts int64, img *image.RGBA) bool
	Hide(ctx context.Context, ts int64) bool
}

// EventSink receives one event per applied redaction. Append must not block.
type EventSink interface {
	Append(event types.FilterEvent)
}

// Options wires a Processor.
type Options struct {
	Classifier Classifier
	Redactor   Redactor
	Policy     policy.Policy
	Overlay    Overlay
	Sink       EventSink
	Stats      *metrics.Metrics
	Logger     *slog.Logger
	SessionID  string
	Workers    int
}

type Processor struct {
	opts  Options
	group errgroup.Group
	now   func() time.Time

	waitOnce sync.Once
	idle     chan struct{}
}

func New(opts Options) *Processor {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Stats == nil {
		opts.Stats = metrics.New()
	}
	p := &Processor{opts: opts, now: time.Now}
	p.group.SetLimit(opts.Workers)
	return p
}

// Submit hands frame to an idle worker. If every worker is busy the frame is
// released immediately and Submit returns false.
func (p *Processor) Submit(ctx context.Context, frame *types.CapturedFrame) bool {
	ok := p.group.TryGo(func() error {
		p.Process(ctx, frame)
		return nil
	})
	if !ok {
		p.opts.Stats.IncrementPoolDrops()
		p.opts.Logger.Debug("processor: all workers busy, dropping frame", "ts", frame.Timestamp)
		frame.Release()
	}
	return ok
}

// Process runs one frame to completion on the calling goroutine. The frame is
// always released before Process returns.
func (p *Processor) Process(ctx context.Context, frame *types.CapturedFrame) {
	defer frame.Release()
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	ts := frame.Timestamp
	logger := p.opts.Logger.With("ts", ts)

	result := p.opts.Classifier.Classify(ctx, frame)
	inference := time.Since(start)
	if ctx.Err() != nil {
		logger.Debug("processor: session stopped during classification")
		return
	}

	decision := p.opts.Policy.Decide(result)
	if decision.IsNone() {
		if result.FailSafe {
			// No verdict for this frame: keep whatever is on screen.
			logger.Debug("processor: fail-safe result, overlay unchanged")
			return
		}
		p.opts.Overlay.Hide(ctx, ts)
		p.finish(logger, start, inference, decision)
		return
	}

	pix, err := p.opts.Redactor.Redact(ctx, frame, decision)
	if err != nil {
		logger.Debug("processor: redaction unavailable, overlay unchanged", "error", err)
		return
	}
	img := &image.RGBA{
		Pix:    pix,
		Stride: frame.Width * 4,
		Rect:   image.Rect(0, 0, frame.Width, frame.Height),
	}

	if p.opts.Overlay.Show(ctx, ts, img) {
		event := types.FilterEvent{
			SessionID:  p.opts.SessionID,
			Timestamp:  p.now(),
			Category:   result.Category,
			Confidence: result.Confidence,
			Action:     decision.Action,
		}
		if result.FailSafe {
			// Substituted verdict: record the failure, not a detection.
			event.Category, event.Confidence = types.CategoryError, 0
		}
		if p.opts.Sink != nil {
			p.opts.Sink.Append(event)
		}
		p.opts.Stats.IncrementEvents()
	}
	p.finish(logger, start, inference, decision)
}

func (p *Processor) finish(logger *slog.Logger, start time.Time, inference time.Duration, decision types.FilterDecision) {
	total := time.Since(start)
	p.opts.Stats.RecordProcessed(total)
	logger.Debug("processor: frame done",
		"action", decision.Action,
		"inference", inference,
		"total", total)
}

// Wait blocks until in-flight frames finish or timeout passes. Reports whether
// every task finished. Call it only once no more frames are submitted; all
// calls share one watcher goroutine, which exits when the last task does.
func (p *Processor) Wait(timeout time.Duration) bool {
	p.waitOnce.Do(func() {
		p.idle = make(chan struct{})
		go func() {
			p.group.Wait()
			close(p.idle)
		}()
	})
	select {
	case <-p.idle:
		return true
	case <-time.After(timeout):
		p.opts.Logger.Warn("processor: timed out waiting for in-flight frames", "timeout", timeout)
		return false
	}
}
