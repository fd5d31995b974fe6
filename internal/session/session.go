// Package session owns one screen-filtering run: it acquires the capture
// handle, frame surface, render target, overlay and inference backend in
// order, and releases them in reverse.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/andresmejia3/veil/internal/capture"
	"github.com/andresmejia3/veil/internal/inference"
	"github.com/andresmejia3/veil/internal/metrics"
	"github.com/andresmejia3/veil/internal/overlay"
	"github.com/andresmejia3/veil/internal/policy"
	"github.com/andresmejia3/veil/internal/processor"
	"github.com/andresmejia3/veil/internal/ratelimit"
	"github.com/andresmejia3/veil/internal/report"
)

// State of a session.
type State int32

const (
	Idle State = iota
	Starting
	Capturing
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Capturing:
		return "capturing"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// active enforces one capturing session per process.
var active atomic.Bool

// StartError reports which acquisition step failed. It matches
// report.ErrCannotStart with errors.Is.
type StartError struct {
	Step string
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("%s: %s: %v", report.ErrCannotStart, e.Step, e.Err)
}

func (e *StartError) Unwrap() []error {
	return []error{report.ErrCannotStart, e.Err}
}

// BackendFactory creates the inference handle for one session.
type BackendFactory func(ctx context.Context) (inference.Backend, error)

// SurfaceFactory creates the overlay render surface for the display size.
type SurfaceFactory func(width, height int) (overlay.Surface, error)

// Options wires a Session.
type Options struct {
	Projector capture.Projector
	Backend   BackendFactory
	Surface   SurfaceFactory
	Policy    policy.Policy
	Sink      processor.EventSink
	FailMode  inference.FailMode
	TargetFPS int
	Workers   int
	StopWait  time.Duration
	ErrBuffer int
	Logger    *slog.Logger
	Stats     *metrics.Metrics
}

// Session is safe for concurrent use; Start and Stop serialise on a mutex.
type Session struct {
	opts   Options
	id     string
	logger *slog.Logger
	stats  *metrics.Metrics

	mu    sync.Mutex
	state atomic.Int32

	cancel     context.CancelFunc
	backend    inference.Backend
	projection capture.Projection
	surface    *capture.Surface
	target     capture.RenderTarget
	overlay    *overlay.Controller
	processor  *processor.Processor
	reporter   *report.Reporter
	limiter    *ratelimit.RateLimiter
	ownsActive bool
}

func New(opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Stats == nil {
		opts.Stats = metrics.New()
	}
	if opts.TargetFPS <= 0 {
		opts.TargetFPS = ratelimit.DefaultFPS
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.StopWait <= 0 {
		opts.StopWait = 5 * time.Second
	}
	if opts.ErrBuffer <= 0 {
		opts.ErrBuffer = 16
	}
	if opts.Policy == nil {
		opts.Policy = policy.Canonical{Thresholds: policy.DefaultThresholds(), Style: policy.StyleBlur}
	}
	id := uuid.NewString()
	s := &Session{
		opts:   opts,
		id:     id,
		logger: opts.Logger.With("session", id),
		stats:  opts.Stats,
	}
	s.reporter = report.New(s.logger, s.stats, opts.ErrBuffer)
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) Stats() metrics.Snapshot { return s.stats.Snapshot() }

// Errors exposes non-fatal pipeline errors.
func (s *Session) Errors() <-chan error { return s.reporter.Errors() }

// Overlay is the session's overlay controller, nil unless capturing.
func (s *Session) Overlay() *overlay.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overlay
}

// Start acquires every resource and begins capturing. On failure everything
// acquired so far is released in reverse order and the session is Idle again.
func (s *Session) Start(ctx context.Context, width, height, density int) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.State(); st != Idle {
		return &StartError{Step: "state", Err: fmt.Errorf("session is %s", st)}
	}
	if width <= 0 || height <= 0 || density <= 0 {
		return &StartError{Step: "display", Err: fmt.Errorf("invalid display %dx%d@%d", width, height, density)}
	}
	if !active.CompareAndSwap(false, true) {
		return &StartError{Step: "session", Err: report.ErrSessionActive}
	}
	s.ownsActive = true
	s.state.Store(int32(Starting))
	s.logger.Info("session: starting", "width", width, "height", height, "density", density, "fps", s.opts.TargetFPS)

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	defer func() {
		if err != nil {
			if rerr := s.release(); rerr != nil {
				s.logger.Warn("session: cleanup after failed start", "error", rerr)
			}
			s.finish()
		}
	}()

	// 1. Inference backend
	if s.backend, err = s.opts.Backend(ctx); err != nil {
		return &StartError{Step: "backend", Err: err}
	}

	// 2. Capture handle
	if s.projection, err = s.opts.Projector.Project(ctx); err != nil {
		return &StartError{Step: "projection", Err: err}
	}

	// 3. Frame surface
	s.surface = capture.NewSurface(capture.MaxImages)

	// 4. Overlay. Frames may arrive as soon as the render target is attached,
	// so everything they touch exists before step 6.
	renderSurface, err := s.opts.Surface(width, height)
	if err != nil {
		return &StartError{Step: "overlay", Err: err}
	}
	s.overlay = overlay.New(renderSurface, s.stats, s.reporter, s.logger)

	client := inference.NewClient(s.backend, s.backend, s.opts.FailMode, s.reporter, s.logger)
	s.processor = processor.New(processor.Options{
		Classifier: client,
		Redactor:   client,
		Policy:     s.opts.Policy,
		Overlay:    s.overlay,
		Sink:       s.opts.Sink,
		Stats:      s.stats,
		Logger:     s.logger,
		SessionID:  s.id,
		Workers:    s.opts.Workers,
	})
	s.limiter = ratelimit.New(s.opts.TargetFPS)

	// 5. Frame-available callback
	surface, limiter, proc := s.surface, s.limiter, s.processor
	surface.SetOnFrameAvailable(func() { s.onFrameAvailable(runCtx, surface, limiter, proc) })

	// 6. Render target (virtual display)
	if s.target, err = s.projection.Attach(s.surface); err != nil {
		return &StartError{Step: "render target", Err: err}
	}

	s.state.Store(int32(Capturing))
	s.logger.Info("session: capturing")
	return nil
}

// onFrameAvailable runs on the producer goroutine. It is the only caller of
// the rate limiter.
func (s *Session) onFrameAvailable(ctx context.Context, surface *capture.Surface, limiter *ratelimit.RateLimiter, proc *processor.Processor) {
	frame := surface.AcquireLatest()
	if frame == nil {
		return
	}
	s.stats.IncrementSeen()
	if ctx.Err() != nil {
		frame.Release()
		return
	}
	if !limiter.Admit(frame.Timestamp) {
		s.stats.IncrementDropped()
		frame.Release()
		return
	}
	s.stats.IncrementAdmitted()
	proc.Submit(ctx, frame)
}

// Stop tears the session down. Safe to call in any state and more than once.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != Capturing {
		return nil
	}
	s.state.Store(int32(Stopping))
	s.logger.Info("session: stopping")

	err := s.release()
	s.finish()

	snap := s.stats.Snapshot()
	s.logger.Info("session: stopped",
		"seen", snap.FramesSeen,
		"admitted", snap.FramesAdmitted,
		"processed", snap.FramesDone,
		"events", snap.EventsEmitted,
		"errors", snap.Errors)
	if err != nil {
		return fmt.Errorf("%w: %w", report.ErrTeardown, err)
	}
	return nil
}

// release frees whatever is held, newest first. Every step runs even when an
// earlier one fails.
func (s *Session) release() error {
	var errs error

	if s.cancel != nil {
		s.cancel()
	}
	if s.target != nil {
		errs = multierr.Append(errs, wrapStep("render target", s.target.Release()))
		s.target = nil
	}
	if s.surface != nil {
		errs = multierr.Append(errs, wrapStep("frame surface", s.surface.Close()))
	}
	if s.projection != nil {
		errs = multierr.Append(errs, wrapStep("projection", s.projection.Stop()))
		s.projection = nil
	}
	if s.overlay != nil {
		s.overlay.Remove()
	}
	if s.backend != nil {
		errs = multierr.Append(errs, wrapStep("backend", s.backend.Close()))
		s.backend = nil
	}
	if s.processor != nil {
		s.processor.Wait(s.opts.StopWait)
	}

	if errs != nil {
		for _, e := range multierr.Errors(errs) {
			s.logger.Warn("session: teardown step failed", "error", e)
		}
	}
	return errs
}

func (s *Session) finish() {
	s.surface = nil
	s.overlay = nil
	s.processor = nil
	s.limiter = nil
	s.cancel = nil
	s.state.Store(int32(Idle))
	if s.ownsActive {
		s.ownsActive = false
		active.Store(false)
	}
}

func wrapStep(step string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", step, err)
}

// IsStartError reports whether err came from a failed Start.
func IsStartError(err error) bool {
	var se *StartError
	return errors.As(err, &se)
}
