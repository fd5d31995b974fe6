// Package overlay owns the on-screen redaction layer. Every visibility change
// carries the capture timestamp of the frame that caused it and is applied on
// a single goroutine, so late results from slow frames can never overwrite
// newer ones.
package overlay

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/veil/internal/metrics"
	"github.com/andresmejia3/veil/internal/report"
)

// State of the overlay.
type State int32

const (
	Hidden State = iota
	Visible
	Removed
)

func (s State) String() string {
	switch s {
	case Hidden:
		return "hidden"
	case Visible:
		return "visible"
	case Removed:
		return "removed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type opKind int

const (
	opShow opKind = iota
	opHide
	opRemove
)

type op struct {
	ctx   context.Context
	kind  opKind
	ts    int64
	img   *image.RGBA
	reply chan bool
}

// Controller serialises overlay mutations.
type Controller struct {
	surface  Surface
	stats    *metrics.Metrics
	reporter *report.Reporter
	logger   *slog.Logger

	ops  chan op
	done chan struct{}

	state       atomic.Int32
	current     atomic.Pointer[image.RGBA]
	lastApplied atomic.Int64
	applied     atomic.Bool
	removeOnce  sync.Once
}

// New starts the controller goroutine in the Hidden state.
func New(surface Surface, stats *metrics.Metrics, reporter *report.Reporter, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if stats == nil {
		stats = metrics.New()
	}
	c := &Controller{
		surface:  surface,
		stats:    stats,
		reporter: reporter,
		logger:   logger,
		ops:      make(chan op),
		done:     make(chan struct{}),
	}
	c.state.Store(int32(Hidden))
	go c.run()
	return c
}

// Show displays img for the frame captured at ts. Returns false if the request
// was stale, cancelled, or arrived after Remove.
func (c *Controller) Show(ctx context.Context, ts int64, img *image.RGBA) bool {
	return c.submit(op{ctx: ctx, kind: opShow, ts: ts, img: img})
}

// Hide hides the overlay for the frame captured at ts.
func (c *Controller) Hide(ctx context.Context, ts int64) bool {
	return c.submit(op{ctx: ctx, kind: opHide, ts: ts})
}

// Remove releases the surface. Later calls are no-ops.
func (c *Controller) Remove() {
	c.removeOnce.Do(func() {
		reply := make(chan bool, 1)
		c.ops <- op{ctx: context.Background(), kind: opRemove, reply: reply}
		<-reply
	})
}

func (c *Controller) State() State {
	return State(c.state.Load())
}

// Image is the redacted frame on screen, nil unless Visible.
func (c *Controller) Image() *image.RGBA {
	return c.current.Load()
}

// LastApplied is the timestamp of the most recent applied transition, or -1.
func (c *Controller) LastApplied() int64 {
	if !c.applied.Load() {
		return -1
	}
	return c.lastApplied.Load()
}

func (c *Controller) submit(o op) bool {
	if o.ctx == nil {
		o.ctx = context.Background()
	}
	o.reply = make(chan bool, 1)
	select {
	case c.ops <- o:
	case <-c.done:
		return false
	}
	select {
	case ok := <-o.reply:
		return ok
	case <-c.done:
		return false
	}
}

func (c *Controller) run() {
	for o := range c.ops {
		if o.kind == opRemove {
			c.remove()
			o.reply <- true
			close(c.done)
			return
		}
		o.reply <- c.apply(o)
	}
}

func (c *Controller) apply(o op) bool {
	if o.ctx.Err() != nil {
		c.stats.IncrementStale()
		c.logger.Debug("overlay: cancelled transition rejected", "ts", o.ts)
		return false
	}
	if c.applied.Load() && o.ts < c.lastApplied.Load() {
		c.stats.IncrementStale()
		c.logger.Debug("overlay: stale transition rejected", "ts", o.ts, "last_applied", c.lastApplied.Load())
		return false
	}

	switch o.kind {
	case opShow:
		if err := c.surface.Show(o.img); err != nil {
			c.reporter.Report(fmt.Errorf("overlay show: %w", err))
		}
		c.current.Store(o.img)
		c.state.Store(int32(Visible))
	case opHide:
		if State(c.state.Load()) == Visible {
			if err := c.surface.Hide(); err != nil {
				c.reporter.Report(fmt.Errorf("overlay hide: %w", err))
			}
		}
		c.current.Store(nil)
		c.state.Store(int32(Hidden))
	}
	c.lastApplied.Store(o.ts)
	c.applied.Store(true)
	return true
}

func (c *Controller) remove() {
	if err := c.surface.Remove(); err != nil {
		c.reporter.Report(fmt.Errorf("overlay remove: %w", err))
	}
	c.current.Store(nil)
	c.state.Store(int32(Removed))
	c.logger.Debug("overlay: removed")
}
