// Package events persists filter events off the frame path.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/andresmejia3/veil/internal/metrics"
	"github.com/andresmejia3/veil/internal/types"
)

// DefaultBuffer is the number of events that may wait for the store.
const DefaultBuffer = 256

// insertTimeout bounds a single store write.
const insertTimeout = 5 * time.Second

// Inserter is the write side of the history store.
type Inserter interface {
	InsertEvent(ctx context.Context, event types.FilterEvent) error
}

// Writer queues events for a background goroutine. Append never blocks: when
// the buffer is full the event is dropped and counted. Store failures are
// logged and not retried.
type Writer struct {
	store  Inserter
	stats  *metrics.Metrics
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	ch     chan types.FilterEvent
	done   chan struct{}
}

func NewWriter(store Inserter, buffer int, stats *metrics.Metrics, logger *slog.Logger) *Writer {
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	if stats == nil {
		stats = metrics.New()
	}
	w := &Writer{
		store:  store,
		stats:  stats,
		logger: logger,
		ch:     make(chan types.FilterEvent, buffer),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Writer) Append(event types.FilterEvent) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.ch <- event:
	default:
		w.stats.IncrementEventDrops()
		w.logger.Debug("events: buffer full, dropping event", "category", event.Category)
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for event := range w.ch {
		ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
		if err := w.store.InsertEvent(ctx, event); err != nil {
			w.logger.Warn("events: failed to persist event", "error", err, "category", event.Category)
		}
		cancel()
	}
}

// Close stops accepting events and waits up to timeout for queued ones to be
// written. Safe to call more than once.
func (w *Writer) Close(timeout time.Duration) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-time.After(timeout):
		return context.DeadlineExceeded
	}
}

// Discard is an EventSink that drops everything. Used with --no-history.
type Discard struct{}

func (Discard) Append(types.FilterEvent) {}
