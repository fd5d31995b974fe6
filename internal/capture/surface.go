// Package capture holds the bounded frame surface that sits between a screen
// source and the pipeline, plus the source adapters.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/veil/internal/report"
	"github.com/andresmejia3/veil/internal/types"
)

// MaxImages is the number of frames that may be alive at once.
const MaxImages = 2

// ErrSurfaceClosed is returned by Deliver after Close.
var ErrSurfaceClosed = errors.New("frame surface closed")

// Surface is a bounded buffer of captured frames. At most capacity frames
// (pending or acquired) exist at a time; when all of them are held by
// consumers, Deliver blocks the producer.
type Surface struct {
	tokens chan struct{}
	done   chan struct{}
	pool   sync.Pool

	mu        sync.Mutex
	pending   *types.CapturedFrame
	onFrame   func()
	closeOnce sync.Once

	delivered atomic.Int64
	replaced  atomic.Int64
}

func NewSurface(capacity int) *Surface {
	if capacity < 1 {
		capacity = MaxImages
	}
	return &Surface{
		tokens: make(chan struct{}, capacity),
		done:   make(chan struct{}),
	}
}

// SetOnFrameAvailable registers the callback run on the producer goroutine
// after each delivered frame.
func (s *Surface) SetOnFrameAvailable(fn func()) {
	s.mu.Lock()
	s.onFrame = fn
	s.mu.Unlock()
}

// Deliver copies pix into a pooled buffer and publishes it as the latest
// frame. A pending frame nobody acquired is discarded.
func (s *Surface) Deliver(ctx context.Context, pix []byte, width, height int, ts int64) error {
	if width <= 0 || height <= 0 || len(pix) != width*height*4 {
		return fmt.Errorf("%w: %d bytes for %dx%d", report.ErrInvalidFrame, len(pix), width, height)
	}

	s.mu.Lock()
	stale := s.pending
	s.pending = nil
	s.mu.Unlock()
	if stale != nil {
		s.replaced.Add(1)
		stale.Release()
	}

	select {
	case s.tokens <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSurfaceClosed
	}

	buf := s.buffer(len(pix))
	copy(buf, pix)
	frame := types.NewCapturedFrame(buf, width, height, ts, s.recycle)

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		frame.Release()
		return ErrSurfaceClosed
	default:
	}
	s.pending = frame
	cb := s.onFrame
	s.mu.Unlock()

	s.delivered.Add(1)
	if cb != nil {
		cb()
	}
	return nil
}

// AcquireLatest hands the newest frame to the caller, who must Release it.
// Returns nil when no frame is pending.
func (s *Surface) AcquireLatest() *types.CapturedFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.pending
	s.pending = nil
	return f
}

// Outstanding is the number of frames currently alive.
func (s *Surface) Outstanding() int {
	return len(s.tokens)
}

// Delivered and Replaced count frames published and frames discarded unacquired.
func (s *Surface) Delivered() int64 { return s.delivered.Load() }
func (s *Surface) Replaced() int64  { return s.replaced.Load() }

// Close unblocks the producer and discards any pending frame. Acquired frames
// may still be released afterwards.
func (s *Surface) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.done)
		stale := s.pending
		s.pending = nil
		s.onFrame = nil
		s.mu.Unlock()
		if stale != nil {
			stale.Release()
		}
	})
	return nil
}

func (s *Surface) buffer(size int) []byte {
	if v := s.pool.Get(); v != nil {
		if buf := v.([]byte); cap(buf) >= size {
			return buf[:size]
		}
	}
	return make([]byte, size)
}

func (s *Surface) recycle(buf []byte) {
	if buf != nil {
		s.pool.Put(buf)
	}
	<-s.tokens
}
