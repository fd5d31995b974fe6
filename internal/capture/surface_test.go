package capture

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/andresmejia3/veil/internal/report"
)

func pixels(w, h int, fill byte) []byte {
	pix := make([]byte, w*h*4)
	for i := range pix {
		pix[i] = fill
	}
	return pix
}

func TestDeliverAndAcquire(t *testing.T) {
	s := NewSurface(MaxImages)
	defer s.Close()

	var notified int
	s.SetOnFrameAvailable(func() { notified++ })

	src := pixels(2, 2, 7)
	if err := s.Deliver(context.Background(), src, 2, 2, 42); err != nil {
		t.Fatal(err)
	}
	if notified != 1 {
		t.Errorf("callback ran %d times, want 1", notified)
	}

	f := s.AcquireLatest()
	if f == nil {
		t.Fatal("no frame available")
	}
	if f.Timestamp != 42 || f.Width != 2 || f.Height != 2 {
		t.Errorf("frame = %+v", f)
	}
	src[0] = 99
	if f.Pix[0] != 7 {
		t.Error("surface must copy the source buffer")
	}
	if s.AcquireLatest() != nil {
		t.Error("a frame can only be acquired once")
	}

	if s.Outstanding() != 1 {
		t.Errorf("Outstanding = %d, want 1", s.Outstanding())
	}
	f.Release()
	f.Release()
	if s.Outstanding() != 0 {
		t.Errorf("Outstanding after release = %d, want 0", s.Outstanding())
	}
}

func TestDeliver_ReplacesUnacquired(t *testing.T) {
	s := NewSurface(MaxImages)
	defer s.Close()
	ctx := context.Background()

	for ts := int64(1); ts <= 5; ts++ {
		if err := s.Deliver(ctx, pixels(1, 1, byte(ts)), 1, 1, ts); err != nil {
			t.Fatal(err)
		}
	}
	if s.Outstanding() != 1 {
		t.Errorf("Outstanding = %d, want 1", s.Outstanding())
	}
	if s.Replaced() != 4 || s.Delivered() != 5 {
		t.Errorf("replaced = %d delivered = %d", s.Replaced(), s.Delivered())
	}
	f := s.AcquireLatest()
	if f.Timestamp != 5 {
		t.Errorf("latest ts = %d, want 5", f.Timestamp)
	}
	f.Release()
}

func TestDeliver_BlocksAtCapacity(t *testing.T) {
	s := NewSurface(MaxImages)
	defer s.Close()
	ctx := context.Background()

	var held []interface{ Release() }
	for ts := int64(1); ts <= MaxImages; ts++ {
		if err := s.Deliver(ctx, pixels(1, 1, 0), 1, 1, ts); err != nil {
			t.Fatal(err)
		}
		held = append(held, s.AcquireLatest())
	}

	done := make(chan error, 1)
	go func() { done <- s.Deliver(ctx, pixels(1, 1, 0), 1, 1, 3) }()

	select {
	case err := <-done:
		t.Fatalf("Deliver returned %v while every frame was held", err)
	case <-time.After(50 * time.Millisecond):
	}

	held[0].Release()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("Deliver did not resume after a release")
	}
	if s.Outstanding() != MaxImages {
		t.Errorf("Outstanding = %d, want %d", s.Outstanding(), MaxImages)
	}
	held[1].Release()
}

func TestDeliver_CloseUnblocks(t *testing.T) {
	s := NewSurface(1)
	ctx := context.Background()
	s.Deliver(ctx, pixels(1, 1, 0), 1, 1, 1)
	f := s.AcquireLatest()

	done := make(chan error, 1)
	go func() { done <- s.Deliver(ctx, pixels(1, 1, 0), 1, 1, 2) }()
	time.Sleep(20 * time.Millisecond)
	s.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrSurfaceClosed) {
			t.Errorf("err = %v, want ErrSurfaceClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock Deliver")
	}
	// Frames acquired before Close can still be released.
	f.Release()
	if s.Outstanding() != 0 {
		t.Errorf("Outstanding = %d", s.Outstanding())
	}
}

func TestDeliver_ContextCancelled(t *testing.T) {
	s := NewSurface(1)
	defer s.Close()
	s.Deliver(context.Background(), pixels(1, 1, 0), 1, 1, 1)
	f := s.AcquireLatest()
	defer f.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Deliver(ctx, pixels(1, 1, 0), 1, 1, 2); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestDeliver_InvalidFrame(t *testing.T) {
	s := NewSurface(MaxImages)
	defer s.Close()
	if err := s.Deliver(context.Background(), make([]byte, 5), 1, 1, 1); !errors.Is(err, report.ErrInvalidFrame) {
		t.Errorf("err = %v, want ErrInvalidFrame", err)
	}
}
