package overlay

import (
	"bytes"
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/andresmejia3/veil/internal/metrics"
	"github.com/andresmejia3/veil/internal/report"
)

type recordingSurface struct {
	mu      sync.Mutex
	calls   []string
	failOn  string
	removed int
}

func (s *recordingSurface) record(call string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	if call == "remove" {
		s.removed++
	}
	if call == s.failOn {
		return errors.New(call + " failed")
	}
	return nil
}

func (s *recordingSurface) Show(img *image.RGBA) error { return s.record("show") }
func (s *recordingSurface) Hide() error                { return s.record("hide") }
func (s *recordingSurface) Remove() error              { return s.record("remove") }

func (s *recordingSurface) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func newTestController(s Surface) (*Controller, *metrics.Metrics) {
	m := metrics.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(s, m, report.New(logger, m, 4), logger), m
}

func img() *image.RGBA {
	return image.NewRGBA(image.Rect(0, 0, 2, 2))
}

func TestStateMachine(t *testing.T) {
	s := &recordingSurface{}
	c, _ := newTestController(s)
	defer c.Remove()
	ctx := context.Background()

	if c.State() != Hidden || c.LastApplied() != -1 {
		t.Fatalf("initial state = %v, last = %d", c.State(), c.LastApplied())
	}

	// Hide while hidden is applied but never touches the surface.
	if !c.Hide(ctx, 10) {
		t.Fatal("Hide rejected")
	}
	a, b := img(), img()
	if !c.Show(ctx, 20, a) || c.State() != Visible || c.Image() != a {
		t.Fatal("Show did not make the overlay visible")
	}
	if !c.Show(ctx, 30, b) || c.Image() != b {
		t.Fatal("Show while visible should replace the image")
	}
	if !c.Hide(ctx, 40) || c.State() != Hidden || c.Image() != nil {
		t.Fatal("Hide did not hide the overlay")
	}
	if c.LastApplied() != 40 {
		t.Errorf("LastApplied = %d, want 40", c.LastApplied())
	}

	want := []string{"show", "show", "hide"}
	got := s.Calls()
	if len(got) != len(want) {
		t.Fatalf("surface calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("surface calls = %v, want %v", got, want)
		}
	}
}

func TestStaleFrameRejected(t *testing.T) {
	c, m := newTestController(&recordingSurface{})
	defer c.Remove()
	ctx := context.Background()

	// Frame t=150 finishes first and shows its overlay.
	if !c.Show(ctx, 150, img()) {
		t.Fatal("Show(150) rejected")
	}
	// Frame t=100 finishes late and would hide it.
	if c.Hide(ctx, 100) {
		t.Fatal("stale Hide(100) was applied")
	}
	if c.Show(ctx, 100, img()) {
		t.Fatal("stale Show(100) was applied")
	}
	if c.State() != Visible || c.LastApplied() != 150 {
		t.Errorf("state = %v last = %d, want visible at 150", c.State(), c.LastApplied())
	}
	if n := m.Snapshot().StaleRejected; n != 2 {
		t.Errorf("StaleRejected = %d, want 2", n)
	}
	if n := m.Snapshot().Errors; n != 0 {
		t.Errorf("stale frames must not be reported as errors, got %d", n)
	}

	// Equal timestamps are not stale.
	if !c.Hide(ctx, 150) {
		t.Error("Hide at the same timestamp should apply")
	}
}

func TestCancelledContextRejected(t *testing.T) {
	c, m := newTestController(&recordingSurface{})
	defer c.Remove()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if c.Show(ctx, 10, img()) {
		t.Fatal("cancelled Show was applied")
	}
	if c.State() != Hidden {
		t.Errorf("state = %v", c.State())
	}
	if m.Snapshot().StaleRejected != 1 {
		t.Errorf("StaleRejected = %d", m.Snapshot().StaleRejected)
	}
}

func TestRemove(t *testing.T) {
	s := &recordingSurface{}
	c, _ := newTestController(s)
	ctx := context.Background()
	c.Show(ctx, 1, img())

	c.Remove()
	c.Remove()

	if c.State() != Removed {
		t.Fatalf("state = %v, want removed", c.State())
	}
	if s.removed != 1 {
		t.Errorf("surface removed %d times, want 1", s.removed)
	}
	if c.Show(ctx, 99, img()) || c.Hide(ctx, 100) {
		t.Error("operations after Remove must return false")
	}
	if c.State() != Removed {
		t.Error("Removed is terminal")
	}
}

func TestSurfaceErrorsStillTransition(t *testing.T) {
	c, m := newTestController(&recordingSurface{failOn: "show"})
	defer c.Remove()

	if !c.Show(context.Background(), 5, img()) {
		t.Fatal("Show should apply even when the surface fails")
	}
	if c.State() != Visible {
		t.Errorf("state = %v", c.State())
	}
	if m.Snapshot().Errors != 1 {
		t.Errorf("Errors = %d, want 1", m.Snapshot().Errors)
	}
}

func TestConcurrentOrdering(t *testing.T) {
	c, _ := newTestController(&recordingSurface{})
	defer c.Remove()
	ctx := context.Background()

	var wg sync.WaitGroup
	for ts := int64(1); ts <= 50; ts++ {
		wg.Add(1)
		go func(ts int64) {
			defer wg.Done()
			if ts%2 == 0 {
				c.Show(ctx, ts, img())
			} else {
				c.Hide(ctx, ts)
			}
		}(ts)
	}
	wg.Wait()

	// Whatever order the goroutines arrived in, the newest frame wins.
	if c.LastApplied() != 50 || c.State() != Visible {
		t.Errorf("last = %d state = %v, want 50 visible", c.LastApplied(), c.State())
	}
}

type nopWriteCloser struct{ *bytes.Buffer }

func (nopWriteCloser) Close() error { return nil }

func TestPipeSurface(t *testing.T) {
	out := nopWriteCloser{new(bytes.Buffer)}
	s := newPipeSurface(2, 2, nil, out)

	frame := img()
	for i := range frame.Pix {
		frame.Pix[i] = 0xAB
	}
	if err := s.Show(frame); err != nil {
		t.Fatal(err)
	}
	if err := s.Hide(); err != nil {
		t.Fatal(err)
	}
	if out.Len() != 32 {
		t.Fatalf("wrote %d bytes, want 32", out.Len())
	}
	black := []byte{0, 0, 0, 0xFF, 0, 0, 0, 0xFF, 0, 0, 0, 0xFF, 0, 0, 0, 0xFF}
	if !bytes.Equal(out.Bytes()[16:], black) {
		t.Errorf("hide wrote %v, want opaque black", out.Bytes()[16:])
	}
	if err := s.Show(image.NewRGBA(image.Rect(0, 0, 3, 3))); err == nil {
		t.Error("expected size mismatch error")
	}
	if err := s.Remove(); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(); err != nil {
		t.Fatal(err)
	}
}
