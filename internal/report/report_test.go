package report

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/andresmejia3/veil/internal/metrics"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReport_CountsAndForwards(t *testing.T) {
	m := metrics.New()
	r := New(quietLogger(), m, 1)

	first := errors.New("first")
	r.Report(first)
	r.Report(errors.New("second")) // channel full, must not block
	r.Report(nil)

	if got := m.Snapshot().Errors; got != 2 {
		t.Errorf("Errors = %d, want 2", got)
	}
	select {
	case err := <-r.Errors():
		if err != first {
			t.Errorf("got %v, want %v", err, first)
		}
	default:
		t.Fatal("expected a forwarded error")
	}
	select {
	case err := <-r.Errors():
		t.Errorf("unexpected extra error %v", err)
	default:
	}
}

func TestReport_NilSafe(t *testing.T) {
	var r *Reporter
	r.Report(errors.New("ignored"))

	unbuffered := New(nil, nil, 0)
	unbuffered.Report(errors.New("logged only"))
	if unbuffered.Errors() != nil {
		t.Error("expected nil channel without a buffer")
	}
}
