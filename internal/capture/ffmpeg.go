package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/andresmejia3/veil/internal/utils"
)

// Projector grants a capture handle. It stands in for the platform's screen
// capture permission.
type Projector interface {
	Project(ctx context.Context) (Projection, error)
}

// Projection is an active capture handle. Frames flow once a surface is attached.
type Projection interface {
	Attach(surface *Surface) (RenderTarget, error)
	Stop() error
}

// RenderTarget is the source-side object feeding a surface (a virtual display).
type RenderTarget interface {
	Release() error
}

// DefaultInput returns the ffmpeg demuxer and input that grab the main screen
// on this OS.
func DefaultInput() (format, input string) {
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation", "1:none"
	case "windows":
		return "gdigrab", "desktop"
	default:
		return "x11grab", ":0.0"
	}
}

// FFmpegProjector captures with an ffmpeg subprocess emitting raw RGBA frames
// scaled to Width x Height. An empty Format treats Input as a file or URL and
// reads it in real time.
type FFmpegProjector struct {
	Format string
	Input  string
	Width  int
	Height int
	FPS    int
	Logger *slog.Logger
}

func (p *FFmpegProjector) Project(ctx context.Context) (Projection, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}
	if p.Width <= 0 || p.Height <= 0 {
		return nil, fmt.Errorf("invalid capture size %dx%d", p.Width, p.Height)
	}
	if p.Input == "" {
		p.Format, p.Input = DefaultInput()
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ffmpegProjection{cfg: *p, logger: logger}, nil
}

type ffmpegProjection struct {
	cfg    FFmpegProjector
	logger *slog.Logger

	mu      sync.Mutex
	target  *ffmpegTarget
	stopped bool
}

func (p *ffmpegProjection) Attach(surface *Surface) (RenderTarget, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil, errors.New("projection already stopped")
	}
	if p.target != nil {
		return nil, errors.New("projection already attached")
	}

	args := utils.FFmpegCaptureArgs(p.cfg.Format, p.cfg.Input, p.cfg.Width, p.cfg.Height, p.cfg.FPS)
	cmd := utils.NewSafeCommand("ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &ffmpegTarget{
		cmd:    cmd,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: p.logger,
	}
	go t.pump(ctx, stdout, surface, p.cfg.Width, p.cfg.Height)
	p.target = t
	p.logger.Info("capture: ffmpeg attached", "format", p.cfg.Format, "input", p.cfg.Input,
		"width", p.cfg.Width, "height", p.cfg.Height)
	return t, nil
}

// Stop ends the projection. A still attached target is released first.
func (p *ffmpegProjection) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil
	}
	p.stopped = true
	if p.target != nil {
		return p.target.Release()
	}
	return nil
}

type ffmpegTarget struct {
	cmd    *utils.SafeCommand
	cancel context.CancelFunc
	done   chan struct{}
	logger *slog.Logger
	once   sync.Once
}

// pump reads fixed-size raw frames and hands them to the surface. The read
// buffer is reused; Deliver copies it.
func (t *ffmpegTarget) pump(ctx context.Context, stdout io.Reader, surface *Surface, width, height int) {
	defer close(t.done)
	frameSize := width * height * 4
	buf := make([]byte, frameSize)
	start := time.Now()

	for {
		if _, err := io.ReadFull(stdout, buf); err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				t.logger.Warn("capture: ffmpeg stream ended", "error", err)
			}
			return
		}
		ts := time.Since(start).Milliseconds()
		if err := surface.Deliver(ctx, buf, width, height, ts); err != nil {
			if ctx.Err() == nil && !errors.Is(err, ErrSurfaceClosed) {
				t.logger.Warn("capture: deliver failed", "error", err)
			}
			return
		}
	}
}

// Release kills ffmpeg and waits for the reader to exit.
func (t *ffmpegTarget) Release() error {
	var err error
	t.once.Do(func() {
		t.cancel()
		if t.cmd.Process != nil {
			if kerr := t.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
				err = fmt.Errorf("failed to stop ffmpeg: %w", kerr)
			}
		}
		<-t.done
		// Killed processes always report an error from Wait.
		t.cmd.Wait()
	})
	return err
}
