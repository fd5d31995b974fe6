package overlay

import (
	"fmt"
	"image"
	"io"
	"log/slog"
	"sync"

	"github.com/andresmejia3/veil/internal/utils"
)

// Surface is the platform layer the controller draws on. Calls always come
// from the controller goroutine.
type Surface interface {
	Show(img *image.RGBA) error
	Hide() error
	Remove() error
}

// PipeSurface streams raw RGBA frames into an ffplay window. While hidden the
// window shows opaque black.
type PipeSurface struct {
	Width, Height int

	cmd   *utils.SafeCommand
	stdin io.WriteCloser
	blank []byte
	once  sync.Once
}

// NewPipeSurface starts an ffplay window sized width x height.
func NewPipeSurface(width, height int, title string) (*PipeSurface, error) {
	cmd := utils.NewSafeCommand("ffplay", utils.FFplayArgs(width, height, title)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffplay stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffplay: %w", err)
	}
	return newPipeSurface(width, height, cmd, stdin), nil
}

func newPipeSurface(width, height int, cmd *utils.SafeCommand, stdin io.WriteCloser) *PipeSurface {
	// ffplay does not composite alpha, so hiding blanks the window to
	// opaque black rather than revealing the screen underneath.
	blank := make([]byte, width*height*4)
	for i := 3; i < len(blank); i += 4 {
		blank[i] = 0xFF
	}
	return &PipeSurface{
		Width:  width,
		Height: height,
		cmd:    cmd,
		stdin:  stdin,
		blank:  blank,
	}
}

func (s *PipeSurface) Show(img *image.RGBA) error {
	if img == nil {
		return fmt.Errorf("nil image")
	}
	b := img.Bounds()
	if b.Dx() != s.Width || b.Dy() != s.Height || len(img.Pix) != s.Width*s.Height*4 {
		return fmt.Errorf("image is %dx%d, surface is %dx%d", b.Dx(), b.Dy(), s.Width, s.Height)
	}
	_, err := s.stdin.Write(img.Pix)
	return err
}

func (s *PipeSurface) Hide() error {
	_, err := s.stdin.Write(s.blank)
	return err
}

// Remove closes the window and waits for ffplay to exit.
func (s *PipeSurface) Remove() error {
	var err error
	s.once.Do(func() {
		err = s.stdin.Close()
		if s.cmd != nil && s.cmd.Cmd.Process != nil {
			// ffplay exits non-zero when its input closes; only stderr matters.
			if werr := s.cmd.Wait(); werr != nil && s.cmd.Stderr.Len() > 0 {
				slog.Debug("overlay: ffplay exited", "error", werr, "stderr", s.cmd.Stderr.String())
			}
		}
	})
	return err
}

// LogSurface draws nothing and logs every transition. Used headless.
type LogSurface struct {
	Logger *slog.Logger
}

func (s LogSurface) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s LogSurface) Show(img *image.RGBA) error {
	var w, h int
	if img != nil {
		w, h = img.Bounds().Dx(), img.Bounds().Dy()
	}
	s.logger().Info("overlay: show", "width", w, "height", h)
	return nil
}

func (s LogSurface) Hide() error {
	s.logger().Info("overlay: hide")
	return nil
}

func (s LogSurface) Remove() error {
	s.logger().Info("overlay: remove")
	return nil
}
