package utils

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (worker logs)
// This ensures we don't lose critical crash information if a subprocess dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe
// It prepares the command for execution but does not start it.
func NewSafeCommand(name string, args ...string) *SafeCommand {
	cmd := exec.Command(name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ShowError prints a formatted error box to stderr and, if a SafeCommand is
// provided, the logs it captured.
func ShowError(context string, err error, s *SafeCommand) {
	writeErrorBox(os.Stderr, context, err, s)
}

// Die is the unified exit strategy for veil.
func Die(context string, err error, s *SafeCommand) {
	ShowError(context, err, s)
	os.Exit(1)
}

func writeErrorBox(w io.Writer, context string, err error, s *SafeCommand) {
	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "🚨 VEIL ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(w, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if s != nil && s.Stderr != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(w, "\nSUBPROCESS LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(w, "---------------------------------------------------------\n")
}

// --- 2. Video Engine (capture & overlay subprocesses) ---

// FFmpegCaptureArgs builds an ffmpeg invocation that writes raw RGBA frames
// of width x height to stdout. With an empty format the input is a file or
// URL and is read in real time.
func FFmpegCaptureArgs(format, input string, width, height, fps int) []string {
	// Added -hide_banner and -loglevel error to prevent memory bloat in stderr buffer
	args := []string{"-hide_banner", "-loglevel", "error"}
	if format != "" {
		args = append(args, "-f", format)
		if fps > 0 {
			args = append(args, "-framerate", strconv.Itoa(fps))
		}
	} else {
		args = append(args, "-re")
	}
	args = append(args, "-i", input)
	if fps > 0 {
		args = append(args, "-r", strconv.Itoa(fps))
	}
	return append(args,
		"-vf", fmt.Sprintf("scale=%d:%d", width, height),
		"-pix_fmt", "rgba",
		"-f", "rawvideo",
		"-")
}

// FFplayArgs builds an ffplay invocation that shows raw RGBA frames read
// from stdin in a borderless always-on-top window.
func FFplayArgs(width, height int, title string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "rawvideo",
		"-pixel_format", "rgba",
		"-video_size", fmt.Sprintf("%dx%d", width, height),
		"-window_title", title,
		"-noborder",
		"-alwaysontop",
		"-fflags", "nobuffer",
		"-i", "-",
	}
}

// --- 3. Images ---

// LoadRGBA decodes a PNG or JPEG file into a tightly packed RGBA image.
func LoadRGBA(path string) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeRGBA(f)
}

// DecodeRGBA decodes any registered image format into RGBA.
func DecodeRGBA(r io.Reader) (*image.RGBA, error) {
	src, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst, nil
}

// --- 4. Logging ---

var logLevel = new(slog.LevelVar)

// ConfigureLogging installs a TextHandler on stderr as the default logger.
// level is DEBUG, INFO, WARN or ERROR; anything else means INFO.
func ConfigureLogging(level string) *slog.Logger {
	logLevel.Set(ParseLevel(level))
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLogLevel changes the level of the logger installed by ConfigureLogging.
func SetLogLevel(level slog.Level) {
	logLevel.Set(level)
}
