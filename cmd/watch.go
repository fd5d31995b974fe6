package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/veil/internal/capture"
	"github.com/andresmejia3/veil/internal/config"
	"github.com/andresmejia3/veil/internal/events"
	"github.com/andresmejia3/veil/internal/inference"
	"github.com/andresmejia3/veil/internal/metrics"
	"github.com/andresmejia3/veil/internal/overlay"
	"github.com/andresmejia3/veil/internal/policy"
	"github.com/andresmejia3/veil/internal/processor"
	"github.com/andresmejia3/veil/internal/redact"
	"github.com/andresmejia3/veil/internal/session"
	"github.com/andresmejia3/veil/internal/utils"
	"github.com/andresmejia3/veil/internal/worker"
)

// WatchOptions holds the command-line overrides for a capture session.
type WatchOptions struct {
	Input      string
	Format     string
	Width      int
	Height     int
	Density    int
	FPS        int
	Engines    int
	Workers    int
	Scheme     string
	Style      string
	Surface    string
	FailClosed bool
	NoHistory  bool
	Quiet      bool
}

var watchOpts WatchOptions

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Filter the screen live until interrupted",
	Long: `Starts a capture session: frames are classified at the target rate and
unsafe content is covered by a blurred or pixelated overlay. Press Ctrl+C to stop.`,
	Annotations: map[string]string{dbAnnotation: dbOptional},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := applyWatchFlags(cmd, Cfg, watchOpts); err != nil {
			return err
		}
		return runWatch(cmd.Context(), Cfg)
	},
}

func init() {
	watchCmd.Flags().StringVarP(&watchOpts.Input, "input", "i", "", "Capture input (display, device or video file; default depends on OS)")
	watchCmd.Flags().StringVarP(&watchOpts.Format, "format", "f", "", "ffmpeg input format, e.g. x11grab (empty reads --input as a file)")
	watchCmd.Flags().IntVar(&watchOpts.Width, "width", 0, "Capture width in pixels")
	watchCmd.Flags().IntVar(&watchOpts.Height, "height", 0, "Capture height in pixels")
	watchCmd.Flags().IntVar(&watchOpts.Density, "density", 0, "Display density in dpi")
	watchCmd.Flags().IntVar(&watchOpts.FPS, "fps", 0, "Frames classified per second")
	watchCmd.Flags().IntVarP(&watchOpts.Engines, "engines", "e", 0, "Number of classifier subprocesses")
	watchCmd.Flags().IntVarP(&watchOpts.Workers, "workers", "w", 0, "Frames processed concurrently")
	watchCmd.Flags().StringVar(&watchOpts.Scheme, "scheme", "", "Decision table: nsfw5, binary")
	watchCmd.Flags().StringVar(&watchOpts.Style, "style", "", "Redaction style: blur, pixelate")
	watchCmd.Flags().StringVar(&watchOpts.Surface, "surface", "", "Overlay surface: ffplay, log")
	watchCmd.Flags().BoolVar(&watchOpts.FailClosed, "fail-closed", false, "Cover the screen when the classifier fails")
	watchCmd.Flags().BoolVar(&watchOpts.NoHistory, "no-history", false, "Do not record filter events")
	watchCmd.Flags().BoolVarP(&watchOpts.Quiet, "quiet", "q", false, "Hide the live status line")
	rootCmd.AddCommand(watchCmd)
}

// applyWatchFlags copies explicitly set flags over cfg and revalidates it.
func applyWatchFlags(cmd *cobra.Command, cfg *config.Config, opts WatchOptions) error {
	changed := cmd.Flags().Changed
	if changed("input") {
		cfg.Capture.Input = opts.Input
		if !changed("format") {
			cfg.Capture.Format = ""
		}
	}
	if changed("format") {
		cfg.Capture.Format = opts.Format
	}
	if changed("width") {
		cfg.Capture.Width = opts.Width
	}
	if changed("height") {
		cfg.Capture.Height = opts.Height
	}
	if changed("density") {
		cfg.Capture.Density = opts.Density
	}
	if changed("fps") {
		cfg.TargetFPS = opts.FPS
	}
	if changed("engines") {
		cfg.Engines = opts.Engines
	}
	if changed("workers") {
		cfg.Workers = opts.Workers
	}
	if changed("scheme") {
		cfg.Scheme = opts.Scheme
	}
	if changed("style") {
		cfg.Style = opts.Style
	}
	if changed("surface") {
		cfg.Overlay.Surface = opts.Surface
	}
	if opts.FailClosed {
		cfg.FailMode = string(inference.FailClosed)
	}
	if opts.NoHistory {
		cfg.History.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	return nil
}

func runWatch(ctx context.Context, cfg *config.Config) error {
	pol, err := policy.ForScheme(cfg.Scheme, cfg.Thresholds, policy.Style(cfg.Style))
	if err != nil {
		return err
	}

	stats := metrics.New()

	var sink processor.EventSink = events.Discard{}
	var writer *events.Writer
	if cfg.History.Enabled && DB != nil {
		writer = events.NewWriter(DB, cfg.History.Buffer, stats, logger)
		sink = writer
	}

	format, input := cfg.Capture.Format, cfg.Capture.Input
	if input == "" {
		format, input = capture.DefaultInput()
	}

	sess := session.New(session.Options{
		Projector: &capture.FFmpegProjector{
			Format: format,
			Input:  input,
			Width:  cfg.Capture.Width,
			Height: cfg.Capture.Height,
			// Native capture rate; the limiter decides what gets classified.
			FPS:    0,
			Logger: logger,
		},
		Backend:   newBackend(cfg, logger),
		Surface:   newSurface(cfg.Overlay, logger),
		Policy:    pol,
		Sink:      sink,
		FailMode:  inference.FailMode(cfg.FailMode),
		TargetFPS: cfg.TargetFPS,
		Workers:   cfg.Workers,
		StopWait:  cfg.StopTimeout,
		Logger:    logger,
		Stats:     stats,
	})

	if err := sess.Start(ctx, cfg.Capture.Width, cfg.Capture.Height, cfg.Capture.Density); err != nil {
		utils.ShowError("Failed to start capture session", err, nil)
		closeWriter(writer, cfg.StopTimeout)
		return err
	}
	fmt.Fprintf(os.Stderr, "🛡️  Veil is watching %s (session %s). Press Ctrl+C to stop.\n", input, sess.ID())

	var bar *progressbar.ProgressBar
	if !watchOpts.Quiet {
		bar = progressbar.NewOptions(-1,
			progressbar.OptionSetDescription("🔍 Watching"),
			progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
			progressbar.OptionSpinnerType(14),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	var last int64
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-sess.Errors():
			logger.Debug("watch: pipeline error", "error", err)
		case <-ticker.C:
			if bar == nil {
				continue
			}
			snap := sess.Stats()
			bar.Describe(statusLine(snap))
			bar.Add64(snap.FramesDone - last)
			last = snap.FramesDone
		}
	}

	if bar != nil {
		bar.Finish()
	}
	fmt.Fprintln(os.Stderr, "\n🛑 Stopping...")

	stopErr := sess.Stop()
	if stopErr != nil {
		utils.ShowError("Teardown was incomplete", stopErr, nil)
	}
	if err := closeWriter(writer, cfg.StopTimeout); err != nil {
		stopErr = errors.Join(stopErr, err)
	}

	printSummary(sess.ID(), sess.Stats())
	return stopErr
}

// newBackend starts the classifier pool and pairs it with the in-process
// redaction engine.
func newBackend(cfg *config.Config, logger *slog.Logger) session.BackendFactory {
	return func(ctx context.Context) (inference.Backend, error) {
		pool, err := worker.NewPool(cfg.Engines, cfg.WorkerCommand, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to start classifier: %w", err)
		}
		return inference.Combine(pool, redact.New()), nil
	}
}

func newSurface(cfg config.OverlayConfig, logger *slog.Logger) session.SurfaceFactory {
	return func(width, height int) (overlay.Surface, error) {
		if cfg.Surface == "log" {
			return overlay.LogSurface{Logger: logger}, nil
		}
		return overlay.NewPipeSurface(width, height, cfg.Title)
	}
}

func closeWriter(w *events.Writer, timeout time.Duration) error {
	if w == nil {
		return nil
	}
	if err := w.Close(timeout); err != nil {
		return fmt.Errorf("flushing event history: %w", err)
	}
	return nil
}

func statusLine(s metrics.Snapshot) string {
	return fmt.Sprintf("🔍 seen %d | classified %d | filtered %d | %.1f ms/frame",
		s.FramesSeen, s.FramesAdmitted, s.EventsEmitted, s.AvgLatencyMs)
}

func printSummary(id string, s metrics.Snapshot) {
	fmt.Fprintf(os.Stderr, "🏁 Session %s complete.\n", id)
	fmt.Fprintf(os.Stderr, "   Frames seen:      %d\n", s.FramesSeen)
	fmt.Fprintf(os.Stderr, "   Frames admitted:  %d (dropped %d, pool full %d)\n", s.FramesAdmitted, s.FramesDropped, s.PoolDrops)
	fmt.Fprintf(os.Stderr, "   Frames processed: %d (avg %.1f ms)\n", s.FramesDone, s.AvgLatencyMs)
	fmt.Fprintf(os.Stderr, "   Filter events:    %d (unsaved %d)\n", s.EventsEmitted, s.EventsDropped)
	fmt.Fprintf(os.Stderr, "   Stale overlays:   %d\n", s.StaleRejected)
	fmt.Fprintf(os.Stderr, "   Errors:           %d\n", s.Errors)
}
