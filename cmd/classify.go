package cmd

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/veil/internal/policy"
	"github.com/andresmejia3/veil/internal/redact"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/andresmejia3/veil/internal/utils"
	"github.com/andresmejia3/veil/internal/worker"
)

var (
	classifyOutput string
	classifyScheme string
	classifyStyle  string
)

var classifyCmd = &cobra.Command{
	Use:   "classify <image_path>",
	Short: "Classify a single image and show the filter decision",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runClassify(cmd.Context(), args[0])
	},
}

func init() {
	classifyCmd.Flags().StringVarP(&classifyOutput, "output", "o", "", "Write the redacted image to this PNG path")
	classifyCmd.Flags().StringVar(&classifyScheme, "scheme", "", "Decision table: nsfw5, binary (default from config)")
	classifyCmd.Flags().StringVar(&classifyStyle, "style", "", "Redaction style: blur, pixelate (default from config)")
	rootCmd.AddCommand(classifyCmd)
}

func runClassify(ctx context.Context, imagePath string) error {
	if _, err := os.Stat(imagePath); os.IsNotExist(err) {
		utils.ShowError("Input file does not exist", err, nil)
		return err
	}

	scheme, style := Cfg.Scheme, Cfg.Style
	if classifyScheme != "" {
		scheme = classifyScheme
	}
	if classifyStyle != "" {
		style = classifyStyle
	}
	pol, err := policy.ForScheme(scheme, Cfg.Thresholds, policy.Style(style))
	if err != nil {
		return err
	}

	img, err := utils.LoadRGBA(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}
	width, height := img.Bounds().Dx(), img.Bounds().Dy()

	fmt.Fprintln(os.Stderr, "🚀 Starting classifier...")
	// We use ID 0 for this ad-hoc worker
	w, err := worker.NewEngine(0, Cfg.WorkerCommand)
	if err != nil {
		utils.ShowError("Failed to start classifier", err, nil)
		return err
	}
	defer w.Close()

	scores, err := w.Classify(ctx, img.Pix, width, height)
	if err != nil {
		utils.ShowError("Classification failed", err, w.Cmd)
		return err
	}
	result, ok := types.NewClassificationResult(scores)
	if !ok {
		err := fmt.Errorf("classifier returned %d scores", len(scores))
		utils.ShowError("Classification failed", err, w.Cmd)
		return err
	}
	decision := pol.Decide(result)

	out := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(out, "CLASS\tSCORE")
	fmt.Fprintln(out, "-----\t-----")
	for i, s := range result.Scores {
		name := fmt.Sprintf("class %d", i)
		if i < len(types.ClassNames) && len(result.Scores) == types.NumClasses {
			name = types.ClassNames[i]
		}
		fmt.Fprintf(out, "%s\t%.4f\n", name, s)
	}
	out.Flush()

	fmt.Printf("\nCategory:   %s\n", result.Category)
	fmt.Printf("Confidence: %.4f\n", result.Confidence)
	fmt.Printf("Decision:   %s\n", describeDecision(decision))

	if classifyOutput == "" {
		return nil
	}
	if decision.IsNone() {
		fmt.Println("Nothing to redact; no output written.")
		return nil
	}
	return writeRedacted(ctx, classifyOutput, img, decision)
}

func describeDecision(d types.FilterDecision) string {
	switch d.Action {
	case types.ActionBlur:
		return fmt.Sprintf("blur (radius %.0f)", d.Radius)
	case types.ActionPixelate:
		return fmt.Sprintf("pixelate (block %d)", d.BlockSize)
	default:
		return "none"
	}
}

func writeRedacted(ctx context.Context, path string, img *image.RGBA, d types.FilterDecision) error {
	engine := redact.New()
	width, height := img.Bounds().Dx(), img.Bounds().Dy()

	var (
		pix []byte
		err error
	)
	if d.Action == types.ActionPixelate {
		pix, err = engine.Pixelate(ctx, img.Pix, width, height, d.BlockSize)
	} else {
		pix, err = engine.Blur(ctx, img.Pix, width, height, d.Radius)
	}
	if err != nil {
		utils.ShowError("Redaction failed", err, nil)
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		utils.ShowError("Failed to create output file", err, nil)
		return err
	}
	defer f.Close()

	redacted := &image.RGBA{Pix: pix, Stride: width * 4, Rect: image.Rect(0, 0, width, height)}
	if err := png.Encode(f, redacted); err != nil {
		utils.ShowError("Failed to write output image", err, nil)
		return err
	}
	fmt.Printf("✅ Redacted image written to %s\n", path)
	return nil
}
