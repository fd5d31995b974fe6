package types

import (
	"sync"
	"time"
)

// Score vector layout of the 5-class NSFW model.
const (
	ClassDrawing = iota
	ClassHentai
	ClassNeutral
	ClassPorn
	ClassSexy
	NumClasses
)

// ClassNames follows the score vector order.
var ClassNames = [NumClasses]string{"drawing", "hentai", "neutral", "porn", "sexy"}

// Category names outside the 5-class vocabulary.
const (
	CategorySafe   = "safe"
	CategoryUnsafe = "unsafe"
	CategoryError  = "error"
)

// CapturedFrame is a raw RGBA snapshot of the screen.
// Pix is owned by whoever holds the frame until Release is called.
type CapturedFrame struct {
	Pix       []byte
	Width     int
	Height    int
	Timestamp int64 // monotonic milliseconds

	once    sync.Once
	release func([]byte)
}

// NewCapturedFrame wraps a pixel buffer. release, if non-nil, receives the buffer
// back exactly once.
func NewCapturedFrame(pix []byte, width, height int, ts int64, release func([]byte)) *CapturedFrame {
	return &CapturedFrame{Pix: pix, Width: width, Height: height, Timestamp: ts, release: release}
}

// Release hands the buffer back to its owner. Safe to call more than once.
func (f *CapturedFrame) Release() {
	if f == nil {
		return
	}
	f.once.Do(func() {
		pix := f.Pix
		f.Pix = nil
		if f.release != nil {
			f.release(pix)
		}
	})
}

// ExpectedSize is width*height*4.
func (f *CapturedFrame) ExpectedSize() int {
	return f.Width * f.Height * 4
}

// ClassificationResult is the outcome of classifying one frame.
type ClassificationResult struct {
	Scores     []float32 `json:"scores"`
	Category   string    `json:"category"`
	Confidence float32   `json:"confidence"`
	SafeScore  float32   `json:"safe_score"`
	Unsafe     float32   `json:"unsafe_score"`
	// FailSafe marks a substituted result after a classifier failure.
	FailSafe bool `json:"fail_safe"`
}

// NewClassificationResult derives the category and bucket scores from a raw
// score vector. Five scores use the NSFW layout; one or two scores are read
// as the binary [safe, unsafe] form.
func NewClassificationResult(scores []float32) (ClassificationResult, bool) {
	r := ClassificationResult{Scores: append([]float32(nil), scores...)}

	switch len(scores) {
	case NumClasses:
		top := 0
		for i := 1; i < NumClasses; i++ {
			if scores[i] > scores[top] {
				top = i
			}
		}
		r.Category = ClassNames[top]
		r.SafeScore = scores[ClassDrawing] + scores[ClassNeutral]
		r.Unsafe = scores[ClassHentai] + scores[ClassPorn] + scores[ClassSexy]
	case 1, 2:
		r.SafeScore = scores[0]
		if len(scores) == 2 {
			r.Unsafe = scores[1]
		} else {
			r.Unsafe = 1 - scores[0]
		}
		r.Category = CategoryUnsafe
		if r.SafeScore > r.Unsafe {
			r.Category = CategorySafe
		}
	default:
		return ClassificationResult{}, false
	}

	r.Confidence = r.Unsafe
	if r.IsSafe() {
		r.Confidence = r.SafeScore
	}
	return r, true
}

// FailSafeResult is substituted when the classifier cannot produce a result:
// 100% neutral with zero confidence.
func FailSafeResult() ClassificationResult {
	scores := make([]float32, NumClasses)
	scores[ClassNeutral] = 1
	return ClassificationResult{
		Scores:    scores,
		Category:  CategoryError,
		SafeScore: 1,
		FailSafe:  true,
	}
}

// FailClosedResult is the substitute in fail-closed mode: certain porn.
func FailClosedResult() ClassificationResult {
	scores := make([]float32, NumClasses)
	scores[ClassPorn] = 1
	return ClassificationResult{
		Scores:     scores,
		Category:   ClassNames[ClassPorn],
		Confidence: 1,
		Unsafe:     1,
		FailSafe:   true,
	}
}

// IsSafe reports whether the safe bucket outweighs the unsafe bucket.
func (r ClassificationResult) IsSafe() bool {
	return r.SafeScore > r.Unsafe
}

// IsAdult reports whether the winning class is porn or hentai.
func (r ClassificationResult) IsAdult() bool {
	return r.Category == ClassNames[ClassPorn] || r.Category == ClassNames[ClassHentai]
}

// IsSuggestive reports whether the winning class is sexy.
func (r ClassificationResult) IsSuggestive() bool {
	return r.Category == ClassNames[ClassSexy]
}

// Action names a redaction kind.
type Action string

const (
	ActionNone     Action = "none"
	ActionBlur     Action = "blur"
	ActionPixelate Action = "pixelate"
)

// FilterDecision is None, Blur{Radius} or Pixelate{BlockSize}.
type FilterDecision struct {
	Action    Action
	Radius    float32
	BlockSize int
}

// NoFilter is the zero decision.
var NoFilter = FilterDecision{Action: ActionNone}

// Blur builds a blur decision.
func Blur(radius float32) FilterDecision {
	return FilterDecision{Action: ActionBlur, Radius: radius}
}

// Pixelate builds a pixelate decision.
func Pixelate(blockSize int) FilterDecision {
	return FilterDecision{Action: ActionPixelate, BlockSize: blockSize}
}

// IsNone reports whether the decision leaves the screen untouched.
func (d FilterDecision) IsNone() bool {
	return d.Action == "" || d.Action == ActionNone
}

// FilterEvent is the history record of one redaction. It carries only derived
// scalars, never pixels.
type FilterEvent struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	Timestamp  time.Time `json:"timestamp"`
	Category   string    `json:"category"`
	Confidence float32   `json:"confidence"`
	Action     Action    `json:"action"`
}
