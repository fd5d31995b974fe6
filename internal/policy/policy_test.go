package policy

import (
	"testing"

	"github.com/andresmejia3/veil/internal/types"
)

func result(t *testing.T, scores ...float32) types.ClassificationResult {
	t.Helper()
	r, ok := types.NewClassificationResult(scores)
	if !ok {
		t.Fatalf("invalid scores %v", scores)
	}
	return r
}

func canonical() Canonical {
	return Canonical{Thresholds: DefaultThresholds(), Style: StyleBlur}
}

func TestCanonicalDecide(t *testing.T) {
	tests := []struct {
		name   string
		scores []float32
		want   types.FilterDecision
	}{
		{"Porn at 0.85 lands in the 0.75 tier", []float32{0.1, 0.05, 0.05, 0.75, 0.05}, types.Blur(15)},
		{"Safe mix", []float32{0.3, 0.0, 0.6, 0.0, 0.1}, types.NoFilter},
		{"Certain porn", []float32{0, 0, 0, 1, 0}, types.Blur(25)},
		{"Adult above 0.85", []float32{0.1, 0.05, 0.0, 0.8, 0.05}, types.Blur(20)},
		{"Adult at the floor", []float32{0.2, 0.0, 0.15, 0.65, 0.0}, types.Blur(12)},
		{"Hentai counts as adult", []float32{0.0, 0.7, 0.0, 0.0, 0.3}, types.Blur(25)},
		{"Suggestive strong", []float32{0, 0, 0.02, 0, 0.98}, types.Blur(15)},
		{"Suggestive mid", []float32{0, 0, 0.1, 0, 0.9}, types.Blur(10)},
		{"Suggestive floor", []float32{0.1, 0, 0.08, 0, 0.82}, types.Blur(8)},
		{"Suggestive below threshold is unsafe fallback", []float32{0.1, 0.0, 0.25, 0.0, 0.65}, types.Blur(5)},
		{"Neutral wins", []float32{0.0, 0.0, 1.0, 0.0, 0.0}, types.NoFilter},
		// Drawing tops but the unsafe bucket still wins with low confidence.
		{"Weak unsafe majority", []float32{0.45, 0.0, 0.0, 0.3, 0.25}, types.NoFilter},
	}

	p := canonical()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Decide(result(t, tt.scores...))
			if got != tt.want {
				t.Errorf("Decide(%v) = %+v, want %+v", tt.scores, got, tt.want)
			}
		})
	}
}

func TestCanonicalDecide_FailSafeIsNone(t *testing.T) {
	if got := canonical().Decide(types.FailSafeResult()); !got.IsNone() {
		t.Errorf("fail-safe result must not filter, got %+v", got)
	}
}

func TestCanonicalDecide_SafeAlwaysNone(t *testing.T) {
	p := canonical()
	for d := float32(0); d <= 1; d += 0.05 {
		for n := float32(0); d+n <= 1; n += 0.05 {
			rest := (1 - d - n) / 3
			r := result(t, d, rest, n, rest, rest)
			if r.IsSafe() {
				if got := p.Decide(r); !got.IsNone() {
					t.Fatalf("safe result %v decided %+v", r.Scores, got)
				}
			}
		}
	}
}

func TestCanonicalDecide_AdultRadiusMonotonic(t *testing.T) {
	p := canonical()
	var last float32
	for porn := float32(0.60); porn <= 1.0; porn += 0.01 {
		r := result(t, 1-porn, 0, 0, porn, 0)
		if !r.IsAdult() || r.Confidence < 0.60 {
			continue
		}
		got := p.Decide(r)
		if got.Action != types.ActionBlur {
			t.Fatalf("adult confidence %.2f decided %+v", r.Confidence, got)
		}
		if got.Radius < last {
			t.Fatalf("radius dropped from %v to %v at confidence %.2f", last, got.Radius, r.Confidence)
		}
		last = got.Radius
	}
	if last != 25 {
		t.Errorf("top tier radius = %v, want 25", last)
	}
}

func TestCanonicalDecide_PixelateStyle(t *testing.T) {
	p := Canonical{Thresholds: DefaultThresholds(), Style: StylePixelate}
	got := p.Decide(result(t, 0, 0, 0, 1, 0))
	if got != types.Pixelate(25) {
		t.Errorf("got %+v, want Pixelate{25}", got)
	}
}

func TestBinaryDecide(t *testing.T) {
	p := Binary{Thresholds: DefaultThresholds(), Style: StyleBlur}
	tests := []struct {
		scores []float32
		want   types.FilterDecision
	}{
		{[]float32{0.9, 0.1}, types.NoFilter},
		{[]float32{0.45, 0.55}, types.NoFilter},
		{[]float32{0.35, 0.65}, types.Blur(12)},
		{[]float32{0.2, 0.8}, types.Blur(15)},
		{[]float32{0.01}, types.Blur(25)},
	}
	for _, tt := range tests {
		if got := p.Decide(result(t, tt.scores...)); got != tt.want {
			t.Errorf("Decide(%v) = %+v, want %+v", tt.scores, got, tt.want)
		}
	}
}

func TestForScheme(t *testing.T) {
	if p, err := ForScheme("", DefaultThresholds(), ""); err != nil {
		t.Fatal(err)
	} else if _, ok := p.(Canonical); !ok {
		t.Errorf("default scheme should be canonical, got %T", p)
	}
	if p, err := ForScheme(SchemeBinary, DefaultThresholds(), StylePixelate); err != nil {
		t.Fatal(err)
	} else if _, ok := p.(Binary); !ok {
		t.Errorf("expected Binary, got %T", p)
	}
	if _, err := ForScheme("ternary", DefaultThresholds(), StyleBlur); err == nil {
		t.Error("expected unknown scheme error")
	}
	if _, err := ForScheme(SchemeNSFW5, DefaultThresholds(), "smudge"); err == nil {
		t.Error("expected unknown style error")
	}

	bad := DefaultThresholds()
	bad.AdultTiers = []Tier{{Above: 0.75, Radius: 15}, {Above: 0.95, Radius: 25}}
	if _, err := ForScheme(SchemeNSFW5, bad, StyleBlur); err == nil {
		t.Error("expected unsorted tiers to be rejected")
	}
}
