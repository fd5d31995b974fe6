// Package policy maps classification scores to a filtering action.
package policy

import (
	"fmt"
	"math"

	"github.com/andresmejia3/veil/internal/types"
)

// Policy is a pure decision function. Implementations hold no mutable state.
type Policy interface {
	Decide(result types.ClassificationResult) types.FilterDecision
}

// Tier maps a confidence strictly above Above to a blur radius.
type Tier struct {
	Above  float32 `yaml:"above"`
	Radius float32 `yaml:"radius"`
}

// Thresholds holds every tunable constant of the decision table. Tiers must be
// ordered from the highest Above to the lowest.
type Thresholds struct {
	Unsafe          float32 `yaml:"unsafe"`
	Suggestive      float32 `yaml:"suggestive"`
	AdultTiers      []Tier  `yaml:"adult_tiers"`
	AdultFloor      float32 `yaml:"adult_floor"`
	SuggestiveTiers []Tier  `yaml:"suggestive_tiers"`
	SuggestiveFloor float32 `yaml:"suggestive_floor"`
	FallbackRadius  float32 `yaml:"fallback_radius"`
}

// DefaultThresholds are the values the filter has always shipped with.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Unsafe:     0.60,
		Suggestive: 0.80,
		AdultTiers: []Tier{
			{Above: 0.95, Radius: 25},
			{Above: 0.85, Radius: 20},
			{Above: 0.75, Radius: 15},
		},
		AdultFloor: 12,
		SuggestiveTiers: []Tier{
			{Above: 0.95, Radius: 15},
			{Above: 0.85, Radius: 10},
		},
		SuggestiveFloor: 8,
		FallbackRadius:  5,
	}
}

// Validate checks ranges and tier ordering.
func (t Thresholds) Validate() error {
	for name, v := range map[string]float32{"unsafe": t.Unsafe, "suggestive": t.Suggestive} {
		if v <= 0 || v > 1 {
			return fmt.Errorf("%s threshold must be between 0.0 and 1.0, got %f", name, v)
		}
	}
	for name, tiers := range map[string][]Tier{"adult": t.AdultTiers, "suggestive": t.SuggestiveTiers} {
		for i := 1; i < len(tiers); i++ {
			if tiers[i].Above >= tiers[i-1].Above {
				return fmt.Errorf("%s tiers must be sorted by descending confidence", name)
			}
			if tiers[i].Radius > tiers[i-1].Radius {
				return fmt.Errorf("%s tier radius must not grow as confidence drops", name)
			}
		}
	}
	return nil
}

func radiusFor(tiers []Tier, floor, confidence float32) float32 {
	for _, tier := range tiers {
		if confidence > tier.Above {
			return tier.Radius
		}
	}
	return floor
}

// Style chooses how a computed strength is rendered.
type Style string

const (
	StyleBlur     Style = "blur"
	StylePixelate Style = "pixelate"
)

func (s Style) render(radius float32) types.FilterDecision {
	if s == StylePixelate {
		block := int(math.Ceil(float64(radius)))
		if block < 1 {
			block = 1
		}
		return types.Pixelate(block)
	}
	return types.Blur(radius)
}

// Canonical is the 5-class decision table.
type Canonical struct {
	Thresholds Thresholds
	Style      Style
}

// Decide applies, in order: adult, suggestive, safe, unsafe fallback.
func (p Canonical) Decide(r types.ClassificationResult) types.FilterDecision {
	th := p.Thresholds
	switch {
	case r.IsAdult() && r.Confidence >= th.Unsafe:
		return p.Style.render(radiusFor(th.AdultTiers, th.AdultFloor, r.Confidence))
	case r.IsSuggestive() && r.Confidence >= th.Suggestive:
		return p.Style.render(radiusFor(th.SuggestiveTiers, th.SuggestiveFloor, r.Confidence))
	case r.IsSafe():
		return types.NoFilter
	case r.Confidence >= th.Unsafe:
		return p.Style.render(th.FallbackRadius)
	default:
		return types.NoFilter
	}
}

// Binary is the two-bucket variant: safe or blur by a single tier table.
type Binary struct {
	Thresholds Thresholds
	Style      Style
}

// Decide blurs anything unsafe above the unsafe threshold.
func (p Binary) Decide(r types.ClassificationResult) types.FilterDecision {
	th := p.Thresholds
	if r.IsSafe() || r.Confidence < th.Unsafe {
		return types.NoFilter
	}
	return p.Style.render(radiusFor(th.AdultTiers, th.AdultFloor, r.Confidence))
}

// Scheme names.
const (
	SchemeNSFW5  = "nsfw5"
	SchemeBinary = "binary"
)

// ForScheme builds the policy for a configured scheme.
func ForScheme(scheme string, th Thresholds, style Style) (Policy, error) {
	if style == "" {
		style = StyleBlur
	}
	if style != StyleBlur && style != StylePixelate {
		return nil, fmt.Errorf("invalid style '%s'. Must be one of: blur, pixelate", style)
	}
	if err := th.Validate(); err != nil {
		return nil, err
	}
	switch scheme {
	case "", SchemeNSFW5:
		return Canonical{Thresholds: th, Style: style}, nil
	case SchemeBinary:
		return Binary{Thresholds: th, Style: style}, nil
	default:
		return nil, fmt.Errorf("invalid scheme '%s'. Must be one of: nsfw5, binary", scheme)
	}
}
