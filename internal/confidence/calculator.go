// Package confidence combines match evidence into a bounded confidence value.
//
// Each signal is an independent value in [0,1]. The weighted sum s is mapped through
// a logistic curve rescaled so that f(0) = 0 and f(1) = ceiling:
//
//	f(s) = ceiling * (σ(k(s-m)) - σ(-km)) / (σ(k(1-m)) - σ(-km))
//
// f is strictly increasing, so raising any signal never lowers confidence, and
// the ceiling keeps a single extreme signal from reaching 1.0.
package confidence

import (
	"fmt"
	"math"
	"time"

	"github.com/Veraticus/spice-categorizer/internal/model"
)

// Weights assigns each signal its share of the combined score. They must sum to 1.
type Weights struct {
	TextMatch         float64 `mapstructure:"text_match"`
	HistoricalSuccess float64 `mapstructure:"historical_success"`
	Recency           float64 `mapstructure:"recency"`
	Frequency         float64 `mapstructure:"frequency"`
	UserPreference    float64 `mapstructure:"user_preference"`
}

func (w Weights) sum() float64 {
	return w.TextMatch + w.HistoricalSuccess + w.Recency + w.Frequency + w.UserPreference
}

// Config holds the weights and curve constants.
type Config struct {
	Weights             Weights `mapstructure:"weights"`
	Steepness           float64 `mapstructure:"steepness"`
	Midpoint            float64 `mapstructure:"midpoint"`
	Ceiling             float64 `mapstructure:"ceiling"`
	RecencyHalfLifeDays float64 `mapstructure:"recency_half_life_days"`
	FrequencyScale      float64 `mapstructure:"frequency_scale"`
	MinConfidence       float64 `mapstructure:"min_confidence"`
}

// DefaultConfig returns the standard weights and curve.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			TextMatch:         0.40,
			HistoricalSuccess: 0.25,
			Recency:           0.10,
			Frequency:         0.10,
			UserPreference:    0.15,
		},
		Steepness:           8,
		Midpoint:            0.5,
		Ceiling:             0.99,
		RecencyHalfLifeDays: 30,
		FrequencyScale:      20,
		MinConfidence:       0.3,
	}
}

// Validate checks that weights are non-negative and sum to 1 and the curve is well formed.
func (c Config) Validate() error {
	w := c.Weights
	for name, v := range map[string]float64{
		"text_match":         w.TextMatch,
		"historical_success": w.HistoricalSuccess,
		"recency":            w.Recency,
		"frequency":          w.Frequency,
		"user_preference":    w.UserPreference,
	} {
		if v < 0 {
			return fmt.Errorf("confidence weight %s is negative", name)
		}
	}
	if math.Abs(w.sum()-1) > 1e-6 {
		return fmt.Errorf("confidence weights sum to %.4f, want 1", w.sum())
	}
	if c.Steepness <= 0 {
		return fmt.Errorf("confidence steepness must be positive")
	}
	if c.Midpoint <= 0 || c.Midpoint >= 1 {
		return fmt.Errorf("confidence midpoint %.2f outside (0,1)", c.Midpoint)
	}
	if c.Ceiling <= 0 || c.Ceiling > 1 {
		return fmt.Errorf("confidence ceiling %.2f outside (0,1]", c.Ceiling)
	}
	if c.RecencyHalfLifeDays <= 0 || c.FrequencyScale <= 0 {
		return fmt.Errorf("confidence recency half-life and frequency scale must be positive")
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("confidence floor %.2f outside [0,1]", c.MinConfidence)
	}
	return nil
}

// Signals are the independent inputs to Combine, each in [0,1].
type Signals struct {
	TextMatch         float64
	HistoricalSuccess float64
	Recency           float64
	Frequency         float64
	UserPreference    float64
}

// Calculator is stateless and safe for concurrent use.
type Calculator struct {
	cfg  Config
	low  float64
	span float64
}

// New builds a Calculator from cfg.
func New(cfg Config) (*Calculator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Calculator{cfg: cfg}
	c.low = c.sigmoid(0)
	c.span = c.sigmoid(1) - c.low
	return c, nil
}

// Config returns the calculator configuration.
func (c *Calculator) Config() Config {
	return c.cfg
}

// MinConfidence is the floor below which a candidate is not a match.
func (c *Calculator) MinConfidence() float64 {
	return c.cfg.MinConfidence
}

func (c *Calculator) sigmoid(s float64) float64 {
	return 1 / (1 + math.Exp(-c.cfg.Steepness*(s-c.cfg.Midpoint)))
}

// Squash maps a weighted sum in [0,1] onto [0, ceiling].
func (c *Calculator) Squash(s float64) float64 {
	s = unit(s)
	return unit(c.cfg.Ceiling * (c.sigmoid(s) - c.low) / c.span)
}

// Combine merges the signals into one Confidence with a per-factor breakdown.
func (c *Calculator) Combine(s Signals) model.Confidence {
	w := c.cfg.Weights
	factors := []model.ConfidenceFactor{
		factor(model.SignalTextMatch, s.TextMatch, w.TextMatch),
		factor(model.SignalHistoricalSuccess, s.HistoricalSuccess, w.HistoricalSuccess),
		factor(model.SignalRecency, s.Recency, w.Recency),
		factor(model.SignalFrequency, s.Frequency, w.Frequency),
		factor(model.SignalUserPreference, s.UserPreference, w.UserPreference),
	}

	raw := 0.0
	for _, f := range factors {
		raw += f.Contribution
	}

	return model.Confidence{
		Value:   c.Squash(raw),
		Raw:     unit(raw),
		Factors: factors,
	}
}

func factor(signal string, value, weight float64) model.ConfidenceFactor {
	value = unit(value)
	return model.ConfidenceFactor{
		Signal:       signal,
		Value:        value,
		Weight:       weight,
		Contribution: value * weight,
	}
}

// HistoricalSuccess is the smoothed success rate scaled by the pattern's weight strength.
func HistoricalSuccess(successes, usage int, confidenceWeight float64) float64 {
	if usage < 0 {
		usage = 0
	}
	successes = max(0, min(successes, usage))
	rate := float64(successes+1) / float64(usage+2)
	strength := 1 - math.Exp(-math.Max(confidenceWeight, 0))
	return unit(rate * strength)
}

// Recency halves every half-life of whole days since last use. Future timestamps count as today.
func (c *Calculator) Recency(last, now time.Time) float64 {
	if last.IsZero() {
		return 0
	}
	days := math.Floor(now.Sub(last).Hours() / 24)
	if days < 0 {
		days = 0
	}
	return unit(math.Exp2(-days / c.cfg.RecencyHalfLifeDays))
}

// Frequency saturates toward 1 as usage grows.
func (c *Calculator) Frequency(usage int) float64 {
	if usage <= 0 {
		return 0
	}
	return unit(1 - math.Exp(-float64(usage)/c.cfg.FrequencyScale))
}

// ForPattern derives every signal for a pattern matched with the given text similarity.
func (c *Calculator) ForPattern(p model.Pattern, similarity float64, pref *model.UserPreference, now time.Time) model.Confidence {
	return c.Combine(Signals{
		TextMatch:         similarity,
		HistoricalSuccess: HistoricalSuccess(p.SuccessCount, p.UsageCount, p.ConfidenceWeight),
		Recency:           c.Recency(p.LastActivity(), now),
		Frequency:         c.Frequency(p.UsageCount),
		UserPreference:    pref.Signal(p.CategoryID),
	})
}

// ForComposite scores a satisfied composite whose text members matched with textScore.
// Composites carry no usage history of their own, so history signals come from the members' averages.
func (c *Calculator) ForComposite(comp model.CompositePattern, members []model.Pattern, textScore float64, pref *model.UserPreference, now time.Time) model.Confidence {
	var (
		success, usage int
		latest         time.Time
	)
	for _, m := range members {
		success += m.SuccessCount
		usage += m.UsageCount
		if a := m.LastActivity(); a.After(latest) {
			latest = a
		}
	}
	if latest.IsZero() {
		latest = comp.UpdatedAt
	}
	n := max(len(members), 1)

	return c.Combine(Signals{
		TextMatch:         textScore,
		HistoricalSuccess: HistoricalSuccess(success, usage, comp.ConfidenceWeight),
		Recency:           c.Recency(latest, now),
		Frequency:         c.Frequency(usage / n),
		UserPreference:    pref.Signal(comp.CategoryID),
	})
}

func unit(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
