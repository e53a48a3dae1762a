// Package learner adapts patterns from categorization feedback. It strengthens, weakens,
// creates, merges, and decays patterns and invalidates exactly the cache keys it touched.
package learner

import (
	"fmt"
	"time"

	"github.com/Veraticus/spice-categorizer/internal/service"
)

// Config holds the learning deltas and maintenance thresholds.
type Config struct {
	Retry                   service.RetryOptions `mapstructure:"-"`
	DecayAfter              time.Duration        `mapstructure:"decay_after"`
	AcceptDelta             float64              `mapstructure:"accept_delta"`
	RejectDelta             float64              `mapstructure:"reject_delta"`
	BoostDelta              float64              `mapstructure:"boost_delta"`
	DecayFactor             float64              `mapstructure:"decay_factor"`
	MinSuccessRate          float64              `mapstructure:"min_success_rate"`
	MergeThreshold          float64              `mapstructure:"merge_threshold"`
	MinCorrections          int                  `mapstructure:"min_corrections"`
	MinUsageForDeactivation int                  `mapstructure:"min_usage_for_deactivation"`
	Workers                 int                  `mapstructure:"workers"`
	LockStripes             int                  `mapstructure:"lock_stripes"`
}

// DefaultConfig returns the standard learning parameters.
func DefaultConfig() Config {
	return Config{
		Retry:                   service.DefaultRetryOptions(),
		DecayAfter:              30 * 24 * time.Hour,
		AcceptDelta:             0.15,
		RejectDelta:             0.25,
		BoostDelta:              0.15,
		DecayFactor:             0.9,
		MinSuccessRate:          0.3,
		MergeThreshold:          0.85,
		MinCorrections:          3,
		MinUsageForDeactivation: 10,
		Workers:                 4,
		LockStripes:             64,
	}
}

// Validate checks the deltas, thresholds, and pool sizes.
func (c Config) Validate() error {
	for name, v := range map[string]float64{
		"accept_delta": c.AcceptDelta,
		"reject_delta": c.RejectDelta,
		"boost_delta":  c.BoostDelta,
	} {
		if v < 0 {
			return fmt.Errorf("learner %s must not be negative", name)
		}
	}
	if c.DecayFactor <= 0 || c.DecayFactor > 1 {
		return fmt.Errorf("learner decay_factor %.2f outside (0,1]", c.DecayFactor)
	}
	if c.DecayAfter <= 0 {
		return fmt.Errorf("learner decay_after must be positive")
	}
	if c.MinSuccessRate < 0 || c.MinSuccessRate > 1 {
		return fmt.Errorf("learner min_success_rate %.2f outside [0,1]", c.MinSuccessRate)
	}
	if c.MergeThreshold <= 0 || c.MergeThreshold > 1 {
		return fmt.Errorf("learner merge_threshold %.2f outside (0,1]", c.MergeThreshold)
	}
	if c.MinCorrections < 1 {
		return fmt.Errorf("learner min_corrections must be at least 1")
	}
	if c.MinUsageForDeactivation < 1 {
		return fmt.Errorf("learner min_usage_for_deactivation must be at least 1")
	}
	if c.Workers < 1 || c.LockStripes < 1 {
		return fmt.Errorf("learner workers and lock_stripes must be positive")
	}
	return nil
}
