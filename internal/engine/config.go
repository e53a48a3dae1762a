package engine

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Veraticus/spice-categorizer/internal/model"
)

// Config bounds the work done per categorization.
type Config struct {
	// Categories restricts suggestions to these category ids. Empty allows every category.
	Categories         []string      `mapstructure:"categories"`
	UsageFlush         time.Duration `mapstructure:"usage_flush"`
	PoolTTL            time.Duration `mapstructure:"pool_ttl"`
	AutoApplyThreshold float64       `mapstructure:"auto_apply_threshold"`
	MaxCandidates      int           `mapstructure:"max_candidates"`
	MaxAlternatives    int           `mapstructure:"max_alternatives"`
	Workers            int           `mapstructure:"workers"`
	UsageBuffer        int           `mapstructure:"usage_buffer"`
}

// DefaultConfig returns the standard matching limits.
func DefaultConfig() Config {
	return Config{
		UsageFlush:         5 * time.Second,
		PoolTTL:            30 * time.Second,
		AutoApplyThreshold: 0.9,
		MaxCandidates:      50,
		MaxAlternatives:    3,
		Workers:            4,
		UsageBuffer:        1024,
	}
}

// Validate checks the limits.
func (c Config) Validate() error {
	if c.MaxCandidates < 1 {
		return fmt.Errorf("match max_candidates must be at least 1")
	}
	if c.MaxAlternatives < 0 {
		return fmt.Errorf("match max_alternatives must not be negative")
	}
	if c.AutoApplyThreshold < 0 || c.AutoApplyThreshold > 1 {
		return fmt.Errorf("match auto_apply_threshold %.2f outside [0,1]", c.AutoApplyThreshold)
	}
	if c.Workers < 1 {
		return fmt.Errorf("match workers must be at least 1")
	}
	if c.PoolTTL <= 0 {
		return fmt.Errorf("match pool_ttl must be positive")
	}
	if c.UsageBuffer < 1 || c.UsageFlush <= 0 {
		return fmt.Errorf("match usage_buffer and usage_flush must be positive")
	}
	return nil
}

// ScheduleConfig holds the cron specs of the background maintenance jobs.
// An empty spec disables that job.
type ScheduleConfig struct {
	Criteria    model.WarmCriteria `mapstructure:"criteria"`
	Warm        string             `mapstructure:"warm"`
	Decay       string             `mapstructure:"decay"`
	Merge       string             `mapstructure:"merge"`
	WarmOnStart bool               `mapstructure:"warm_on_start"`
}

// DefaultScheduleConfig warms hourly, decays daily, and merges weekly.
func DefaultScheduleConfig() ScheduleConfig {
	return ScheduleConfig{
		Criteria: model.WarmCriteria{
			ActiveWithin:        7 * 24 * time.Hour,
			MinUsage:            5,
			MinConfidenceWeight: 1.5,
			Limit:               1000,
		},
		Warm:        "@every 1h",
		Decay:       "0 3 * * *",
		Merge:       "0 4 * * 0",
		WarmOnStart: true,
	}
}

// Validate parses every non-empty spec.
func (c ScheduleConfig) Validate() error {
	for name, spec := range map[string]string{"warm": c.Warm, "decay": c.Decay, "merge": c.Merge} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("schedule %s %q: %w", name, spec, err)
		}
	}
	return nil
}
