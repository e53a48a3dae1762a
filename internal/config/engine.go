package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/Veraticus/spice-categorizer/internal/cache"
	"github.com/Veraticus/spice-categorizer/internal/common"
	"github.com/Veraticus/spice-categorizer/internal/confidence"
	"github.com/Veraticus/spice-categorizer/internal/engine"
	"github.com/Veraticus/spice-categorizer/internal/learner"
	"github.com/Veraticus/spice-categorizer/internal/normalize"
	"github.com/Veraticus/spice-categorizer/internal/similarity"
)

// DatabaseConfig locates the pattern store.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// EngineConfig is the full categorizer configuration, one section per component.
type EngineConfig struct {
	Database   DatabaseConfig        `mapstructure:"database"`
	Normalizer normalize.Config      `mapstructure:"normalizer"`
	Similarity similarity.Config     `mapstructure:"similarity"`
	Confidence confidence.Config     `mapstructure:"confidence"`
	Cache      cache.Config          `mapstructure:"cache"`
	Learner    learner.Config        `mapstructure:"learner"`
	Match      engine.Config         `mapstructure:"match"`
	Schedule   engine.ScheduleConfig `mapstructure:"schedule"`
}

// DefaultEngineConfig returns every component's defaults and the default database location.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Database:   DatabaseConfig{Path: DefaultDatabasePath()},
		Normalizer: normalize.DefaultConfig(),
		Similarity: similarity.DefaultConfig(),
		Confidence: confidence.DefaultConfig(),
		Cache:      cache.DefaultConfig(),
		Learner:    learner.DefaultConfig(),
		Match:      engine.DefaultConfig(),
		Schedule:   engine.DefaultScheduleConfig(),
	}
}

// envKeys are the settings that can also come from SPICE_* environment variables,
// e.g. SPICE_CACHE_REDIS_URL for cache.redis_url.
var envKeys = []string{
	"database.path",
	"normalizer.enabled",
	"normalizer.locale",
	"cache.namespace",
	"cache.redis_url",
	"cache.local_size",
	"cache.local_ttl",
	"cache.shared_ttl",
	"cache.lock_ttl",
	"cache.lock_wait",
	"cache.op_timeout",
	"cache.load_timeout",
	"similarity.min_score",
	"similarity.phonetic",
	"similarity.max_scan",
	"confidence.min_confidence",
	"learner.min_corrections",
	"learner.workers",
	"match.auto_apply_threshold",
	"match.workers",
	"match.pool_ttl",
	"schedule.warm",
	"schedule.decay",
	"schedule.merge",
}

// BindEnv maps the SPICE_* environment variables onto v.
func BindEnv(v *viper.Viper) error {
	v.SetEnvPrefix("SPICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	return nil
}

// LoadEngineConfig overlays the settings in v onto the defaults and validates every section.
func LoadEngineConfig(v *viper.Viper) (*EngineConfig, error) {
	cfg := DefaultEngineConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrInvalidConfig, err)
	}
	cfg.Database.Path = ExpandPath(cfg.Database.Path)
	cfg.Cache.RedisURL = os.ExpandEnv(cfg.Cache.RedisURL)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrInvalidConfig, err)
	}
	return &cfg, nil
}

// Validate checks every section and reports all failures together.
func (c EngineConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Database.Path) == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	for _, validate := range []func() error{
		c.Normalizer.Validate,
		c.Similarity.Validate,
		c.Confidence.Validate,
		c.Cache.Validate,
		c.Learner.Validate,
		c.Match.Validate,
		c.Schedule.Validate,
	} {
		if err := validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
