// Package cache implements the two-tier pattern cache: a bounded in-process LRU in front of an
// optional shared redis tier, both in front of the durable pattern store.
package cache

import (
	"fmt"
	"strings"
	"time"

	"github.com/Veraticus/spice-categorizer/internal/common"
)

// Config controls tier sizes, expirations, and the bounded waits of the shared tier.
type Config struct {
	Namespace    string        `mapstructure:"namespace"`
	RedisURL     string        `mapstructure:"redis_url"`
	LocalSize    int           `mapstructure:"local_size"`
	LocalTTL     time.Duration `mapstructure:"local_ttl"`
	SharedTTL    time.Duration `mapstructure:"shared_ttl"`
	LockTTL      time.Duration `mapstructure:"lock_ttl"`
	LockWait     time.Duration `mapstructure:"lock_wait"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	OpTimeout    time.Duration `mapstructure:"op_timeout"`
	LoadTimeout  time.Duration `mapstructure:"load_timeout"`
}

// DefaultConfig returns the production defaults. RedisURL is empty, so only the local tier is used.
func DefaultConfig() Config {
	return Config{
		Namespace:    "spice:match:",
		LocalSize:    10000,
		LocalTTL:     5 * time.Minute,
		SharedTTL:    time.Hour,
		LockTTL:      10 * time.Second,
		LockWait:     10 * time.Second,
		PollInterval: 25 * time.Millisecond,
		OpTimeout:    250 * time.Millisecond,
		LoadTimeout:  5 * time.Second,
	}
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Namespace) == "" {
		return fmt.Errorf("%w: cache namespace is required", common.ErrInvalidConfig)
	}
	if strings.ContainsAny(c.Namespace, "*?[]") {
		return fmt.Errorf("%w: cache namespace %q contains glob characters", common.ErrInvalidConfig, c.Namespace)
	}
	if c.LocalSize <= 0 {
		return fmt.Errorf("%w: cache local_size must be positive", common.ErrInvalidConfig)
	}
	for name, d := range map[string]time.Duration{
		"local_ttl":     c.LocalTTL,
		"shared_ttl":    c.SharedTTL,
		"lock_ttl":      c.LockTTL,
		"lock_wait":     c.LockWait,
		"poll_interval": c.PollInterval,
		"op_timeout":    c.OpTimeout,
		"load_timeout":  c.LoadTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: cache %s must be positive", common.ErrInvalidConfig, name)
		}
	}
	return nil
}
