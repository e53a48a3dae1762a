// Package metrics defines the observer the engine reports counters and timings to.
package metrics

import "time"

// Metric names emitted by the engine.
const (
	CacheHit          = "cache.hit"
	CacheMiss         = "cache.miss"
	CacheDegraded     = "cache.degraded"
	CacheLockTimeout  = "cache.lock_timeout"
	CacheInvalidation = "cache.invalidation"
	StoreLoad         = "store.load"
	MatchLatency      = "match.latency"
	MatchConfidence   = "match.confidence"
	MatchOutcome      = "match.outcome"
	MatchCandidates   = "match.candidates"
	LearnOutcome      = "learn.outcome"
	LearnLatency      = "learn.latency"
	PatternCreated    = "pattern.created"
	PatternMerged     = "pattern.merged"
	PatternDecayed    = "pattern.decayed"
	PatternDisabled   = "pattern.deactivated"
	UsageDropped      = "usage.dropped"
)

// Attr is a metric dimension.
type Attr struct {
	Key   string
	Value string
}

// Label builds an Attr.
func Label(key, value string) Attr {
	return Attr{Key: key, Value: value}
}

// Sink receives engine metrics. Implementations must be safe for concurrent use.
type Sink interface {
	IncCounter(name string, delta int64, attrs ...Attr)
	ObserveDuration(name string, d time.Duration, attrs ...Attr)
	ObserveValue(name string, v float64, attrs ...Attr)
}

// Nop discards everything.
type Nop struct{}

// IncCounter implements Sink.
func (Nop) IncCounter(string, int64, ...Attr) {}

// ObserveDuration implements Sink.
func (Nop) ObserveDuration(string, time.Duration, ...Attr) {}

// ObserveValue implements Sink.
func (Nop) ObserveValue(string, float64, ...Attr) {}

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	return s
}
