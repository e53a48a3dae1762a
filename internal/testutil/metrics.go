package testutil

import (
	"sync"
	"time"

	"github.com/Veraticus/spice-categorizer/internal/metrics"
)

// RecordingSink is a metrics.Sink that remembers everything it receives.
type RecordingSink struct {
	counters  map[string]int64
	values    map[string][]float64
	durations map[string][]time.Duration
	mu        sync.Mutex
}

// NewRecordingSink creates an empty sink.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{
		counters:  make(map[string]int64),
		values:    make(map[string][]float64),
		durations: make(map[string][]time.Duration),
	}
}

func seriesKey(name string, attrs []metrics.Attr) string {
	key := name
	for _, a := range attrs {
		key += "|" + a.Key + "=" + a.Value
	}
	return key
}

// IncCounter implements metrics.Sink.
func (s *RecordingSink) IncCounter(name string, delta int64, attrs ...metrics.Attr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name] += delta
	if len(attrs) > 0 {
		s.counters[seriesKey(name, attrs)] += delta
	}
}

// ObserveDuration implements metrics.Sink.
func (s *RecordingSink) ObserveDuration(name string, d time.Duration, _ ...metrics.Attr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.durations[name] = append(s.durations[name], d)
}

// ObserveValue implements metrics.Sink.
func (s *RecordingSink) ObserveValue(name string, v float64, _ ...metrics.Attr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = append(s.values[name], v)
}

// Counter returns the total for name across all attributes.
func (s *RecordingSink) Counter(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[name]
}

// CounterWith returns the total for name with exactly attrs, in order.
func (s *RecordingSink) CounterWith(name string, attrs ...metrics.Attr) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[seriesKey(name, attrs)]
}

// Values returns the recorded observations for name.
func (s *RecordingSink) Values(name string) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.values[name]...)
}

// Durations returns the recorded durations for name.
func (s *RecordingSink) Durations(name string) []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.durations[name]...)
}
