package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/Veraticus/spice-categorizer"

// OTelSink forwards metrics to an OpenTelemetry meter. Instruments are created on first use.
type OTelSink struct {
	meter      metric.Meter
	counters   sync.Map // name -> metric.Int64Counter
	histograms sync.Map // name -> metric.Float64Histogram
}

// NewOTelSink creates a sink backed by provider.
func NewOTelSink(provider metric.MeterProvider) *OTelSink {
	return &OTelSink{meter: provider.Meter(meterName)}
}

// IncCounter implements Sink.
func (s *OTelSink) IncCounter(name string, delta int64, attrs ...Attr) {
	c, err := s.counter(name)
	if err != nil {
		slog.Debug("metric instrument unavailable", "name", name, "error", err)
		return
	}
	c.Add(context.Background(), delta, metric.WithAttributes(toAttributes(attrs)...))
}

// ObserveDuration implements Sink. Durations are recorded in milliseconds.
func (s *OTelSink) ObserveDuration(name string, d time.Duration, attrs ...Attr) {
	s.record(name, "ms", float64(d)/float64(time.Millisecond), attrs)
}

// ObserveValue implements Sink.
func (s *OTelSink) ObserveValue(name string, v float64, attrs ...Attr) {
	s.record(name, "1", v, attrs)
}

func (s *OTelSink) record(name, unit string, v float64, attrs []Attr) {
	h, err := s.histogram(name, unit)
	if err != nil {
		slog.Debug("metric instrument unavailable", "name", name, "error", err)
		return
	}
	h.Record(context.Background(), v, metric.WithAttributes(toAttributes(attrs)...))
}

func (s *OTelSink) counter(name string) (metric.Int64Counter, error) {
	if c, ok := s.counters.Load(name); ok {
		return c.(metric.Int64Counter), nil
	}
	c, err := s.meter.Int64Counter(name)
	if err != nil {
		return nil, err
	}
	actual, _ := s.counters.LoadOrStore(name, c)
	return actual.(metric.Int64Counter), nil
}

func (s *OTelSink) histogram(name, unit string) (metric.Float64Histogram, error) {
	if h, ok := s.histograms.Load(name); ok {
		return h.(metric.Float64Histogram), nil
	}
	h, err := s.meter.Float64Histogram(name, metric.WithUnit(unit))
	if err != nil {
		return nil, err
	}
	actual, _ := s.histograms.LoadOrStore(name, h)
	return actual.(metric.Float64Histogram), nil
}

func toAttributes(attrs []Attr) []attribute.KeyValue {
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for _, a := range attrs {
		kvs = append(kvs, attribute.String(a.Key, a.Value))
	}
	return kvs
}
