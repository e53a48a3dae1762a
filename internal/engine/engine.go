// Package engine implements the categorization engine: it normalizes a transaction, scores it
// against cached patterns, ranks categories by confidence, and routes feedback to the learner.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/Veraticus/spice-categorizer/internal/common"
	"github.com/Veraticus/spice-categorizer/internal/confidence"
	"github.com/Veraticus/spice-categorizer/internal/learner"
	"github.com/Veraticus/spice-categorizer/internal/metrics"
	"github.com/Veraticus/spice-categorizer/internal/model"
	"github.com/Veraticus/spice-categorizer/internal/pattern"
	"github.com/Veraticus/spice-categorizer/internal/service"
	"github.com/Veraticus/spice-categorizer/internal/similarity"
)

var tracer = otel.Tracer("github.com/Veraticus/spice-categorizer/internal/engine")

// Deps are the collaborators an Engine is composed from.
// Feedback, Usage and Applier are optional.
type Deps struct {
	Source     PatternSource
	Feedback   Feedback
	Normalizer Normalizer
	Similarity *similarity.Engine
	Confidence *confidence.Calculator
	Usage      UsageStore
	Applier    service.TransactionApplier
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics reports match metrics to sink.
func WithMetrics(sink metrics.Sink) Option {
	return func(e *Engine) { e.sink = metrics.OrNop(sink) }
}

// WithClock overrides the time source used for recency scoring and usage stamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Options tune a single Categorize or CategorizeBatch call.
type Options struct {
	// Progress is called after each batch item with the number done so far. It may be called concurrently.
	Progress func(done, total int)
	// Alternatives overrides Config.MaxAlternatives when positive.
	Alternatives int
	// AutoApply sends confident matches to the transaction applier.
	AutoApply bool
}

// Engine categorizes transactions. It holds no per-request state and is safe for concurrent use.
type Engine struct {
	source     PatternSource
	feedback   Feedback
	normalizer Normalizer
	similarity *similarity.Engine
	confidence *confidence.Calculator
	applier    service.TransactionApplier
	matcher    *pattern.MatcherImpl
	filter     *pattern.CategoryFilter
	usage      *usageRecorder
	sink       metrics.Sink
	now        func() time.Time
	snapshot   atomic.Pointer[pool]
	rebuild    singleflight.Group
	cfg        Config
}

// New creates an Engine from deps.
func New(deps Deps, cfg Config, opts ...Option) (*Engine, error) {
	if deps.Source == nil || deps.Normalizer == nil || deps.Similarity == nil || deps.Confidence == nil {
		return nil, fmt.Errorf("%w: engine needs a pattern source, normalizer, similarity engine and confidence calculator",
			common.ErrMissingConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrInvalidConfig, err)
	}

	e := &Engine{
		source:     deps.Source,
		feedback:   deps.Feedback,
		normalizer: deps.Normalizer,
		similarity: deps.Similarity,
		confidence: deps.Confidence,
		applier:    deps.Applier,
		matcher:    pattern.NewMatcher(deps.Similarity.Config().MinScore),
		filter:     pattern.NewCategoryFilter(cfg.Categories),
		sink:       metrics.Nop{},
		now:        time.Now,
		cfg:        cfg,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.usage = newUsageRecorder(deps.Usage, cfg.UsageBuffer, cfg.UsageFlush, e.sink, e.now)
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Start begins flushing recorded pattern usage in the background until Close.
func (e *Engine) Start(ctx context.Context) {
	e.usage.Start(ctx)
}

// Close stops the usage recorder after writing what it still holds.
func (e *Engine) Close() error {
	return e.usage.Stop()
}

// FlushUsage writes pending usage stamps now.
func (e *Engine) FlushUsage(ctx context.Context) error {
	return e.usage.Flush(ctx)
}

// Categorize ranks categories for one transaction. Empty text and no match are reported
// through the result's Status; an error means the pattern store could not be read.
func (e *Engine) Categorize(ctx context.Context, rec model.TransactionRecord, opts Options) (*model.RankedResult, error) {
	ctx, span := tracer.Start(ctx, "engine.Categorize")
	defer span.End()
	start := time.Now()

	subject := e.subject(rec)
	if subject.Empty() {
		result := &model.RankedResult{Subject: subject, Status: model.StatusInvalidInput}
		e.finish(ctx, span, result, opts, start)
		return result, nil
	}

	p, err := e.loadPool(ctx)
	if err != nil {
		return nil, e.fail(span, err)
	}
	pref, err := e.source.GetUserPreference(ctx, subject.MerchantKey())
	if err != nil {
		return nil, e.fail(span, fmt.Errorf("load preference: %w", err))
	}

	result := e.rank(p, subject, pref, opts)
	e.finish(ctx, span, result, opts, start)
	return result, nil
}

// subject builds the matching input for rec.
func (e *Engine) subject(rec model.TransactionRecord) model.MatchSubject {
	return model.NewMatchSubject(rec.EnsureRef(), e.normalizer.Normalize)
}

// rank scores subject against p and splits the ranked categories into best and alternatives.
func (e *Engine) rank(p *pool, subject model.MatchSubject, pref *model.UserPreference, opts Options) *model.RankedResult {
	ev := &evaluation{engine: e, pool: p, subject: subject, text: make(map[int64]float64)}
	candidates := ev.candidates()

	now := e.now()
	for i := range candidates {
		c := &candidates[i]
		if c.Pattern != nil {
			c.Confidence = e.confidence.ForPattern(*c.Pattern, c.Similarity, pref, now)
		} else {
			c.Confidence = e.confidence.ForComposite(*c.Composite, c.Members, c.Similarity, pref, now)
		}
	}

	suggestions := e.filter.Apply(pattern.Suggest(subject, candidates))
	result := &model.RankedResult{
		Subject:    subject,
		Status:     model.StatusNoMatch,
		Considered: len(candidates),
	}
	if len(suggestions) > 0 && suggestions[0].Confidence.Value >= e.confidence.MinConfidence() {
		best := suggestions[0]
		result.Best = &best
		result.Status = model.StatusMatched
		suggestions = suggestions[1:]
	}

	alternatives := e.cfg.MaxAlternatives
	if opts.Alternatives > 0 {
		alternatives = opts.Alternatives
	}
	result.Alternatives = suggestions.TopN(alternatives)
	return result
}

// finish auto-applies, records usage and metrics, and annotates the span.
func (e *Engine) finish(ctx context.Context, span trace.Span, r *model.RankedResult, opts Options, start time.Time) {
	if r.Matched() {
		if opts.AutoApply && r.Best.Confidence.Value >= e.cfg.AutoApplyThreshold {
			e.apply(ctx, r)
		}
		if r.Best.PatternID > 0 {
			e.usage.Record(r.Best.PatternID)
		}
		e.sink.ObserveValue(metrics.MatchConfidence, r.Best.Confidence.Value)
		span.SetAttributes(
			attribute.String("match.category", r.Best.CategoryID),
			attribute.Float64("match.confidence", r.Best.Confidence.Value))
	}

	r.Duration = time.Since(start)
	status := metrics.Label("status", string(r.Status))
	e.sink.IncCounter(metrics.MatchOutcome, 1, status)
	e.sink.ObserveDuration(metrics.MatchLatency, r.Duration, status)
	e.sink.ObserveValue(metrics.MatchCandidates, float64(r.Considered))
	span.SetAttributes(
		attribute.String("match.status", string(r.Status)),
		attribute.Int("match.considered", r.Considered))

	slog.Debug("categorized transaction",
		"ref", r.Subject.Ref,
		"merchant", r.Subject.Merchant,
		"status", r.Status,
		"category", r.Category(),
		"considered", r.Considered,
		"duration", r.Duration)
}

// apply hands a confident match to the transaction applier. Failures are reported on the result.
func (e *Engine) apply(ctx context.Context, r *model.RankedResult) {
	if e.applier == nil {
		r.ApplyError = "no transaction applier configured"
		return
	}
	if err := e.applier.ApplyCategory(ctx, r.Subject.Ref, r.Best.CategoryID, r.Best.Confidence.Value); err != nil {
		r.ApplyError = err.Error()
		common.LogWarn(err, "auto-apply failed", common.Fields{
			"ref":      r.Subject.Ref,
			"category": r.Best.CategoryID,
		})
		return
	}
	r.Applied = true
}

func (e *Engine) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	e.sink.IncCounter(metrics.MatchOutcome, 1, metrics.Label("status", "error"))
	return fmt.Errorf("categorize: %w", err)
}

// Learn records that text belongs to correct. When predicted is set it is the category the
// engine suggested; a matching prediction counts as an accept, a different one as a correction.
func (e *Engine) Learn(ctx context.Context, text, correct, predicted string) (*learner.Result, error) {
	return e.Feedback(ctx, model.LearningEvent{
		MerchantText:      text,
		CorrectCategory:   correct,
		PredictedCategory: predicted,
		Action:            model.ActionCorrect,
	})
}

// Feedback passes event to the learner and returns its result unmodified.
func (e *Engine) Feedback(ctx context.Context, event model.LearningEvent) (*learner.Result, error) {
	if e.feedback == nil {
		return nil, errNoFeedback
	}
	return e.feedback.Learn(ctx, event)
}

// FeedbackBatch passes events to the learner as one batch.
func (e *Engine) FeedbackBatch(ctx context.Context, events []model.LearningEvent, atomic bool) (*learner.BatchResult, error) {
	if e.feedback == nil {
		return nil, errNoFeedback
	}
	return e.feedback.LearnBatch(ctx, events, atomic)
}

var errNoFeedback = fmt.Errorf("%w: engine has no learner configured", common.ErrMissingConfig)
