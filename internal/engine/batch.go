package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/Veraticus/spice-categorizer/internal/model"
)

// CategorizeBatch categorizes records with the pattern pool and user preferences loaded once
// for the whole batch. Results are returned in input order. Cancellation stops items that have
// not started; the error is then ctx.Err() and unfinished items are nil.
func (e *Engine) CategorizeBatch(ctx context.Context, records []model.TransactionRecord, opts Options) ([]*model.RankedResult, error) {
	ctx, span := tracer.Start(ctx, "engine.CategorizeBatch",
		trace.WithAttributes(attribute.Int("batch.size", len(records))))
	defer span.End()

	results := make([]*model.RankedResult, len(records))
	if len(records) == 0 {
		return results, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	subjects := make([]model.MatchSubject, len(records))
	for i, rec := range records {
		subjects[i] = e.subject(rec)
	}

	p, err := e.loadPool(ctx)
	if err != nil {
		return nil, e.fail(span, err)
	}
	prefs, err := e.preferences(ctx, subjects)
	if err != nil {
		return nil, e.fail(span, err)
	}

	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)

	for i := range subjects {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			start := time.Now()
			subject := subjects[i]

			var r *model.RankedResult
			if subject.Empty() {
				r = &model.RankedResult{Subject: subject, Status: model.StatusInvalidInput}
			} else {
				r = e.rank(p, subject, prefs[subject.MerchantKey()], opts)
			}
			e.finish(gctx, span, r, opts, start)
			results[i] = r

			if opts.Progress != nil {
				opts.Progress(int(done.Add(1)), len(subjects))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// preferences loads the user preference of every distinct merchant in the batch.
func (e *Engine) preferences(ctx context.Context, subjects []model.MatchSubject) (map[string]*model.UserPreference, error) {
	prefs := make(map[string]*model.UserPreference)
	for _, s := range subjects {
		key := s.MerchantKey()
		if key == "" {
			continue
		}
		if _, ok := prefs[key]; ok {
			continue
		}
		pref, err := e.source.GetUserPreference(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load preference for %q: %w", key, err)
		}
		prefs[key] = pref
	}
	return prefs, nil
}

// BatchSummary aggregates the results of a batch.
type BatchSummary struct {
	ByCategory map[string]int
	Total      int
	Matched    int
	NoMatch    int
	Invalid    int
	Applied    int
	Failed     int
}

// Summarize counts results by status and best category. Nil results count as failed.
func Summarize(results []*model.RankedResult) BatchSummary {
	s := BatchSummary{ByCategory: make(map[string]int), Total: len(results)}
	for _, r := range results {
		switch {
		case r == nil:
			s.Failed++
		case r.Matched():
			s.Matched++
			s.ByCategory[r.Best.CategoryID]++
		case r.Status == model.StatusInvalidInput:
			s.Invalid++
		default:
			s.NoMatch++
		}
		if r != nil && r.Applied {
			s.Applied++
		}
	}
	return s
}

// Categories returns the matched categories, most frequent first.
func (s BatchSummary) Categories() []string {
	names := make([]string, 0, len(s.ByCategory))
	for name := range s.ByCategory {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if s.ByCategory[names[i]] != s.ByCategory[names[j]] {
			return s.ByCategory[names[i]] > s.ByCategory[names[j]]
		}
		return names[i] < names[j]
	})
	return names
}

// GetDisplay returns the summary as JSON for scripting.
func (s BatchSummary) GetDisplay() string {
	if s.Total == 0 {
		return `{"message":"No transactions to categorize"}`
	}

	type summaryJSON struct {
		ByCategory     map[string]int `json:"by_category"`
		Total          int            `json:"total"`
		Matched        int            `json:"matched"`
		MatchedPercent float64        `json:"matched_percent"`
		NoMatch        int            `json:"no_match"`
		Invalid        int            `json:"invalid"`
		Applied        int            `json:"applied"`
		Failed         int            `json:"failed"`
	}

	data := summaryJSON{
		ByCategory:     s.ByCategory,
		Total:          s.Total,
		Matched:        s.Matched,
		MatchedPercent: float64(s.Matched) / float64(s.Total) * 100,
		NoMatch:        s.NoMatch,
		Invalid:        s.Invalid,
		Applied:        s.Applied,
		Failed:         s.Failed,
	}

	bytes, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprintf(`{"error":"Failed to marshal summary: %v"}`, err)
	}
	return string(bytes)
}
