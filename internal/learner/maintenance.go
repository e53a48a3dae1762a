package learner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/Veraticus/spice-categorizer/internal/common"
	"github.com/Veraticus/spice-categorizer/internal/metrics"
	"github.com/Veraticus/spice-categorizer/internal/model"
	"github.com/Veraticus/spice-categorizer/internal/service"
	"github.com/Veraticus/spice-categorizer/internal/similarity"
)

// DecayReport summarizes one decay sweep.
type DecayReport struct {
	Scanned     int
	Decayed     int
	Deactivated int
}

// Decay multiplies the weight of every pattern unused for DecayAfter by DecayFactor, at most
// once per window, and deactivates patterns whose success rate fell under the floor after
// enough usage. Cancellation stops the sweep between patterns, never inside one.
// progress may be nil.
func (l *Learner) Decay(ctx context.Context, progress func(done, total int)) (*DecayReport, error) {
	now := l.now()
	cutoff := now.Add(-l.cfg.DecayAfter)

	stale, err := l.store.LoadStalePatterns(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("load stale patterns: %w", err)
	}
	active, err := l.store.ListPatterns(ctx, service.PatternFilter{})
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}

	isStale := make(map[int64]bool, len(stale))
	for _, p := range stale {
		isStale[p.ID] = true
	}

	var work []model.Pattern
	for _, p := range active {
		if isStale[p.ID] || l.belowFloor(p) {
			work = append(work, p)
		}
	}
	sort.Slice(work, func(i, j int) bool { return work[i].ID < work[j].ID })

	report := &DecayReport{Scanned: len(active)}
	for i, p := range work {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		decayed, deactivated, err := l.sweepOne(context.WithoutCancel(ctx), p, isStale[p.ID])
		if err != nil {
			return report, fmt.Errorf("decay pattern %d: %w", p.ID, err)
		}
		if decayed {
			report.Decayed++
		}
		if deactivated {
			report.Deactivated++
		}
		if progress != nil {
			progress(i+1, len(work))
		}
	}

	l.sink.IncCounter(metrics.PatternDecayed, int64(report.Decayed))
	l.sink.IncCounter(metrics.PatternDisabled, int64(report.Deactivated), metrics.Label("reason", "sweep"))
	slog.Info("decay sweep finished",
		"scanned", report.Scanned,
		"decayed", report.Decayed,
		"deactivated", report.Deactivated)
	return report, nil
}

func (l *Learner) sweepOne(ctx context.Context, p model.Pattern, stale bool) (bool, bool, error) {
	unlock := l.locks.Lock(p.MatchValue())
	defer unlock()

	now := l.now()
	var decayed, deactivated bool
	err := common.WithRetry(ctx, func() error {
		decayed, deactivated = false, false
		_, err := l.runTx(ctx, func(tx service.PatternTx, keys *keySet) error {
			if stale {
				if err := tx.ScaleConfidence(ctx, p.ID, l.cfg.DecayFactor, now); err != nil {
					return err
				}
				decayed = true
			}
			var err error
			deactivated, err = l.enforceFloor(ctx, tx, p.ID, now)
			if err != nil {
				return err
			}
			if decayed || deactivated {
				keys.addPattern(p)
			}
			return nil
		})
		return err
	}, l.cfg.Retry)
	return decayed, deactivated, err
}

// MergePair records one merge performed by MergeSimilar.
type MergePair struct {
	SourceID   int64
	TargetID   int64
	Similarity float64
}

// MergeReport summarizes one merge pass.
type MergeReport struct {
	Merged  []MergePair
	Scanned int
}

// MergeSimilar folds text patterns of the same type and category whose normalized values are
// at least MergeThreshold similar into the most-used one. Running it again finds nothing new.
func (l *Learner) MergeSimilar(ctx context.Context) (*MergeReport, error) {
	report := &MergeReport{}

	for _, t := range model.AllPatternTypes {
		if !t.IsText() {
			continue
		}
		patterns, err := l.store.LoadPatternsByType(ctx, t)
		if err != nil {
			return report, fmt.Errorf("load %s patterns: %w", t, err)
		}
		report.Scanned += len(patterns)

		for _, group := range byCategory(patterns) {
			if err := l.mergeGroup(ctx, group, report); err != nil {
				return report, err
			}
		}
	}

	slog.Info("merge pass finished", "scanned", report.Scanned, "merged", len(report.Merged))
	return report, nil
}

func (l *Learner) mergeGroup(ctx context.Context, group []model.Pattern, report *MergeReport) error {
	// Most-used first, so history always flows into the stronger pattern.
	sort.Slice(group, func(i, j int) bool {
		a, b := group[i], group[j]
		if a.UsageCount != b.UsageCount {
			return a.UsageCount > b.UsageCount
		}
		if a.ConfidenceWeight != b.ConfidenceWeight {
			return a.ConfidenceWeight > b.ConfidenceWeight
		}
		return a.ID < b.ID
	})

	merged := make(map[int64]bool)
	for i, target := range group {
		if merged[target.ID] {
			continue
		}
		for _, source := range group[i+1:] {
			if merged[source.ID] {
				continue
			}
			sim := similarity.Levenshtein(target.MatchValue(), source.MatchValue())
			if sim < l.cfg.MergeThreshold {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			ok, err := l.Merge(ctx, source.ID, target.ID)
			if err != nil {
				return err
			}
			merged[source.ID] = true
			if ok {
				report.Merged = append(report.Merged, MergePair{SourceID: source.ID, TargetID: target.ID, Similarity: sim})
			}
		}
	}
	return nil
}

func byCategory(patterns []model.Pattern) [][]model.Pattern {
	groups := make(map[string][]model.Pattern)
	for _, p := range patterns {
		groups[p.CategoryID] = append(groups[p.CategoryID], p)
	}
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([][]model.Pattern, 0, len(names))
	for _, name := range names {
		out = append(out, groups[name])
	}
	return out
}

// Merge folds source into target, moving its usage and success counts and deactivating it.
// It reports false when source was already merged, so repeating a merge changes nothing.
func (l *Learner) Merge(ctx context.Context, sourceID, targetID int64) (bool, error) {
	source, err := l.store.LoadPattern(ctx, sourceID)
	if err != nil {
		return false, fmt.Errorf("load merge source %d: %w", sourceID, err)
	}
	target, err := l.store.LoadPattern(ctx, targetID)
	if err != nil {
		return false, fmt.Errorf("load merge target %d: %w", targetID, err)
	}

	unlock := l.locks.LockAll([]string{source.MatchValue(), target.MatchValue()})
	defer unlock()

	var merged bool
	err = common.WithRetry(ctx, func() error {
		_, err := l.runTx(ctx, func(tx service.PatternTx, keys *keySet) error {
			var err error
			merged, err = tx.MergePatterns(ctx, sourceID, targetID, l.now())
			if err != nil {
				return err
			}
			if merged {
				keys.addPattern(*source)
				keys.addPattern(*target)
			}
			return nil
		})
		return err
	}, l.cfg.Retry)
	if err != nil {
		return false, fmt.Errorf("merge pattern %d into %d: %w", sourceID, targetID, err)
	}

	if merged {
		l.sink.IncCounter(metrics.PatternMerged, 1)
		slog.Info("merged patterns",
			"source_id", sourceID, "source", source.Value,
			"target_id", targetID, "target", target.Value)
	}
	return merged, nil
}
