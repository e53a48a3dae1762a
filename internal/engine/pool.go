package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/Veraticus/spice-categorizer/internal/model"
	"github.com/Veraticus/spice-categorizer/internal/similarity"
)

// maxMergeHops bounds how far merged_into links of composite members are followed.
const maxMergeHops = 8

// pool is the pattern set one categorization (or one whole batch) is scored against.
// Snapshots are shared by concurrent requests and only read after they are built.
type pool struct {
	text       map[model.PatternType][]model.Pattern
	targets    map[model.PatternType][]similarity.Target
	index      map[model.PatternType]*similarity.Index
	predicates []model.Pattern
	composites []model.CompositePattern
	members    map[int64]model.Pattern
	builtAt    time.Time
	version    uint64
}

func (p *pool) size() int {
	n := len(p.predicates) + len(p.composites)
	for _, patterns := range p.text {
		n += len(patterns)
	}
	return n
}

// loadPool returns the current pool snapshot. It is rebuilt once the source reports an
// invalidation since the snapshot was taken, or when the snapshot is older than PoolTTL.
func (e *Engine) loadPool(ctx context.Context) (*pool, error) {
	version := e.source.Version()
	if p := e.snapshot.Load(); p != nil && p.version == version && time.Since(p.builtAt) < e.cfg.PoolTTL {
		return p, nil
	}

	v, err, _ := e.rebuild.Do(strconv.FormatUint(version, 10), func() (any, error) {
		p, err := e.buildPool(context.WithoutCancel(ctx), version)
		if err != nil {
			return nil, err
		}
		e.snapshot.Store(p)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*pool), nil
}

// buildPool reads every active pattern type, the active composites, and the composites' members,
// and indexes text pools too large to scan per request.
func (e *Engine) buildPool(ctx context.Context, version uint64) (*pool, error) {
	start := time.Now()
	p := &pool{
		text:    make(map[model.PatternType][]model.Pattern),
		targets: make(map[model.PatternType][]similarity.Target),
		index:   make(map[model.PatternType]*similarity.Index),
		members: make(map[int64]model.Pattern),
		version: version,
	}

	for _, t := range model.AllPatternTypes {
		patterns, err := e.source.GetByType(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("load %s patterns: %w", t, err)
		}
		if !t.IsText() {
			p.predicates = append(p.predicates, patterns...)
			continue
		}
		p.text[t] = patterns
		targets := make([]similarity.Target, len(patterns))
		for i, pat := range patterns {
			targets[i] = similarity.Target{Text: pat.MatchValue(), Keyword: t == model.PatternKeyword}
		}
		p.targets[t] = targets
		if e.similarity.Indexed(len(targets)) {
			p.index[t] = similarity.NewIndex(targets)
		}
	}

	composites, err := e.source.ActiveComposites(ctx)
	if err != nil {
		return nil, fmt.Errorf("load composites: %w", err)
	}
	p.composites = composites
	if err := e.loadMembers(ctx, p); err != nil {
		return nil, err
	}

	p.builtAt = time.Now()
	slog.Debug("Built pattern pool",
		"patterns", p.size(),
		"indexed_types", len(p.index),
		"version", version,
		"duration", time.Since(start))
	return p, nil
}

// loadMembers fetches the composites' member patterns and the survivors of any that were merged away.
func (e *Engine) loadMembers(ctx context.Context, p *pool) error {
	var want []int64
	for _, c := range p.composites {
		want = append(want, c.PatternIDs...)
	}

	for hop := 0; len(want) > 0 && hop < maxMergeHops; hop++ {
		found, err := e.source.GetMany(ctx, want)
		if err != nil {
			return fmt.Errorf("load composite members: %w", err)
		}
		want = want[:0]
		for id, m := range found {
			p.members[id] = m
			if !m.Active && m.MergedInto != nil {
				if _, ok := p.members[*m.MergedInto]; !ok {
					want = append(want, *m.MergedInto)
				}
			}
		}
	}
	return nil
}

// evaluation scores one subject against the pool.
type evaluation struct {
	engine  *Engine
	pool    *pool
	subject model.MatchSubject
	text    map[int64]float64
}

// candidates returns every text, predicate, and composite candidate for the subject,
// strongest similarity first and bounded by MaxCandidates. Confidence is not yet set.
func (ev *evaluation) candidates() []model.MatchCandidate {
	e := ev.engine
	limit := e.cfg.MaxAlternatives + 1
	var out []model.MatchCandidate

	for _, t := range model.AllPatternTypes {
		if !t.IsText() {
			continue
		}
		patterns := ev.pool.text[t]
		text := ev.subject.TextFor(t)
		var hits []similarity.Hit
		if ix := ev.pool.index[t]; ix != nil {
			hits = e.similarity.RankIndexed(text, ev.subject.Tokens, ev.pool.targets[t], ix, limit)
		} else {
			hits = e.similarity.Rank(text, ev.subject.Tokens, ev.pool.targets[t], limit)
		}
		for _, hit := range hits {
			pat := patterns[hit.Index]
			out = append(out, model.MatchCandidate{
				Pattern:    &pat,
				CategoryID: pat.CategoryID,
				Similarity: hit.Score,
				Scores:     scoreMap(hit.Scores),
			})
		}
	}

	for _, pat := range e.matcher.Match(ev.subject, ev.pool.predicates) {
		out = append(out, model.MatchCandidate{Pattern: &pat, CategoryID: pat.CategoryID, Similarity: 1})
	}

	for _, comp := range ev.pool.composites {
		match, ok := e.matcher.MatchComposite(ev.subject, comp, ev.pool.members, ev.scoreText)
		if !ok {
			continue
		}
		out = append(out, model.MatchCandidate{
			Composite:  &comp,
			CategoryID: comp.CategoryID,
			Similarity: match.Score,
			Members:    match.Members,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Ref() < out[j].Ref()
	})
	if len(out) > e.cfg.MaxCandidates {
		out = out[:e.cfg.MaxCandidates]
	}
	return out
}

// scoreText scores a composite's text member against the subject, memoized per evaluation.
func (ev *evaluation) scoreText(p model.Pattern) float64 {
	if s, ok := ev.text[p.ID]; ok {
		return s
	}
	var score float64
	if p.Type == model.PatternKeyword {
		score, _ = ev.engine.similarity.Keyword(ev.subject.Tokens, p.MatchValue())
	} else {
		text := ev.subject.TextFor(p.Type)
		if ev.engine.similarity.Admit(text, p.MatchValue()) {
			score, _ = ev.engine.similarity.Combined(text, p.MatchValue())
		}
	}
	ev.text[p.ID] = score
	return score
}

func scoreMap(scores similarity.Scores) map[string]float64 {
	if len(scores) == 0 {
		return nil
	}
	out := make(map[string]float64, len(scores))
	for alg, s := range scores {
		out[string(alg)] = s
	}
	return out
}
