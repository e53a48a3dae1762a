// Package similarity scores normalized text against pattern values.
// Every algorithm runs in-process with no I/O.
package similarity

import (
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Algorithm names a pluggable similarity algorithm.
type Algorithm string

// Supported algorithms.
const (
	AlgLevenshtein Algorithm = "levenshtein"
	AlgJaroWinkler Algorithm = "jaro_winkler"
	AlgTrigram     Algorithm = "trigram"
)

// AllAlgorithms lists every scoring algorithm.
var AllAlgorithms = []Algorithm{AlgLevenshtein, AlgJaroWinkler, AlgTrigram}

// Scores maps each algorithm run to its score in [0,1].
type Scores map[Algorithm]float64

// Config tunes scoring and pool scanning.
type Config struct {
	Weights          map[Algorithm]float64 `mapstructure:"weights"`
	MinLengthRatio   float64               `mapstructure:"min_length_ratio"`
	MinScore         float64               `mapstructure:"min_score"`
	EarlyExitScore   float64               `mapstructure:"early_exit_score"`
	ShingleCacheSize int                   `mapstructure:"shingle_cache_size"`
	MaxScan          int                   `mapstructure:"max_scan"`
	Phonetic         bool                  `mapstructure:"phonetic"`
}

// DefaultConfig returns the standard algorithm blend.
func DefaultConfig() Config {
	return Config{
		Weights: map[Algorithm]float64{
			AlgLevenshtein: 0.4,
			AlgJaroWinkler: 0.3,
			AlgTrigram:     0.3,
		},
		MinLengthRatio:   0.3,
		MinScore:         0.5,
		EarlyExitScore:   0.95,
		ShingleCacheSize: 4096,
		MaxScan:          500,
	}
}

// Validate checks weights and thresholds.
func (c Config) Validate() error {
	total := 0.0
	for alg, w := range c.Weights {
		if !knownAlgorithm(alg) {
			return fmt.Errorf("unknown similarity algorithm %q", alg)
		}
		if w < 0 {
			return fmt.Errorf("similarity weight for %s is negative", alg)
		}
		total += w
	}
	if total <= 0 {
		return fmt.Errorf("similarity weights must have a positive sum")
	}
	if c.MaxScan < 0 {
		return fmt.Errorf("similarity max_scan must not be negative")
	}
	for name, v := range map[string]float64{
		"min_length_ratio": c.MinLengthRatio,
		"min_score":        c.MinScore,
		"early_exit_score": c.EarlyExitScore,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("similarity %s %.2f outside [0,1]", name, v)
		}
	}
	return nil
}

func knownAlgorithm(alg Algorithm) bool {
	for _, known := range AllAlgorithms {
		if alg == known {
			return true
		}
	}
	return false
}

// Engine scores text pairs and scans candidate pools. It is safe for concurrent use.
type Engine struct {
	shingles *lru.Cache[string, map[string]struct{}]
	weights  map[Algorithm]float64
	cfg      Config
	total    float64
}

// New builds an Engine from cfg.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	size := cfg.ShingleCacheSize
	if size <= 0 {
		size = DefaultConfig().ShingleCacheSize
	}
	cache, err := lru.New[string, map[string]struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("shingle cache: %w", err)
	}

	e := &Engine{
		shingles: cache,
		weights:  make(map[Algorithm]float64, len(cfg.Weights)),
		cfg:      cfg,
	}
	for _, alg := range AllAlgorithms {
		if w, ok := cfg.Weights[alg]; ok {
			e.weights[alg] = w
			e.total += w
		}
	}
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Score runs the requested algorithms, or every weighted algorithm when none are named.
func (e *Engine) Score(a, b string, algorithms ...Algorithm) Scores {
	if len(algorithms) == 0 {
		algorithms = AllAlgorithms
	}
	scores := make(Scores, len(algorithms))
	for _, alg := range algorithms {
		switch alg {
		case AlgLevenshtein:
			scores[alg] = Levenshtein(a, b)
		case AlgJaroWinkler:
			scores[alg] = JaroWinkler(a, b)
		case AlgTrigram:
			scores[alg] = e.trigram(a, b)
		}
	}
	return scores
}

// Combined returns the weighted blend of all algorithms. Equal strings score exactly 1.
func (e *Engine) Combined(a, b string) (float64, Scores) {
	if a == b {
		scores := make(Scores, len(e.weights))
		for alg := range e.weights {
			scores[alg] = 1
		}
		return 1, scores
	}

	// A fixed order keeps the float sum bit-identical across calls.
	algs := e.algorithms()
	scores := e.Score(a, b, algs...)
	sum := 0.0
	for _, alg := range algs {
		sum += e.weights[alg] * scores[alg]
	}
	return clamp(sum / e.total), scores
}

func (e *Engine) algorithms() []Algorithm {
	algs := make([]Algorithm, 0, len(e.weights))
	for _, alg := range AllAlgorithms {
		if e.weights[alg] > 0 {
			algs = append(algs, alg)
		}
	}
	return algs
}

func (e *Engine) trigram(a, b string) float64 {
	if a == b {
		return 1
	}
	return Jaccard(e.shingleSet(a), e.shingleSet(b))
}

func (e *Engine) shingleSet(s string) map[string]struct{} {
	if set, ok := e.shingles.Get(s); ok {
		return set
	}
	set := Shingles(s)
	e.shingles.Add(s, set)
	return set
}

// Admit applies the cheap prefilters: length ratio and, when enabled, the phonetic bucket.
func (e *Engine) Admit(a, b string) bool {
	if a == b {
		return true
	}
	if LengthRatio(a, b) < e.cfg.MinLengthRatio {
		return false
	}
	if e.cfg.Phonetic && Soundex(a) != Soundex(b) {
		return false
	}
	return true
}

// Keyword scores a keyword against a token list. Containment of every keyword token scores 1;
// otherwise the best blended score over windows of the keyword's token count is returned.
func (e *Engine) Keyword(tokens []string, keyword string) (float64, Scores) {
	kw := strings.Fields(keyword)
	if len(kw) == 0 || len(tokens) == 0 {
		return 0, Scores{}
	}

	present := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		present[tok] = true
	}
	contained := true
	for _, k := range kw {
		if !present[k] {
			contained = false
			break
		}
	}
	if contained {
		return e.Combined(keyword, keyword)
	}

	best, bestScores := 0.0, Scores{}
	size := min(len(kw), len(tokens))
	for i := 0; i+size <= len(tokens); i++ {
		window := strings.Join(tokens[i:i+size], " ")
		if !e.Admit(window, keyword) {
			continue
		}
		if s, scores := e.Combined(window, keyword); s > best {
			best, bestScores = s, scores
		}
	}
	return best, bestScores
}

// Target is one entry of a candidate pool.
type Target struct {
	Text    string
	Keyword bool
}

// Hit is a pool entry that cleared MinScore.
type Hit struct {
	Scores Scores
	Index  int
	Score  float64
}

// Rank scans pool in order and returns hits sorted by score, highest first.
// Scanning stops once limit hits score at least EarlyExitScore. A non-positive limit scans everything.
func (e *Engine) Rank(text string, tokens []string, pool []Target, limit int) []Hit {
	return e.rank(text, tokens, pool, nil, limit)
}

// RankIndexed is Rank over only the pool entries ix selects for text, at most MaxScan of them.
func (e *Engine) RankIndexed(text string, tokens []string, pool []Target, ix *Index, limit int) []Hit {
	return e.rank(text, tokens, pool, ix.Candidates(text, e.cfg.MaxScan), limit)
}

// Indexed reports whether a pool of n entries is large enough to be narrowed by an Index first.
func (e *Engine) Indexed(n int) bool {
	return e.cfg.MaxScan > 0 && n > e.cfg.MaxScan
}

func (e *Engine) rank(text string, tokens []string, pool []Target, subset []int, limit int) []Hit {
	var hits []Hit
	strong := 0

	n := len(pool)
	if subset != nil {
		n = len(subset)
	}
	for k := 0; k < n; k++ {
		i := k
		if subset != nil {
			i = subset[k]
		}
		target := pool[i]

		var (
			score  float64
			scores Scores
		)
		if target.Keyword {
			score, scores = e.Keyword(tokens, target.Text)
		} else {
			if !e.Admit(text, target.Text) {
				continue
			}
			score, scores = e.Combined(text, target.Text)
		}

		if score < e.cfg.MinScore {
			continue
		}
		hits = append(hits, Hit{Index: i, Score: score, Scores: scores})

		if score >= e.cfg.EarlyExitScore {
			strong++
			if limit > 0 && strong >= limit {
				break
			}
		}
	}

	sort.SliceStable(hits, func(a, b int) bool {
		return hits[a].Score > hits[b].Score
	})
	return hits
}
