// Package normalize canonicalizes raw merchant and description text before matching.
package normalize

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Config controls text normalization.
type Config struct {
	Locale        string   `mapstructure:"locale"`
	ExtraPrefixes []string `mapstructure:"extra_prefixes"`
	ExtraSuffixes []string `mapstructure:"extra_suffixes"`
	Enabled       bool     `mapstructure:"enabled"`
}

// DefaultConfig returns normalization enabled with locale-neutral case folding.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Locale:  "und",
	}
}

// Validate checks that the locale parses.
func (c Config) Validate() error {
	if c.Locale == "" {
		return nil
	}
	if _, err := language.Parse(c.Locale); err != nil {
		return fmt.Errorf("normalizer locale %q: %w", c.Locale, err)
	}
	return nil
}

// Payment processors and card networks prepend these to the merchant name.
var processorPrefixes = []*regexp.Regexp{
	regexp.MustCompile(`^(sq|tst|sp|pp|py|ckr|ic|ls|bt|fs|wpy|dd)\s*\*\s*`),
	regexp.MustCompile(`^(paypal|google|apple pay|amzn mktp|venmo|zettle|sumup)\s*\*\s*`),
	regexp.MustCompile(`^(pos|eftpos|visa|mastercard|amex|debit card|debit|checkcard|check card|purchase|recurring|ach|preauth|pre-auth)\s+(purchase\s+|payment\s+)?`),
}

var (
	idMarker     = regexp.MustCompile(`[#*]\s*[0-9][0-9a-z-]*`)
	nonWordChars = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	apostrophes  = strings.NewReplacer("'", "", "’", "", "`", "")
)

var entitySuffixes = map[string]bool{
	"inc": true, "incorporated": true, "llc": true, "llp": true, "ltd": true, "limited": true,
	"corp": true, "corporation": true, "co": true, "company": true, "gmbh": true, "ag": true,
	"pty": true, "plc": true, "sa": true, "srl": true, "bv": true,
}

// Letters that do not decompose into a base letter plus combining marks.
var foldTable = strings.NewReplacer(
	"ß", "ss", "ẞ", "SS",
	"æ", "ae", "Æ", "AE",
	"œ", "oe", "Œ", "OE",
	"ø", "o", "Ø", "O",
	"ł", "l", "Ł", "L",
	"đ", "d", "Đ", "D",
	"ð", "d", "Ð", "D",
	"þ", "th", "Þ", "TH",
	"ı", "i",
)

// Normalizer is safe for concurrent use.
type Normalizer struct {
	casers   sync.Pool
	folders  sync.Pool
	titles   sync.Pool
	prefixes []*regexp.Regexp
	suffixes map[string]bool
	cfg      Config
}

// New builds a Normalizer from cfg.
func New(cfg Config) (*Normalizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tag := language.Und
	if cfg.Locale != "" {
		tag = language.MustParse(cfg.Locale)
	}

	n := &Normalizer{
		cfg:      cfg,
		prefixes: append([]*regexp.Regexp(nil), processorPrefixes...),
		suffixes: make(map[string]bool, len(entitySuffixes)+len(cfg.ExtraSuffixes)),
	}
	n.casers.New = func() any {
		c := cases.Lower(tag)
		return &c
	}
	n.titles.New = func() any {
		c := cases.Title(tag)
		return &c
	}
	n.folders.New = func() any {
		return transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	}

	for _, p := range cfg.ExtraPrefixes {
		re, err := regexp.Compile(`^` + regexp.QuoteMeta(strings.ToLower(strings.TrimSpace(p))) + `\s*\*?\s*`)
		if err != nil {
			return nil, fmt.Errorf("extra prefix %q: %w", p, err)
		}
		n.prefixes = append(n.prefixes, re)
	}
	for s := range entitySuffixes {
		n.suffixes[s] = true
	}
	for _, s := range cfg.ExtraSuffixes {
		n.suffixes[strings.ToLower(strings.TrimSpace(s))] = true
	}

	return n, nil
}

// Enabled reports whether normalization is active.
func (n *Normalizer) Enabled() bool {
	return n.cfg.Enabled
}

// Normalize canonicalizes raw text. It is the identity when normalization is disabled.
// Whitespace-only input yields "".
func (n *Normalizer) Normalize(raw string) string {
	if !n.cfg.Enabled {
		return raw
	}

	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}

	s = n.Fold(s)
	s = n.lower(s)
	s = apostrophes.Replace(s)
	s = strings.Join(strings.Fields(s), " ")
	s = n.stripPrefixes(s)
	s = idMarker.ReplaceAllString(s, " ")
	s = nonWordChars.ReplaceAllString(s, " ")

	return strings.Join(n.trimTail(strings.Fields(s)), " ")
}

// Fold replaces accented letters with their base Latin form.
func (n *Normalizer) Fold(s string) string {
	s = foldTable.Replace(s)

	t, _ := n.folders.Get().(transform.Transformer)
	defer n.folders.Put(t)

	folded, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return folded
}

// Display returns a title-cased form of normalized text for user-facing output.
func (n *Normalizer) Display(s string) string {
	c, _ := n.titles.Get().(*cases.Caser)
	defer n.titles.Put(c)
	return c.String(s)
}

func (n *Normalizer) lower(s string) string {
	c, _ := n.casers.Get().(*cases.Caser)
	defer n.casers.Put(c)
	return c.String(s)
}

func (n *Normalizer) stripPrefixes(s string) string {
	for changed := true; changed; {
		changed = false
		for _, re := range n.prefixes {
			if loc := re.FindStringIndex(s); loc != nil && loc[1] < len(s) {
				s = s[loc[1]:]
				changed = true
			}
		}
	}
	return s
}

// trimTail drops trailing id tokens and entity suffixes, always keeping the first token.
func (n *Normalizer) trimTail(tokens []string) []string {
	for len(tokens) > 1 {
		last := tokens[len(tokens)-1]
		if !isIDToken(last) && !n.suffixes[last] {
			break
		}
		tokens = tokens[:len(tokens)-1]
	}
	return tokens
}

func isIDToken(tok string) bool {
	digits := 0
	for _, r := range tok {
		if unicode.IsDigit(r) {
			digits++
		}
	}
	if digits == 0 {
		return false
	}
	return digits == len(tok) || len(tok) >= 3
}
