package similarity

import (
	"math"
	"strings"
	"unicode"

	"github.com/texttheater/golang-levenshtein/levenshtein"
)

var unitCost = levenshtein.Options{
	InsCost: 1,
	DelCost: 1,
	SubCost: 1,
	Matches: levenshtein.IdenticalRunes,
}

// Levenshtein returns 1 - distance/longest length. Two empty strings are identical.
func Levenshtein(a, b string) float64 {
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	longest := max(len(ra), len(rb))
	if longest == 0 {
		return 1
	}
	d := levenshtein.DistanceForStrings(ra, rb, unitCost)
	return clamp(1 - float64(d)/float64(longest))
}

const (
	winklerScale     = 0.1
	winklerMaxPrefix = 4
	winklerThreshold = 0.7
	// Strings with fewer than two matching characters never score above this.
	dissimilarCeiling = 0.3
)

// JaroWinkler returns the Jaro similarity with the Winkler prefix boost.
// The boost applies only when the strings already agree (Jaro >= 0.7), and
// strings with fewer than two matched characters are capped at 0.3 whatever their length.
func JaroWinkler(a, b string) float64 {
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}

	window := max(len(ra), len(rb))/2 - 1
	if window < 0 {
		window = 0
	}

	matchedA := make([]bool, len(ra))
	matchedB := make([]bool, len(rb))
	matches := 0
	for i, r := range ra {
		lo := max(0, i-window)
		hi := min(len(rb), i+window+1)
		for j := lo; j < hi; j++ {
			if matchedB[j] || rb[j] != r {
				continue
			}
			matchedA[i], matchedB[j] = true, true
			matches++
			break
		}
	}
	if matches == 0 {
		return 0
	}

	transpositions := 0
	j := 0
	for i, ok := range matchedA {
		if !ok {
			continue
		}
		for !matchedB[j] {
			j++
		}
		if ra[i] != rb[j] {
			transpositions++
		}
		j++
	}

	m := float64(matches)
	jaro := (m/float64(len(ra)) + m/float64(len(rb)) + (m-float64(transpositions)/2)/m) / 3

	if matches < 2 {
		return math.Min(jaro, dissimilarCeiling)
	}
	if jaro < winklerThreshold {
		return clamp(jaro)
	}

	prefix := 0
	for prefix < min(len(ra), len(rb), winklerMaxPrefix) && ra[prefix] == rb[prefix] {
		prefix++
	}
	return clamp(jaro + float64(prefix)*winklerScale*(1-jaro))
}

// Shingles returns the set of 3-rune shingles of s. Strings shorter than three runes are one shingle.
func Shingles(s string) map[string]struct{} {
	r := []rune(s)
	if len(r) == 0 {
		return map[string]struct{}{}
	}
	if len(r) < 3 {
		return map[string]struct{}{s: {}}
	}
	set := make(map[string]struct{}, len(r)-2)
	for i := 0; i+3 <= len(r); i++ {
		set[string(r[i:i+3])] = struct{}{}
	}
	return set
}

// Jaccard returns |A∩B| / |A∪B|. Two empty sets are identical.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	if len(a) > len(b) {
		a, b = b, a
	}
	inter := 0
	for s := range a {
		if _, ok := b[s]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// Trigram returns the Jaccard overlap of the trigram shingle sets of a and b.
func Trigram(a, b string) float64 {
	if a == b {
		return 1
	}
	return Jaccard(Shingles(a), Shingles(b))
}

// LengthRatio returns shorter/longer rune length, 1 when both are empty.
func LengthRatio(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	if la == 0 && lb == 0 {
		return 1
	}
	if la > lb {
		la, lb = lb, la
	}
	return float64(la) / float64(lb)
}

// Soundex returns the American Soundex code of the first word of s, or "" when it has no letters.
func Soundex(s string) string {
	word, _, _ := strings.Cut(strings.TrimSpace(s), " ")

	var code [4]byte
	n := 0
	var last byte
	for _, r := range strings.ToUpper(word) {
		if r > unicode.MaxASCII || !unicode.IsLetter(r) {
			continue
		}
		digit := soundexDigit(byte(r))
		if n == 0 {
			code[0] = byte(r)
			n = 1
			last = digit
			continue
		}
		switch {
		case digit == '0':
			// Vowels separate repeated codes; H and W do not.
			if r != 'H' && r != 'W' {
				last = 0
			}
			continue
		case digit == last:
			continue
		}
		code[n] = digit
		n++
		last = digit
		if n == len(code) {
			break
		}
	}
	if n == 0 {
		return ""
	}
	for ; n < len(code); n++ {
		code[n] = '0'
	}
	return string(code[:])
}

func soundexDigit(c byte) byte {
	switch c {
	case 'B', 'F', 'P', 'V':
		return '1'
	case 'C', 'G', 'J', 'K', 'Q', 'S', 'X', 'Z':
		return '2'
	case 'D', 'T':
		return '3'
	case 'L':
		return '4'
	case 'M', 'N':
		return '5'
	case 'R':
		return '6'
	default:
		return '0'
	}
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
