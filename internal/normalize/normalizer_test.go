package normalize

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newNormalizer(t *testing.T, cfg Config) *Normalizer {
	t.Helper()
	n, err := New(cfg)
	require.NoError(t, err)
	return n
}

func TestNormalize(t *testing.T) {
	n := newNormalizer(t, DefaultConfig())

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "store number", input: "STARBUCKS #4521", want: "starbucks"},
		{name: "square prefix", input: "SQ *BLUE BOTTLE COFFEE", want: "blue bottle coffee"},
		{name: "toast prefix and apostrophe", input: "TST* Joe's Pizza 0042", want: "joes pizza"},
		{name: "paypal prefix", input: "PAYPAL *SPOTIFY", want: "spotify"},
		{name: "entity suffix", input: "Acme Widgets, Inc.", want: "acme widgets"},
		{name: "stacked suffixes", input: "Koala Trading Pty Ltd", want: "koala trading"},
		{name: "accents", input: "Café Müller GmbH", want: "cafe muller"},
		{name: "non-decomposing letters", input: "Straße Bäckerei", want: "strasse backerei"},
		{name: "card terminal prefix", input: "POS PURCHASE SHELL OIL 57442", want: "shell oil"},
		{name: "reference token", input: "AMAZON MKTPLACE *2K4HL9TT3", want: "amazon mktplace"},
		{name: "digits inside name kept", input: "7-ELEVEN 12345", want: "7 eleven"},
		{name: "whitespace collapsed", input: "  whole    foods  ", want: "whole foods"},
		{name: "only suffix kept", input: "LLC", want: "llc"},
		{name: "only number kept", input: "12345", want: "12345"},
		{name: "empty", input: "", want: ""},
		{name: "whitespace only", input: " \t\n ", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, n.Normalize(tt.input))
		})
	}
}

func TestNormalize_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	n := newNormalizer(t, cfg)

	for _, input := range []string{"STARBUCKS #4521", "Café", "  "} {
		assert.Equal(t, input, n.Normalize(input))
	}
	assert.False(t, n.Enabled())
}

func TestNormalize_ExtraPrefixesAndSuffixes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExtraPrefixes = []string{"ZLR"}
	cfg.ExtraSuffixes = []string{"store"}
	n := newNormalizer(t, cfg)

	assert.Equal(t, "target", n.Normalize("ZLR* TARGET STORE 0012"))
}

func TestNormalize_Deterministic(t *testing.T) {
	n := newNormalizer(t, DefaultConfig())
	inputs := []string{"STARBUCKS #4521", "Café Müller GmbH", "SQ *BLUE BOTTLE", "Straße"}

	want := make([]string, len(inputs))
	for i, in := range inputs {
		want[i] = n.Normalize(in)
	}

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i, in := range inputs {
				assert.Equal(t, want[i], n.Normalize(in))
			}
		}()
	}
	wg.Wait()
}

func TestDisplay(t *testing.T) {
	n := newNormalizer(t, DefaultConfig())
	assert.Equal(t, "Blue Bottle Coffee", n.Display("blue bottle coffee"))
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, Config{Locale: "tr"}.Validate())
	assert.NoError(t, Config{}.Validate())
	assert.Error(t, Config{Locale: "not a locale!"}.Validate())
}
