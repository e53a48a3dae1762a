package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmountRange(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantStr string
		inside  []string
		outside []string
		wantErr bool
	}{
		{
			name:    "closed range",
			input:   "10..50",
			wantStr: "10.00..50.00",
			inside:  []string{"10", "25.5", "50", "-30"},
			outside: []string{"9.99", "50.01"},
		},
		{
			name:    "open maximum",
			input:   "100..",
			wantStr: "100.00..",
			inside:  []string{"100", "100000"},
			outside: []string{"99.99"},
		},
		{
			name:    "open minimum",
			input:   "..5",
			wantStr: "..5.00",
			inside:  []string{"0", "4.99"},
			outside: []string{"5.01"},
		},
		{name: "missing separator", input: "10-50", wantErr: true},
		{name: "no bounds", input: "..", wantErr: true},
		{name: "bad number", input: "ten..50", wantErr: true},
		{name: "inverted", input: "50..10", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ParseAmountRange(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStr, r.String())
			for _, v := range tt.inside {
				assert.True(t, r.Contains(decimal.RequireFromString(v)), "expected %s inside", v)
			}
			for _, v := range tt.outside {
				assert.False(t, r.Contains(decimal.RequireFromString(v)), "expected %s outside", v)
			}
		})
	}
}

func TestTimeWindow_Contains(t *testing.T) {
	at := func(hour, minute int) time.Time {
		return time.Date(2026, 3, 14, hour, minute, 0, 0, time.UTC)
	}

	tests := []struct {
		name    string
		window  string
		inside  []time.Time
		outside []time.Time
	}{
		{
			name:    "daytime window",
			window:  "09:00-17:30",
			inside:  []time.Time{at(9, 0), at(12, 0), at(17, 29)},
			outside: []time.Time{at(8, 59), at(17, 30), at(23, 0)},
		},
		{
			name:    "crosses midnight",
			window:  "22:00-02:00",
			inside:  []time.Time{at(22, 0), at(23, 59), at(0, 0), at(1, 59)},
			outside: []time.Time{at(2, 0), at(12, 0), at(21, 59)},
		},
		{
			name:   "whole day",
			window: "06:00-06:00",
			inside: []time.Time{at(0, 0), at(6, 0), at(23, 59)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := ParseTimeWindow(tt.window)
			require.NoError(t, err)
			assert.Equal(t, tt.window, w.String())
			for _, ts := range tt.inside {
				assert.True(t, w.Contains(ts), "expected %s inside", ts.Format("15:04"))
			}
			for _, ts := range tt.outside {
				assert.False(t, w.Contains(ts), "expected %s outside", ts.Format("15:04"))
			}
		})
	}
}

func TestParseTimeWindow_Invalid(t *testing.T) {
	for _, input := range []string{"", "9-17", "25:00-01:00", "09:61-10:00", "09:00"} {
		t.Run(input, func(t *testing.T) {
			_, err := ParseTimeWindow(input)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}
