package model

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalid is returned when a model value fails validation.
var ErrInvalid = errors.New("invalid model value")

// AmountRange is an inclusive amount interval. Either bound may be open.
type AmountRange struct {
	Min decimal.NullDecimal `json:"min"`
	Max decimal.NullDecimal `json:"max"`
}

// ParseAmountRange parses "min..max", "min..", or "..max".
func ParseAmountRange(value string) (AmountRange, error) {
	var r AmountRange

	lo, hi, ok := strings.Cut(strings.TrimSpace(value), "..")
	if !ok {
		return r, fmt.Errorf("%w: amount range %q must look like min..max", ErrInvalid, value)
	}

	if lo = strings.TrimSpace(lo); lo != "" {
		d, err := decimal.NewFromString(lo)
		if err != nil {
			return r, fmt.Errorf("%w: amount range minimum %q: %w", ErrInvalid, lo, err)
		}
		r.Min = decimal.NullDecimal{Decimal: d, Valid: true}
	}
	if hi = strings.TrimSpace(hi); hi != "" {
		d, err := decimal.NewFromString(hi)
		if err != nil {
			return r, fmt.Errorf("%w: amount range maximum %q: %w", ErrInvalid, hi, err)
		}
		r.Max = decimal.NullDecimal{Decimal: d, Valid: true}
	}

	if !r.Min.Valid && !r.Max.Valid {
		return r, fmt.Errorf("%w: amount range %q has no bounds", ErrInvalid, value)
	}
	if r.Min.Valid && r.Max.Valid && r.Min.Decimal.GreaterThan(r.Max.Decimal) {
		return r, fmt.Errorf("%w: amount range %q has min above max", ErrInvalid, value)
	}

	return r, nil
}

// IsZero reports whether the range has no bounds at all.
func (r AmountRange) IsZero() bool {
	return !r.Min.Valid && !r.Max.Valid
}

// Contains reports whether amount lies inside the range. Amounts are compared by magnitude.
func (r AmountRange) Contains(amount decimal.Decimal) bool {
	amount = amount.Abs()
	if r.Min.Valid && amount.LessThan(r.Min.Decimal) {
		return false
	}
	if r.Max.Valid && amount.GreaterThan(r.Max.Decimal) {
		return false
	}
	return true
}

func (r AmountRange) String() string {
	var b strings.Builder
	if r.Min.Valid {
		b.WriteString(r.Min.Decimal.StringFixed(2))
	}
	b.WriteString("..")
	if r.Max.Valid {
		b.WriteString(r.Max.Decimal.StringFixed(2))
	}
	return b.String()
}

// TimeWindow is a time-of-day window in minutes after midnight.
// A window whose start is after its end crosses midnight.
type TimeWindow struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// ParseTimeWindow parses "HH:MM-HH:MM".
func ParseTimeWindow(value string) (TimeWindow, error) {
	start, end, ok := strings.Cut(strings.TrimSpace(value), "-")
	if !ok {
		return TimeWindow{}, fmt.Errorf("%w: time window %q must look like HH:MM-HH:MM", ErrInvalid, value)
	}

	s, err := parseClock(start)
	if err != nil {
		return TimeWindow{}, err
	}
	e, err := parseClock(end)
	if err != nil {
		return TimeWindow{}, err
	}

	return TimeWindow{Start: s, End: e}, nil
}

func parseClock(s string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("%w: clock %q must look like HH:MM", ErrInvalid, s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("%w: hour in %q", ErrInvalid, s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("%w: minute in %q", ErrInvalid, s)
	}
	return hour*60 + minute, nil
}

// CrossesMidnight reports whether the window wraps past 00:00.
func (w TimeWindow) CrossesMidnight() bool {
	return w.Start > w.End
}

// Contains reports whether the clock time of t falls inside the window.
// Equal start and end cover the whole day.
func (w TimeWindow) Contains(t time.Time) bool {
	minute := t.Hour()*60 + t.Minute()
	switch {
	case w.Start == w.End:
		return true
	case w.CrossesMidnight():
		return minute >= w.Start || minute < w.End
	default:
		return minute >= w.Start && minute < w.End
	}
}

func (w TimeWindow) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d", w.Start/60, w.Start%60, w.End/60, w.End%60)
}

func validateRegex(expr string) error {
	if _, err := regexp.Compile(expr); err != nil {
		return fmt.Errorf("%w: regex %q: %w", ErrInvalid, expr, err)
	}
	return nil
}
