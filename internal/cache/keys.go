package cache

import (
	"strconv"

	"github.com/Veraticus/spice-categorizer/internal/model"
)

// Key builders. Keys are relative to the configured namespace.

// PatternKey names a single pattern.
func PatternKey(id int64) string {
	return "pattern:" + strconv.FormatInt(id, 10)
}

// TypeKey names the active-pattern list of one type.
func TypeKey(t model.PatternType) string {
	return "type:" + string(t)
}

// CompositeKey names a single composite pattern.
func CompositeKey(id int64) string {
	return "composite:" + strconv.FormatInt(id, 10)
}

// ActiveCompositesKey names the list of active composites.
const ActiveCompositesKey = "composites:active"

// PreferenceKey names a merchant's user preference.
func PreferenceKey(merchantKey string) string {
	return "pref:" + merchantKey
}

// PatternKeys returns every key that caches state derived from p.
func PatternKeys(p model.Pattern) []string {
	return []string{PatternKey(p.ID), TypeKey(p.Type)}
}
