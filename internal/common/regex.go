package common

import (
	"regexp"
	"sync"
)

var regexCache sync.Map // map[string]*regexp.Regexp

// CompileRegex compiles pattern once and reuses the compiled form on later calls.
// Returns an error if the pattern is invalid; invalid patterns are not cached.
func CompileRegex(pattern string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	actual, _ := regexCache.LoadOrStore(pattern, re)
	return actual.(*regexp.Regexp), nil
}
