package rule

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

var versions atomic.Uint64

// Set is an immutable, ordered rule snapshot. Earlier rules win.
// A reload builds a new Set and swaps it in; a Set is never modified.
type Set struct {
	rules    []*Rule
	source   string
	version  uint64
	loadedAt time.Time
}

// NewSet wraps rules into a snapshot with the next version number.
func NewSet(rules []*Rule, source string) *Set {
	return &Set{
		rules:    append([]*Rule(nil), rules...),
		source:   source,
		version:  versions.Add(1),
		loadedAt: time.Now(),
	}
}

// Compile parses text under policy and returns a snapshot. With SkipInvalid
// the skipped lines are returned as diagnostics alongside the Set.
func Compile(text, source string, policy Policy) (*Set, []*ParseError, error) {
	if policy == SkipInvalid {
		rules, diags := ParseLenient(text)
		return NewSet(rules, source), diags, nil
	}
	rules, err := Parse(text)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", source, err)
	}
	return NewSet(rules, source), nil, nil
}

// Rules returns the rules in priority order. Callers must not modify them.
func (s *Set) Rules() []*Rule      { return s.rules }
func (s *Set) Len() int            { return len(s.rules) }
func (s *Set) Source() string      { return s.source }
func (s *Set) Version() uint64     { return s.version }
func (s *Set) LoadedAt() time.Time { return s.loadedAt }

// String renders the whole set in canonical syntax.
func (s *Set) String() string { return Format(s.rules) }

// LineOf extracts the line number from a load error, or 0.
func LineOf(err error) int {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe.Line
	}
	return 0
}
