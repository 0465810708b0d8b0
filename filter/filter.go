// Package filter selects manifest records with regular expression rules.
//
// A rule has the form "Column=pattern" and matches when the named manifest
// column matches pattern. A rule without a known column prefix matches
// against every column.
package filter

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Options captures the filtering configuration.
type Options struct {
	Include []string
	Exclude []string
}

type rule struct {
	source string
	column string
	re     *regexp.Regexp
}

func (r rule) match(rec map[string]string) bool {
	if r.column != "" {
		return r.re.MatchString(rec[r.column])
	}
	for _, v := range rec {
		if r.re.MatchString(v) {
			return true
		}
	}
	return false
}

// Filter holds compiled rules and counts how often each one matched.
type Filter struct {
	include []rule
	exclude []rule

	mu   sync.Mutex
	hits map[string]int
}

// New compiles opts. columns lists the column names a rule may address.
func New(opts Options, columns []string) (*Filter, error) {
	include, err := compileRules(opts.Include, columns)
	if err != nil {
		return nil, fmt.Errorf("compile include rule: %w", err)
	}
	exclude, err := compileRules(opts.Exclude, columns)
	if err != nil {
		return nil, fmt.Errorf("compile exclude rule: %w", err)
	}
	if len(include) > 0 && len(exclude) > 0 {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}
	return &Filter{include: include, exclude: exclude, hits: make(map[string]int)}, nil
}

// Active reports whether any rule is configured.
func (f *Filter) Active() bool {
	return len(f.include) > 0 || len(f.exclude) > 0
}

// Allows returns true if rec passes the filter.
func (f *Filter) Allows(rec map[string]string) bool {
	if len(f.include) > 0 {
		return f.matchAny(f.include, rec)
	}
	return !f.matchAny(f.exclude, rec)
}

func (f *Filter) matchAny(rules []rule, rec map[string]string) bool {
	for _, r := range rules {
		if r.match(rec) {
			f.mu.Lock()
			f.hits[r.source]++
			f.mu.Unlock()
			return true
		}
	}
	return false
}

// Hit is the match count of one rule.
type Hit struct {
	Rule  string
	Count int
}

// Hits returns the match count of every rule, highest first.
func (f *Filter) Hits() []Hit {
	f.mu.Lock()
	defer f.mu.Unlock()

	var hits []Hit
	for _, rules := range [][]rule{f.include, f.exclude} {
		for _, r := range rules {
			hits = append(hits, Hit{Rule: r.source, Count: f.hits[r.source]})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Count != hits[j].Count {
			return hits[i].Count > hits[j].Count
		}
		return hits[i].Rule < hits[j].Rule
	})
	return hits
}

func compileRules(sources, columns []string) ([]rule, error) {
	known := make(map[string]string, len(columns))
	for _, c := range columns {
		known[strings.ToLower(c)] = c
	}

	rules := make([]rule, 0, len(sources))
	for _, source := range sources {
		source = strings.TrimSpace(source)
		if source == "" {
			continue
		}
		r := rule{source: source}
		pattern := source
		if name, rest, ok := strings.Cut(source, "="); ok {
			if column, ok := known[strings.ToLower(strings.TrimSpace(name))]; ok {
				r.column = column
				pattern = rest
			}
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", source, err)
		}
		r.re = re
		rules = append(rules, r)
	}
	return rules, nil
}
