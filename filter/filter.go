package filter

import (
	"fmt"
	"regexp"
	"strings"
)

// Options captures the filtering configuration.
type Options struct {
	IncludePath []string
	ExcludePath []string
}

// Filter holds compiled regex patterns for selecting files of the input tree.
type Filter struct {
	include []*regexp.Regexp
	exclude []*regexp.Regexp
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	include, err := compilePatterns(opts.IncludePath)
	if err != nil {
		return nil, fmt.Errorf("compile include-path pattern: %w", err)
	}
	exclude, err := compilePatterns(opts.ExcludePath)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-path pattern: %w", err)
	}

	if len(include) > 0 && len(exclude) > 0 {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}

	return &Filter{include: include, exclude: exclude}, nil
}

// Allows returns true if the slash-separated relative path passes the filter.
// A nil Filter allows everything.
func (f *Filter) Allows(relPath string) bool {
	if f == nil {
		return true
	}

	if len(f.include) > 0 {
		return matchAny(f.include, relPath)
	}

	if len(f.exclude) > 0 && matchAny(f.exclude, relPath) {
		return false
	}

	return true
}

// Active reports whether any pattern is configured.
func (f *Filter) Active() bool {
	return f != nil && (len(f.include) > 0 || len(f.exclude) > 0)
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
