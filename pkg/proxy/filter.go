package proxy

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/getmockd/replayd/pkg/config"
)

// FilterConfig defines include/exclude patterns deciding which successful
// exchanges are recorded. Patterns use doublestar syntax: "*" matches within
// one path segment, "**" across segments. Host patterns ignore case.
type FilterConfig struct {
	IncludePaths []string // Record only if path matches (empty = all)
	ExcludePaths []string // Never record if path matches
	IncludeHosts []string // Record only from these hosts (empty = all)
	ExcludeHosts []string // Never record from these hosts
}

// NewFilterConfig creates an empty filter config (records everything).
func NewFilterConfig() *FilterConfig {
	return &FilterConfig{}
}

// NewFilter builds a filter from configuration, rejecting malformed patterns.
func NewFilter(rf config.RecordFilter) (*FilterConfig, error) {
	f := &FilterConfig{
		IncludePaths: rf.IncludePaths,
		ExcludePaths: rf.ExcludePaths,
		IncludeHosts: rf.IncludeHosts,
		ExcludeHosts: rf.ExcludeHosts,
	}
	for _, group := range [][]string{f.IncludePaths, f.ExcludePaths, f.IncludeHosts, f.ExcludeHosts} {
		for _, pattern := range group {
			if !doublestar.ValidatePattern(pattern) {
				return nil, fmt.Errorf("invalid record filter pattern %q", pattern)
			}
		}
	}
	return f, nil
}

// ShouldRecord determines if a request should be recorded based on filters.
// Precedence:
// 1. If matches ANY exclude pattern → NOT recorded
// 2. If include patterns exist AND matches NONE → NOT recorded
// 3. Otherwise → recorded
func (f *FilterConfig) ShouldRecord(host, path string) bool {
	if f == nil {
		return true
	}
	host = strings.ToLower(host)

	if matchAny(f.ExcludeHosts, host, true) || matchAny(f.ExcludePaths, path, false) {
		return false
	}
	if len(f.IncludeHosts) > 0 && !matchAny(f.IncludeHosts, host, true) {
		return false
	}
	if len(f.IncludePaths) > 0 && !matchAny(f.IncludePaths, path, false) {
		return false
	}
	return true
}

func matchAny(patterns []string, s string, fold bool) bool {
	for _, pattern := range patterns {
		if fold {
			pattern = strings.ToLower(pattern)
		}
		if ok, err := doublestar.Match(pattern, s); err == nil && ok {
			return true
		}
	}
	return false
}
