package otel

import (
	"path"
)

// Filter controls which event types are exported via OTEL. Patterns use
// path.Match syntax, so "tool_*" covers the whole tool family.
type Filter struct {
	IncludeTypes []string
	ExcludeTypes []string
}

// Match returns true if the event should be exported.
func (f *Filter) Match(eventType string) bool {
	if f == nil {
		return true
	}

	// Include filter: if set, event type must match at least one pattern.
	if len(f.IncludeTypes) > 0 {
		matched := false
		for _, pattern := range f.IncludeTypes {
			if ok, _ := path.Match(pattern, eventType); ok {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	// Exclude filter.
	for _, pattern := range f.ExcludeTypes {
		if ok, _ := path.Match(pattern, eventType); ok {
			return false
		}
	}

	return true
}
