// Package filter provides helpers for applying hostname rules.
package filter

import (
	"strings"

	"github.com/IGLOU-EU/go-wildcard"
)

// Rules is a list of wildcard hostname rules, e.g. "*.ads.example".  Matching
// is case-insensitive.  The zero value matches nothing.
type Rules struct {
	wildcards []string
}

// NewRules creates a new *Rules from the specified wildcards.  Empty
// wildcards are ignored.
func NewRules(wildcards []string) (r *Rules) {
	r = &Rules{}
	for _, w := range wildcards {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			r.wildcards = append(r.wildcards, w)
		}
	}

	return r
}

// Match checks if host matches any of the rules.  r may be nil.
func (r *Rules) Match(host string) (ok bool) {
	if r == nil {
		return false
	}

	host = strings.ToLower(host)
	for _, w := range r.wildcards {
		if wildcard.MatchSimple(w, host) {
			return true
		}
	}

	return false
}

// Len returns the number of rules.
func (r *Rules) Len() (n int) {
	if r == nil {
		return 0
	}

	return len(r.wildcards)
}
