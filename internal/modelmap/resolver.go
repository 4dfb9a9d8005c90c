// Package modelmap resolves a caller-supplied model identifier to an
// upstream model id using the prioritized exact/regex/contains rule table
// described in §4.1 of the engine's design document.
package modelmap

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/kiro-relay/kiro-relay/internal/apperror"
)

// MatchType enumerates the supported matcher kinds for a ModelMapping.
type MatchType string

const (
	MatchExact    MatchType = "exact"
	MatchRegex    MatchType = "regex"
	MatchContains MatchType = "contains"
)

// Mapping is one rule in the resolution table.
type Mapping struct {
	ExternalPattern string
	InternalID      string
	MatchType       MatchType
	Priority        int
	Enabled         bool
}

type compiledMapping struct {
	Mapping
	re *regexp.Regexp
}

// Resolver holds a snapshot of the mapping table behind an atomic.Value so
// that reloads never expose a half-updated table to a concurrent resolve;
// request handlers take a snapshot at entry, as noted in the design
// document's "global mutable strategy map" note.
type Resolver struct {
	table atomic.Value // []compiledMapping, sorted by descending priority, stable by input order
}

// NewResolver builds a resolver from the given rule set. Invalid regex rules
// are dropped with their error returned for the caller to log; resolution
// proceeds with the remaining valid rules.
func NewResolver(mappings []Mapping) (*Resolver, []error) {
	r := &Resolver{}
	errs := r.reload(mappings)
	return r, errs
}

// Reload atomically swaps the mapping table.
func (r *Resolver) Reload(mappings []Mapping) []error {
	return r.reload(mappings)
}

func (r *Resolver) reload(mappings []Mapping) []error {
	var errs []error
	compiled := make([]compiledMapping, 0, len(mappings))
	for i, m := range mappings {
		if !m.Enabled {
			continue
		}
		cm := compiledMapping{Mapping: m}
		if m.MatchType == MatchRegex {
			re, err := regexp.Compile("^(?:" + m.ExternalPattern + ")$")
			if err != nil {
				errs = append(errs, fmt.Errorf("modelmap: rule %d pattern %q: %w", i, m.ExternalPattern, err))
				continue
			}
			cm.re = re
		}
		compiled = append(compiled, cm)
	}
	// Stable sort descending by priority; ties keep the given rule-set order.
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].Priority > compiled[j].Priority
	})
	r.table.Store(compiled)
	return errs
}

// Resolve returns the internal model id for the given caller-supplied model
// string, or apperror.KindUnsupportedModel if no enabled mapping accepts it.
func (r *Resolver) Resolve(model string) (string, error) {
	raw, _ := r.table.Load().([]compiledMapping)
	for _, m := range raw {
		if matches(m, model) {
			return m.InternalID, nil
		}
	}
	return "", apperror.New(apperror.KindUnsupportedModel, fmt.Sprintf("no model mapping resolves %q", model))
}

func matches(m compiledMapping, input string) bool {
	switch m.MatchType {
	case MatchExact:
		return m.ExternalPattern == input
	case MatchRegex:
		return m.re != nil && m.re.MatchString(input)
	case MatchContains:
		return strings.Contains(strings.ToLower(input), strings.ToLower(m.ExternalPattern))
	default:
		return false
	}
}
