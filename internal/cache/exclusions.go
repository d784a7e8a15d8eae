package cache

import (
	"fmt"
	"regexp"
	"strings"
)

// regexRulePrefix marks an exclusion rule as a regular expression.
// Rules without the prefix match the model name exactly.
const regexRulePrefix = "re:"

// ExclusionList decides whether responses for a given model should be kept
// out of the cache. Rules come from a single config list; a rule of the form
// "re:<pattern>" is compiled as a regexp, anything else is an exact model
// name. A nil *ExclusionList is safe to call and matches nothing.
type ExclusionList struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewExclusionList compiles the given rules into an ExclusionList.
// Returns an error for any invalid regexp so misconfiguration is caught
// at startup rather than silently caching excluded models.
func NewExclusionList(rules []string) (*ExclusionList, error) {
	el := &ExclusionList{
		exact: make(map[string]struct{}, len(rules)),
	}

	for _, r := range rules {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if p, ok := strings.CutPrefix(r, regexRulePrefix); ok {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("cache exclusion: invalid pattern %q: %w", p, err)
			}
			el.patterns = append(el.patterns, re)
			continue
		}
		el.exact[r] = struct{}{}
	}

	return el, nil
}

// Matches reports whether the given model name is excluded from caching.
// Exact rules are checked first, then regex patterns in order.
func (el *ExclusionList) Matches(model string) bool {
	if el == nil {
		return false
	}
	if _, ok := el.exact[model]; ok {
		return true
	}
	for _, re := range el.patterns {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

// Len returns the total number of exclusion rules configured.
func (el *ExclusionList) Len() int {
	if el == nil {
		return 0
	}
	return len(el.exact) + len(el.patterns)
}
