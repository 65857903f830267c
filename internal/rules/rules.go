// Package rules selects the fix rule that applies to a classified build failure.
//
// A rule matches when its error type filter is empty or equal to the
// classification's type and its pattern matches the error message, the error
// type or the error context. Among matching rules the highest priority wins,
// then the most recently created, then the highest id.
package rules

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/odvcencio/deployfix/internal/analyzer"
	"github.com/odvcencio/deployfix/internal/models"
)

// MatchMode selects how rule patterns are interpreted.
type MatchMode string

const (
	// MatchSubstring treats patterns as case-insensitive substrings unless
	// they are written as /expr/, in which case they are regular expressions.
	MatchSubstring MatchMode = "substring"
	// MatchRegex treats every pattern as a regular expression.
	MatchRegex MatchMode = "regex"
)

// ParseMode returns the mode named by s, defaulting to MatchSubstring.
func ParseMode(s string) (MatchMode, error) {
	switch MatchMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", MatchSubstring:
		return MatchSubstring, nil
	case MatchRegex:
		return MatchRegex, nil
	default:
		return "", fmt.Errorf("unknown rule match mode %q", s)
	}
}

// Match returns the winning rule among candidates, or nil when none applies.
// Disabled candidates are ignored.
func Match(candidates []models.FixRule, c analyzer.Classification, mode MatchMode) *models.FixRule {
	var matched []models.FixRule
	for _, rule := range candidates {
		if !rule.Enabled {
			continue
		}
		if rule.ErrorType != "" && !strings.EqualFold(rule.ErrorType, c.ErrorType) {
			continue
		}
		if !patternMatches(rule.ErrorPattern, c, mode) {
			continue
		}
		matched = append(matched, rule)
	}
	if len(matched) == 0 {
		return nil
	}
	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	winner := matched[0]
	return &winner
}

func patternMatches(pattern string, c analyzer.Classification, mode MatchMode) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return true
	}
	fields := []string{c.ErrorMessage, c.ErrorType, c.ErrorContext}

	var re *regexp.Regexp
	switch {
	case mode == MatchRegex:
		re = compileCached(pattern)
	case len(pattern) >= 2 && strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/"):
		re = compileCached("(?i)" + pattern[1:len(pattern)-1])
	default:
		needle := strings.ToLower(pattern)
		for _, field := range fields {
			if strings.Contains(strings.ToLower(field), needle) {
				return true
			}
		}
		return false
	}
	if re == nil {
		return false
	}
	for _, field := range fields {
		if re.MatchString(field) {
			return true
		}
	}
	return false
}

var (
	regexMu    sync.Mutex
	regexCache = map[string]*regexp.Regexp{}
)

// compileCached compiles expr once. Invalid expressions cache as nil so they
// never match.
func compileCached(expr string) *regexp.Regexp {
	regexMu.Lock()
	defer regexMu.Unlock()
	if re, ok := regexCache[expr]; ok {
		return re
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		re = nil
	}
	if len(regexCache) > 1024 {
		regexCache = map[string]*regexp.Regexp{}
	}
	regexCache[expr] = re
	return re
}

// Store loads the enabled rules for a subscription.
type Store interface {
	ListEnabledFixRules(ctx context.Context, subscriptionID int64) ([]models.FixRule, error)
}

// Matcher resolves the rule for a subscription's classification.
type Matcher struct {
	store Store
	mode  MatchMode
}

func NewMatcher(store Store, mode MatchMode) *Matcher {
	if mode == "" {
		mode = MatchSubstring
	}
	return &Matcher{store: store, mode: mode}
}

// Find returns the winning rule for the subscription, or nil when none matches.
func (m *Matcher) Find(ctx context.Context, subscriptionID int64, c analyzer.Classification) (*models.FixRule, error) {
	candidates, err := m.store.ListEnabledFixRules(ctx, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("list fix rules: %w", err)
	}
	return Match(candidates, c, m.mode), nil
}
