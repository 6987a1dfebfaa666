// Package identity is the attribution collaborator used by voting and display.
package identity

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultPattern accepts ids such as "octocat", "user_42" or "gh-jane.doe".
const DefaultPattern = `^[A-Za-z0-9][A-Za-z0-9_.-]{2,63}$`

// Provider labels users and decides who may vote.
type Provider interface {
	// Label returns a display name for userID.
	Label(userID string) string

	// IsValidVoter reports whether userID passes identity validation.
	IsValidVoter(userID string) bool
}

// PatternProvider validates user ids against a regular expression.
type PatternProvider struct {
	pattern *regexp.Regexp
	labels  map[string]string
}

// NewPatternProvider compiles pattern (DefaultPattern when empty).
func NewPatternProvider(pattern string, labels map[string]string) (*PatternProvider, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid identity pattern %q: %w", pattern, err)
	}
	return &PatternProvider{pattern: re, labels: labels}, nil
}

// MustPatternProvider is NewPatternProvider that panics on a bad pattern.
func MustPatternProvider(pattern string) *PatternProvider {
	p, err := NewPatternProvider(pattern, nil)
	if err != nil {
		panic(err)
	}
	return p
}

// Label returns the configured label or an anonymized form of userID.
func (p *PatternProvider) Label(userID string) string {
	if label, ok := p.labels[userID]; ok {
		return label
	}
	if userID == "" {
		return "anonymous"
	}
	if utf8.RuneCountInString(userID) <= 4 {
		return userID
	}
	runes := []rune(userID)
	return string(runes[:2]) + strings.Repeat("*", len(runes)-4) + string(runes[len(runes)-2:])
}

// IsValidVoter reports whether userID matches the pattern.
func (p *PatternProvider) IsValidVoter(userID string) bool {
	return utf8.ValidString(userID) && p.pattern.MatchString(userID)
}
