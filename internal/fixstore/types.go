package fixstore

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrValidation indicates malformed input such as a missing error text.
	ErrValidation = errors.New("validation error")

	// ErrNoKeywords rejects a fix without keywords. It wraps ErrValidation.
	ErrNoKeywords = fmt.Errorf("%w: fix has no keywords", ErrValidation)

	// ErrNotFound indicates an unknown fix hash.
	ErrNotFound = errors.New("fix not found")

	// ErrQuarantinedFix marks a search result as quarantined. Search never
	// returns it as a failure; it is attached to the result as a warning.
	ErrQuarantinedFix = errors.New("fix is quarantined")
)

// FixRecord is one stored remedy for an error.
type FixRecord struct {
	FixHash         string            `json:"fix_hash"`
	AuthorID        string            `json:"author_id"`
	ErrorType       string            `json:"error_type,omitempty"`
	ErrorSignature  string            `json:"error_signature"`
	NormalizedKey   string            `json:"normalized_key"`
	Solution        string            `json:"solution"`
	Keywords        []string          `json:"keywords"`
	Context         map[string]string `json:"context,omitempty"`
	Program         string            `json:"program,omitempty"`
	UsageCount      int               `json:"usage_count"`
	SuccessCount    int               `json:"success_count"`
	RelevanceScore  float64           `json:"relevance_score"`
	MatchSimilarity float64           `json:"match_similarity"`
	Version         int               `json:"version"`
	InspiredBy      string            `json:"inspired_by,omitempty"`
	VariationReason string            `json:"variation_reason,omitempty"`
	Quarantined     bool              `json:"quarantined"`
	CreatedAt       *time.Time        `json:"created_at,omitempty"`
}

// SuccessRate returns success_count/usage_count, 0 when unused.
func (r *FixRecord) SuccessRate() float64 {
	if r.UsageCount <= 0 {
		return 0
	}
	return float64(r.SuccessCount) / float64(r.UsageCount)
}

// clone returns a deep copy safe to hand to callers.
func (r *FixRecord) clone() FixRecord {
	out := *r
	out.Keywords = append([]string(nil), r.Keywords...)
	if r.Context != nil {
		out.Context = make(map[string]string, len(r.Context))
		for k, v := range r.Context {
			out.Context[k] = v
		}
	}
	if r.CreatedAt != nil {
		t := *r.CreatedAt
		out.CreatedAt = &t
	}
	return out
}

// group holds the fixes sharing one normalized key, in insertion order.
type group struct {
	NormalizedKey string       `json:"normalized_key"`
	Fixes         []*FixRecord `json:"fixes"`
}

// document is the persisted shape of the fixes table.
type document struct {
	Groups []*group `json:"groups"`
}

func (d *document) find(hash string) *FixRecord {
	for _, g := range d.Groups {
		for _, f := range g.Fixes {
			if f.FixHash == hash {
				return f
			}
		}
	}
	return nil
}

func (d *document) group(key string) *group {
	for _, g := range d.Groups {
		if g.NormalizedKey == key {
			return g
		}
	}
	return nil
}

// AddRequest describes a fix to add.
type AddRequest struct {
	ErrorSignature  string
	ErrorType       string
	Solution        string
	AuthorID        string
	Keywords        []string
	Context         map[string]string
	Program         string
	InspiredBy      string
	VariationReason string
}

// AddResult reports where a fix landed.
type AddResult struct {
	NormalizedKey string  `json:"normalized_key"`
	FixHash       string  `json:"fix_hash"`
	Merged        bool    `json:"merged"`
	Version       int     `json:"version"`
	Similarity    float64 `json:"similarity"`
}

// Query is a search request.
type Query struct {
	Error     string
	ErrorType string

	// MinRelevance overrides the configured cutoff when set. A zero cutoff
	// returns every candidate of a matching group.
	MinRelevance *float64

	Limit int
}

// Source labels where a match came from.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// RemoteStats are the summed remote usage numbers behind a remote match.
type RemoteStats struct {
	Attempts    int `json:"attempts"`
	Successes   int `json:"successes"`
	UniqueUsers int `json:"unique_users"`
}

// Match is a scored search result.
type Match struct {
	Fix        FixRecord    `json:"fix"`
	Relevance  float64      `json:"relevance"`
	Similarity float64      `json:"similarity"`
	Source     Source       `json:"source"`
	Remote     *RemoteStats `json:"remote,omitempty"`
	Warnings   []string     `json:"warnings,omitempty"`
}

// Warning returns ErrQuarantinedFix for quarantined matches, nil otherwise.
func (m *Match) Warning() error {
	if m.Fix.Quarantined {
		return ErrQuarantinedFix
	}
	return nil
}

// KeywordMatch is a keyword search result.
type KeywordMatch struct {
	Fix      FixRecord `json:"fix"`
	Score    float64   `json:"score"`
	Matched  []string  `json:"matched"`
	Warnings []string  `json:"warnings,omitempty"`
}

// NormalizeKeywords trims, lower-cases, deduplicates and sorts keywords.
func NormalizeKeywords(keywords []string) []string {
	seen := make(map[string]struct{}, len(keywords))
	out := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func unionKeywords(a, b []string) []string {
	return NormalizeKeywords(append(append([]string(nil), a...), b...))
}

func warningsFor(r *FixRecord) []string {
	if r.Quarantined {
		return []string{ErrQuarantinedFix.Error()}
	}
	return nil
}
