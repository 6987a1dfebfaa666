package fixstore

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/fyrsmithlabs/fixnet/internal/clock"
	"github.com/fyrsmithlabs/fixnet/internal/remote"
	"github.com/fyrsmithlabs/fixnet/internal/similarity"
)

// Remote record context keys understood by SearchRemote.
const (
	ContextErrorSignature = "error_signature"
	ContextErrorType      = "error_type"
	ContextSolution       = "solution"
)

// remoteTypeSimilarity is assumed when only the error type of a remote record
// matches the query.
const remoteTypeSimilarity = 0.5

// Search ranks local fixes for an error. Quarantined fixes are included and
// carry a warning.
func (s *Store) Search(ctx context.Context, q *Query) ([]Match, error) {
	ctx, span := s.tracer.Start(ctx, "fixstore.search")
	defer span.End()

	if q == nil || strings.TrimSpace(q.Error) == "" {
		return nil, fmt.Errorf("%w: error text is required", ErrValidation)
	}
	minRel := s.minRelevance(q)

	doc, err := s.doc.Load(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	key := similarity.Normalize(q.Error)
	keyTokens := similarity.Tokens(key)
	now := clock.Current(s.clock)

	var matches []Match
	for _, g := range doc.Groups {
		sim := similarity.TokenRatio(keyTokens, similarity.Tokens(g.NormalizedKey))
		if sim < s.cfg.GroupThreshold {
			continue
		}
		for _, f := range g.Fixes {
			if !typeMatches(q.ErrorType, f.ErrorType) {
				continue
			}
			rel := Relevance(sim, f, now)
			if rel < minRel {
				continue
			}
			matches = append(matches, Match{
				Fix:        f.clone(),
				Relevance:  rel,
				Similarity: sim,
				Source:     SourceLocal,
				Warnings:   warningsFor(f),
			})
		}
	}

	sortMatches(matches)
	matches = limit(matches, q.Limit)
	span.SetAttributes(attribute.Int("result_count", len(matches)))
	return matches, nil
}

// SearchRemote scores remote usage records against an error. Their text is
// not locally visible, so similarity is taken from the local copy of the fix
// when there is one, from the record's error_signature context otherwise, and
// falls back to a fixed heuristic when only the error type matches. Scores are
// multiplied by the remote discount.
func (s *Store) SearchRemote(ctx context.Context, q *Query, records []remote.Record) ([]Match, error) {
	ctx, span := s.tracer.Start(ctx, "fixstore.search_remote")
	defer span.End()

	if q == nil || strings.TrimSpace(q.Error) == "" {
		return nil, fmt.Errorf("%w: error text is required", ErrValidation)
	}
	minRel := s.minRelevance(q)

	doc, err := s.doc.Load(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	keyTokens := similarity.Tokens(similarity.Normalize(q.Error))
	aggregates := aggregate(records)

	var matches []Match
	for _, agg := range aggregates {
		fix := FixRecord{FixHash: agg.hash}
		sim := 0.0
		if local := doc.find(agg.hash); local != nil {
			fix = local.clone()
			sim = similarity.TokenRatio(keyTokens, similarity.Tokens(local.NormalizedKey))
		} else {
			fix.ErrorType = agg.context[ContextErrorType]
			fix.ErrorSignature = agg.context[ContextErrorSignature]
			fix.Solution = agg.context[ContextSolution]
			fix.NormalizedKey = similarity.Normalize(fix.ErrorSignature)
			switch {
			case fix.ErrorSignature != "":
				sim = similarity.TokenRatio(keyTokens, similarity.Tokens(fix.NormalizedKey))
			case q.ErrorType != "" && strings.EqualFold(q.ErrorType, fix.ErrorType):
				sim = remoteTypeSimilarity
			}
		}
		if sim <= 0 || !typeMatches(q.ErrorType, fix.ErrorType) {
			continue
		}

		rate := 0.0
		if agg.attempts > 0 {
			rate = float64(agg.successes) / float64(agg.attempts)
		}
		rel := score(sim, rate, NeutralRecency, agg.attempts) * s.cfg.RemoteDiscount
		if rel < minRel {
			continue
		}
		matches = append(matches, Match{
			Fix:        fix,
			Relevance:  rel,
			Similarity: sim,
			Source:     SourceRemote,
			Remote: &RemoteStats{
				Attempts:    agg.attempts,
				Successes:   agg.successes,
				UniqueUsers: len(agg.users),
			},
			Warnings: warningsFor(&fix),
		})
	}

	sortMatches(matches)
	matches = limit(matches, q.Limit)
	span.SetAttributes(attribute.Int("result_count", len(matches)))
	return matches, nil
}

// SearchByKeywords scores fixes by the share of query keywords they carry.
func (s *Store) SearchByKeywords(ctx context.Context, keywords ...string) ([]KeywordMatch, error) {
	want := NormalizeKeywords(keywords)
	if len(want) == 0 {
		return nil, fmt.Errorf("%w: at least one keyword is required", ErrValidation)
	}
	doc, err := s.doc.Load(ctx)
	if err != nil {
		return nil, err
	}

	var matches []KeywordMatch
	for _, g := range doc.Groups {
		for _, f := range g.Fixes {
			matched := intersect(f.Keywords, want)
			if len(matched) == 0 {
				continue
			}
			matches = append(matches, KeywordMatch{
				Fix:      f.clone(),
				Score:    float64(len(matched)) / float64(len(want)),
				Matched:  matched,
				Warnings: warningsFor(f),
			})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	return matches, nil
}

// SearchByProgram returns fixes recorded for program, best success rate first.
func (s *Store) SearchByProgram(ctx context.Context, program string) ([]FixRecord, error) {
	program = strings.TrimSpace(program)
	if program == "" {
		return nil, fmt.Errorf("%w: program is required", ErrValidation)
	}
	doc, err := s.doc.Load(ctx)
	if err != nil {
		return nil, err
	}

	var out []FixRecord
	for _, g := range doc.Groups {
		for _, f := range g.Fixes {
			if strings.EqualFold(f.Program, program) {
				out = append(out, f.clone())
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := out[i].SuccessRate(), out[j].SuccessRate()
		if ri != rj {
			return ri > rj
		}
		return out[i].UsageCount > out[j].UsageCount
	})
	return out, nil
}

func (s *Store) minRelevance(q *Query) float64 {
	if q.MinRelevance != nil {
		return *q.MinRelevance
	}
	return s.cfg.MinRelevance
}

type remoteAggregate struct {
	hash      string
	attempts  int
	successes int
	users     map[string]struct{}
	context   map[string]string
}

// aggregate sums records per fix hash in first-seen order.
func aggregate(records []remote.Record) []*remoteAggregate {
	index := make(map[string]*remoteAggregate)
	var out []*remoteAggregate
	for _, r := range records {
		agg, ok := index[r.FixHash]
		if !ok {
			agg = &remoteAggregate{
				hash:    r.FixHash,
				users:   make(map[string]struct{}),
				context: make(map[string]string),
			}
			index[r.FixHash] = agg
			out = append(out, agg)
		}
		agg.attempts += r.Attempts
		agg.successes += r.Successes
		if r.UserID != "" {
			agg.users[r.UserID] = struct{}{}
		}
		for k, v := range r.Context {
			if _, set := agg.context[k]; !set {
				agg.context[k] = v
			}
		}
	}
	return out
}

func typeMatches(want, have string) bool {
	return want == "" || have == "" || strings.EqualFold(want, have)
}

func intersect(have, want []string) []string {
	set := make(map[string]struct{}, len(have))
	for _, k := range have {
		set[k] = struct{}{}
	}
	var out []string
	for _, k := range want {
		if _, ok := set[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

func sortMatches(m []Match) {
	sort.SliceStable(m, func(i, j int) bool {
		return m[i].Relevance > m[j].Relevance
	})
}

func limit(m []Match, n int) []Match {
	if n > 0 && len(m) > n {
		return m[:n]
	}
	return m
}
