// Package consensus turns per-user usage reports into trust classifications
// and best-fix recommendations.
//
// Results are cached per fix hash together with the vote sequence observed
// when they were computed. A cached result is served only while that sequence
// is unchanged and the entry is younger than the cache TTL, so a committed
// vote always forces a recomputation.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixnet/internal/clock"
	"github.com/fyrsmithlabs/fixnet/internal/fixstore"
	"github.com/fyrsmithlabs/fixnet/internal/remote"
	"github.com/fyrsmithlabs/fixnet/internal/reputation"
)

const instrumentationName = "github.com/fyrsmithlabs/fixnet/internal/consensus"

// ContextInspiredBy is the remote context key naming a record's parent fix.
const ContextInspiredBy = "inspired_by"

// Config tunes the calculator.
type Config struct {
	// VariantWeight scales evidence from variants of a fix (default: 0.5)
	VariantWeight float64

	// ContextField is the context key used for the breakdown (default: version)
	ContextField string

	// CacheTTL bounds the age of a cached result (default: 5m)
	CacheTTL time.Duration

	// MinRelevance is the search cutoff used when gathering best-fix candidates (default: 0.3)
	MinRelevance float64
}

// DefaultConfig returns the standard settings.
func DefaultConfig() *Config {
	return &Config{
		VariantWeight: 0.5,
		ContextField:  "version",
		CacheTTL:      5 * time.Minute,
		MinRelevance:  0.3,
	}
}

type cacheEntry struct {
	result     Result
	voteSeq    uint64
	computedAt time.Time
}

// Calculator computes consensus.
type Calculator struct {
	cfg    *Config
	fixes  Fixes
	source remote.Source
	votes  Votes
	reps   Reputations
	safety Safety
	clock  clock.Source
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry

	tracer       trace.Tracer
	cacheCounter metric.Int64Counter
}

// Option configures a Calculator.
type Option func(*Calculator)

// WithSafety makes BestFix skip fixes the guard considers unsafe.
func WithSafety(s Safety) Option {
	return func(c *Calculator) { c.safety = s }
}

// WithClock sets the clock used for cache ages and recency.
func WithClock(src clock.Source) Option {
	return func(c *Calculator) {
		if src != nil {
			c.clock = src
		}
	}
}

// New returns a calculator.
func New(cfg *Config, fixes Fixes, source remote.Source, votes Votes, reps Reputations, logger *zap.Logger, opts ...Option) (*Calculator, error) {
	if fixes == nil {
		return nil, errors.New("fix store is required")
	}
	if source == nil {
		return nil, errors.New("remote source is required")
	}
	if votes == nil {
		return nil, errors.New("vote ledger is required")
	}
	if reps == nil {
		return nil, errors.New("reputation ledger is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Calculator{
		cfg:    cfg,
		fixes:  fixes,
		source: source,
		votes:  votes,
		reps:   reps,
		clock:  clock.System{},
		logger: logger,
		cache:  make(map[string]cacheEntry),
		tracer: otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(c)
	}

	var err error
	c.cacheCounter, err = otel.Meter(instrumentationName).Int64Counter(
		"fixnet.consensus.cache_lookups_total",
		metric.WithDescription("Consensus cache lookups by outcome"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		logger.Warn("failed to create cache counter", zap.Error(err))
	}
	return c, nil
}

// Calculate returns the consensus for hash.
func (c *Calculator) Calculate(ctx context.Context, hash string) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "consensus.calculate")
	defer span.End()
	span.SetAttributes(attribute.String("fix_hash", hash))

	now := clock.Current(c.clock)
	seq, seqErr := c.votes.VoteSeq(ctx, hash)
	if seqErr != nil {
		c.logger.Warn("vote sequence unavailable, bypassing cache", zap.String("fix_hash", hash), zap.Error(seqErr))
	} else if cached, ok := c.cached(hash, seq, now); ok {
		c.countLookup(ctx, "hit")
		return &cached, nil
	}
	c.countLookup(ctx, "miss")

	records, err := c.source.Records(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("loading remote records: %w", err)
	}

	result, err := c.compute(ctx, hash, records, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if seqErr == nil {
		entry := cacheEntry{result: *result, voteSeq: seq, computedAt: now}
		entry.result.ContextBreakdown = copyBreakdown(result.ContextBreakdown)
		c.mu.Lock()
		c.cache[hash] = entry
		c.mu.Unlock()
	}
	span.SetAttributes(attribute.String("trust_level", string(result.TrustLevel)))
	return result, nil
}

// Invalidate drops every cached result.
func (c *Calculator) Invalidate() {
	c.mu.Lock()
	c.cache = make(map[string]cacheEntry)
	c.mu.Unlock()
}

func (c *Calculator) cached(hash string, seq uint64, now time.Time) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[hash]
	if !ok || entry.voteSeq != seq {
		return Result{}, false
	}
	if c.cfg.CacheTTL > 0 && now.Sub(entry.computedAt) >= c.cfg.CacheTTL {
		delete(c.cache, hash)
		return Result{}, false
	}
	out := entry.result
	out.ContextBreakdown = copyBreakdown(entry.result.ContextBreakdown)
	return out, true
}

func (c *Calculator) countLookup(ctx context.Context, outcome string) {
	if c.cacheCounter != nil {
		c.cacheCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (c *Calculator) compute(ctx context.Context, hash string, records []remote.Record, now time.Time) (*Result, error) {
	weights := map[string]float64{hash: 1}
	variants, err := c.fixes.Variants(ctx, hash)
	if err != nil {
		return nil, err
	}
	for _, v := range variants {
		weights[v.FixHash] = c.cfg.VariantWeight
	}

	result := &Result{FixHash: hash, ComputedAt: now}
	users := make(map[string]struct{})
	breakdown := make(map[string]ContextStats)

	for _, r := range records {
		if c.source.IsOwn(r.UserID) {
			continue
		}
		w, ok := weights[r.FixHash]
		if !ok && r.Context[ContextInspiredBy] == hash && r.FixHash != hash {
			w, ok = c.cfg.VariantWeight, true
		}
		if !ok || w <= 0 {
			continue
		}
		a := float64(r.Attempts) * w
		s := float64(r.Successes) * w
		result.TotalAttempts += a
		result.TotalSuccesses += s
		if r.UserID != "" {
			users[r.UserID] = struct{}{}
		}
		if key := r.Context[c.cfg.ContextField]; key != "" {
			b := breakdown[key]
			b.Attempts += a
			b.Successes += s
			breakdown[key] = b
		}
	}

	for key, b := range breakdown {
		if b.Attempts > 0 {
			b.SuccessRate = b.Successes / b.Attempts
		}
		breakdown[key] = b
	}
	if len(breakdown) > 0 {
		result.ContextBreakdown = breakdown
	}
	result.UniqueUsers = len(users)
	if result.TotalAttempts > 0 {
		result.SuccessRate = result.TotalSuccesses / result.TotalAttempts
	}
	result.TrustLevel = Classify(result.TotalAttempts, result.TotalSuccesses)
	result.Recommendation = Recommendation(result.TrustLevel)

	fix, err := c.fixes.Get(ctx, hash)
	switch {
	case err == nil:
		if fix.Quarantined {
			result.Quarantined = true
			result.Recommendation = quarantinedRecommendation
		}
	case !errors.Is(err, fixstore.ErrNotFound):
		return nil, err
	}
	return result, nil
}

// BestFix ranks candidate fixes for an error and returns the best one, or nil
// when there is no safe candidate. Scores are
//
//	success_rate*0.5 + min(0.2, users/50) + context_bonus + recency_bonus
//
// and equal scores keep first-seen order.
func (c *Calculator) BestFix(ctx context.Context, q *BestFixQuery) (*Candidate, error) {
	ctx, span := c.tracer.Start(ctx, "consensus.best_fix")
	defer span.End()

	if q == nil {
		return nil, fmt.Errorf("%w: query is required", fixstore.ErrValidation)
	}
	records, err := c.source.Records(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("loading remote records: %w", err)
	}

	minRel := c.cfg.MinRelevance
	search := &fixstore.Query{Error: q.Error, ErrorType: q.ErrorType, MinRelevance: &minRel}
	remoteMatches, err := c.fixes.SearchRemote(ctx, search, records)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	localMatches, err := c.fixes.Search(ctx, search)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	now := clock.Current(c.clock)
	seen := make(map[string]bool)
	var candidates []Candidate
	for _, m := range append(remoteMatches, localMatches...) {
		if seen[m.Fix.FixHash] {
			continue
		}
		seen[m.Fix.FixHash] = true
		if m.Fix.Quarantined {
			continue
		}

		note := ""
		if c.safety != nil {
			ok, reason, err := c.safety.IsSafe(ctx, m.Fix.FixHash, m.Fix.Solution)
			if err != nil {
				c.logger.Warn("safety check failed, skipping candidate", zap.String("fix_hash", m.Fix.FixHash), zap.Error(err))
				continue
			}
			if !ok {
				c.logger.Debug("unsafe candidate skipped", zap.String("fix_hash", m.Fix.FixHash), zap.String("reason", reason))
				continue
			}
			note = reason
		}

		cons, err := c.Calculate(ctx, m.Fix.FixHash)
		if err != nil {
			return nil, err
		}
		if cons.Quarantined {
			continue
		}
		candidates = append(candidates, Candidate{
			Fix:        m.Fix,
			Score:      c.score(cons, &m.Fix, q.Context, now),
			Source:     m.Source,
			Consensus:  cons,
			SafetyNote: note,
		})
	}

	span.SetAttributes(attribute.Int("candidate_count", len(candidates)))
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	best := candidates[0]
	return &best, nil
}

func (c *Calculator) score(cons *Result, fix *fixstore.FixRecord, ctxValues map[string]string, now time.Time) float64 {
	s := cons.SuccessRate*0.5 + math.Min(0.2, float64(cons.UniqueUsers)/50)
	if key := ctxValues[c.cfg.ContextField]; key != "" {
		if b, ok := cons.ContextBreakdown[key]; ok {
			s += b.SuccessRate * 0.15
		}
	}
	s += fixstore.Recency(fix.CreatedAt, now) * 0.15
	return s
}

// ReputationWeighted returns Σ(successes·rep) / Σ(attempts·rep) over the
// remote records for hash, or 0 when there are no attempts. Unknown users
// carry the neutral reputation.
func (c *Calculator) ReputationWeighted(ctx context.Context, hash string) (float64, error) {
	records, err := c.source.Records(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading remote records: %w", err)
	}
	reps, err := c.reps.Snapshot(ctx)
	if err != nil {
		return 0, err
	}

	var num, den float64
	for _, r := range records {
		if r.FixHash != hash || c.source.IsOwn(r.UserID) {
			continue
		}
		rep := reputation.NeutralScore
		if u, ok := reps[r.UserID]; ok {
			rep = u.ReputationScore
		}
		num += float64(r.Successes) * rep
		den += float64(r.Attempts) * rep
	}
	if den == 0 {
		return 0, nil
	}
	return num / den, nil
}

func copyBreakdown(in map[string]ContextStats) map[string]ContextStats {
	if in == nil {
		return nil
	}
	out := make(map[string]ContextStats, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
