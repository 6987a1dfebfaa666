// Package fixstore owns fix records grouped by normalized error signature.
//
// All records live in the "fixes" table document. Every mutation is a single
// locked read-modify-write of that document, so readers never observe a
// partially written record.
package fixstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixnet/internal/clock"
	"github.com/fyrsmithlabs/fixnet/internal/kv"
	"github.com/fyrsmithlabs/fixnet/internal/similarity"
)

const instrumentationName = "github.com/fyrsmithlabs/fixnet/internal/fixstore"

// Table is the kv table holding fix records.
const Table = "fixes"

// Config tunes deduplication and search.
type Config struct {
	// KeyThreshold is the minimum normalized key ratio for a dedup hit (default: 0.85)
	KeyThreshold float64

	// SolutionThreshold is the minimum solution ratio for a dedup hit (default: 0.85)
	SolutionThreshold float64

	// GroupThreshold is the minimum key ratio for a group to be searched (default: 0.5)
	GroupThreshold float64

	// MinRelevance is the default search cutoff (default: 0.5)
	MinRelevance float64

	// RemoteDiscount scales remote match scores (default: 0.8)
	RemoteDiscount float64
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() *Config {
	return &Config{
		KeyThreshold:      0.85,
		SolutionThreshold: 0.85,
		GroupThreshold:    0.5,
		MinRelevance:      0.5,
		RemoteDiscount:    0.8,
	}
}

// Store is the fix store.
type Store struct {
	cfg    *Config
	doc    *kv.Doc[document]
	clock  clock.Source
	logger *zap.Logger

	tracer       trace.Tracer
	meter        metric.Meter
	addCounter   metric.Int64Counter
	usageCounter metric.Int64Counter
}

// New creates a fix store over kvs.
func New(cfg *Config, kvs kv.Store, clk clock.Source, logger *zap.Logger) (*Store, error) {
	if kvs == nil {
		return nil, fmt.Errorf("kv store is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		cfg:    cfg,
		doc:    kv.NewDoc[document](kvs, Table),
		clock:  clk,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

func (s *Store) initMetrics() {
	var err error

	s.addCounter, err = s.meter.Int64Counter(
		"fixnet.fixstore.adds_total",
		metric.WithDescription("Total number of fixes added or merged"),
		metric.WithUnit("{fix}"),
	)
	if err != nil {
		s.logger.Warn("failed to create add counter", zap.Error(err))
	}

	s.usageCounter, err = s.meter.Int64Counter(
		"fixnet.fixstore.usages_total",
		metric.WithDescription("Total number of recorded fix usages"),
		metric.WithUnit("{usage}"),
	)
	if err != nil {
		s.logger.Warn("failed to create usage counter", zap.Error(err))
	}
}

// Normalize returns the grouping key for an error signature.
func Normalize(signature string) string {
	return similarity.Normalize(signature)
}

// FixHash derives the content hash of a fix. A non-zero salt yields the
// deterministic alternative used on collision.
func FixHash(signature, solution, author string, salt int) string {
	input := signature + solution + author
	if salt > 0 {
		input += "#" + strconv.Itoa(salt)
	}
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])[:16]
}

// FindSimilar returns the hash of the first existing fix, in insertion order,
// whose group key and solution both clear the dedup thresholds.
func (s *Store) FindSimilar(ctx context.Context, signature, solution string) (string, bool, error) {
	doc, err := s.doc.Load(ctx)
	if err != nil {
		return "", false, err
	}
	fix, _ := s.findSimilar(&doc, similarity.Normalize(signature), solution)
	if fix == nil {
		return "", false, nil
	}
	return fix.FixHash, true, nil
}

func (s *Store) findSimilar(doc *document, key, solution string) (*FixRecord, float64) {
	keyTokens := similarity.Tokens(key)
	solTokens := similarity.Tokens(solution)
	for _, g := range doc.Groups {
		keySim := similarity.TokenRatio(keyTokens, similarity.Tokens(g.NormalizedKey))
		if keySim < s.cfg.KeyThreshold {
			continue
		}
		for _, f := range g.Fixes {
			if similarity.TokenRatio(solTokens, similarity.Tokens(f.Solution)) >= s.cfg.SolutionThreshold {
				return f, keySim
			}
		}
	}
	return nil, 0
}

// AddFix stores a fix, merging it into an existing near-duplicate when one exists.
func (s *Store) AddFix(ctx context.Context, req *AddRequest) (*AddResult, error) {
	ctx, span := s.tracer.Start(ctx, "fixstore.add_fix")
	defer span.End()

	if req == nil || strings.TrimSpace(req.ErrorSignature) == "" {
		return nil, fmt.Errorf("%w: error signature is required", ErrValidation)
	}
	if strings.TrimSpace(req.Solution) == "" {
		return nil, fmt.Errorf("%w: solution is required", ErrValidation)
	}
	keywords := NormalizeKeywords(req.Keywords)
	if len(keywords) == 0 {
		return nil, ErrNoKeywords
	}
	key := similarity.Normalize(req.ErrorSignature)
	if key == "" {
		return nil, fmt.Errorf("%w: error signature has no content", ErrValidation)
	}

	span.SetAttributes(
		attribute.String("normalized_key", key),
		attribute.String("author_id", req.AuthorID),
	)

	var result AddResult
	err := s.doc.Update(ctx, func(doc *document) error {
		if existing, sim := s.findSimilar(doc, key, req.Solution); existing != nil {
			existing.Keywords = unionKeywords(existing.Keywords, keywords)
			existing.Version++
			result = AddResult{
				NormalizedKey: existing.NormalizedKey,
				FixHash:       existing.FixHash,
				Merged:        true,
				Version:       existing.Version,
				Similarity:    sim,
			}
			return nil
		}

		hash := FixHash(req.ErrorSignature, req.Solution, req.AuthorID, 0)
		for salt := 1; doc.find(hash) != nil; salt++ {
			hash = FixHash(req.ErrorSignature, req.Solution, req.AuthorID, salt)
		}

		record := &FixRecord{
			FixHash:         hash,
			AuthorID:        req.AuthorID,
			ErrorType:       req.ErrorType,
			ErrorSignature:  req.ErrorSignature,
			NormalizedKey:   key,
			Solution:        req.Solution,
			Keywords:        keywords,
			Context:         copyContext(req.Context),
			Program:         strings.TrimSpace(req.Program),
			UsageCount:      1,
			SuccessCount:    1,
			RelevanceScore:  1.0,
			MatchSimilarity: 1.0,
			Version:         1,
			InspiredBy:      req.InspiredBy,
			VariationReason: req.VariationReason,
			CreatedAt:       clock.Stamp(s.clock),
		}

		g := doc.group(key)
		if g == nil {
			g = &group{NormalizedKey: key}
			doc.Groups = append(doc.Groups, g)
		}
		g.Fixes = append(g.Fixes, record)

		result = AddResult{
			NormalizedKey: key,
			FixHash:       hash,
			Version:       1,
			Similarity:    1.0,
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("adding fix: %w", err)
	}

	if s.addCounter != nil {
		s.addCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("merged", result.Merged)))
	}
	span.SetAttributes(attribute.String("fix_hash", result.FixHash), attribute.Bool("merged", result.Merged))

	s.logger.Info("fix stored",
		zap.String("fix_hash", result.FixHash),
		zap.String("normalized_key", result.NormalizedKey),
		zap.Bool("merged", result.Merged),
		zap.Int("version", result.Version),
	)
	return &result, nil
}

// RecordUsage counts one use of a fix and recomputes its relevance score.
func (s *Store) RecordUsage(ctx context.Context, hash string, succeeded bool) (*FixRecord, error) {
	ctx, span := s.tracer.Start(ctx, "fixstore.record_usage")
	defer span.End()
	span.SetAttributes(attribute.String("fix_hash", hash), attribute.Bool("succeeded", succeeded))

	var updated FixRecord
	err := s.doc.Update(ctx, func(doc *document) error {
		f := doc.find(hash)
		if f == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		f.UsageCount++
		if succeeded {
			f.SuccessCount++
		}
		if f.SuccessCount > f.UsageCount {
			f.SuccessCount = f.UsageCount
		}
		sim := f.MatchSimilarity
		if sim <= 0 {
			sim = 1.0
		}
		f.RelevanceScore = Relevance(sim, f, clock.Current(s.clock))
		updated = f.clone()
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if s.usageCounter != nil {
		s.usageCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("succeeded", succeeded)))
	}
	s.logger.Debug("fix usage recorded",
		zap.String("fix_hash", hash),
		zap.Bool("succeeded", succeeded),
		zap.Float64("relevance", updated.RelevanceScore),
	)
	return &updated, nil
}

// Get returns one fix by hash.
func (s *Store) Get(ctx context.Context, hash string) (*FixRecord, error) {
	doc, err := s.doc.Load(ctx)
	if err != nil {
		return nil, err
	}
	f := doc.find(hash)
	if f == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	out := f.clone()
	return &out, nil
}

// All returns every fix in insertion order.
func (s *Store) All(ctx context.Context) ([]FixRecord, error) {
	doc, err := s.doc.Load(ctx)
	if err != nil {
		return nil, err
	}
	var out []FixRecord
	for _, g := range doc.Groups {
		for _, f := range g.Fixes {
			out = append(out, f.clone())
		}
	}
	return out, nil
}

// NormalizedKeys returns every group key in insertion order.
func (s *Store) NormalizedKeys(ctx context.Context) ([]string, error) {
	doc, err := s.doc.Load(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(doc.Groups))
	for _, g := range doc.Groups {
		keys = append(keys, g.NormalizedKey)
	}
	return keys, nil
}

// FixesForKeys returns the fixes filed under any of keys.
func (s *Store) FixesForKeys(ctx context.Context, keys ...string) ([]FixRecord, error) {
	doc, err := s.doc.Load(ctx)
	if err != nil {
		return nil, err
	}
	want := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		want[k] = struct{}{}
	}
	var out []FixRecord
	for _, g := range doc.Groups {
		if _, ok := want[g.NormalizedKey]; !ok {
			continue
		}
		for _, f := range g.Fixes {
			out = append(out, f.clone())
		}
	}
	return out, nil
}

// Variants returns local fixes declaring inspired_by == hash.
func (s *Store) Variants(ctx context.Context, hash string) ([]FixRecord, error) {
	doc, err := s.doc.Load(ctx)
	if err != nil {
		return nil, err
	}
	var out []FixRecord
	for _, g := range doc.Groups {
		for _, f := range g.Fixes {
			if f.InspiredBy == hash && f.FixHash != hash {
				out = append(out, f.clone())
			}
		}
	}
	return out, nil
}

// Quarantine flags a fix as quarantined. It reports whether the flag changed.
func (s *Store) Quarantine(ctx context.Context, hash string) (bool, error) {
	changed := false
	err := s.doc.Update(ctx, func(doc *document) error {
		f := doc.find(hash)
		if f == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		changed = !f.Quarantined
		f.Quarantined = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		s.logger.Warn("fix quarantined", zap.String("fix_hash", hash))
	}
	return changed, nil
}

// CleanupNoKeywords removes records without keywords, and then empty groups.
// It is a migration aid and is never called during normal operation.
func (s *Store) CleanupNoKeywords(ctx context.Context) (int, error) {
	removed := 0
	err := s.doc.Update(ctx, func(doc *document) error {
		groups := doc.Groups[:0]
		for _, g := range doc.Groups {
			fixes := g.Fixes[:0]
			for _, f := range g.Fixes {
				if len(NormalizeKeywords(f.Keywords)) == 0 {
					removed++
					continue
				}
				fixes = append(fixes, f)
			}
			g.Fixes = fixes
			if len(g.Fixes) > 0 {
				groups = append(groups, g)
			}
		}
		doc.Groups = groups
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Info("removed fixes without keywords", zap.Int("removed", removed))
	}
	return removed, nil
}

func copyContext(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
