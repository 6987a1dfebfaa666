// Package fraud detects spam and dangerous fixes and counts community reports.
//
// Verdicts are advisory. Check and IsSafe describe the risk and leave it to
// the caller to reject or proceed; only ReportSpam changes state, and it
// quarantines a fix once enough independent reports arrive.
package fraud

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixnet/internal/fixstore"
	"github.com/fyrsmithlabs/fixnet/internal/kv"
	"github.com/fyrsmithlabs/fixnet/internal/logging"
	"github.com/fyrsmithlabs/fixnet/internal/reputation"
	"github.com/fyrsmithlabs/fixnet/internal/similarity"
)

const instrumentationName = "github.com/fyrsmithlabs/fixnet/internal/fraud"

// Table holds report counts and the spam corpus.
const Table = "spam"

// RiskLevel grades a verdict.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Fixes is the part of the fix store the guard depends on.
type Fixes interface {
	Get(ctx context.Context, hash string) (*fixstore.FixRecord, error)
	Quarantine(ctx context.Context, hash string) (bool, error)
}

// Authors receives spam penalties for the author of a quarantined fix.
type Authors interface {
	RecordSpamReport(ctx context.Context, authorID string) (reputation.UserReputation, error)
}

// Config tunes the guard.
type Config struct {
	// ReportThreshold is the report count that quarantines a fix (default: 3)
	ReportThreshold int

	// CorpusSimilarity is the ratio above which a solution matches known spam (default: 0.8)
	CorpusSimilarity float64

	// SuspiciousThreshold is the marker count that raises risk to medium (default: 2)
	SuspiciousThreshold int

	// ScanSecrets enables the credential scan (default: true)
	ScanSecrets bool
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() *Config {
	return &Config{
		ReportThreshold:     3,
		CorpusSimilarity:    0.8,
		SuspiciousThreshold: 2,
		ScanSecrets:         true,
	}
}

// Verdict is the result of a check.
type Verdict struct {
	IsSpam           bool      `json:"is_spam"`
	RiskLevel        RiskLevel `json:"risk_level"`
	Warnings         []string  `json:"warnings,omitempty"`
	ShouldQuarantine bool      `json:"should_quarantine"`
	ReportCount      int       `json:"report_count"`
}

// ReportResult describes the state after a spam report.
type ReportResult struct {
	FixHash     string `json:"fix_hash"`
	ReportCount int    `json:"report_count"`
	Quarantined bool   `json:"quarantined"`
}

type reportState struct {
	Count   int      `json:"count"`
	Reasons []string `json:"reasons,omitempty"`
}

type spamDoc struct {
	Reports map[string]*reportState `json:"reports"`
	Corpus  []string                `json:"corpus"`
}

func (d *spamDoc) count(hash string) int {
	if r, ok := d.Reports[hash]; ok {
		return r.Count
	}
	return 0
}

// Guard is the fraud guard.
type Guard struct {
	cfg      *Config
	doc      *kv.Doc[spamDoc]
	fixes    Fixes
	authors  Authors
	patterns *Patterns
	scanner  SecretScanner
	logger   *zap.Logger

	tracer        trace.Tracer
	checkCounter  metric.Int64Counter
	reportCounter metric.Int64Counter
}

// Option configures a Guard.
type Option func(*Guard)

// WithPatterns replaces the built-in patterns.
func WithPatterns(p *Patterns) Option {
	return func(g *Guard) {
		if p != nil {
			g.patterns = p
		}
	}
}

// WithSecretScanner replaces the gitleaks scanner.
func WithSecretScanner(s SecretScanner) Option {
	return func(g *Guard) { g.scanner = s }
}

// WithAuthors enables author penalties when a fix is quarantined.
func WithAuthors(a Authors) Option {
	return func(g *Guard) { g.authors = a }
}

// New returns a guard over kvs.
func New(cfg *Config, kvs kv.Store, fixes Fixes, logger *zap.Logger, opts ...Option) (*Guard, error) {
	if kvs == nil {
		return nil, errors.New("kv store is required")
	}
	if fixes == nil {
		return nil, errors.New("fix store is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Guard{
		cfg:      cfg,
		doc:      kv.NewDoc[spamDoc](kvs, Table),
		fixes:    fixes,
		patterns: DefaultPatterns(),
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
	}
	if cfg.ScanSecrets {
		g.scanner = NewGitleaksScanner()
	}
	for _, opt := range opts {
		opt(g)
	}

	meter := otel.Meter(instrumentationName)
	var err error
	g.checkCounter, err = meter.Int64Counter(
		"fixnet.fraud.checks_total",
		metric.WithDescription("Total number of fraud checks by risk level"),
		metric.WithUnit("{check}"),
	)
	if err != nil {
		logger.Warn("failed to create check counter", zap.Error(err))
	}
	g.reportCounter, err = meter.Int64Counter(
		"fixnet.fraud.reports_total",
		metric.WithDescription("Total number of spam reports"),
		metric.WithUnit("{report}"),
	)
	if err != nil {
		logger.Warn("failed to create report counter", zap.Error(err))
	}
	return g, nil
}

// Check grades solution. Heuristic failures degrade to fewer warnings and
// never fail the call; only a store read error is returned.
func (g *Guard) Check(ctx context.Context, hash, solution string) (*Verdict, error) {
	ctx, span := g.tracer.Start(ctx, "fraud.check")
	defer span.End()

	doc, err := g.doc.Load(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	v := &Verdict{RiskLevel: RiskLow, ReportCount: doc.count(hash)}

	if m, ok := g.patterns.Blocked(solution); ok {
		v.IsSpam = true
		v.RiskLevel = RiskHigh
		v.Warnings = append(v.Warnings, fmt.Sprintf("destructive command pattern: %q", m))
	}

	solTokens := similarity.Tokens(solution)
	for _, known := range doc.Corpus {
		if similarity.TokenRatio(solTokens, similarity.Tokens(known)) > g.cfg.CorpusSimilarity {
			v.IsSpam = true
			v.RiskLevel = RiskHigh
			v.Warnings = append(v.Warnings, "matches known spam")
			break
		}
	}

	if markers := g.patterns.Suspicious(solution); len(markers) >= g.cfg.SuspiciousThreshold {
		v.raise(RiskMedium)
		v.Warnings = append(v.Warnings, "suspicious patterns: "+strings.Join(markers, ", "))
	}

	if g.scanner != nil {
		rules, err := g.scanner.Scan(solution)
		if err != nil {
			g.logger.Warn("credential scan failed", zap.Error(err))
		} else if len(rules) > 0 {
			g.logger.Warn("possible credential in solution",
				zap.String("fix_hash", hash),
				zap.Strings("rules", rules),
				logging.RedactedString("solution", solution),
			)
			v.raise(RiskMedium)
			v.Warnings = append(v.Warnings, "possible embedded credential: "+strings.Join(rules, ", "))
		}
	}

	if v.ReportCount >= g.cfg.ReportThreshold {
		v.ShouldQuarantine = true
		v.Warnings = append(v.Warnings, fmt.Sprintf("reported as spam %d times", v.ReportCount))
	}

	if g.checkCounter != nil {
		g.checkCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("risk_level", string(v.RiskLevel))))
	}
	span.SetAttributes(
		attribute.Bool("is_spam", v.IsSpam),
		attribute.String("risk_level", string(v.RiskLevel)),
	)
	return v, nil
}

func (v *Verdict) raise(level RiskLevel) {
	if v.RiskLevel == RiskLow || (v.RiskLevel == RiskMedium && level == RiskHigh) {
		v.RiskLevel = level
	}
}

// ReportSpam counts a report against hash. Once the count reaches the
// threshold the fix is quarantined and its solution joins the spam corpus.
func (g *Guard) ReportSpam(ctx context.Context, hash, reason string) (*ReportResult, error) {
	ctx, span := g.tracer.Start(ctx, "fraud.report_spam")
	defer span.End()
	span.SetAttributes(attribute.String("fix_hash", hash))

	fix, err := g.fixes.Get(ctx, hash)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	result := ReportResult{FixHash: hash}
	crossed := false
	err = g.doc.Update(ctx, func(doc *spamDoc) error {
		if doc.Reports == nil {
			doc.Reports = make(map[string]*reportState)
		}
		state, ok := doc.Reports[hash]
		if !ok {
			state = &reportState{}
			doc.Reports[hash] = state
		}
		state.Count++
		if reason = strings.TrimSpace(reason); reason != "" {
			state.Reasons = append(state.Reasons, reason)
		}
		result.ReportCount = state.Count

		if state.Count >= g.cfg.ReportThreshold {
			crossed = state.Count == g.cfg.ReportThreshold
			if !contains(doc.Corpus, fix.Solution) {
				doc.Corpus = append(doc.Corpus, fix.Solution)
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("recording spam report: %w", err)
	}

	if g.reportCounter != nil {
		g.reportCounter.Add(ctx, 1)
	}

	if result.ReportCount >= g.cfg.ReportThreshold {
		if _, err := g.fixes.Quarantine(ctx, hash); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("quarantining fix: %w", err)
		}
		result.Quarantined = true

		if crossed && g.authors != nil && fix.AuthorID != "" {
			if _, err := g.authors.RecordSpamReport(ctx, fix.AuthorID); err != nil {
				g.logger.Warn("failed to penalize author", zap.String("fix_hash", hash), zap.Error(err))
			}
		}
	} else {
		result.Quarantined = fix.Quarantined
	}

	g.logger.Info("spam reported",
		zap.String("fix_hash", hash),
		zap.Int("report_count", result.ReportCount),
		zap.Bool("quarantined", result.Quarantined),
	)
	return &result, nil
}

// ReportCount returns the number of spam reports filed against hash.
func (g *Guard) ReportCount(ctx context.Context, hash string) (int, error) {
	doc, err := g.doc.Load(ctx)
	if err != nil {
		return 0, err
	}
	return doc.count(hash), nil
}

// IsSafe reports whether a fix may be used, with the reason when it may not
// or a caution note for medium risk. An empty solution falls back to the
// stored solution of hash.
func (g *Guard) IsSafe(ctx context.Context, hash, solution string) (bool, string, error) {
	if hash != "" {
		fix, err := g.fixes.Get(ctx, hash)
		switch {
		case err == nil:
			if fix.Quarantined {
				return false, "fix is quarantined", nil
			}
			if strings.TrimSpace(solution) == "" {
				solution = fix.Solution
			}
		case !errors.Is(err, fixstore.ErrNotFound):
			return false, "", err
		}
	}

	v, err := g.Check(ctx, hash, solution)
	if err != nil {
		return false, "", err
	}
	switch {
	case v.IsSpam:
		return false, strings.Join(v.Warnings, "; "), nil
	case v.ShouldQuarantine:
		return false, fmt.Sprintf("reported as spam %d times", v.ReportCount), nil
	case v.RiskLevel == RiskMedium:
		return true, "caution: " + strings.Join(v.Warnings, "; "), nil
	default:
		return true, "", nil
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
