// Package abtest runs two-variant trials between competing fixes for one error.
package abtest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

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

const instrumentationName = "github.com/fyrsmithlabs/fixnet/internal/abtest"

// Table holds all tests.
const Table = "abtests"

var (
	// ErrTestNotFound indicates an unknown test id, or no active test for a
	// signature and fix.
	ErrTestNotFound = errors.New("ab test not found")

	// ErrInvalidTest indicates malformed test parameters.
	ErrInvalidTest = errors.New("invalid ab test")
)

// Status of a test.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// Winner of a completed test.
type Winner string

const (
	WinnerA            Winner = "a"
	WinnerB            Winner = "b"
	WinnerTie          Winner = "tie"
	WinnerInsufficient Winner = "insufficient_data"
)

// Variant is one arm of a test.
type Variant struct {
	FixHash   string `json:"fix_hash"`
	Attempts  int    `json:"attempts"`
	Successes int    `json:"successes"`
}

// SuccessRate returns successes/attempts, 0 without attempts.
func (v Variant) SuccessRate() float64 {
	if v.Attempts == 0 {
		return 0
	}
	return float64(v.Successes) / float64(v.Attempts)
}

// Test is one A/B trial.
type Test struct {
	ID             string    `json:"test_id"`
	ErrorSignature string    `json:"error_signature"`
	VariantA       Variant   `json:"variant_a"`
	VariantB       Variant   `json:"variant_b"`
	StartedAt      time.Time `json:"started_at"`
	EndsAt         time.Time `json:"ends_at"`
	Status         Status    `json:"status"`
	Winner         Winner    `json:"winner,omitempty"`
}

type document struct {
	Tests []*Test `json:"tests"`
}

func (d *document) byID(id string) *Test {
	for _, t := range d.Tests {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (d *document) active(sig string) *Test {
	for _, t := range d.Tests {
		if t.Status == StatusActive && t.ErrorSignature == sig {
			return t
		}
	}
	return nil
}

// Config holds the decision thresholds.
type Config struct {
	// MinSamples is the attempts each variant needs before a winner is declared (default: 10)
	MinSamples int

	// RelativeMargin is how much better, relatively, the winner must be (default: 0.10)
	RelativeMargin float64
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() *Config {
	return &Config{MinSamples: 10, RelativeMargin: 0.10}
}

// Coordinator creates, assigns and finalizes tests.
type Coordinator struct {
	cfg    *Config
	doc    *kv.Doc[document]
	clock  clock.Source
	rand   func() float64
	logger *zap.Logger

	tracer        trace.Tracer
	testCounter   metric.Int64Counter
	resultCounter metric.Int64Counter
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRand sets the source of uniform [0,1) values used for assignment.
func WithRand(fn func() float64) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.rand = fn
		}
	}
}

// New returns a coordinator over kvs.
func New(cfg *Config, kvs kv.Store, clk clock.Source, logger *zap.Logger, opts ...Option) (*Coordinator, error) {
	if kvs == nil {
		return nil, errors.New("kv store is required")
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
	c := &Coordinator{
		cfg:    cfg,
		doc:    kv.NewDoc[document](kvs, Table),
		clock:  clk,
		rand:   rand.Float64,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(c)
	}

	meter := otel.Meter(instrumentationName)
	var err error
	c.testCounter, err = meter.Int64Counter(
		"fixnet.abtest.tests_total",
		metric.WithDescription("Total number of ab tests created and finalized"),
		metric.WithUnit("{test}"),
	)
	if err != nil {
		logger.Warn("failed to create test counter", zap.Error(err))
	}
	c.resultCounter, err = meter.Int64Counter(
		"fixnet.abtest.results_total",
		metric.WithDescription("Total number of variant outcomes recorded"),
		metric.WithUnit("{result}"),
	)
	if err != nil {
		logger.Warn("failed to create result counter", zap.Error(err))
	}
	return c, nil
}

// TestID derives the id of a test from its inputs.
func TestID(signature, fixA, fixB string, durationDays int) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{signature, fixA, fixB, strconv.Itoa(durationDays)}, "|")))
	return hex.EncodeToString(sum[:])[:16]
}

// CreateTest starts a test between fixA and fixB. Creating the same test
// twice returns the existing id.
func (c *Coordinator) CreateTest(ctx context.Context, signature, fixA, fixB string, durationDays int) (string, error) {
	ctx, span := c.tracer.Start(ctx, "abtest.create_test")
	defer span.End()

	key := similarity.Normalize(signature)
	var invalid error
	switch {
	case key == "":
		invalid = fmt.Errorf("%w: error signature is required", ErrInvalidTest)
	case fixA == "" || fixB == "":
		invalid = fmt.Errorf("%w: both variants are required", ErrInvalidTest)
	case fixA == fixB:
		invalid = fmt.Errorf("%w: variants must differ", ErrInvalidTest)
	case durationDays <= 0:
		invalid = fmt.Errorf("%w: duration must be positive", ErrInvalidTest)
	}
	if invalid != nil {
		return "", fail(span, invalid)
	}

	id := TestID(key, fixA, fixB, durationDays)
	now := clock.Current(c.clock)
	created := false
	err := c.doc.Update(ctx, func(doc *document) error {
		if doc.byID(id) != nil {
			return nil
		}
		doc.Tests = append(doc.Tests, &Test{
			ID:             id,
			ErrorSignature: key,
			VariantA:       Variant{FixHash: fixA},
			VariantB:       Variant{FixHash: fixB},
			StartedAt:      now,
			EndsAt:         now.Add(time.Duration(durationDays) * 24 * time.Hour),
			Status:         StatusActive,
		})
		created = true
		return nil
	})
	if err != nil {
		return "", fail(span, fmt.Errorf("creating ab test: %w", err))
	}
	span.SetAttributes(attribute.String("test_id", id), attribute.Bool("created", created))
	if created {
		c.count(ctx, c.testCounter, attribute.String("event", "created"))
		c.logger.Info("ab test created",
			zap.String("test_id", id),
			zap.String("variant_a", fixA),
			zap.String("variant_b", fixB),
			zap.Int("duration_days", durationDays),
		)
	}
	return id, nil
}

// AssignVariant picks variant a or b with equal probability for the active
// test on signature. An expired test is finalized instead and no variant is
// returned. It returns "" when there is no active test.
func (c *Coordinator) AssignVariant(ctx context.Context, signature string) (string, error) {
	key := similarity.Normalize(signature)
	doc, err := c.doc.Load(ctx)
	if err != nil {
		return "", err
	}
	t := doc.active(key)
	if t == nil {
		return "", nil
	}

	if clock.Current(c.clock).After(t.EndsAt) {
		if _, err := c.Finalize(ctx, t.ID); err != nil {
			return "", err
		}
		return "", nil
	}
	if c.rand() < 0.5 {
		return t.VariantA.FixHash, nil
	}
	return t.VariantB.FixHash, nil
}

// RecordResult counts one outcome for the variant of the active test on
// signature whose fix is hash.
func (c *Coordinator) RecordResult(ctx context.Context, signature, hash string, succeeded bool) (*Test, error) {
	ctx, span := c.tracer.Start(ctx, "abtest.record_result")
	defer span.End()

	key := similarity.Normalize(signature)
	var out Test
	err := c.doc.Update(ctx, func(doc *document) error {
		for _, t := range doc.Tests {
			if t.Status != StatusActive || t.ErrorSignature != key {
				continue
			}
			var v *Variant
			switch hash {
			case t.VariantA.FixHash:
				v = &t.VariantA
			case t.VariantB.FixHash:
				v = &t.VariantB
			default:
				continue
			}
			v.Attempts++
			if succeeded {
				v.Successes++
			}
			out = *t
			return nil
		}
		return fmt.Errorf("%w: no active test for %s with fix %s", ErrTestNotFound, key, hash)
	})
	if err != nil {
		return nil, fail(span, err)
	}
	outcome := "failure"
	if succeeded {
		outcome = "success"
	}
	span.SetAttributes(attribute.String("test_id", out.ID), attribute.String("outcome", outcome))
	c.count(ctx, c.resultCounter, attribute.String("outcome", outcome))
	return &out, nil
}

// Decide applies the sample and margin thresholds to two variants.
func (c *Coordinator) Decide(a, b Variant) Winner {
	if a.Attempts < c.cfg.MinSamples || b.Attempts < c.cfg.MinSamples {
		return WinnerInsufficient
	}
	ra, rb := a.SuccessRate(), b.SuccessRate()
	switch {
	case ra > rb*(1+c.cfg.RelativeMargin):
		return WinnerA
	case rb > ra*(1+c.cfg.RelativeMargin):
		return WinnerB
	default:
		return WinnerTie
	}
}

// Finalize completes a test and records its winner. A completed test is
// returned unchanged.
func (c *Coordinator) Finalize(ctx context.Context, id string) (*Test, error) {
	ctx, span := c.tracer.Start(ctx, "abtest.finalize")
	defer span.End()

	var out Test
	finalized := false
	err := c.doc.Update(ctx, func(doc *document) error {
		t := doc.byID(id)
		if t == nil {
			return fmt.Errorf("%w: %s", ErrTestNotFound, id)
		}
		if t.Status != StatusCompleted {
			t.Winner = c.Decide(t.VariantA, t.VariantB)
			t.Status = StatusCompleted
			finalized = true
		}
		out = *t
		return nil
	})
	if err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(attribute.String("test_id", id), attribute.String("winner", string(out.Winner)))
	if finalized {
		c.count(ctx, c.testCounter, attribute.String("event", "finalized"), attribute.String("winner", string(out.Winner)))
		c.logger.Info("ab test finalized",
			zap.String("test_id", id),
			zap.String("winner", string(out.Winner)),
			zap.Float64("rate_a", out.VariantA.SuccessRate()),
			zap.Float64("rate_b", out.VariantB.SuccessRate()),
		)
	}
	return &out, nil
}

// Get returns a test by id.
func (c *Coordinator) Get(ctx context.Context, id string) (*Test, error) {
	doc, err := c.doc.Load(ctx)
	if err != nil {
		return nil, err
	}
	t := doc.byID(id)
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrTestNotFound, id)
	}
	out := *t
	return &out, nil
}

// List returns every test in creation order.
func (c *Coordinator) List(ctx context.Context) ([]Test, error) {
	doc, err := c.doc.Load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Test, 0, len(doc.Tests))
	for _, t := range doc.Tests {
		out = append(out, *t)
	}
	return out, nil
}

func (c *Coordinator) count(ctx context.Context, counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	if counter != nil {
		counter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
