// Package engine is the facade collaborators use to reach every fixnet component.
//
// The engine owns no state of its own. It wires the fix store, lineage,
// reputation ledger, fraud guard, consensus calculator, A/B coordinator and
// cluster index together over one kv store and runs the cross-component side
// effects (branch links for inspired fixes, version entries for superseding
// fixes, vote credit for authors) after the primary write has committed.
package engine

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixnet/internal/abtest"
	"github.com/fyrsmithlabs/fixnet/internal/clock"
	"github.com/fyrsmithlabs/fixnet/internal/cluster"
	"github.com/fyrsmithlabs/fixnet/internal/consensus"
	"github.com/fyrsmithlabs/fixnet/internal/fixstore"
	"github.com/fyrsmithlabs/fixnet/internal/fraud"
	"github.com/fyrsmithlabs/fixnet/internal/identity"
	"github.com/fyrsmithlabs/fixnet/internal/kv"
	"github.com/fyrsmithlabs/fixnet/internal/lineage"
	"github.com/fyrsmithlabs/fixnet/internal/remote"
	"github.com/fyrsmithlabs/fixnet/internal/reputation"
)

const instrumentationName = "github.com/fyrsmithlabs/fixnet/internal/engine"

// Config holds the per-component settings. Nil fields use component defaults.
type Config struct {
	FixStore  *fixstore.Config
	Consensus *consensus.Config
	Fraud     *fraud.Config
	ABTest    *abtest.Config
	Cluster   *cluster.Config

	// Patterns replaces the fraud guard's built-in patterns when set.
	Patterns *fraud.Patterns

	// SecretScanner overrides the credential scanner used by the fraud guard.
	SecretScanner fraud.SecretScanner
}

// Options supplies already constructed components.
type Options struct {
	Fixes     *fixstore.Store
	Lineage   *lineage.Store
	Ledger    *reputation.Ledger
	Guard     *fraud.Guard
	Consensus *consensus.Calculator
	ABTests   *abtest.Coordinator
	Clusters  *cluster.Index
	Source    remote.Source
	Identity  identity.Provider
	Logger    *zap.Logger
}

// Engine exposes the collaborator operations.
type Engine struct {
	fixes     *fixstore.Store
	lineage   *lineage.Store
	ledger    *reputation.Ledger
	guard     *fraud.Guard
	consensus *consensus.Calculator
	abtests   *abtest.Coordinator
	clusters  *cluster.Index
	source    remote.Source
	ids       identity.Provider
	logger    *zap.Logger

	tracer    trace.Tracer
	opCounter metric.Int64Counter
}

// New assembles an engine from components.
func New(opts Options) (*Engine, error) {
	switch {
	case opts.Fixes == nil:
		return nil, errors.New("fix store is required")
	case opts.Lineage == nil:
		return nil, errors.New("lineage store is required")
	case opts.Ledger == nil:
		return nil, errors.New("reputation ledger is required")
	case opts.Guard == nil:
		return nil, errors.New("fraud guard is required")
	case opts.Consensus == nil:
		return nil, errors.New("consensus calculator is required")
	case opts.ABTests == nil:
		return nil, errors.New("ab test coordinator is required")
	case opts.Clusters == nil:
		return nil, errors.New("cluster index is required")
	case opts.Source == nil:
		return nil, errors.New("remote source is required")
	case opts.Identity == nil:
		return nil, errors.New("identity provider is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		fixes:     opts.Fixes,
		lineage:   opts.Lineage,
		ledger:    opts.Ledger,
		guard:     opts.Guard,
		consensus: opts.Consensus,
		abtests:   opts.ABTests,
		clusters:  opts.Clusters,
		source:    opts.Source,
		ids:       opts.Identity,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
	}

	var err error
	e.opCounter, err = otel.Meter(instrumentationName).Int64Counter(
		"fixnet.engine.operations_total",
		metric.WithDescription("Engine operations by name and result"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		logger.Warn("failed to create operation counter", zap.Error(err))
	}
	return e, nil
}

// Open builds every component over kvs and returns the engine.
func Open(cfg *Config, kvs kv.Store, source remote.Source, ids identity.Provider, clk clock.Source, logger *zap.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.System{}
	}

	fixes, err := fixstore.New(cfg.FixStore, kvs, clk, logger.Named("fixstore"))
	if err != nil {
		return nil, fmt.Errorf("creating fix store: %w", err)
	}
	lin, err := lineage.New(kvs, clk, logger.Named("lineage"))
	if err != nil {
		return nil, fmt.Errorf("creating lineage store: %w", err)
	}
	ledger, err := reputation.New(kvs, ids, logger.Named("reputation"))
	if err != nil {
		return nil, fmt.Errorf("creating reputation ledger: %w", err)
	}

	guardOpts := []fraud.Option{fraud.WithAuthors(ledger)}
	if cfg.Patterns != nil {
		guardOpts = append(guardOpts, fraud.WithPatterns(cfg.Patterns))
	}
	if cfg.SecretScanner != nil {
		guardOpts = append(guardOpts, fraud.WithSecretScanner(cfg.SecretScanner))
	}
	guard, err := fraud.New(cfg.Fraud, kvs, fixes, logger.Named("fraud"), guardOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating fraud guard: %w", err)
	}

	calc, err := consensus.New(cfg.Consensus, fixes, source, ledger, ledger, logger.Named("consensus"),
		consensus.WithSafety(guard), consensus.WithClock(clk))
	if err != nil {
		return nil, fmt.Errorf("creating consensus calculator: %w", err)
	}
	tests, err := abtest.New(cfg.ABTest, kvs, clk, logger.Named("abtest"))
	if err != nil {
		return nil, fmt.Errorf("creating ab test coordinator: %w", err)
	}
	clusters, err := cluster.New(cfg.Cluster, kvs, fixes, calc, logger.Named("cluster"))
	if err != nil {
		return nil, fmt.Errorf("creating cluster index: %w", err)
	}

	return New(Options{
		Fixes:     fixes,
		Lineage:   lin,
		Ledger:    ledger,
		Guard:     guard,
		Consensus: calc,
		ABTests:   tests,
		Clusters:  clusters,
		Source:    source,
		Identity:  ids,
		Logger:    logger,
	})
}

// start opens a span for op.
func (e *Engine) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := e.tracer.Start(ctx, "engine."+op)
	span.SetAttributes(attrs...)
	return ctx, span
}

// finish counts op and records err on span. It returns err unchanged.
func (e *Engine) finish(ctx context.Context, span trace.Span, op string, err error) error {
	result := "ok"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if e.opCounter != nil {
		e.opCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", op),
			attribute.String("result", result),
		))
	}
	return err
}
