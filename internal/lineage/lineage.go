// Package lineage records how fixes relate to each other.
//
// Branch links are directed edges between fix hashes ("this fix was inspired
// by that one"). Version chains order the fixes for one normalized error
// signature, each entry either active or superseded by a later one.
package lineage

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixnet/internal/clock"
	"github.com/fyrsmithlabs/fixnet/internal/kv"
)

const instrumentationName = "github.com/fyrsmithlabs/fixnet/internal/lineage"

// Tables used by this package.
const (
	BranchTable  = "branches"
	VersionTable = "versions"
)

var (
	// ErrValidation indicates missing or malformed input.
	ErrValidation = errors.New("invalid lineage input")

	// ErrNotFound indicates an unknown fix hash or signature.
	ErrNotFound = errors.New("lineage entry not found")

	// ErrCycle rejects a version that would revisit a fix already in the chain.
	ErrCycle = errors.New("version chain cycle")

	// ErrAlreadySuperseded rejects superseding an entry that is not active.
	ErrAlreadySuperseded = errors.New("version already superseded")
)

// Store holds branch links and version chains.
type Store struct {
	branches *kv.Doc[branchDoc]
	versions *kv.Doc[versionDoc]
	clock    clock.Source
	logger   *zap.Logger

	tracer         trace.Tracer
	branchCounter  metric.Int64Counter
	versionCounter metric.Int64Counter
}

// New returns a lineage store over kvs.
func New(kvs kv.Store, clk clock.Source, logger *zap.Logger) (*Store, error) {
	if kvs == nil {
		return nil, fmt.Errorf("kv store is required")
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		branches: kv.NewDoc[branchDoc](kvs, BranchTable),
		versions: kv.NewDoc[versionDoc](kvs, VersionTable),
		clock:    clk,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
	}

	meter := otel.Meter(instrumentationName)
	var err error
	s.branchCounter, err = meter.Int64Counter(
		"fixnet.lineage.branches_total",
		metric.WithDescription("Total number of branch links created by relationship"),
		metric.WithUnit("{link}"),
	)
	if err != nil {
		logger.Warn("failed to create branch counter", zap.Error(err))
	}
	s.versionCounter, err = meter.Int64Counter(
		"fixnet.lineage.versions_total",
		metric.WithDescription("Total number of version entries created"),
		metric.WithUnit("{version}"),
	)
	if err != nil {
		logger.Warn("failed to create version counter", zap.Error(err))
	}
	return s, nil
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
