package engine

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixnet/internal/abtest"
	"github.com/fyrsmithlabs/fixnet/internal/cluster"
	"github.com/fyrsmithlabs/fixnet/internal/consensus"
	"github.com/fyrsmithlabs/fixnet/internal/fixstore"
	"github.com/fyrsmithlabs/fixnet/internal/fraud"
	"github.com/fyrsmithlabs/fixnet/internal/reputation"
)

// SafetyReport is the answer to IsSafeToUse.
type SafetyReport struct {
	FixHash string `json:"fix_hash"`
	Safe    bool   `json:"safe"`
	Reason  string `json:"reason,omitempty"`
}

// VoteOnFixSuccess records userID's vote and credits the author of a locally
// known fix with a received vote.
func (e *Engine) VoteOnFixSuccess(ctx context.Context, hash, userID string, succeeded bool) (*reputation.VoteResult, error) {
	const op = "vote_on_fix_success"
	ctx, span := e.start(ctx, op, attribute.String("fix_hash", hash), attribute.Bool("succeeded", succeeded))
	defer span.End()

	vote, err := e.ledger.Vote(ctx, hash, userID, succeeded)
	if err != nil {
		return nil, e.finish(ctx, span, op, err)
	}

	fix, err := e.fixes.Get(ctx, hash)
	switch {
	case err == nil && fix.AuthorID != "" && fix.AuthorID != userID:
		if _, err := e.ledger.RecordVoteReceived(ctx, fix.AuthorID, succeeded); err != nil {
			e.logger.Warn("failed to credit author", zap.String("fix_hash", hash), zap.Error(err))
		}
	case err != nil && !errors.Is(err, fixstore.ErrNotFound):
		e.logger.Warn("failed to load voted fix", zap.String("fix_hash", hash), zap.Error(err))
	}

	e.logger.Info("vote recorded",
		zap.String("fix_hash", hash),
		zap.String("voter", e.ids.Label(userID)),
		zap.Bool("succeeded", succeeded),
	)
	return vote, e.finish(ctx, span, op, nil)
}

// GetVoteStatistics summarizes the votes on a fix.
func (e *Engine) GetVoteStatistics(ctx context.Context, hash string) (reputation.VoteStats, error) {
	const op = "get_vote_statistics"
	ctx, span := e.start(ctx, op, attribute.String("fix_hash", hash))
	defer span.End()
	stats, err := e.ledger.VoteStats(ctx, hash)
	return stats, e.finish(ctx, span, op, err)
}

// ReportSpam files a spam report against a fix.
func (e *Engine) ReportSpam(ctx context.Context, hash, reason string) (*fraud.ReportResult, error) {
	const op = "report_spam"
	ctx, span := e.start(ctx, op, attribute.String("fix_hash", hash))
	defer span.End()
	res, err := e.guard.ReportSpam(ctx, hash, reason)
	if err == nil && res.Quarantined {
		e.consensus.Invalidate()
	}
	return res, e.finish(ctx, span, op, err)
}

// IsSafeToUse runs the fraud guard's advisory check. An empty solution is
// taken from the stored fix.
func (e *Engine) IsSafeToUse(ctx context.Context, hash, solution string) (*SafetyReport, error) {
	const op = "is_safe_to_use"
	ctx, span := e.start(ctx, op, attribute.String("fix_hash", hash))
	defer span.End()
	safe, reason, err := e.guard.IsSafe(ctx, hash, solution)
	if err != nil {
		return nil, e.finish(ctx, span, op, err)
	}
	return &SafetyReport{FixHash: hash, Safe: safe, Reason: reason}, e.finish(ctx, span, op, nil)
}

// CheckFix returns the full fraud verdict for a solution.
func (e *Engine) CheckFix(ctx context.Context, hash, solution string) (*fraud.Verdict, error) {
	const op = "check_fix"
	ctx, span := e.start(ctx, op, attribute.String("fix_hash", hash))
	defer span.End()
	v, err := e.guard.Check(ctx, hash, solution)
	return v, e.finish(ctx, span, op, err)
}

// CalculateConsensus returns the community consensus for a fix.
func (e *Engine) CalculateConsensus(ctx context.Context, hash string) (*consensus.Result, error) {
	const op = "calculate_consensus"
	ctx, span := e.start(ctx, op, attribute.String("fix_hash", hash))
	defer span.End()
	res, err := e.consensus.Calculate(ctx, hash)
	return res, e.finish(ctx, span, op, err)
}

// ReputationWeightedConsensus returns the reputation-weighted success rate.
func (e *Engine) ReputationWeightedConsensus(ctx context.Context, hash string) (float64, error) {
	const op = "reputation_weighted_consensus"
	ctx, span := e.start(ctx, op, attribute.String("fix_hash", hash))
	defer span.End()
	rate, err := e.consensus.ReputationWeighted(ctx, hash)
	return rate, e.finish(ctx, span, op, err)
}

// GetReputation returns a user's reputation, neutral if unseen.
func (e *Engine) GetReputation(ctx context.Context, userID string) (reputation.UserReputation, error) {
	const op = "get_reputation"
	ctx, span := e.start(ctx, op)
	defer span.End()
	rep, err := e.ledger.Reputation(ctx, userID)
	return rep, e.finish(ctx, span, op, err)
}

// RecordFixOutcome records one fix outcome against a user's reputation.
func (e *Engine) RecordFixOutcome(ctx context.Context, userID string, succeeded bool, votes *reputation.VoteCounts) (reputation.UserReputation, error) {
	const op = "record_fix_outcome"
	ctx, span := e.start(ctx, op, attribute.Bool("succeeded", succeeded))
	defer span.End()
	rep, err := e.ledger.RecordOutcome(ctx, userID, succeeded, votes)
	return rep, e.finish(ctx, span, op, err)
}

// CreateABTest starts a test between two fixes for a signature.
func (e *Engine) CreateABTest(ctx context.Context, signature, fixA, fixB string, durationDays int) (string, error) {
	const op = "create_ab_test"
	ctx, span := e.start(ctx, op, attribute.String("variant_a", fixA), attribute.String("variant_b", fixB))
	defer span.End()
	id, err := e.abtests.CreateTest(ctx, signature, fixA, fixB, durationDays)
	return id, e.finish(ctx, span, op, err)
}

// GetABTestVariant assigns a variant for signature, "" without an active test.
func (e *Engine) GetABTestVariant(ctx context.Context, signature string) (string, error) {
	const op = "get_ab_test_variant"
	ctx, span := e.start(ctx, op)
	defer span.End()
	v, err := e.abtests.AssignVariant(ctx, signature)
	return v, e.finish(ctx, span, op, err)
}

// RecordABTestResult counts an outcome for a variant of the active test.
func (e *Engine) RecordABTestResult(ctx context.Context, signature, hash string, succeeded bool) (*abtest.Test, error) {
	const op = "record_ab_test_result"
	ctx, span := e.start(ctx, op, attribute.String("fix_hash", hash), attribute.Bool("succeeded", succeeded))
	defer span.End()
	t, err := e.abtests.RecordResult(ctx, signature, hash, succeeded)
	return t, e.finish(ctx, span, op, err)
}

// FinalizeABTest completes a test and returns it with its winner.
func (e *Engine) FinalizeABTest(ctx context.Context, id string) (*abtest.Test, error) {
	const op = "finalize_ab_test"
	ctx, span := e.start(ctx, op, attribute.String("test_id", id))
	defer span.End()
	t, err := e.abtests.Finalize(ctx, id)
	return t, e.finish(ctx, span, op, err)
}

// GetABTest returns a test by id.
func (e *Engine) GetABTest(ctx context.Context, id string) (*abtest.Test, error) {
	return e.abtests.Get(ctx, id)
}

// ClusterSimilarErrors rebuilds the cluster index.
func (e *Engine) ClusterSimilarErrors(ctx context.Context, minClusterSize int) ([]cluster.Cluster, error) {
	const op = "cluster_similar_errors"
	ctx, span := e.start(ctx, op, attribute.Int("min_cluster_size", minClusterSize))
	defer span.End()
	clusters, err := e.clusters.Build(ctx, minClusterSize)
	return clusters, e.finish(ctx, span, op, err)
}

// GetClusterForError returns the cluster id for an error, "" when none matches.
func (e *Engine) GetClusterForError(ctx context.Context, errText string) (string, error) {
	const op = "get_cluster_for_error"
	ctx, span := e.start(ctx, op)
	defer span.End()
	id, err := e.clusters.ClusterFor(ctx, errText)
	return id, e.finish(ctx, span, op, err)
}

// GetClusterBestFix returns the best fix across a cluster, or nil.
func (e *Engine) GetClusterBestFix(ctx context.Context, id string) (*fixstore.FixRecord, error) {
	const op = "get_cluster_best_fix"
	ctx, span := e.start(ctx, op, attribute.String("cluster_id", id))
	defer span.End()
	fix, err := e.clusters.BestFixForCluster(ctx, id)
	return fix, e.finish(ctx, span, op, err)
}
