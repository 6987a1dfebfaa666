package consensus

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/fixnet/internal/fixstore"
	"github.com/fyrsmithlabs/fixnet/internal/remote"
	"github.com/fyrsmithlabs/fixnet/internal/reputation"
)

// TrustLevel classifies a fix's community success rate.
type TrustLevel string

const (
	TrustUnknown       TrustLevel = "unknown"
	TrustHighlyTrusted TrustLevel = "highly_trusted"
	TrustTrusted       TrustLevel = "trusted"
	TrustExperimental  TrustLevel = "experimental"
	// TrustQuarantined is a label for a low success rate. It is unrelated to
	// the fraud guard's quarantine flag.
	TrustQuarantined TrustLevel = "quarantined"
)

// Trust thresholds on success rate.
const (
	HighlyTrustedThreshold = 0.75
	TrustedThreshold       = 0.51
	ExperimentalThreshold  = 0.30
)

// Classify maps summed attempts and successes to a trust level.
func Classify(attempts, successes float64) TrustLevel {
	if attempts <= 0 {
		return TrustUnknown
	}
	rate := successes / attempts
	switch {
	case rate >= HighlyTrustedThreshold:
		return TrustHighlyTrusted
	case rate >= TrustedThreshold:
		return TrustTrusted
	case rate >= ExperimentalThreshold:
		return TrustExperimental
	default:
		return TrustQuarantined
	}
}

var recommendations = map[TrustLevel]string{
	TrustUnknown:       "No community data yet. Test carefully before relying on this fix.",
	TrustHighlyTrusted: "Highly trusted by the community. Safe to apply.",
	TrustTrusted:       "Works for most users. Apply and verify the result.",
	TrustExperimental:  "Works for some users. Treat as experimental.",
	TrustQuarantined:   "Rarely works for other users. Avoid unless nothing else helps.",
}

const quarantinedRecommendation = "Quarantined after spam reports. Do not use."

// Recommendation returns the advice string for a trust level.
func Recommendation(level TrustLevel) string {
	return recommendations[level]
}

// ContextStats is one bucket of the context breakdown.
type ContextStats struct {
	Attempts    float64 `json:"attempts"`
	Successes   float64 `json:"successes"`
	SuccessRate float64 `json:"success_rate"`
}

// Result is the consensus for one fix.
type Result struct {
	FixHash          string                  `json:"fix_hash"`
	TrustLevel       TrustLevel              `json:"trust_level"`
	SuccessRate      float64                 `json:"success_rate"`
	TotalAttempts    float64                 `json:"total_attempts"`
	TotalSuccesses   float64                 `json:"total_successes"`
	UniqueUsers      int                     `json:"unique_users"`
	ContextBreakdown map[string]ContextStats `json:"context_breakdown,omitempty"`
	Recommendation   string                  `json:"recommendation"`
	Quarantined      bool                    `json:"quarantined"`
	ComputedAt       time.Time               `json:"computed_at"`
}

// BestFixQuery asks for the best fix for an error.
type BestFixQuery struct {
	Error     string
	ErrorType string
	Context   map[string]string
}

// Candidate is a ranked best-fix candidate.
type Candidate struct {
	Fix        fixstore.FixRecord `json:"fix"`
	Score      float64            `json:"score"`
	Source     fixstore.Source    `json:"source"`
	Consensus  *Result            `json:"consensus"`
	SafetyNote string             `json:"safety_note,omitempty"`
}

// Fixes is the part of the fix store consensus reads.
type Fixes interface {
	Get(ctx context.Context, hash string) (*fixstore.FixRecord, error)
	Variants(ctx context.Context, hash string) ([]fixstore.FixRecord, error)
	Search(ctx context.Context, q *fixstore.Query) ([]fixstore.Match, error)
	SearchRemote(ctx context.Context, q *fixstore.Query, records []remote.Record) ([]fixstore.Match, error)
}

// Votes exposes the per-fix vote sequence used for cache invalidation.
type Votes interface {
	VoteSeq(ctx context.Context, fixHash string) (uint64, error)
}

// Reputations supplies reputation scores for weighting.
type Reputations interface {
	Snapshot(ctx context.Context) (map[string]reputation.UserReputation, error)
}

// Safety is the fraud guard's advisory check.
type Safety interface {
	IsSafe(ctx context.Context, hash, solution string) (bool, string, error)
}
