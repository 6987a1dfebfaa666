package fixstore

import (
	"math"
	"time"
)

// Relevance weights.
const (
	weightSimilarity = 0.4
	weightSuccess    = 0.3
	weightRecency    = 0.2
	weightUsage      = 0.1

	// NeutralRecency is used when a record has no trusted timestamp.
	NeutralRecency = 0.5

	recencyHorizon  = 365 * 24 * time.Hour
	usageSaturation = 10.0
)

// Recency decays linearly from 1 to 0 over a year. Records without a trusted
// creation time score NeutralRecency.
func Recency(createdAt *time.Time, now time.Time) float64 {
	if createdAt == nil || createdAt.IsZero() {
		return NeutralRecency
	}
	age := now.Sub(*createdAt)
	if age < 0 {
		age = 0
	}
	return math.Max(0, 1-float64(age)/float64(recencyHorizon))
}

// Relevance scores a record against a query similarity:
//
//	similarity*0.4 + success_rate*0.3 + recency*0.2 + usage*0.1
//
// where usage saturates at ten uses. The result is clamped to [0, 1].
func Relevance(similarity float64, r *FixRecord, now time.Time) float64 {
	return score(similarity, r.SuccessRate(), Recency(r.CreatedAt, now), r.UsageCount)
}

func score(similarity, successRate, recency float64, usage int) float64 {
	u := math.Min(1, float64(usage)/usageSaturation)
	return clamp01(clamp01(similarity)*weightSimilarity +
		clamp01(successRate)*weightSuccess +
		clamp01(recency)*weightRecency +
		math.Max(0, u)*weightUsage)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
