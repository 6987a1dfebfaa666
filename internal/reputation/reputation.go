// Package reputation keeps per-user contribution counters and the vote ledger.
package reputation

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixnet/internal/identity"
	"github.com/fyrsmithlabs/fixnet/internal/kv"
)

// Tables used by this package.
const (
	ReputationTable = "reputations"
	VoteTable       = "votes"
)

// NeutralScore is the reputation of a user with no recorded history.
const NeutralScore = 0.5

// Tier is a coarse reputation level derived from successful fixes.
type Tier string

const (
	TierBeginner     Tier = "beginner"
	TierNovice       Tier = "novice"
	TierIntermediate Tier = "intermediate"
	TierExpert       Tier = "expert"
)

// TierFor maps a successful fix count to a tier.
func TierFor(successful int) Tier {
	switch {
	case successful < 5:
		return TierBeginner
	case successful < 20:
		return TierNovice
	case successful < 50:
		return TierIntermediate
	default:
		return TierExpert
	}
}

// UserReputation is one user's ledger entry.
type UserReputation struct {
	UserID          string  `json:"user_id"`
	TotalFixes      int     `json:"total_fixes"`
	SuccessfulFixes int     `json:"successful_fixes"`
	FailedFixes     int     `json:"failed_fixes"`
	Upvotes         int     `json:"upvotes"`
	Downvotes       int     `json:"downvotes"`
	SpamReports     int     `json:"spam_reports"`
	ReputationScore float64 `json:"reputation_score"`
	Tier            Tier    `json:"tier"`
}

// Neutral returns the default entry for an unseen user.
func Neutral(userID string) UserReputation {
	return UserReputation{UserID: userID, ReputationScore: NeutralScore, Tier: TierBeginner}
}

// Score computes
//
//	success_rate*0.4 + vote_ratio*0.3 + volume*0.2 + (1-spam_penalty)*0.1
//
// with neutral 0.5 ratios when there is no data.
func Score(r *UserReputation) float64 {
	successRate := 0.5
	if n := r.SuccessfulFixes + r.FailedFixes; n > 0 {
		successRate = float64(r.SuccessfulFixes) / float64(n)
	}
	voteRatio := 0.5
	if n := r.Upvotes + r.Downvotes; n > 0 {
		voteRatio = float64(r.Upvotes) / float64(n)
	}
	volume := math.Min(1, float64(r.TotalFixes)/100)
	spamPenalty := math.Min(1, float64(r.SpamReports)*0.2)

	s := successRate*0.4 + voteRatio*0.3 + volume*0.2 + (1-spamPenalty)*0.1
	return math.Max(0, math.Min(1, s))
}

func (r *UserReputation) recompute() {
	r.ReputationScore = Score(r)
	r.Tier = TierFor(r.SuccessfulFixes)
}

type reputationDoc struct {
	Users map[string]*UserReputation `json:"users"`
}

func (d *reputationDoc) user(id string) *UserReputation {
	if d.Users == nil {
		d.Users = make(map[string]*UserReputation)
	}
	u, ok := d.Users[id]
	if !ok {
		n := Neutral(id)
		u = &n
		d.Users[id] = u
	}
	return u
}

// VoteCounts are votes received alongside an outcome.
type VoteCounts struct {
	Up   int
	Down int
}

// Ledger is the reputation and vote ledger.
type Ledger struct {
	reps     *kv.Doc[reputationDoc]
	votes    *kv.Doc[voteDoc]
	identity identity.Provider
	logger   *zap.Logger
}

// New returns a ledger. The identity provider gates voting.
func New(kvs kv.Store, ids identity.Provider, logger *zap.Logger) (*Ledger, error) {
	if kvs == nil {
		return nil, fmt.Errorf("kv store is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("identity provider is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		reps:     kv.NewDoc[reputationDoc](kvs, ReputationTable),
		votes:    kv.NewDoc[voteDoc](kvs, VoteTable),
		identity: ids,
		logger:   logger,
	}, nil
}

// Reputation returns the entry for userID, neutral if the user is unknown.
func (l *Ledger) Reputation(ctx context.Context, userID string) (UserReputation, error) {
	doc, err := l.reps.Load(ctx)
	if err != nil {
		return UserReputation{}, err
	}
	if u, ok := doc.Users[userID]; ok {
		return *u, nil
	}
	return Neutral(userID), nil
}

// Snapshot returns all known entries keyed by user.
func (l *Ledger) Snapshot(ctx context.Context) (map[string]UserReputation, error) {
	doc, err := l.reps.Load(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]UserReputation, len(doc.Users))
	for id, u := range doc.Users {
		out[id] = *u
	}
	return out, nil
}

// RecordOutcome counts one fix outcome for userID. Every call is a separate event.
func (l *Ledger) RecordOutcome(ctx context.Context, userID string, succeeded bool, votes *VoteCounts) (UserReputation, error) {
	return l.mutate(ctx, userID, func(u *UserReputation) {
		u.TotalFixes++
		if succeeded {
			u.SuccessfulFixes++
		} else {
			u.FailedFixes++
		}
		if votes != nil {
			u.Upvotes += max(0, votes.Up)
			u.Downvotes += max(0, votes.Down)
		}
	})
}

// RecordVoteReceived counts a vote cast on one of the author's fixes.
func (l *Ledger) RecordVoteReceived(ctx context.Context, authorID string, up bool) (UserReputation, error) {
	return l.mutate(ctx, authorID, func(u *UserReputation) {
		if up {
			u.Upvotes++
		} else {
			u.Downvotes++
		}
	})
}

// RecordSpamReport counts a confirmed spam report against the author.
func (l *Ledger) RecordSpamReport(ctx context.Context, authorID string) (UserReputation, error) {
	return l.mutate(ctx, authorID, func(u *UserReputation) {
		u.SpamReports++
	})
}

func (l *Ledger) mutate(ctx context.Context, userID string, fn func(*UserReputation)) (UserReputation, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return UserReputation{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	var out UserReputation
	err := l.reps.Update(ctx, func(doc *reputationDoc) error {
		u := doc.user(userID)
		fn(u)
		u.recompute()
		out = *u
		return nil
	})
	if err != nil {
		return UserReputation{}, fmt.Errorf("updating reputation: %w", err)
	}
	l.logger.Debug("reputation updated",
		zap.String("user", l.identity.Label(userID)),
		zap.Float64("score", out.ReputationScore),
		zap.String("tier", string(out.Tier)),
	)
	return out, nil
}
