package reputation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

var (
	// ErrInvalidVoter indicates the voter failed identity validation.
	ErrInvalidVoter = errors.New("invalid voter")

	// ErrDuplicateVote indicates the user already voted on the fix.
	ErrDuplicateVote = errors.New("duplicate vote")

	// ErrInvalidInput indicates a missing user id or fix hash.
	ErrInvalidInput = errors.New("invalid input")
)

// VoteValue is the recorded outcome of a vote.
type VoteValue string

const (
	VoteSuccess VoteValue = "success"
	VoteFailure VoteValue = "failure"
)

func voteValue(succeeded bool) VoteValue {
	if succeeded {
		return VoteSuccess
	}
	return VoteFailure
}

// DuplicateVoteError carries the vote already on record. It matches
// ErrDuplicateVote with errors.Is.
type DuplicateVoteError struct {
	FixHash string
	UserID  string
	Prior   VoteValue
}

func (e *DuplicateVoteError) Error() string {
	return fmt.Sprintf("duplicate vote on %s: already voted %s", e.FixHash, e.Prior)
}

// Is reports whether target is ErrDuplicateVote.
func (e *DuplicateVoteError) Is(target error) bool {
	return target == ErrDuplicateVote
}

type voteDoc struct {
	Votes map[string]map[string]VoteValue `json:"votes"`
	Seq   map[string]uint64               `json:"seq"`
}

// VoteResult is a recorded vote.
type VoteResult struct {
	FixHash string    `json:"fix_hash"`
	UserID  string    `json:"user_id"`
	Vote    VoteValue `json:"vote"`
	Seq     uint64    `json:"seq"`
}

// VoteStats summarizes the votes on one fix.
type VoteStats struct {
	Total        int     `json:"total"`
	Success      int     `json:"success"`
	Failure      int     `json:"failure"`
	SuccessRate  float64 `json:"success_rate"`
	UniqueVoters int     `json:"unique_voters"`
}

// Vote records one vote per (fix, user). A repeat returns *DuplicateVoteError
// and leaves the ledger unchanged. Each recorded vote bumps the fix's vote
// sequence, which invalidates cached consensus for it.
func (l *Ledger) Vote(ctx context.Context, fixHash, userID string, succeeded bool) (*VoteResult, error) {
	fixHash = strings.TrimSpace(fixHash)
	if fixHash == "" {
		return nil, fmt.Errorf("%w: fix hash is required", ErrInvalidInput)
	}
	if !l.identity.IsValidVoter(userID) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidVoter, l.identity.Label(userID))
	}

	result := VoteResult{FixHash: fixHash, UserID: userID, Vote: voteValue(succeeded)}
	err := l.votes.Update(ctx, func(doc *voteDoc) error {
		if doc.Votes == nil {
			doc.Votes = make(map[string]map[string]VoteValue)
		}
		if doc.Seq == nil {
			doc.Seq = make(map[string]uint64)
		}
		byUser := doc.Votes[fixHash]
		if prior, ok := byUser[userID]; ok {
			return &DuplicateVoteError{FixHash: fixHash, UserID: userID, Prior: prior}
		}
		if byUser == nil {
			byUser = make(map[string]VoteValue)
			doc.Votes[fixHash] = byUser
		}
		byUser[userID] = result.Vote
		doc.Seq[fixHash]++
		result.Seq = doc.Seq[fixHash]
		return nil
	})
	if err != nil {
		var dup *DuplicateVoteError
		if errors.As(err, &dup) {
			l.logger.Info("duplicate vote rejected",
				zap.String("fix_hash", fixHash),
				zap.String("user", l.identity.Label(userID)),
			)
		}
		return nil, err
	}

	l.logger.Info("vote recorded",
		zap.String("fix_hash", fixHash),
		zap.String("user", l.identity.Label(userID)),
		zap.String("vote", string(result.Vote)),
	)
	return &result, nil
}

// VoteStats returns vote totals for fixHash.
func (l *Ledger) VoteStats(ctx context.Context, fixHash string) (VoteStats, error) {
	doc, err := l.votes.Load(ctx)
	if err != nil {
		return VoteStats{}, err
	}
	var stats VoteStats
	for _, v := range doc.Votes[fixHash] {
		stats.Total++
		if v == VoteSuccess {
			stats.Success++
		} else {
			stats.Failure++
		}
	}
	stats.UniqueVoters = len(doc.Votes[fixHash])
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Success) / float64(stats.Total)
	}
	return stats, nil
}

// VoteSeq returns the number of votes committed for fixHash.
func (l *Ledger) VoteSeq(ctx context.Context, fixHash string) (uint64, error) {
	doc, err := l.votes.Load(ctx)
	if err != nil {
		return 0, err
	}
	return doc.Seq[fixHash], nil
}
