package engine

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixnet/internal/consensus"
	"github.com/fyrsmithlabs/fixnet/internal/fixstore"
	"github.com/fyrsmithlabs/fixnet/internal/lineage"
)

// AddFixRequest is a fix to add plus the lineage it declares.
type AddFixRequest struct {
	fixstore.AddRequest

	// Supersedes is the fix hash this fix replaces in the signature's version chain.
	Supersedes string

	// ScriptContext is stored on the context_variant link to InspiredBy.
	ScriptContext string
}

// AddFixResult reports the stored fix and any lineage written for it.
type AddFixResult struct {
	fixstore.AddResult

	Branch       *lineage.BranchLink   `json:"branch,omitempty"`
	VersionEntry *lineage.VersionEntry `json:"version_entry,omitempty"`
	Warnings     []string              `json:"warnings,omitempty"`
}

// AddFix stores a fix. When the fix is new, a context_variant link from its parent
// and a version entry superseding Supersedes are written afterwards. Those
// side effects are best effort: a failure is logged and reported as a warning
// while the stored fix stands.
func (e *Engine) AddFix(ctx context.Context, req *AddFixRequest) (*AddFixResult, error) {
	const op = "add_fix"
	ctx, span := e.start(ctx, op)
	defer span.End()

	if req == nil {
		return nil, e.finish(ctx, span, op, fmt.Errorf("%w: request is required", fixstore.ErrValidation))
	}
	res, err := e.fixes.AddFix(ctx, &req.AddRequest)
	if err != nil {
		return nil, e.finish(ctx, span, op, err)
	}
	span.SetAttributes(attribute.String("fix_hash", res.FixHash), attribute.Bool("merged", res.Merged))

	out := &AddFixResult{AddResult: *res}
	if !res.Merged {
		if req.InspiredBy != "" {
			link, err := e.lineage.CreateBranch(ctx, lineage.BranchLink{
				SourceHash:      req.InspiredBy,
				TargetHash:      res.FixHash,
				Relationship:    lineage.RelContextVariant,
				ScriptContext:   req.ScriptContext,
				VariationReason: req.VariationReason,
			})
			if err != nil {
				out.Warnings = append(out.Warnings, "branch link not recorded: "+err.Error())
				e.logger.Warn("failed to link inspired fix",
					zap.String("fix_hash", res.FixHash),
					zap.String("inspired_by", req.InspiredBy),
					zap.Error(err),
				)
			} else {
				out.Branch = link
			}
			// A new variant changes its parent's consensus.
			e.consensus.Invalidate()
		}
		if req.Supersedes != "" {
			entry, err := e.lineage.CreateVersion(ctx, req.ErrorSignature, res.FixHash, req.Solution, req.Supersedes)
			if err != nil {
				out.Warnings = append(out.Warnings, "version entry not recorded: "+err.Error())
				e.logger.Warn("failed to version fix",
					zap.String("fix_hash", res.FixHash),
					zap.String("supersedes", req.Supersedes),
					zap.Error(err),
				)
			} else {
				out.VersionEntry = entry
			}
		}
	}

	e.logger.Info("fix added",
		zap.String("fix_hash", res.FixHash),
		zap.String("author", e.ids.Label(req.AuthorID)),
		zap.Bool("merged", res.Merged),
		zap.Int("version", res.Version),
	)
	return out, e.finish(ctx, span, op, nil)
}

// SearchSimilarFixes ranks local matches together with matches drawn from
// the remote usage records. A fix known locally is reported once, as local.
func (e *Engine) SearchSimilarFixes(ctx context.Context, q *fixstore.Query) ([]fixstore.Match, error) {
	const op = "search_similar_fixes"
	ctx, span := e.start(ctx, op)
	defer span.End()

	if q == nil {
		return nil, e.finish(ctx, span, op, fmt.Errorf("%w: query is required", fixstore.ErrValidation))
	}
	unlimited := *q
	unlimited.Limit = 0

	local, err := e.fixes.Search(ctx, &unlimited)
	if err != nil {
		return nil, e.finish(ctx, span, op, err)
	}
	records, err := e.source.Records(ctx)
	if err != nil {
		return nil, e.finish(ctx, span, op, fmt.Errorf("loading remote records: %w", err))
	}
	remoteMatches, err := e.fixes.SearchRemote(ctx, &unlimited, records)
	if err != nil {
		return nil, e.finish(ctx, span, op, err)
	}

	seen := make(map[string]bool, len(local))
	matches := make([]fixstore.Match, 0, len(local)+len(remoteMatches))
	for _, m := range local {
		seen[m.Fix.FixHash] = true
		matches = append(matches, m)
	}
	for _, m := range remoteMatches {
		if !seen[m.Fix.FixHash] {
			seen[m.Fix.FixHash] = true
			matches = append(matches, m)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Relevance > matches[j].Relevance
	})
	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}
	span.SetAttributes(attribute.Int("results", len(matches)))
	return matches, e.finish(ctx, span, op, nil)
}

// SearchByKeywords ranks fixes by keyword overlap.
func (e *Engine) SearchByKeywords(ctx context.Context, keywords ...string) ([]fixstore.KeywordMatch, error) {
	const op = "search_by_keywords"
	ctx, span := e.start(ctx, op)
	defer span.End()
	matches, err := e.fixes.SearchByKeywords(ctx, keywords...)
	return matches, e.finish(ctx, span, op, err)
}

// SearchByProgram returns fixes recorded for program.
func (e *Engine) SearchByProgram(ctx context.Context, program string) ([]fixstore.FixRecord, error) {
	const op = "search_by_program"
	ctx, span := e.start(ctx, op, attribute.String("program", program))
	defer span.End()
	fixes, err := e.fixes.SearchByProgram(ctx, program)
	return fixes, e.finish(ctx, span, op, err)
}

// GetBestFixForError returns the best safe candidate for an error, or nil.
func (e *Engine) GetBestFixForError(ctx context.Context, q *consensus.BestFixQuery) (*consensus.Candidate, error) {
	const op = "get_best_fix_for_error"
	ctx, span := e.start(ctx, op)
	defer span.End()
	best, err := e.consensus.BestFix(ctx, q)
	return best, e.finish(ctx, span, op, err)
}

// RecordFixUsage counts one local use of a fix.
func (e *Engine) RecordFixUsage(ctx context.Context, hash string, succeeded bool) (*fixstore.FixRecord, error) {
	const op = "record_fix_usage"
	ctx, span := e.start(ctx, op, attribute.String("fix_hash", hash), attribute.Bool("succeeded", succeeded))
	defer span.End()
	fix, err := e.fixes.RecordUsage(ctx, hash, succeeded)
	return fix, e.finish(ctx, span, op, err)
}

// CleanupInvalidFixes deletes fixes without keywords and returns how many went.
func (e *Engine) CleanupInvalidFixes(ctx context.Context) (int, error) {
	const op = "cleanup_invalid_fixes"
	ctx, span := e.start(ctx, op)
	defer span.End()
	n, err := e.fixes.CleanupNoKeywords(ctx)
	return n, e.finish(ctx, span, op, err)
}

// GetFix returns a stored fix.
func (e *Engine) GetFix(ctx context.Context, hash string) (*fixstore.FixRecord, error) {
	return e.fixes.Get(ctx, hash)
}

// CreateBranch links two fixes.
func (e *Engine) CreateBranch(ctx context.Context, link lineage.BranchLink) (*lineage.BranchLink, error) {
	const op = "create_branch"
	ctx, span := e.start(ctx, op, attribute.String("source_hash", link.SourceHash), attribute.String("target_hash", link.TargetHash))
	defer span.End()
	out, err := e.lineage.CreateBranch(ctx, link)
	return out, e.finish(ctx, span, op, err)
}

// GetBranchTree returns the branch tree rooted at hash.
func (e *Engine) GetBranchTree(ctx context.Context, hash string, depth int) (*lineage.TreeNode, error) {
	const op = "get_branch_tree"
	ctx, span := e.start(ctx, op, attribute.String("fix_hash", hash), attribute.Int("depth", depth))
	defer span.End()
	tree, err := e.lineage.Tree(ctx, hash, depth)
	return tree, e.finish(ctx, span, op, err)
}

// CreateFixVersion appends hash to the version chain of signature.
func (e *Engine) CreateFixVersion(ctx context.Context, signature, hash, solution, supersedes string) (*lineage.VersionEntry, error) {
	const op = "create_fix_version"
	ctx, span := e.start(ctx, op, attribute.String("fix_hash", hash))
	defer span.End()
	entry, err := e.lineage.CreateVersion(ctx, signature, hash, solution, supersedes)
	return entry, e.finish(ctx, span, op, err)
}

// GetLatestFixVersion returns the active head of a signature's chain, or nil.
func (e *Engine) GetLatestFixVersion(ctx context.Context, signature string) (*lineage.VersionEntry, error) {
	const op = "get_latest_fix_version"
	ctx, span := e.start(ctx, op)
	defer span.End()
	entry, err := e.lineage.Latest(ctx, signature)
	return entry, e.finish(ctx, span, op, err)
}

// GetEvolutionPath returns the version chain hash belongs to, oldest first.
func (e *Engine) GetEvolutionPath(ctx context.Context, hash string) ([]lineage.VersionEntry, error) {
	const op = "get_evolution_path"
	ctx, span := e.start(ctx, op, attribute.String("fix_hash", hash))
	defer span.End()
	path, err := e.lineage.EvolutionPath(ctx, hash)
	return path, e.finish(ctx, span, op, err)
}
