package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/fixnet/internal/consensus"
	"github.com/fyrsmithlabs/fixnet/internal/engine"
	"github.com/fyrsmithlabs/fixnet/internal/fixstore"
)

func (a *app) addCmd() *cobra.Command {
	var req engine.AddFixRequest
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record a fix for an error",
		Long: `Record a fix for an error. A fix whose error and solution closely match an
existing one is merged into it and its version is bumped.

Examples:
  fixnet add --error "NameError: name 'json' is not defined" --solution "import json" --keyword json

  # A variant of an existing fix
  fixnet add --error "..." --solution "..." --keyword json --inspired-by 3f2a9c1e --reason "python2 path"`,
		Args: cobra.NoArgs,
		RunE: a.action(func(ctx context.Context, _ []string) error {
			author, err := a.user()
			if err != nil {
				return err
			}
			req.AuthorID = author
			res, err := a.engine.AddFix(ctx, &req)
			if err != nil {
				return err
			}
			return a.printJSON(res)
		}),
	}
	f := cmd.Flags()
	f.StringVar(&req.ErrorSignature, "error", "", "error message the fix resolves (required)")
	f.StringVar(&req.ErrorType, "type", "", "error type, e.g. ModuleNotFoundError")
	f.StringVar(&req.Solution, "solution", "", "the fix (required)")
	f.StringSliceVar(&req.Keywords, "keyword", nil, "keyword (repeatable, at least one)")
	f.StringToStringVar(&req.Context, "context", nil, "environment key=value pairs, e.g. version=3.11")
	f.StringVar(&req.Program, "program", "", "program the error came from")
	f.StringVar(&req.InspiredBy, "inspired-by", "", "hash of the fix this one varies")
	f.StringVar(&req.VariationReason, "reason", "", "why this variant differs")
	f.StringVar(&req.ScriptContext, "script-context", "", "script context stored on the variant link")
	f.StringVar(&req.Supersedes, "supersedes", "", "hash of the fix this one replaces")
	_ = cmd.MarkFlagRequired("error")
	_ = cmd.MarkFlagRequired("solution")
	return cmd
}

func (a *app) searchCmd() *cobra.Command {
	var (
		q      fixstore.Query
		minRel float64
		cmd    *cobra.Command
	)
	cmd = &cobra.Command{
		Use:   "search <error>",
		Short: "Find fixes for similar errors, local and remote",
		Args:  cobra.ExactArgs(1),
		RunE: a.action(func(ctx context.Context, args []string) error {
			q.Error = args[0]
			if cmd.Flags().Changed("min-relevance") {
				q.MinRelevance = &minRel
			}
			matches, err := a.engine.SearchSimilarFixes(ctx, &q)
			if err != nil {
				return err
			}
			return a.printJSON(matches)
		}),
	}
	cmd.Flags().StringVar(&q.ErrorType, "type", "", "error type hint")
	cmd.Flags().Float64Var(&minRel, "min-relevance", 0, "relevance cutoff (default search.min_relevance)")
	cmd.Flags().IntVar(&q.Limit, "limit", 10, "maximum results (0 for all)")
	return cmd
}

func (a *app) keywordsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keywords <keyword>...",
		Short: "Rank fixes by keyword overlap",
		Args:  cobra.MinimumNArgs(1),
		RunE: a.action(func(ctx context.Context, args []string) error {
			matches, err := a.engine.SearchByKeywords(ctx, args...)
			if err != nil {
				return err
			}
			return a.printJSON(matches)
		}),
	}
}

func (a *app) programCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "program <name>",
		Short: "List fixes recorded for a program",
		Args:  cobra.ExactArgs(1),
		RunE: a.action(func(ctx context.Context, args []string) error {
			fixes, err := a.engine.SearchByProgram(ctx, args[0])
			if err != nil {
				return err
			}
			return a.printJSON(fixes)
		}),
	}
}

func (a *app) bestCmd() *cobra.Command {
	var q consensus.BestFixQuery
	cmd := &cobra.Command{
		Use:   "best <error>",
		Short: "Show the best safe fix for an error",
		Long: `Show the best safe fix for an error. Candidates are ranked by relevance and
community consensus; quarantined and unsafe fixes are skipped. Prints null
when nothing qualifies.`,
		Args: cobra.ExactArgs(1),
		RunE: a.action(func(ctx context.Context, args []string) error {
			q.Error = args[0]
			best, err := a.engine.GetBestFixForError(ctx, &q)
			if err != nil {
				return err
			}
			return a.printJSON(best)
		}),
	}
	cmd.Flags().StringVar(&q.ErrorType, "type", "", "error type hint")
	cmd.Flags().StringToStringVar(&q.Context, "context", nil, "caller environment key=value pairs")
	return cmd
}

func (a *app) usageCmd() *cobra.Command {
	var failed bool
	cmd := &cobra.Command{
		Use:   "usage <fix-hash>",
		Short: "Record that a fix was used",
		Args:  cobra.ExactArgs(1),
		RunE: a.action(func(ctx context.Context, args []string) error {
			fix, err := a.engine.RecordFixUsage(ctx, args[0], !failed)
			if err != nil {
				return err
			}
			return a.printJSON(fix)
		}),
	}
	cmd.Flags().BoolVar(&failed, "failed", false, "the fix did not work")
	return cmd
}

func (a *app) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <fix-hash>",
		Short: "Show a stored fix",
		Args:  cobra.ExactArgs(1),
		RunE: a.action(func(ctx context.Context, args []string) error {
			fix, err := a.engine.GetFix(ctx, args[0])
			if err != nil {
				return err
			}
			return a.printJSON(fix)
		}),
	}
}

func (a *app) cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete fixes that have no keywords",
		Args:  cobra.NoArgs,
		RunE: a.action(func(ctx context.Context, _ []string) error {
			n, err := a.engine.CleanupInvalidFixes(ctx)
			if err != nil {
				return err
			}
			return a.printJSON(map[string]int{"removed": n})
		}),
	}
}
