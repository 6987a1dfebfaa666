package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/fixnet/internal/reputation"
)

func (a *app) voteCmd() *cobra.Command {
	var failed bool
	cmd := &cobra.Command{
		Use:   "vote <fix-hash>",
		Short: "Vote on whether a fix worked",
		Long: `Vote on whether a fix worked. Requires a user, set with --user or
identity.user_id. One vote per user per fix.`,
		Args: cobra.ExactArgs(1),
		RunE: a.action(func(ctx context.Context, args []string) error {
			user, err := a.user()
			if err != nil {
				return err
			}
			res, err := a.engine.VoteOnFixSuccess(ctx, args[0], user, !failed)
			if err != nil {
				return err
			}
			return a.printJSON(res)
		}),
	}
	cmd.Flags().BoolVar(&failed, "failed", false, "the fix did not work")
	return cmd
}

func (a *app) votesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "votes <fix-hash>",
		Short: "Show vote statistics for a fix",
		Args:  cobra.ExactArgs(1),
		RunE: a.action(func(ctx context.Context, args []string) error {
			stats, err := a.engine.GetVoteStatistics(ctx, args[0])
			if err != nil {
				return err
			}
			return a.printJSON(stats)
		}),
	}
}

func (a *app) reportSpamCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "report-spam <fix-hash>",
		Short: "Report a fix as spam",
		Args:  cobra.ExactArgs(1),
		RunE: a.action(func(ctx context.Context, args []string) error {
			res, err := a.engine.ReportSpam(ctx, args[0], reason)
			if err != nil {
				return err
			}
			return a.printJSON(res)
		}),
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the fix is spam")
	return cmd
}

func (a *app) safeCmd() *cobra.Command {
	var solution string
	cmd := &cobra.Command{
		Use:   "safe <fix-hash>",
		Short: "Check whether a fix is safe to use",
		Args:  cobra.ExactArgs(1),
		RunE: a.action(func(ctx context.Context, args []string) error {
			report, err := a.engine.IsSafeToUse(ctx, args[0], solution)
			if err != nil {
				return err
			}
			return a.printJSON(report)
		}),
	}
	cmd.Flags().StringVar(&solution, "solution", "", "solution to check (default: the stored fix)")
	return cmd
}

func (a *app) checkCmd() *cobra.Command {
	var solution string
	cmd := &cobra.Command{
		Use:   "check <fix-hash>",
		Short: "Run every fraud check against a solution",
		Args:  cobra.ExactArgs(1),
		RunE: a.action(func(ctx context.Context, args []string) error {
			v, err := a.engine.CheckFix(ctx, args[0], solution)
			if err != nil {
				return err
			}
			return a.printJSON(v)
		}),
	}
	cmd.Flags().StringVar(&solution, "solution", "", "solution to check (default: the stored fix)")
	return cmd
}

func (a *app) consensusCmd() *cobra.Command {
	var weighted bool
	cmd := &cobra.Command{
		Use:   "consensus <fix-hash>",
		Short: "Show the community consensus for a fix",
		Args:  cobra.ExactArgs(1),
		RunE: a.action(func(ctx context.Context, args []string) error {
			if weighted {
				rate, err := a.engine.ReputationWeightedConsensus(ctx, args[0])
				if err != nil {
					return err
				}
				return a.printJSON(map[string]any{"fix_hash": args[0], "weighted_success_rate": rate})
			}
			res, err := a.engine.CalculateConsensus(ctx, args[0])
			if err != nil {
				return err
			}
			return a.printJSON(res)
		}),
	}
	cmd.Flags().BoolVar(&weighted, "weighted", false, "only print the reputation-weighted success rate")
	return cmd
}

func (a *app) reputationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reputation",
		Short: "Inspect and update user reputation",
	}

	show := &cobra.Command{
		Use:   "show [user]",
		Short: "Show a user's reputation (default: the current user)",
		Args:  cobra.MaximumNArgs(1),
		RunE: a.action(func(ctx context.Context, args []string) error {
			user, err := a.userArg(args)
			if err != nil {
				return err
			}
			rep, err := a.engine.GetReputation(ctx, user)
			if err != nil {
				return err
			}
			return a.printJSON(rep)
		}),
	}

	var failed bool
	var up, down int
	record := &cobra.Command{
		Use:   "record [user]",
		Short: "Record a fix outcome for a user",
		Args:  cobra.MaximumNArgs(1),
		RunE: a.action(func(ctx context.Context, args []string) error {
			user, err := a.userArg(args)
			if err != nil {
				return err
			}
			var votes *reputation.VoteCounts
			if up > 0 || down > 0 {
				votes = &reputation.VoteCounts{Up: up, Down: down}
			}
			rep, err := a.engine.RecordFixOutcome(ctx, user, !failed, votes)
			if err != nil {
				return err
			}
			return a.printJSON(rep)
		}),
	}
	record.Flags().BoolVar(&failed, "failed", false, "the outcome was a failure")
	record.Flags().IntVar(&up, "up", 0, "up votes received on the fix")
	record.Flags().IntVar(&down, "down", 0, "down votes received on the fix")

	cmd.AddCommand(show, record)
	return cmd
}

// userArg returns the explicit user argument or the configured user.
func (a *app) userArg(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	return a.user()
}
