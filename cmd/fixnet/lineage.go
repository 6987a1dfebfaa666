package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/fixnet/internal/lineage"
)

func (a *app) branchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "branch",
		Short: "Link fixes into a branch graph",
	}

	var link lineage.BranchLink
	var rel string
	create := &cobra.Command{
		Use:   "create <source-hash> <target-hash>",
		Short: "Record that target branches from source",
		Args:  cobra.ExactArgs(2),
		RunE: a.action(func(ctx context.Context, args []string) error {
			link.SourceHash, link.TargetHash = args[0], args[1]
			link.Relationship = lineage.Relationship(rel)
			created, err := a.engine.CreateBranch(ctx, link)
			if err != nil {
				return err
			}
			return a.printJSON(created)
		}),
	}
	create.Flags().StringVar(&rel, "relationship", string(lineage.RelContextVariant), "context_variant, inspired_by or supersedes")
	create.Flags().StringVar(&link.ScriptContext, "script-context", "", "script the variant applies to")
	create.Flags().StringVar(&link.VariationReason, "reason", "", "why the branch differs")

	var depth int
	tree := &cobra.Command{
		Use:   "tree <fix-hash>",
		Short: "Show the branches reachable from a fix",
		Args:  cobra.ExactArgs(1),
		RunE: a.action(func(ctx context.Context, args []string) error {
			node, err := a.engine.GetBranchTree(ctx, args[0], depth)
			if err != nil {
				return err
			}
			return a.printJSON(node)
		}),
	}
	tree.Flags().IntVar(&depth, "depth", 3, "maximum depth")

	cmd.AddCommand(create, tree)
	return cmd
}

func (a *app) versionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Manage the version chain of an error signature",
	}

	var signature, solution, supersedes string
	create := &cobra.Command{
		Use:   "create <fix-hash>",
		Short: "Append a fix to a signature's version chain",
		Args:  cobra.ExactArgs(1),
		RunE: a.action(func(ctx context.Context, args []string) error {
			entry, err := a.engine.CreateFixVersion(ctx, signature, args[0], solution, supersedes)
			if err != nil {
				return err
			}
			return a.printJSON(entry)
		}),
	}
	create.Flags().StringVar(&signature, "signature", "", "error signature (required)")
	create.Flags().StringVar(&solution, "solution", "", "solution text of this version")
	create.Flags().StringVar(&supersedes, "supersedes", "", "hash this version replaces")
	_ = create.MarkFlagRequired("signature")

	latest := &cobra.Command{
		Use:   "latest <signature>",
		Short: "Show the newest non-superseded version",
		Args:  cobra.ExactArgs(1),
		RunE: a.action(func(ctx context.Context, args []string) error {
			entry, err := a.engine.GetLatestFixVersion(ctx, args[0])
			if err != nil {
				return err
			}
			return a.printJSON(entry)
		}),
	}

	path := &cobra.Command{
		Use:   "path <fix-hash>",
		Short: "Show the evolution path ending at a fix, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: a.action(func(ctx context.Context, args []string) error {
			entries, err := a.engine.GetEvolutionPath(ctx, args[0])
			if err != nil {
				return err
			}
			return a.printJSON(entries)
		}),
	}

	cmd.AddCommand(create, latest, path)
	return cmd
}
