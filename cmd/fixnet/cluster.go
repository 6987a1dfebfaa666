package main

import (
	"context"

	"github.com/spf13/cobra"
)

func (a *app) clusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Group similar errors and share fixes across them",
	}

	var minSize int
	build := &cobra.Command{
		Use:   "build",
		Short: "Rebuild the error clusters",
		Args:  cobra.NoArgs,
		RunE: a.action(func(ctx context.Context, _ []string) error {
			size := minSize
			if size == 0 {
				size = a.cfg.Cluster.MinClusterSize
			}
			clusters, err := a.engine.ClusterSimilarErrors(ctx, size)
			if err != nil {
				return err
			}
			return a.printJSON(clusters)
		}),
	}
	build.Flags().IntVar(&minSize, "min-size", 0, "minimum cluster size (default cluster.min_cluster_size)")

	forErr := &cobra.Command{
		Use:   "for <error>",
		Short: "Find the cluster an error belongs to",
		Args:  cobra.ExactArgs(1),
		RunE: a.action(func(ctx context.Context, args []string) error {
			id, err := a.engine.GetClusterForError(ctx, args[0])
			if err != nil {
				return err
			}
			return a.printJSON(map[string]string{"cluster_id": id})
		}),
	}

	best := &cobra.Command{
		Use:   "best <cluster-id>",
		Short: "Show the best fix across a cluster",
		Args:  cobra.ExactArgs(1),
		RunE: a.action(func(ctx context.Context, args []string) error {
			fix, err := a.engine.GetClusterBestFix(ctx, args[0])
			if err != nil {
				return err
			}
			return a.printJSON(fix)
		}),
	}

	cmd.AddCommand(build, forErr, best)
	return cmd
}
