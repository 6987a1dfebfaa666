package main

import (
	"context"

	"github.com/spf13/cobra"
)

func (a *app) abCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ab",
		Short: "Run A/B tests between two fixes for one error",
	}

	var days int
	create := &cobra.Command{
		Use:   "create <signature> <fix-a> <fix-b>",
		Short: "Start an A/B test",
		Args:  cobra.ExactArgs(3),
		RunE: a.action(func(ctx context.Context, args []string) error {
			id, err := a.engine.CreateABTest(ctx, args[0], args[1], args[2], days)
			if err != nil {
				return err
			}
			return a.printJSON(map[string]string{"test_id": id})
		}),
	}
	create.Flags().IntVar(&days, "days", 7, "test duration in days")

	variant := &cobra.Command{
		Use:   "variant <signature>",
		Short: "Assign a variant from the active test",
		Args:  cobra.ExactArgs(1),
		RunE: a.action(func(ctx context.Context, args []string) error {
			hash, err := a.engine.GetABTestVariant(ctx, args[0])
			if err != nil {
				return err
			}
			return a.printJSON(map[string]string{"fix_hash": hash})
		}),
	}

	var failed bool
	record := &cobra.Command{
		Use:   "record <signature> <fix-hash>",
		Short: "Record an outcome for a variant",
		Args:  cobra.ExactArgs(2),
		RunE: a.action(func(ctx context.Context, args []string) error {
			t, err := a.engine.RecordABTestResult(ctx, args[0], args[1], !failed)
			if err != nil {
				return err
			}
			return a.printJSON(t)
		}),
	}
	record.Flags().BoolVar(&failed, "failed", false, "the variant did not work")

	finalize := &cobra.Command{
		Use:   "finalize <test-id>",
		Short: "Complete a test and pick its winner",
		Args:  cobra.ExactArgs(1),
		RunE: a.action(func(ctx context.Context, args []string) error {
			t, err := a.engine.FinalizeABTest(ctx, args[0])
			if err != nil {
				return err
			}
			return a.printJSON(t)
		}),
	}

	show := &cobra.Command{
		Use:   "show <test-id>",
		Short: "Show a test",
		Args:  cobra.ExactArgs(1),
		RunE: a.action(func(ctx context.Context, args []string) error {
			t, err := a.engine.GetABTest(ctx, args[0])
			if err != nil {
				return err
			}
			return a.printJSON(t)
		}),
	}

	cmd.AddCommand(create, variant, record, finalize, show)
	return cmd
}
