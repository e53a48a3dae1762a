package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Veraticus/spice-categorizer/internal/cli"
	"github.com/Veraticus/spice-categorizer/internal/engine"
)

func maintainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maintain",
		Short: "Decay stale patterns and merge duplicates",
		Long: `Run the learning maintenance sweeps.

decay lowers the confidence of patterns that have not been used recently and deactivates
those that fall below the floor. merge folds near-duplicate patterns of the same category
into one. Both take an automatic snapshot first unless --no-snapshot is given.

run keeps the process alive and runs warm-up, decay and merge on the configured schedule.`,
	}

	cmd.AddCommand(maintainDecayCmd())
	cmd.AddCommand(maintainMergeCmd())
	cmd.AddCommand(maintainRunCmd())

	return cmd
}

func autoSnapshot(cmd *cobra.Command, a *app, operation string) error {
	skip, _ := cmd.Flags().GetBool("no-snapshot")
	if skip {
		return nil
	}
	manager, err := a.snapshots()
	if err != nil {
		return err
	}
	info, err := manager.Auto(cmd.Context(), operation)
	if err != nil {
		return fmt.Errorf("failed to snapshot before %s: %w", operation, err)
	}
	fmt.Fprintln(cmd.ErrOrStderr(), cli.SubtitleStyle.Render("snapshot "+info.ID))
	return nil
}

func maintainDecayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decay",
		Short: "Lower the confidence of unused patterns",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if err := autoSnapshot(cmd, a, "decay"); err != nil {
				return err
			}

			progress := cli.NewProgress(cmd.ErrOrStderr(), 1, "Decaying stale patterns...")
			report, err := a.learner.Decay(ctx, progress.Step)
			progress.Finish()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("scanned %d, decayed %d, deactivated %d",
				report.Scanned, report.Decayed, report.Deactivated)))
			return nil
		},
	}

	cmd.Flags().Bool("no-snapshot", false, "Skip the automatic snapshot")
	return cmd
}

func maintainMergeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge near-duplicate patterns",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if err := autoSnapshot(cmd, a, "merge"); err != nil {
				return err
			}

			report, err := a.learner.MergeSimilar(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range report.Merged {
				fmt.Fprintf(out, "  #%d → #%d (%.2f)\n", m.SourceID, m.TargetID, m.Similarity)
			}
			fmt.Fprintln(out, cli.FormatSuccess(fmt.Sprintf("scanned %d, merged %d", report.Scanned, len(report.Merged))))
			return nil
		},
	}

	cmd.Flags().Bool("no-snapshot", false, "Skip the automatic snapshot")
	return cmd
}

func maintainRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run scheduled maintenance until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			interrupts := cli.NewInterruptHandler(cmd.ErrOrStderr())
			ctx := interrupts.HandleInterrupts(cmd.Context(), "Maintenance", "Running jobs stop at the next pattern.")

			scheduler, err := engine.NewScheduler(a.cache, a.learner, a.cfg.Schedule)
			if err != nil {
				return err
			}
			if err := scheduler.Start(ctx); err != nil {
				return err
			}
			defer scheduler.Stop()

			a.engine.Start(ctx)
			if a.cache.Shared() {
				go func() {
					if err := a.cache.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
						slog.Warn("cache invalidation listener stopped", "error", err)
					}
				}()
			}

			slog.Info("Maintenance scheduler running",
				"warm", a.cfg.Schedule.Warm,
				"decay", a.cfg.Schedule.Decay,
				"merge", a.cfg.Schedule.Merge)
			<-ctx.Done()
			return nil
		},
	}
}
