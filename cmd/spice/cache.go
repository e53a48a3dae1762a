package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Veraticus/spice-categorizer/internal/cli"
)

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the pattern cache",
		Long: `Manage the pattern cache. With cache.redis_url set the cache is shared between
processes, and flushing it tells every running process to drop its local copy.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "flush",
		Short: "Drop every cached pattern",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			removed, err := a.cache.InvalidateAll(ctx)
			if err != nil {
				return fmt.Errorf("failed to flush cache: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("flushed cache (%d shared keys removed)", removed)))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "warm",
		Short: "Preload frequently used patterns",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			warmed, err := a.cache.Warm(ctx, a.cfg.Schedule.Criteria, time.Now())
			if err != nil {
				return fmt.Errorf("failed to warm cache: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("warmed %d patterns", warmed)))
			return nil
		},
	})

	return cmd
}
