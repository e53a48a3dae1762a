package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Veraticus/spice-categorizer/internal/cache"
	"github.com/Veraticus/spice-categorizer/internal/cli"
	"github.com/Veraticus/spice-categorizer/internal/model"
	"github.com/Veraticus/spice-categorizer/internal/service"
)

func patternsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "patterns",
		Aliases: []string{"pattern"},
		Short:   "Manage categorization patterns",
		Long: `Manage the patterns that map transaction text, amounts and times to categories.

Text patterns (merchant, keyword, description) match by similarity. Amount range, regex and
time range patterns match exactly. Composite rules combine patterns with AND, OR or NOT.`,
	}

	cmd.AddCommand(patternsListCmd())
	cmd.AddCommand(patternsShowCmd())
	cmd.AddCommand(patternsAddCmd())
	cmd.AddCommand(patternsDeactivateCmd())
	cmd.AddCommand(patternsMergeCmd())
	cmd.AddCommand(patternsCompositeCmd())

	return cmd
}

func patternsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List patterns",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			typ, _ := cmd.Flags().GetString("type")
			category, _ := cmd.Flags().GetString("category")
			all, _ := cmd.Flags().GetBool("all")
			limit, _ := cmd.Flags().GetInt("limit")
			search, _ := cmd.Flags().GetString("search")

			filter := service.PatternFilter{CategoryID: category, Search: search, IncludeInactive: all, Limit: limit}
			if typ != "" {
				t, err := model.ParsePatternType(typ)
				if err != nil {
					return err
				}
				filter.Type = t
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg.Database.Path)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			patterns, err := store.ListPatterns(ctx, filter)
			if err != nil {
				return fmt.Errorf("failed to list patterns: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.RenderPatterns(patterns))
			return nil
		},
	}

	cmd.Flags().String("type", "", "Only this pattern type (merchant, keyword, description, amount_range, regex, time_range)")
	cmd.Flags().String("category", "", "Only this category")
	cmd.Flags().String("search", "", "Only patterns whose value contains this text")
	cmd.Flags().Bool("all", false, "Include inactive and merged patterns")
	cmd.Flags().Int("limit", 0, "Maximum number of patterns")
	return cmd
}

func patternsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a pattern and what was merged into it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg.Database.Path)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			p, err := store.LoadPattern(ctx, id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, cli.RenderPatterns([]model.Pattern{*p}))
			if p.LastUsedAt != nil {
				fmt.Fprintf(out, "last used %s\n", formatRelativeTime(*p.LastUsedAt))
			}

			merges, err := store.MergeHistory(ctx, id)
			if err != nil {
				return err
			}
			for _, m := range merges {
				fmt.Fprintf(out, "merged #%d (%d uses, %d successes) %s\n",
					m.SourceID, m.MovedUsage, m.MovedSuccess, formatRelativeTime(m.MergedAt))
			}
			return nil
		},
	}
}

func patternsAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <type> <value> <category>",
		Short: "Add a pattern",
		Example: `  spice patterns add merchant "blue bottle" coffee --weight 2
  spice patterns add amount_range 9.99..9.99 subscriptions
  spice patterns add time_range 06:00-10:00 coffee`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			weight, _ := cmd.Flags().GetFloat64("weight")

			typ, err := model.ParsePatternType(args[0])
			if err != nil {
				return err
			}

			a, err := openApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			p := &model.Pattern{
				Type:             typ,
				Value:            args[1],
				CategoryID:       args[2],
				ConfidenceWeight: weight,
				Active:           true,
				UserCreated:      true,
			}
			if typ.IsText() {
				p.NormalizedValue = a.normalizer.Normalize(args[1])
			}
			if err := p.Validate(); err != nil {
				return err
			}
			if err := a.store.SavePattern(ctx, p); err != nil {
				return fmt.Errorf("failed to save pattern: %w", err)
			}
			if err := a.cache.InvalidatePattern(ctx, *p); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("created %s pattern #%d", p.Type, p.ID)))
			return nil
		},
	}

	cmd.Flags().Float64("weight", model.DefaultConfidenceWeight, "Confidence weight")
	return cmd
}

func patternsDeactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "deactivate <id>",
		Aliases: []string{"disable"},
		Short:   "Stop a pattern from matching. Its history is kept.",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			a, err := openApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			p, err := a.store.LoadPattern(ctx, id)
			if err != nil {
				return err
			}
			if err := a.store.DeactivatePattern(ctx, id); err != nil {
				return err
			}
			if err := a.cache.InvalidatePattern(ctx, *p); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("deactivated pattern #%d", id)))
			return nil
		},
	}
}

func patternsMergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge <source-id> <target-id>",
		Short: "Fold one pattern's history into another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			source, err := parseID(args[0])
			if err != nil {
				return err
			}
			target, err := parseID(args[1])
			if err != nil {
				return err
			}

			a, err := openApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			merged, err := a.learner.Merge(ctx, source, target)
			if err != nil {
				return err
			}
			if !merged {
				fmt.Fprintln(cmd.OutOrStdout(), cli.FormatInfo(fmt.Sprintf("pattern #%d was already merged into #%d", source, target)))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("merged pattern #%d into #%d", source, target)))
			return nil
		},
	}
}

func patternsCompositeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "composite <name> <category> <pattern-id>...",
		Short: "Add a composite rule",
		Long: `Add a rule that combines patterns. AND needs every pattern, OR any of them, and NOT
needs the first pattern while none of the others match. Amount, weekday and time window
predicates narrow the rule further.`,
		Example: `  spice patterns composite "catering" dining 12 --amount 50.. --weight 3 --ambiguous
  spice patterns composite "weekday coffee" coffee 12 14 --op or --weekdays mon,tue,wed,thu,fri --window 06:00-10:00`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			op, _ := cmd.Flags().GetString("op")
			amount, _ := cmd.Flags().GetString("amount")
			weekdays, _ := cmd.Flags().GetStringSlice("weekdays")
			window, _ := cmd.Flags().GetString("window")
			weight, _ := cmd.Flags().GetFloat64("weight")
			ambiguous, _ := cmd.Flags().GetBool("ambiguous")

			c := &model.CompositePattern{
				Name:             args[0],
				CategoryID:       args[1],
				ConfidenceWeight: weight,
				Active:           true,
				Ambiguous:        ambiguous,
			}
			operator, err := model.ParseOperator(op)
			if err != nil {
				return err
			}
			c.Operator = operator
			for _, arg := range args[2:] {
				id, err := parseID(arg)
				if err != nil {
					return err
				}
				c.PatternIDs = append(c.PatternIDs, id)
			}
			if amount != "" {
				if c.Amount, err = model.ParseAmountRange(amount); err != nil {
					return err
				}
			}
			if window != "" {
				w, err := model.ParseTimeWindow(window)
				if err != nil {
					return err
				}
				c.Window = &w
			}
			for _, day := range weekdays {
				d, err := parseWeekday(day)
				if err != nil {
					return err
				}
				c.Weekdays = append(c.Weekdays, d)
			}

			a, err := openApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if err := a.store.SaveComposite(ctx, c); err != nil {
				return err
			}
			if err := a.cache.Invalidate(ctx, cache.ActiveCompositesKey, cache.CompositeKey(c.ID)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("created composite #%d %q", c.ID, c.Name)))
			return nil
		},
	}

	cmd.Flags().String("op", "and", "Operator: and, or, not")
	cmd.Flags().String("amount", "", "Amount range, e.g. 50.. or 10..20")
	cmd.Flags().StringSlice("weekdays", nil, "Allowed weekdays, e.g. mon,tue")
	cmd.Flags().String("window", "", "Time of day window, e.g. 06:00-10:00")
	cmd.Flags().Float64("weight", model.DefaultConfidenceWeight, "Confidence weight")
	cmd.Flags().Bool("ambiguous", false, "Allow member patterns of other categories")
	return cmd
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid pattern id %q", s)
	}
	return id, nil
}

func parseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}
