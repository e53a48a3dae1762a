package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Veraticus/spice-categorizer/internal/cli"
	"github.com/Veraticus/spice-categorizer/internal/learner"
	"github.com/Veraticus/spice-categorizer/internal/model"
)

func learnCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "learn",
		Short: "Teach the categorizer from feedback",
		Long: `Record whether a suggested category was right.

Accepting strengthens the pattern behind the suggestion. Rejecting weakens it.
Correcting weakens it and counts toward a new pattern for the right category; once
the same correction has been made learner.min_corrections times, a pattern is created.`,
		Example: `  spice learn accept "STARBUCKS #4521" coffee
  spice learn reject "AMAZON MKTP" groceries
  spice learn correct "UBER *TRIP" transportation --predicted dining
  spice learn batch feedback.jsonl --atomic`,
	}

	cmd.AddCommand(learnActionCmd(model.ActionAccept, "Confirm a suggested category"))
	cmd.AddCommand(learnActionCmd(model.ActionReject, "Reject a suggested category"))
	cmd.AddCommand(learnActionCmd(model.ActionCorrect, "Give the right category for a transaction"))
	cmd.AddCommand(learnBatchCmd())
	cmd.AddCommand(learnHistoryCmd())

	return cmd
}

func learnActionCmd(action model.LearningAction, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   string(action) + " <merchant> <category>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			description, _ := cmd.Flags().GetString("description")
			ref, _ := cmd.Flags().GetString("ref")

			event := model.LearningEvent{
				ExpenseRef:      ref,
				MerchantText:    args[0],
				DescriptionText: description,
				Action:          action,
			}
			switch action {
			case model.ActionCorrect:
				event.CorrectCategory = args[1]
				event.PredictedCategory, _ = cmd.Flags().GetString("predicted")
			default:
				event.PredictedCategory = args[1]
			}

			a, err := openApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			result, err := a.engine.Feedback(ctx, event)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), describeLearning(result))
			return nil
		},
	}

	cmd.Flags().String("description", "", "Transaction description or memo")
	cmd.Flags().String("ref", "", "Transaction reference")
	if action == model.ActionCorrect {
		cmd.Flags().String("predicted", "", "The category that was suggested, if any")
	}
	return cmd
}

func describeLearning(r *learner.Result) string {
	var lines []string
	switch {
	case r.Created != nil:
		lines = append(lines, cli.FormatSuccess(fmt.Sprintf("created %s pattern #%d %q → %s",
			r.Created.Type, r.Created.ID, r.Created.Value, r.Created.CategoryID)))
	case r.Event.Action == model.ActionCorrect && r.Tally > 0:
		lines = append(lines, cli.FormatInfo(fmt.Sprintf("correction recorded (%d so far toward a new pattern)", r.Tally)))
	default:
		lines = append(lines, cli.FormatSuccess(string(r.Event.Action)+" recorded"))
	}
	if len(r.Updated) > 0 {
		lines = append(lines, cli.SubtleStyle.Render(fmt.Sprintf("  updated patterns %v", r.Updated)))
	}
	if len(r.Deactivated) > 0 {
		lines = append(lines, cli.WarningStyle.Render(fmt.Sprintf("  deactivated patterns %v", r.Deactivated)))
	}
	return strings.Join(lines, "\n")
}

func learnBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch <events.jsonl>",
		Short: "Apply learning events from a JSON lines file",
		Long: `Apply one learning event per line. Each line is a JSON object with the fields
action, merchant_text, description_text, predicted_category and correct_category.

Without --atomic every event is applied on its own and failures are reported per line.
With --atomic either every event is applied or none is.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			atomic, _ := cmd.Flags().GetBool("atomic")

			events, err := readEvents(args[0])
			if err != nil {
				return err
			}

			a, err := openApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			result, err := a.engine.FeedbackBatch(ctx, events, atomic)
			if result != nil {
				for _, item := range result.Items {
					if !item.OK() {
						fmt.Fprintln(cmd.ErrOrStderr(), cli.FormatError(fmt.Sprintf("line %d: %v", item.Index+1, item.Err)))
					}
				}
				fmt.Fprintln(cmd.OutOrStdout(), cli.FormatInfo(fmt.Sprintf("%d applied, %d failed", result.Succeeded, result.Failed)))
			}
			return err
		},
	}

	cmd.Flags().Bool("atomic", false, "Apply all events or none")
	return cmd
}

func readEvents(path string) ([]model.LearningEvent, error) {
	f, err := os.Open(path) //nolint:gosec // user-supplied events file
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var events []model.LearningEvent
	scanner := bufio.NewScanner(f)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var ev model.LearningEvent
		if err := json.Unmarshal([]byte(text), &ev); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return events, nil
}

func learnHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent learning events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			limit, _ := cmd.Flags().GetInt("limit")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg.Database.Path)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			events, err := store.ListLearningEvents(ctx, limit)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), cli.SubtitleStyle.Render("No learning events yet."))
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "TIME\tACTION\tMERCHANT\tPREDICTED\tCORRECT\tPATTERN")
			for _, ev := range events {
				pattern := "-"
				if ev.PatternID != nil {
					pattern = fmt.Sprintf("#%d", *ev.PatternID)
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					formatRelativeTime(ev.Timestamp), ev.Action, ev.MerchantText,
					dash(ev.PredictedCategory), dash(ev.CorrectCategory), pattern)
			}
			return w.Flush()
		},
	}

	cmd.Flags().Int("limit", 20, "Number of events to show")
	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
