package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/Veraticus/spice-categorizer/internal/cli"
	"github.com/Veraticus/spice-categorizer/internal/engine"
	"github.com/Veraticus/spice-categorizer/internal/model"
	"github.com/Veraticus/spice-categorizer/internal/ofx"
)

func categorizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "categorize [merchant text]",
		Aliases: []string{"cat"},
		Short:   "Suggest categories for a transaction or an OFX/QFX export",
		Long: `Rank categories for one transaction, or for every transaction in an OFX/QFX file.

Each suggestion carries a confidence between 0 and 1 and the reason it was chosen.
Use --explain to see how each confidence signal contributed.`,
		Example: `  # One transaction
  spice categorize "SQ *BLUE BOTTLE COFFEE" --amount 6.50

  # A bank export, applying confident matches to a log file
  spice categorize --ofx ~/Downloads/checking.qfx --apply-to applied.jsonl`,
		Args: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("ofx")
			if file == "" && len(args) == 0 {
				return errors.New("provide merchant text or --ofx")
			}
			if file != "" && len(args) > 0 {
				return errors.New("merchant text and --ofx are mutually exclusive")
			}
			return nil
		},
		RunE: runCategorize,
	}

	cmd.Flags().String("ofx", "", "OFX/QFX file to categorize")
	cmd.Flags().String("amount", "", "Transaction amount")
	cmd.Flags().String("description", "", "Transaction description or memo")
	cmd.Flags().String("at", "", "Transaction time (RFC 3339, default now)")
	cmd.Flags().String("ref", "", "Transaction reference")
	cmd.Flags().Bool("explain", false, "Show the confidence breakdown")
	cmd.Flags().Bool("json", false, "Print results as JSON")
	cmd.Flags().Bool("quiet", false, "Only print the summary for files")
	cmd.Flags().Int("alternatives", 0, "Number of alternative categories to show (default from match.max_alternatives)")
	cmd.Flags().String("apply-to", "", "Append confident matches to this JSON lines file")
	cmd.Flags().Bool("stats", false, "Print match and cache metrics when done")

	return cmd
}

func runCategorize(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	file, _ := cmd.Flags().GetString("ofx")
	explain, _ := cmd.Flags().GetBool("explain")
	asJSON, _ := cmd.Flags().GetBool("json")
	quiet, _ := cmd.Flags().GetBool("quiet")
	alternatives, _ := cmd.Flags().GetInt("alternatives")
	applyTo, _ := cmd.Flags().GetString("apply-to")
	stats, _ := cmd.Flags().GetBool("stats")

	var opts appOptions
	if applyTo != "" {
		applier, err := newFileApplier(applyTo)
		if err != nil {
			return err
		}
		defer func() { _ = applier.Close() }()
		opts.applier = applier
	}

	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	a.engine.Start(ctx)

	options := engine.Options{Alternatives: alternatives, AutoApply: applyTo != ""}
	out := cmd.OutOrStdout()

	if file == "" {
		rec, err := recordFromFlags(cmd, strings.Join(args, " "))
		if err != nil {
			return err
		}
		result, err := a.engine.Categorize(ctx, rec, options)
		if err != nil {
			return err
		}
		if asJSON {
			if err := json.NewEncoder(out).Encode(result); err != nil {
				return err
			}
		} else {
			fmt.Fprintln(out, cli.RenderResult(result, explain))
		}
	} else {
		if err := categorizeFile(cmd, a, file, options, explain, asJSON, quiet); err != nil {
			return err
		}
	}

	if stats {
		return a.printStats(ctx, cmd.ErrOrStderr())
	}
	return nil
}

func categorizeFile(cmd *cobra.Command, a *app, path string, options engine.Options, explain, asJSON, quiet bool) error {
	f, err := os.Open(path) //nolint:gosec // user-supplied statement file
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	records, err := ofx.NewParser().ParseFile(cmd.Context(), f)
	if err != nil {
		return err
	}

	interrupts := cli.NewInterruptHandler(cmd.ErrOrStderr())
	ctx := interrupts.HandleInterrupts(cmd.Context(), "Categorization", "Results finished so far are shown below.")

	var progress *cli.Progress
	if !asJSON {
		progress = cli.NewProgress(cmd.ErrOrStderr(), len(records), "Categorizing transactions...")
		options.Progress = progress.Step
	}

	results, err := a.engine.CategorizeBatch(ctx, records, options)
	if progress != nil {
		progress.Finish()
	}
	if err != nil && !interrupts.WasInterrupted() {
		return err
	}

	summary := engine.Summarize(results)
	out := cmd.OutOrStdout()
	if asJSON {
		return json.NewEncoder(out).Encode(struct {
			Summary json.RawMessage       `json:"summary"`
			Results []*model.RankedResult `json:"results"`
		}{Summary: json.RawMessage(summary.GetDisplay()), Results: results})
	}

	if !quiet {
		for _, r := range results {
			if r != nil {
				fmt.Fprintln(out, cli.RenderResult(r, explain))
				fmt.Fprintln(out)
			}
		}
	}
	fmt.Fprintln(out, cli.RenderSummary(summary))
	return nil
}

func recordFromFlags(cmd *cobra.Command, merchant string) (model.TransactionRecord, error) {
	amount, _ := cmd.Flags().GetString("amount")
	description, _ := cmd.Flags().GetString("description")
	at, _ := cmd.Flags().GetString("at")
	ref, _ := cmd.Flags().GetString("ref")

	rec := model.TransactionRecord{
		Ref:             ref,
		MerchantText:    merchant,
		DescriptionText: description,
		Timestamp:       time.Now(),
	}
	if amount != "" {
		d, err := decimal.NewFromString(strings.TrimPrefix(amount, "$"))
		if err != nil {
			return rec, fmt.Errorf("invalid --amount %q: %w", amount, err)
		}
		rec.Amount = d
	}
	if at != "" {
		ts, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return rec, fmt.Errorf("invalid --at %q: %w", at, err)
		}
		rec.Timestamp = ts
	}
	return rec, nil
}
