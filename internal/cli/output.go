package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/Veraticus/spice-categorizer/internal/engine"
	"github.com/Veraticus/spice-categorizer/internal/model"
)

// ConfidenceStyle colors a confidence by bucket.
func ConfidenceStyle(bucket model.ConfidenceBucket) lipgloss.Style {
	if style, ok := bucketStyles[bucket]; ok {
		return style
	}
	return SubtleStyle
}

// FormatConfidence renders a confidence as "93.8% (very_high)".
func FormatConfidence(c model.Confidence) string {
	bucket := c.Bucket()
	return ConfidenceStyle(bucket).Render(fmt.Sprintf("%.1f%% (%s)", c.Value*100, bucket))
}

// RenderResult renders one categorization. With explain, the confidence factors of the
// best suggestion and every alternative are listed.
func RenderResult(r *model.RankedResult, explain bool) string {
	var b strings.Builder

	label := r.Subject.RawMerchant
	if label == "" {
		label = r.Subject.RawDescription
	}
	b.WriteString(BoldStyle.Render(label))
	if r.Subject.Merchant != "" && r.Subject.Merchant != label {
		b.WriteString(SubtleStyle.Render(" → " + r.Subject.Merchant))
	}
	b.WriteString("\n")

	switch r.Status {
	case model.StatusInvalidInput:
		b.WriteString(FormatWarning("nothing to match after normalization"))
		return b.String()
	case model.StatusNoMatch:
		b.WriteString(FormatWarning("no category cleared the confidence floor"))
	case model.StatusMatched:
		b.WriteString(FormatSuccess(fmt.Sprintf("%s  %s", r.Best.CategoryID, FormatConfidence(r.Best.Confidence))))
		b.WriteString("\n  " + SubtleStyle.Render(r.Best.Reason))
		if explain {
			b.WriteString("\n" + RenderFactors(r.Best.Confidence))
		}
	}

	if r.Applied {
		b.WriteString("\n" + FormatInfo("applied to "+r.Subject.Ref))
	} else if r.ApplyError != "" {
		b.WriteString("\n" + FormatError("auto-apply failed: "+r.ApplyError))
	}

	if len(r.Alternatives) > 0 {
		b.WriteString("\n" + SubtitleStyle.UnsetMargins().Render("alternatives:"))
		for _, alt := range r.Alternatives {
			b.WriteString(fmt.Sprintf("\n  %-20s %s", alt.CategoryID, FormatConfidence(alt.Confidence)))
			if explain {
				b.WriteString("\n    " + SubtleStyle.Render(alt.Reason))
			}
		}
	}

	return b.String()
}

// RenderFactors renders the per-signal breakdown of c as a table.
func RenderFactors(c model.Confidence) string {
	rows := []string{
		TableHeaderStyle.Render(fmt.Sprintf("%-20s %7s %7s %12s", "signal", "value", "weight", "contribution")),
	}
	for _, f := range c.Factors {
		rows = append(rows, TableCellStyle.Render(
			fmt.Sprintf("%-20s %7.3f %7.2f %12.3f", f.Signal, f.Value, f.Weight, f.Contribution)))
	}
	rows = append(rows, SubtleStyle.Render(fmt.Sprintf("weighted sum %.3f → confidence %.3f", c.Raw, c.Value)))
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

// RenderPatterns renders patterns as a table.
func RenderPatterns(patterns []model.Pattern) string {
	if len(patterns) == 0 {
		return SubtleStyle.Render("no patterns")
	}
	rows := []string{
		TableHeaderStyle.Render(fmt.Sprintf("%6s  %-12s %-28s %-16s %6s %7s %8s  %s",
			"id", "type", "value", "category", "weight", "usage", "success", "state")),
	}
	for _, p := range patterns {
		state := SuccessStyle.Render("active")
		switch {
		case p.MergedInto != nil:
			state = SubtleStyle.Render(fmt.Sprintf("merged → #%d", *p.MergedInto))
		case !p.Active:
			state = SubtleStyle.Render("inactive")
		}
		rows = append(rows, TableCellStyle.Render(fmt.Sprintf("%6d  %-12s %-28s %-16s %6.2f %7d %7.0f%%  %s",
			p.ID, p.Type, truncate(p.Value, 28), truncate(p.CategoryID, 16),
			p.ConfidenceWeight, p.UsageCount, p.SuccessRate()*100, state)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

// RenderSummary renders a batch summary.
func RenderSummary(s engine.BatchSummary) string {
	if s.Total == 0 {
		return SubtleStyle.Render("No transactions to categorize")
	}
	lines := []string{
		fmt.Sprintf("%s %d of %d categorized (%.0f%%)", ChartIcon, s.Matched, s.Total, float64(s.Matched)/float64(s.Total)*100),
	}
	for _, name := range s.Categories() {
		lines = append(lines, fmt.Sprintf("  %-20s %d", name, s.ByCategory[name]))
	}
	if s.NoMatch > 0 {
		lines = append(lines, WarningStyle.Render(fmt.Sprintf("  %-20s %d", "no match", s.NoMatch)))
	}
	if s.Invalid > 0 {
		lines = append(lines, WarningStyle.Render(fmt.Sprintf("  %-20s %d", "unreadable", s.Invalid)))
	}
	if s.Failed > 0 {
		lines = append(lines, ErrorStyle.Render(fmt.Sprintf("  %-20s %d", "not processed", s.Failed)))
	}
	if s.Applied > 0 {
		lines = append(lines, InfoStyle.Render(fmt.Sprintf("  %-20s %d", "auto-applied", s.Applied)))
	}
	return RenderBox("Categorization summary", strings.Join(lines, "\n"))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
