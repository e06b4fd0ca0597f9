package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/vbonduro/nutrilens/internal/domain"
)

func num(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func cost(usd float64) string {
	return "$" + strconv.FormatFloat(usd, 'f', 4, 64)
}

// renderResult writes a plain-text report of an analysis.
func renderResult(w io.Writer, r *domain.AnalysisResult) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", r.RecipeName)
	fmt.Fprintf(&b, "GI %s (%s)   GL %s (%s)\n\n", num(r.TotalGI), r.GIBand, num(r.TotalGL), r.GLBand)

	if len(r.Ingredients) > 0 {
		b.WriteString("Ingredients\n")
		tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
		for _, ing := range r.Ingredients {
			fmt.Fprintf(tw, "  %s\t%s\tcarbs %sg\tfiber %sg\tGI %s\tGL %s\t[%s]\n",
				ing.Name, ing.Quantity, num(ing.CarbsG), num(ing.FiberG), num(ing.GI), num(ing.GL), ing.Source)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		b.WriteString("\n")
	}

	if r.CookingImpact != "" {
		fmt.Fprintf(&b, "Cooking impact: %s\n\n", r.CookingImpact)
	}

	if len(r.Swaps) > 0 {
		b.WriteString("Swaps\n")
		for _, s := range r.Swaps {
			fmt.Fprintf(&b, "  %s -> %s", s.Original, s.Replacement)
			if s.GLReduction != nil {
				fmt.Fprintf(&b, " (GL -%s)", num(*s.GLReduction))
			}
			fmt.Fprintf(&b, ": %s\n", s.Reason)
		}
		b.WriteString("\n")
	}

	if len(r.Synergies) > 0 {
		b.WriteString("Synergies\n")
		for _, s := range r.Synergies {
			fmt.Fprintf(&b, "  - %s\n", s)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "%s\n", r.Summary)
	if r.Usage != nil {
		fmt.Fprintf(&b, "\n%s input / %s output tokens, %s\n",
			humanize.Comma(r.Usage.InputTokens), humanize.Comma(r.Usage.OutputTokens), cost(r.Usage.Cost))
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func renderTotals(w io.Writer, t domain.UsageTotals) error {
	updated := "never"
	if !t.UpdatedAt.IsZero() {
		updated = humanize.Time(t.UpdatedAt)
	}
	_, err := fmt.Fprintf(w, "requests:      %s\ninput tokens:  %s\noutput tokens: %s\ncost:          %s\nupdated:       %s\n",
		humanize.Comma(t.Requests), humanize.Comma(t.InputTokens), humanize.Comma(t.OutputTokens), cost(t.Cost), updated)
	return err
}

func renderHistory(w io.Writer, entries []*domain.HistoryEntry, now time.Time) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "No analyses recorded yet.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, e := range entries {
		photo := ""
		if e.ImageKey != "" {
			photo = "photo"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Hash[:12], e.RecipeName, photo, humanize.RelTime(e.CreatedAt, now, "ago", "from now"))
	}
	return tw.Flush()
}
