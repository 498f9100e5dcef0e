package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/attribution-goat/attribution-goat/internal/stats"
	"github.com/attribution-goat/attribution-goat/internal/store"
)

var resultsAPIKey string

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Show conversions per variation",
	Long:  `Show collected conversions, revenue and share per variation, with confidence intervals.`,
	RunE:  runResults,
}

func init() {
	resultsCmd.Flags().StringVar(&resultsAPIKey, "api-key", "", "only this account (default: all)")
	rootCmd.AddCommand(resultsCmd)
}

func runResults(cmd *cobra.Command, args []string) error {
	return withStore(func(s *store.SQLiteStore) error {
		rows, err := s.GetVariationStats(context.Background(), resultsAPIKey)
		if err != nil {
			return fmt.Errorf("failed to get stats: %w", err)
		}
		printResults(cmd.OutOrStdout(), stats.Summarize(rows))
		return nil
	})
}

func printResults(w io.Writer, sum *stats.Summary) {
	fmt.Fprintf(w, "CONVERSIONS: %d\n", sum.Conversions)
	fmt.Fprintf(w, "REVENUE: %.2f\n", sum.Revenue)
	if sum.Unattributed > 0 {
		fmt.Fprintf(w, "UNATTRIBUTED: %d\n", sum.Unattributed)
	}
	fmt.Fprintln(w)

	if len(sum.Variations) == 0 {
		fmt.Fprintln(w, "No attributed conversions yet")
		return
	}

	fmt.Fprintln(w, "VARIATION         CONV   REVENUE     AOV       SHARE    95% CI")
	fmt.Fprintln(w, strings.Repeat("─", 72))

	for _, v := range sum.Variations {
		indicator := ""
		if v.VariationID == sum.Leading && len(sum.Variations) > 1 {
			indicator = " ← LEADING"
		}

		// Truncate id if too long
		id := v.VariationID
		if len(id) > 16 {
			id = id[:13] + "..."
		}

		fmt.Fprintf(w, "%-16s  %-5d  %-10.2f  %-8.2f  %-7s  [%.1f%%, %.1f%%]%s\n",
			id,
			v.Conversions,
			v.Revenue,
			v.AOV,
			formatPercent(v.Share),
			v.ShareLower*100,
			v.ShareUpper*100,
			indicator,
		)
	}

	fmt.Fprintln(w)

	if len(sum.Variations) > 1 {
		confPct := sum.LeadConfidence * 100
		switch {
		case sum.Confident:
			fmt.Fprintf(w, "Statistical significance: %.1f%% confident \"%s\" drives the most conversions\n", confPct, sum.Leading)
		case confPct >= 90:
			fmt.Fprintf(w, "Statistical significance: %.1f%% confident \"%s\" leads (not yet significant)\n", confPct, sum.Leading)
		default:
			fmt.Fprintln(w, "Statistical significance: Not enough data to determine a leader")
		}
	}
}

func formatPercent(rate float64) string {
	if rate == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.1f%%", rate*100)
}
