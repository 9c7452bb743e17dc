package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/sells-group/sourcing-cli/internal/extract"
	"github.com/sells-group/sourcing-cli/internal/lookup"
)

var lookupCmd = &cobra.Command{
	Use:   "lookup <identifier>",
	Short: "Look up and score a single product",
	Long:  "Buys one product lookup through the budget guard, extracts its signals and scores it.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "lookup", envOptions{})
		if err != nil {
			return err
		}
		defer env.Close()

		domain, _ := cmd.Flags().GetString("domain")
		if domain == "" {
			domain = cfg.Discovery.Domain
		}
		var acquisition *decimal.Decimal
		if raw, _ := cmd.Flags().GetString("acquisition-cost"); raw != "" {
			d, err := decimal.NewFromString(raw)
			if err != nil {
				return eris.Wrapf(err, "lookup: parse acquisition cost %q", raw)
			}
			acquisition = &d
		}

		scored, err := env.Lookup.Score(ctx, args[0], domain, acquisition)
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(os.Stdout, scored)
		}
		formatScored(os.Stdout, scored)
		return nil
	},
}

func init() {
	lookupCmd.Flags().String("domain", "", "marketplace domain (default from config)")
	lookupCmd.Flags().String("acquisition-cost", "", "buy cost in currency units (default from scoring policy)")
	lookupCmd.Flags().Bool("json", false, "print as JSON")
	rootCmd.AddCommand(lookupCmd)
}

func formatScored(out io.Writer, s *lookup.Scored) {
	snap := s.Snapshot
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Identifier:\t%s (%s)\n", snap.Identifier, snap.Domain)
	_, _ = fmt.Fprintf(w, "Category:\t%s\n", snap.Category)
	_, _ = fmt.Fprintf(w, "Rank:\t%s\n", formatField(snap.Rank, strconv.Itoa))
	_, _ = fmt.Fprintf(w, "Buy box:\t%s\n", formatField(snap.Prices.Primary, money))
	_, _ = fmt.Fprintf(w, "Lowest new:\t%s\n", formatField(snap.Prices.Alternate, money))
	_, _ = fmt.Fprintf(w, "Lowest used:\t%s\n", formatField(snap.Prices.Marketplace, money))
	_, _ = fmt.Fprintf(w, "Last update:\t%s\n", formatField(snap.Freshness, func(t time.Time) string {
		return t.Format(time.RFC3339)
	}))
	_, _ = fmt.Fprintf(w, "Acquisition:\t%s\n", money(s.AcquisitionCost))
	_, _ = fmt.Fprintf(w, "ROI:\t%s\n", formatROI(s.Score.ROI))
	_, _ = fmt.Fprintf(w, "Velocity:\t%.1f\n", s.Score.Velocity)
	_, _ = fmt.Fprintf(w, "Confidence:\t%.2f\n", s.Score.Confidence)
	_, _ = fmt.Fprintf(w, "Tier:\t%s\n", s.Score.Tier)
	_, _ = fmt.Fprintf(w, "Tokens left:\t%d\n", s.TokensLeft)
	_ = w.Flush()
}

func formatField[T any](f extract.Field[T], format func(T) string) string {
	if !f.Present() {
		return "-"
	}
	return fmt.Sprintf("%s  [%s, %.2f]", format(*f.Value), f.Source, f.Confidence)
}

func money(d decimal.Decimal) string {
	return "$" + d.StringFixed(2)
}
