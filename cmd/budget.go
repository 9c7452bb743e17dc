package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/sourcing-cli/internal/budget"
	"github.com/sells-group/sourcing-cli/internal/cost"
)

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Show the token balance and action costs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initEnv(cmd.Context(), "lookup", envOptions{})
		if err != nil {
			return err
		}
		defer env.Close()

		status := env.Guard.Status()
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(os.Stdout, map[string]any{
				"status":  status,
				"actions": env.Registry.Actions(),
			})
		}
		formatBudget(os.Stdout, status, env.Registry.Actions())
		return nil
	},
}

func init() {
	budgetCmd.Flags().Bool("json", false, "print as JSON")
	rootCmd.AddCommand(budgetCmd)
}

func formatBudget(out io.Writer, s budget.Status, actions []cost.Action) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Balance:\t%d\n", s.Balance)
	_, _ = fmt.Fprintf(w, "Level:\t%s\n", s.Level)
	_, _ = fmt.Fprintf(w, "Thresholds:\twarning %d, critical %d\n", s.WarningThreshold, s.CriticalThreshold)
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "ACTION\tCOST\tAFFORDABLE\tDESCRIPTION")
	_, _ = fmt.Fprintln(w, "------\t----\t----------\t-----------")
	for _, a := range actions {
		affordable := s.Verified && s.Balance >= s.CriticalThreshold && s.Balance >= a.Cost
		_, _ = fmt.Fprintf(w, "%s\t%d\t%t\t%s\n", a.Name, a.Cost, affordable, a.Description)
	}
	_ = w.Flush()
}
