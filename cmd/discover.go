package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/sells-group/sourcing-cli/internal/discovery"
	"github.com/sells-group/sourcing-cli/internal/scoring"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Run and inspect discovery jobs",
	Long:  "Discovery jobs test identifiers from a product finder selection or a seed list, score each one, and keep those at or above the minimum tier.",
}

var discoverRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a discovery job",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		dcfg, err := jobConfigFromFlags(cmd.Flags())
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "discovery", envOptions{store: true})
		if err != nil {
			return err
		}
		defer env.Close()

		job, runErr := env.Runner.Run(ctx, dcfg, env.Scoring)
		if job == nil {
			return runErr
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		results, err := env.Store.ListResults(ctx, job.ID, discovery.ListOpts{SelectedOnly: true})
		if err != nil {
			return errors.Join(runErr, eris.Wrap(err, "discover run: list results"))
		}
		if asJSON {
			if err := writeJSON(os.Stdout, map[string]any{"job": job, "selected": results}); err != nil {
				return errors.Join(runErr, err)
			}
		} else {
			formatJob(os.Stdout, job)
			formatResults(os.Stdout, results)
		}
		return runErr
	},
}

var discoverEstimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Estimate the most tokens a discovery job would spend",
	RunE: func(cmd *cobra.Command, _ []string) error {
		dcfg, err := jobConfigFromFlags(cmd.Flags())
		if err != nil {
			return err
		}
		if err := dcfg.WithDefaults().Validate(); err != nil {
			return err
		}

		env, err := initEnv(cmd.Context(), "store", envOptions{offline: true})
		if err != nil {
			return err
		}
		defer env.Close()

		tokens, err := discovery.EstimateCost(dcfg, env.Registry)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(os.Stdout, "Estimated tokens: %d\n", tokens)
		return nil
	},
}

var discoverStatusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show discovery job status",
	Long:  "Without an argument, list recent jobs. With a job ID, show the job and its results.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "store", envOptions{offline: true, store: true})
		if err != nil {
			return err
		}
		defer env.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		if len(args) == 0 {
			jobs, err := env.Store.List(ctx, limit)
			if err != nil {
				return eris.Wrap(err, "discover status: list jobs")
			}
			if len(jobs) == 0 {
				zap.L().Info("no discovery jobs found")
				return nil
			}
			if asJSON {
				return writeJSON(os.Stdout, jobs)
			}
			formatJobs(os.Stdout, jobs)
			return nil
		}

		job, err := env.Store.Get(ctx, args[0])
		if err != nil {
			return err
		}
		selectedOnly, _ := cmd.Flags().GetBool("selected")
		results, err := env.Store.ListResults(ctx, job.ID, discovery.ListOpts{SelectedOnly: selectedOnly, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "discover status: list results")
		}
		if asJSON {
			return writeJSON(os.Stdout, map[string]any{"job": job, "results": results})
		}
		formatJob(os.Stdout, job)
		formatResults(os.Stdout, results)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{discoverRunCmd, discoverEstimateCmd} {
		addJobFlags(c.Flags())
	}
	discoverRunCmd.Flags().Bool("json", false, "print the job and selected results as JSON")

	discoverStatusCmd.Flags().Int("limit", 20, "maximum jobs or results to show")
	discoverStatusCmd.Flags().Bool("selected", false, "show only selected results")
	discoverStatusCmd.Flags().Bool("json", false, "print as JSON")

	discoverCmd.AddCommand(discoverRunCmd, discoverEstimateCmd, discoverStatusCmd)
	rootCmd.AddCommand(discoverCmd)
}

// addJobFlags registers the flags that override discovery defaults.
func addJobFlags(fs *pflag.FlagSet) {
	fs.String("selection", "", "product finder selection as a JSON object")
	fs.String("selection-file", "", "file holding the product finder selection JSON")
	fs.StringSlice("ids", nil, "seed identifiers (comma separated)")
	fs.String("ids-file", "", "file with one seed identifier per line")
	fs.String("domain", "", "marketplace domain (default from config)")
	fs.Int("max-pages", 0, "finder pages to request (default from config)")
	fs.Int("per-page", 0, "finder page size (default from config)")
	fs.Int("max-items", 0, "maximum identifiers to test (default from config)")
	fs.Duration("max-duration", 0, "wall-clock limit for the job (default from config)")
	fs.Int("concurrency", 0, "parallel lookups (default from config)")
	fs.Int("batch-size", 0, "results per persisted batch (default from config)")
	fs.String("min-tier", "", "lowest tier that is selected: STRONG_BUY, BUY, CONSIDER")
	fs.String("acquisition-cost", "", "fixed buy cost per item in currency units")
}

// jobConfigFromFlags layers changed flags over the configured defaults.
func jobConfigFromFlags(fs *pflag.FlagSet) (discovery.Config, error) {
	dcfg := cfg.Discovery.Job()

	selection, _ := fs.GetString("selection")
	if path, _ := fs.GetString("selection-file"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return dcfg, eris.Wrapf(err, "discover: read selection file %s", path)
		}
		selection = string(b)
	}
	if strings.TrimSpace(selection) != "" {
		if err := json.Unmarshal([]byte(selection), &dcfg.Selection); err != nil {
			return dcfg, eris.Wrap(err, "discover: parse selection")
		}
	}

	ids, _ := fs.GetStringSlice("ids")
	if path, _ := fs.GetString("ids-file"); path != "" {
		fileIDs, err := readIdentifiers(path)
		if err != nil {
			return dcfg, err
		}
		ids = append(ids, fileIDs...)
	}
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			dcfg.Identifiers = append(dcfg.Identifiers, id)
		}
	}

	if fs.Changed("domain") {
		dcfg.Domain, _ = fs.GetString("domain")
	}
	if fs.Changed("max-pages") {
		dcfg.MaxPages, _ = fs.GetInt("max-pages")
	}
	if fs.Changed("per-page") {
		dcfg.PerPage, _ = fs.GetInt("per-page")
	}
	if fs.Changed("max-items") {
		dcfg.MaxItems, _ = fs.GetInt("max-items")
	}
	if fs.Changed("max-duration") {
		dcfg.MaxDuration, _ = fs.GetDuration("max-duration")
	}
	if fs.Changed("concurrency") {
		dcfg.Concurrency, _ = fs.GetInt("concurrency")
	}
	if fs.Changed("batch-size") {
		dcfg.BatchSize, _ = fs.GetInt("batch-size")
	}
	if fs.Changed("min-tier") {
		tier, _ := fs.GetString("min-tier")
		dcfg.MinTier = scoring.Tier(strings.ToUpper(tier))
	}
	if raw, _ := fs.GetString("acquisition-cost"); raw != "" {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return dcfg, eris.Wrapf(err, "discover: parse acquisition cost %q", raw)
		}
		dcfg.AcquisitionCost = &d
	}
	return dcfg, nil
}

func readIdentifiers(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "discover: open ids file %s", path)
	}
	defer f.Close() //nolint:errcheck

	var ids []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrapf(err, "discover: read ids file %s", path)
	}
	return ids, nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return eris.Wrap(err, "encode json")
	}
	return nil
}

func formatJob(out io.Writer, j *discovery.Job) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Job:\t%s\n", j.ID)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", j.Status)
	if j.StopReason != "" {
		_, _ = fmt.Fprintf(w, "Stop reason:\t%s\n", j.StopReason)
	}
	_, _ = fmt.Fprintf(w, "Tested:\t%d\n", j.TotalTested)
	_, _ = fmt.Fprintf(w, "Selected:\t%d\n", j.TotalSelected)
	_, _ = fmt.Fprintf(w, "Errors:\t%d\n", j.ErrorCount)
	_, _ = fmt.Fprintf(w, "Tokens:\t%d used / %d estimated\n", j.TokensUsed, j.TokensEstimated)
	if j.StartedAt != nil && j.FinishedAt != nil {
		_, _ = fmt.Fprintf(w, "Duration:\t%s\n", j.FinishedAt.Sub(*j.StartedAt).Round(time.Millisecond))
	}
	if j.Error != "" {
		_, _ = fmt.Fprintf(w, "Error:\t%s\n", j.Error)
	}
	_ = w.Flush()
}

func formatJobs(out io.Writer, jobs []discovery.Job) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tSTOP\tTESTED\tSELECTED\tTOKENS\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t------\t----\t------\t--------\t------\t-------")

	for _, j := range jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			shortUUID(j.ID),
			j.Status,
			j.StopReason,
			j.TotalTested,
			j.TotalSelected,
			j.TokensUsed,
			j.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

func formatResults(out io.Writer, results []discovery.ItemResult) {
	if len(results) == 0 {
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "\nIDENTIFIER\tTIER\tROI\tVELOCITY\tCONFIDENCE\tERROR")
	_, _ = fmt.Fprintln(w, "----------\t----\t---\t--------\t----------\t-----")

	for _, r := range results {
		tier, roi, velocity, confidence := "-", "-", "-", "-"
		if r.Score != nil {
			tier = string(r.Score.Tier)
			roi = formatROI(r.Score.ROI)
			velocity = fmt.Sprintf("%.1f", r.Score.Velocity)
			confidence = fmt.Sprintf("%.2f", r.Score.Confidence)
		}
		errMsg := r.Error
		if len(errMsg) > 50 {
			errMsg = errMsg[:47] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", r.Identifier, tier, roi, velocity, confidence, errMsg)
	}
	_ = w.Flush()
}

func formatROI(r scoring.ROI) string {
	if r.Status != scoring.ROIOK {
		return string(r.Status)
	}
	return fmt.Sprintf("%.1f%%", r.Percent)
}

func shortUUID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
