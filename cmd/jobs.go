package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/meridian-advisors/dealdesk/internal/model"
	"github.com/meridian-advisors/dealdesk/internal/report"
	"github.com/meridian-advisors/dealdesk/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect analysis job history",
	Long:  "Commands for listing, viewing, and pruning persisted analysis jobs.",
}

// -- jobs list --

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List analysis jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		symbol, _ := cmd.Flags().GetString("symbol")
		limit, _ := cmd.Flags().GetInt("limit")

		jobs, err := st.ListJobs(ctx, store.JobFilter{
			Status: model.JobStatus(status),
			Symbol: symbol,
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "jobs list")
		}

		if len(jobs) == 0 {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}

		formatJobsList(os.Stdout, jobs)
		return nil
	},
}

// -- jobs show --

var jobsShowCmd = &cobra.Command{
	Use:   "show <request-id>",
	Short: "Show the full report for a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		job, err := st.GetJob(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report.Assemble(job))
	},
}

// -- jobs prune --

var jobsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete jobs older than the retention window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		days, _ := cmd.Flags().GetInt("max-age-days")
		if days <= 0 {
			days = cfg.Retention.MaxAgeDays
		}
		cutoff := time.Now().UTC().AddDate(0, 0, -days)

		n, err := st.DeleteJobsBefore(ctx, cutoff)
		if err != nil {
			return eris.Wrap(err, "jobs prune")
		}

		fmt.Printf("Deleted %d jobs older than %d days.\n", n, days)
		return nil
	},
}

func init() {
	jobsListCmd.Flags().String("status", "", "filter by job status (pending, running, succeeded, partial, failed)")
	jobsListCmd.Flags().String("symbol", "", "filter by target or acquirer symbol")
	jobsListCmd.Flags().Int("limit", 50, "max number of jobs to display")

	jobsPruneCmd.Flags().Int("max-age-days", 0, "retention window in days (default from config)")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsPruneCmd)
	rootCmd.AddCommand(jobsCmd)
}

// formatJobsList writes a tabular list of jobs to w.
func formatJobsList(out io.Writer, jobs []model.AnalysisJob) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTARGET\tACQUIRER\tSTATUS\tSTAGES\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t------\t--------\t------\t------\t-------\t--------")

	for _, j := range jobs {
		dur := j.UpdatedAt.Sub(j.CreatedAt).Round(time.Second).String()

		succeeded := 0
		for _, st := range j.Stages {
			if st.Status == model.StageStatusSucceeded {
				succeeded++
			}
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			truncateID(j.Request.ID),
			j.Request.TargetSymbol,
			j.Request.AcquirerSymbol,
			j.Status,
			succeeded, len(j.Stages),
			j.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
