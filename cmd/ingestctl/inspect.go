package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"loadlog-pipeline/internal/query"
)

var jobCmd = &cobra.Command{
	Use:   "job <id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openRemote(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer e.close()

		job, err := e.svc.Queries.Job(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), job)
	},
}

var jobsFlags struct {
	file   string
	report string
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List the jobs of a file or report",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if (jobsFlags.file == "") == (jobsFlags.report == "") {
			return eris.New("jobs: pass exactly one of --file or --report")
		}
		e, err := openRemote(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer e.close()

		var jobs []query.JobView
		if jobsFlags.file != "" {
			jobs, err = e.svc.Queries.JobsByFile(cmd.Context(), jobsFlags.file)
		} else {
			jobs, err = e.svc.Queries.JobsByReport(cmd.Context(), jobsFlags.report)
		}
		if err != nil {
			return err
		}
		formatJobs(cmd.OutOrStdout(), jobs)
		return nil
	},
}

var reportCmd = &cobra.Command{
	Use:   "report <id>",
	Short: "Show a report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openRemote(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer e.close()

		rep, err := e.svc.Queries.Report(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rep)
	},
}

var dlqCount int64

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "List dead-lettered job ids",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openRemote(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer e.close()

		ids, err := e.dlq.DLQPeek(cmd.Context(), dlqCount)
		if err != nil {
			return err
		}
		for _, id := range ids {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return nil
	},
}

// formatJobs writes a tabular representation of jobs to out.
func formatJobs(out io.Writer, jobs []query.JobView) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tKIND\tSTATE\tATTEMPTS\tCREATED\tDURATION\tERROR")
	for _, j := range jobs {
		dur := "-"
		if j.DurationMs != nil {
			dur = (time.Duration(*j.DurationMs * float64(time.Millisecond))).Round(time.Millisecond).String()
		}
		errMsg := ""
		if j.Error != nil {
			errMsg = j.Error.Kind + ": " + j.Error.Message
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			j.ID, j.Kind, j.State, j.Attempts, j.MaxAttempts, j.CreatedAt.Format(time.RFC3339), dur, errMsg)
	}
	_ = w.Flush()
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	jobsCmd.Flags().StringVar(&jobsFlags.file, "file", "", "file id")
	jobsCmd.Flags().StringVar(&jobsFlags.report, "report", "", "report id")
	dlqCmd.Flags().Int64Var(&dlqCount, "count", 100, "maximum ids to list")
	rootCmd.AddCommand(jobCmd, jobsCmd, reportCmd, dlqCmd)
}
