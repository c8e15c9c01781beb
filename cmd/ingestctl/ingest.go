package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"loadlog-pipeline/internal/models"
	"loadlog-pipeline/internal/query"
	"loadlog-pipeline/internal/upload"
)

var ingestFlags struct {
	format       string
	strict       bool
	expectedRows int64
	local        bool
	wait         bool
	timeout      time.Duration
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Upload a load-test log and submit its ingest job",
	Long: "Stores the file, records the upload and submits an ingest job. With --local the whole " +
		"pipeline runs in process against in-memory stores and the report is printed.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var e *env
		if ingestFlags.local {
			e = openLocal(cfg)
		} else {
			var err error
			if e, err = openRemote(ctx, cfg); err != nil {
				return err
			}
		}
		defer e.close()

		f, err := os.Open(args[0])
		if err != nil {
			return eris.Wrapf(err, "ingest: open %s", args[0])
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return eris.Wrapf(err, "ingest: stat %s", args[0])
		}

		req := upload.Request{
			Filename: filepath.Base(args[0]),
			Format:   ingestFlags.format,
			Body:     f,
			Size:     info.Size(),
			Strict:   ingestFlags.strict,
		}
		if cmd.Flags().Changed("expected-rows") {
			req.ExpectedRows = &ingestFlags.expectedRows
		}
		acc, err := e.svc.Uploads.Accept(ctx, req)
		if err != nil {
			return eris.Wrap(err, "ingest: accept upload")
		}
		zap.L().Info("upload accepted", zap.String("file_id", acc.FileID), zap.String("job_id", acc.JobID))

		if !e.local && !ingestFlags.wait {
			return printJSON(cmd.OutOrStdout(), query.ViewOf(acc.Job))
		}

		waitCtx, cancel := context.WithTimeout(ctx, ingestFlags.timeout)
		defer cancel()
		job, err := waitForJob(waitCtx, e, acc.JobID)
		if err != nil {
			return err
		}
		if err := printJSON(cmd.OutOrStdout(), job); err != nil {
			return err
		}
		if job.State != models.StateSucceeded {
			return eris.Errorf("ingest: job %s %s: %s", job.ID, job.State, job.Error.Message)
		}
		rep, err := e.svc.Queries.Report(ctx, models.ReportIDForFile(acc.FileID))
		if err != nil {
			return eris.Wrap(err, "ingest: load report")
		}
		return printJSON(cmd.OutOrStdout(), rep)
	},
}

// waitForJob blocks until the job is terminal. Locally it drives the worker itself; otherwise it
// polls the ledger while remote workers run the job.
func waitForJob(ctx context.Context, e *env, id string) (query.JobView, error) {
	for {
		if e.local {
			if _, err := e.svc.Processor.Tick(ctx); err != nil {
				return query.JobView{}, eris.Wrap(err, "ingest: run worker")
			}
		}
		job, err := e.svc.Queries.Job(ctx, id)
		if err != nil {
			return query.JobView{}, err
		}
		if job.State.Terminal() {
			return job, nil
		}

		delay := time.Second
		if e.local {
			delay = 10 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return job, eris.Wrapf(ctx.Err(), "ingest: waiting for job %s (state %s)", id, job.State)
		case <-time.After(delay):
		}
	}
}

func init() {
	f := ingestCmd.Flags()
	f.StringVar(&ingestFlags.format, "format", "", "input format (csv, ndjson, k6-csv, k6-json); derived from the extension when empty")
	f.BoolVar(&ingestFlags.strict, "strict", false, "reject rows with unknown methods or missing fields instead of defaulting them")
	f.Int64Var(&ingestFlags.expectedRows, "expected-rows", 0, "fail the job unless exactly this many rows are staged")
	f.BoolVar(&ingestFlags.local, "local", false, "run the pipeline in process against in-memory stores")
	f.BoolVar(&ingestFlags.wait, "wait", false, "wait for the job to finish and print its report")
	f.DurationVar(&ingestFlags.timeout, "timeout", 10*time.Minute, "how long --wait and --local wait for the job")
	rootCmd.AddCommand(ingestCmd)
}
