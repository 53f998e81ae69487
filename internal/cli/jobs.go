package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ahmethakanbesel/barwatch/internal/app"
	"github.com/ahmethakanbesel/barwatch/internal/batch"
	"github.com/ahmethakanbesel/barwatch/internal/candle"
	"github.com/ahmethakanbesel/barwatch/internal/job"
)

func newJobsCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Create, inspect and run batch jobs",
		Long: `Manage historical batch jobs directly against the database.

Examples:
  barwatch jobs create --instruments EUR_USD,GBP_USD --timeframes H1,H4 \
      --start 2024-01-01 --end 2024-02-01
  barwatch jobs list --status pending
  barwatch jobs run 3f2c...`,
	}

	cmd.AddCommand(
		newJobsCreateCmd(e),
		newJobsListCmd(e),
		newJobsGetCmd(e),
		newJobsRunCmd(e),
		newJobsStatusCmd(e, "pause", "Pause a running job", (*batch.Processor).PauseJob),
		newJobsStatusCmd(e, "cancel", "Cancel a job that has not finished", (*batch.Processor).CancelJob),
		newJobsLogsCmd(e),
		newJobsBackfillCmd(e),
	)
	return cmd
}

// withApp opens the app, runs fn and closes the app again.
func withApp(cmd *cobra.Command, e *env, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := e.openApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close stores: %v\n", err)
		}
	}()
	return fn(ctx, a)
}

func newJobsCreateCmd(e *env) *cobra.Command {
	var (
		req         job.CreateJobRequest
		jobType     string
		timeframes  []string
		start, end  string
		scheduledAt string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a batch job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req.Type = job.Type(jobType)
			for _, tf := range timeframes {
				req.Timeframes = append(req.Timeframes, candle.Timeframe(strings.ToUpper(tf)))
			}

			var err error
			if req.StartDate, err = parseDate(start); err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			if req.EndDate, err = parseDate(end); err != nil {
				return fmt.Errorf("--end: %w", err)
			}
			if scheduledAt != "" {
				t, err := parseDate(scheduledAt)
				if err != nil {
					return fmt.Errorf("--scheduled-at: %w", err)
				}
				req.ScheduledAt = &t
			}
			req.IsRecurring = req.RecurrencePattern != ""
			if req.CreatedBy == "" {
				req.CreatedBy = "cli"
			}

			return withApp(cmd, e, func(ctx context.Context, a *app.App) error {
				j, err := a.Batch.CreateBatchJob(ctx, req)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created job %s (%d items, priority %d)\n", j.ID, j.TotalItems, j.Priority)
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVarP(&jobType, "type", "t", string(job.TypeResistanceDetection),
		"job type: historical_backfill, resistance_detection, data_validation, reprocessing")
	f.StringSliceVarP(&req.Instruments, "instruments", "i", nil, "instruments, e.g. EUR_USD,GBP_USD")
	f.StringSliceVar(&timeframes, "timeframes", []string{"H1"}, "timeframes: H1,H4,D,W")
	f.StringVar(&start, "start", "", "window start (YYYY-MM-DD or RFC3339)")
	f.StringVar(&end, "end", "", "window end (YYYY-MM-DD or RFC3339)")
	f.IntVar(&req.BatchSize, "batch-size", 0, "candles per fetch (default 500)")
	f.IntVar(&req.ConcurrencyLimit, "concurrency", 0, "parallel work items (default 4)")
	f.IntVar(&req.Priority, "priority", 0, "1 (critical) to 10 (background), default 5")
	f.IntVar(&req.MaxRetries, "max-retries", 0, "automatic retries after failure (default 3)")
	f.StringVar(&scheduledAt, "scheduled-at", "", "do not run before this time")
	f.StringVar(&req.RecurrencePattern, "recurring", "", "repeat after completion: hourly, daily, weekly")
	f.StringVar(&req.CreatedBy, "created-by", "", "creator recorded on the job")
	_ = cmd.MarkFlagRequired("instruments")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func newJobsListCmd(e *env) *cobra.Command {
	var (
		status string
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, e, func(ctx context.Context, a *app.App) error {
				jobs, err := a.Batch.ListJobs(ctx, job.Status(status), limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					return writeJSON(out, jobs)
				}
				printJobs(out, jobs)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&status, "status", "s", "", "filter by status")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum jobs to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newJobsGetCmd(e *env) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, e, func(ctx context.Context, a *app.App) error {
				j, err := a.Batch.GetJobStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), j)
				}
				printJob(cmd.OutOrStdout(), j)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newJobsRunCmd(e *env) *cobra.Command {
	var resume, fresh bool

	cmd := &cobra.Command{
		Use:   "run <job-id>",
		Short: "Run a job in the foreground",
		Long: `Run a job to completion in this process and print its result.

A resumable job continues from its checkpoint unless --fresh is given.
Interrupting the run requeues the job with its checkpoint.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if resume && fresh {
				return errors.New("--resume and --fresh are mutually exclusive")
			}
			return withApp(cmd, e, func(ctx context.Context, a *app.App) error {
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()

				j, err := a.Batch.GetJobStatus(ctx, args[0])
				if err != nil {
					return err
				}
				doResume := j.IsResumable()
				switch {
				case resume:
					doResume = true
				case fresh:
					doResume = false
				}

				if err := a.StartQueue(ctx); err != nil {
					return err
				}
				res, err := a.Batch.StartJob(ctx, j.ID, doResume)
				if res != nil {
					if werr := writeJSON(cmd.OutOrStdout(), res); werr != nil {
						return werr
					}
				}
				return err
			})
		},
	}

	cmd.Flags().BoolVar(&resume, "resume", false, "continue from the checkpoint")
	cmd.Flags().BoolVar(&fresh, "fresh", false, "discard the checkpoint and start over")
	return cmd
}

func newJobsStatusCmd(e *env, use, short string,
	fn func(p *batch.Processor, ctx context.Context, id string) (bool, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, e, func(ctx context.Context, a *app.App) error {
				ok, err := fn(a.Batch, ctx, args[0])
				if err != nil {
					return err
				}
				j, err := a.Batch.GetJobStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("cannot %s job %s in status %s", use, j.ID, j.Status)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s is now %s\n", j.ID, j.Status)
				return nil
			})
		},
	}
}

func newJobsLogsCmd(e *env) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "logs <job-id>",
		Short: "Show a job's processing log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, e, func(ctx context.Context, a *app.App) error {
				logs, err := a.Batch.JobLogs(ctx, args[0], limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(logs) == 0 {
					fmt.Fprintln(out, "No log entries")
					return nil
				}
				for _, l := range logs {
					scope := ""
					if l.Instrument != "" {
						scope = fmt.Sprintf(" [%s %s]", l.Instrument, l.Timeframe)
					}
					fmt.Fprintf(out, "%s %-7s%s %s\n", l.CreatedAt.Format(time.RFC3339), strings.ToUpper(l.Level), scope, l.Message)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "maximum entries to show")
	return cmd
}

func newJobsBackfillCmd(e *env) *cobra.Command {
	var instruments []string

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Create a recurring daily backfill of the last seven days",
		Long: `Create a low-priority H1/H4 backfill job covering the last seven days.

The job recurs daily: each completed run schedules the next one, which the
scheduler started by "serve" picks up.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(instruments) == 0 {
				instruments = e.cfg.SpikeInstruments
			}
			return withApp(cmd, e, func(ctx context.Context, a *app.App) error {
				j, err := a.Scheduler.ScheduleDailyBackfill(ctx, instruments)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created job %s (%d items, recurs %s)\n", j.ID, j.TotalItems, j.RecurrencePattern)
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVarP(&instruments, "instruments", "i", nil, "instruments (default SPIKE_INSTRUMENTS)")
	return cmd
}

func printJobs(w io.Writer, jobs []job.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs found")
		return
	}

	fmt.Fprintf(w, "%-36s %-22s %-10s %-4s %-9s %s\n", "ID", "TYPE", "STATUS", "PRI", "PROGRESS", "CREATED")
	fmt.Fprintln(w, strings.Repeat("-", 100))
	for _, j := range jobs {
		progress := fmt.Sprintf("%.1f%%", j.ProgressPercentage)
		fmt.Fprintf(w, "%-36s %-22s %-10s %-4d %-9s %s\n",
			j.ID, j.Type, j.Status, j.Priority, progress, j.CreatedAt.Format("2006-01-02 15:04"))
	}
}

func printJob(w io.Writer, j *job.Job) {
	fmt.Fprintf(w, "Job: %s\n", j.ID)
	fmt.Fprintf(w, "  Type: %s\n", j.Type)
	fmt.Fprintf(w, "  Status: %s\n", j.Status)
	fmt.Fprintf(w, "  Priority: %d\n", j.Priority)
	fmt.Fprintf(w, "  Instruments: %s\n", strings.Join(j.Instruments, ", "))
	tfs := make([]string, len(j.Timeframes))
	for i, tf := range j.Timeframes {
		tfs[i] = string(tf)
	}
	fmt.Fprintf(w, "  Timeframes: %s\n", strings.Join(tfs, ", "))
	fmt.Fprintf(w, "  Window: %s to %s\n", j.StartDate.Format(time.RFC3339), j.EndDate.Format(time.RFC3339))
	fmt.Fprintf(w, "  Progress: %d/%d (%.1f%%), %d failed\n", j.ProcessedItems, j.TotalItems, j.ProgressPercentage, j.FailedItems)
	if j.StartedAt != nil {
		fmt.Fprintf(w, "  Started: %s\n", j.StartedAt.Format(time.RFC3339))
	}
	if j.CompletedAt != nil {
		fmt.Fprintf(w, "  Completed: %s\n", j.CompletedAt.Format(time.RFC3339))
		fmt.Fprintf(w, "  Duration: %s\n", time.Duration(j.ProcessingTimeSeconds*float64(time.Second)).Round(time.Second))
	}
	fmt.Fprintf(w, "  Events: %d detected, %d stored\n", j.EventsDetected, j.EventsStored)
	if j.DataQualityScore != nil {
		fmt.Fprintf(w, "  Data quality: %.3f\n", *j.DataQualityScore)
	}
	if j.Checkpoint != nil {
		fmt.Fprintf(w, "  Checkpoint: %s %s at %s\n",
			j.Checkpoint.LastInstrument, j.Checkpoint.LastTimeframe, j.Checkpoint.LastDate.Format(time.RFC3339))
	}
	if j.IsRecurring {
		fmt.Fprintf(w, "  Recurs: %s\n", j.RecurrencePattern)
	}
	if j.ErrorMessage != "" {
		fmt.Fprintf(w, "  Error: %s (retries %d/%d)\n", j.ErrorMessage, j.RetryCount, j.MaxRetries)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD or RFC3339", s)
	}
	return t.UTC(), nil
}
