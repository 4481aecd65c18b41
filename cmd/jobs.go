package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/docintel/internal/jobqueue"
	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage extraction jobs",
	Long:  "Commands for enqueuing documents, driving batches, and inspecting job state.",
}

// -- jobs create --

var jobsCreateCmd = &cobra.Command{
	Use:   "create <document-id> <file-ref>",
	Short: "Enqueue a document for extraction",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "store", false)
		if err != nil {
			return err
		}
		defer env.Close()

		clientID, _ := cmd.Flags().GetString("client")
		projectID, _ := cmd.Flags().GetString("project")
		name, _ := cmd.Flags().GetString("name")

		job, created, err := env.Queue.Create(ctx, model.NewJob{
			DocumentID:   args[0],
			FileRef:      args[1],
			ClientID:     clientID,
			ProjectID:    projectID,
			DocumentName: name,
		})
		if err != nil {
			return eris.Wrap(err, "jobs create")
		}
		if !created {
			fmt.Fprintf(os.Stderr, "Job already exists for document %s.\n", job.DocumentID)
		}
		return printJSON(os.Stdout, job)
	},
}

// -- jobs process --

var jobsProcessCmd = &cobra.Command{
	Use:   "process",
	Short: "Process a batch of pending jobs",
	Long:  "Claims pending jobs and runs each through download, extraction and the Fast Pass. Several workers run independent batches; the atomic claim keeps them disjoint.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "process", true)
		if err != nil {
			return err
		}
		defer env.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		jobID, _ := cmd.Flags().GetString("job")
		workers, _ := cmd.Flags().GetInt("workers")
		if jobID != "" {
			workers = 1
		}

		results, err := processParallel(ctx, env.Processor, jobqueue.BatchRequest{Limit: limit, JobID: jobID}, workers)
		if err != nil {
			return eris.Wrap(err, "jobs process")
		}
		return printJSON(os.Stdout, results)
	},
}

type batchProcessor interface {
	ProcessBatch(ctx context.Context, req jobqueue.BatchRequest) (*jobqueue.BatchResult, error)
}

// processParallel runs workers concurrent batches and merges their results.
func processParallel(ctx context.Context, p batchProcessor, req jobqueue.BatchRequest, workers int) (*jobqueue.BatchResult, error) {
	if workers < 1 {
		workers = 1
	}

	var (
		mu     sync.Mutex
		merged = &jobqueue.BatchResult{Results: []jobqueue.JobOutcome{}}
	)
	g, gctx := errgroup.WithContext(ctx)
	for range workers {
		g.Go(func() error {
			res, err := p.ProcessBatch(gctx, req)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			merged.Processed += res.Processed
			merged.Successful += res.Successful
			merged.Failed += res.Failed
			merged.Skipped += res.Skipped
			merged.Results = append(merged.Results, res.Results...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	zap.L().Info("process complete",
		zap.Int("workers", workers),
		zap.Int("processed", merged.Processed),
		zap.Int("successful", merged.Successful),
		zap.Int("failed", merged.Failed),
		zap.Int("skipped", merged.Skipped),
	)
	return merged, nil
}

// -- jobs list --

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List extraction jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "store", false)
		if err != nil {
			return err
		}
		defer env.Close()

		status, _ := cmd.Flags().GetString("status")
		clientID, _ := cmd.Flags().GetString("client")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.JobFilter{
			Status:   model.JobStatus(status),
			ClientID: clientID,
			Limit:    limit,
		}
		if filter.Status != "" && !filter.Status.Valid() {
			return eris.Errorf("jobs list: unknown status %q", status)
		}

		jobs, err := env.Queue.List(ctx, filter)
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

// -- jobs get --

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show full details of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "store", false)
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Queue.Get(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs get")
		}
		return printJSON(os.Stdout, job)
	},
}

// -- jobs reap --

var jobsReapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Return jobs with expired leases to the queue",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "store", false)
		if err != nil {
			return err
		}
		defer env.Close()

		jobs, err := env.Queue.ReapStale(ctx)
		if err != nil {
			return eris.Wrap(err, "jobs reap")
		}
		fmt.Fprintf(os.Stderr, "Reaped %d job(s).\n", len(jobs))
		if len(jobs) > 0 {
			formatJobsList(os.Stdout, jobs)
		}
		return nil
	},
}

func init() {
	jobsCreateCmd.Flags().String("client", "", "client id")
	jobsCreateCmd.Flags().String("project", "", "project id")
	jobsCreateCmd.Flags().String("name", "", "document name (default: file ref)")
	_ = jobsCreateCmd.MarkFlagRequired("client")

	jobsProcessCmd.Flags().Int("limit", 0, "max jobs per worker (default from config)")
	jobsProcessCmd.Flags().String("job", "", "process only this job id")
	jobsProcessCmd.Flags().Int("workers", 1, "number of concurrent batches")

	jobsListCmd.Flags().String("status", "", "filter by status (pending, processing, completed, failed, skipped)")
	jobsListCmd.Flags().String("client", "", "filter by client id")
	jobsListCmd.Flags().Int("limit", 50, "max number of jobs to display")

	jobsCmd.AddCommand(jobsCreateCmd)
	jobsCmd.AddCommand(jobsProcessCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsGetCmd)
	jobsCmd.AddCommand(jobsReapCmd)
	rootCmd.AddCommand(jobsCmd)
}

// formatJobsList writes a table of jobs to w.
func formatJobsList(w io.Writer, jobs []model.ExtractionJob) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDOCUMENT\tSTATUS\tATTEMPTS\tITEMS\tLAST ERROR")
	for _, j := range jobs {
		items := "-"
		if j.Result != nil {
			items = fmt.Sprintf("%d/%d", j.Result.MatchedCount, j.Result.ItemCount)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			shortID(j.ID), j.DocumentID, j.Status, j.Attempts, j.MaxAttempts, items, truncate(j.LastError, 60))
	}
	tw.Flush() //nolint:errcheck
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
