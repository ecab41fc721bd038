package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/ksred/klear-broker/internal/jobs"
	"github.com/spf13/cobra"
)

func newFailedJobsCmd(root *rootOptions) *cobra.Command {
	var internalToken string

	cmd := &cobra.Command{
		Use:   "failed-jobs",
		Short: "Inspect and requeue dead-lettered jobs",
	}
	cmd.PersistentFlags().StringVar(&internalToken, "internal-token", os.Getenv("INTERNAL_TOKEN"), "internal route bearer token")

	var (
		all   bool
		limit int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List failed jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(root.server, internalToken)
			path := "/api/v1/internal/jobs/failed?limit=" + strconv.Itoa(limit)
			if all {
				path += "&all=true"
			}
			var failed []jobs.FailedJob
			if _, err := c.do(cmd.Context(), "failed-jobs", http.MethodGet, path, nil, nil, &failed); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JOB ID\tTYPE\tRETRIES\tFAILED AT\tREQUEUED\tERROR")
			for _, f := range failed {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%t\t%s\n",
					f.JobID, f.Type, f.RetryCount, f.FailedAt.Format("2006-01-02 15:04:05"), f.RequeuedAt != nil, f.LastError)
			}
			return w.Flush()
		},
	}
	list.Flags().BoolVar(&all, "all", false, "include requeued jobs")
	list.Flags().IntVar(&limit, "limit", 100, "maximum jobs to list")

	requeue := &cobra.Command{
		Use:   "requeue JOB_ID",
		Short: "Put a failed job back on the queue",
		Long: `Put a failed job back on the queue with its retry counter reset.

execute_order jobs cannot be requeued. A dead-lettered execute_order job has
already settled its order, so the order must be submitted again with a new
Idempotency-Key.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(root.server, internalToken)
			var job jobs.Job
			if _, err := c.do(cmd.Context(), "failed-jobs", http.MethodPost, "/api/v1/internal/jobs/failed/"+args[0]+"/requeue", nil, nil, &job); err != nil {
				return err
			}
			out, err := json.MarshalIndent(job, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.AddCommand(list, requeue)
	return cmd
}
