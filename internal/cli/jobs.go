package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var jobsDeadLimit int64

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect the embedding job queue",
	Long:  `Inspect queue depth, list dead-lettered jobs, and requeue them after fixing the underlying problem.`,
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue depth and in-flight counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		stats, err := a.queue.Stats(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("Queued:       %d\n", stats.Depth)
		fmt.Printf("In flight:    %d\n", stats.InFlight)
		fmt.Printf("Dead letter:  %d\n", stats.DeadLetter)
		if parked := a.manager.PendingJobs(); parked > 0 {
			fmt.Printf("Parked:       %d (queue was unreachable at flush time)\n", parked)
		}
		return nil
	},
}

var jobsDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List dead-lettered jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		dead, err := a.queue.DeadLetters(context.Background(), jobsDeadLimit)
		if err != nil {
			return err
		}
		if len(dead) == 0 {
			fmt.Println("No dead-lettered jobs.")
			return nil
		}
		for _, d := range dead {
			fmt.Printf("%s  user=%s  attempt=%d  failed=%s\n",
				d.Job.ID, d.Job.UserID, d.Job.Attempt, d.FailedAt.Format(time.RFC3339))
			fmt.Printf("  reason: %s\n", d.Reason)
		}
		return nil
	},
}

var jobsRequeueCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Move all dead-lettered jobs back onto the queue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		n, err := a.queue.RequeueDead(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("Requeued %d job(s)\n", n)
		return nil
	},
}

func init() {
	jobsDeadCmd.Flags().Int64Var(&jobsDeadLimit, "limit", 50, "maximum dead jobs to list")

	jobsCmd.AddCommand(jobsStatsCmd)
	jobsCmd.AddCommand(jobsDeadCmd)
	jobsCmd.AddCommand(jobsRequeueCmd)
}
