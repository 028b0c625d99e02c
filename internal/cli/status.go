package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusUser string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show active sessions and queue health",
	Long: `Display the sessions currently held in the fast cache, embedding queue
depth, and (with --user) how many conversation segments are indexed for
that user.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&statusUser, "user", "u", "", "also report indexed segments for this user")
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx := context.Background()

	sessions, err := a.manager.ActiveSessions(ctx)
	if err != nil {
		return err
	}

	if len(sessions) == 0 {
		fmt.Println("No active sessions.")
	} else {
		fmt.Printf("Active sessions (%d):\n", len(sessions))
		fmt.Println("---------------------")
		now := time.Now()
		for _, s := range sessions {
			idle := now.Sub(s.LastActive).Round(time.Second)
			fmt.Printf("  %s  user=%s  idle=%s  started=%s\n",
				s.SessionID, s.UserID, idle, s.CreatedAt.Format(time.RFC3339))
		}
	}

	fmt.Println()
	stats, err := a.queue.Stats(ctx)
	if err != nil {
		fmt.Printf("Queue: unavailable (%s)\n", err)
	} else {
		fmt.Printf("Queue: %d queued, %d in flight, %d dead-lettered\n",
			stats.Depth, stats.InFlight, stats.DeadLetter)
	}

	if statusUser != "" {
		count, err := a.index.Count(ctx, statusUser)
		if err != nil {
			fmt.Printf("Index: unavailable (%s)\n", err)
		} else {
			fmt.Printf("Index: %d segment(s) for user %s\n", count, statusUser)
		}
	}
	return nil
}
