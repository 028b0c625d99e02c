package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	recallerrors "github.com/cadre-oss/recall/internal/errors"
)

var flushCmd = &cobra.Command{
	Use:   "flush <session-id>",
	Short: "Flush a session to the durable ledger",
	Long: `Summarize an active session, append it to the ledger, queue it for
embedding, and evict it from the fast cache.

Sessions are normally flushed by the sweeper after sitting idle; this
command forces it immediately (e.g. when the conversation ended).`,
	Args: cobra.ExactArgs(1),
	RunE: runFlush,
}

func runFlush(cmd *cobra.Command, args []string) error {
	sessionID := args[0]

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.manager.Flush(context.Background(), sessionID); err != nil {
		if recallerrors.AsCode(err) == recallerrors.CodeQueueUnavailable {
			fmt.Printf("Session %s flushed to the ledger, but the embed job could not be queued.\n", sessionID)
			if s := recallerrors.Suggestion(err); s != "" {
				fmt.Printf("  → %s\n", s)
			}
			return nil
		}
		return err
	}

	fmt.Printf("Session %s flushed\n", sessionID)
	return nil
}
