package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cadre-oss/recall/internal/memory"
)

var recordCmd = &cobra.Command{
	Use:   "record <user-id> <session-id> <role> <content>",
	Short: "Record a conversation turn",
	Long: `Append a turn to an active session in the fast cache. The session is
created implicitly on the first turn.

Roles: user, agent, tool

Examples:
  recall record alice sess-1 user "how do I rotate my API key?"
  recall record alice sess-1 agent "Go to Settings > API Keys and click Rotate."`,
	Args: cobra.ExactArgs(4),
	RunE: runRecord,
}

func runRecord(cmd *cobra.Command, args []string) error {
	userID, sessionID, roleArg, content := args[0], args[1], args[2], args[3]

	role := memory.Role(roleArg)
	switch role {
	case memory.RoleUser, memory.RoleAgent, memory.RoleTool:
	default:
		return fmt.Errorf("invalid role %q (want user, agent, or tool)", roleArg)
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	turn, err := a.manager.RecordTurn(context.Background(), userID, sessionID, role, content)
	if err != nil {
		return err
	}

	fmt.Printf("Recorded turn %d in session %s\n", turn.Seq, sessionID)
	return nil
}
