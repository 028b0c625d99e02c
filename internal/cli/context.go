package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
)

var (
	contextJSON   bool
	contextInject bool
)

var contextCmd = &cobra.Command{
	Use:   "context <user-id> <session-id> [query]",
	Short: "Retrieve assembled context for a session",
	Long: `Assemble the context bundle an agent would receive: the live turns of
the session, semantically relevant excerpts from past conversations
(when a query is given), and the user's preferences.

Examples:
  recall context alice sess-1
  recall context alice sess-1 "api key rotation"
  recall context alice sess-1 "api key rotation" --json`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runContext,
}

func init() {
	contextCmd.Flags().BoolVar(&contextJSON, "json", false, "emit the bundle as JSON")
	contextCmd.Flags().BoolVar(&contextInject, "inject", false, "emit excerpts as a prompt-injection block")
}

func runContext(cmd *cobra.Command, args []string) error {
	userID, sessionID := args[0], args[1]
	query := ""
	if len(args) > 2 {
		query = args[2]
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	bundle, err := a.manager.RetrieveContext(context.Background(), userID, sessionID, query)
	if err != nil {
		return err
	}

	if contextJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(bundle)
	}

	if contextInject {
		if block := bundle.FormatContext(); block != "" {
			fmt.Println(block)
		}
		return nil
	}

	fmt.Printf("Context for %s / %s\n", userID, sessionID)
	fmt.Println()

	fmt.Printf("Live turns (%d):\n", len(bundle.Live))
	for _, t := range bundle.Live {
		fmt.Printf("  %3d %-5s %s\n", t.Seq, t.Role, t.Content)
	}

	if query != "" {
		fmt.Println()
		fmt.Printf("Excerpts (%d):\n", len(bundle.Excerpts))
		for _, e := range bundle.Excerpts {
			fmt.Printf("  [%.2f] %s v%d (seq %d-%d)\n", e.Score, e.SessionID, e.Version, e.FirstSeq, e.LastSeq)
			fmt.Printf("        %s\n", e.Text)
		}
	}

	if len(bundle.Preferences) > 0 {
		fmt.Println()
		fmt.Printf("Preferences (%d):\n", len(bundle.Preferences))
		keys := make([]string, 0, len(bundle.Preferences))
		for k := range bundle.Preferences {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", k, bundle.Preferences[k])
		}
	}
	return nil
}
