package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	recallerrors "github.com/cadre-oss/recall/internal/errors"
)

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Manage user preferences",
	Long:  `Read and write durable per-user preferences (tone, format, language, ...).`,
}

var prefsGetCmd = &cobra.Command{
	Use:   "get <user-id> <key>",
	Short: "Get a preference",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		pref, err := a.manager.GetPreference(context.Background(), args[0], args[1])
		if err != nil {
			if recallerrors.IsNotFound(err) {
				return fmt.Errorf("no preference %q for user %s", args[1], args[0])
			}
			return err
		}
		fmt.Println(pref.Value)
		return nil
	},
}

var prefsSetCmd = &cobra.Command{
	Use:   "set <user-id> <key> <value>",
	Short: "Set a preference",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.manager.SetPreference(context.Background(), args[0], args[1], args[2]); err != nil {
			return err
		}
		fmt.Printf("Set %s = %s for user %s\n", args[1], args[2], args[0])
		return nil
	},
}

var prefsListCmd = &cobra.Command{
	Use:   "list <user-id>",
	Short: "List all preferences for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		prefs, err := a.manager.ListPreferences(context.Background(), args[0])
		if err != nil {
			return err
		}
		if len(prefs) == 0 {
			fmt.Printf("No preferences for user %s\n", args[0])
			return nil
		}
		for _, p := range prefs {
			fmt.Printf("%s = %s\t(updated %s)\n", p.Key, p.Value, p.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

func init() {
	prefsCmd.AddCommand(prefsGetCmd)
	prefsCmd.AddCommand(prefsSetCmd)
	prefsCmd.AddCommand(prefsListCmd)
}
