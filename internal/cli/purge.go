package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Permanently delete old tombstones",
		Long:  "Permanently delete memories tombstoned longer ago than --older-than. This cannot be undone.",
		Run:   runPurge,
	}

	cmd.Flags().Duration("older-than", 0, "Minimum tombstone age (default: maintenance.purge_after)")
	cmd.Flags().Bool("yes", false, "Confirm permanent deletion")

	RootCmd.AddCommand(cmd)
}

func runPurge(cmd *cobra.Command, args []string) {
	yes, _ := cmd.Flags().GetBool("yes")
	if !yes {
		exitErr("purge", fmt.Errorf("refusing to delete without --yes"))
	}

	a := mustOpenApp(cmd)
	defer a.Close()

	olderThan := a.cfg.Maintenance.PurgeAfter
	if cmd.Flags().Changed("older-than") {
		olderThan, _ = cmd.Flags().GetDuration("older-than")
	}

	n, err := a.engine.Purge(cmd.Context(), olderThan)
	if err != nil {
		a.fail("purge", err)
	}
	printJSON(cmd, map[string]any{"ok": true, "purged": n, "older_than": olderThan.String()})
}
