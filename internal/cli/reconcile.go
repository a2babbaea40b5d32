package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Index memories missing from or stale in the search index",
		Run:   runReconcile,
	}

	RootCmd.AddCommand(cmd)
}

func runReconcile(cmd *cobra.Command, args []string) {
	a := mustOpenApp(cmd)
	defer a.Close()

	rep, err := a.engine.ReconcileIndex(cmd.Context())
	if err != nil {
		a.fail("reconcile", err)
	}
	printJSON(cmd, rep)
}
