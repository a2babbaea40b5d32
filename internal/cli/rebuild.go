package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/memvault/internal/service"
)

func init() {
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the search index and/or vector index from stored memories",
		Run:   runRebuild,
	}

	cmd.Flags().String("target", "all", "What to rebuild: index, vector, all")

	RootCmd.AddCommand(cmd)
}

func runRebuild(cmd *cobra.Command, args []string) {
	target, _ := cmd.Flags().GetString("target")
	if target != "index" && target != "vector" && target != "all" {
		exitErr("rebuild", fmt.Errorf("invalid target %q (valid: index, vector, all)", target))
	}

	a := mustOpenApp(cmd)
	defer a.Close()

	out := map[string]*service.RebuildReport{}
	if target == "index" || target == "all" {
		rep, err := a.engine.RebuildIndex(cmd.Context())
		if err != nil {
			a.fail("rebuild index", err)
		}
		out["index"] = rep
	}
	if target == "vector" || target == "all" {
		rep, err := a.engine.RebuildVector(cmd.Context())
		if err != nil {
			a.fail("rebuild vector", err)
		}
		out["vector"] = rep
	}
	printJSON(cmd, out)
}
