package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/memvault/internal/service"
)

func init() {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List memories, newest first",
		Long:  "List memories from the persistence layer. Works even when the search index is unavailable.",
		Run:   runList,
	}

	cmd.Flags().IntP("limit", "l", 20, "Max results")
	cmd.Flags().Int("offset", 0, "Skip this many memories")
	cmd.Flags().Bool("ids-only", false, "Only output ids")
	addFilterFlags(cmd)

	RootCmd.AddCommand(cmd)
}

func runList(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")
	idsOnly, _ := cmd.Flags().GetBool("ids-only")
	f, err := filterFromFlags(cmd)
	if err != nil {
		exitErr("list", err)
	}

	a := mustOpenApp(cmd)
	defer a.Close()

	res, err := a.engine.List(cmd.Context(), service.ListRequest{Filter: f, Limit: limit, Offset: offset})
	if err != nil {
		a.fail("list", err)
	}

	if idsOnly {
		for _, m := range res.Memories {
			fmt.Fprintln(cmd.OutOrStdout(), m.ID)
		}
		return
	}
	for i, m := range res.Memories {
		res.Memories[i] = withoutEmbedding(m)
	}
	printJSON(cmd, res)
}
