package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "tag <id>",
		Short: "Add or remove tags on a memory",
		Args:  cobra.ExactArgs(1),
		Run:   runTag,
	}

	cmd.Flags().String("add", "", "Comma-separated tags to add")
	cmd.Flags().String("remove", "", "Comma-separated tags to remove")

	RootCmd.AddCommand(cmd)
}

func runTag(cmd *cobra.Command, args []string) {
	addStr, _ := cmd.Flags().GetString("add")
	removeStr, _ := cmd.Flags().GetString("remove")
	add, remove := splitCSV(addStr), splitCSV(removeStr)
	if len(add) == 0 && len(remove) == 0 {
		exitErr("tag", fmt.Errorf("nothing to do: pass --add or --remove"))
	}

	a := mustOpenApp(cmd)
	defer a.Close()

	m, err := a.engine.UpdateTags(cmd.Context(), args[0], add, remove)
	if err != nil {
		a.fail("tag", err)
	}
	printJSON(cmd, withoutEmbedding(m))
}
