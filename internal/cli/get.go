package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Retrieve a memory",
		Args:  cobra.ExactArgs(1),
		Run:   runGet,
	}

	cmd.Flags().Bool("embedding", false, "Include the stored embedding")

	RootCmd.AddCommand(cmd)
}

func runGet(cmd *cobra.Command, args []string) {
	withVec, _ := cmd.Flags().GetBool("embedding")

	a := mustOpenApp(cmd)
	defer a.Close()

	m, err := a.engine.Get(cmd.Context(), args[0])
	if err != nil {
		a.fail("get", err)
	}
	if !withVec {
		m = withoutEmbedding(m)
	}
	printJSON(cmd, m)
}
