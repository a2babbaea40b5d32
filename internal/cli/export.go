package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export memories as JSON",
		Long:  "Export memories from the persistence layer as a JSON array, embeddings included. The output feeds import.",
		Run:   runExport,
	}

	addFilterFlags(cmd)

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	f, err := filterFromFlags(cmd)
	if err != nil {
		exitErr("export", err)
	}

	a := mustOpenApp(cmd)
	defer a.Close()

	memories, skipped, err := a.engine.Export(cmd.Context(), f)
	if err != nil {
		a.fail("export", err)
	}
	if skipped > 0 {
		zl := a.log.Zerolog()
		zl.Warn().Int("skipped", skipped).Msg("corrupt records left out of export")
	}
	printJSON(cmd, memories)
}
