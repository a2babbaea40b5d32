package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/memvault/internal/service"
)

func init() {
	cmd := &cobra.Command{
		Use:   "context [description]",
		Short: "Assemble relevant memories for a task",
		Long: "Recall and score memories by relevance and recency, then greedily pack them into a token budget.\n" +
			"Without a description the newest memories are used.",
		Run: runContext,
	}

	cmd.Flags().IntP("budget", "b", service.DefaultContextBudget, "Max tokens in output")
	addFilterFlags(cmd)

	RootCmd.AddCommand(cmd)
}

func runContext(cmd *cobra.Command, args []string) {
	budget, _ := cmd.Flags().GetInt("budget")
	f, err := filterFromFlags(cmd)
	if err != nil {
		exitErr("context", err)
	}

	a := mustOpenApp(cmd)
	defer a.Close()

	result, err := a.engine.Context(cmd.Context(), service.ContextRequest{
		Query:  strings.Join(args, " "),
		Filter: f,
		Budget: budget,
	})
	if err != nil {
		a.fail("context", err)
	}
	printJSON(cmd, result)
}
