package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/memvault/internal/model"
	"github.com/rcliao/memvault/internal/service"
)

func init() {
	cmd := &cobra.Command{
		Use:   "recall [query]",
		Short: "Search memories",
		Long: "Search memories with keyword (BM25) and semantic search fused by reciprocal rank.\n" +
			"If one search branch is down the other still answers and the result is marked degraded.",
		Args: cobra.MinimumNArgs(1),
		Run:  runRecall,
	}

	cmd.Flags().StringP("mode", "m", "", "Search mode: text, vector, hybrid (default from config)")
	cmd.Flags().IntP("limit", "l", 0, "Max results (default from config)")
	cmd.Flags().Int("offset", 0, "Skip this many results")
	cmd.Flags().String("intent", "", "Query intent: general, debug, decision, howto, status (default: detect)")
	addFilterFlags(cmd)

	RootCmd.AddCommand(cmd)
}

func runRecall(cmd *cobra.Command, args []string) {
	modeStr, _ := cmd.Flags().GetString("mode")
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")
	intentStr, _ := cmd.Flags().GetString("intent")

	var mode model.SearchMode
	if modeStr != "" {
		m, err := model.ParseSearchMode(modeStr)
		if err != nil {
			exitErr("recall", err)
		}
		mode = m
	}
	intent, err := service.ParseIntent(intentStr)
	if err != nil {
		exitErr("recall", err)
	}
	f, err := filterFromFlags(cmd)
	if err != nil {
		exitErr("recall", err)
	}

	a := mustOpenApp(cmd)
	defer a.Close()

	res, err := a.engine.Recall(cmd.Context(), service.RecallRequest{
		Query:  strings.Join(args, " "),
		Filter: f,
		Mode:   mode,
		Limit:  limit,
		Offset: offset,
		Intent: intent,
	})
	if res != nil {
		for i := range res.Hits {
			if res.Hits[i].Memory != nil {
				res.Hits[i].Memory = withoutEmbedding(res.Hits[i].Memory)
			}
		}
		printJSON(cmd, res)
	}
	if err != nil {
		a.fail("recall", err)
	}
}
