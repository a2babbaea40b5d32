package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/rcliao/memvault/internal/model"
)

func init() {
	statusCmd := func(use, short string, run func(a *app, ctx context.Context, id string) (*model.Memory, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			Run: func(cmd *cobra.Command, args []string) {
				a := mustOpenApp(cmd)
				defer a.Close()

				m, err := run(a, cmd.Context(), args[0])
				if err != nil {
					a.fail(use, err)
				}
				printJSON(cmd, withoutEmbedding(m))
			},
		}
	}

	RootCmd.AddCommand(
		statusCmd("tombstone", "Soft-delete a memory (hidden from search until restored or purged)",
			func(a *app, ctx context.Context, id string) (*model.Memory, error) { return a.engine.Tombstone(ctx, id) }),
		statusCmd("archive", "Mark a memory as no longer current",
			func(a *app, ctx context.Context, id string) (*model.Memory, error) { return a.engine.Archive(ctx, id) }),
		statusCmd("restore", "Make a tombstoned or archived memory active again",
			func(a *app, ctx context.Context, id string) (*model.Memory, error) { return a.engine.Restore(ctx, id) }),
	)
}
