package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/memvault/internal/model"
	"github.com/rcliao/memvault/internal/service"
)

func init() {
	cmd := &cobra.Command{
		Use:   "capture [content]",
		Short: "Store a memory",
		Long:  "Store a memory. Content can be a positional arg or piped via stdin. Passing an existing --id replaces that memory.",
		Run:   runCapture,
	}

	cmd.Flags().StringP("ns", "n", "", "Namespace (required): "+namespaceList())
	cmd.Flags().String("domain", "project", "Domain: project, user, org")
	cmd.Flags().StringP("tags", "t", "", "Comma-separated tags")
	cmd.Flags().StringP("source", "s", "", "Where the memory came from")
	cmd.Flags().String("id", "", "Memory id to create or replace")

	cmd.MarkFlagRequired("ns")

	RootCmd.AddCommand(cmd)
}

func runCapture(cmd *cobra.Command, args []string) {
	ns, _ := cmd.Flags().GetString("ns")
	domain, _ := cmd.Flags().GetString("domain")
	tags, _ := cmd.Flags().GetString("tags")
	source, _ := cmd.Flags().GetString("source")
	id, _ := cmd.Flags().GetString("id")

	content, err := readContent(cmd, args)
	if err != nil {
		exitErr("read stdin", err)
	}
	if strings.TrimSpace(content) == "" {
		exitErr("capture", fmt.Errorf("content is required (positional arg or stdin)"))
	}

	a := mustOpenApp(cmd)
	defer a.Close()

	m, err := a.engine.Capture(cmd.Context(), service.CaptureRequest{
		ID:        id,
		Content:   strings.TrimSpace(content),
		Namespace: model.Namespace(ns),
		Domain:    model.Domain(domain),
		Tags:      splitCSV(tags),
		Source:    source,
	})
	if err != nil {
		a.fail("capture", err)
	}

	printJSON(cmd, withoutEmbedding(m))
}

// withoutEmbedding keeps vectors out of command output.
func withoutEmbedding(m *model.Memory) *model.Memory {
	c := m.Clone()
	c.Embedding = nil
	return c
}
