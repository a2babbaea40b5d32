package cli

import (
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/memvault/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "namespaces",
		Short: "List namespaces with memory counts",
		Run:   runNamespaces,
	}

	RootCmd.AddCommand(cmd)
}

type namespaceRow struct {
	Namespace model.Namespace `json:"namespace"`
	Count     int             `json:"count"`
}

func runNamespaces(cmd *cobra.Command, args []string) {
	a := mustOpenApp(cmd)
	defer a.Close()

	stats, err := a.engine.Stats(cmd.Context())
	if err != nil {
		a.fail("list namespaces", err)
	}

	rows := make([]namespaceRow, 0, len(model.ValidNamespaces))
	for _, ns := range sortedNamespaces() {
		rows = append(rows, namespaceRow{Namespace: ns, Count: stats.ByNamespace[ns]})
	}
	printJSON(cmd, rows)
}

func sortedNamespaces() []model.Namespace {
	out := make([]model.Namespace, 0, len(model.ValidNamespaces))
	for ns := range model.ValidNamespaces {
		out = append(out, ns)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func namespaceList() string {
	names := make([]string, 0, len(model.ValidNamespaces))
	for _, ns := range sortedNamespaces() {
		names = append(names, string(ns))
	}
	return strings.Join(names, ", ")
}
