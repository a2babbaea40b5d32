package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/memvault/internal/model"
)

func addFilterFlags(cmd *cobra.Command) {
	cmd.Flags().StringSliceP("ns", "n", nil, "Filter by namespace (any of)")
	cmd.Flags().StringP("tags", "t", "", "Filter by tags, comma-separated (all of)")
	cmd.Flags().String("exclude-tags", "", "Exclude memories with any of these tags")
	cmd.Flags().String("domain", "", "Filter by domain: project, user, org")
	cmd.Flags().String("since", "", "Created at or after: RFC3339 time or a duration like 72h")
	cmd.Flags().String("until", "", "Created before: RFC3339 time or a duration like 24h")
	cmd.Flags().StringSlice("status", nil, "Only these statuses: active, archived, tombstoned")
	cmd.Flags().Bool("include-tombstoned", false, "Include tombstoned memories")
}

func filterFromFlags(cmd *cobra.Command) (model.SearchFilter, error) {
	var f model.SearchFilter

	nss, _ := cmd.Flags().GetStringSlice("ns")
	for _, s := range nss {
		ns, err := model.ParseNamespace(s)
		if err != nil {
			return f, err
		}
		f.Namespaces = append(f.Namespaces, ns)
	}

	tags, _ := cmd.Flags().GetString("tags")
	f.Tags = splitCSV(tags)
	exclude, _ := cmd.Flags().GetString("exclude-tags")
	f.ExcludeTags = splitCSV(exclude)

	if d, _ := cmd.Flags().GetString("domain"); d != "" {
		domain, err := model.ParseDomain(d)
		if err != nil {
			return f, err
		}
		f.Domain = domain
	}

	var err error
	if f.Since, err = timeFlag(cmd, "since"); err != nil {
		return f, err
	}
	if f.Until, err = timeFlag(cmd, "until"); err != nil {
		return f, err
	}

	statuses, _ := cmd.Flags().GetStringSlice("status")
	for _, s := range statuses {
		st := model.Status(s)
		if !model.ValidStatuses[st] {
			return f, fmt.Errorf("invalid status %q", s)
		}
		f.Statuses = append(f.Statuses, st)
	}
	f.IncludeTombstoned, _ = cmd.Flags().GetBool("include-tombstoned")
	return f, nil
}

// timeFlag parses an absolute RFC3339 time or a duration back from now.
func timeFlag(cmd *cobra.Command, name string) (*time.Time, error) {
	v, _ := cmd.Flags().GetString(name)
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s %q: want RFC3339 or a duration", name, v)
	}
	t := time.Now().UTC().Add(-d)
	return &t, nil
}
