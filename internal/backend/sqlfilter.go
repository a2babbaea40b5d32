package backend

import (
	"fmt"
	"strings"
	"time"

	"github.com/rcliao/memvault/internal/model"
)

// FilterColumns names the SQL expressions a filter compiles against.
// TagHas is a format string with one %s verb for the tag placeholder, e.g.
// "EXISTS (SELECT 1 FROM memory_tags t WHERE t.memory_id = m.id AND t.tag = %s)"
// or "%s = ANY(m.tags)".
type FilterColumns struct {
	Namespace string
	Domain    string
	Status    string
	CreatedAt string
	TagHas    string
}

// FilterSQL compiles a model.SearchFilter into a WHERE fragment with the same
// semantics as SearchFilter.Matches.
type FilterSQL struct {
	Columns FilterColumns

	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string

	// EncodeTime converts a bound time; nil binds time.Time as-is.
	EncodeTime func(time.Time) any
}

// QuestionMark renders "?" placeholders (sqlite, mysql).
func QuestionMark(int) string { return "?" }

// Dollar renders "$n" placeholders (postgres).
func Dollar(n int) string { return fmt.Sprintf("$%d", n) }

// Where returns the conjunction for f and its args. argOffset is the number of
// bind parameters already used by the surrounding query. The fragment is
// never empty.
func (b FilterSQL) Where(f model.SearchFilter, argOffset int) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	bind := func(v any) string {
		args = append(args, v)
		return b.Placeholder(argOffset + len(args))
	}
	bindTime := func(t time.Time) string {
		if b.EncodeTime != nil {
			return bind(b.EncodeTime(t))
		}
		return bind(t)
	}

	statuses := f.AllowedStatuses()
	ph := make([]string, len(statuses))
	for i, s := range statuses {
		ph[i] = bind(string(s))
	}
	clauses = append(clauses, fmt.Sprintf("%s IN (%s)", b.Columns.Status, strings.Join(ph, ", ")))

	if len(f.Namespaces) > 0 {
		ph := make([]string, len(f.Namespaces))
		for i, ns := range f.Namespaces {
			ph[i] = bind(string(ns))
		}
		clauses = append(clauses, fmt.Sprintf("%s IN (%s)", b.Columns.Namespace, strings.Join(ph, ", ")))
	}
	if f.Domain != "" {
		clauses = append(clauses, fmt.Sprintf("%s = %s", b.Columns.Domain, bind(string(f.Domain))))
	}
	if f.Since != nil {
		clauses = append(clauses, fmt.Sprintf("%s >= %s", b.Columns.CreatedAt, bindTime(*f.Since)))
	}
	if f.Until != nil {
		clauses = append(clauses, fmt.Sprintf("%s < %s", b.Columns.CreatedAt, bindTime(*f.Until)))
	}
	for _, t := range f.Tags {
		clauses = append(clauses, fmt.Sprintf(b.Columns.TagHas, bind(t)))
	}
	for _, t := range f.ExcludeTags {
		clauses = append(clauses, "NOT ("+fmt.Sprintf(b.Columns.TagHas, bind(t))+")")
	}
	return strings.Join(clauses, " AND "), args
}
