package persistence

import (
	"fmt"
	"strings"

	"github.com/abhogle/leadops-os-sub001/pkg/api"
)

// sqlBuilder accumulates WHERE clauses and their arguments for one dialect.
type sqlBuilder struct {
	placeholder func(n int) string
	clauses     []string
	args        []any
}

func newSQLiteBuilder() *sqlBuilder {
	return &sqlBuilder{placeholder: func(int) string { return "?" }}
}

func newPostgresBuilder() *sqlBuilder {
	return &sqlBuilder{placeholder: func(n int) string { return fmt.Sprintf("$%d", n) }}
}

// arg registers v and returns its placeholder.
func (b *sqlBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return b.placeholder(len(b.args))
}

func (b *sqlBuilder) where(format string, vals ...any) {
	ph := make([]any, len(vals))
	for i, v := range vals {
		ph[i] = b.arg(v)
	}
	b.clauses = append(b.clauses, fmt.Sprintf(format, ph...))
}

func (b *sqlBuilder) whereStatus(statuses []api.Status) {
	if len(statuses) == 0 {
		return
	}
	ph := make([]string, len(statuses))
	for i, s := range statuses {
		ph[i] = b.arg(string(s))
	}
	b.clauses = append(b.clauses, "status IN ("+strings.Join(ph, ", ")+")")
}

func (b *sqlBuilder) whereGuard(g Guard) {
	if g.NodeID != "" {
		b.where("current_node_id = %s", g.NodeID)
	}
	b.whereStatus(g.Statuses)
}

func (b *sqlBuilder) sql() string {
	if len(b.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.clauses, " AND ")
}
