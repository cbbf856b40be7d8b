// Package pgpage pages through a Postgres table in key order for paged collections.
package pgpage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"maintenance-worker/internal/collection"
)

type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Table reads rows with keyset pagination: every page re-issues the query with
// "key > last seen key", so a resumed traversal never scans pages it has
// already seen. Each record value is the row as a map.
type Table struct {
	DB        Querier
	Name      string
	KeyColumn string
	// KeyType is the SQL type the key column compares as. Defaults to bigint.
	KeyType string
	// Where is an optional filter using placeholders $1..$len(Args).
	Where string
	Args  []any
}

var _ collection.Pager = (*Table)(nil)

func (t *Table) Page(ctx context.Context, after *string, limit int) ([]collection.Record, error) {
	query, args := t.buildQuery(after, limit)
	rows, err := t.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", t.Name, err)
	}
	defer rows.Close()

	var records []collection.Record
	for rows.Next() {
		var key string
		var value map[string]any
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", t.Name, err)
		}
		records = append(records, collection.Record{Key: key, Value: value})
	}
	return records, rows.Err()
}

func (t *Table) buildQuery(after *string, limit int) (string, []any) {
	table := pgx.Identifier(strings.Split(t.Name, ".")).Sanitize()
	key := pgx.Identifier{t.KeyColumn}.Sanitize()
	keyType := t.KeyType
	if keyType == "" {
		keyType = "bigint"
	}

	args := append([]any{}, t.Args...)
	var conds []string
	if t.Where != "" {
		conds = append(conds, "("+t.Where+")")
	}
	if after != nil {
		args = append(args, *after)
		conds = append(conds, fmt.Sprintf("t.%s > CAST($%d::text AS %s)", key, len(args), keyType))
	}
	args = append(args, limit)

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT t.%s::text, to_jsonb(t) FROM %s AS t", key, table)
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	fmt.Fprintf(&b, " ORDER BY t.%s ASC LIMIT $%d", key, len(args))
	return b.String(), args
}
