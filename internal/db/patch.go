package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is satisfied by *pgxpool.Pool, pgx.Tx and test doubles.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PatchBuilder accumulates column assignments for a single-row UPDATE keyed
// by primary key.
type PatchBuilder struct {
	table string
	id    string
	cols  []string
	args  []any
}

// Patch starts a partial update of the row with the given id.
func Patch(table, id string) *PatchBuilder {
	return &PatchBuilder{table: table, id: id}
}

// Set assigns value to col.
func (p *PatchBuilder) Set(col string, value any) *PatchBuilder {
	p.cols = append(p.cols, col)
	p.args = append(p.args, value)
	return p
}

// SetIf assigns value to col only when cond holds.
func (p *PatchBuilder) SetIf(cond bool, col string, value any) *PatchBuilder {
	if cond {
		return p.Set(col, value)
	}
	return p
}

// Empty reports whether no columns have been set.
func (p *PatchBuilder) Empty() bool {
	return len(p.cols) == 0
}

// SQL renders the UPDATE statement and its arguments. updated_at is always
// stamped.
func (p *PatchBuilder) SQL() (string, []any) {
	setClauses := make([]string, 0, len(p.cols)+1)
	args := make([]any, 0, len(p.args)+1)
	argIdx := 1

	for i, col := range p.cols {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", col, argIdx))
		args = append(args, p.args[i])
		argIdx++
	}
	setClauses = append(setClauses, "updated_at = now()")

	args = append(args, p.id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d",
		p.table, strings.Join(setClauses, ", "), argIdx)
	return query, args
}

// Commit executes the update. It is a no-op when nothing was set and returns
// ErrNotFound when no row matched.
func (p *PatchBuilder) Commit(ctx context.Context, ex Execer) error {
	if p.Empty() {
		return nil
	}
	query, args := p.SQL()
	tag, err := ex.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("patching %s: %w", p.table, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("patching %s %s: %w", p.table, p.id, ErrNotFound)
	}
	return nil
}
