package processor

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kyomei-indexer/kyomei/internal/bigint"
)

// TableSchema describes one application table well enough to build
// positional SQL against it: its column list and the primary key
// column(s) used for conflict-ignore on insert and identity lookups on
// Get/Update/Delete.
type TableSchema struct {
	Columns    []string
	PrimaryKey []string
}

// SchemaCatalogue maps table name to its TableSchema, populated once
// either from information_schema at startup or supplied literally by
// the embedding application.
type SchemaCatalogue map[string]TableSchema

// DBFacade is the dynamic table builder handed to handlers via
// HandlerContext, resolved at call time against a SchemaCatalogue and
// executed over the same pool the repositories use.
type DBFacade struct {
	pool    *pgxpool.Pool
	schema  string
	catalog SchemaCatalogue
}

// NewDBFacade creates a DBFacade over appSchema (e.g. "app_v1").
func NewDBFacade(pool *pgxpool.Pool, appSchema string, catalog SchemaCatalogue) *DBFacade {
	return &DBFacade{pool: pool, schema: appSchema, catalog: catalog}
}

func (f *DBFacade) qualify(table string) string {
	return fmt.Sprintf("%s.%s", f.schema, table)
}

func (f *DBFacade) table(table string) (TableSchema, error) {
	t, ok := f.catalog[table]
	if !ok {
		return TableSchema{}, fmt.Errorf("processor: unknown application table %q", table)
	}
	return t, nil
}

// encodeRow runs bigint.EncodeAny over a handler-supplied row so any
// *big.Int value round-trips through a jsonb column without precision
// loss.
func encodeRow(row map[string]any) map[string]any {
	encoded := bigint.EncodeAny(row).(map[string]any)
	return encoded
}

// Insert begins an INSERT against table.
func (f *DBFacade) Insert(table string) *InsertBuilder {
	return &InsertBuilder{facade: f, table: table}
}

// InsertBuilder builds a conflict-ignoring INSERT.
type InsertBuilder struct {
	facade *DBFacade
	table  string
	rows   []map[string]any
}

// Values accepts one or more rows to insert.
func (b *InsertBuilder) Values(rows ...map[string]any) *InsertBuilder {
	b.rows = append(b.rows, rows...)
	return b
}

// Exec runs the insert, conflict-ignoring on the table's primary key.
func (b *InsertBuilder) Exec(ctx context.Context) error {
	if len(b.rows) == 0 {
		return nil
	}
	schema, err := b.facade.table(b.table)
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, row := range b.rows {
		row = encodeRow(row)
		cols := make([]string, 0, len(row))
		placeholders := make([]string, 0, len(row))
		args := make([]any, 0, len(row))
		i := 1
		for _, c := range schema.Columns {
			v, ok := row[c]
			if !ok {
				continue
			}
			cols = append(cols, c)
			placeholders = append(placeholders, fmt.Sprintf("$%d", i))
			args = append(args, v)
			i++
		}
		sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
			b.facade.qualify(b.table), strings.Join(cols, ", "), strings.Join(placeholders, ", "),
			strings.Join(schema.PrimaryKey, ", "))
		batch.Queue(sql, args...)
	}

	results := b.facade.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range b.rows {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("processor: insert into %s: %w", b.table, err)
		}
	}
	return nil
}

// Update begins an UPDATE against table.
func (f *DBFacade) Update(table string) *UpdateBuilder {
	return &UpdateBuilder{facade: f, table: table}
}

// UpdateBuilder builds an UPDATE ... SET ... WHERE ... statement.
type UpdateBuilder struct {
	facade *DBFacade
	table  string
	fields map[string]any
	cond   map[string]any
}

func (b *UpdateBuilder) Set(fields map[string]any) *UpdateBuilder {
	b.fields = fields
	return b
}

func (b *UpdateBuilder) Where(cond map[string]any) *UpdateBuilder {
	b.cond = cond
	return b
}

func (b *UpdateBuilder) Exec(ctx context.Context) error {
	if _, err := b.facade.table(b.table); err != nil {
		return err
	}
	if len(b.fields) == 0 {
		return nil
	}

	fields := encodeRow(b.fields)
	setClauses, args := make([]string, 0, len(fields)), make([]any, 0, len(fields)+len(b.cond))
	i := 1
	for col, v := range fields {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", col, i))
		args = append(args, v)
		i++
	}
	whereClauses := make([]string, 0, len(b.cond))
	for col, v := range b.cond {
		whereClauses = append(whereClauses, fmt.Sprintf("%s = $%d", col, i))
		args = append(args, v)
		i++
	}

	sql := fmt.Sprintf("UPDATE %s SET %s", b.facade.qualify(b.table), strings.Join(setClauses, ", "))
	if len(whereClauses) > 0 {
		sql += " WHERE " + strings.Join(whereClauses, " AND ")
	}

	_, err := b.facade.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("processor: update %s: %w", b.table, err)
	}
	return nil
}

// Delete begins a DELETE against table.
func (f *DBFacade) Delete(table string) *DeleteBuilder {
	return &DeleteBuilder{facade: f, table: table}
}

// DeleteBuilder builds a DELETE ... WHERE ... statement.
type DeleteBuilder struct {
	facade *DBFacade
	table  string
	cond   map[string]any
}

func (b *DeleteBuilder) Where(cond map[string]any) *DeleteBuilder {
	b.cond = cond
	return b
}

func (b *DeleteBuilder) Exec(ctx context.Context) error {
	if _, err := b.facade.table(b.table); err != nil {
		return err
	}
	whereClauses, args := make([]string, 0, len(b.cond)), make([]any, 0, len(b.cond))
	i := 1
	for col, v := range b.cond {
		whereClauses = append(whereClauses, fmt.Sprintf("%s = $%d", col, i))
		args = append(args, v)
		i++
	}
	sql := fmt.Sprintf("DELETE FROM %s", b.facade.qualify(b.table))
	if len(whereClauses) > 0 {
		sql += " WHERE " + strings.Join(whereClauses, " AND ")
	}
	_, err := b.facade.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("processor: delete from %s: %w", b.table, err)
	}
	return nil
}

// Find begins a SELECT against table.
func (f *DBFacade) Find(table string) *FindBuilder {
	return &FindBuilder{facade: f, table: table}
}

// FindBuilder builds a SELECT ... WHERE ... statement.
type FindBuilder struct {
	facade *DBFacade
	table  string
	cond   map[string]any
}

func (b *FindBuilder) Where(cond map[string]any) *FindBuilder {
	b.cond = cond
	return b
}

// Many returns every matching row.
func (b *FindBuilder) Many(ctx context.Context) ([]map[string]any, error) {
	schema, err := b.facade.table(b.table)
	if err != nil {
		return nil, err
	}

	whereClauses, args := make([]string, 0, len(b.cond)), make([]any, 0, len(b.cond))
	i := 1
	for col, v := range b.cond {
		whereClauses = append(whereClauses, fmt.Sprintf("%s = $%d", col, i))
		args = append(args, v)
		i++
	}
	sql := fmt.Sprintf("SELECT %s FROM %s", strings.Join(schema.Columns, ", "), b.facade.qualify(b.table))
	if len(whereClauses) > 0 {
		sql += " WHERE " + strings.Join(whereClauses, " AND ")
	}

	rows, err := b.facade.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("processor: find %s: %w", b.table, err)
	}
	defer rows.Close()
	return scanRows(rows, schema.Columns)
}

// One returns the first matching row, or nil if none match.
func (b *FindBuilder) One(ctx context.Context) (map[string]any, error) {
	rows, err := b.Many(ctx)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// Get is the single-row-by-primary-key convenience spec §9 names
// directly on DBFacade rather than through Find.
func (f *DBFacade) Get(ctx context.Context, table string, id any) (map[string]any, error) {
	schema, err := f.table(table)
	if err != nil {
		return nil, err
	}
	if len(schema.PrimaryKey) != 1 {
		return nil, fmt.Errorf("processor: Get requires a single-column primary key for %q", table)
	}

	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1", strings.Join(schema.Columns, ", "),
		f.qualify(table), schema.PrimaryKey[0])
	rows, err := f.pool.Query(ctx, sql, id)
	if err != nil {
		return nil, fmt.Errorf("processor: get %s: %w", table, err)
	}
	defer rows.Close()

	out, err := scanRows(rows, schema.Columns)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

func scanRows(rows pgx.Rows, columns []string) ([]map[string]any, error) {
	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("processor: scan row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, c := range columns {
			if i < len(values) {
				row[c] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
