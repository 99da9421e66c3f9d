package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"salesetl/internal/storage"
)

// maxParams keeps each statement under Postgres's 65535 bind parameter limit.
const maxParams = 60000

// MultiRepo implements storage.MultiRepository for Postgres on a pgx pool.
type MultiRepo struct {
	pool *pgxpool.Pool

	// tx is set on repositories handed out by WithTx.
	tx pgx.Tx
}

// querier is what *pgxpool.Pool and pgx.Tx have in common.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *MultiRepo) conn() querier {
	if r.tx != nil {
		return r.tx
	}
	return r.pool
}

func init() {
	storage.RegisterMulti("postgres", NewMulti)
}

// NewMulti creates a new Postgres-backed MultiRepo and verifies connectivity.
func NewMulti(ctx context.Context, cfg storage.MultiConfig) (storage.MultiRepository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &MultiRepo{pool: pool}, nil
}

// Close closes the connection pool. It does nothing on a repository bound
// to a transaction.
func (r *MultiRepo) Close() {
	if r.tx == nil {
		r.pool.Close()
	}
}

// WithTx runs fn inside one transaction. TRUNCATE is transactional in
// Postgres, so a rolled back load leaves the fact table as it was.
func (r *MultiRepo) WithTx(ctx context.Context, fn func(tx storage.MultiRepository) error) error {
	if r.tx != nil {
		return fn(r)
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&MultiRepo{pool: r.pool, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// EnsureTables runs CREATE TABLE IF NOT EXISTS for every AutoCreateTable spec,
// creating the schema first when the name is schema-qualified.
func (r *MultiRepo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		if !t.AutoCreateTable {
			continue
		}
		schemaSQL, baseSQL, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if schemaSQL != "" {
			if _, err := r.conn().Exec(ctx, schemaSQL); err != nil {
				return fmt.Errorf("create schema for %s: %w", t.Name, err)
			}
		}
		if _, err := r.conn().Exec(ctx, baseSQL); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// TruncateTables empties tables in one statement.
func (r *MultiRepo) TruncateTables(ctx context.Context, tables []string) error {
	if len(tables) == 0 {
		return nil
	}
	idents := make([]string, len(tables))
	for i, t := range tables {
		idents[i] = pgTableIdent(t)
	}
	q := "TRUNCATE TABLE " + strings.Join(idents, ", ")
	if _, err := r.conn().Exec(ctx, q); err != nil {
		return fmt.Errorf("truncate %s: %w", strings.Join(tables, ", "), err)
	}
	return nil
}

// SelectKeyValueByKeys returns normalized key -> surrogate id for keys that
// exist. It uses a chunked IN (...) list rather than ANY($1) to avoid array
// typing edge cases with mixed key types.
func (r *MultiRepo) SelectKeyValueByKeys(ctx context.Context, table, keyColumn, valueColumn string, keys []any) (map[string]int64, error) {
	if len(keys) == 0 {
		return map[string]int64{}, nil
	}
	if table == "" || keyColumn == "" || valueColumn == "" {
		return nil, fmt.Errorf("SelectKeyValueByKeys: table, keyColumn, valueColumn are required")
	}

	out := make(map[string]int64, len(keys))
	err := storage.Chunks(len(keys), maxParams, func(start, end int) error {
		q, args := buildSelectInSQL(table, []string{keyColumn, valueColumn}, keyColumn, keys[start:end])
		rows, err := r.conn().Query(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("SelectKeyValueByKeys: query %s: %w", table, err)
		}
		defer rows.Close()

		for rows.Next() {
			var k any
			var id int64
			if err := rows.Scan(&k, &id); err != nil {
				return fmt.Errorf("SelectKeyValueByKeys: scan %s: %w", table, err)
			}
			out[storage.NormalizeKey(k)] = id
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("SelectKeyValueByKeys: rows %s: %w", table, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SelectExistingKeys returns the set of normalized keys already in table.
func (r *MultiRepo) SelectExistingKeys(ctx context.Context, table, keyColumn string, keys []any) (map[string]struct{}, error) {
	if len(keys) == 0 {
		return map[string]struct{}{}, nil
	}
	if table == "" || keyColumn == "" {
		return nil, fmt.Errorf("SelectExistingKeys: table and keyColumn are required")
	}

	out := make(map[string]struct{}, len(keys))
	err := storage.Chunks(len(keys), maxParams, func(start, end int) error {
		q, args := buildSelectInSQL(table, []string{keyColumn}, keyColumn, keys[start:end])
		rows, err := r.conn().Query(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("SelectExistingKeys: query %s: %w", table, err)
		}
		defer rows.Close()

		for rows.Next() {
			var k any
			if err := rows.Scan(&k); err != nil {
				return fmt.Errorf("SelectExistingKeys: scan %s: %w", table, err)
			}
			out[storage.NormalizeKey(k)] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("SelectExistingKeys: rows %s: %w", table, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// InsertDimensionRows inserts rows with ON CONFLICT (...) DO NOTHING so a key
// written by an earlier run (or earlier in this batch) is skipped.
func (r *MultiRepo) InsertDimensionRows(ctx context.Context, table string, columns []string, rows [][]any, conflictColumns []string) (int64, error) {
	if len(conflictColumns) == 0 {
		return 0, fmt.Errorf("InsertDimensionRows: %s: conflict columns are required", table)
	}
	return r.insert(ctx, table, columns, rows, conflictColumns)
}

// InsertFactRows appends rows with multi-row INSERT statements.
func (r *MultiRepo) InsertFactRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	return r.insert(ctx, table, columns, rows, nil)
}

func (r *MultiRepo) insert(ctx context.Context, table string, columns []string, rows [][]any, conflictColumns []string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 {
		return 0, fmt.Errorf("insert into %s: no columns", table)
	}

	var total int64
	err := storage.Chunks(len(rows), maxParams/len(columns), func(start, end int) error {
		q, args, err := buildInsertSQL(table, columns, rows[start:end], conflictColumns)
		if err != nil {
			return err
		}
		tag, err := r.conn().Exec(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("insert into %s: %w", table, err)
		}
		total += tag.RowsAffected()
		return nil
	})
	return total, err
}

// CountRows returns SELECT COUNT(*) for table.
func (r *MultiRepo) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := r.conn().QueryRow(ctx, "SELECT COUNT(*) FROM "+pgTableIdent(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// buildInsertSQL constructs a single INSERT statement and its args.
//
// Every row must have exactly len(columns) values. When conflictColumns is
// non-empty the statement ends in ON CONFLICT (...) DO NOTHING.
func buildInsertSQL(table string, columns []string, rows [][]any, conflictColumns []string) (string, []any, error) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgTableIdent(table))
	b.WriteString(" (")
	b.WriteString(joinIdents(columns))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if len(row) != len(columns) {
			return "", nil, fmt.Errorf("insert into %s: row %d has %d values for %d columns", table, i, len(row), len(columns))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	if len(conflictColumns) > 0 {
		b.WriteString(" ON CONFLICT (")
		b.WriteString(joinIdents(conflictColumns))
		b.WriteString(") DO NOTHING")
	}

	return b.String(), args, nil
}

// buildSelectInSQL renders SELECT <cols> FROM table WHERE keyColumn IN ($1..$n).
func buildSelectInSQL(table string, selectCols []string, keyColumn string, keys []any) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(joinIdents(selectCols))
	b.WriteString(" FROM ")
	b.WriteString(pgTableIdent(table))
	b.WriteString(" WHERE ")
	b.WriteString(pgIdent(keyColumn))
	b.WriteString(" IN (")

	args := make([]any, 0, len(keys))
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", i+1)
		args = append(args, k)
	}
	b.WriteString(")")
	return b.String(), args
}

// buildCreateSQL builds DDL for one table. schemaSQL is non-empty only for
// schema-qualified names.
func buildCreateSQL(t storage.TableSpec) (schemaSQL, baseSQL string, err error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", "", fmt.Errorf("table name is empty")
	}

	if schema, _ := splitQualifiedName(t.Name); schema != "" {
		schemaSQL = fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, pgIdent(schema))
	}

	cols, err := buildColumnDefs(t)
	if err != nil {
		return "", "", err
	}
	constraints, err := buildConstraints(t)
	if err != nil {
		return "", "", err
	}
	cols = append(cols, constraints...)

	baseSQL = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s);`, pgTableIdent(t.Name), strings.Join(cols, ", "))
	return schemaSQL, baseSQL, nil
}

// buildColumnDefs returns "<col> <type> ..." definitions, primary key first.
func buildColumnDefs(t storage.TableSpec) ([]string, error) {
	cols := make([]string, 0, len(t.Columns)+1)

	if t.PrimaryKey != nil {
		pk := strings.TrimSpace(t.PrimaryKey.Name)
		pkType := strings.TrimSpace(t.PrimaryKey.Type)
		if pk == "" || pkType == "" {
			return nil, fmt.Errorf("table %s: primary_key.name and primary_key.type are required", t.Name)
		}
		cols = append(cols, fmt.Sprintf(`%s %s PRIMARY KEY`, pgIdent(pk), pkType))
	}

	for _, c := range t.Columns {
		def, err := buildColumnDef(c)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", t.Name, err)
		}
		cols = append(cols, def)
	}

	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s: no columns", t.Name)
	}
	return cols, nil
}

// buildColumnDef renders one column. A nil Nullable means NOT NULL.
func buildColumnDef(c storage.ColumnSpec) (string, error) {
	name := strings.TrimSpace(c.Name)
	typ := strings.TrimSpace(c.Type)
	if name == "" || typ == "" {
		return "", fmt.Errorf("column name/type must be set")
	}

	var b strings.Builder
	b.WriteString(pgIdent(name))
	b.WriteString(" ")
	b.WriteString(typ)

	if c.Nullable == nil || !*c.Nullable {
		b.WriteString(" NOT NULL")
	}
	if ref := strings.TrimSpace(c.References); ref != "" {
		b.WriteString(" REFERENCES ")
		b.WriteString(ref)
	}
	return b.String(), nil
}

// buildConstraints renders table-level UNIQUE constraints, the only kind
// storage.ConstraintSpec exposes.
func buildConstraints(t storage.TableSpec) ([]string, error) {
	out := make([]string, 0, len(t.Constraints))
	for _, c := range t.Constraints {
		if !strings.EqualFold(strings.TrimSpace(c.Kind), "unique") {
			return nil, fmt.Errorf("table %s: unsupported constraint kind %q", t.Name, c.Kind)
		}
		if len(c.Columns) == 0 {
			return nil, fmt.Errorf("table %s: unique constraint requires columns", t.Name)
		}
		out = append(out, "UNIQUE ("+joinIdents(c.Columns)+")")
	}
	return out, nil
}

// splitQualifiedName splits "public.sales_fact" into ("public", "sales_fact").
// Anything other than exactly one dot is treated as unqualified.
func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

// pgIdent double-quotes an identifier, escaping embedded quotes.
func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(strings.TrimSpace(name), `"`, `""`) + `"`
}

func pgTableIdent(name string) string {
	if schema, table := splitQualifiedName(name); schema != "" {
		return pgIdent(schema) + "." + pgIdent(table)
	}
	return pgIdent(name)
}

func joinIdents(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgIdent(c)
	}
	return strings.Join(out, ", ")
}
