package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"salesetl/internal/storage"
)

// maxParams stays under SQL Server's 2100 parameter limit per request.
const maxParams = 2000

// MultiRepo implements storage.MultiRepository for Microsoft SQL Server.
//
// SQL Server has no ON CONFLICT, so dimension inserts use an
// INSERT ... SELECT ... WHERE NOT EXISTS anti-join, and each batch is first
// deduplicated by conflict key because VALUES rows are not collapsed.
type MultiRepo struct {
	db dbConn

	// tx is set on repositories handed out by WithTx.
	tx dbTx
}

func (r *MultiRepo) conn() execQuerier {
	if r.tx != nil {
		return r.tx
	}
	return r.db
}

func init() {
	storage.RegisterMulti("mssql", NewMulti)
}

// NewMulti opens a "sqlserver" database/sql handle and pings it.
func NewMulti(ctx context.Context, cfg storage.MultiConfig) (storage.MultiRepository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	raw.SetMaxOpenConns(8)
	raw.SetMaxIdleConns(8)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &MultiRepo{db: &sqlDB{db: raw}}, nil
}

// Close releases database resources held by this repository.
func (r *MultiRepo) Close() {
	if r == nil || r.db == nil || r.tx != nil {
		return
	}
	_ = r.db.Close()
}

// WithTx runs fn inside one transaction. TRUNCATE TABLE is logged and rolls
// back with the rest of it.
func (r *MultiRepo) WithTx(ctx context.Context, fn func(tx storage.MultiRepository) error) error {
	if r.tx != nil {
		return fn(r)
	}
	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("mssql: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&MultiRepo{db: r.db, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mssql: commit: %w", err)
	}
	return nil
}

// EnsureTables creates missing tables behind an OBJECT_ID guard.
func (r *MultiRepo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		if !t.AutoCreateTable {
			continue
		}
		q, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if _, err := r.conn().ExecContext(ctx, q); err != nil {
			return fmt.Errorf("mssql: create table %s: %w", t.Name, err)
		}
	}
	return nil
}

func (r *MultiRepo) TruncateTables(ctx context.Context, tables []string) error {
	for _, t := range tables {
		if _, err := r.conn().ExecContext(ctx, "TRUNCATE TABLE "+mssqlTableIdent(t)); err != nil {
			return fmt.Errorf("mssql: truncate %s: %w", t, err)
		}
	}
	return nil
}

func (r *MultiRepo) SelectKeyValueByKeys(ctx context.Context, table, keyColumn, valueColumn string, keys []any) (map[string]int64, error) {
	out := make(map[string]int64, len(keys))
	err := storage.Chunks(len(keys), maxParams, func(start, end int) error {
		q, args := buildSelectInSQL(table, []string{keyColumn, valueColumn}, keyColumn, keys[start:end])
		rows, err := r.conn().QueryContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("mssql: select keys from %s: %w", table, err)
		}
		defer rows.Close()

		for rows.Next() {
			var k any
			var id int64
			if err := rows.Scan(&k, &id); err != nil {
				return fmt.Errorf("mssql: scan %s: %w", table, err)
			}
			out[storage.NormalizeKey(k)] = id
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *MultiRepo) SelectExistingKeys(ctx context.Context, table, keyColumn string, keys []any) (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(keys))
	err := storage.Chunks(len(keys), maxParams, func(start, end int) error {
		q, args := buildSelectInSQL(table, []string{keyColumn}, keyColumn, keys[start:end])
		rows, err := r.conn().QueryContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("mssql: select keys from %s: %w", table, err)
		}
		defer rows.Close()

		for rows.Next() {
			var k any
			if err := rows.Scan(&k); err != nil {
				return fmt.Errorf("mssql: scan %s: %w", table, err)
			}
			out[storage.NormalizeKey(k)] = struct{}{}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// InsertDimensionRows inserts rows whose conflict key is not already present.
func (r *MultiRepo) InsertDimensionRows(ctx context.Context, table string, columns []string, rows [][]any, conflictColumns []string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(conflictColumns) == 0 {
		return 0, fmt.Errorf("mssql: InsertDimensionRows %s: conflict columns are required", table)
	}
	if len(columns) == 0 {
		return 0, fmt.Errorf("mssql: insert into %s: no columns", table)
	}

	rows, err := dedupeRowsByColumns(rows, columns, conflictColumns)
	if err != nil {
		return 0, err
	}

	var total int64
	err = storage.Chunks(len(rows), maxParams/len(columns), func(start, end int) error {
		q, args := buildInsertNotExistsSQL(table, columns, rows[start:end], conflictColumns)
		res, err := r.conn().ExecContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("mssql: insert into %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
		return nil
	})
	return total, err
}

func (r *MultiRepo) InsertFactRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 {
		return 0, fmt.Errorf("mssql: insert into %s: no columns", table)
	}

	var total int64
	err := storage.Chunks(len(rows), maxParams/len(columns), func(start, end int) error {
		q, args := buildBulkInsertSQL(table, columns, rows[start:end])
		res, err := r.conn().ExecContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("mssql: insert into %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
		return nil
	})
	return total, err
}

func (r *MultiRepo) CountRows(ctx context.Context, table string) (int64, error) {
	rows, err := r.conn().QueryContext(ctx, "SELECT COUNT_BIG(*) FROM "+mssqlTableIdent(table))
	if err != nil {
		return 0, fmt.Errorf("mssql: count %s: %w", table, err)
	}
	defer rows.Close()

	var n int64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, fmt.Errorf("mssql: count %s: %w", table, err)
		}
	}
	return n, rows.Err()
}

// buildCreateSQL wraps CREATE TABLE in an OBJECT_ID guard, which keeps
// EnsureTables idempotent without IF NOT EXISTS syntax.
func buildCreateSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("mssql: table name is empty")
	}

	defs := make([]string, 0, len(t.Columns)+len(t.Constraints)+1)
	if t.PrimaryKey != nil {
		d, err := mssqlPrimaryKeyDef(*t.PrimaryKey)
		if err != nil {
			return "", err
		}
		defs = append(defs, d)
	}
	for _, c := range t.Columns {
		d, err := mssqlColumnDef(c)
		if err != nil {
			return "", err
		}
		defs = append(defs, d)
	}
	for _, con := range t.Constraints {
		if !strings.EqualFold(con.Kind, "unique") {
			return "", fmt.Errorf("mssql: table %s: unsupported constraint kind %q", t.Name, con.Kind)
		}
		defs = append(defs, "UNIQUE ("+joinIdents(con.Columns, "")+")")
	}
	if len(defs) == 0 {
		return "", fmt.Errorf("mssql: table %s: no columns", t.Name)
	}

	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		strings.ReplaceAll(t.Name, "'", "''"),
		mssqlTableIdent(t.Name),
		strings.Join(defs, ", "),
	), nil
}

// mssqlPrimaryKeyDef maps serial-like types to INT IDENTITY(1,1); anything
// else is used verbatim.
func mssqlPrimaryKeyDef(pk storage.PrimaryKeySpec) (string, error) {
	if strings.TrimSpace(pk.Name) == "" {
		return "", fmt.Errorf("mssql: primary key name is empty")
	}
	switch strings.ToLower(strings.TrimSpace(pk.Type)) {
	case "bigserial":
		return fmt.Sprintf("%s BIGINT IDENTITY(1,1) PRIMARY KEY", mssqlIdent(pk.Name)), nil
	case "serial", "int identity", "integer identity", "identity":
		return fmt.Sprintf("%s INT IDENTITY(1,1) PRIMARY KEY", mssqlIdent(pk.Name)), nil
	case "":
		return "", fmt.Errorf("mssql: primary key %s type is empty", pk.Name)
	default:
		return fmt.Sprintf("%s %s PRIMARY KEY", mssqlIdent(pk.Name), pk.Type), nil
	}
}

// mssqlColumnDef renders one column. A nil Nullable means NOT NULL.
func mssqlColumnDef(c storage.ColumnSpec) (string, error) {
	if strings.TrimSpace(c.Name) == "" {
		return "", fmt.Errorf("mssql: column name is empty")
	}
	if strings.TrimSpace(c.Type) == "" {
		return "", fmt.Errorf("mssql: column %s type is empty", c.Name)
	}

	var b strings.Builder
	b.WriteString(mssqlIdent(c.Name))
	b.WriteString(" ")
	b.WriteString(mssqlColumnType(c.Type))
	if c.Nullable == nil || !*c.Nullable {
		b.WriteString(" NOT NULL")
	}
	if strings.TrimSpace(c.References) != "" {
		b.WriteString(" REFERENCES ")
		b.WriteString(c.References)
	}
	return b.String(), nil
}

// mssqlColumnType widens character types to their Unicode forms; plain
// varchar would store non-Latin text as '?'.
func mssqlColumnType(typ string) string {
	t := strings.TrimSpace(typ)
	lower := strings.ToLower(t)
	switch {
	case lower == "text":
		return "nvarchar(max)"
	case strings.HasPrefix(lower, "varchar"), strings.HasPrefix(lower, "char"):
		return "n" + t
	case strings.HasPrefix(lower, "character varying"):
		return "nvarchar" + t[len("character varying"):]
	}
	return t
}

func buildSelectInSQL(table string, selectCols []string, keyColumn string, keys []any) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(joinIdents(selectCols, ""))
	b.WriteString(" FROM ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" WHERE ")
	b.WriteString(mssqlIdent(keyColumn))
	b.WriteString(" IN (")

	args := make([]any, 0, len(keys))
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "@p%d", i+1)
		args = append(args, k)
	}
	b.WriteString(")")
	return b.String(), args
}

// writeValues appends "(@p1, @p2), (@p3, @p4)" for rows and returns the args.
func writeValues(b *strings.Builder, columns []string, rows [][]any) []any {
	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(b, "@p%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	return args
}

// buildBulkInsertSQL builds a single INSERT ... VALUES statement for all rows.
func buildBulkInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	b.WriteString(joinIdents(columns, ""))
	b.WriteString(") VALUES ")
	args := writeValues(&b, columns, rows)
	return b.String(), args
}

// buildInsertNotExistsSQL materializes rows as derived table v and inserts
// only those without a match on conflictColumns.
func buildInsertNotExistsSQL(table string, columns []string, rows [][]any, conflictColumns []string) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	b.WriteString(joinIdents(columns, ""))
	b.WriteString(") SELECT ")
	b.WriteString(joinIdents(columns, "v."))
	b.WriteString(" FROM (VALUES ")
	args := writeValues(&b, columns, rows)
	b.WriteString(") AS v (")
	b.WriteString(joinIdents(columns, ""))
	b.WriteString(") WHERE NOT EXISTS (SELECT 1 FROM ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" AS t WHERE ")
	for i, c := range conflictColumns {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString("t.")
		b.WriteString(mssqlIdent(c))
		b.WriteString(" = v.")
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(")")
	return b.String(), args
}

// dedupeRowsByColumns keeps the first row for each distinct key over
// keyColumns, preserving input order.
func dedupeRowsByColumns(rows [][]any, columns []string, keyColumns []string) ([][]any, error) {
	idx := make([]int, len(keyColumns))
	for i, kc := range keyColumns {
		pos := -1
		for j, c := range columns {
			if c == kc {
				pos = j
				break
			}
		}
		if pos < 0 {
			return nil, fmt.Errorf("mssql: dedupe column %q not in insert columns %v", kc, columns)
		}
		idx[i] = pos
	}

	seen := make(map[string]struct{}, len(rows))
	out := make([][]any, 0, len(rows))
	var kb strings.Builder
	for _, row := range rows {
		kb.Reset()
		for i, p := range idx {
			if i > 0 {
				kb.WriteByte(0)
			}
			kb.WriteString(storage.NormalizeKey(row[p]))
		}
		k := kb.String()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, row)
	}
	return out, nil
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent quotes each part of a schema-qualified name:
// "dbo.sales_fact" -> [dbo].[sales_fact].
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

func joinIdents(cols []string, prefix string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = prefix + mssqlIdent(c)
	}
	return strings.Join(out, ", ")
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// dbConn is the slice of *sql.DB this package needs, so tests can record
// statements without a server.
type dbConn interface {
	execQuerier
	BeginTx(ctx context.Context) (dbTx, error)
	Close() error
}

// dbTx is the slice of *sql.Tx this package needs.
type dbTx interface {
	execQuerier
	Commit() error
	Rollback() error
}

type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *sqlDB) BeginTx(ctx context.Context) (dbTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

var (
	_ dbConn = (*sqlDB)(nil)
	_ dbTx   = (*sql.Tx)(nil)
)
