package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"salesetl/internal/storage"
)

// maxParams stays under SQLITE_MAX_VARIABLE_NUMBER (32766 since 3.32).
const maxParams = 30000

// MultiRepo implements storage.MultiRepository for SQLite.
//
// SQLite only enforces REFERENCES when foreign_keys is on, so NewMulti turns
// it on for every connection. DATE columns have NUMERIC affinity and keep
// "YYYY-MM-DD" values as TEXT.
type MultiRepo struct {
	db *sql.DB

	// tx is set on repositories handed out by WithTx.
	tx *sql.Tx
}

// dbtx is what *sql.DB and *sql.Tx have in common.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *MultiRepo) conn() dbtx {
	if r.tx != nil {
		return r.tx
	}
	return r.db
}

func init() {
	storage.RegisterMulti("sqlite", NewMulti)
}

// NewMulti opens the database file named by cfg.DSN.
func NewMulti(ctx context.Context, cfg storage.MultiConfig) (storage.MultiRepository, error) {
	db, err := sql.Open("sqlite", withPragmas(cfg.DSN))
	if err != nil {
		return nil, err
	}
	// One writer at a time is all SQLite allows anyway.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &MultiRepo{db: db}, nil
}

// withPragmas appends connection pragmas understood by modernc.org/sqlite.
func withPragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

func (r *MultiRepo) Close() {
	if r.tx == nil {
		_ = r.db.Close()
	}
}

// WithTx runs fn inside one transaction. The pool holds a single connection,
// so fn must only use the repository it is given.
func (r *MultiRepo) WithTx(ctx context.Context, fn func(tx storage.MultiRepository) error) error {
	return r.withTx(ctx, func(tx *MultiRepo) error { return fn(tx) })
}

func (r *MultiRepo) withTx(ctx context.Context, fn func(tx *MultiRepo) error) error {
	if r.tx != nil {
		return fn(r)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&MultiRepo{db: r.db, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// EnsureTables creates every AutoCreateTable spec with CREATE TABLE IF NOT EXISTS.
func (r *MultiRepo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		if !t.AutoCreateTable {
			continue
		}
		q, err := buildCreateTableSQL(t)
		if err != nil {
			return err
		}
		if _, err := r.conn().ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// TruncateTables deletes every row; SQLite has no TRUNCATE.
func (r *MultiRepo) TruncateTables(ctx context.Context, tables []string) error {
	for _, t := range tables {
		if _, err := r.conn().ExecContext(ctx, "DELETE FROM "+sqlIdent(t)); err != nil {
			return fmt.Errorf("truncate %s: %w", t, err)
		}
	}
	return nil
}

func (r *MultiRepo) SelectKeyValueByKeys(ctx context.Context, table, keyColumn, valueColumn string, keys []any) (map[string]int64, error) {
	out := make(map[string]int64, len(keys))
	err := storage.Chunks(len(keys), maxParams, func(start, end int) error {
		q := buildSelectInSQL(table, []string{keyColumn, valueColumn}, keyColumn, end-start)
		rows, err := r.conn().QueryContext(ctx, q, keys[start:end]...)
		if err != nil {
			return fmt.Errorf("SelectKeyValueByKeys: query %s: %w", table, err)
		}
		defer rows.Close()

		for rows.Next() {
			var k any
			var id sql.NullInt64
			if err := rows.Scan(&k, &id); err != nil {
				return err
			}
			if !id.Valid {
				return fmt.Errorf(
					"sqlite: %s.%s is NULL; primary key not auto-generated (use serial -> INTEGER PRIMARY KEY)",
					table, valueColumn,
				)
			}
			out[storage.NormalizeKey(k)] = id.Int64
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
		q := buildSelectInSQL(table, []string{keyColumn}, keyColumn, end-start)
		rows, err := r.conn().QueryContext(ctx, q, keys[start:end]...)
		if err != nil {
			return fmt.Errorf("SelectExistingKeys: query %s: %w", table, err)
		}
		defer rows.Close()

		for rows.Next() {
			var k any
			if err := rows.Scan(&k); err != nil {
				return err
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

// InsertDimensionRows uses INSERT OR IGNORE, which relies on the UNIQUE or
// PRIMARY KEY constraint over conflictColumns existing in the table.
func (r *MultiRepo) InsertDimensionRows(ctx context.Context, table string, columns []string, rows [][]any, conflictColumns []string) (int64, error) {
	if len(conflictColumns) == 0 {
		return 0, fmt.Errorf("InsertDimensionRows: %s: conflict columns are required", table)
	}
	return r.insert(ctx, "INSERT OR IGNORE INTO ", table, columns, rows)
}

func (r *MultiRepo) InsertFactRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	return r.insert(ctx, "INSERT INTO ", table, columns, rows)
}

// insert writes all chunks in one transaction, or in the caller's
// transaction when r is bound to one.
func (r *MultiRepo) insert(ctx context.Context, verb, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 {
		return 0, fmt.Errorf("insert into %s: no columns", table)
	}

	var total int64
	err := r.withTx(ctx, func(tx *MultiRepo) error {
		return storage.Chunks(len(rows), maxParams/len(columns), func(start, end int) error {
			q, args, err := buildInsertSQL(verb, table, columns, rows[start:end])
			if err != nil {
				return err
			}
			res, err := tx.tx.ExecContext(ctx, q, args...)
			if err != nil {
				return fmt.Errorf("insert into %s: %w", table, err)
			}
			n, _ := res.RowsAffected()
			total += n
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (r *MultiRepo) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := r.conn().QueryRowContext(ctx, "SELECT COUNT(*) FROM "+sqlIdent(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func joinIdents(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = sqlIdent(c)
	}
	return strings.Join(out, ", ")
}

func buildSelectInSQL(table string, selectCols []string, keyColumn string, n int) string {
	ph := strings.TrimRight(strings.Repeat("?,", n), ",")
	return fmt.Sprintf(`SELECT %s FROM %s WHERE %s IN (%s)`,
		joinIdents(selectCols), sqlIdent(table), sqlIdent(keyColumn), ph)
}

func buildInsertSQL(verb, table string, columns []string, rows [][]any) (string, []any, error) {
	var b strings.Builder
	b.WriteString(verb)
	b.WriteString(sqlIdent(table))
	b.WriteString(" (")
	b.WriteString(joinIdents(columns))
	b.WriteString(") VALUES ")

	rowPH := "(" + strings.TrimRight(strings.Repeat("?, ", len(columns)), ", ") + ")"
	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if len(row) != len(columns) {
			return "", nil, fmt.Errorf("insert into %s: row %d has %d values for %d columns", table, i, len(row), len(columns))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(rowPH)
		args = append(args, row...)
	}
	return b.String(), args, nil
}

func buildCreateTableSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("table name is empty")
	}

	var parts []string

	if t.PrimaryKey != nil {
		// "INTEGER PRIMARY KEY" is special in sqlite: it becomes the rowid and auto-generates values.
		if t.PrimaryKey.Generated() {
			parts = append(parts, fmt.Sprintf(`%s INTEGER PRIMARY KEY AUTOINCREMENT`, sqlIdent(t.PrimaryKey.Name)))
		} else {
			parts = append(parts, fmt.Sprintf(`%s %s PRIMARY KEY`, sqlIdent(t.PrimaryKey.Name), t.PrimaryKey.Type))
		}
	}

	for _, c := range t.Columns {
		if strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.Type) == "" {
			return "", fmt.Errorf("table %s: column name/type must be set", t.Name)
		}
		col := fmt.Sprintf("%s %s", sqlIdent(c.Name), c.Type)
		if c.Nullable == nil || !*c.Nullable {
			col += " NOT NULL"
		}
		if c.References != "" {
			col += " REFERENCES " + c.References
		}
		parts = append(parts, col)
	}

	for _, con := range t.Constraints {
		if con.Kind != "unique" {
			return "", fmt.Errorf("%s unsupported constraint kind: %s", t.Name, con.Kind)
		}
		parts = append(parts, fmt.Sprintf("UNIQUE (%s)", joinIdents(con.Columns)))
	}

	if len(parts) == 0 {
		return "", fmt.Errorf("table %s: no columns", t.Name)
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", sqlIdent(t.Name), strings.Join(parts, ",\n  ")), nil
}
