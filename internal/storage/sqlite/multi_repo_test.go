package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"salesetl/internal/storage"
)

func boolPtr(v bool) *bool { return &v }

func openTestRepo(t *testing.T) storage.MultiRepository {
	t.Helper()
	repo, err := NewMulti(context.Background(), storage.MultiConfig{
		Kind: "sqlite",
		DSN:  filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(repo.Close)
	return repo
}

var (
	productSpec = storage.TableSpec{
		Name:            "product_dim",
		AutoCreateTable: true,
		PrimaryKey:      &storage.PrimaryKeySpec{Name: "product_id", Type: "serial"},
		Columns: []storage.ColumnSpec{
			{Name: "name", Type: "varchar(255)"},
			{Name: "brand", Type: "varchar(255)", Nullable: boolPtr(true)},
		},
		Constraints: []storage.ConstraintSpec{{Kind: "unique", Columns: []string{"name"}}},
	}
	dateSpec = storage.TableSpec{
		Name:            "date_dim",
		AutoCreateTable: true,
		PrimaryKey:      &storage.PrimaryKeySpec{Name: "date", Type: "date"},
		Columns:         []storage.ColumnSpec{{Name: "day", Type: "integer"}},
	}
	factSpec = storage.TableSpec{
		Name:            "fact",
		AutoCreateTable: true,
		PrimaryKey:      &storage.PrimaryKeySpec{Name: "id", Type: "serial"},
		Columns: []storage.ColumnSpec{
			{Name: "product_id", Type: "integer", References: "product_dim(product_id)"},
			{Name: "date", Type: "date", References: "date_dim(date)"},
			{Name: "price", Type: "numeric(12,2)"},
		},
	}
)

func TestBuildCreateTableSQL(t *testing.T) {
	t.Parallel()

	q, err := buildCreateTableSQL(productSpec)
	require.NoError(t, err)
	require.Contains(t, q, `CREATE TABLE IF NOT EXISTS "product_dim"`)
	require.Contains(t, q, `"product_id" INTEGER PRIMARY KEY AUTOINCREMENT`)
	require.Contains(t, q, `"name" varchar(255) NOT NULL`)
	require.Contains(t, q, `"brand" varchar(255)`)
	require.NotContains(t, q, `"brand" varchar(255) NOT NULL`)
	require.Contains(t, q, `UNIQUE ("name")`)

	q, err = buildCreateTableSQL(dateSpec)
	require.NoError(t, err)
	require.Contains(t, q, `"date" date PRIMARY KEY`)

	_, err = buildCreateTableSQL(storage.TableSpec{Name: "x"})
	require.Error(t, err)
}

func TestBuildInsertSQL(t *testing.T) {
	t.Parallel()

	q, args, err := buildInsertSQL("INSERT OR IGNORE INTO ", "product_dim", []string{"name", "brand"}, [][]any{{"A", "x"}, {"B", nil}})
	require.NoError(t, err)
	require.Equal(t, `INSERT OR IGNORE INTO "product_dim" ("name", "brand") VALUES (?, ?), (?, ?)`, q)
	require.Equal(t, []any{"A", "x", "B", nil}, args)

	_, _, err = buildInsertSQL("INSERT INTO ", "t", []string{"a"}, [][]any{{1, 2}})
	require.Error(t, err)
}

func TestWithPragmas(t *testing.T) {
	t.Parallel()

	require.True(t, strings.HasPrefix(withPragmas("/tmp/a.db"), "/tmp/a.db?_pragma=foreign_keys(1)"))
	require.Contains(t, withPragmas("file:a.db?mode=rwc"), "mode=rwc&_pragma=")
	require.Equal(t, "a.db?_pragma=journal_mode(WAL)", withPragmas("a.db?_pragma=journal_mode(WAL)"))
}

func TestMultiRepo_DimensionRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)

	tables := []storage.TableSpec{productSpec, dateSpec, factSpec}
	require.NoError(t, repo.EnsureTables(ctx, tables))
	require.NoError(t, repo.EnsureTables(ctx, tables), "DDL must be idempotent")

	cols := productSpec.ColumnNames()
	n, err := repo.InsertDimensionRows(ctx, "product_dim", cols, [][]any{{"Widget", "Acme"}, {"Gadget", nil}}, []string{"name"})
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	n, err = repo.InsertDimensionRows(ctx, "product_dim", cols, [][]any{{"Widget", "Other"}}, []string{"name"})
	require.NoError(t, err)
	require.EqualValues(t, 0, n, "existing natural key must be ignored")

	ids, err := repo.SelectKeyValueByKeys(ctx, "product_dim", "name", "product_id", []any{"Widget", "Gadget", "Nope"})
	require.NoError(t, err)
	require.Len(t, ids, 2)
	require.NotEqual(t, ids["Widget"], ids["Gadget"])

	_, err = repo.InsertDimensionRows(ctx, "date_dim", dateSpec.ColumnNames(), [][]any{{"2024-03-15", 15}}, []string{"date"})
	require.NoError(t, err)

	existing, err := repo.SelectExistingKeys(ctx, "date_dim", "date", []any{"2024-03-15", "2024-03-16"})
	require.NoError(t, err)
	require.Equal(t, map[string]struct{}{"2024-03-15": {}}, existing)

	n, err = repo.InsertFactRows(ctx, "fact", factSpec.ColumnNames(), [][]any{
		{ids["Widget"], "2024-03-15", "12.50"},
		{ids["Widget"], "2024-03-15", "12.50"},
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, n, "facts are appended without dedupe")

	count, err := repo.CountRows(ctx, "fact")
	require.NoError(t, err)
	require.EqualValues(t, 2, count)

	require.NoError(t, repo.TruncateTables(ctx, []string{"fact"}))
	count, err = repo.CountRows(ctx, "fact")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestMultiRepo_ForeignKeysEnforced(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	require.NoError(t, repo.EnsureTables(ctx, []storage.TableSpec{productSpec, dateSpec, factSpec}))

	_, err := repo.InsertFactRows(ctx, "fact", factSpec.ColumnNames(), [][]any{{int64(999), "2024-01-01", "1.00"}})
	require.Error(t, err, "fact referencing a missing dimension row must fail")
}

func TestMultiRepo_EmptyInputs(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)

	ids, err := repo.SelectKeyValueByKeys(ctx, "product_dim", "name", "product_id", nil)
	require.NoError(t, err)
	require.Empty(t, ids)

	n, err := repo.InsertFactRows(ctx, "fact", []string{"a"}, nil)
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = repo.InsertDimensionRows(ctx, "product_dim", []string{"name"}, [][]any{{"x"}}, nil)
	require.Error(t, err)
}

func TestMultiRepo_WithTx(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	require.NoError(t, repo.EnsureTables(ctx, []storage.TableSpec{productSpec, dateSpec, factSpec}))

	cols := productSpec.ColumnNames()
	_, err := repo.InsertDimensionRows(ctx, "product_dim", cols, [][]any{{"Widget", "Acme"}}, []string{"name"})
	require.NoError(t, err)
	_, err = repo.InsertDimensionRows(ctx, "date_dim", dateSpec.ColumnNames(), [][]any{{"2024-03-15", 15}}, []string{"date"})
	require.NoError(t, err)
	ids, err := repo.SelectKeyValueByKeys(ctx, "product_dim", "name", "product_id", []any{"Widget"})
	require.NoError(t, err)
	_, err = repo.InsertFactRows(ctx, "fact", factSpec.ColumnNames(), [][]any{
		{ids["Widget"], "2024-03-15", "1.00"},
		{ids["Widget"], "2024-03-15", "2.00"},
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = repo.WithTx(ctx, func(tx storage.MultiRepository) error {
		require.NoError(t, tx.TruncateTables(ctx, []string{"fact"}))
		_, err := tx.InsertDimensionRows(ctx, "product_dim", cols, [][]any{{"Gadget", nil}}, []string{"name"})
		require.NoError(t, err)
		// Nested scopes join the outer transaction.
		require.NoError(t, tx.WithTx(ctx, func(inner storage.MultiRepository) error {
			n, err := inner.CountRows(ctx, "product_dim")
			require.EqualValues(t, 2, n)
			return err
		}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	count, err := repo.CountRows(ctx, "fact")
	require.NoError(t, err)
	require.EqualValues(t, 2, count, "rolled back truncate must keep facts")
	count, err = repo.CountRows(ctx, "product_dim")
	require.NoError(t, err)
	require.EqualValues(t, 1, count, "rolled back insert must not persist")

	require.NoError(t, repo.WithTx(ctx, func(tx storage.MultiRepository) error {
		return tx.TruncateTables(ctx, []string{"fact"})
	}))
	count, err = repo.CountRows(ctx, "fact")
	require.NoError(t, err)
	require.Zero(t, count)
}
