package postgres

import (
	"strings"
	"testing"

	"salesetl/internal/storage"
)

// boolPtr is a tiny helper to avoid repeating &[]bool literals in tests.
func boolPtr(v bool) *bool { return &v }

func TestBuildCreateSQL_DimensionWithUniqueKey(t *testing.T) {
	t.Parallel()

	spec := storage.TableSpec{
		Name:            "public.product_dim",
		AutoCreateTable: true,
		PrimaryKey:      &storage.PrimaryKeySpec{Name: "product_id", Type: "serial"},
		Columns: []storage.ColumnSpec{
			{Name: "name", Type: "varchar(255)"},
			{Name: "brand", Type: "varchar(255)", Nullable: boolPtr(true)},
		},
		Constraints: []storage.ConstraintSpec{{Kind: "unique", Columns: []string{"name"}}},
		Load:        storage.LoadSpec{Kind: "dimension"},
	}

	schemaSQL, baseSQL, err := buildCreateSQL(spec)
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	if schemaSQL != `CREATE SCHEMA IF NOT EXISTS "public";` {
		t.Fatalf("schemaSQL=%q", schemaSQL)
	}
	for _, want := range []string{
		`CREATE TABLE IF NOT EXISTS "public"."product_dim"`,
		`"product_id" serial PRIMARY KEY`,
		`"name" varchar(255) NOT NULL`,
		`UNIQUE ("name")`,
	} {
		if !strings.Contains(baseSQL, want) {
			t.Fatalf("baseSQL missing %q: %s", want, baseSQL)
		}
	}
	if strings.Contains(baseSQL, `"brand" varchar(255) NOT NULL`) {
		t.Fatalf("nullable column rendered NOT NULL: %s", baseSQL)
	}
}

func TestBuildCreateSQL_FactReferences(t *testing.T) {
	t.Parallel()

	spec := storage.TableSpec{
		Name:       "sales_fact",
		PrimaryKey: &storage.PrimaryKeySpec{Name: "sale_id", Type: "serial"},
		Columns: []storage.ColumnSpec{
			{Name: "product_id", Type: "integer", References: "product_dim(product_id)"},
			{Name: "date", Type: "date", References: "date_dim(date)"},
		},
	}

	schemaSQL, baseSQL, err := buildCreateSQL(spec)
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	if schemaSQL != "" {
		t.Fatalf("unqualified table should not create a schema: %q", schemaSQL)
	}
	if !strings.Contains(baseSQL, `"product_id" integer NOT NULL REFERENCES product_dim(product_id)`) {
		t.Fatalf("missing product reference: %s", baseSQL)
	}
	if !strings.Contains(baseSQL, `"date" date NOT NULL REFERENCES date_dim(date)`) {
		t.Fatalf("missing date reference: %s", baseSQL)
	}
}

func TestBuildCreateSQL_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		spec storage.TableSpec
	}{
		{"empty_name", storage.TableSpec{Columns: []storage.ColumnSpec{{Name: "a", Type: "int"}}}},
		{"no_columns", storage.TableSpec{Name: "t"}},
		{"column_without_type", storage.TableSpec{Name: "t", Columns: []storage.ColumnSpec{{Name: "a"}}}},
		{"pk_without_type", storage.TableSpec{Name: "t", PrimaryKey: &storage.PrimaryKeySpec{Name: "id"}}},
		{"bad_constraint", storage.TableSpec{
			Name:        "t",
			Columns:     []storage.ColumnSpec{{Name: "a", Type: "int"}},
			Constraints: []storage.ConstraintSpec{{Kind: "check", Columns: []string{"a"}}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := buildCreateSQL(tt.spec); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestBuildInsertSQL_PlaceholdersAndConflict(t *testing.T) {
	t.Parallel()

	sql, args, err := buildInsertSQL(
		"retailer_dim",
		[]string{"name", "channel"},
		[][]any{{"Acme Store", "Online"}, {"Corner Shop", "Retail"}},
		[]string{"name"},
	)
	if err != nil {
		t.Fatalf("buildInsertSQL: %v", err)
	}
	want := `INSERT INTO "retailer_dim" ("name", "channel") VALUES ($1, $2), ($3, $4) ON CONFLICT ("name") DO NOTHING`
	if sql != want {
		t.Fatalf("sql=\n%s\nwant\n%s", sql, want)
	}
	if len(args) != 4 || args[0] != "Acme Store" || args[3] != "Retail" {
		t.Fatalf("args=%v", args)
	}
}

func TestBuildInsertSQL_FactHasNoConflictClause(t *testing.T) {
	t.Parallel()

	sql, _, err := buildInsertSQL("sales_fact", []string{"quantity"}, [][]any{{3}}, nil)
	if err != nil {
		t.Fatalf("buildInsertSQL: %v", err)
	}
	if strings.Contains(sql, "ON CONFLICT") {
		t.Fatalf("fact insert must not dedupe: %s", sql)
	}
}

func TestBuildInsertSQL_RowWidthMismatch(t *testing.T) {
	t.Parallel()

	if _, _, err := buildInsertSQL("t", []string{"a", "b"}, [][]any{{1}}, nil); err == nil {
		t.Fatalf("expected error for short row")
	}
}

func TestBuildSelectInSQL(t *testing.T) {
	t.Parallel()

	sql, args := buildSelectInSQL("product_dim", []string{"name", "product_id"}, "name", []any{"A", "B", "C"})
	want := `SELECT "name", "product_id" FROM "product_dim" WHERE "name" IN ($1, $2, $3)`
	if sql != want {
		t.Fatalf("sql=%q want %q", sql, want)
	}
	if len(args) != 3 {
		t.Fatalf("args=%v", args)
	}
}

func TestPgIdent_EscapesQuotes(t *testing.T) {
	t.Parallel()

	if got := pgIdent(`we"ird`); got != `"we""ird"` {
		t.Fatalf("pgIdent=%s", got)
	}
	if got := pgTableIdent("sales.fact"); got != `"sales"."fact"` {
		t.Fatalf("pgTableIdent=%s", got)
	}
}
