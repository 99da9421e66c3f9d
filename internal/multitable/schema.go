package multitable

import (
	"fmt"

	"salesetl/internal/sales"
	"salesetl/internal/storage"
)

// Star schema table names.
const (
	TableProduct  = "product_dim"
	TableRetailer = "retailer_dim"
	TableDate     = "date_dim"
	TableSales    = "sales_fact"
)

func nullable() *bool { v := true; return &v }

func varcharCol(name string, width int) storage.ColumnSpec {
	return storage.ColumnSpec{Name: name, Type: fmt.Sprintf("varchar(%d)", width)}
}

// StarSchema returns the four warehouse tables, dimensions first so foreign
// keys resolve when EnsureTables creates them in order.
func StarSchema() []storage.TableSpec {
	return []storage.TableSpec{
		{
			Name:            TableProduct,
			AutoCreateTable: true,
			PrimaryKey:      &storage.PrimaryKeySpec{Name: "product_id", Type: "serial"},
			Columns: []storage.ColumnSpec{
				varcharCol("name", sales.MaxTextLen),
				varcharCol("brand", sales.MaxTextLen),
				varcharCol("category", sales.MaxTextLen),
			},
			Constraints: []storage.ConstraintSpec{{Kind: "unique", Columns: []string{"name"}}},
			Load: storage.LoadSpec{
				Kind:     "dimension",
				Conflict: &storage.ConflictSpec{TargetColumns: []string{"name"}},
				Cache:    &storage.CacheSpec{KeyColumn: "name", ValueColumn: "product_id"},
			},
		},
		{
			Name:            TableRetailer,
			AutoCreateTable: true,
			PrimaryKey:      &storage.PrimaryKeySpec{Name: "retailer_id", Type: "serial"},
			Columns: []storage.ColumnSpec{
				varcharCol("name", sales.MaxTextLen),
				varcharCol("channel", sales.MaxTextLen),
				varcharCol("location", sales.MaxTextLen),
			},
			Constraints: []storage.ConstraintSpec{{Kind: "unique", Columns: []string{"name"}}},
			Load: storage.LoadSpec{
				Kind:     "dimension",
				Conflict: &storage.ConflictSpec{TargetColumns: []string{"name"}},
				Cache:    &storage.CacheSpec{KeyColumn: "name", ValueColumn: "retailer_id"},
			},
		},
		{
			Name:            TableDate,
			AutoCreateTable: true,
			PrimaryKey:      &storage.PrimaryKeySpec{Name: "date", Type: "date"},
			Columns: []storage.ColumnSpec{
				{Name: "day", Type: "integer"},
				{Name: "month", Type: "integer"},
				{Name: "year", Type: "integer"},
				{Name: "quarter", Type: "integer"},
				{Name: "day_of_week", Type: "varchar(9)"},
				{Name: "week_of_year", Type: "integer"},
			},
			Load: storage.LoadSpec{
				Kind:     "dimension",
				Conflict: &storage.ConflictSpec{TargetColumns: []string{"date"}},
				Cache:    &storage.CacheSpec{KeyColumn: "date"},
			},
		},
		{
			Name:            TableSales,
			AutoCreateTable: true,
			PrimaryKey:      &storage.PrimaryKeySpec{Name: "sale_id", Type: "serial"},
			Columns: []storage.ColumnSpec{
				{Name: "product_id", Type: "integer", References: TableProduct + "(product_id)"},
				{Name: "retailer_id", Type: "integer", References: TableRetailer + "(retailer_id)"},
				{Name: "date", Type: "date", References: TableDate + "(date)"},
				{Name: "quantity", Type: "integer"},
				{Name: "price", Type: "numeric(12,2)"},
				{Name: "source_sale_id", Type: fmt.Sprintf("varchar(%d)", sales.MaxSaleIDLen), Nullable: nullable()},
			},
			Load: storage.LoadSpec{Kind: "fact"},
		},
	}
}

// tableNames lists the names of tables in order.
func tableNames(tables []storage.TableSpec) []string {
	out := make([]string, len(tables))
	for i, t := range tables {
		out[i] = t.Name
	}
	return out
}
