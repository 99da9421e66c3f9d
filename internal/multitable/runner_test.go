package multitable

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"salesetl/internal/config"
	"salesetl/internal/sales"
	"salesetl/internal/storage"
	_ "salesetl/internal/storage/sqlite"
)

// tenRows has two invalid quantities (lines 4 and 6) and one impossible
// date (line 8). "Acme Store" is spelled five different ways.
const tenRows = `SaleID,ProductID,ProductName,Brand,Category,RetailerID,RetailerName,Channel,Location,Quantity,Price,Date
1,10,Widget,Acme,Tools,20,ACME STORE,Online,Boston,2,$9.99,15-03-24
2,10,widget,acme,tools,20,acme store,online,boston,1,9.99,15-03-24
3,11,Gadget,Acme,Tools,20,Acme  Store,Online,Boston,abc,5,16-03-24
4,11,gadget,Acme,Tools,20,acme store ,Online,Boston,3,EUR 5.00,16-03-24
5,12,Gizmo,Zeta,Toys,21,Corner Shop,Retail,Austin,0,1,16-03-24
6,12,Gizmo,Zeta,Toys,21,corner shop,Retail,Austin,1,1.50,2024-03-17
7,13,Doohickey,Zeta,Toys,20,ACME store,Online,Boston,4,2.25,31-02-24
8,13,Doohickey,Zeta,Toys,20,  acme   STORE,Online,Boston,1,12.00 EUR,17/03/2024
9,10,Widget,Acme,Tools,21,Corner Shop,Retail,Austin,5,0.99,18-03-24
10,12,Gizmo,Zeta,Toys,22,Main St Market,Retail,Denver,2,3,18-03-24
`

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "sales.csv")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func sqliteConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Store.Kind = config.StoreSQLite
	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "warehouse.db")
	return cfg
}

func TestRunner_SQLiteEndToEnd(t *testing.T) {
	ctx := context.Background()
	cfg := sqliteConfig(t)
	path := writeCSV(t, tenRows)

	r := NewDefaultRunner(cfg)
	r.Logger = quietLogger()

	rep, err := r.Run(ctx, path)
	require.NoError(t, err)
	require.NotEmpty(t, rep.RunID)

	require.Equal(t, 10, rep.Summary.Total)
	require.Equal(t, 7, rep.Summary.Accepted)
	require.Equal(t, 2, rep.Summary.ByReason[sales.ReasonInvalidQuantity])
	require.Equal(t, 1, rep.Summary.ByReason[sales.ReasonInvalidDate])

	require.Equal(t, map[string]int64{
		TableProduct:  4,
		TableRetailer: 3,
		TableDate:     4,
		TableSales:    7,
	}, rep.RowCounts)
	require.Equal(t, DimensionStats{Inserted: 3}, rep.Stats.Retailers)

	db, err := sql.Open("sqlite", cfg.Store.SQLitePath)
	require.NoError(t, err)
	defer db.Close()

	var retailers []string
	rows, err := db.QueryContext(ctx, `SELECT name FROM retailer_dim ORDER BY retailer_id`)
	require.NoError(t, err)
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		retailers = append(retailers, name)
	}
	require.NoError(t, rows.Err())
	require.NoError(t, rows.Close())
	require.Equal(t, []string{"Acme Store", "Corner Shop", "Main St Market"}, retailers)

	// Every loaded fact satisfies the quantity and price invariants.
	var bad int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sales_fact WHERE quantity <= 0 OR price < 0`).Scan(&bad))
	require.Zero(t, bad)

	// Querying by natural keys returns the cleaned values.
	var qty int
	var price float64
	require.NoError(t, db.QueryRowContext(ctx, `
		SELECT f.quantity, f.price
		FROM sales_fact f
		JOIN product_dim p ON p.product_id = f.product_id
		JOIN retailer_dim r ON r.retailer_id = f.retailer_id
		WHERE p.name = 'Doohickey' AND r.name = 'Acme Store'`).Scan(&qty, &price))
	require.Equal(t, 1, qty)
	require.InDelta(t, 12.00, price, 1e-9)

	var month, quarter int
	var dow string
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT month, quarter, day_of_week FROM date_dim WHERE date = '2024-03-15'`).Scan(&month, &quarter, &dow))
	require.Equal(t, 3, month)
	require.Equal(t, 1, quarter)
	require.Equal(t, "Friday", dow)
}

func TestRunner_RerunAppendsFactsUnlessTruncated(t *testing.T) {
	ctx := context.Background()
	cfg := sqliteConfig(t)
	path := writeCSV(t, tenRows)

	r := NewDefaultRunner(cfg)
	r.Logger = quietLogger()

	_, err := r.Run(ctx, path)
	require.NoError(t, err)

	rep, err := r.Run(ctx, path)
	require.NoError(t, err)
	require.Equal(t, int64(14), rep.RowCounts[TableSales])
	require.Equal(t, int64(4), rep.RowCounts[TableProduct])
	require.Equal(t, int64(3), rep.RowCounts[TableRetailer])
	require.Equal(t, int64(4), rep.RowCounts[TableDate])
	require.Equal(t, DimensionStats{Reused: 4}, rep.Stats.Products)

	cfg.Load.TruncateFacts = true
	rep, err = r.Run(ctx, path)
	require.NoError(t, err)
	require.True(t, rep.Stats.Truncated)
	require.Equal(t, int64(7), rep.RowCounts[TableSales])
	require.Equal(t, int64(3), rep.RowCounts[TableRetailer])
}

func TestRunner_FailedReloadKeepsPriorFacts(t *testing.T) {
	ctx := context.Background()
	cfg := sqliteConfig(t)
	path := writeCSV(t, tenRows)

	r := NewDefaultRunner(cfg)
	r.Logger = quietLogger()
	_, err := r.Run(ctx, path)
	require.NoError(t, err)

	// Fail the sixth fact of the reload, after five single-row batches.
	db, err := sql.Open("sqlite", cfg.Store.SQLitePath)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `CREATE TRIGGER reject_qty5 BEFORE INSERT ON sales_fact
		WHEN NEW.quantity = 5 BEGIN SELECT RAISE(ABORT, 'boom'); END`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	cfg.Load.TruncateFacts = true
	cfg.Load.BatchSize = 1
	_, err = r.Run(ctx, path)
	require.ErrorContains(t, err, "boom")
	require.ErrorContains(t, err, TableSales)

	db, err = sql.Open("sqlite", cfg.Store.SQLitePath)
	require.NoError(t, err)
	defer db.Close()
	var facts, products int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sales_fact`).Scan(&facts))
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM product_dim`).Scan(&products))
	require.Equal(t, 7, facts, "failed reload must not truncate or half-load")
	require.Equal(t, 4, products)
}

func TestRunner_PricePolicyZero(t *testing.T) {
	ctx := context.Background()
	cfg := sqliteConfig(t)
	cfg.Clean.PricePolicy = config.PriceZero

	csv := strings.SplitN(tenRows, "\n", 2)[0] + "\n" +
		"1,10,Widget,Acme,Tools,20,Shop,Online,Boston,2,,15-03-24\n" +
		"2,10,Widget,Acme,Tools,20,Shop,Online,Boston,2,-5,15-03-24\n"

	r := NewDefaultRunner(cfg)
	r.Logger = quietLogger()
	rep, err := r.Run(ctx, writeCSV(t, csv))
	require.NoError(t, err)
	require.Equal(t, 1, rep.Summary.Accepted)
	require.Equal(t, 1, rep.Summary.ByReason[sales.ReasonInvalidPrice])
	require.Equal(t, int64(1), rep.RowCounts[TableSales])
}

func TestRunner_DoesNotOpenStoreWhenExtractFails(t *testing.T) {
	t.Parallel()

	opened := 0
	r := &Runner{
		Config: config.DefaultConfig(),
		Logger: quietLogger(),
		NewRepository: func(ctx context.Context, cfg storage.MultiConfig) (storage.MultiRepository, error) {
			opened++
			return newFakeMultiRepo(), nil
		},
	}

	_, err := r.Run(context.Background(), filepath.Join(t.TempDir(), "missing.csv"))
	require.ErrorIs(t, err, fs.ErrNotExist)
	require.Zero(t, opened)
}

func TestRunner_ClosesStoreOnLoadFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("duplicate key")
	repo := newFakeMultiRepo()
	repo.fail["InsertFactRows "+TableSales] = boom

	var gotCfg storage.MultiConfig
	cfg := config.DefaultConfig()
	cfg.Store.DSN = "postgres://example/sales"
	r := &Runner{
		Config: cfg,
		Logger: quietLogger(),
		NewRepository: func(ctx context.Context, c storage.MultiConfig) (storage.MultiRepository, error) {
			gotCfg = c
			return repo, nil
		},
	}

	_, err := r.Run(context.Background(), writeCSV(t, tenRows))
	require.ErrorIs(t, err, boom)
	require.Contains(t, err.Error(), TableSales)
	require.True(t, repo.closed)
	require.Equal(t, storage.MultiConfig{Kind: config.StorePostgres, DSN: "postgres://example/sales"}, gotCfg)
}

func TestRunner_StoreOpenError(t *testing.T) {
	t.Parallel()

	r := &Runner{
		Config: config.DefaultConfig(),
		Logger: quietLogger(),
		NewRepository: func(ctx context.Context, c storage.MultiConfig) (storage.MultiRepository, error) {
			return nil, errors.New("connection refused")
		},
	}
	_, err := r.Run(context.Background(), writeCSV(t, tenRows))
	require.ErrorContains(t, err, "open postgres store")
	require.ErrorContains(t, err, "connection refused")
}

func TestRunner_Prepare(t *testing.T) {
	t.Parallel()

	r := &Runner{Config: config.DefaultConfig(), Logger: quietLogger()}
	prep, err := r.Prepare(context.Background(), writeCSV(t, tenRows))
	require.NoError(t, err)
	require.Len(t, prep.Batch.Accepted, 7)
	require.Len(t, prep.Batch.Rejected, 3)
	require.Len(t, prep.Batch.Retailers, 3)
	require.Equal(t, "SaleID", prep.Header[0])
}
