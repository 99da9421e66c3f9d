package multitable

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"salesetl/internal/logging"
	"salesetl/internal/metrics"
	"salesetl/internal/sales"
	"salesetl/internal/storage"
	"salesetl/internal/transform"
)

const defaultBatchSize = 500

// DimensionStats counts distinct natural keys of one dimension by outcome.
type DimensionStats struct {
	Inserted int
	Reused   int
}

// Stats summarizes one Engine.Load call.
type Stats struct {
	Products  DimensionStats
	Retailers DimensionStats
	Dates     DimensionStats
	Facts     int

	// Truncated is set when the fact table was emptied first.
	Truncated bool
}

// Engine loads a cleaned batch into the star schema in two passes:
//   - Pass 1: make sure every dimension key exists and learn its id.
//   - Pass 2: insert fact rows referencing those ids.
//
// Dimensions are looked up before they are inserted, so repeated runs reuse
// existing rows. Facts are always appended.
type Engine struct {
	Repo    storage.MultiRepository
	Options Options

	// Tables defaults to StarSchema().
	Tables []storage.TableSpec

	// Logger defaults to the global logger.
	Logger *zerolog.Logger
}

// keyCache maps natural keys to surrogate ids for the duration of one Load.
type keyCache struct {
	products  map[string]int64
	retailers map[string]int64
	dates     map[string]struct{}
}

func newKeyCache() *keyCache {
	return &keyCache{
		products:  make(map[string]int64),
		retailers: make(map[string]int64),
		dates:     make(map[string]struct{}),
	}
}

// Load writes b to the store. Tables are created first; the truncate and
// both passes then run in one transaction, so a store error leaves the
// warehouse as it was. The error is returned wrapped with the table it
// concerns.
func (e *Engine) Load(ctx context.Context, b *transform.Batch) (Stats, error) {
	var st Stats
	if e.Repo == nil {
		return st, fmt.Errorf("engine: Repo is required")
	}
	log := e.logger()
	opt := e.Options.withDefaults()

	p, err := buildPlan(e.tables())
	if err != nil {
		return st, err
	}

	ddlStart := time.Now()
	if err := e.Repo.EnsureTables(ctx, p.tables); err != nil {
		return st, fmt.Errorf("ensure tables: %w", err)
	}
	log.Info().Str("stage", "ddl").Dur("duration", durMS(ddlStart)).Msg("ok")

	err = e.Repo.WithTx(ctx, func(repo storage.MultiRepository) error {
		tx := *e
		tx.Repo = repo
		return tx.load(ctx, log, opt, p, b, &st)
	})
	if err != nil {
		return Stats{}, err
	}
	return st, nil
}

// load runs the truncate and both passes. Engine.Load calls it on a copy of
// e whose Repo is bound to one transaction.
func (e *Engine) load(ctx context.Context, log zerolog.Logger, opt Options, p plan, b *transform.Batch, st *Stats) error {
	var err error
	if opt.TruncateFacts {
		if err := e.Repo.TruncateTables(ctx, []string{p.sales.Name}); err != nil {
			return fmt.Errorf("truncate %s: %w", p.sales.Name, err)
		}
		st.Truncated = true
		log.Info().Str("stage", "truncate").Str("table", p.sales.Name).Msg("fact table emptied")
	}

	cache := newKeyCache()

	pass1Start := time.Now()
	if st.Products, err = e.ensureSurrogateKeys(ctx, opt, p.product, productRows(b.Products), cache.products); err != nil {
		return err
	}
	if st.Retailers, err = e.ensureSurrogateKeys(ctx, opt, p.retailer, retailerRows(b.Retailers), cache.retailers); err != nil {
		return err
	}
	if st.Dates, err = e.ensureNaturalKeys(ctx, opt, p.date, dateRows(b.Dates), cache.dates); err != nil {
		return err
	}
	log.Info().
		Str("stage", "pass1_ensure_dims").
		Dur("duration", durMS(pass1Start)).
		Int("products_inserted", st.Products.Inserted).
		Int("products_reused", st.Products.Reused).
		Int("retailers_inserted", st.Retailers.Inserted).
		Int("retailers_reused", st.Retailers.Reused).
		Int("dates_inserted", st.Dates.Inserted).
		Int("dates_reused", st.Dates.Reused).
		Msg("ok")

	pass2Start := time.Now()
	if st.Facts, err = e.loadFacts(ctx, opt, p.sales, b.Accepted, cache); err != nil {
		return err
	}
	log.Info().
		Str("stage", "pass2_load_facts").
		Dur("duration", durMS(pass2Start)).
		Int("facts", st.Facts).
		Msg("ok")

	return nil
}

func (e *Engine) tables() []storage.TableSpec {
	if len(e.Tables) > 0 {
		return e.Tables
	}
	return StarSchema()
}

func (e *Engine) logger() zerolog.Logger {
	if e.Logger != nil {
		return *e.Logger
	}
	return logging.Logger
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }

// dimRows carries a dimension's natural keys in first-seen order and the
// insertable row for each, aligned with the table's ColumnNames.
type dimRows struct {
	keys []string
	rows [][]any
}

func productRows(ps []sales.Product) dimRows {
	d := dimRows{keys: make([]string, len(ps)), rows: make([][]any, len(ps))}
	for i, p := range ps {
		d.keys[i] = p.Key()
		d.rows[i] = []any{p.Name, p.Brand, p.Category}
	}
	return d
}

func retailerRows(rs []sales.Retailer) dimRows {
	d := dimRows{keys: make([]string, len(rs)), rows: make([][]any, len(rs))}
	for i, r := range rs {
		d.keys[i] = r.Key()
		d.rows[i] = []any{r.Name, r.Channel, r.Location}
	}
	return d
}

func dateRows(ds []sales.Date) dimRows {
	d := dimRows{keys: make([]string, len(ds)), rows: make([][]any, len(ds))}
	for i, v := range ds {
		d.keys[i] = v.Key()
		d.rows[i] = []any{v.Key(), v.Day, v.Month, v.Year, v.Quarter, v.DayOfWeek, v.WeekOfYear}
	}
	return d
}

// ensureSurrogateKeys resolves every key of d to its generated id, inserting
// the rows that do not exist yet. Keys already in cache are skipped.
func (e *Engine) ensureSurrogateKeys(ctx context.Context, opt Options, dim plannedDimension, d dimRows, cache map[string]int64) (DimensionStats, error) {
	var st DimensionStats
	pending := make([]int, 0, len(d.keys))
	for i, k := range d.keys {
		if _, ok := cache[k]; !ok {
			pending = append(pending, i)
		}
	}

	err := storage.Chunks(len(pending), opt.BatchSize, func(start, end int) error {
		idx := pending[start:end]

		found, err := e.Repo.SelectKeyValueByKeys(ctx, dim.table.Name, dim.keyColumn, dim.valueColumn, keysAt(d, idx))
		if err != nil {
			return fmt.Errorf("lookup %s: %w", dim.table.Name, err)
		}
		var missing []int
		for _, i := range idx {
			if id, ok := found[d.keys[i]]; ok {
				cache[d.keys[i]] = id
				st.Reused++
			} else {
				missing = append(missing, i)
			}
		}
		if len(missing) == 0 {
			return nil
		}

		if err := e.insertDimension(ctx, opt, dim, d, missing); err != nil {
			return err
		}

		found, err = e.Repo.SelectKeyValueByKeys(ctx, dim.table.Name, dim.keyColumn, dim.valueColumn, keysAt(d, missing))
		if err != nil {
			return fmt.Errorf("lookup %s: %w", dim.table.Name, err)
		}
		for _, i := range missing {
			id, ok := found[d.keys[i]]
			if !ok {
				return fmt.Errorf("%s: key %q still missing after insert", dim.table.Name, d.keys[i])
			}
			cache[d.keys[i]] = id
			st.Inserted++
		}
		return nil
	})
	return st, err
}

// ensureNaturalKeys is ensureSurrogateKeys for dimensions keyed by their
// own value, where only presence needs to be cached.
func (e *Engine) ensureNaturalKeys(ctx context.Context, opt Options, dim plannedDimension, d dimRows, cache map[string]struct{}) (DimensionStats, error) {
	var st DimensionStats
	pending := make([]int, 0, len(d.keys))
	for i, k := range d.keys {
		if _, ok := cache[k]; !ok {
			pending = append(pending, i)
		}
	}

	err := storage.Chunks(len(pending), opt.BatchSize, func(start, end int) error {
		idx := pending[start:end]

		found, err := e.Repo.SelectExistingKeys(ctx, dim.table.Name, dim.keyColumn, keysAt(d, idx))
		if err != nil {
			return fmt.Errorf("lookup %s: %w", dim.table.Name, err)
		}
		var missing []int
		for _, i := range idx {
			if _, ok := found[d.keys[i]]; ok {
				cache[d.keys[i]] = struct{}{}
				st.Reused++
			} else {
				missing = append(missing, i)
			}
		}
		if len(missing) == 0 {
			return nil
		}

		if err := e.insertDimension(ctx, opt, dim, d, missing); err != nil {
			return err
		}

		found, err = e.Repo.SelectExistingKeys(ctx, dim.table.Name, dim.keyColumn, keysAt(d, missing))
		if err != nil {
			return fmt.Errorf("lookup %s: %w", dim.table.Name, err)
		}
		for _, i := range missing {
			if _, ok := found[d.keys[i]]; !ok {
				return fmt.Errorf("%s: key %q still missing after insert", dim.table.Name, d.keys[i])
			}
			cache[d.keys[i]] = struct{}{}
			st.Inserted++
		}
		return nil
	})
	return st, err
}

func (e *Engine) insertDimension(ctx context.Context, opt Options, dim plannedDimension, d dimRows, idx []int) error {
	rows := make([][]any, len(idx))
	for j, i := range idx {
		rows[j] = d.rows[i]
	}
	n, err := e.Repo.InsertDimensionRows(ctx, dim.table.Name, dim.columns, rows, dim.conflictColumns)
	if err != nil {
		return fmt.Errorf("insert %s: %w", dim.table.Name, err)
	}
	metrics.RecordBatch(opt.JobName, dim.table.Name)
	metrics.RecordRecords(opt.JobName, metrics.KindDimension, int(n))
	return nil
}

func keysAt(d dimRows, idx []int) []any {
	out := make([]any, len(idx))
	for j, i := range idx {
		out[j] = d.keys[i]
	}
	return out
}

// loadFacts resolves each sale through the cache and appends fact rows in
// batches. A cache miss means pass 1 skipped a key and is a bug, not bad data.
func (e *Engine) loadFacts(ctx context.Context, opt Options, fact storage.TableSpec, accepted []sales.Sale, cache *keyCache) (int, error) {
	columns := fact.ColumnNames()
	total := 0

	err := storage.Chunks(len(accepted), opt.BatchSize, func(start, end int) error {
		rows := make([][]any, 0, end-start)
		for _, s := range accepted[start:end] {
			row, err := factRow(s, cache)
			if err != nil {
				return err
			}
			rows = append(rows, row)
		}

		n, err := e.Repo.InsertFactRows(ctx, fact.Name, columns, rows)
		if err != nil {
			return fmt.Errorf("insert %s: %w", fact.Name, err)
		}
		total += int(n)
		metrics.RecordBatch(opt.JobName, fact.Name)
		metrics.RecordRecords(opt.JobName, metrics.KindFact, int(n))
		return nil
	})
	return total, err
}

// factRow builds a row aligned with the sales_fact columns. Price is bound
// as fixed two-decimal text, which every backend converts to numeric.
func factRow(s sales.Sale, cache *keyCache) ([]any, error) {
	pid, ok := cache.products[s.Product.Key()]
	if !ok {
		return nil, fmt.Errorf("line %d: product %q not resolved", s.Line, s.Product.Key())
	}
	rid, ok := cache.retailers[s.Retailer.Key()]
	if !ok {
		return nil, fmt.Errorf("line %d: retailer %q not resolved", s.Line, s.Retailer.Key())
	}
	if _, ok := cache.dates[s.Date.Key()]; !ok {
		return nil, fmt.Errorf("line %d: date %s not resolved", s.Line, s.Date.Key())
	}

	var saleID any
	if s.SaleID != "" {
		saleID = s.SaleID
	}
	return []any{pid, rid, s.Date.Key(), s.Quantity, s.Price.StringFixed(2), saleID}, nil
}
