package multitable

import (
	"fmt"

	"salesetl/internal/storage"
)

// plannedDimension is a dimension table with its load rules resolved.
type plannedDimension struct {
	table           storage.TableSpec
	columns         []string
	keyColumn       string
	valueColumn     string
	conflictColumns []string
}

type plan struct {
	tables   []storage.TableSpec
	product  plannedDimension
	retailer plannedDimension
	date     plannedDimension
	sales    storage.TableSpec
}

// buildPlan checks that tables describe the star schema the engine writes
// and resolves each dimension's key columns from its load rules.
func buildPlan(tables []storage.TableSpec) (plan, error) {
	p := plan{tables: tables}
	byName := make(map[string]storage.TableSpec, len(tables))
	for _, t := range tables {
		byName[t.Name] = t
	}

	var err error
	if p.product, err = planDimension(byName, TableProduct, true); err != nil {
		return p, err
	}
	if p.retailer, err = planDimension(byName, TableRetailer, true); err != nil {
		return p, err
	}
	if p.date, err = planDimension(byName, TableDate, false); err != nil {
		return p, err
	}

	sales, ok := byName[TableSales]
	if !ok {
		return p, fmt.Errorf("plan: table %s is not defined", TableSales)
	}
	if sales.Load.Kind != "fact" {
		return p, fmt.Errorf("plan: %s must have load kind fact, got %q", TableSales, sales.Load.Kind)
	}
	p.sales = sales
	return p, nil
}

func planDimension(byName map[string]storage.TableSpec, name string, surrogate bool) (plannedDimension, error) {
	t, ok := byName[name]
	if !ok {
		return plannedDimension{}, fmt.Errorf("plan: table %s is not defined", name)
	}
	if t.Load.Kind != "dimension" {
		return plannedDimension{}, fmt.Errorf("plan: %s must have load kind dimension, got %q", name, t.Load.Kind)
	}
	if t.Load.Cache == nil || t.Load.Cache.KeyColumn == "" {
		return plannedDimension{}, fmt.Errorf("plan: %s needs load.cache.key_column", name)
	}
	if surrogate && t.Load.Cache.ValueColumn == "" {
		return plannedDimension{}, fmt.Errorf("plan: %s needs load.cache.value_column", name)
	}

	d := plannedDimension{
		table:           t,
		columns:         t.ColumnNames(),
		keyColumn:       t.Load.Cache.KeyColumn,
		valueColumn:     t.Load.Cache.ValueColumn,
		conflictColumns: []string{t.Load.Cache.KeyColumn},
	}
	if t.Load.Conflict != nil && len(t.Load.Conflict.TargetColumns) > 0 {
		d.conflictColumns = t.Load.Conflict.TargetColumns
	}
	return d, nil
}
