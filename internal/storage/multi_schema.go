package storage

// TableSpec describes one table of the target schema. It lives in this
// package so the loader and the backends share it without an import cycle.
type TableSpec struct {
	Name            string
	AutoCreateTable bool
	PrimaryKey      *PrimaryKeySpec
	Columns         []ColumnSpec
	Constraints     []ConstraintSpec
	Load            LoadSpec
}

type PrimaryKeySpec struct {
	Name string
	Type string // serial, or a concrete type for natural keys
}

type ColumnSpec struct {
	Name       string
	Type       string
	References string // e.g. "product_dim(product_id)"

	// Nullable defaults to NOT NULL when unset.
	Nullable *bool
}

type ConstraintSpec struct {
	Kind    string // "unique"
	Columns []string
}

// LoadSpec tells the loader how a table is filled.
type LoadSpec struct {
	Kind string // "dimension" or "fact"

	// Dimension tables only.
	Conflict *ConflictSpec
	Cache    *CacheSpec
}

// ConflictSpec names the columns whose collision makes an insert a no-op.
type ConflictSpec struct {
	TargetColumns []string
}

// CacheSpec names the natural key column and, for surrogate-keyed
// dimensions, the generated id column. An empty ValueColumn means the key is
// its own identifier.
type CacheSpec struct {
	KeyColumn   string
	ValueColumn string
}

// ColumnNames returns the insertable column names in declaration order.
func (t TableSpec) ColumnNames() []string {
	out := make([]string, 0, len(t.Columns)+1)
	if t.PrimaryKey != nil && !t.PrimaryKey.Generated() {
		out = append(out, t.PrimaryKey.Name)
	}
	for _, c := range t.Columns {
		out = append(out, c.Name)
	}
	return out
}

// Generated reports whether the store assigns the key value.
func (p PrimaryKeySpec) Generated() bool {
	switch p.Type {
	case "serial", "bigserial", "identity", "int identity", "integer identity":
		return true
	}
	return false
}
