package domain

// ColumnKind distinguishes numeric columns (which carry declared bounds)
// from categorical columns (which only support equality/membership filters).
type ColumnKind string

const (
	ColumnNumeric     ColumnKind = "numeric"
	ColumnCategorical ColumnKind = "categorical"
)

// ColumnDescriptor declares a queryable column's type and, for numeric
// columns, its deployment-configured bounds. Bounds are never inferred from
// data: they come from configuration and are immutable after startup.
type ColumnDescriptor struct {
	Name string
	Kind ColumnKind
	Low  float64
	High float64
}

// Registry is the immutable, deployment-configured set of queryable columns.
type Registry struct {
	columns map[string]ColumnDescriptor
}

// NewRegistry builds a Registry from a fixed column list.
func NewRegistry(columns []ColumnDescriptor) *Registry {
	m := make(map[string]ColumnDescriptor, len(columns))
	for _, c := range columns {
		m[c.Name] = c
	}
	return &Registry{columns: m}
}

// Lookup returns a column's descriptor and whether it is declared.
func (r *Registry) Lookup(name string) (ColumnDescriptor, bool) {
	if r == nil {
		return ColumnDescriptor{}, false
	}
	c, ok := r.columns[name]
	return c, ok
}

// Names returns all declared column names.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.columns))
	for n := range r.columns {
		names = append(names, n)
	}
	return names
}
