package domain

import (
	"fmt"
	"sort"
	"strings"
)

// FilterOp is one of the closed set of predicate kinds a FilterSet may use.
type FilterOp string

const (
	FilterEq  FilterOp = "eq"
	FilterIn  FilterOp = "in"
	FilterGte FilterOp = "gte"
	FilterLte FilterOp = "lte"
)

// Filter is a single predicate against one declared column.
type Filter struct {
	Column string
	Op     FilterOp
	Value  interface{}
	Values []interface{}
}

// FilterSet is the conjunction (AND) of its filters, matching the subset of
// rows a query operates over.
type FilterSet []Filter

// Columns returns the distinct set of column names referenced by the filters.
func (fs FilterSet) Columns() []string {
	seen := make(map[string]bool, len(fs))
	names := make([]string, 0, len(fs))
	for _, f := range fs {
		if !seen[f.Column] {
			seen[f.Column] = true
			names = append(names, f.Column)
		}
	}
	return names
}

// String renders the filter set in a stable, sorted order so equivalent
// filter sets always serialise identically in an AuditRecord, regardless of
// the order the caller supplied them in.
func (fs FilterSet) String() string {
	if len(fs) == 0 {
		return ""
	}
	rendered := make([]string, len(fs))
	for i, f := range fs {
		switch f.Op {
		case FilterIn:
			rendered[i] = fmt.Sprintf("%s in %v", f.Column, f.Values)
		default:
			rendered[i] = fmt.Sprintf("%s %s %v", f.Column, f.Op, f.Value)
		}
	}
	sort.Strings(rendered)
	return strings.Join(rendered, " AND ")
}
