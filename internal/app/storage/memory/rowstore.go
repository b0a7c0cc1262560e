// Package memory provides in-process implementations of the storage
// interfaces, suitable for tests and small deployments.
package memory

import (
	"context"
	"sync"

	"github.com/privaudit/dpquery/internal/app/domain"
)

// Row is one record of the in-memory dataset.
type Row map[string]interface{}

// RowStore is an in-memory implementation of storage.RowStore backed by a
// fixed slice of rows. It never mutates rows and never applies noise.
type RowStore struct {
	mu   sync.RWMutex
	rows []Row
}

// NewRowStore builds a RowStore over the given rows.
func NewRowStore(rows []Row) *RowStore {
	return &RowStore{rows: rows}
}

func (s *RowStore) matching(filters domain.FilterSet) []Row {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Row, 0, len(s.rows))
	for _, r := range s.rows {
		if matches(r, filters) {
			out = append(out, r)
		}
	}
	return out
}

func matches(r Row, filters domain.FilterSet) bool {
	for _, f := range filters {
		v, ok := r[f.Column]
		if !ok {
			return false
		}
		switch f.Op {
		case domain.FilterEq:
			if !equal(v, f.Value) {
				return false
			}
		case domain.FilterIn:
			found := false
			for _, candidate := range f.Values {
				if equal(v, candidate) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case domain.FilterGte:
			fv, ok1 := toFloat(v)
			bound, ok2 := toFloat(f.Value)
			if !ok1 || !ok2 || fv < bound {
				return false
			}
		case domain.FilterLte:
			fv, ok1 := toFloat(v)
			bound, ok2 := toFloat(f.Value)
			if !ok1 || !ok2 || fv > bound {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func equal(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Count implements storage.RowStore.
func (s *RowStore) Count(ctx context.Context, filters domain.FilterSet) (int, error) {
	return len(s.matching(filters)), nil
}

// Sum implements storage.RowStore.
func (s *RowStore) Sum(ctx context.Context, column string, filters domain.FilterSet) (float64, error) {
	var total float64
	for _, r := range s.matching(filters) {
		if v, ok := toFloat(r[column]); ok {
			total += v
		}
	}
	return total, nil
}

// Avg implements storage.RowStore.
func (s *RowStore) Avg(ctx context.Context, column string, filters domain.FilterSet) (float64, error) {
	rows := s.matching(filters)
	if len(rows) == 0 {
		return 0, nil
	}
	var total float64
	for _, r := range rows {
		if v, ok := toFloat(r[column]); ok {
			total += v
		}
	}
	return total / float64(len(rows)), nil
}

// Values implements storage.RowStore.
func (s *RowStore) Values(ctx context.Context, column string, filters domain.FilterSet) ([]float64, error) {
	rows := s.matching(filters)
	out := make([]float64, 0, len(rows))
	for _, r := range rows {
		if v, ok := toFloat(r[column]); ok {
			out = append(out, v)
		}
	}
	return out, nil
}
