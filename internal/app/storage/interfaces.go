// Package storage declares the interfaces the planner and gate consume for
// row access, audit persistence, and principal lookup.
package storage

import (
	"context"

	"github.com/privaudit/dpquery/internal/app/domain"
)

// RowStore answers true aggregates over the underlying tabular dataset,
// filtered by a FilterSet. Implementations never apply noise; that is the
// mechanism engine's job.
type RowStore interface {
	// Count returns the number of rows matching filters.
	Count(ctx context.Context, filters domain.FilterSet) (int, error)
	// Sum returns the true sum of column over rows matching filters.
	Sum(ctx context.Context, column string, filters domain.FilterSet) (float64, error)
	// Avg returns the true average of column over rows matching filters.
	Avg(ctx context.Context, column string, filters domain.FilterSet) (float64, error)
	// Values returns the raw values of column over rows matching filters,
	// used by mechanisms that need the full distribution (median, variance,
	// percentile, max candidate scoring).
	Values(ctx context.Context, column string, filters domain.FilterSet) ([]float64, error)
}

// AuditSink persists AuditRecords and serves the log-history endpoint.
type AuditSink interface {
	Append(ctx context.Context, record domain.AuditRecord) error
	ListByPrincipal(ctx context.Context, principalID string, limit int) ([]domain.AuditRecord, error)
	ListAll(ctx context.Context, limit int) ([]domain.AuditRecord, error)
}

// PrincipalStore resolves principals by ID for the admission gate.
type PrincipalStore interface {
	Get(ctx context.Context, id string) (domain.Principal, error)
}
