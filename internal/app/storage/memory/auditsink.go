package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/privaudit/dpquery/internal/app/domain"
)

// AuditSink is an in-memory implementation of storage.AuditSink.
type AuditSink struct {
	mu      sync.RWMutex
	records []domain.AuditRecord
}

// NewAuditSink builds an empty AuditSink.
func NewAuditSink() *AuditSink {
	return &AuditSink{}
}

// Append implements storage.AuditSink.
func (s *AuditSink) Append(ctx context.Context, record domain.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

// ListByPrincipal implements storage.AuditSink.
func (s *AuditSink) ListByPrincipal(ctx context.Context, principalID string, limit int) ([]domain.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]domain.AuditRecord, 0, len(s.records))
	for _, r := range s.records {
		if r.PrincipalID == principalID {
			matches = append(matches, r)
		}
	}
	return newestFirst(matches, limit), nil
}

// ListAll implements storage.AuditSink.
func (s *AuditSink) ListAll(ctx context.Context, limit int) ([]domain.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newestFirst(append([]domain.AuditRecord(nil), s.records...), limit), nil
}

func newestFirst(records []domain.AuditRecord, limit int) []domain.AuditRecord {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records
}

// PrincipalStore is an in-memory implementation of storage.PrincipalStore.
type PrincipalStore struct {
	mu         sync.RWMutex
	principals map[string]domain.Principal
}

// NewPrincipalStore builds a PrincipalStore seeded with the given principals.
func NewPrincipalStore(principals ...domain.Principal) *PrincipalStore {
	m := make(map[string]domain.Principal, len(principals))
	for _, p := range principals {
		m[p.ID] = p
	}
	return &PrincipalStore{principals: m}
}

// Put upserts a principal.
func (s *PrincipalStore) Put(p domain.Principal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.principals[p.ID] = p
}

// Get implements storage.PrincipalStore.
func (s *PrincipalStore) Get(ctx context.Context, id string) (domain.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.principals[id]
	if !ok {
		return domain.Principal{}, errNotFound{id: id}
	}
	return p, nil
}

// All returns every registered principal, used at startup to seed the
// budget ledger for each known principal.
func (s *PrincipalStore) All() []domain.Principal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Principal, 0, len(s.principals))
	for _, p := range s.principals {
		out = append(out, p)
	}
	return out
}

type errNotFound struct{ id string }

func (e errNotFound) Error() string { return "principal not found: " + e.id }
