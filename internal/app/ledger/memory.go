package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	svcerrors "github.com/privaudit/dpquery/infrastructure/errors"
	"github.com/privaudit/dpquery/internal/app/domain"
)

type reservation struct {
	amount   float64
	deadline time.Time
}

// account holds one principal's budget state behind its own mutex, so that
// mutating one principal's account never blocks a read (or a mutation) of
// another's — only structural changes to the top-level accounts map (adding
// a never-seen-before principal) take the ledger-wide lock, and only
// briefly.
type account struct {
	mu           sync.Mutex
	entry        domain.BudgetEntry
	queryCount   int
	reservations map[string]*reservation
}

// MemoryLedger is an in-process Ledger. Each principal's mutations are
// serialised behind that principal's own mutex, so a read or write against
// one principal's budget never blocks on another principal's in-flight
// reservation; a coarser RWMutex only guards inserting a new principal's
// account into the top-level map. A multi-instance deployment should use
// the Redis-backed Ledger instead so reservations are visible across
// processes.
type MemoryLedger struct {
	mapMu    sync.RWMutex
	accounts map[string]*account
}

var _ Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger builds an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{accounts: make(map[string]*account)}
}

// getOrCreate returns the account for principalID, creating it (with the
// given total and warning threshold) under the map lock only on first sight. Reads and writes to an
// already-existing account never take mapMu.
func (l *MemoryLedger) getOrCreate(principalID string, total, warningThreshold float64) *account {
	l.mapMu.RLock()
	acct, ok := l.accounts[principalID]
	l.mapMu.RUnlock()
	if ok {
		return acct
	}

	l.mapMu.Lock()
	defer l.mapMu.Unlock()
	if acct, ok := l.accounts[principalID]; ok {
		return acct
	}
	acct = &account{
		entry: domain.BudgetEntry{
			PrincipalID:      principalID,
			Total:            total,
			WarningThreshold: warningThreshold,
		},
		reservations: make(map[string]*reservation),
	}
	l.accounts[principalID] = acct
	return acct
}

func (l *MemoryLedger) lookup(principalID string) (*account, bool) {
	l.mapMu.RLock()
	defer l.mapMu.RUnlock()
	acct, ok := l.accounts[principalID]
	return acct, ok
}

// EnsurePrincipal implements Ledger.
func (l *MemoryLedger) EnsurePrincipal(ctx context.Context, principalID string, total, warningThreshold float64) error {
	l.getOrCreate(principalID, total, warningThreshold)
	return nil
}

// Reserve implements Ledger. The check-and-reserve is atomic per principal:
// two concurrent Reserve calls for the same principal serialise on acct.mu,
// so only as many commit as the remaining budget affords.
func (l *MemoryLedger) Reserve(ctx context.Context, principalID string, amount float64, ttl time.Duration) (string, error) {
	acct, ok := l.lookup(principalID)
	if !ok {
		return "", ErrUnknownPrincipal
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	if acct.entry.Remaining() < amount {
		return "", svcerrors.InsufficientBudget(amount, acct.entry.Remaining())
	}

	id := uuid.NewString()
	acct.entry.Reserved += amount
	acct.reservations[id] = &reservation{
		amount:   amount,
		deadline: time.Now().Add(ttl),
	}
	return id, nil
}

// Commit implements Ledger.
func (l *MemoryLedger) Commit(ctx context.Context, principalID, reservationID string) error {
	acct, ok := l.lookup(principalID)
	if !ok {
		return ErrUnknownPrincipal
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	r, ok := acct.reservations[reservationID]
	if !ok {
		return ErrReservationNotFound
	}
	delete(acct.reservations, reservationID)
	acct.entry.Reserved -= r.amount
	acct.entry.Consumed += r.amount
	// Floating-point drift on many small debits can leave remaining() a
	// hair below zero after the true budget is exhausted; snap consumed to
	// total once the gap falls within a relative tolerance.
	if acct.entry.Total-acct.entry.Consumed < 1e-9*acct.entry.Total {
		acct.entry.Consumed = acct.entry.Total
	}
	acct.queryCount++
	return nil
}

// Release implements Ledger.
func (l *MemoryLedger) Release(ctx context.Context, principalID, reservationID string) error {
	acct, ok := l.lookup(principalID)
	if !ok {
		return ErrUnknownPrincipal
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	r, ok := acct.reservations[reservationID]
	if !ok {
		return ErrReservationNotFound
	}
	delete(acct.reservations, reservationID)
	acct.entry.Reserved -= r.amount
	return nil
}

// Status implements Ledger. A pure read: it takes only the target
// principal's own mutex, never the ledger-wide map lock beyond the initial
// lookup, so it cannot be blocked by another principal's in-flight mutation.
func (l *MemoryLedger) Status(ctx context.Context, principalID string) (domain.BudgetStatus, error) {
	acct, ok := l.lookup(principalID)
	if !ok {
		return domain.BudgetStatus{}, ErrUnknownPrincipal
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	return domain.BudgetStatus{
		PrincipalID:    principalID,
		Total:          acct.entry.Total,
		Consumed:       acct.entry.Consumed,
		Reserved:       acct.entry.Reserved,
		Remaining:      acct.entry.Remaining(),
		NearExhaustion: acct.entry.NearExhaustion(),
		LastReset:      acct.entry.LastReset,
		ResetCount:     acct.entry.ResetCount,
	}, nil
}

// Reset implements Ledger.
func (l *MemoryLedger) Reset(ctx context.Context, principalID string) error {
	acct, ok := l.lookup(principalID)
	if !ok {
		return ErrUnknownPrincipal
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	acct.entry.Consumed = 0
	acct.entry.Reserved = 0
	acct.entry.LastReset = time.Now()
	acct.entry.ResetCount++
	acct.reservations = make(map[string]*reservation)
	return nil
}

// Summary implements Ledger. It takes a consistent-ish snapshot by visiting
// each account's own mutex in turn; principals may still be mutating
// concurrently, so the total is a point-in-time estimate, not a
// linearisable ledger-wide snapshot.
func (l *MemoryLedger) Summary(ctx context.Context) (domain.LedgerSummary, error) {
	l.mapMu.RLock()
	accounts := make([]*account, 0, len(l.accounts))
	for _, acct := range l.accounts {
		accounts = append(accounts, acct)
	}
	l.mapMu.RUnlock()

	summary := domain.LedgerSummary{TotalPrincipals: len(accounts)}
	for _, acct := range accounts {
		acct.mu.Lock()
		summary.TotalQueries += acct.queryCount
		summary.TotalConsumed += acct.entry.Consumed
		acct.mu.Unlock()
	}
	if summary.TotalPrincipals > 0 {
		summary.AveragePerPrincip = summary.TotalConsumed / float64(summary.TotalPrincipals)
	}
	return summary, nil
}

// SweepExpired implements Ledger.
func (l *MemoryLedger) SweepExpired(ctx context.Context) (int, error) {
	l.mapMu.RLock()
	accounts := make([]*account, 0, len(l.accounts))
	for _, acct := range l.accounts {
		accounts = append(accounts, acct)
	}
	l.mapMu.RUnlock()

	now := time.Now()
	released := 0
	for _, acct := range accounts {
		acct.mu.Lock()
		for id, r := range acct.reservations {
			if now.After(r.deadline) {
				acct.entry.Reserved -= r.amount
				delete(acct.reservations, id)
				released++
			}
		}
		acct.mu.Unlock()
	}
	return released, nil
}
