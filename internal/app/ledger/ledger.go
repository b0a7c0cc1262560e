// Package ledger implements C3: the per-principal epsilon budget with
// atomic reserve/commit/release semantics. A reservation holds epsilon
// against a principal's remaining budget for a bounded window; it must be
// either committed (the query executed and its result was returned) or
// released (the query failed downstream, or the window expired) before the
// held epsilon becomes available again.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/privaudit/dpquery/internal/app/domain"
)

// ErrReservationNotFound is returned by Commit/Release when the reservation
// ID is unknown or has already been resolved.
var ErrReservationNotFound = errors.New("ledger: reservation not found")

// ErrUnknownPrincipal is returned when a principal has no budget entry and
// the implementation does not auto-provision one.
var ErrUnknownPrincipal = errors.New("ledger: unknown principal")

// Ledger tracks epsilon budgets and in-flight reservations across
// principals. Implementations must make Reserve/Commit/Release atomic with
// respect to concurrent calls for the same principal: two concurrent
// Reserve calls must never both succeed if only one request's worth of
// epsilon remains.
type Ledger interface {
	// EnsurePrincipal registers principalID with the given total budget and
	// warning threshold if it does not already have a budget entry. It is a
	// no-op for a principal that already exists.
	EnsurePrincipal(ctx context.Context, principalID string, total, warningThreshold float64) error

	// Reserve atomically holds amount epsilon against principalID's
	// remaining budget and returns a reservation ID. It fails with an
	// *errors.ServiceError (ErrCodeInsufficientBudget) if the remaining
	// budget cannot cover amount.
	Reserve(ctx context.Context, principalID string, amount float64, ttl time.Duration) (reservationID string, err error)

	// Commit finalizes a reservation: the held epsilon moves from Reserved
	// to Consumed and the query count increments.
	Commit(ctx context.Context, principalID, reservationID string) error

	// Release returns a reservation's epsilon to the available pool
	// without counting it as consumed.
	Release(ctx context.Context, principalID, reservationID string) error

	// Status returns principalID's current budget view.
	Status(ctx context.Context, principalID string) (domain.BudgetStatus, error)

	// Reset zeroes a principal's consumed epsilon and clears any
	// outstanding reservations, restoring its full budget. Intended for
	// admin-role callers only; the gate enforces that authorization.
	Reset(ctx context.Context, principalID string) error

	// Summary returns a ledger-wide usage view across all known principals.
	Summary(ctx context.Context) (domain.LedgerSummary, error)

	// SweepExpired releases any reservation whose TTL has elapsed without a
	// Commit or Release, returning the number released. Called
	// periodically by a Sweeper.
	SweepExpired(ctx context.Context) (int, error)
}
