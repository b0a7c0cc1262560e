package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	svcerrors "github.com/privaudit/dpquery/infrastructure/errors"
)

func TestMemoryLedger_ReserveCommit(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	if err := l.EnsurePrincipal(ctx, "p1", 10, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	id, err := l.Reserve(ctx, "p1", 3, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	status, err := l.Status(ctx, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Reserved != 3 || status.Remaining != 7 {
		t.Fatalf("expected reserved=3 remaining=7, got %+v", status)
	}

	if err := l.Commit(ctx, "p1", id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	status, err = l.Status(ctx, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Consumed != 3 || status.Reserved != 0 || status.Remaining != 7 {
		t.Fatalf("expected consumed=3 reserved=0 remaining=7, got %+v", status)
	}
}

func TestMemoryLedger_ReserveRelease(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	_ = l.EnsurePrincipal(ctx, "p1", 10, 1)

	id, err := l.Reserve(ctx, "p1", 4, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Release(ctx, "p1", id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	status, _ := l.Status(ctx, "p1")
	if status.Reserved != 0 || status.Consumed != 0 || status.Remaining != 10 {
		t.Fatalf("release should fully restore budget, got %+v", status)
	}
}

func TestMemoryLedger_InsufficientBudget(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	_ = l.EnsurePrincipal(ctx, "p1", 5, 1)

	_, err := l.Reserve(ctx, "p1", 10, time.Minute)
	if svcerrors.Code(err) != svcerrors.ErrCodeInsufficientBudget {
		t.Fatalf("expected insufficient budget error, got %v", err)
	}
}

func TestMemoryLedger_ConcurrentReservesNeverOverCommit(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	_ = l.EnsurePrincipal(ctx, "p1", 10, 1)

	var wg sync.WaitGroup
	successes := make([]bool, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Reserve(ctx, "p1", 1, time.Minute)
			successes[i] = err == nil
		}(i)
	}
	wg.Wait()

	count := 0
	for _, ok := range successes {
		if ok {
			count++
		}
	}
	if count != 10 {
		t.Fatalf("expected exactly 10 of 20 one-unit reservations to succeed against a budget of 10, got %d", count)
	}
}

func TestMemoryLedger_SweepExpired(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	_ = l.EnsurePrincipal(ctx, "p1", 10, 1)

	_, err := l.Reserve(ctx, "p1", 5, -time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	released, err := l.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if released != 1 {
		t.Fatalf("expected 1 reservation released, got %d", released)
	}

	status, _ := l.Status(ctx, "p1")
	if status.Reserved != 0 || status.Remaining != 10 {
		t.Fatalf("expected full budget restored after sweep, got %+v", status)
	}
}

func TestMemoryLedger_Reset(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	_ = l.EnsurePrincipal(ctx, "p1", 10, 1)

	id, _ := l.Reserve(ctx, "p1", 4, time.Minute)
	_ = l.Commit(ctx, "p1", id)

	if err := l.Reset(ctx, "p1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	status, _ := l.Status(ctx, "p1")
	if status.Consumed != 0 || status.Reserved != 0 || status.Remaining != 10 {
		t.Fatalf("expected reset to restore full budget, got %+v", status)
	}
}

func TestMemoryLedger_Summary(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	_ = l.EnsurePrincipal(ctx, "p1", 10, 1)
	_ = l.EnsurePrincipal(ctx, "p2", 10, 1)

	id, _ := l.Reserve(ctx, "p1", 2, time.Minute)
	_ = l.Commit(ctx, "p1", id)

	summary, err := l.Summary(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.TotalPrincipals != 2 {
		t.Fatalf("expected 2 principals, got %d", summary.TotalPrincipals)
	}
	if summary.TotalQueries != 1 {
		t.Fatalf("expected 1 committed query, got %d", summary.TotalQueries)
	}
	if summary.TotalConsumed != 2 {
		t.Fatalf("expected total consumed 2, got %v", summary.TotalConsumed)
	}
}

func TestMemoryLedger_UnknownPrincipal(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	if _, err := l.Reserve(ctx, "ghost", 1, time.Minute); err != ErrUnknownPrincipal {
		t.Fatalf("expected ErrUnknownPrincipal, got %v", err)
	}
}

func TestMemoryLedger_CommitUnknownReservation(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	_ = l.EnsurePrincipal(ctx, "p1", 10, 1)
	if err := l.Commit(ctx, "p1", "bogus"); err != ErrReservationNotFound {
		t.Fatalf("expected ErrReservationNotFound, got %v", err)
	}
}
