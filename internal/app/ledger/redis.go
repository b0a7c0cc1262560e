package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	svcerrors "github.com/privaudit/dpquery/infrastructure/errors"
	"github.com/privaudit/dpquery/internal/app/core/service"
	"github.com/privaudit/dpquery/internal/app/domain"
)

// watchRetryPolicy governs how many times an optimistic WATCH transaction
// is retried after another client changed the budget key between the
// read and the pipeline. redis.Client.Watch does not retry on
// redis.TxFailedErr itself; the caller must.
var watchRetryPolicy = service.RetryPolicy{
	Attempts:       5,
	InitialBackoff: time.Millisecond,
	MaxBackoff:     20 * time.Millisecond,
	Multiplier:     2,
}

// RedisLedger is a Ledger backed by Redis, suitable for a multi-instance
// deployment where reservations must be visible across processes. Each
// principal's budget lives in a single hash (total, consumed, reserved,
// query_count) and each outstanding reservation is a separate key carrying
// its amount with a TTL-based expiry; Redis's own key expiry does the
// sweeping, SweepExpired only reconciles the Reserved counter against
// reservations Redis has already dropped.
type RedisLedger struct {
	client *redis.Client
	prefix string
}

var _ Ledger = (*RedisLedger)(nil)

// NewRedisLedger builds a RedisLedger over an already-connected client.
// prefix namespaces all keys this ledger touches (e.g. "dpquery:ledger:").
func NewRedisLedger(client *redis.Client, prefix string) *RedisLedger {
	return &RedisLedger{client: client, prefix: prefix}
}

func (l *RedisLedger) budgetKey(principalID string) string {
	return fmt.Sprintf("%sbudget:%s", l.prefix, principalID)
}

func (l *RedisLedger) reservationsKey(principalID string) string {
	return fmt.Sprintf("%sreservations:%s", l.prefix, principalID)
}

func (l *RedisLedger) reservationKey(principalID, reservationID string) string {
	return fmt.Sprintf("%sreservation:%s:%s", l.prefix, principalID, reservationID)
}

// EnsurePrincipal implements Ledger.
func (l *RedisLedger) EnsurePrincipal(ctx context.Context, principalID string, total, warningThreshold float64) error {
	key := l.budgetKey(principalID)
	return l.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists == 1 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"total", total,
				"consumed", 0.0,
				"reserved", 0.0,
				"warning_threshold", warningThreshold,
				"query_count", 0,
				"reset_count", 0,
				"last_reset", int64(0),
			)
			return nil
		})
		return err
	}, key)
}

type redisBudget struct {
	total, consumed, reserved, warning float64
	queryCount, resetCount             int64
	lastReset                          int64
}

func (l *RedisLedger) readBudget(ctx context.Context, principalID string) (redisBudget, error) {
	vals, err := l.client.HGetAll(ctx, l.budgetKey(principalID)).Result()
	if err != nil {
		return redisBudget{}, err
	}
	if len(vals) == 0 {
		return redisBudget{}, ErrUnknownPrincipal
	}
	var b redisBudget
	fmt.Sscanf(vals["total"], "%f", &b.total)
	fmt.Sscanf(vals["consumed"], "%f", &b.consumed)
	fmt.Sscanf(vals["reserved"], "%f", &b.reserved)
	fmt.Sscanf(vals["warning_threshold"], "%f", &b.warning)
	fmt.Sscanf(vals["query_count"], "%d", &b.queryCount)
	fmt.Sscanf(vals["reset_count"], "%d", &b.resetCount)
	fmt.Sscanf(vals["last_reset"], "%d", &b.lastReset)
	return b, nil
}

func (b redisBudget) remaining() float64 {
	r := b.total - b.consumed - b.reserved
	if r < 0 {
		return 0
	}
	return r
}

// Reserve implements Ledger.
func (l *RedisLedger) Reserve(ctx context.Context, principalID string, amount float64, ttl time.Duration) (string, error) {
	key := l.budgetKey(principalID)
	id := uuid.NewString()

	err := service.Retry(ctx, watchRetryPolicy, func() error {
		txErr := l.client.Watch(ctx, func(tx *redis.Tx) error {
			b, err := l.readBudget(ctx, principalID)
			if err != nil {
				return err
			}
			if b.remaining() < amount {
				return svcerrors.InsufficientBudget(amount, b.remaining())
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HIncrByFloat(ctx, key, "reserved", amount)
				pipe.Set(ctx, l.reservationKey(principalID, id), amount, ttl)
				pipe.SAdd(ctx, l.reservationsKey(principalID), id)
				return nil
			})
			return err
		}, key)
		if txErr != nil && !errors.Is(txErr, redis.TxFailedErr) {
			// Not a lost optimistic race (insufficient budget, a
			// connection error, ...): fail immediately instead of
			// retrying a result that won't change.
			return service.StopRetrying(txErr)
		}
		return txErr
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (l *RedisLedger) takeReservationAmount(ctx context.Context, principalID, reservationID string) (float64, error) {
	val, err := l.client.Get(ctx, l.reservationKey(principalID, reservationID)).Result()
	if err == redis.Nil {
		return 0, ErrReservationNotFound
	}
	if err != nil {
		return 0, err
	}
	var amount float64
	fmt.Sscanf(val, "%f", &amount)
	return amount, nil
}

// Commit implements Ledger.
func (l *RedisLedger) Commit(ctx context.Context, principalID, reservationID string) error {
	amount, err := l.takeReservationAmount(ctx, principalID, reservationID)
	if err != nil {
		return err
	}
	key := l.budgetKey(principalID)
	_, err = l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrByFloat(ctx, key, "reserved", -amount)
		pipe.HIncrByFloat(ctx, key, "consumed", amount)
		pipe.HIncrBy(ctx, key, "query_count", 1)
		pipe.Del(ctx, l.reservationKey(principalID, reservationID))
		pipe.SRem(ctx, l.reservationsKey(principalID), reservationID)
		return nil
	})
	return err
}

// Release implements Ledger.
func (l *RedisLedger) Release(ctx context.Context, principalID, reservationID string) error {
	amount, err := l.takeReservationAmount(ctx, principalID, reservationID)
	if err != nil {
		return err
	}
	key := l.budgetKey(principalID)
	_, err = l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrByFloat(ctx, key, "reserved", -amount)
		pipe.Del(ctx, l.reservationKey(principalID, reservationID))
		pipe.SRem(ctx, l.reservationsKey(principalID), reservationID)
		return nil
	})
	return err
}

// Status implements Ledger.
func (l *RedisLedger) Status(ctx context.Context, principalID string) (domain.BudgetStatus, error) {
	b, err := l.readBudget(ctx, principalID)
	if err != nil {
		return domain.BudgetStatus{}, err
	}
	entry := domain.BudgetEntry{
		PrincipalID:      principalID,
		Total:            b.total,
		Consumed:         b.consumed,
		Reserved:         b.reserved,
		WarningThreshold: b.warning,
	}
	return domain.BudgetStatus{
		PrincipalID:    principalID,
		Total:          entry.Total,
		Consumed:       entry.Consumed,
		Reserved:       entry.Reserved,
		Remaining:      entry.Remaining(),
		NearExhaustion: entry.NearExhaustion(),
		LastReset:      time.Unix(b.lastReset, 0),
		ResetCount:     int(b.resetCount),
	}, nil
}

// Reset implements Ledger.
func (l *RedisLedger) Reset(ctx context.Context, principalID string) error {
	ids, err := l.client.SMembers(ctx, l.reservationsKey(principalID)).Result()
	if err != nil {
		return err
	}
	pipe := l.client.TxPipeline()
	pipe.HSet(ctx, l.budgetKey(principalID), "consumed", 0.0, "reserved", 0.0, "last_reset", time.Now().Unix())
	pipe.HIncrBy(ctx, l.budgetKey(principalID), "reset_count", 1)
	for _, id := range ids {
		pipe.Del(ctx, l.reservationKey(principalID, id))
	}
	pipe.Del(ctx, l.reservationsKey(principalID))
	_, err = pipe.Exec(ctx)
	return err
}

// Summary implements Ledger.
func (l *RedisLedger) Summary(ctx context.Context) (domain.LedgerSummary, error) {
	keys, err := l.client.Keys(ctx, l.prefix+"budget:*").Result()
	if err != nil {
		return domain.LedgerSummary{}, err
	}
	summary := domain.LedgerSummary{TotalPrincipals: len(keys)}
	for _, key := range keys {
		vals, err := l.client.HGetAll(ctx, key).Result()
		if err != nil {
			return domain.LedgerSummary{}, err
		}
		var consumed float64
		var queries int64
		fmt.Sscanf(vals["consumed"], "%f", &consumed)
		fmt.Sscanf(vals["query_count"], "%d", &queries)
		summary.TotalConsumed += consumed
		summary.TotalQueries += int(queries)
	}
	if summary.TotalPrincipals > 0 {
		summary.AveragePerPrincip = summary.TotalConsumed / float64(summary.TotalPrincipals)
	}
	return summary, nil
}

// SweepExpired implements Ledger. Redis expires reservation keys on its
// own; this reconciles each principal's Reserved counter by dropping
// membership entries whose underlying key has already vanished.
func (l *RedisLedger) SweepExpired(ctx context.Context) (int, error) {
	principalKeys, err := l.client.Keys(ctx, l.prefix+"reservations:*").Result()
	if err != nil {
		return 0, err
	}
	released := 0
	for _, setKey := range principalKeys {
		principalID := setKey[len(l.prefix+"reservations:"):]
		ids, err := l.client.SMembers(ctx, setKey).Result()
		if err != nil {
			return released, err
		}
		for _, id := range ids {
			exists, err := l.client.Exists(ctx, l.reservationKey(principalID, id)).Result()
			if err != nil {
				return released, err
			}
			if exists == 0 {
				// The reservation key already expired; we don't know its
				// original amount anymore, so we can only drop the stale
				// membership entry. Callers relying on exact Reserved
				// accounting under Redis TTL expiry should keep
				// reservation TTLs short relative to the sweep interval.
				l.client.SRem(ctx, setKey, id)
				released++
			}
		}
	}
	return released, nil
}
