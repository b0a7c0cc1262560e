// Package gate implements C4: the admission and audit gate that sits in
// front of the planner and ledger. Every request passes through the same
// state machine — Received, Validated, Reserved, Executed, then Committed
// or Released, then Responded — and an AuditRecord is written before the
// gate responds, regardless of which state the request terminated in.
package gate

import (
	"context"
	"time"

	"github.com/google/uuid"

	svcerrors "github.com/privaudit/dpquery/infrastructure/errors"
	"github.com/privaudit/dpquery/infrastructure/logging"
	"github.com/privaudit/dpquery/infrastructure/metrics"
	"github.com/privaudit/dpquery/internal/app/core/service"
	"github.com/privaudit/dpquery/internal/app/domain"
	"github.com/privaudit/dpquery/internal/app/ledger"
	"github.com/privaudit/dpquery/internal/app/planner"
	"github.com/privaudit/dpquery/internal/app/storage"
)

// state names the gate's internal progression for one request. It is not
// exported as API surface; it exists to keep the Handle method's control
// flow legible and to anchor log/metric labels.
type state string

const (
	stateReceived  state = "received"
	stateValidated state = "validated"
	stateReserved  state = "reserved"
	stateExecuted  state = "executed"
	stateCommitted state = "committed"
	stateReleased  state = "released"
	stateResponded state = "responded"
)

// Request is one incoming call to the gate.
type Request struct {
	PrincipalID string
	TraceID     string
	ClientAddr  string
	UserAgent   string
	Query       domain.QueryDescriptor
}

// Gate wires the admission state machine across the principal store, the
// epsilon ledger, the query planner, and the audit sink.
type Gate struct {
	principals storage.PrincipalStore
	ledger     ledger.Ledger
	planner    *planner.Planner
	audit      storage.AuditSink
	logger     *logging.Logger
	metrics    *metrics.Metrics
	hooks      service.ObservationHooks

	reservationTTL time.Duration
}

// New builds a Gate with no external observation hooks. Use WithHooks to
// attach one after construction.
func New(
	principals storage.PrincipalStore,
	ledg ledger.Ledger,
	plan *planner.Planner,
	audit storage.AuditSink,
	logger *logging.Logger,
	m *metrics.Metrics,
	reservationTTL time.Duration,
) *Gate {
	return &Gate{
		principals:     principals,
		ledger:         ledg,
		planner:        plan,
		audit:          audit,
		logger:         logger,
		metrics:        m,
		hooks:          service.NoopObservationHooks,
		reservationTTL: reservationTTL,
	}
}

// WithHooks attaches external observation hooks (e.g. a tracing
// integration) fired around every request's admission lifecycle. It
// returns g for chaining.
func (g *Gate) WithHooks(hooks service.ObservationHooks) *Gate {
	g.hooks = hooks
	return g
}

// Handle runs one request through the full admission and audit state
// machine, always writing an AuditRecord before returning.
func (g *Gate) Handle(ctx context.Context, req Request) (*domain.Result, error) {
	st := stateReceived
	started := time.Now()
	record := domain.AuditRecord{
		ID:               uuid.NewString(),
		TraceID:          req.TraceID,
		PrincipalID:      req.PrincipalID,
		Timestamp:        started,
		QueryType:        req.Query.Type,
		Columns:          req.Query.Columns,
		Filters:          req.Query.Filters.String(),
		EpsilonRequested: req.Query.Epsilon,
		ClientAddr:       req.ClientAddr,
		UserAgent:        req.UserAgent,
	}

	complete := service.StartObservation(ctx, g.hooks, map[string]string{
		"principal_id": req.PrincipalID,
		"query_type":   string(req.Query.Type),
		"trace_id":     req.TraceID,
	})

	result, resultErr := g.run(ctx, req, &st, &record)
	record.ExecutionTime = time.Since(started)
	complete(resultErr)

	record.Outcome = outcomeFor(st, resultErr)
	if resultErr != nil {
		record.ErrorCode = string(svcerrors.Code(resultErr))
		record.ErrorMessage = resultErr.Error()
	}
	if result != nil {
		record.EpsilonCommitted = result.EpsilonSpent
		record.RowsMatched = result.RowsMatched
		record.ResultFingerprint = result.Fingerprint()
	}

	if resultErr == nil {
		// The commit path in run already persisted this AuditRecord and
		// gated the ledger commit on that write succeeding; there is
		// nothing left to append here.
	} else if err := g.audit.Append(ctx, record); err != nil && g.logger != nil {
		g.logger.Error(ctx, "failed to persist audit record", err, map[string]interface{}{
			"principal_id": req.PrincipalID,
			"trace_id":     req.TraceID,
		})
	}
	st = stateResponded

	if g.metrics != nil {
		g.metrics.RecordQuery("dpquery", string(req.Query.Type), string(record.Outcome))
		if resultErr != nil {
			g.metrics.RecordError("dpquery", string(svcerrors.Code(resultErr)), string(req.Query.Type))
		}
	}

	return result, resultErr
}

func outcomeFor(st state, err error) domain.AuditOutcome {
	if err == nil && st == stateCommitted {
		return domain.AuditCommitted
	}
	if err != nil && (svcerrors.Code(err) == svcerrors.ErrCodeInternal || svcerrors.Code(err) == svcerrors.ErrCodeDownstreamFailure) {
		return domain.AuditError
	}
	return domain.AuditBlocked
}

// run advances the state machine, returning the final result (if any) and
// error. It is split out from Handle so Handle can unconditionally write
// the audit record afterward regardless of where run stopped.
func (g *Gate) run(ctx context.Context, req Request, st *state, record *domain.AuditRecord) (*domain.Result, error) {
	principal, err := g.principals.Get(ctx, req.PrincipalID)
	if err != nil {
		return nil, svcerrors.BadRequest("unknown principal")
	}
	if !principal.Active {
		return nil, svcerrors.PrincipalInactive(principal.ID)
	}
	*st = stateValidated

	reservationID, err := g.ledger.Reserve(ctx, req.PrincipalID, req.Query.Epsilon, g.reservationTTL)
	if err != nil {
		if g.logger != nil {
			g.logger.LogReservationOutcome(ctx, req.PrincipalID, req.Query.Epsilon, "rejected", err)
		}
		return nil, err
	}
	*st = stateReserved
	if g.logger != nil {
		g.logger.LogReservationOutcome(ctx, req.PrincipalID, req.Query.Epsilon, "reserved", nil)
	}
	if g.metrics != nil {
		g.metrics.RecordReservation("dpquery", "reserved")
	}

	planStarted := time.Now()
	result, planErr := g.planner.Plan(ctx, req.Query)
	if g.metrics != nil {
		status := "ok"
		if planErr != nil {
			status = "error"
		}
		mechanism := string(req.Query.Type)
		if result != nil {
			mechanism = result.Mechanism
		}
		g.metrics.RecordMechanismInvocation("dpquery", mechanism, status, time.Since(planStarted))
	}
	if planErr != nil {
		// A plan failure (bad request after reservation, no-match, or a
		// downstream storage error) must return the held epsilon rather
		// than silently leaking it as a permanent debit.
		if releaseErr := g.ledger.Release(ctx, req.PrincipalID, reservationID); releaseErr != nil && g.logger != nil {
			g.logger.Error(ctx, "failed to release reservation after plan failure", releaseErr, nil)
		}
		*st = stateReleased
		if g.metrics != nil {
			g.metrics.RecordReservation("dpquery", "released")
		}
		return nil, planErr
	}
	*st = stateExecuted

	// The audit write gates the commit: a query is only admitted once its
	// AuditRecord is durably persisted, so failure to append here must
	// release the held epsilon and fail the request rather than commit a
	// reservation with no corresponding audit trail.
	record.Outcome = domain.AuditCommitted
	record.EpsilonCommitted = result.EpsilonSpent
	record.RowsMatched = result.RowsMatched
	record.ResultFingerprint = result.Fingerprint()
	record.ExecutionTime = time.Since(record.Timestamp)

	if err := g.audit.Append(ctx, *record); err != nil {
		if releaseErr := g.ledger.Release(ctx, req.PrincipalID, reservationID); releaseErr != nil && g.logger != nil {
			g.logger.Error(ctx, "failed to release reservation after audit append failure", releaseErr, nil)
		}
		*st = stateReleased
		if g.metrics != nil {
			g.metrics.RecordReservation("dpquery", "released")
		}
		return nil, svcerrors.DownstreamFailure("audit_append", err)
	}

	if err := g.ledger.Commit(ctx, req.PrincipalID, reservationID); err != nil {
		return nil, svcerrors.Internal("failed to commit epsilon reservation", err)
	}
	*st = stateCommitted
	if g.logger != nil {
		g.logger.LogReservationOutcome(ctx, req.PrincipalID, req.Query.Epsilon, "committed", nil)
	}
	if g.metrics != nil {
		g.metrics.RecordReservation("dpquery", "committed")
		status, statusErr := g.ledger.Status(ctx, req.PrincipalID)
		if statusErr == nil {
			g.metrics.RecordEpsilonConsumed("dpquery", req.PrincipalID, result.EpsilonSpent, status.Remaining)
		}
	}

	return result, nil
}

// Status returns a principal's current budget view. Any principal may
// check its own status; cross-principal status checks are an
// authorization decision left to the HTTP layer.
func (g *Gate) Status(ctx context.Context, principalID string) (domain.BudgetStatus, error) {
	return g.ledger.Status(ctx, principalID)
}

// Reset clears a principal's consumed epsilon. Callers must already have
// verified the requesting principal holds domain.RoleAdmin and obtained an
// explicit confirmation from the caller; reason is an operator-supplied
// justification that is recorded on the resulting audit record. A reset
// does not undo the privacy loss already incurred by prior queries — it
// only restores spendable budget going forward.
func (g *Gate) Reset(ctx context.Context, operatorID, principalID, reason string) error {
	err := g.ledger.Reset(ctx, principalID)

	record := domain.AuditRecord{
		ID:          uuid.NewString(),
		TraceID:     logging.GetTraceID(ctx),
		PrincipalID: principalID,
		Timestamp:   time.Now(),
		QueryType:   domain.QueryReset,
		Columns:     []string{"operator=" + operatorID, "reason=" + reason},
	}
	if err != nil {
		record.Outcome = domain.AuditError
		record.ErrorCode = string(svcerrors.Code(err))
	} else {
		record.Outcome = domain.AuditCommitted
	}
	if auditErr := g.audit.Append(ctx, record); auditErr != nil && g.logger != nil {
		g.logger.Error(ctx, "failed to persist reset audit record", auditErr, map[string]interface{}{"principal_id": principalID})
	}

	return err
}

// LogHistory returns a principal's audit trail, most recent first.
func (g *Gate) LogHistory(ctx context.Context, principalID string, limit int) ([]domain.AuditRecord, error) {
	return g.audit.ListByPrincipal(ctx, principalID, limit)
}

// LogHistoryAll returns the full audit trail across all principals.
// Callers must already have verified the requesting principal holds
// domain.RoleAdmin.
func (g *Gate) LogHistoryAll(ctx context.Context, limit int) ([]domain.AuditRecord, error) {
	return g.audit.ListAll(ctx, limit)
}

// Summary returns a ledger-wide usage view. Callers must already have
// verified the requesting principal holds domain.RoleAdmin.
func (g *Gate) Summary(ctx context.Context) (domain.LedgerSummary, error) {
	return g.ledger.Summary(ctx)
}
