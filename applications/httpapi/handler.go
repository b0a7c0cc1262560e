// Package httpapi exposes the admission gate over HTTP: one endpoint per
// aggregate query type, plus status, reset, and log-history.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	svcerrors "github.com/privaudit/dpquery/infrastructure/errors"
	"github.com/privaudit/dpquery/infrastructure/logging"
	"github.com/privaudit/dpquery/internal/app/core/service"
	"github.com/privaudit/dpquery/internal/app/domain"
	"github.com/privaudit/dpquery/internal/app/gate"
	"github.com/privaudit/dpquery/internal/app/storage"
)

// queryResponseBody is the external response envelope: the noised result
// nested under "result", plus the request-level fields (filters applied,
// wall time, remaining budget) that sit alongside it.
type queryResponseBody struct {
	QueryType        domain.QueryType `json:"query_type"`
	Result           *domain.Result   `json:"result"`
	FiltersApplied   string           `json:"filters_applied,omitempty"`
	ExecutionSeconds float64          `json:"execution_time_seconds"`
	BudgetRemaining  float64          `json:"budget_remaining"`
}

// Handler holds the dependencies the HTTP layer needs to translate
// requests into gate.Request values and responses back into JSON.
type Handler struct {
	gate       *gate.Gate
	principals storage.PrincipalStore
	logger     *logging.Logger
}

// NewHandler builds a Handler.
func NewHandler(g *gate.Gate, principals storage.PrincipalStore, logger *logging.Logger) *Handler {
	return &Handler{gate: g, principals: principals, logger: logger}
}

// queryRequestBody is the wire shape accepted by every aggregate endpoint.
type queryRequestBody struct {
	PrincipalID string       `json:"principal_id"`
	Epsilon     float64      `json:"epsilon"`
	Columns     []string     `json:"columns"`
	Column      string       `json:"column"`
	NumBins     int          `json:"num_bins"`
	Percentile  float64      `json:"percentile"`
	Filters     []filterBody `json:"filters"`
}

type filterBody struct {
	Column string        `json:"column"`
	Op     string        `json:"op"`
	Value  interface{}   `json:"value"`
	Values []interface{} `json:"values"`
}

func (b queryRequestBody) toFilterSet() domain.FilterSet {
	out := make(domain.FilterSet, 0, len(b.Filters))
	for _, f := range b.Filters {
		out = append(out, domain.Filter{
			Column: f.Column,
			Op:     domain.FilterOp(f.Op),
			Value:  f.Value,
			Values: f.Values,
		})
	}
	return out
}

func (b queryRequestBody) columns() []string {
	if len(b.Columns) > 0 {
		return b.Columns
	}
	if b.Column != "" {
		return []string{b.Column}
	}
	return nil
}

// Query returns an http.HandlerFunc for one aggregate QueryType.
func (h *Handler) Query(queryType domain.QueryType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body queryRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, svcerrors.BadRequest("malformed request body"))
			return
		}
		if body.PrincipalID == "" {
			writeError(w, svcerrors.BadRequest("principal_id is required"))
			return
		}

		filters := body.toFilterSet()
		req := gate.Request{
			PrincipalID: body.PrincipalID,
			TraceID:     logging.GetTraceID(r.Context()),
			ClientAddr:  clientIP(r),
			UserAgent:   r.UserAgent(),
			Query: domain.QueryDescriptor{
				Type:       queryType,
				Columns:    body.columns(),
				Filters:    filters,
				Epsilon:    body.Epsilon,
				NumBins:    body.NumBins,
				Percentile: body.Percentile,
			},
		}

		started := time.Now()
		result, err := h.gate.Handle(r.Context(), req)
		elapsed := time.Since(started)
		if err != nil {
			writeError(w, err)
			return
		}

		var remaining float64
		if status, statusErr := h.gate.Status(r.Context(), body.PrincipalID); statusErr == nil {
			remaining = status.Remaining
		}
		writeJSON(w, http.StatusOK, queryResponseBody{
			QueryType:        queryType,
			Result:           result,
			FiltersApplied:   filters.String(),
			ExecutionSeconds: elapsed.Seconds(),
			BudgetRemaining:  remaining,
		})
	}
}

// Status handles GET /v1/status?principal_id=...
func (h *Handler) Status() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principalID := r.URL.Query().Get("principal_id")
		if principalID == "" {
			writeError(w, svcerrors.BadRequest("principal_id is required"))
			return
		}
		status, err := h.gate.Status(r.Context(), principalID)
		if err != nil {
			writeError(w, svcerrors.BadRequest("unknown principal"))
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

type resetRequestBody struct {
	OperatorID  string `json:"operator_id"`
	PrincipalID string `json:"principal_id"`
	Confirm     bool   `json:"confirm"`
	Reason      string `json:"reason"`
}

// Reset handles POST /v1/reset. The caller is expected to be authenticated
// upstream of this handler; here we only enforce the admin role and the
// explicit confirmation flag the budget-reset operation requires.
func (h *Handler) Reset() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body resetRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, svcerrors.BadRequest("malformed request body"))
			return
		}
		if !body.Confirm {
			writeError(w, svcerrors.BadRequest("reset requires confirm=true"))
			return
		}
		if body.Reason == "" {
			writeError(w, svcerrors.BadRequest("reset requires a reason"))
			return
		}

		operator, err := h.principals.Get(r.Context(), body.OperatorID)
		if err != nil || !operator.IsAdmin() {
			writeError(w, svcerrors.PrincipalInactive(body.OperatorID).WithDetails("reason", "admin role required"))
			return
		}

		if err := h.gate.Reset(r.Context(), body.OperatorID, body.PrincipalID, body.Reason); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// LogHistory handles GET /v1/log-history?principal_id=...&all=true&limit=...
// A standard principal sees only its own history. With all=true the
// principal named by principal_id must hold the admin role, and the full
// log is returned.
func (h *Handler) LogHistory() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principalID := r.URL.Query().Get("principal_id")
		limit := 100
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil {
				limit = n
			}
		}
		limit = service.ClampLimit(limit, 100, service.MaxListLimit)

		if r.URL.Query().Get("all") == "true" {
			caller, err := h.principals.Get(r.Context(), principalID)
			if err != nil || !caller.IsAdmin() {
				writeError(w, svcerrors.PrincipalInactive(principalID).WithDetails("reason", "admin role required for cross-principal log view"))
				return
			}
			records, err := h.gate.LogHistoryAll(r.Context(), limit)
			if err != nil {
				writeError(w, svcerrors.Internal("failed to list audit records", err))
				return
			}
			writeJSON(w, http.StatusOK, records)
			return
		}

		if principalID == "" {
			writeError(w, svcerrors.BadRequest("principal_id is required"))
			return
		}
		records, err := h.gate.LogHistory(r.Context(), principalID, limit)
		if err != nil {
			writeError(w, svcerrors.Internal("failed to list audit records", err))
			return
		}
		writeJSON(w, http.StatusOK, records)
	}
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// componentDescriptors advertises the query service's internal placement
// for operators and orchestration tooling; it carries no runtime behavior.
var componentDescriptors = []service.Descriptor{
	service.Descriptor{Name: "gate", Domain: "dpquery", Layer: service.LayerIngress}.
		WithCapabilities("admission", "audit", "budget-reservation"),
	service.Descriptor{Name: "planner", Domain: "dpquery", Layer: service.LayerEngine}.
		WithCapabilities("count", "sum", "mean", "variance", "median", "percentile", "max", "histogram"),
	service.Descriptor{Name: "ledger", Domain: "dpquery", Layer: service.LayerData}.
		WithCapabilities("epsilon-budget", "reservation"),
}

// Describe handles GET /v1/describe, returning the service's component
// layout for operational tooling.
func (h *Handler) Describe() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, componentDescriptors)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	serviceErr := svcerrors.GetServiceError(err)
	if serviceErr == nil {
		serviceErr = svcerrors.Wrap(svcerrors.ErrCodeInternal, "internal error", http.StatusInternalServerError, err)
	}
	writeJSON(w, serviceErr.HTTPStatus, serviceErr)
}
