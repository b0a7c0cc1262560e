package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/privaudit/dpquery/infrastructure/logging"
	"github.com/privaudit/dpquery/infrastructure/metrics"
	"github.com/privaudit/dpquery/infrastructure/ratelimit"
	"github.com/privaudit/dpquery/internal/app/domain"
	"github.com/privaudit/dpquery/internal/app/gate"
	"github.com/privaudit/dpquery/internal/app/ledger"
	"github.com/privaudit/dpquery/internal/app/mechanism"
	"github.com/privaudit/dpquery/internal/app/planner"
	"github.com/privaudit/dpquery/internal/app/storage/memory"
)

func testMux(t *testing.T) http.Handler {
	t.Helper()

	registry := domain.NewRegistry([]domain.ColumnDescriptor{
		{Name: "income", Kind: domain.ColumnNumeric, Low: 0, High: 500000},
	})
	rows := memory.NewRowStore([]memory.Row{
		{"income": 1000.0}, {"income": 2000.0}, {"income": 3000.0},
	})
	plan := planner.New(mechanism.NewEngine(), rows, registry, 50, true, 5.0)

	principals := memory.NewPrincipalStore(
		domain.Principal{ID: "alice", Role: domain.RoleAnalyst, Active: true, CreatedAt: time.Now()},
		domain.Principal{ID: "root", Role: domain.RoleAdmin, Active: true, CreatedAt: time.Now()},
	)

	ledg := ledger.NewMemoryLedger()
	_ = ledg.EnsurePrincipal(nil, "alice", 10, 1)
	_ = ledg.EnsurePrincipal(nil, "root", 10, 1)

	audit := memory.NewAuditSink()
	logger := logging.New("dpquery-test", "error", "json")
	m := metrics.NewWithRegistry("dpquery-test-http", nil)

	g := gate.New(principals, ledg, plan, audit, logger, m, 30*time.Second)
	limiter := ratelimit.New(ratelimit.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000})

	return NewMux(g, principals, logger, m, limiter)
}

func doJSON(mux http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Count_Success(t *testing.T) {
	mux := testMux(t)
	rec := doJSON(mux, http.MethodPost, "/v1/query/count", map[string]interface{}{
		"principal_id": "alice",
		"epsilon":      1.0,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body queryResponseBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Result == nil || body.Result.RowsMatched != 3 {
		t.Fatalf("expected 3 rows matched, got %+v", body.Result)
	}
	if body.QueryType != domain.QueryCount {
		t.Fatalf("expected query_type count, got %v", body.QueryType)
	}
	if body.BudgetRemaining != 9 {
		t.Fatalf("expected budget_remaining 9, got %v", body.BudgetRemaining)
	}
}

func TestHandler_Count_MissingPrincipal(t *testing.T) {
	mux := testMux(t)
	rec := doJSON(mux, http.MethodPost, "/v1/query/count", map[string]interface{}{
		"epsilon": 1.0,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_Status(t *testing.T) {
	mux := testMux(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/status?principal_id=alice", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var status domain.BudgetStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if status.Total != 10 {
		t.Fatalf("expected total 10, got %v", status.Total)
	}
}

func TestHandler_Reset_RequiresConfirmAndReason(t *testing.T) {
	mux := testMux(t)
	rec := doJSON(mux, http.MethodPost, "/v1/reset", map[string]interface{}{
		"operator_id":  "root",
		"principal_id": "alice",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing confirm, got %d", rec.Code)
	}
}

func TestHandler_Reset_NonAdminRejected(t *testing.T) {
	mux := testMux(t)
	rec := doJSON(mux, http.MethodPost, "/v1/reset", map[string]interface{}{
		"operator_id":  "alice",
		"principal_id": "alice",
		"confirm":      true,
		"reason":       "test",
	})
	if rec.Code == http.StatusNoContent {
		t.Fatalf("expected non-admin reset to be rejected")
	}
}

func TestHandler_Reset_AdminSucceeds(t *testing.T) {
	mux := testMux(t)
	rec := doJSON(mux, http.MethodPost, "/v1/reset", map[string]interface{}{
		"operator_id":  "root",
		"principal_id": "alice",
		"confirm":      true,
		"reason":       "quarterly",
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_LogHistory_RequiresPrincipal(t *testing.T) {
	mux := testMux(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/log-history", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_Describe(t *testing.T) {
	mux := testMux(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/describe", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var components []map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &components); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(components) == 0 {
		t.Fatal("expected at least one component descriptor")
	}
}

func TestHandler_Healthz(t *testing.T) {
	mux := testMux(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	mux := testMux(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/query/count", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
