// Package postgres implements the storage interfaces against PostgreSQL
// using database/sql and lib/pq, following the same Store{db *sql.DB}
// shape used elsewhere in this codebase's persistence layers.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/privaudit/dpquery/infrastructure/metrics"
	"github.com/privaudit/dpquery/internal/app/domain"
	"github.com/privaudit/dpquery/internal/app/storage"
)

// Store implements storage.AuditSink and storage.PrincipalStore against a
// single Postgres database.
type Store struct {
	db      *sql.DB
	metrics *metrics.Metrics
}

var (
	_ storage.AuditSink      = (*Store)(nil)
	_ storage.PrincipalStore = (*Store)(nil)
)

// New wraps an already-opened database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// WithMetrics attaches a metrics recorder; every query issued afterward
// reports its outcome and duration, and the pool's open-connection count is
// sampled once. Returns s for chaining.
func (s *Store) WithMetrics(m *metrics.Metrics) *Store {
	s.metrics = m
	if m != nil {
		m.SetDatabaseConnections(s.db.Stats().OpenConnections)
	}
	return s
}

func (s *Store) recordQuery(operation string, started time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordDatabaseQuery("dpquery", operation, status, time.Since(started))
	s.metrics.SetDatabaseConnections(s.db.Stats().OpenConnections)
}

// Open opens a new connection pool using the given DSN.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the audit_records and principals tables if they don't
// already exist. Safe to call on every startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS principals (
			id TEXT PRIMARY KEY,
			role TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS audit_records (
			id TEXT PRIMARY KEY,
			trace_id TEXT NOT NULL,
			principal_id TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			query_type TEXT NOT NULL,
			columns TEXT,
			filters TEXT,
			epsilon_requested DOUBLE PRECISION NOT NULL,
			epsilon_committed DOUBLE PRECISION NOT NULL DEFAULT 0,
			result_fingerprint TEXT,
			outcome TEXT NOT NULL,
			error_code TEXT,
			error_message TEXT,
			execution_time_ns BIGINT NOT NULL DEFAULT 0,
			rows_matched INTEGER NOT NULL DEFAULT 0,
			client_addr TEXT,
			user_agent TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_records_principal_id ON audit_records(principal_id);
		CREATE INDEX IF NOT EXISTS idx_audit_records_ts ON audit_records(ts);
	`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Append implements storage.AuditSink.
func (s *Store) Append(ctx context.Context, record domain.AuditRecord) error {
	started := time.Now()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_records (
			id, trace_id, principal_id, ts, query_type, columns, filters,
			epsilon_requested, epsilon_committed, result_fingerprint, outcome,
			error_code, error_message, execution_time_ns, rows_matched,
			client_addr, user_agent
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`,
		record.ID, record.TraceID, record.PrincipalID, record.Timestamp,
		string(record.QueryType), strings.Join(record.Columns, ","), record.Filters,
		record.EpsilonRequested, record.EpsilonCommitted, record.ResultFingerprint,
		string(record.Outcome), record.ErrorCode, record.ErrorMessage,
		record.ExecutionTime.Nanoseconds(), record.RowsMatched, record.ClientAddr,
		record.UserAgent,
	)
	s.recordQuery("append_audit_record", started, err)
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

const selectAuditRecordColumns = `
	SELECT id, trace_id, principal_id, ts, query_type, columns, filters,
	       epsilon_requested, epsilon_committed, result_fingerprint, outcome,
	       error_code, error_message, execution_time_ns, rows_matched,
	       client_addr, user_agent
	FROM audit_records`

// ListByPrincipal implements storage.AuditSink.
func (s *Store) ListByPrincipal(ctx context.Context, principalID string, limit int) ([]domain.AuditRecord, error) {
	started := time.Now()
	rows, err := s.db.QueryContext(ctx, selectAuditRecordColumns+`
		WHERE principal_id = $1
		ORDER BY ts DESC
		LIMIT $2
	`, principalID, limit)
	s.recordQuery("list_audit_records_by_principal", started, err)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()
	return scanAuditRecords(rows)
}

// ListAll implements storage.AuditSink.
func (s *Store) ListAll(ctx context.Context, limit int) ([]domain.AuditRecord, error) {
	started := time.Now()
	rows, err := s.db.QueryContext(ctx, selectAuditRecordColumns+`
		ORDER BY ts DESC
		LIMIT $1
	`, limit)
	s.recordQuery("list_all_audit_records", started, err)
	if err != nil {
		return nil, fmt.Errorf("list all audit records: %w", err)
	}
	defer rows.Close()
	return scanAuditRecords(rows)
}

func scanAuditRecords(rows *sql.Rows) ([]domain.AuditRecord, error) {
	var out []domain.AuditRecord
	for rows.Next() {
		var r domain.AuditRecord
		var queryType, outcome, columns string
		var executionNS int64
		if err := rows.Scan(
			&r.ID, &r.TraceID, &r.PrincipalID, &r.Timestamp, &queryType, &columns, &r.Filters,
			&r.EpsilonRequested, &r.EpsilonCommitted, &r.ResultFingerprint, &outcome,
			&r.ErrorCode, &r.ErrorMessage, &executionNS, &r.RowsMatched,
			&r.ClientAddr, &r.UserAgent,
		); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		r.QueryType = domain.QueryType(queryType)
		r.Outcome = domain.AuditOutcome(outcome)
		r.ExecutionTime = time.Duration(executionNS)
		if columns != "" {
			r.Columns = strings.Split(columns, ",")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get implements storage.PrincipalStore.
func (s *Store) Get(ctx context.Context, id string) (domain.Principal, error) {
	started := time.Now()
	var p domain.Principal
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, role, active, created_at FROM principals WHERE id = $1
	`, id).Scan(&p.ID, &role, &p.Active, &p.CreatedAt)
	s.recordQuery("get_principal", started, err)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Principal{}, fmt.Errorf("principal not found: %s", id)
	}
	if err != nil {
		return domain.Principal{}, fmt.Errorf("get principal: %w", err)
	}
	p.Role = domain.Role(role)
	return p, nil
}
