package domain

import "time"

// AuditOutcome is the terminal disposition of one admission-gate request.
// An AuditRecord is written for every outcome, including refusals.
type AuditOutcome string

const (
	AuditCommitted AuditOutcome = "committed"
	AuditBlocked   AuditOutcome = "blocked"
	AuditError     AuditOutcome = "error"
)

// AuditRecord is the durable, privacy-relevant record of one request. It is
// always written before the gate responds to the caller, regardless of
// outcome. ResultFingerprint carries the noised scalar or histogram, never
// the true pre-noise statistic, so the audit trail itself cannot leak exact
// values.
type AuditRecord struct {
	ID                string        `json:"id"`
	TraceID           string        `json:"trace_id"`
	PrincipalID       string        `json:"principal_id"`
	Timestamp         time.Time     `json:"timestamp"`
	QueryType         QueryType     `json:"query_type"`
	Columns           []string      `json:"columns"`
	Filters           string        `json:"filters"`
	EpsilonRequested  float64       `json:"epsilon_requested"`
	EpsilonCommitted  float64       `json:"epsilon_committed"`
	ResultFingerprint string        `json:"result_fingerprint,omitempty"`
	Outcome           AuditOutcome  `json:"outcome"`
	ErrorCode         string        `json:"error_code,omitempty"`
	ErrorMessage      string        `json:"error_message,omitempty"`
	ExecutionTime     time.Duration `json:"execution_time_ns"`
	RowsMatched       int           `json:"rows_matched"`
	ClientAddr        string        `json:"client_addr"`
	UserAgent         string        `json:"user_agent"`
}
