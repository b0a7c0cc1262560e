package domain

import "time"

// BudgetEntry tracks one principal's epsilon budget. Consumed is the sum of
// epsilon from committed queries; Reserved is epsilon held by in-flight
// reservations that have not yet committed or released. LastReset and
// ResetCount track administrative resets, which are an operator
// intervention outside the DP accounting itself: a reset zeroes Consumed
// but does not undo the privacy loss already incurred by queries answered
// before it.
type BudgetEntry struct {
	PrincipalID      string
	Total            float64
	Consumed         float64
	Reserved         float64
	WarningThreshold float64
	LastReset        time.Time
	ResetCount       int
}

// Remaining returns the epsilon available for new reservations.
func (b BudgetEntry) Remaining() float64 {
	r := b.Total - b.Consumed - b.Reserved
	if r < 0 {
		return 0
	}
	return r
}

// NearExhaustion reports whether remaining budget has dropped to or below
// the configured warning threshold.
func (b BudgetEntry) NearExhaustion() bool {
	return b.Remaining() <= b.WarningThreshold
}

// BudgetStatus is the read-only view returned by the status endpoint.
type BudgetStatus struct {
	PrincipalID    string    `json:"principal_id"`
	Total          float64   `json:"total"`
	Consumed       float64   `json:"consumed"`
	Reserved       float64   `json:"reserved"`
	Remaining      float64   `json:"remaining"`
	NearExhaustion bool      `json:"near_exhaustion"`
	LastReset      time.Time `json:"last_reset,omitempty"`
	ResetCount     int       `json:"reset_count"`
}

// LedgerSummary is the admin-only ledger-wide usage summary.
type LedgerSummary struct {
	TotalPrincipals   int     `json:"total_principals"`
	TotalQueries      int     `json:"total_queries"`
	TotalConsumed     float64 `json:"total_epsilon_consumed"`
	AveragePerPrincip float64 `json:"average_epsilon_per_principal"`
}
