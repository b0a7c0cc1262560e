package domain

import "fmt"

// QueryType is one of the aggregate operations the planner can decompose
// into mechanism calls.
type QueryType string

const (
	QueryCount      QueryType = "count"
	QuerySum        QueryType = "sum"
	QueryMean       QueryType = "mean"
	QueryMedian     QueryType = "median"
	QueryHistogram  QueryType = "histogram"
	QueryVariance   QueryType = "variance"
	QueryPercentile QueryType = "percentile"
	QueryMax        QueryType = "max"

	// QueryReset is not an aggregate; it tags the audit record written for
	// an administrative budget reset.
	QueryReset QueryType = "reset"
)

// Bounds is a caller-supplied [Low, High] override for one column, scoped to
// a single query. It must fall within the column registry's hard bounds —
// bounds are deployment configuration, and a query may only narrow them,
// never widen them.
type Bounds struct {
	Low  float64
	High float64
}

// QueryDescriptor is the typed request the planner decomposes into
// mechanism calls. Columns holds one or more column names depending on
// QueryType (count ignores it; sum/mean/variance/median/percentile/max use
// the first entry or, for sum/mean/variance, may list several for an
// equal-epsilon-split multi-column request; histogram uses the first entry).
type QueryDescriptor struct {
	Type       QueryType
	Columns    []string
	Filters    FilterSet
	Epsilon    float64
	NumBins    int     // histogram
	Percentile float64 // percentile, in (0, 100)

	// BoundsOverride optionally narrows a column's hard registry bounds
	// for this query only, keyed by column name.
	BoundsOverride map[string]Bounds
}

// Fingerprint renders the noised result compactly, for the audit record.
// It deliberately reports only the released (noised) values — never a true
// pre-noise statistic — so the audit trail cannot become a side channel for
// exact answers.
func (r *Result) Fingerprint() string {
	if r == nil {
		return ""
	}
	if len(r.BinCounts) > 0 {
		return fmt.Sprintf("histogram(%d bins)=%v", len(r.BinCounts), r.BinCounts)
	}
	if len(r.Values) > 0 {
		return fmt.Sprintf("%v", r.Values)
	}
	return fmt.Sprintf("%v", r.Value)
}

// Result is the typed response of a single executed query.
type Result struct {
	Type         QueryType          `json:"type"`
	Columns      []string           `json:"columns"`
	Value        float64            `json:"value,omitempty"`
	Values       map[string]float64 `json:"values,omitempty"`
	BinEdges     []float64          `json:"bin_edges,omitempty"`
	BinCounts    []float64          `json:"bin_counts,omitempty"`
	RowsMatched  int                `json:"rows_matched"`
	EpsilonSpent float64            `json:"epsilon_spent"`
	EpsilonSplit map[string]float64 `json:"epsilon_split,omitempty"`
	NoiseDelta   float64            `json:"noise_added,omitempty"`
	// Mechanism names the DP mechanism that produced this result
	// ("laplace" or "exponential"), and Sensitivity the Δ it used — both
	// surfaced in the result envelope for audit.
	Mechanism   string  `json:"mechanism"`
	Sensitivity float64 `json:"sensitivity"`
}
