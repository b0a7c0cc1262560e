// Package planner implements C2: it turns a domain.QueryDescriptor into a
// sequence of mechanism calls against a storage.RowStore, decomposing each
// query type into the true statistic(s) it needs, the sensitivity of each,
// and how the requested epsilon is allocated across them.
package planner

import (
	"context"
	"math"

	svcerrors "github.com/privaudit/dpquery/infrastructure/errors"
	"github.com/privaudit/dpquery/internal/app/domain"
	"github.com/privaudit/dpquery/internal/app/mechanism"
	"github.com/privaudit/dpquery/internal/app/storage"
)

// Planner dispatches QueryDescriptors to the appropriate mechanism calls.
// It holds no per-request state; one Planner can serve all principals.
type Planner struct {
	engine  *mechanism.Engine
	rows    storage.RowStore
	columns *domain.Registry

	// exponentialGridSize is the number of candidate points used by
	// order-statistic mechanisms (median, percentile, max).
	exponentialGridSize int

	// exposeNoiseDelta controls whether Result.NoiseDelta is populated.
	// Operators may want this off by default since the delta itself leaks
	// a (noisy) signal about dataset scale; it is surfaced only when the
	// deployment has opted in.
	exposeNoiseDelta bool

	// epsilonMax is the upper end of the admissible (0, epsilonMax] range
	// a request's epsilon must fall within; enforced in validate, before
	// any row-store call. The gate has already reserved epsilon by then and
	// releases that reservation when Plan returns an error.
	epsilonMax float64

	// NoisyEmptyCheck, when set, replaces the default empty-population
	// policy (an exact zero-row count short-circuits to NoMatch, no
	// epsilon debited, no noisy count computed) with a noisy-count-first
	// check: the hook decides whether the population counts as empty, for
	// example from a noisy count. The epsilonSpent value it returns is
	// discarded by Plan: it is not added to Result.EpsilonSpent and is not
	// debited from the ledger. Unset by default; deployments that need it
	// can assign an implementation.
	NoisyEmptyCheck func(ctx context.Context, p *Planner, q domain.QueryDescriptor) (empty bool, epsilonSpent float64, err error)
}

// New builds a Planner. epsilonMax is the deployment's admissible epsilon
// ceiling (default 5.0 when unset); epsilon is always required to be
// strictly positive regardless of epsilonMax.
func New(engine *mechanism.Engine, rows storage.RowStore, columns *domain.Registry, exponentialGridSize int, exposeNoiseDelta bool, epsilonMax float64) *Planner {
	if exponentialGridSize < 2 {
		exponentialGridSize = 100
	}
	if epsilonMax <= 0 {
		epsilonMax = 5.0
	}
	return &Planner{
		engine:              engine,
		rows:                rows,
		columns:             columns,
		exponentialGridSize: exponentialGridSize,
		exposeNoiseDelta:    exposeNoiseDelta,
		epsilonMax:          epsilonMax,
	}
}

// Plan validates and executes q, returning the noised Result. It returns a
// *errors.ServiceError with ErrCodeBadRequest for malformed descriptors and
// ErrCodeNoMatch when the filters select zero rows; neither case should
// result in the caller debiting epsilon from the ledger.
func (p *Planner) Plan(ctx context.Context, q domain.QueryDescriptor) (*domain.Result, error) {
	if err := p.validate(q); err != nil {
		return nil, err
	}

	count, err := p.rows.Count(ctx, q.Filters)
	if err != nil {
		return nil, svcerrors.DownstreamFailure("count", err)
	}

	if p.NoisyEmptyCheck != nil {
		empty, _, err := p.NoisyEmptyCheck(ctx, p, q)
		if err != nil {
			return nil, err
		}
		if empty {
			return nil, svcerrors.NoMatch()
		}
	} else if count == 0 {
		return nil, svcerrors.NoMatch()
	}

	switch q.Type {
	case domain.QueryCount:
		return p.planCount(ctx, q, count)
	case domain.QuerySum:
		return p.planSum(ctx, q, count)
	case domain.QueryMean:
		return p.planMean(ctx, q, count)
	case domain.QueryVariance:
		return p.planVariance(ctx, q, count)
	case domain.QueryMedian:
		return p.planPercentile(ctx, q, count, 50)
	case domain.QueryPercentile:
		return p.planPercentile(ctx, q, count, q.Percentile)
	case domain.QueryMax:
		return p.planPercentile(ctx, q, count, 100)
	case domain.QueryHistogram:
		return p.planHistogram(ctx, q, count)
	default:
		return nil, svcerrors.BadRequest("unsupported query type")
	}
}

func (p *Planner) validate(q domain.QueryDescriptor) error {
	if q.Epsilon <= 0 || q.Epsilon > p.epsilonMax {
		return svcerrors.EpsilonOutOfRange(q.Epsilon, 0, p.epsilonMax)
	}
	for _, name := range q.Columns {
		if _, ok := p.columns.Lookup(name); !ok {
			return svcerrors.InvalidColumn(name)
		}
	}
	for _, f := range q.Filters {
		if _, ok := p.columns.Lookup(f.Column); !ok {
			return svcerrors.InvalidColumn(f.Column)
		}
	}
	switch q.Type {
	case domain.QuerySum, domain.QueryMean, domain.QueryVariance, domain.QueryMedian, domain.QueryMax:
		if len(q.Columns) == 0 {
			return svcerrors.BadRequest("query requires at least one column")
		}
	case domain.QueryHistogram:
		if len(q.Columns) == 0 {
			return svcerrors.BadRequest("histogram requires a column")
		}
		if q.NumBins < 2 || q.NumBins > 50 {
			return svcerrors.BadRequest("histogram requires num_bins in [2, 50]")
		}
	case domain.QueryPercentile:
		if len(q.Columns) == 0 {
			return svcerrors.BadRequest("percentile requires a column")
		}
		if q.Percentile <= 0 || q.Percentile >= 100 {
			return svcerrors.BadRequest("percentile must be in (0, 100)")
		}
	}
	for column, b := range q.BoundsOverride {
		col, ok := p.columns.Lookup(column)
		if !ok {
			return svcerrors.InvalidColumn(column)
		}
		if b.Low >= b.High {
			return svcerrors.BadRequest("bounds override requires lo < hi for column " + column)
		}
		if b.Low < col.Low || b.High > col.High {
			return svcerrors.BadRequest("bounds override for column " + column + " exceeds the configured hard bounds")
		}
	}
	return nil
}

// effectiveBounds returns the bounds a query should clip and grid column
// against: the caller's override if one was supplied and passed validation,
// otherwise the column registry's hard bounds. Bounds are never widened
// beyond the registry's configuration (enforced in validate).
func (p *Planner) effectiveBounds(q domain.QueryDescriptor, col domain.ColumnDescriptor) (lo, hi float64) {
	if b, ok := q.BoundsOverride[col.Name]; ok {
		return b.Low, b.High
	}
	return col.Low, col.High
}

// clip projects a raw value into [lo, hi]. Every value must be clipped
// before it contributes to a true statistic: clipping bounds the maximum
// change one row's presence can make to the result, which is what makes
// the mechanism's declared sensitivity sound.
func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clipAll(values []float64, lo, hi float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = clip(v, lo, hi)
	}
	return out
}

func (p *Planner) planCount(ctx context.Context, q domain.QueryDescriptor, count int) (*domain.Result, error) {
	noisy, delta := p.engine.AddLaplaceNoise(float64(count), 1, q.Epsilon)
	noisy = clampNonNegativeInteger(noisy)
	return p.result(q, count, noisy, q.Epsilon, nil, delta, "laplace", 1), nil
}

// clampNonNegativeInteger rounds a noised scalar to the nearest integer and
// floors it at 0, for result kinds that can never be negative or fractional
// (counts, histogram bin sizes).
func clampNonNegativeInteger(v float64) float64 {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	return v
}

// planSum handles one or more columns in a single request. A k-column
// request splits the caller's epsilon evenly across columns (epsilon/k
// each) and runs each column's sum independently under that share; the
// total debited is still the caller's full epsilon by basic sequential
// composition.
func (p *Planner) planSum(ctx context.Context, q domain.QueryDescriptor, count int) (*domain.Result, error) {
	k := len(q.Columns)
	epsilonPerColumn := q.Epsilon / float64(k)

	values := make(map[string]float64, k)
	split := make(map[string]float64, k)
	var totalDelta, firstSensitivity float64
	for _, column := range q.Columns {
		col, _ := p.columns.Lookup(column)
		raw, err := p.rows.Values(ctx, column, q.Filters)
		if err != nil {
			return nil, svcerrors.DownstreamFailure("values", err)
		}
		lo, hi := p.effectiveBounds(q, col)
		sum := sumOf(clipAll(raw, lo, hi))
		// Sensitivity of a sum is the column's value range, not
		// range*count: one row's departure changes the sum by at most
		// hi-lo regardless of how many other rows remain.
		noisy, delta := p.engine.AddLaplaceNoise(sum, hi-lo, epsilonPerColumn)
		values[column] = noisy
		split[column] = epsilonPerColumn
		totalDelta += delta
		if column == q.Columns[0] {
			firstSensitivity = hi - lo
		}
	}

	r := p.result(q, count, values[q.Columns[0]], q.Epsilon, split, totalDelta, "laplace", firstSensitivity)
	if k > 1 {
		r.Values = values
	}
	return r, nil
}

// planMean mirrors planSum's multi-column split, and within each column
// further splits its epsilon share in half between the count and sum
// sub-mechanisms per the standard mean-via-composition recipe.
func (p *Planner) planMean(ctx context.Context, q domain.QueryDescriptor, count int) (*domain.Result, error) {
	k := len(q.Columns)
	epsilonPerColumn := q.Epsilon / float64(k)

	values := make(map[string]float64, k)
	split := make(map[string]float64, k*2)
	var totalDelta, firstSensitivity float64
	for _, column := range q.Columns {
		col, _ := p.columns.Lookup(column)
		epsilonCount := epsilonPerColumn / 2
		epsilonSum := epsilonPerColumn / 2

		raw, err := p.rows.Values(ctx, column, q.Filters)
		if err != nil {
			return nil, svcerrors.DownstreamFailure("values", err)
		}
		lo, hi := p.effectiveBounds(q, col)
		sum := sumOf(clipAll(raw, lo, hi))

		noisyCount, deltaCount := p.engine.AddLaplaceNoise(float64(count), 1, epsilonCount)
		noisySum, deltaSum := p.engine.AddLaplaceNoise(sum, hi-lo, epsilonSum)

		// A noised count can land at or below zero; clamp the divisor so
		// the reported mean stays finite rather than exploding or
		// flipping sign.
		divisor := noisyCount
		if divisor < 1 {
			divisor = 1
		}
		mean := noisySum / divisor
		mean = clip(mean, lo, hi)

		values[column] = mean
		split[column+":count"] = epsilonCount
		split[column+":sum"] = epsilonSum
		totalDelta += deltaCount + deltaSum
		if column == q.Columns[0] {
			firstSensitivity = hi - lo
		}
	}

	r := p.result(q, count, values[q.Columns[0]], q.Epsilon, split, totalDelta, "laplace", firstSensitivity)
	if k > 1 {
		r.Values = values
	}
	return r, nil
}

// planVariance mirrors planMean's column split, further halving each
// column's share between the centering mean and the squared-deviation sum.
func (p *Planner) planVariance(ctx context.Context, q domain.QueryDescriptor, count int) (*domain.Result, error) {
	k := len(q.Columns)
	epsilonPerColumn := q.Epsilon / float64(k)

	values := make(map[string]float64, k)
	split := make(map[string]float64, k*3)
	var totalDelta, firstSensitivity float64
	for _, column := range q.Columns {
		col, _ := p.columns.Lookup(column)

		epsilonMean := epsilonPerColumn / 2
		epsilonVar := epsilonPerColumn / 2

		raw, err := p.rows.Values(ctx, column, q.Filters)
		if err != nil {
			return nil, svcerrors.DownstreamFailure("values", err)
		}
		lo, hi := p.effectiveBounds(q, col)
		vals := clipAll(raw, lo, hi)
		sum := sumOf(vals)

		// Derive a noised mean first (itself split half/half over count
		// and sum), used only as the centering point for squared
		// deviations below.
		epsilonMeanCount := epsilonMean / 2
		epsilonMeanSum := epsilonMean / 2
		noisyCount, deltaMeanCount := p.engine.AddLaplaceNoise(float64(count), 1, epsilonMeanCount)
		noisySum, deltaMeanSum := p.engine.AddLaplaceNoise(sum, hi-lo, epsilonMeanSum)
		divisor := noisyCount
		if divisor < 1 {
			divisor = 1
		}
		noisyMean := noisySum / divisor

		var sumSquaredDeviations float64
		for _, v := range vals {
			d := v - noisyMean
			sumSquaredDeviations += d * d
		}
		// One row's departure changes a sum of squared deviations by at
		// most (hi-lo)^2, bounding the largest possible single squared
		// term.
		sensitivity := (hi - lo) * (hi - lo)
		noisySumSq, deltaVar := p.engine.AddLaplaceNoise(sumSquaredDeviations, sensitivity, epsilonVar)

		variance := noisySumSq / divisor
		if variance < 0 {
			variance = 0
		}

		values[column] = variance
		split[column+":mean_count"] = epsilonMeanCount
		split[column+":mean_sum"] = epsilonMeanSum
		split[column+":variance"] = epsilonVar
		totalDelta += deltaMeanCount + deltaMeanSum + deltaVar
		if column == q.Columns[0] {
			firstSensitivity = sensitivity
		}
	}

	r := p.result(q, count, values[q.Columns[0]], q.Epsilon, split, totalDelta, "laplace", firstSensitivity)
	if k > 1 {
		r.Values = values
	}
	return r, nil
}

func (p *Planner) planPercentile(ctx context.Context, q domain.QueryDescriptor, count int, percentile float64) (*domain.Result, error) {
	column := q.Columns[0]
	col, _ := p.columns.Lookup(column)

	raw, err := p.rows.Values(ctx, column, q.Filters)
	if err != nil {
		return nil, svcerrors.DownstreamFailure("values", err)
	}
	lo, hi := p.effectiveBounds(q, col)
	values := clipAll(raw, lo, hi)

	var result float64
	var sensitivity float64
	switch q.Type {
	case domain.QueryMedian:
		// Score candidates by how well they minimize total absolute
		// deviation from the true values; this is the classic exponential
		// mechanism construction for the median.
		candidates := make([]mechanism.Candidate, p.exponentialGridSize)
		for i, c := range mechanism.Candidates(lo, hi, p.exponentialGridSize) {
			candidates[i] = mechanism.Candidate{Value: c, Score: -sumAbsDeviation(values, c)}
		}
		sensitivity = hi - lo
		result = p.engine.ExponentialSelect(candidates, sensitivity, q.Epsilon)
	default:
		// Percentile and max: score each candidate by how close the
		// count of values at or below it lands to the target rank
		// (percentile/100 * n). One row's departure moves this count by at
		// most 1.
		target := percentile / 100
		n := float64(len(values))
		candidates := make([]mechanism.Candidate, p.exponentialGridSize)
		for i, c := range mechanism.Candidates(lo, hi, p.exponentialGridSize) {
			candidates[i] = mechanism.Candidate{Value: c, Score: -math.Abs(countLessEqual(values, c) - target*n)}
		}
		sensitivity = 1
		result = p.engine.ExponentialSelect(candidates, sensitivity, q.Epsilon)
	}

	// The exponential mechanism does not add an explicit additive noise
	// term; its output is itself the randomized release.
	return p.result(q, count, result, q.Epsilon, nil, 0, "exponential", sensitivity), nil
}

func (p *Planner) planHistogram(ctx context.Context, q domain.QueryDescriptor, count int) (*domain.Result, error) {
	column := q.Columns[0]
	col, _ := p.columns.Lookup(column)

	raw, err := p.rows.Values(ctx, column, q.Filters)
	if err != nil {
		return nil, svcerrors.DownstreamFailure("values", err)
	}
	lo, hi := p.effectiveBounds(q, col)
	values := clipAll(raw, lo, hi)

	edges := mechanism.Candidates(lo, hi, q.NumBins+1)
	trueCounts := make([]float64, q.NumBins)
	for _, v := range values {
		bin := binIndex(v, edges)
		trueCounts[bin]++
	}

	// Parallel composition: each row can fall into exactly one bin, so
	// every bin is noised independently with the full requested epsilon
	// rather than an epsilon/numBins split.
	noisyCounts := make([]float64, q.NumBins)
	var totalDelta float64
	for i, c := range trueCounts {
		noisy, delta := p.engine.AddLaplaceNoise(c, 1, q.Epsilon)
		noisyCounts[i] = clampNonNegativeInteger(noisy)
		totalDelta += delta
	}

	result := &domain.Result{
		Type:         q.Type,
		Columns:      q.Columns,
		BinEdges:     edges,
		BinCounts:    noisyCounts,
		RowsMatched:  count,
		EpsilonSpent: q.Epsilon,
		Mechanism:    "laplace",
		Sensitivity:  1,
	}
	if p.exposeNoiseDelta {
		result.NoiseDelta = totalDelta
	}
	return result, nil
}

func (p *Planner) result(q domain.QueryDescriptor, count int, value, epsilonSpent float64, split map[string]float64, delta float64, mechanism string, sensitivity float64) *domain.Result {
	r := &domain.Result{
		Type:         q.Type,
		Columns:      q.Columns,
		Value:        value,
		RowsMatched:  count,
		EpsilonSpent: epsilonSpent,
		EpsilonSplit: split,
		Mechanism:    mechanism,
		Sensitivity:  sensitivity,
	}
	if p.exposeNoiseDelta {
		r.NoiseDelta = delta
	}
	return r
}

func sumOf(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}

func sumAbsDeviation(values []float64, c float64) float64 {
	var total float64
	for _, v := range values {
		total += math.Abs(v - c)
	}
	return total
}

func countLessEqual(values []float64, c float64) float64 {
	var n float64
	for _, v := range values {
		if v <= c {
			n++
		}
	}
	return n
}

func binIndex(v float64, edges []float64) int {
	n := len(edges) - 1
	for i := 0; i < n-1; i++ {
		if v >= edges[i] && v < edges[i+1] {
			return i
		}
	}
	return n - 1
}
