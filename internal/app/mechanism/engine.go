// Package mechanism implements the differentially private noise mechanisms
// used by the query planner: Laplace for counts and sums, the exponential
// mechanism for order-statistic queries (median, percentile, max), and a
// Gaussian mechanism kept available for callers that accept (epsilon,
// delta)-DP in exchange for lower noise on high-sensitivity queries.
package mechanism

import "math"

// Engine draws calibrated noise and performs exponential-mechanism
// selection. It holds no state of its own beyond its randomness source, so
// one Engine can be shared across concurrent callers.
type Engine struct {
	source Source
}

// NewEngine builds an Engine backed by crypto/rand.
func NewEngine() *Engine {
	return &Engine{source: CryptoSource{}}
}

// NewEngineWithSource builds an Engine over a caller-supplied Source,
// primarily so tests can inject a deterministic one.
func NewEngineWithSource(s Source) *Engine {
	return &Engine{source: s}
}

// AddLaplaceNoise returns value perturbed by Laplace(0, sensitivity/epsilon)
// noise, along with the noise actually drawn. epsilon and sensitivity must
// both be strictly positive; the planner is responsible for enforcing that
// before calling in.
func (e *Engine) AddLaplaceNoise(value, sensitivity, epsilon float64) (noisy, delta float64) {
	scale := sensitivity / epsilon
	delta = sampleLaplace(e.source, scale)
	return value + delta, delta
}

// AddGaussianNoise returns value perturbed by Gaussian noise calibrated for
// (epsilon, delta)-DP under the analytic Gaussian mechanism's standard
// closed form:
//
//	sigma = sensitivity * sqrt(2 * ln(1.25/delta)) / epsilon
//
// It is exported and tested but not invoked by the default planner, which
// only offers pure epsilon-DP (sequential composition, no accountant for a
// delta budget); operators who want it can call it directly from a custom
// planner hook.
func (e *Engine) AddGaussianNoise(value, sensitivity, epsilon, delta float64) (noisy, noiseDelta float64) {
	sigma := sensitivity * math.Sqrt(2*math.Log(1.25/delta)) / epsilon
	noiseDelta = sampleGaussian(e.source, sigma)
	return value + noiseDelta, noiseDelta
}

// Candidate is one item in the exponential mechanism's selection set, along
// with its utility score. Higher scores are more likely to be selected.
type Candidate struct {
	Value float64
	Score float64
}

// ExponentialSelect picks one candidate using the exponential mechanism:
// candidate i is chosen with probability proportional to
//
//	exp(epsilon * score_i / (2 * sensitivity))
//
// Scores are shifted by their maximum before exponentiating so the
// computation stays numerically stable regardless of score magnitude; this
// does not change the resulting distribution since it only rescales a
// common factor out of numerator and denominator.
func (e *Engine) ExponentialSelect(candidates []Candidate, sensitivity, epsilon float64) float64 {
	if len(candidates) == 0 {
		return 0
	}
	maxScore := candidates[0].Score
	for _, c := range candidates[1:] {
		if c.Score > maxScore {
			maxScore = c.Score
		}
	}

	weights := make([]float64, len(candidates))
	var total float64
	for i, c := range candidates {
		w := math.Exp(epsilon * (c.Score - maxScore) / (2 * sensitivity))
		weights[i] = w
		total += w
	}

	target := e.source.Uniform01() * total
	var cumulative float64
	for i, w := range weights {
		cumulative += w
		if target <= cumulative {
			return candidates[i].Value
		}
	}
	// Floating point rounding can leave target fractionally above the last
	// cumulative sum; fall back to the last candidate rather than 0.
	return candidates[len(candidates)-1].Value
}

// Candidates builds an evenly spaced grid of n points across [lo, hi],
// inclusive of both endpoints, for use with ExponentialSelect. n must be at
// least 2.
func Candidates(lo, hi float64, n int) []float64 {
	if n < 2 {
		n = 2
	}
	points := make([]float64, n)
	step := (hi - lo) / float64(n-1)
	for i := range points {
		points[i] = lo + step*float64(i)
	}
	return points
}
