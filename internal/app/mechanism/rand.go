package mechanism

import (
	"crypto/rand"
	"math"
	"math/big"
)

// Source produces uniform randomness for the mechanisms in this package. The
// default implementation is backed by crypto/rand so that noise draws are
// not predictable from an observed PRNG seed.
type Source interface {
	// Uniform01 returns a uniform float64 in (0, 1), never exactly 0 or 1 so
	// that it is safe to feed into inverse-CDF formulas involving log().
	Uniform01() float64
}

// CryptoSource is the default Source, backed by crypto/rand.
type CryptoSource struct{}

const randResolution = 1 << 53

// Uniform01 implements Source.
func (CryptoSource) Uniform01() float64 {
	for {
		n, err := rand.Int(rand.Reader, big.NewInt(randResolution))
		if err != nil {
			// crypto/rand failure on a supported platform is not
			// recoverable; mechanisms must not silently fall back to a
			// weaker source.
			panic("mechanism: crypto/rand unavailable: " + err.Error())
		}
		u := float64(n.Int64()) / float64(randResolution)
		if u > 0 && u < 1 {
			return u
		}
	}
}

// signedUniform returns a uniform float64 in (-0.5, 0.5), used by the
// Laplace inverse-CDF sampler.
func signedUniform(s Source) float64 {
	return s.Uniform01() - 0.5
}

// sampleLaplace draws one sample from Laplace(0, scale) via inverse-CDF
// sampling: if U ~ Uniform(-1/2, 1/2), then
//
//	X = -scale * sign(U) * ln(1 - 2|U|)
//
// is Laplace(0, scale) distributed.
func sampleLaplace(s Source, scale float64) float64 {
	u := signedUniform(s)
	sign := 1.0
	if u < 0 {
		sign = -1.0
	}
	return -scale * sign * math.Log(1-2*math.Abs(u))
}

// sampleGaussian draws one sample from Normal(0, sigma^2) via the Box-Muller
// transform.
func sampleGaussian(s Source, sigma float64) float64 {
	u1 := s.Uniform01()
	u2 := s.Uniform01()
	z := math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
	return sigma * z
}
