package risk

import "math"

// FactorKind tells which path produced a Factorization.
type FactorKind int

const (
	// PositiveDefinite means L·Lᵗ reproduces the covariance matrix.
	PositiveDefinite FactorKind = iota
	// Diagonal means the matrix was not positive definite and L only
	// carries per-asset volatilities, so assets are simulated independently.
	Diagonal
)

func (k FactorKind) String() string {
	if k == Diagonal {
		return "diagonal"
	}
	return "positive_definite"
}

// Factorization is a lower-triangular factor of a covariance matrix.
type Factorization struct {
	L    [][]float64
	Kind FactorKind
}

// Fallback reports whether the independent-assets fallback was used.
func (f Factorization) Fallback() bool { return f.Kind == Diagonal }

// Covariance returns the per-row means and the sample covariance (divisor
// days-1) of a symbols x days matrix. days must be at least 2.
func Covariance(r [][]float64) (mean []float64, cov [][]float64) {
	n := len(r)
	mean = make([]float64, n)
	cov = make([][]float64, n)
	if n == 0 {
		return mean, cov
	}
	days := len(r[0])
	for i := range r {
		var s float64
		for _, x := range r[i] {
			s += x
		}
		mean[i] = s / float64(days)
	}
	for i := 0; i < n; i++ {
		cov[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			var s float64
			for d := 0; d < days; d++ {
				s += (r[i][d] - mean[i]) * (r[j][d] - mean[j])
			}
			c := s / float64(days-1)
			cov[i][j] = c
			cov[j][i] = c
		}
	}
	return mean, cov
}

// Cholesky factors a symmetric matrix. When a diagonal pivot is not
// strictly positive it returns a Diagonal factorization with
// L[i][i] = √max(Σ[i][i], 0) instead of failing.
func Cholesky(a [][]float64) Factorization {
	n := len(a)
	l := newSquare(n)
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			s := a[i][j]
			for k := 0; k < j; k++ {
				s -= l[i][k] * l[j][k]
			}
			if i == j {
				if !(s > 0) {
					return diagonalFactor(a)
				}
				l[i][i] = math.Sqrt(s)
			} else {
				l[i][j] = s / l[j][j]
			}
		}
	}
	return Factorization{L: l, Kind: PositiveDefinite}
}

func diagonalFactor(a [][]float64) Factorization {
	l := newSquare(len(a))
	for i := range a {
		l[i][i] = math.Sqrt(math.Max(a[i][i], 0))
	}
	return Factorization{L: l, Kind: Diagonal}
}

func newSquare(n int) [][]float64 {
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n)
	}
	return m
}
