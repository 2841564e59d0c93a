package matrix

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// RidgeInverse computes a ridge-regularized least-squares inverse of m:
//
//	inv = solve(m'*m + eps*I, m')
//
// For well-conditioned m and small eps the result approaches the true
// inverse; for singular or near-singular m it stays finite. It returns
// error if the regularized normal matrix itself cannot be solved, which
// only happens for eps <= 0.
func RidgeInverse(m mat.Matrix, eps float64) (*mat.Dense, error) {
	r, c := m.Dims()
	if r != c {
		return nil, fmt.Errorf("invalid matrix dimensions: [%d x %d]", r, c)
	}

	gram := mat.NewDense(r, r, nil)
	gram.Mul(m.T(), m)
	for i := 0; i < r; i++ {
		gram.Set(i, i, gram.At(i, i)+eps)
	}

	inv := mat.NewDense(r, r, nil)
	if err := inv.Solve(gram, m.T()); err != nil {
		return nil, fmt.Errorf("failed to solve regularized system: %v", err)
	}

	return inv, nil
}

// IsFiniteVec returns true if every element of v is finite.
func IsFiniteVec(v mat.Vector) bool {
	for i := 0; i < v.Len(); i++ {
		x := v.AtVec(i)
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}

	return true
}

// IsFinite returns true if every element of m is finite.
func IsFinite(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			x := m.At(i, j)
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return false
			}
		}
	}

	return true
}

// Dist returns the Frobenius norm of the difference a-b.
// It panics if a and b have different dimensions.
func Dist(a, b mat.Matrix) float64 {
	d := &mat.Dense{}
	d.Sub(a, b)

	return mat.Norm(d, 2)
}
