package sim

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// LTV is a linear time-varying continuous system descriptor
//
//	dx/dt = F(t)*x + w,   w ~ N(0, Q)
//	y     = H*x + v,      v ~ N(0, R)
//
// It implements filter.ContinuousSystem over a caller-supplied dynamics
// function F. The descriptor is stateless: F must be a pure function of
// time.
type LTV struct {
	// fn returns state dynamics matrix F at a given time
	fn func(t float64) *mat.Dense
	// h is observation matrix
	h *mat.Dense
	// q is process noise covariance
	q *mat.SymDense
	// r is measurement noise covariance
	r *mat.SymDense
}

// NewLTV creates a new LTV system descriptor and returns it.
// It returns error if either of the following conditions is met:
//   - fn or H is nil
//   - F(0) is not square or does not match H columns
//   - Q or R dimensions do not match the state and output dimensions
func NewLTV(fn func(t float64) *mat.Dense, H *mat.Dense, Q, R mat.Symmetric) (*LTV, error) {
	if fn == nil {
		return nil, fmt.Errorf("nil dynamics function")
	}

	if H == nil {
		return nil, fmt.Errorf("invalid observation matrix: %v", H)
	}

	ny, nx := H.Dims()

	fr, fc := fn(0).Dims()
	if fr != fc || fr != nx {
		return nil, fmt.Errorf("invalid dynamics matrix dimensions: [%d x %d]", fr, fc)
	}

	if Q == nil || Q.SymmetricDim() != nx {
		return nil, fmt.Errorf("invalid process noise covariance dimensions")
	}

	if R == nil || R.SymmetricDim() != ny {
		return nil, fmt.Errorf("invalid measurement noise covariance dimensions")
	}

	q := mat.NewSymDense(nx, nil)
	q.CopySym(Q)

	r := mat.NewSymDense(ny, nil)
	r.CopySym(R)

	h := &mat.Dense{}
	h.CloneFrom(H)

	return &LTV{fn: fn, h: h, q: q, r: r}, nil
}

// SystemMatrix returns state dynamics matrix F at time t
func (l *LTV) SystemMatrix(t float64) mat.Matrix {
	return l.fn(t)
}

// OutputMatrix returns observation matrix H
func (l *LTV) OutputMatrix() mat.Matrix {
	return l.h
}

// StateNoiseCov returns process noise covariance Q
func (l *LTV) StateNoiseCov() mat.Symmetric {
	return l.q
}

// OutputNoiseCov returns measurement noise covariance R
func (l *LTV) OutputNoiseCov() mat.Symmetric {
	return l.r
}

// Dims returns state and output dimensions of the system
func (l *LTV) Dims() (nx, ny int) {
	ny, nx = l.h.Dims()
	return nx, ny
}
