package filter

import "gonum.org/v1/gonum/mat"

// Filter is a continuous-time dynamical system filter driven by a
// sequential observation loop.
type Filter interface {
	// Observe advances the filter by one time step using measurement z.
	// It returns the updated state estimate and the innovation vector.
	Observe(z mat.Vector) (mat.Vector, mat.Vector, error)
}

// ContinuousSystem describes a linear continuous-time dynamical system
//
//	dx/dt = F(t)*x + w,   w ~ N(0, Q)
//	y     = H*x + v,      v ~ N(0, R)
//
// F may vary with time; H, Q and R are constant for the lifetime of the
// system.
type ContinuousSystem interface {
	// SystemMatrix returns state dynamics matrix F at time t
	SystemMatrix(t float64) mat.Matrix
	// OutputMatrix returns observation matrix H
	OutputMatrix() mat.Matrix
	// StateNoiseCov returns process noise covariance Q
	StateNoiseCov() mat.Symmetric
	// OutputNoiseCov returns measurement noise covariance R
	OutputNoiseCov() mat.Symmetric
	// Dims returns state and output dimensions of the system
	Dims() (nx int, ny int)
}

// InitCond is initial state condition of the filter
type InitCond interface {
	// State returns initial filter state
	State() mat.Vector
	// Cov returns initial state covariance
	Cov() mat.Symmetric
}

// Estimate is dynamical system filter estimate
type Estimate interface {
	// Val returns estimate value
	Val() mat.Vector
	// Cov returns estimate covariance
	Cov() mat.Symmetric
}

// Noise is dynamical system noise
type Noise interface {
	// Mean returns noise mean
	Mean() []float64
	// Cov returns covariance matrix of the noise
	Cov() mat.Symmetric
	// Sample returns a sample of the noise
	Sample() mat.Vector
	// Reset resets the noise
	Reset()
}
