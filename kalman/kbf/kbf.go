// Package kbf implements the plain continuous-time Kalman-Bucy filter. It
// trusts the nominal dynamics matrix as given, which makes it the natural
// baseline for the learning filter in kalman/lkf.
package kbf

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	filter "github.com/ooblahman/lkf"
	"github.com/ooblahman/lkf/estimate"
	"github.com/ooblahman/lkf/ode"
)

// Config is KBF configuration.
type Config struct {
	// DT is the sampling period. Required.
	DT float64
}

// stepParams carries the per-tick inputs of the filter vector field.
type stepParams struct {
	// z is the latest observation
	z *mat.VecDense
	// ft is the nominal dynamics matrix at tick time
	ft *mat.Dense
}

// KBF is a continuous-time Kalman-Bucy filter
type KBF struct {
	// sys supplies the nominal system dynamics
	sys filter.ContinuousSystem
	// cfg is filter configuration
	cfg Config
	// n is the state dimension
	n int
	// h, q, r are the (fixed) observation matrix and noise covariances
	h, q, r *mat.Dense
	// rInv is the precomputed inverse of r
	rInv *mat.Dense
	// t is current filter time
	t float64
	// x is current state estimate
	x *mat.VecDense
	// p is current error covariance estimate
	p *mat.Dense
	// rint integrates the joint state and covariance flow
	rint *ode.Integrator[*stepParams]
	// diverged marks the filter state undefined after a numerical failure
	diverged bool
}

// New creates a new KBF for the given initial condition, system descriptor
// and configuration, and returns it.
// It returns error if either of the following conditions is met:
//   - init or sys is nil, or their dimensions disagree
//   - the system is not fully observed (H must be square)
//   - R is singular
//   - cfg.DT is non-positive
func New(init filter.InitCond, sys filter.ContinuousSystem, cfg Config) (*KBF, error) {
	if sys == nil {
		return nil, fmt.Errorf("invalid system descriptor: %v", sys)
	}

	nx, ny := sys.Dims()
	if nx <= 0 || ny <= 0 {
		return nil, fmt.Errorf("invalid system dimensions: [%d x %d]", nx, ny)
	}

	if nx != ny {
		return nil, fmt.Errorf("system must be fully observed: %d != %d", nx, ny)
	}

	if init == nil || init.State().Len() != nx {
		return nil, fmt.Errorf("invalid initial condition: %v", init)
	}

	if init.Cov().SymmetricDim() != nx {
		return nil, fmt.Errorf("invalid initial covariance dimension: %d", init.Cov().SymmetricDim())
	}

	if fr, fc := sys.SystemMatrix(0).Dims(); fr != nx || fc != nx {
		return nil, fmt.Errorf("invalid dynamics matrix dimensions: [%d x %d]", fr, fc)
	}

	if cfg.DT <= 0 {
		return nil, fmt.Errorf("invalid time step: %v", cfg.DT)
	}

	h := &mat.Dense{}
	h.CloneFrom(sys.OutputMatrix())

	q := mat.NewDense(nx, nx, nil)
	q.Copy(sys.StateNoiseCov())

	r := mat.NewDense(nx, nx, nil)
	r.Copy(sys.OutputNoiseCov())

	rInv := mat.NewDense(nx, nx, nil)
	if err := rInv.Inverse(r); err != nil {
		return nil, fmt.Errorf("failed to invert output noise covariance: %v", err)
	}

	x := mat.NewVecDense(nx, nil)
	x.CloneFromVec(init.State())

	p := mat.NewDense(nx, nx, nil)
	p.Copy(init.Cov())

	f := &KBF{
		sys:  sys,
		cfg:  cfg,
		n:    nx,
		h:    h,
		q:    q,
		r:    r,
		rInv: rInv,
		x:    x,
		p:    p,
	}

	rint, err := ode.New(f.field, nil, nil)
	if err != nil {
		return nil, err
	}
	rint.SetInitialValue(f.pack(x, p), 0)
	f.rint = rint

	return f, nil
}

// Observe advances the filter by one sampling period using measurement z
// and returns the updated state estimate together with the innovation
// z - H*x. It returns error if z has the wrong dimension, if the filter
// has previously diverged, or with *ode.NumericalError if the update
// produces non-finite values.
func (f *KBF) Observe(z mat.Vector) (mat.Vector, mat.Vector, error) {
	if f.diverged {
		return nil, nil, fmt.Errorf("filter has diverged and must be reconstructed")
	}

	if z == nil || z.Len() != f.n {
		return nil, nil, fmt.Errorf("invalid measurement supplied: %v", z)
	}

	zv := mat.NewVecDense(f.n, nil)
	zv.CloneFromVec(z)

	ft := &mat.Dense{}
	ft.CloneFrom(f.sys.SystemMatrix(f.t))

	f.rint.SetParams(&stepParams{z: zv, ft: ft})
	if err := f.rint.Integrate(f.t + f.cfg.DT); err != nil {
		f.diverged = true
		return nil, nil, err
	}
	f.t += f.cfg.DT

	x, p := f.unpack(f.rint.Y().RawVector().Data)
	f.x.CloneFromVec(x)
	f.p.Copy(p)

	inn := mat.NewVecDense(f.n, nil)
	inn.MulVec(f.h, f.x)
	inn.SubVec(zv, inn)

	xOut := mat.NewVecDense(f.n, nil)
	xOut.CloneFromVec(f.x)

	return xOut, inn, nil
}

// field is the joint state and Riccati covariance vector field.
func (f *KBF) field(t float64, y *mat.VecDense, sp *stepParams) (*mat.VecDense, error) {
	n := f.n
	raw := y.RawVector()
	x, p := f.unpack(raw.Data)

	// K = P*H'*inv(R)
	kt := mat.NewDense(n, n, nil)
	kt.Mul(p, f.h.T())
	kt.Mul(kt, f.rInv)

	// dx/dt = F*x + K*(z - H*x)
	inn := mat.NewVecDense(n, nil)
	inn.MulVec(f.h, x)
	inn.SubVec(sp.z, inn)
	dx := mat.NewVecDense(n, nil)
	dx.MulVec(sp.ft, x)
	kin := mat.NewVecDense(n, nil)
	kin.MulVec(kt, inn)
	dx.AddVec(dx, kin)

	// dP/dt = F*P + P*F' + Q - K*R*K'
	dP := mat.NewDense(n, n, nil)
	dP.Mul(sp.ft, p)
	pf := mat.NewDense(n, n, nil)
	pf.Mul(p, sp.ft.T())
	dP.Add(dP, pf)
	dP.Add(dP, f.q)
	krk := mat.NewDense(n, n, nil)
	krk.Mul(kt, f.r)
	krk.Mul(krk, kt.T())
	dP.Sub(dP, krk)

	return f.pack(dx, dP), nil
}

// pack lays (x, P) out as the flat vector [x | P row-major].
func (f *KBF) pack(x *mat.VecDense, p *mat.Dense) *mat.VecDense {
	n := f.n
	data := make([]float64, n*(1+n))
	for i := 0; i < n; i++ {
		data[i] = x.AtVec(i)
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			data[n+i*n+j] = p.At(i, j)
		}
	}

	return mat.NewVecDense(len(data), data)
}

// unpack returns (x, P) views over the flat vector data.
func (f *KBF) unpack(data []float64) (*mat.VecDense, *mat.Dense) {
	n := f.n
	return mat.NewVecDense(n, data[:n]), mat.NewDense(n, n, data[n:])
}

// Estimate returns the current filter estimate: state value and covariance.
func (f *KBF) Estimate() (filter.Estimate, error) {
	return estimate.NewBaseWithDenseCov(f.x, f.p)
}

// Cov returns a copy of the current error covariance estimate.
func (f *KBF) Cov() *mat.Dense {
	p := &mat.Dense{}
	p.CloneFrom(f.p)

	return p
}

// Gain returns the Kalman gain for the current covariance estimate.
func (f *KBF) Gain() mat.Matrix {
	kt := mat.NewDense(f.n, f.n, nil)
	kt.Mul(f.p, f.h.T())
	kt.Mul(kt, f.rInv)

	return kt
}

// Time returns current filter time.
func (f *KBF) Time() float64 {
	return f.t
}
