// Package lkf implements a learning Kalman-Bucy filter: a continuous-time
// Kalman filter which simultaneously estimates the system state and an
// additive correction to a partially known, drifting dynamics matrix. The
// correction is learned online from delayed innovation statistics.
package lkf

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	filter "github.com/ooblahman/lkf"
	"github.com/ooblahman/lkf/estimate"
	"github.com/ooblahman/lkf/matrix"
	"github.com/ooblahman/lkf/ode"
)

// Config is LKF configuration. The zero value of every field selects its
// default, which degrades the filter to a plain (non-adaptive) Kalman-Bucy
// filter: with Tau = +Inf the learning rule never triggers.
type Config struct {
	// DT is the sampling period. Required.
	DT float64
	// Tau is the innovation lookback window in seconds.
	// Defaults to +Inf (no learning).
	Tau float64
	// Warmup disables the learning rule until simulation time exceeds it.
	// Defaults to Tau. It may be tuned independently of Tau, but learning
	// additionally requires a full Tau worth of history, so a Warmup
	// shorter than Tau cannot make the filter read past its buffers.
	Warmup float64
	// Eps is the ridge regularization added before inverting the
	// covariance in the learning rule. Defaults to 1e-4.
	Eps float64
	// Gamma damps the learned correction update. Defaults to 1.
	Gamma float64
	// EtaBound rejects any candidate correction whose Frobenius norm
	// exceeds it. Defaults to +Inf (never reject).
	EtaBound float64
}

// stepParams carries the per-tick inputs of the augmented vector field
// together with output slots for its diagnostic byproducts. A fresh value
// is bound to the integrator every tick so the field never reads shared
// mutable state, even when evaluated several times per step.
type stepParams struct {
	// z is the latest observation
	z *mat.VecDense
	// ft is the nominal dynamics matrix at tick time
	ft *mat.Dense
	// learn enables the correction update for this tick
	learn bool
	// errT and errTau are the newest and Tau-old innovations
	errT, errTau *mat.VecDense
	// pT and pTau are the newest and Tau-old covariances
	pT, pTau *mat.Dense
	// ezz receives the empirical innovation second-moment rate
	ezz *mat.Dense
	// pInv receives the ridge-regularized covariance inverse
	pInv *mat.Dense
}

// LKF is a learning Kalman-Bucy filter
type LKF struct {
	// sys supplies the nominal system dynamics
	sys filter.ContinuousSystem
	// cfg is filter configuration with defaults applied
	cfg Config
	// n is the state dimension
	n int
	// h, q, r are the (fixed) observation matrix and noise covariances
	h, q, r *mat.Dense
	// hInv, rInv are precomputed inverses of h and r
	hInv, rInv *mat.Dense
	// tauN is the lookback window in ticks; 0 when Tau is infinite
	tauN int
	// t is current filter time
	t float64
	// x is current state estimate
	x *mat.VecDense
	// p is current error covariance estimate
	p *mat.Dense
	// eta is the learned dynamics correction
	eta *mat.Dense
	// errHist and pHist hold the innovation and covariance lookback
	errHist *ring[*mat.VecDense]
	pHist   *ring[*mat.Dense]
	// ezz and pInv are the last learning-rule diagnostics
	ezz, pInv *mat.Dense
	// r integrates the augmented state
	rint *ode.Integrator[*stepParams]
	// diverged marks the filter state undefined after a numerical failure
	diverged bool
}

// New creates a new LKF for the given initial condition, system descriptor
// and configuration, and returns it.
// It returns error if either of the following conditions is met:
//   - init or sys is nil, or their dimensions disagree
//   - the system is not fully observed (H must be square and invertible)
//   - R is singular
//   - cfg.DT is non-positive, or Tau is shorter than DT
func New(init filter.InitCond, sys filter.ContinuousSystem, cfg Config) (*LKF, error) {
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

	if sys.StateNoiseCov().SymmetricDim() != nx {
		return nil, fmt.Errorf("invalid state noise dimension: %d", sys.StateNoiseCov().SymmetricDim())
	}

	if sys.OutputNoiseCov().SymmetricDim() != ny {
		return nil, fmt.Errorf("invalid output noise dimension: %d", sys.OutputNoiseCov().SymmetricDim())
	}

	cfg = withDefaults(cfg)
	if cfg.DT <= 0 {
		return nil, fmt.Errorf("invalid time step: %v", cfg.DT)
	}

	if cfg.Eps <= 0 {
		return nil, fmt.Errorf("invalid regularization: %v", cfg.Eps)
	}

	tauN := 0
	if !math.IsInf(cfg.Tau, 1) {
		tauN = int(math.Round(cfg.Tau / cfg.DT))
		if tauN < 1 {
			return nil, fmt.Errorf("delay window shorter than time step: %v < %v", cfg.Tau, cfg.DT)
		}
	}

	h := &mat.Dense{}
	h.CloneFrom(sys.OutputMatrix())

	hInv := mat.NewDense(nx, nx, nil)
	if err := hInv.Inverse(h); err != nil {
		return nil, fmt.Errorf("failed to invert observation matrix: %v", err)
	}

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

	// initial correction is zero
	eta := mat.NewDense(nx, nx, nil)

	f := &LKF{
		sys:     sys,
		cfg:     cfg,
		n:       nx,
		h:       h,
		q:       q,
		r:       r,
		hInv:    hInv,
		rInv:    rInv,
		tauN:    tauN,
		x:       x,
		p:       p,
		eta:     eta,
		errHist: newRing[*mat.VecDense](tauN + 1),
		pHist:   newRing[*mat.Dense](tauN + 1),
		ezz:     mat.NewDense(nx, nx, nil),
		pInv:    mat.NewDense(nx, nx, nil),
	}

	rint, err := ode.New(f.field, nil, nil)
	if err != nil {
		return nil, err
	}
	rint.SetInitialValue(f.pack(x, p, eta), 0)
	f.rint = rint

	return f, nil
}

// withDefaults fills in the defaults for zero-valued Config fields.
func withDefaults(cfg Config) Config {
	if cfg.Tau == 0 {
		cfg.Tau = math.Inf(1)
	}
	if cfg.Warmup == 0 {
		cfg.Warmup = cfg.Tau
	}
	if cfg.Eps == 0 {
		cfg.Eps = 1e-4
	}
	if cfg.Gamma == 0 {
		cfg.Gamma = 1.0
	}
	if cfg.EtaBound == 0 {
		cfg.EtaBound = math.Inf(1)
	}
	return cfg
}

// Observe advances the filter by one sampling period using measurement z
// and returns the updated state estimate together with the innovation
// z - H*x. It returns error if z has the wrong dimension, if the filter has
// previously diverged, or with *ode.NumericalError if the update produces
// non-finite values; after the latter the filter state is undefined and the
// instance must be discarded.
func (f *LKF) Observe(z mat.Vector) (mat.Vector, mat.Vector, error) {
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

	sp := &stepParams{z: zv, ft: ft}

	// the learning phase starts once the warm-up period has elapsed and a
	// full window of history is available
	if f.tauN > 0 && f.t+f.cfg.DT > f.cfg.Warmup {
		errT, okE := f.errHist.at(0)
		errTau, okETau := f.errHist.at(f.tauN - 1)
		pT, okP := f.pHist.at(0)
		pTau, okPTau := f.pHist.at(f.tauN - 1)
		if okE && okETau && okP && okPTau {
			sp.learn = true
			sp.errT, sp.errTau = errT, errTau
			sp.pT, sp.pTau = pT, pTau
		}
	}

	f.rint.SetParams(sp)
	if err := f.rint.Integrate(f.t + f.cfg.DT); err != nil {
		f.diverged = true
		return nil, nil, err
	}
	f.t += f.cfg.DT

	x, p, eta := f.unpack(f.rint.Y().RawVector().Data)
	f.x.CloneFromVec(x)
	f.p.Copy(p)
	f.eta.Copy(eta)

	// history stores its own copies: p keeps being mutated in place
	pCopy := &mat.Dense{}
	pCopy.CloneFrom(f.p)
	f.pHist.push(pCopy)

	// innovation is computed with the post-update state
	inn := mat.NewVecDense(f.n, nil)
	inn.MulVec(f.h, f.x)
	inn.SubVec(zv, inn)

	innCopy := mat.NewVecDense(f.n, nil)
	innCopy.CloneFromVec(inn)
	f.errHist.push(innCopy)

	if sp.ezz != nil {
		f.ezz.Copy(sp.ezz)
	}
	if sp.pInv != nil {
		f.pInv.Copy(sp.pInv)
	}

	xOut := mat.NewVecDense(f.n, nil)
	xOut.CloneFromVec(f.x)

	return xOut, inn, nil
}

// field is the augmented vector field evaluated by the integrator: it
// couples the state estimate, the Riccati covariance flow and the delayed
// learning rule for the dynamics correction.
func (f *LKF) field(t float64, y *mat.VecDense, sp *stepParams) (*mat.VecDense, error) {
	n := f.n
	x, p, eta := f.unpack(rawData(y))

	// K = P*H'*inv(R)
	kt := mat.NewDense(n, n, nil)
	kt.Mul(p, f.h.T())
	kt.Mul(kt, f.rInv)

	dEta := mat.NewDense(n, n, nil)
	if sp.learn {
		pInv, err := matrix.RidgeInverse(p, f.cfg.Eps)
		if err != nil {
			return nil, err
		}
		sp.pInv = pInv

		// rate of change of the empirical innovation second moment over
		// the lookback window, less the part explained by the covariance
		// flow itself
		dzz := mat.NewDense(n, n, nil)
		dzz.Outer(1/f.cfg.Tau, sp.errT, sp.errT)
		outerTau := mat.NewDense(n, n, nil)
		outerTau.Outer(1/f.cfg.Tau, sp.errTau, sp.errTau)
		dzz.Sub(dzz, outerTau)

		dp := mat.NewDense(n, n, nil)
		dp.Sub(sp.pT, sp.pTau)
		hph := mat.NewDense(n, n, nil)
		hph.Mul(f.h, dp)
		hph.Mul(hph, f.h.T())
		hph.Scale(1/f.cfg.Tau, hph)
		dzz.Sub(dzz, hph)
		sp.ezz = dzz

		etaNew := mat.NewDense(n, n, nil)
		etaNew.Mul(f.hInv, dzz)
		etaNew.Mul(etaNew, f.hInv.T())
		etaNew.Mul(etaNew, pInv)
		etaNew.Scale(f.cfg.Gamma/2, etaNew)

		// magnitude gate: reject and hold on a spuriously large update
		if mat.Norm(etaNew, 2) <= f.cfg.EtaBound {
			dEta.Sub(etaNew, eta)
			dEta.Scale(1/f.cfg.DT, dEta)
		}
	}

	// effective dynamics F(t) - eta
	fEff := mat.NewDense(n, n, nil)
	fEff.Sub(sp.ft, eta)

	// dx/dt = F_eff*x + K*(z - H*x)
	inn := mat.NewVecDense(n, nil)
	inn.MulVec(f.h, x)
	inn.SubVec(sp.z, inn)
	dx := mat.NewVecDense(n, nil)
	dx.MulVec(fEff, x)
	kin := mat.NewVecDense(n, nil)
	kin.MulVec(kt, inn)
	dx.AddVec(dx, kin)

	// dP/dt = F_eff*P + P*F_eff' + Q - K*R*K'
	dP := mat.NewDense(n, n, nil)
	dP.Mul(fEff, p)
	pf := mat.NewDense(n, n, nil)
	pf.Mul(p, fEff.T())
	dP.Add(dP, pf)
	dP.Add(dP, f.q)
	krk := mat.NewDense(n, n, nil)
	krk.Mul(kt, f.r)
	krk.Mul(krk, kt.T())
	dP.Sub(dP, krk)

	return f.pack(dx, dP, dEta), nil
}

// pack lays (x, P, eta) out as the flat augmented vector
// [x | P row-major | eta row-major].
func (f *LKF) pack(x *mat.VecDense, p, eta *mat.Dense) *mat.VecDense {
	n := f.n
	data := make([]float64, n*(1+2*n))
	for i := 0; i < n; i++ {
		data[i] = x.AtVec(i)
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			data[n+i*n+j] = p.At(i, j)
			data[n+n*n+i*n+j] = eta.At(i, j)
		}
	}

	return mat.NewVecDense(len(data), data)
}

// unpack returns (x, P, eta) views over the flat augmented vector data.
func (f *LKF) unpack(data []float64) (*mat.VecDense, *mat.Dense, *mat.Dense) {
	n := f.n
	x := mat.NewVecDense(n, data[:n])
	p := mat.NewDense(n, n, data[n:n+n*n])
	eta := mat.NewDense(n, n, data[n+n*n:])

	return x, p, eta
}

// rawData returns the backing slice of v, copying if v is not contiguous.
func rawData(v *mat.VecDense) []float64 {
	raw := v.RawVector()
	if raw.Inc == 1 {
		return raw.Data
	}

	data := make([]float64, v.Len())
	for i := range data {
		data[i] = v.AtVec(i)
	}

	return data
}

// Estimate returns the current filter estimate: state value and covariance.
func (f *LKF) Estimate() (filter.Estimate, error) {
	return estimate.NewBaseWithDenseCov(f.x, f.p)
}

// Eta returns a copy of the learned dynamics correction.
func (f *LKF) Eta() *mat.Dense {
	eta := &mat.Dense{}
	eta.CloneFrom(f.eta)

	return eta
}

// Cov returns a copy of the current error covariance estimate.
func (f *LKF) Cov() *mat.Dense {
	p := &mat.Dense{}
	p.CloneFrom(f.p)

	return p
}

// InnovationMomentRate returns a copy of the last empirical innovation
// second-moment rate computed by the learning rule. It is zero before the
// learning phase starts.
func (f *LKF) InnovationMomentRate() *mat.Dense {
	ezz := &mat.Dense{}
	ezz.CloneFrom(f.ezz)

	return ezz
}

// RegularizedInv returns a copy of the last ridge-regularized covariance
// inverse computed by the learning rule. It is zero before the learning
// phase starts.
func (f *LKF) RegularizedInv() *mat.Dense {
	pInv := &mat.Dense{}
	pInv.CloneFrom(f.pInv)

	return pInv
}

// Gain returns the Kalman gain for the current covariance estimate.
func (f *LKF) Gain() mat.Matrix {
	kt := mat.NewDense(f.n, f.n, nil)
	kt.Mul(f.p, f.h.T())
	kt.Mul(kt, f.rInv)

	return kt
}

// Time returns current filter time.
func (f *LKF) Time() float64 {
	return f.t
}

// HistLen returns the number of entries pushed to the innovation and
// covariance histories: one per observation tick.
func (f *LKF) HistLen() (int, int) {
	return f.errHist.len(), f.pHist.len()
}
