package sim

import (
	"fmt"
	"math"

	"github.com/milosgajdos/matrix"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	filter "github.com/ooblahman/lkf"
	"github.com/ooblahman/lkf/noise"
	"github.com/ooblahman/lkf/ode"
)

// TimeVarying is a 2-dimensional linear system whose true dynamics matrix
// oscillates around a nominal rotation:
//
//	F(t) = F0 + amp*cos(2*pi*freq*t)*I,   F0 = [0 1; -1 0]
//
// A filter that freezes the dynamics at F(0) assumes the oscillation's most
// unstable point, so the correction it has to learn stays non-negative over
// the whole cycle.
// TimeVarying doubles as the ground-truth trajectory generator for filter
// experiments: each Measure call advances the true state by dt and returns
// a noisy observation of it. The descriptor queried through the embedded
// LTV reports the true F(t), H = I, Q = varW*I and R = varV*I.
type TimeVarying struct {
	*LTV

	// dt is the sampling period
	dt float64
	// t is current simulation time
	t float64
	// x is current true state
	x *mat.VecDense
	// r integrates the true state dynamics
	r *ode.Integrator[struct{}]
	// vn is measurement noise
	vn filter.Noise
}

// NewTimeVarying creates a new TimeVarying system generator and returns it.
// varW and varV are the process and measurement noise variances; either may
// be zero for a noiseless system. amp and freq are the amplitude and
// frequency (in Hz) of the dynamics matrix oscillation. src drives all
// noise sampling and may only be nil when both variances are zero.
// It returns error if x0 is not 2-dimensional, dt is non-positive, or a
// noise variance is negative.
func NewTimeVarying(x0 mat.Vector, dt, varW, varV, amp, freq float64, src rand.Source) (*TimeVarying, error) {
	if x0 == nil || x0.Len() != 2 {
		return nil, fmt.Errorf("invalid initial state: %v", x0)
	}

	if dt <= 0 {
		return nil, fmt.Errorf("invalid time step: %v", dt)
	}

	if varW < 0 || varV < 0 {
		return nil, fmt.Errorf("invalid noise variance: %v, %v", varW, varV)
	}

	if (varW > 0 || varV > 0) && src == nil {
		return nil, fmt.Errorf("noise variance requires a random source")
	}

	f0 := mat.NewDense(2, 2, []float64{0, 1, -1, 0})
	fn := func(t float64) *mat.Dense {
		f := &mat.Dense{}
		f.CloneFrom(f0)
		s := amp * math.Cos(2*math.Pi*freq*t)
		f.Set(0, 0, s)
		f.Set(1, 1, s)
		return f
	}

	h, err := matrix.NewDenseValIdentity(2, 1.0)
	if err != nil {
		return nil, err
	}

	q := mat.NewSymDense(2, []float64{varW, 0, 0, varW})
	rr := mat.NewSymDense(2, []float64{varV, 0, 0, varV})

	ltv, err := NewLTV(fn, h, q, rr)
	if err != nil {
		return nil, err
	}

	var vn filter.Noise
	if varV > 0 {
		vn, err = noise.NewGaussian([]float64{0, 0}, rr, src)
	} else {
		vn, err = noise.NewZero(2)
	}
	if err != nil {
		return nil, err
	}

	drift := func(t float64, y *mat.VecDense, _ struct{}) (*mat.VecDense, error) {
		dy := mat.NewVecDense(2, nil)
		dy.MulVec(fn(t), y)
		return dy, nil
	}

	var g ode.Diffusion
	if varW > 0 {
		gm, err := matrix.NewDenseValIdentity(2, math.Sqrt(varW))
		if err != nil {
			return nil, err
		}
		g = func(t float64, y mat.Vector) mat.Matrix { return gm }
	}

	r, err := ode.New(drift, g, src)
	if err != nil {
		return nil, err
	}
	r.SetInitialValue(x0, 0)

	x := mat.NewVecDense(2, nil)
	x.CloneFromVec(x0)

	return &TimeVarying{
		LTV: ltv,
		dt:  dt,
		x:   x,
		r:   r,
		vn:  vn,
	}, nil
}

// Measure advances the true system state by one sampling period and
// returns a noisy observation of it. It returns error if the state
// integration fails.
func (s *TimeVarying) Measure() (*mat.VecDense, error) {
	if err := s.r.Integrate(s.t + s.dt); err != nil {
		return nil, fmt.Errorf("failed to propagate system state: %v", err)
	}

	s.t += s.dt
	s.x = s.r.Y()

	z := mat.NewVecDense(2, nil)
	z.MulVec(s.OutputMatrix(), s.x)
	z.AddVec(z, s.vn.Sample())

	return z, nil
}

// State returns a copy of the current true system state.
func (s *TimeVarying) State() *mat.VecDense {
	x := mat.NewVecDense(s.x.Len(), nil)
	x.CloneFromVec(s.x)

	return x
}

// Time returns current simulation time.
func (s *TimeVarying) Time() float64 {
	return s.t
}
