// Package ode provides a fixed-step numerical integrator for vector-valued
// ordinary and stochastic differential equations. The drift field is
// parameterized with a caller-supplied per-step context so stateful systems
// can rebind inputs between steps without closures over mutable state.
package ode

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/ooblahman/lkf/matrix"
)

// Drift is the deterministic part of the vector field:
// it returns dy/dt at time t for state y given step parameters p.
// It must not retain or modify y.
type Drift[P any] func(t float64, y *mat.VecDense, p P) (*mat.VecDense, error)

// Diffusion returns the diffusion matrix G at (t, y) for the equation
//
//	dy = f(t, y, p)*dt + G(t, y)*dW
//
// A nil Diffusion or a nil returned matrix means the equation is a pure ODE.
type Diffusion func(t float64, y mat.Vector) mat.Matrix

// NumericalError indicates that integration produced a non-finite state.
// The integrator state is undefined once it is returned and the integrator
// must not be reused.
type NumericalError struct {
	// T is the time at which the non-finite value was produced
	T float64
}

// Error implements the error interface.
func (e *NumericalError) Error() string {
	return fmt.Sprintf("non-finite integration state at t=%v", e.T)
}

// Integrator advances a vector-valued ODE/SDE state forward in time.
// Pure-ODE systems are advanced with the classical 4th order Runge-Kutta
// scheme; systems with a diffusion term use the Euler-Maruyama scheme with
// Wiener increments drawn from an explicit random source.
type Integrator[P any] struct {
	// f is the drift vector field
	f Drift[P]
	// g is the diffusion field; nil for a pure ODE
	g Diffusion
	// rnd generates Wiener increments for the diffusion term
	rnd *rand.Rand
	// maxStep bounds the internal sub-step size; 0 means a single step
	maxStep float64
	// y is current state
	y *mat.VecDense
	// t is current time
	t float64
	// p is the parameter bound to the drift field for the next step
	p P
}

// New creates a new Integrator for drift f and diffusion g and returns it.
// src seeds the Wiener increments and may be nil for a pure ODE (g == nil).
// It returns error if f is nil or if a diffusion term is given without a
// random source.
func New[P any](f Drift[P], g Diffusion, src rand.Source) (*Integrator[P], error) {
	if f == nil {
		return nil, fmt.Errorf("invalid drift field: %v", f)
	}

	if g != nil && src == nil {
		return nil, fmt.Errorf("diffusion term requires a random source")
	}

	r := &Integrator[P]{f: f, g: g}
	if src != nil {
		r.rnd = rand.New(src)
	}

	return r, nil
}

// SetInitialValue resets the integrator clock to t0 and its state to a copy
// of y0. It may be called any number of times to restart the integration.
func (r *Integrator[P]) SetInitialValue(y0 mat.Vector, t0 float64) {
	y := mat.NewVecDense(y0.Len(), nil)
	y.CloneFromVec(y0)

	r.y = y
	r.t = t0
}

// SetParams rebinds the parameters forwarded to the drift field.
// It takes effect on the next Integrate call.
func (r *Integrator[P]) SetParams(p P) {
	r.p = p
}

// SetMaxStep bounds the size of internal sub-steps. A non-positive value
// restores the default of a single step per Integrate call.
func (r *Integrator[P]) SetMaxStep(h float64) {
	if h <= 0 {
		h = 0
	}
	r.maxStep = h
}

// Integrate advances the state from the current time to t using one or more
// internal sub-steps. It returns error if the initial value has not been
// set, if t precedes the current time, if the drift field fails, or with
// *NumericalError if the step produces non-finite values.
func (r *Integrator[P]) Integrate(t float64) error {
	if r.y == nil {
		return fmt.Errorf("initial value not set")
	}

	if t < r.t {
		return fmt.Errorf("invalid target time: %v < %v", t, r.t)
	}

	steps := 1
	if r.maxStep > 0 {
		steps = int(math.Ceil((t - r.t) / r.maxStep))
		if steps < 1 {
			steps = 1
		}
	}
	h := (t - r.t) / float64(steps)

	for i := 0; i < steps; i++ {
		var err error
		if r.g == nil {
			err = r.rk4Step(h)
		} else {
			err = r.emStep(h)
		}
		if err != nil {
			return err
		}

		r.t += h
		if !matrix.IsFiniteVec(r.y) {
			return &NumericalError{T: r.t}
		}
	}
	// avoid accumulating sub-step rounding in the clock
	r.t = t

	return nil
}

// Y returns a copy of the current state.
func (r *Integrator[P]) Y() *mat.VecDense {
	y := mat.NewVecDense(r.y.Len(), nil)
	y.CloneFromVec(r.y)

	return y
}

// T returns the current time.
func (r *Integrator[P]) T() float64 {
	return r.t
}

// rk4Step advances the state by h with a classical Runge-Kutta step.
func (r *Integrator[P]) rk4Step(h float64) error {
	t, y := r.t, r.y
	n := y.Len()

	k1, err := r.f(t, y, r.p)
	if err != nil {
		return fmt.Errorf("drift evaluation failed: %v", err)
	}

	yk := mat.NewVecDense(n, nil)
	yk.AddScaledVec(y, h/2, k1)
	k2, err := r.f(t+h/2, yk, r.p)
	if err != nil {
		return fmt.Errorf("drift evaluation failed: %v", err)
	}

	yk.AddScaledVec(y, h/2, k2)
	k3, err := r.f(t+h/2, yk, r.p)
	if err != nil {
		return fmt.Errorf("drift evaluation failed: %v", err)
	}

	yk.AddScaledVec(y, h, k3)
	k4, err := r.f(t+h, yk, r.p)
	if err != nil {
		return fmt.Errorf("drift evaluation failed: %v", err)
	}

	k1.AddScaledVec(k1, 2, k2)
	k1.AddScaledVec(k1, 2, k3)
	k1.AddVec(k1, k4)
	y.AddScaledVec(y, h/6, k1)

	return nil
}

// emStep advances the state by h with an Euler-Maruyama step.
func (r *Integrator[P]) emStep(h float64) error {
	t, y := r.t, r.y
	n := y.Len()

	dy, err := r.f(t, y, r.p)
	if err != nil {
		return fmt.Errorf("drift evaluation failed: %v", err)
	}
	y.AddScaledVec(y, h, dy)

	g := r.g(t, y)
	if g == nil {
		return nil
	}

	gr, gc := g.Dims()
	if gr != n {
		return fmt.Errorf("invalid diffusion matrix dimensions: [%d x %d]", gr, gc)
	}

	// dW ~ N(0, h*I)
	dw := mat.NewVecDense(gc, nil)
	for i := 0; i < gc; i++ {
		dw.SetVec(i, r.rnd.NormFloat64()*math.Sqrt(h))
	}

	gdw := mat.NewVecDense(n, nil)
	gdw.MulVec(g, dw)
	y.AddVec(y, gdw)

	return nil
}
