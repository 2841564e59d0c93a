package kbf

import (
	"errors"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"

	filter "github.com/ooblahman/lkf"
	"github.com/ooblahman/lkf/ode"
	"github.com/ooblahman/lkf/sim"
)

type invalidSystem struct {
	filter.ContinuousSystem
	nx int
	ny int
}

func (s *invalidSystem) Dims() (nx, ny int) {
	return s.nx, s.ny
}

var (
	okSys *sim.LTV
	x0    *mat.VecDense
	ic    *sim.InitCond
	dt    float64
)

func rotation() *mat.Dense {
	return mat.NewDense(2, 2, []float64{0, 1, -1, 0})
}

func rotState(x0 *mat.VecDense, t float64) *mat.VecDense {
	c, s := math.Cos(t), math.Sin(t)
	return mat.NewVecDense(2, []float64{
		c*x0.AtVec(0) + s*x0.AtVec(1),
		-s*x0.AtVec(0) + c*x0.AtVec(1),
	})
}

func setup() {
	dt = 1e-3
	x0 = mat.NewVecDense(2, []float64{1.0, 0.0})
	ic = sim.NewInitCond(x0, mat.NewSymDense(2, []float64{1, 0, 0, 1}))

	h := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	q := mat.NewSymDense(2, []float64{0.1, 0, 0, 0.1})
	r := mat.NewSymDense(2, []float64{1, 0, 0, 1})

	okSys, _ = sim.NewLTV(func(t float64) *mat.Dense { return rotation() }, h, q, r)
}

func TestMain(m *testing.M) {
	setup()
	os.Exit(m.Run())
}

func TestNew(t *testing.T) {
	assert := assert.New(t)

	f, err := New(ic, okSys, Config{DT: dt})
	assert.NotNil(f)
	assert.NoError(err)

	// nil system
	f, err = New(ic, nil, Config{DT: dt})
	assert.Nil(f)
	assert.Error(err)

	// mismatched initial state
	f, err = New(sim.NewInitCond(mat.NewVecDense(3, nil), mat.NewSymDense(3, nil)), okSys, Config{DT: dt})
	assert.Nil(f)
	assert.Error(err)

	// partially observed system
	f, err = New(ic, &invalidSystem{ContinuousSystem: okSys, nx: 2, ny: 1}, Config{DT: dt})
	assert.Nil(f)
	assert.Error(err)

	// missing time step
	f, err = New(ic, okSys, Config{})
	assert.Nil(f)
	assert.Error(err)

	// singular output noise covariance
	badR, _ := sim.NewLTV(func(t float64) *mat.Dense { return rotation() },
		mat.NewDense(2, 2, []float64{1, 0, 0, 1}),
		mat.NewSymDense(2, []float64{0.1, 0, 0, 0.1}),
		mat.NewSymDense(2, nil))
	f, err = New(ic, badR, Config{DT: dt})
	assert.Nil(f)
	assert.Error(err)
}

func TestObserve(t *testing.T) {
	assert := assert.New(t)

	f, err := New(ic, okSys, Config{DT: dt})
	assert.NoError(err)

	z := rotState(x0, dt)
	x, inn, err := f.Observe(z)
	assert.NotNil(x)
	assert.NotNil(inn)
	assert.NoError(err)
	assert.InDelta(dt, f.Time(), 1e-12)

	// wrong measurement dimension
	x, inn, err = f.Observe(mat.NewVecDense(3, nil))
	assert.Nil(x)
	assert.Nil(inn)
	assert.Error(err)
}

func TestMatchedModelTracking(t *testing.T) {
	assert := assert.New(t)

	f, err := New(ic, okSys, Config{DT: dt})
	assert.NoError(err)

	var xf mat.Vector
	prev := math.Inf(1)
	for i := 0; i < 10000; i++ {
		z := rotState(x0, f.Time()+dt)
		x, _, err := f.Observe(z)
		assert.NoError(err)
		xf = x

		// steady-state Riccati behavior: trace is non-increasing
		p := f.Cov()
		tr := p.At(0, 0) + p.At(1, 1)
		assert.True(tr <= prev+1e-6, "covariance trace increased: %v > %v", tr, prev)
		prev = tr
	}

	e := mat.NewVecDense(2, nil)
	e.SubVec(rotState(x0, f.Time()), xf)
	assert.True(mat.Norm(e, 2) < 1e-2, "tracking error: %v", mat.Norm(e, 2))
}

func TestNumericalDivergence(t *testing.T) {
	assert := assert.New(t)

	f, err := New(ic, okSys, Config{DT: dt})
	assert.NoError(err)

	z := mat.NewVecDense(2, []float64{math.Inf(1), 0})
	_, _, err = f.Observe(z)
	assert.Error(err)

	var nerr *ode.NumericalError
	assert.True(errors.As(err, &nerr))

	// a diverged filter must not be reusable
	_, _, err = f.Observe(mat.NewVecDense(2, nil))
	assert.Error(err)
}

func TestEstimate(t *testing.T) {
	assert := assert.New(t)

	f, err := New(ic, okSys, Config{DT: dt})
	assert.NoError(err)

	est, err := f.Estimate()
	assert.NotNil(est)
	assert.NoError(err)
	assert.Equal(x0.AtVec(0), est.Val().AtVec(0))
	assert.Equal(2, est.Cov().SymmetricDim())
}
