package lkf

import (
	"errors"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"

	filter "github.com/ooblahman/lkf"
	"github.com/ooblahman/lkf/matrix"
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

// rotation is the dynamics matrix of an undamped 2D oscillator.
func rotation() *mat.Dense {
	return mat.NewDense(2, 2, []float64{0, 1, -1, 0})
}

// rotState returns the closed-form state of dx/dt = rotation()*x at time t.
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

	// nil and mismatched initial state
	f, err = New(nil, okSys, Config{DT: dt})
	assert.Nil(f)
	assert.Error(err)

	f, err = New(sim.NewInitCond(mat.NewVecDense(3, nil), mat.NewSymDense(3, nil)), okSys, Config{DT: dt})
	assert.Nil(f)
	assert.Error(err)

	f, err = New(sim.NewInitCond(x0, mat.NewSymDense(3, nil)), okSys, Config{DT: dt})
	assert.Nil(f)
	assert.Error(err)

	// partially observed system
	f, err = New(ic, &invalidSystem{ContinuousSystem: okSys, nx: 2, ny: 1}, Config{DT: dt})
	assert.Nil(f)
	assert.Error(err)

	// invalid dimensions
	f, err = New(ic, &invalidSystem{ContinuousSystem: okSys, nx: -2, ny: -2}, Config{DT: dt})
	assert.Nil(f)
	assert.Error(err)

	// missing time step
	f, err = New(ic, okSys, Config{})
	assert.Nil(f)
	assert.Error(err)

	// delay window shorter than the time step
	f, err = New(ic, okSys, Config{DT: dt, Tau: dt / 10})
	assert.Nil(f)
	assert.Error(err)

	// singular observation matrix
	badH, _ := sim.NewLTV(func(t float64) *mat.Dense { return rotation() },
		mat.NewDense(2, 2, nil),
		mat.NewSymDense(2, []float64{0.1, 0, 0, 0.1}),
		mat.NewSymDense(2, []float64{1, 0, 0, 1}))
	f, err = New(ic, badH, Config{DT: dt})
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

func TestConfigDefaults(t *testing.T) {
	assert := assert.New(t)

	cfg := withDefaults(Config{DT: dt})
	assert.True(math.IsInf(cfg.Tau, 1))
	assert.True(math.IsInf(cfg.Warmup, 1))
	assert.True(math.IsInf(cfg.EtaBound, 1))
	assert.Equal(1e-4, cfg.Eps)
	assert.Equal(1.0, cfg.Gamma)

	// warm-up defaults to the lookback window
	cfg = withDefaults(Config{DT: dt, Tau: 0.25})
	assert.Equal(0.25, cfg.Warmup)

	// both are independently tunable
	cfg = withDefaults(Config{DT: dt, Tau: 0.25, Warmup: 1.5})
	assert.Equal(0.25, cfg.Tau)
	assert.Equal(1.5, cfg.Warmup)
}

func TestPackUnpackRoundTrip(t *testing.T) {
	assert := assert.New(t)

	f, err := New(ic, okSys, Config{DT: dt})
	assert.NoError(err)

	x := mat.NewVecDense(2, []float64{0.1, -2.5})
	p := mat.NewDense(2, 2, []float64{1.5, 0.25, 0.25, 3.0})
	eta := mat.NewDense(2, 2, []float64{-0.1, 0.7, 0.3, -0.9})

	y := f.pack(x, p, eta)
	assert.Equal(2*(1+2*2), y.Len())

	x2, p2, eta2 := f.unpack(y.RawVector().Data)
	assert.True(mat.Equal(x, x2))
	assert.True(mat.Equal(p, p2))
	assert.True(mat.Equal(eta, eta2))
}

func TestWarmupInvariance(t *testing.T) {
	assert := assert.New(t)

	// Tau defaults to +Inf: the filter must never learn
	f, err := New(ic, okSys, Config{DT: dt})
	assert.NoError(err)

	zero := mat.NewDense(2, 2, nil)
	for i := 0; i < 500; i++ {
		z := rotState(x0, f.Time()+dt)
		_, _, err := f.Observe(z)
		assert.NoError(err)
		assert.True(mat.Equal(zero, f.Eta()))
	}

	assert.True(mat.Equal(zero, f.InnovationMomentRate()))
	assert.True(mat.Equal(zero, f.RegularizedInv()))
}

func TestGateRejection(t *testing.T) {
	assert := assert.New(t)

	// a vanishing bound rejects every candidate update
	f, err := New(ic, okSys, Config{DT: dt, Tau: 5 * dt, Eps: 3e-2, EtaBound: 1e-12})
	assert.NoError(err)

	zero := mat.NewDense(2, 2, nil)
	for i := 0; i < 200; i++ {
		// observations from a faster oscillator keep the innovations alive
		z := rotState(x0, 2*(f.Time()+dt))
		_, _, err := f.Observe(z)
		assert.NoError(err)
		// every candidate was rejected and held
		assert.True(mat.Equal(zero, f.Eta()))
	}

	// the same run without the gate does learn
	f2, err := New(ic, okSys, Config{DT: dt, Tau: 5 * dt, Eps: 3e-2})
	assert.NoError(err)

	for i := 0; i < 200; i++ {
		z := rotState(x0, 2*(f2.Time()+dt))
		_, _, err := f2.Observe(z)
		assert.NoError(err)
	}
	assert.True(mat.Norm(f2.Eta(), 2) > 1e-12)
}

func TestBufferGrowth(t *testing.T) {
	assert := assert.New(t)

	f, err := New(ic, okSys, Config{DT: dt, Tau: 0.05})
	assert.NoError(err)

	for k := 1; k <= 120; k++ {
		z := rotState(x0, f.Time()+dt)
		_, inn, err := f.Observe(z)
		assert.NoError(err)

		ne, np := f.HistLen()
		assert.Equal(k, ne)
		assert.Equal(k, np)

		// the newest history entry is this tick's innovation
		last, ok := f.errHist.at(0)
		assert.True(ok)
		assert.True(mat.Equal(inn, last))
	}

	// entries are retained in tick order across the lookback window
	tauN := f.tauN
	oldest, ok := f.errHist.at(tauN - 1)
	assert.True(ok)
	assert.NotNil(oldest)
	_, ok = f.errHist.at(tauN + 1)
	assert.False(ok)
}

func TestObserveValidation(t *testing.T) {
	assert := assert.New(t)

	f, err := New(ic, okSys, Config{DT: dt})
	assert.NoError(err)

	// wrong measurement dimension
	x, inn, err := f.Observe(mat.NewVecDense(3, nil))
	assert.Nil(x)
	assert.Nil(inn)
	assert.Error(err)

	// nil measurement
	x, inn, err = f.Observe(nil)
	assert.Nil(x)
	assert.Nil(inn)
	assert.Error(err)
}

func TestNumericalDivergence(t *testing.T) {
	assert := assert.New(t)

	f, err := New(ic, okSys, Config{DT: dt})
	assert.NoError(err)

	// a non-finite observation blows up the state update
	z := mat.NewVecDense(2, []float64{math.Inf(1), 0})
	_, _, err = f.Observe(z)
	assert.Error(err)

	var nerr *ode.NumericalError
	assert.True(errors.As(err, &nerr))

	// a diverged filter must not be reusable
	_, _, err = f.Observe(mat.NewVecDense(2, nil))
	assert.Error(err)
}

func TestStationaryConvergence(t *testing.T) {
	assert := assert.New(t)

	// learning starts only after the covariance transient has settled
	f, err := New(ic, okSys, Config{DT: dt, Tau: 0.25, Warmup: 15, Eps: 3e-2, Gamma: 0.9})
	assert.NoError(err)

	var xf mat.Vector
	prev := math.Inf(1)
	for i := 0; i < 20000; i++ {
		z := rotState(x0, f.Time()+dt)
		x, _, err := f.Observe(z)
		assert.NoError(err)
		xf = x

		p := f.Cov()
		tr := p.At(0, 0) + p.At(1, 1)
		assert.True(tr <= prev+1e-6, "covariance trace increased: %v > %v", tr, prev)
		prev = tr
	}

	// exact model, noiseless observations: no correction is learned
	assert.True(mat.Norm(f.Eta(), 2) < 1e-3, "eta norm: %v", mat.Norm(f.Eta(), 2))

	// the estimate tracks the true state
	e := mat.NewVecDense(2, nil)
	e.SubVec(rotState(x0, f.Time()), xf)
	assert.True(mat.Norm(e, 2) < 1e-2)
}

func TestConstantDriftRecovery(t *testing.T) {
	assert := assert.New(t)

	// the assumed dynamics are off by a constant diagonal offset
	delta := mat.NewDense(2, 2, []float64{0.3, 0, 0, 0.3})
	fHat := mat.NewDense(2, 2, nil)
	fHat.Add(rotation(), delta)

	h := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	q := mat.NewSymDense(2, []float64{0.1, 0, 0, 0.1})
	r := mat.NewSymDense(2, []float64{1, 0, 0, 1})
	assumed, err := sim.NewLTV(func(t float64) *mat.Dense { return fHat }, h, q, r)
	assert.NoError(err)

	// the averaging window must span most of a rotation period for the
	// innovation moment difference to isolate the drift
	f, err := New(ic, assumed, Config{DT: dt, Tau: 0.8, Eps: 3e-2, Gamma: 0.9})
	assert.NoError(err)

	// observations come from the true (rotation-only) system
	steps := 30000
	avgWindow := 10000
	etaBar := mat.NewDense(2, 2, nil)
	for i := 0; i < steps; i++ {
		z := rotState(x0, f.Time()+dt)
		_, _, err := f.Observe(z)
		assert.NoError(err)

		if i >= steps-avgWindow {
			etaBar.Add(etaBar, f.Eta())
		}
	}
	etaBar.Scale(1/float64(avgWindow), etaBar)

	// the learned correction recovers the offset: closer to delta than the
	// zero matrix it started from, and within tolerance
	assert.True(matrix.Dist(etaBar, delta) < mat.Norm(delta, 2), "eta did not move towards delta: %v", etaBar)
	assert.True(matrix.Dist(etaBar, delta) < 0.25, "eta distance to delta: %v", matrix.Dist(etaBar, delta))
}
