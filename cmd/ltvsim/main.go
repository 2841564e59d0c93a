// Package main runs the 2-dimensional linear time-varying benchmark: a
// plain Kalman-Bucy filter and the learning filter track the same partially
// known oscillating system side by side.
package main

import (
	"fmt"
	"log"
	"math"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot/vg"
	"gopkg.in/yaml.v3"

	"github.com/ooblahman/lkf/kalman/kbf"
	"github.com/ooblahman/lkf/kalman/lkf"
	"github.com/ooblahman/lkf/matrix"
	"github.com/ooblahman/lkf/rnd"
	"github.com/ooblahman/lkf/sim"
)

// config holds the experiment parameters.
type config struct {
	// DT is the sampling period
	DT float64 `yaml:"dt"`
	// T is the simulated duration in seconds
	T float64 `yaml:"t"`
	// Amp and Freq are the oscillation amplitude and frequency of the
	// true dynamics
	Amp  float64 `yaml:"amp"`
	Freq float64 `yaml:"freq"`
	// VarW and VarV are true process and measurement noise variances
	VarW float64 `yaml:"var_w"`
	VarV float64 `yaml:"var_v"`
	// Q and R are the filters' design noise variances
	Q float64 `yaml:"q"`
	R float64 `yaml:"r"`
	// Tau, Warmup, Eps, Gamma, EtaBound configure the learning filter
	Tau      float64 `yaml:"tau"`
	Warmup   float64 `yaml:"warmup"`
	Eps      float64 `yaml:"eps"`
	Gamma    float64 `yaml:"gamma"`
	EtaBound float64 `yaml:"eta_bound"`
	// MaxErr, MaxEtaErr and MaxEzz are the caller-side circuit breakers
	MaxErr    float64 `yaml:"max_err"`
	MaxEtaErr float64 `yaml:"max_eta_err"`
	MaxEzz    float64 `yaml:"max_ezz"`
	// P0 is the filters' initial state covariance
	P0 float64 `yaml:"p0"`
	// PerturbInit draws the filters' initial estimate from N(x0, P0)
	PerturbInit bool `yaml:"perturb_init"`
	// Seed seeds all noise sampling
	Seed uint64 `yaml:"seed"`
	// Output is the plot file path
	Output string `yaml:"output"`
}

func defaultConfig() config {
	return config{
		DT:        1e-3,
		T:         60,
		Amp:       0.9,
		Freq:      1.0 / 5,
		Q:         0.5,
		R:         1.0,
		Tau:       0.8,
		Eps:       3e-2,
		Gamma:     0.7,
		MaxErr:    2.0,
		MaxEtaErr: 100,
		MaxEzz:    100,
		P0:        1.0,
		Seed:      9001,
		Output:    "ltvsim.png",
	}
}

func loadConfig(path string) (config, error) {
	c := defaultConfig()
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}

	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("failed to parse config %s: %v", path, err)
	}

	return c, nil
}

func run(c config) error {
	src := rand.NewSource(c.Seed)

	x0 := mat.NewVecDense(2, []float64{-1, -1})
	truth, err := sim.NewTimeVarying(x0, c.DT, c.VarW, c.VarV, c.Amp, c.Freq, src)
	if err != nil {
		return fmt.Errorf("failed to create system: %v", err)
	}

	// both filters assume the dynamics frozen at t=0
	fHat := &mat.Dense{}
	fHat.CloneFrom(truth.SystemMatrix(0))
	h := &mat.Dense{}
	h.CloneFrom(truth.OutputMatrix())

	q := mat.NewSymDense(2, []float64{c.Q, 0, 0, c.Q})
	r := mat.NewSymDense(2, []float64{c.R, 0, 0, c.R})

	assumed, err := sim.NewLTV(func(t float64) *mat.Dense { return fHat }, h, q, r)
	if err != nil {
		return fmt.Errorf("failed to create assumed model: %v", err)
	}

	p0 := mat.NewSymDense(2, []float64{c.P0, 0, 0, c.P0})
	xInit := mat.NewVecDense(2, nil)
	xInit.CloneFromVec(x0)
	if c.PerturbInit {
		draw, err := rnd.WithCovN(p0, 1, src)
		if err != nil {
			return fmt.Errorf("failed to perturb initial estimate: %v", err)
		}
		xInit.AddVec(xInit, draw.ColView(0))
	}
	cond := sim.NewInitCond(xInit, p0)

	f1, err := kbf.New(cond, assumed, kbf.Config{DT: c.DT})
	if err != nil {
		return fmt.Errorf("failed to create baseline filter: %v", err)
	}

	f2, err := lkf.New(cond, assumed, lkf.Config{
		DT:       c.DT,
		Tau:      c.Tau,
		Warmup:   c.Warmup,
		Eps:      c.Eps,
		Gamma:    c.Gamma,
		EtaBound: c.EtaBound,
	})
	if err != nil {
		return fmt.Errorf("failed to create learning filter: %v", err)
	}

	steps := int(c.T / c.DT)
	histT := make([]float64, 0, steps)
	baseErr := make([]float64, 0, steps)
	learnErr := make([]float64, 0, steps)
	truthHist := mat.NewDense(steps, 2, nil)
	measHist := mat.NewDense(steps, 2, nil)
	filterHist := mat.NewDense(steps, 2, nil)

	maxBase, maxLearn := 0.0, 0.0
	n := 0
	for i := 0; i < steps; i++ {
		z, err := truth.Measure()
		if err != nil {
			return fmt.Errorf("system propagation failed: %v", err)
		}

		x1, _, err := f1.Observe(z)
		if err != nil {
			return fmt.Errorf("baseline filter failed at t=%v: %v", f1.Time(), err)
		}

		x2, inn2, err := f2.Observe(z)
		if err != nil {
			return fmt.Errorf("learning filter failed at t=%v: %v", f2.Time(), err)
		}

		t := truth.Time()
		x := truth.State()

		e1 := math.Hypot(x.AtVec(0)-x1.AtVec(0), x.AtVec(1)-x1.AtVec(1))
		e2 := math.Hypot(x.AtVec(0)-x2.AtVec(0), x.AtVec(1)-x2.AtVec(1))
		maxBase = math.Max(maxBase, e1)
		maxLearn = math.Max(maxLearn, e2)

		histT = append(histT, t)
		baseErr = append(baseErr, e1)
		learnErr = append(learnErr, e2)
		truthHist.SetRow(i, []float64{x.AtVec(0), x.AtVec(1)})
		measHist.SetRow(i, []float64{z.AtVec(0), z.AtVec(1)})
		filterHist.SetRow(i, []float64{x2.AtVec(0), x2.AtVec(1)})
		n++

		// experiment circuit breakers
		if inn := mat.Norm(inn2, 2); inn > c.MaxErr {
			log.Printf("innovation overflowed at t=%v: %v > %v", t, inn, c.MaxErr)
			break
		}

		etaTrue := &mat.Dense{}
		etaTrue.Sub(fHat, truth.SystemMatrix(t))
		if matrix.Dist(f2.Eta(), etaTrue) > c.MaxEtaErr {
			log.Printf("correction error overflowed at t=%v", t)
			break
		}

		if mat.Norm(f2.InnovationMomentRate(), 2) > c.MaxEzz {
			log.Printf("innovation moment rate overflowed at t=%v", t)
			break
		}
	}

	fmt.Printf("ticks:                %d\n", n)
	fmt.Printf("max baseline error:   %.4f\n", maxBase)
	fmt.Printf("max learning error:   %.4f\n", maxLearn)
	fmt.Printf("final eta:\n%v\n", mat.Formatted(f2.Eta(), mat.Prefix("")))

	if c.Output == "" {
		return nil
	}

	p, err := sim.NewSeriesPlot("Tracking error", histT, map[string][]float64{
		"baseline": baseErr,
		"learning": learnErr,
	})
	if err != nil {
		return fmt.Errorf("failed to create error plot: %v", err)
	}

	if err := p.Save(8*vg.Inch, 4*vg.Inch, c.Output); err != nil {
		return fmt.Errorf("failed to save plot: %v", err)
	}

	traj, err := sim.New2DPlot(truthHist.Slice(0, n, 0, 2).(*mat.Dense),
		measHist.Slice(0, n, 0, 2).(*mat.Dense),
		filterHist.Slice(0, n, 0, 2).(*mat.Dense))
	if err != nil {
		return fmt.Errorf("failed to create trajectory plot: %v", err)
	}

	if err := traj.Save(6*vg.Inch, 6*vg.Inch, "traj_"+c.Output); err != nil {
		return fmt.Errorf("failed to save plot: %v", err)
	}

	return nil
}

func main() {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:   "ltvsim",
		Short: "Compare a plain and a learning Kalman-Bucy filter on a 2D LTV system",
		Long: `ltvsim drives a plain Kalman-Bucy filter and a learning Kalman-Bucy
filter with observations of a 2-dimensional system whose true dynamics
matrix oscillates around the assumed one, then plots both tracking errors.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			return run(c)
		},
	}

	rootCmd.Flags().StringVarP(&cfgPath, "config", "c", "", "YAML experiment config file")

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
