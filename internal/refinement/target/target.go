// Package target implements the weighted least-squares target used to
// refine the experimental models against observed reflection centroids.
package target

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/PRISM/internal/experiment"
	"github.com/copyleftdev/PRISM/internal/refinement"
	"github.com/copyleftdev/PRISM/internal/refinement/prediction"
)

// ErrNoMatches is returned when no observation could be matched to a
// prediction.
var ErrNoMatches = errors.New("no observations matched")

// Weights are the weights of the X, Y and phi residuals of an observation,
// normally the inverse variances of the centroid.
type Weights struct {
	X   float64
	Y   float64
	Phi float64
}

// DefaultWeights balances mm against radians for a typical 0.1 mm
// centroid and 0.5 mrad rotation uncertainty.
var DefaultWeights = Weights{X: 100, Y: 100, Phi: 4e6}

// Observation is an observed centroid. Zero Weights mean DefaultWeights.
type Observation struct {
	H       refinement.Miller
	X       float64
	Y       float64
	Phi     float64
	Weights Weights
}

// FromExperiment converts simulated or described observations.
func FromExperiment(obs []experiment.Observation) []Observation {
	out := make([]Observation, len(obs))
	for i, o := range obs {
		out[i] = Observation{H: o.H, X: o.X, Y: o.Y, Phi: o.Phi}
	}
	return out
}

// RMSD holds the root mean square deviations of the matched residuals.
type RMSD struct {
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
	Phi float64 `json:"phi"`
}

// Result is one evaluation of the target.
type Result struct {
	// Value is Σ w·r² over the X, Y and phi residuals
	Value float64
	// Gradient is dValue/dp in parameter vector order
	Gradient []float64
	RMSD     RMSD
	// Matched counts the observations that contributed
	Matched int
	// Unpredicted counts observations with no prediction
	Unpredicted int
	// Degenerate counts observations skipped for degenerate geometry
	Degenerate int
}

// Target evaluates the least-squares target for a set of observations
// against the current model state of a DetectorSpace.
type Target struct {
	ds     *prediction.DetectorSpace
	pred   *experiment.Predictor
	obs    []Observation
	logger *zap.Logger
}

// New returns a target over obs. A nil logger disables logging.
func New(ds *prediction.DetectorSpace, obs []Observation, logger *zap.Logger) (*Target, error) {
	if len(obs) == 0 {
		return nil, ErrNoMatches
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Target{
		ds:     ds,
		pred:   experiment.NewPredictor(ds.Experiment()),
		obs:    obs,
		logger: logger.Named("target"),
	}, nil
}

// Observations returns the observations of the target.
func (t *Target) Observations() []Observation {
	return t.obs
}

// Compute matches every observation to the prediction nearest its
// rotation angle and returns the target value, gradient and RMSDs for the
// current parameter values. The geometry cache is rebuilt.
func (t *Target) Compute(ctx context.Context) (*Result, error) {
	res := &Result{Gradient: make([]float64, t.ds.TotalFreeParameters())}

	type match struct {
		w        Weights
		residual [3]float64
	}
	matches := make([]match, 0, len(t.obs))
	refls := make([]refinement.Reflection, 0, len(t.obs))
	for _, o := range t.obs {
		p, err := t.pred.PredictNear(o.H, o.Phi)
		if err != nil {
			if errors.Is(err, experiment.ErrNoIntersection) || errors.Is(err, experiment.ErrMissesDetector) {
				res.Unpredicted++
				continue
			}
			return nil, fmt.Errorf("predict %v: %w", o.H, err)
		}
		w := o.Weights
		if w == (Weights{}) {
			w = DefaultWeights
		}
		matches = append(matches, match{
			w:        w,
			residual: [3]float64{p.X - o.X, p.Y - o.Y, math.Remainder(p.Phi-o.Phi, 2*math.Pi)},
		})
		refls = append(refls, p.Reflection())
	}

	rows, err := t.ds.GradientsBatch(ctx, refls)
	var batchErr *refinement.BatchError
	switch {
	case errors.As(err, &batchErr):
		res.Degenerate = len(batchErr.Failures)
		t.logger.Debug("skipping degenerate reflections", zap.Int("count", res.Degenerate))
	case err != nil:
		return nil, err
	}

	// weighted residuals r and Jacobian J over the used reflections, so
	// that Value = rᵀr and Gradient = 2·Jᵀr
	n := t.ds.TotalFreeParameters()
	var (
		r        []float64
		jac      []float64
		dx, dy   []float64
		dphi     []float64
		rowCount int
	)
	for i, row := range rows {
		if row == nil {
			continue
		}
		m := matches[i]
		sx, sy, sp := math.Sqrt(m.w.X), math.Sqrt(m.w.Y), math.Sqrt(m.w.Phi)
		r = append(r, sx*m.residual[0], sy*m.residual[1], sp*m.residual[2])
		for _, g := range row {
			jac = append(jac, sx*g.DX)
		}
		for _, g := range row {
			jac = append(jac, sy*g.DY)
		}
		for _, g := range row {
			jac = append(jac, sp*g.DPhi)
		}
		dx = append(dx, m.residual[0])
		dy = append(dy, m.residual[1])
		dphi = append(dphi, m.residual[2])
		rowCount += 3
	}
	res.Matched = len(dx)
	if res.Matched == 0 {
		return nil, ErrNoMatches
	}

	res.Value = floats.Dot(r, r)
	if n > 0 {
		J := mat.NewDense(rowCount, n, jac)
		g := mat.NewVecDense(n, res.Gradient)
		g.MulVec(J.T(), mat.NewVecDense(rowCount, r))
		g.ScaleVec(2, g)
	}
	res.RMSD = RMSD{
		X:   rms(dx),
		Y:   rms(dy),
		Phi: rms(dphi),
	}
	return res, nil
}

func rms(v []float64) float64 {
	return math.Sqrt(floats.Dot(v, v) / float64(len(v)))
}
