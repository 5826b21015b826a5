package target

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/copyleftdev/PRISM/internal/experiment"
	"github.com/copyleftdev/PRISM/internal/geometry"
	"github.com/copyleftdev/PRISM/internal/refinement"
	"github.com/copyleftdev/PRISM/internal/refinement/parameterisation"
	"github.com/copyleftdev/PRISM/internal/refinement/prediction"
)

func newExperiment(t *testing.T) *experiment.Experiment {
	t.Helper()
	crystal, err := experiment.NewCrystal(
		experiment.UnitCell{A: 48.5, B: 62.3, C: 71.0, Alpha: 90, Beta: 90, Gamma: 90},
		geometry.Rotation(r3.Vec{X: 0.2, Y: 1, Z: -0.4}, 0.9),
	)
	require.NoError(t, err)
	return &experiment.Experiment{
		Detector:   experiment.NewDetector(r3.Vec{X: 1}, r3.Vec{Y: -1}, r3.Vec{X: -100, Y: 100, Z: -200}),
		Beam:       experiment.NewBeam(r3.Vec{Z: -1}, 1.0),
		Crystal:    crystal,
		Goniometer: experiment.NewGoniometer(r3.Vec{X: 1}),
	}
}

func newDetectorSpace(t *testing.T, exp *experiment.Experiment) *prediction.DetectorSpace {
	t.Helper()
	groups := refinement.Groups{
		CrystalOrientation: []refinement.CrystalOrientationParameterisation{
			parameterisation.NewCrystalOrientation(exp.Crystal),
		},
	}
	opts := prediction.DefaultOptions()
	opts.SkipDegenerate = true
	ds, err := prediction.NewDetectorSpace(exp, groups, opts)
	require.NoError(t, err)
	return ds
}

func TestTarget_ZeroAtTruth(t *testing.T) {
	exp := newExperiment(t)
	obs, err := experiment.Simulate(exp, experiment.MillerRange(3), experiment.Noise{})
	require.NoError(t, err)

	ds := newDetectorSpace(t, exp)
	tg, err := New(ds, FromExperiment(obs), zaptest.NewLogger(t))
	require.NoError(t, err)

	res, err := tg.Compute(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0, res.Value, 1e-12)
	assert.InDelta(t, 0, res.RMSD.X, 1e-9)
	assert.InDelta(t, 0, res.RMSD.Y, 1e-9)
	assert.InDelta(t, 0, res.RMSD.Phi, 1e-9)
	assert.Len(t, res.Gradient, 3)
	assert.Equal(t, len(obs), res.Matched+res.Degenerate)
	for _, g := range res.Gradient {
		assert.InDelta(t, 0, g, 1e-6)
	}
}

func TestTarget_GradientMatchesFiniteDifference(t *testing.T) {
	exp := newExperiment(t)
	obs, err := experiment.Simulate(exp, experiment.MillerRange(3), experiment.Noise{})
	require.NoError(t, err)

	ds := newDetectorSpace(t, exp)
	require.NoError(t, ds.SetParamVals([]float64{0.5, -0.3, 0.8}))

	tg, err := New(ds, FromExperiment(obs), nil)
	require.NoError(t, err)
	res, err := tg.Compute(context.Background())
	require.NoError(t, err)
	require.Greater(t, res.Value, 0.0)

	const h = 1e-5
	x0 := ds.GetParamVals()
	for i := range x0 {
		x := append([]float64(nil), x0...)
		x[i] += h
		require.NoError(t, ds.SetParamVals(x))
		plus, err := tg.Compute(context.Background())
		require.NoError(t, err)
		x[i] -= 2 * h
		require.NoError(t, ds.SetParamVals(x))
		minus, err := tg.Compute(context.Background())
		require.NoError(t, err)

		// the match set must not change under the perturbation
		require.Equal(t, res.Matched, plus.Matched)
		require.Equal(t, res.Matched, minus.Matched)
		want := (plus.Value - minus.Value) / (2 * h)
		assert.InDelta(t, want, res.Gradient[i], 1e-4*math.Max(1, math.Abs(want)), "param %d", i)
	}
}

func TestTarget_Weights(t *testing.T) {
	exp := newExperiment(t)
	pred := experiment.NewPredictor(exp)
	var obs []Observation
	for _, h := range experiment.MillerRange(2) {
		preds, err := pred.Predict(h)
		if err != nil {
			continue
		}
		p := preds[0]
		obs = append(obs, Observation{H: h, X: p.X + 0.2, Y: p.Y, Phi: p.Phi, Weights: Weights{X: 2, Y: 1, Phi: 1}})
		if len(obs) == 5 {
			break
		}
	}
	require.Len(t, obs, 5)

	ds := newDetectorSpace(t, exp)
	tg, err := New(ds, obs, nil)
	require.NoError(t, err)
	res, err := tg.Compute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, res.Matched)
	assert.InDelta(t, 5*2*0.04, res.Value, 1e-9)
	assert.InDelta(t, 0.2, res.RMSD.X, 1e-9)
}

func TestTarget_Unpredicted(t *testing.T) {
	exp := newExperiment(t)
	ds := newDetectorSpace(t, exp)

	_, err := New(ds, nil, nil)
	assert.ErrorIs(t, err, ErrNoMatches)

	obs := []Observation{{H: refinement.Miller{}}, {H: refinement.Miller{300, 0, 0}}}
	tg, err := New(ds, obs, nil)
	require.NoError(t, err)
	_, err = tg.Compute(context.Background())
	assert.ErrorIs(t, err, ErrNoMatches)
}

func TestFromExperiment(t *testing.T) {
	in := []experiment.Observation{{H: refinement.Miller{1, 2, 3}, X: 1, Y: 2, Phi: 0.3}}
	assert.Equal(t, []Observation{{H: refinement.Miller{1, 2, 3}, X: 1, Y: 2, Phi: 0.3}}, FromExperiment(in))
}
