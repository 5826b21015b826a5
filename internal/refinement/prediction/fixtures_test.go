package prediction

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/copyleftdev/PRISM/internal/experiment"
	"github.com/copyleftdev/PRISM/internal/geometry"
	"github.com/copyleftdev/PRISM/internal/refinement"
	"github.com/copyleftdev/PRISM/internal/refinement/parameterisation"
)

const (
	fdStep      = 1e-6
	fdTolerance = 1e-4
)

// newTestExperiment returns a 1 Å beam along -z, a goniometer rotating
// about x and a 200 mm square panel 200 mm downstream, looking at a
// slightly misset triclinic crystal.
func newTestExperiment(t testing.TB) *experiment.Experiment {
	t.Helper()
	cell := experiment.UnitCell{A: 52.1, B: 61.7, C: 69.3, Alpha: 88.0, Beta: 93.5, Gamma: 91.2}
	U := geometry.Mul(
		geometry.Rotation(r3.Vec{Z: 1}, 0.31),
		geometry.Rotation(r3.Vec{Y: 1}, -0.22),
		geometry.Rotation(r3.Vec{X: 1}, 0.47),
	)
	crystal, err := experiment.NewCrystal(cell, U)
	require.NoError(t, err)
	return &experiment.Experiment{
		Detector:   experiment.NewDetector(r3.Vec{X: 1}, r3.Vec{Y: -1}, r3.Vec{X: -100, Y: 100, Z: -200}),
		Beam:       experiment.NewBeam(r3.Vec{Z: -1}, 1.0),
		Crystal:    crystal,
		Goniometer: experiment.NewGoniometer(r3.Vec{X: 1}),
	}
}

// testGroups returns the 2+3+3+6 parameterisation of exp: the detector
// refines only Dist and Tau1.
func testGroups(t testing.TB, exp *experiment.Experiment) refinement.Groups {
	t.Helper()
	panel, err := exp.Detector.Panel(0)
	require.NoError(t, err)
	det := parameterisation.NewDetectorPanel(panel)
	require.NoError(t, det.Fix("Shift1", "Shift2", "Tau2", "Tau3"))
	return refinement.Groups{
		Detector:           []refinement.DetectorParameterisation{det},
		Beam:               []refinement.BeamParameterisation{parameterisation.NewBeamOrientation(exp.Beam)},
		CrystalOrientation: []refinement.CrystalOrientationParameterisation{parameterisation.NewCrystalOrientation(exp.Crystal)},
		CrystalUnitCell:    []refinement.CrystalUnitCellParameterisation{parameterisation.NewCrystalUnitCell(exp.Crystal)},
	}
}

// testReflections predicts the low order reflections of exp and keeps the
// ones that are well away from the degenerate region and that hit the
// panel, so finite differences are well behaved.
func testReflections(t testing.TB, exp *experiment.Experiment, max int) []experiment.Prediction {
	t.Helper()
	pred := experiment.NewPredictor(exp)
	s0 := exp.Beam.S0
	e := exp.Goniometer.Axis

	var out []experiment.Prediction
	for _, h := range experiment.MillerRange(4) {
		preds, err := pred.Predict(h)
		if err != nil {
			continue
		}
		for _, p := range preds {
			r := r3.Sub(p.S1, s0)
			if math.Abs(r3.Dot(r3.Cross(e, r), s0)) < 5e-3 {
				continue
			}
			if math.Abs(p.X) > 300 || math.Abs(p.Y) > 300 {
				continue
			}
			out = append(out, p)
			if len(out) == max {
				return out
			}
		}
	}
	require.NotEmpty(t, out)
	return out
}

// numericGradient perturbs parameter i of ds by ±fdStep and returns the
// central differences of X, Y and phi of the prediction of h nearest phi.
func numericGradient(t testing.TB, ds *DetectorSpace, pred *experiment.Predictor, h refinement.Miller, phi float64, i int) refinement.Gradient {
	t.Helper()
	vals := ds.GetParamVals()
	at := func(delta float64) experiment.Prediction {
		v := append([]float64(nil), vals...)
		v[i] += delta
		require.NoError(t, ds.SetParamVals(v))
		p, err := pred.PredictNear(h, phi)
		require.NoError(t, err)
		return p
	}
	plus := at(fdStep)
	minus := at(-fdStep)
	require.NoError(t, ds.SetParamVals(vals))

	return refinement.Gradient{
		DX:   (plus.X - minus.X) / (2 * fdStep),
		DY:   (plus.Y - minus.Y) / (2 * fdStep),
		DPhi: math.Remainder(plus.Phi-minus.Phi, 2*math.Pi) / (2 * fdStep),
	}
}

func assertGradientClose(t testing.TB, want, got refinement.Gradient, msgAndArgs ...interface{}) {
	t.Helper()
	tol := func(v float64) float64 { return fdTolerance * math.Max(1, math.Abs(v)) }
	require.InDelta(t, want.DX, got.DX, tol(want.DX), msgAndArgs...)
	require.InDelta(t, want.DY, got.DY, tol(want.DY), msgAndArgs...)
	require.InDelta(t, want.DPhi, got.DPhi, tol(want.DPhi), msgAndArgs...)
}
