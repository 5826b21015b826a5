package experiment

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/copyleftdev/PRISM/internal/refinement"
)

var (
	// ErrNoIntersection is returned when a reciprocal lattice point never
	// crosses the Ewald sphere during the rotation.
	ErrNoIntersection = errors.New("experiment: reflection does not intersect the Ewald sphere")

	// ErrMissesDetector is returned when the diffracted beam does not meet
	// the plane of panel 0 in front of the sample.
	ErrMissesDetector = errors.New("experiment: diffracted beam misses the detector")
)

// Prediction is a predicted reflection: where and when h diffracts.
type Prediction struct {
	H refinement.Miller
	// S1 is the diffracted beam vector
	S1  r3.Vec
	Phi float64
	// X and Y are panel coordinates in mm
	X float64
	Y float64
}

// Reflection returns the prediction as a matched reflection.
func (p Prediction) Reflection() refinement.Reflection {
	return refinement.Reflection{H: p.H, S: p.S1, Phi: p.Phi}
}

// Predictor evaluates the rotation-method prediction equations against the
// current state of an experiment's models.
type Predictor struct {
	exp *Experiment
}

// NewPredictor returns a predictor reading from exp. The models are read on
// every call, so parameter updates are seen without rebuilding.
func NewPredictor(exp *Experiment) *Predictor {
	return &Predictor{exp: exp}
}

// Predict returns every rotation angle in (-π, π] at which h satisfies the
// diffraction condition |s0 + R(φ)·U·B·h| = |s0|, with the detector impact
// of each. Solutions whose diffracted beam misses panel 0 are dropped; if
// all do, ErrMissesDetector is returned.
func (p *Predictor) Predict(h refinement.Miller) ([]Prediction, error) {
	phis, err := p.angles(h)
	if err != nil {
		return nil, err
	}
	out := make([]Prediction, 0, len(phis))
	var lastErr error
	for _, phi := range phis {
		pred, err := p.at(h, phi)
		if err != nil {
			lastErr = err
			continue
		}
		out = append(out, pred)
	}
	if len(out) == 0 {
		return nil, lastErr
	}
	return out, nil
}

// PredictNear returns the solution for h whose rotation angle is closest to
// phi.
func (p *Predictor) PredictNear(h refinement.Miller, phi float64) (Prediction, error) {
	preds, err := p.Predict(h)
	if err != nil {
		return Prediction{}, err
	}
	best := preds[0]
	for _, pr := range preds[1:] {
		if angularDistance(pr.Phi, phi) < angularDistance(best.Phi, phi) {
			best = pr
		}
	}
	return best, nil
}

// angles solves b·cos φ + c·sin φ = k, the diffraction condition written
// with r0 = U·B·h split into components along and across the axis.
func (p *Predictor) angles(h refinement.Miller) ([]float64, error) {
	if h.IsZero() {
		return nil, fmt.Errorf("%w: %v", ErrNoIntersection, h)
	}
	e := p.exp.Goniometer.Axis
	s0 := p.exp.Beam.S0
	r0 := p.exp.Crystal.UB().MulVec(h.Vec())

	rPar := r3.Scale(r3.Dot(r0, e), e)
	rPerp := r3.Sub(r0, rPar)

	a := r3.Dot(s0, rPar)
	b := r3.Dot(s0, rPerp)
	c := r3.Dot(s0, r3.Cross(e, rPerp))
	k := -(a + 0.5*r3.Norm2(r0))

	rho := math.Hypot(b, c)
	if rho == 0 || math.Abs(k) > rho {
		return nil, fmt.Errorf("%w: %v", ErrNoIntersection, h)
	}

	phi0 := math.Atan2(c, b)
	delta := math.Acos(k / rho)
	if delta == 0 {
		return []float64{wrap(phi0)}, nil
	}
	return []float64{wrap(phi0 - delta), wrap(phi0 + delta)}, nil
}

func (p *Predictor) at(h refinement.Miller, phi float64) (Prediction, error) {
	panel, err := p.exp.Detector.Panel(0)
	if err != nil {
		return Prediction{}, err
	}
	D, err := panel.ProjectionMatrix()
	if err != nil {
		return Prediction{}, err
	}
	R := p.exp.Goniometer.RotationMatrix(phi)
	r := R.MulVec(p.exp.Crystal.UB().MulVec(h.Vec()))
	s1 := r3.Add(p.exp.Beam.S0, r)

	pv := D.MulVec(s1)
	if pv.Z <= 0 {
		return Prediction{}, fmt.Errorf("%w: %v at phi=%g", ErrMissesDetector, h, phi)
	}
	return Prediction{
		H:   h,
		S1:  s1,
		Phi: phi,
		X:   pv.X / pv.Z,
		Y:   pv.Y / pv.Z,
	}, nil
}

// wrap maps an angle into (-π, π].
func wrap(a float64) float64 {
	a = math.Remainder(a, 2*math.Pi)
	if a <= -math.Pi {
		a += 2 * math.Pi
	}
	return a
}

func angularDistance(a, b float64) float64 {
	return math.Abs(wrap(a - b))
}
