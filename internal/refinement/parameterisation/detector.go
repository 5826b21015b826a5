package parameterisation

import (
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/copyleftdev/PRISM/internal/experiment"
	"github.com/copyleftdev/PRISM/internal/geometry"
	"github.com/copyleftdev/PRISM/internal/refinement"
)

const (
	detDist = iota
	detShift1
	detShift2
	detTau1
	detTau2
	detTau3
)

// DetectorPanel parameterises a single panel by a translation of its
// origin along the initial normal (Dist) and in-plane axes (Shift1, Shift2),
// in mm, and by rotations of its frame about the initial normal, fast and
// slow axes (Tau1, Tau2, Tau3), in mrad. All parameters start at zero.
type DetectorPanel struct {
	base
	panel *experiment.Panel

	fast0   r3.Vec
	slow0   r3.Vec
	normal0 r3.Vec
	origin0 r3.Vec
}

var _ refinement.DetectorParameterisation = (*DetectorPanel)(nil)

// NewDetectorPanel parameterises panel relative to its current frame.
func NewDetectorPanel(panel *experiment.Panel) *DetectorPanel {
	return &DetectorPanel{
		base: newBase(
			[]string{"Dist", "Shift1", "Shift2", "Tau1", "Tau2", "Tau3"},
			make([]float64, 6),
		),
		panel:   panel,
		fast0:   panel.Fast,
		slow0:   panel.Slow,
		normal0: panel.Normal(),
		origin0: panel.Origin,
	}
}

// SetParamVals sets the free parameters and moves the panel.
func (d *DetectorPanel) SetParamVals(vals []float64) error {
	if err := d.setFree(vals); err != nil {
		return err
	}
	frame := d.frame()
	d.panel.Fast = frame.MulVec(d.fast0)
	d.panel.Slow = frame.MulVec(d.slow0)
	d.panel.Origin = r3.Add(d.origin0, r3.Add(
		r3.Scale(d.value(detDist), d.normal0),
		r3.Add(r3.Scale(d.value(detShift1), r3.Unit(d.fast0)), r3.Scale(d.value(detShift2), r3.Unit(d.slow0))),
	))
	return nil
}

// frame is the rotation R(n0, τ1)·R(f0, τ2)·R(s0, τ3).
func (d *DetectorPanel) frame() *r3.Mat {
	r1, r2, r3m := d.rotations()
	return geometry.Mul(r1, r2, r3m)
}

func (d *DetectorPanel) rotations() (*r3.Mat, *r3.Mat, *r3.Mat) {
	return geometry.Rotation(d.normal0, mrad*d.value(detTau1)),
		geometry.Rotation(d.fast0, mrad*d.value(detTau2)),
		geometry.Rotation(d.slow0, mrad*d.value(detTau3))
}

// GetDsDp returns d(d matrix)/dp for the free parameters.
func (d *DetectorPanel) GetDsDp() []*r3.Mat {
	var zero r3.Vec
	r1, r2, r3m := d.rotations()
	dr1 := geometry.Scale(mrad, geometry.RotationDerivative(d.normal0, mrad*d.value(detTau1)))
	dr2 := geometry.Scale(mrad, geometry.RotationDerivative(d.fast0, mrad*d.value(detTau2)))
	dr3 := geometry.Scale(mrad, geometry.RotationDerivative(d.slow0, mrad*d.value(detTau3)))

	rotated := func(dframe *r3.Mat) *r3.Mat {
		return geometry.FromColumns(dframe.MulVec(d.fast0), dframe.MulVec(d.slow0), zero)
	}
	all := []*r3.Mat{
		geometry.FromColumns(zero, zero, d.normal0),
		geometry.FromColumns(zero, zero, r3.Unit(d.fast0)),
		geometry.FromColumns(zero, zero, r3.Unit(d.slow0)),
		rotated(geometry.Mul(dr1, r2, r3m)),
		rotated(geometry.Mul(r1, dr2, r3m)),
		rotated(geometry.Mul(r1, r2, dr3)),
	}
	return d.freeMatrices(all)
}
