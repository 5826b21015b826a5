package parameterisation

import (
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/copyleftdev/PRISM/internal/experiment"
	"github.com/copyleftdev/PRISM/internal/geometry"
	"github.com/copyleftdev/PRISM/internal/refinement"
)

const (
	beamMu1 = iota
	beamMu2
	beamWavelength
)

// BeamOrientation parameterises the incident beam by two small rotations
// (Mu1, Mu2, mrad) of its initial direction about orthogonal axes
// perpendicular to it, and by its wavelength (Å).
type BeamOrientation struct {
	base
	beam *experiment.Beam

	dir0 r3.Vec
	ax1  r3.Vec
	ax2  r3.Vec
}

var _ refinement.BeamParameterisation = (*BeamOrientation)(nil)

// NewBeamOrientation parameterises beam relative to its current direction.
func NewBeamOrientation(beam *experiment.Beam) *BeamOrientation {
	dir := beam.Direction()
	ax1, ax2 := geometry.Orthogonal(dir)
	return &BeamOrientation{
		base: newBase(
			[]string{"Mu1", "Mu2", "Wavelength"},
			[]float64{0, 0, beam.Wavelength()},
		),
		beam: beam,
		dir0: dir,
		ax1:  ax1,
		ax2:  ax2,
	}
}

// SetParamVals sets the free parameters and updates s0.
func (b *BeamOrientation) SetParamVals(vals []float64) error {
	if err := b.setFree(vals); err != nil {
		return err
	}
	r1, r2 := b.rotations()
	dir := r2.MulVec(r1.MulVec(b.dir0))
	b.beam.S0 = r3.Scale(1/b.value(beamWavelength), dir)
	return nil
}

func (b *BeamOrientation) rotations() (*r3.Mat, *r3.Mat) {
	return geometry.Rotation(b.ax1, mrad*b.value(beamMu1)),
		geometry.Rotation(b.ax2, mrad*b.value(beamMu2))
}

// GetDsDp returns ds0/dp for the free parameters.
func (b *BeamOrientation) GetDsDp() []r3.Vec {
	r1, r2 := b.rotations()
	dr1 := geometry.RotationDerivative(b.ax1, mrad*b.value(beamMu1))
	dr2 := geometry.RotationDerivative(b.ax2, mrad*b.value(beamMu2))
	wl := b.value(beamWavelength)
	k := 1 / wl

	dir := r2.MulVec(r1.MulVec(b.dir0))
	all := []r3.Vec{
		r3.Scale(k*mrad, r2.MulVec(dr1.MulVec(b.dir0))),
		r3.Scale(k*mrad, dr2.MulVec(r1.MulVec(b.dir0))),
		r3.Scale(-1/(wl*wl), dir),
	}
	return b.freeVectors(all)
}
