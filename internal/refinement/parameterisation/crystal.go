package parameterisation

import (
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/copyleftdev/PRISM/internal/experiment"
	"github.com/copyleftdev/PRISM/internal/geometry"
	"github.com/copyleftdev/PRISM/internal/refinement"
)

var (
	labX = r3.Vec{X: 1}
	labY = r3.Vec{Y: 1}
	labZ = r3.Vec{Z: 1}
)

// CrystalOrientation parameterises U as R(z, φ3)·R(y, φ2)·R(x, φ1)·U0 with
// the angles Phi1, Phi2, Phi3 in mrad about the lab axes.
type CrystalOrientation struct {
	base
	crystal *experiment.Crystal
	u0      *r3.Mat
}

var _ refinement.CrystalOrientationParameterisation = (*CrystalOrientation)(nil)

// NewCrystalOrientation parameterises the crystal's current orientation.
func NewCrystalOrientation(crystal *experiment.Crystal) *CrystalOrientation {
	return &CrystalOrientation{
		base:    newBase([]string{"Phi1", "Phi2", "Phi3"}, make([]float64, 3)),
		crystal: crystal,
		u0:      geometry.Clone(crystal.U),
	}
}

// SetParamVals sets the free parameters and updates U.
func (c *CrystalOrientation) SetParamVals(vals []float64) error {
	if err := c.setFree(vals); err != nil {
		return err
	}
	r1, r2, r3m := c.rotations()
	c.crystal.U = geometry.Mul(r3m, r2, r1, c.u0)
	return nil
}

func (c *CrystalOrientation) rotations() (*r3.Mat, *r3.Mat, *r3.Mat) {
	return geometry.Rotation(labX, mrad*c.value(0)),
		geometry.Rotation(labY, mrad*c.value(1)),
		geometry.Rotation(labZ, mrad*c.value(2))
}

// GetDsDp returns dU/dp for the free parameters.
func (c *CrystalOrientation) GetDsDp() []*r3.Mat {
	r1, r2, r3m := c.rotations()
	dr1 := geometry.Scale(mrad, geometry.RotationDerivative(labX, mrad*c.value(0)))
	dr2 := geometry.Scale(mrad, geometry.RotationDerivative(labY, mrad*c.value(1)))
	dr3 := geometry.Scale(mrad, geometry.RotationDerivative(labZ, mrad*c.value(2)))
	all := []*r3.Mat{
		geometry.Mul(r3m, r2, dr1, c.u0),
		geometry.Mul(r3m, dr2, r1, c.u0),
		geometry.Mul(dr3, r2, r1, c.u0),
	}
	return c.freeMatrices(all)
}

// upper triangle of B, row-major
var cellElements = [6][2]int{{0, 0}, {0, 1}, {0, 2}, {1, 1}, {1, 2}, {2, 2}}

// CrystalUnitCell parameterises B by its six upper triangle elements
// B11, B12, B13, B22, B23, B33 (Å⁻¹). The lower triangle is held at its
// initial value, which is zero for a B built from a unit cell.
type CrystalUnitCell struct {
	base
	crystal *experiment.Crystal
	b0      *r3.Mat
}

var _ refinement.CrystalUnitCellParameterisation = (*CrystalUnitCell)(nil)

// NewCrystalUnitCell parameterises the crystal's current B matrix.
func NewCrystalUnitCell(crystal *experiment.Crystal) *CrystalUnitCell {
	vals := make([]float64, len(cellElements))
	for i, ij := range cellElements {
		vals[i] = crystal.B.At(ij[0], ij[1])
	}
	return &CrystalUnitCell{
		base:    newBase([]string{"B11", "B12", "B13", "B22", "B23", "B33"}, vals),
		crystal: crystal,
		b0:      geometry.Clone(crystal.B),
	}
}

// SetParamVals sets the free parameters and updates B.
func (c *CrystalUnitCell) SetParamVals(vals []float64) error {
	if err := c.setFree(vals); err != nil {
		return err
	}
	B := geometry.Clone(c.b0)
	for i, ij := range cellElements {
		B.Set(ij[0], ij[1], c.value(i))
	}
	c.crystal.B = B
	return nil
}

// GetDsDp returns dB/dp for the free parameters.
func (c *CrystalUnitCell) GetDsDp() []*r3.Mat {
	all := make([]*r3.Mat, len(cellElements))
	for i, ij := range cellElements {
		var d r3.Mat
		d.Set(ij[0], ij[1], 1)
		all[i] = &d
	}
	return c.freeMatrices(all)
}
