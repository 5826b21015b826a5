package prediction

import "gonum.org/v1/gonum/spatial/r3"

// PositionDerivatives converts the derivative dpv of a projection vector
// pv = (u, v, w) into derivatives of the detector coordinates X = u/w and
// Y = v/w by the quotient rule.
func PositionDerivatives(pv, dpv r3.Vec) (dX, dY float64) {
	w2 := pv.Z * pv.Z
	dX = dpv.X/pv.Z - pv.X*dpv.Z/w2
	dY = dpv.Y/pv.Z - pv.Y*dpv.Z/w2
	return dX, dY
}
