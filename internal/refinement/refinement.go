package refinement

import (
	"gonum.org/v1/gonum/spatial/r3"
)

// ModelParameterisation is the capability shared by every parameterised
// model: a list of free parameters that can be read, written and named.
type ModelParameterisation interface {
	// NumFree returns the number of free (unfixed) parameters
	NumFree() int

	// GetParamVals returns the free parameter values
	GetParamVals() []float64

	// SetParamVals sets the free parameter values and updates the
	// underlying model. It fails if len(vals) != NumFree().
	SetParamVals(vals []float64) error

	// GetParamNames returns the free parameter names, in value order
	GetParamNames() []string
}

// DetectorParameterisation parameterises a detector panel. GetDsDp returns
// the derivative of the panel's d matrix (columns fast, slow, origin) with
// respect to each free parameter.
type DetectorParameterisation interface {
	ModelParameterisation
	GetDsDp() []*r3.Mat
}

// BeamParameterisation parameterises the incident beam. GetDsDp returns
// ds0/dp for each free parameter.
type BeamParameterisation interface {
	ModelParameterisation
	GetDsDp() []r3.Vec
}

// CrystalOrientationParameterisation parameterises the crystal orientation
// matrix U. GetDsDp returns dU/dp for each free parameter.
type CrystalOrientationParameterisation interface {
	ModelParameterisation
	GetDsDp() []*r3.Mat
}

// CrystalUnitCellParameterisation parameterises the crystal metric matrix B.
// GetDsDp returns dB/dp for each free parameter.
type CrystalUnitCellParameterisation interface {
	ModelParameterisation
	GetDsDp() []*r3.Mat
}

// Miller is an integer reciprocal lattice index.
type Miller [3]int

// Vec returns h as a floating point vector.
func (h Miller) Vec() r3.Vec {
	return r3.Vec{X: float64(h[0]), Y: float64(h[1]), Z: float64(h[2])}
}

// IsZero reports whether h is the origin of the reciprocal lattice.
func (h Miller) IsZero() bool {
	return h == Miller{}
}

// Reflection is a matched reflection: Miller index, diffracted beam vector
// in the lab frame and the rotation angle (radians) at which it diffracts.
type Reflection struct {
	H   Miller
	S   r3.Vec
	Phi float64
}

// Gradient holds the derivatives of the predicted detector position and
// rotation angle with respect to one parameter.
type Gradient struct {
	DX   float64 `json:"dx"`
	DY   float64 `json:"dy"`
	DPhi float64 `json:"dphi"`
}

// GradientRow holds one Gradient per free parameter, in parameter vector
// order.
type GradientRow []Gradient

// Groups holds the parameterised models of each group, in the fixed order
// in which their parameters are concatenated. Any group may be empty.
type Groups struct {
	Detector           []DetectorParameterisation
	Beam               []BeamParameterisation
	CrystalOrientation []CrystalOrientationParameterisation
	CrystalUnitCell    []CrystalUnitCellParameterisation
}
