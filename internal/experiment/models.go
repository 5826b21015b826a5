// Package experiment holds the physical models of a rotation diffraction
// experiment (detector, beam, crystal and goniometer) and the reflection
// prediction equations that tie them together.
package experiment

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/copyleftdev/PRISM/internal/geometry"
)

var (
	// ErrNoPanels is returned when a detector has no panel to project onto.
	ErrNoPanels = errors.New("experiment: detector has no panels")

	// ErrInvalidCell is returned for unit cells with no real metric.
	ErrInvalidCell = errors.New("experiment: invalid unit cell")
)

// Panel is a flat detector sensor. Fast and Slow are the in-plane unit
// directions and Origin is the lab position of the panel's (0, 0) corner;
// together they form the columns of the panel's d matrix.
type Panel struct {
	Fast   r3.Vec
	Slow   r3.Vec
	Origin r3.Vec
}

// DMatrix returns the d matrix [fast | slow | origin].
func (p *Panel) DMatrix() *r3.Mat {
	return geometry.FromColumns(p.Fast, p.Slow, p.Origin)
}

// ProjectionMatrix returns D, the inverse of the d matrix, which maps a
// diffracted beam vector to the panel projection vector.
func (p *Panel) ProjectionMatrix() (*r3.Mat, error) {
	D, err := geometry.Inverse(p.DMatrix())
	if err != nil {
		return nil, fmt.Errorf("panel projection matrix: %w", err)
	}
	return D, nil
}

// Normal returns the unit normal of the panel plane.
func (p *Panel) Normal() r3.Vec {
	return r3.Unit(r3.Cross(p.Fast, p.Slow))
}

// Detector is a set of panels. Only panel 0 takes part in prediction and
// refinement.
type Detector struct {
	Panels []*Panel
}

// NewDetector returns a single panel detector.
func NewDetector(fast, slow, origin r3.Vec) *Detector {
	return &Detector{Panels: []*Panel{{Fast: fast, Slow: slow, Origin: origin}}}
}

// Panel returns panel i.
func (d *Detector) Panel(i int) (*Panel, error) {
	if d == nil || i < 0 || i >= len(d.Panels) || d.Panels[i] == nil {
		return nil, fmt.Errorf("%w: panel %d requested", ErrNoPanels, i)
	}
	return d.Panels[i], nil
}

// Beam is the incident beam. The length of S0 is the inverse wavelength.
type Beam struct {
	S0 r3.Vec
}

// NewBeam returns a beam travelling along direction with the given
// wavelength in Ångström.
func NewBeam(direction r3.Vec, wavelength float64) *Beam {
	return &Beam{S0: r3.Scale(1/wavelength, r3.Unit(direction))}
}

// Wavelength returns the beam wavelength.
func (b *Beam) Wavelength() float64 {
	return 1 / r3.Norm(b.S0)
}

// Direction returns the unit beam direction.
func (b *Beam) Direction() r3.Vec {
	return r3.Unit(b.S0)
}

// UnitCell holds real space cell edges (Å) and angles (degrees).
type UnitCell struct {
	A, B, C            float64
	Alpha, Beta, Gamma float64
}

// Metric returns the real space metric tensor G.
func (c UnitCell) Metric() *mat.SymDense {
	ca := math.Cos(c.Alpha * math.Pi / 180)
	cb := math.Cos(c.Beta * math.Pi / 180)
	cg := math.Cos(c.Gamma * math.Pi / 180)
	return mat.NewSymDense(3, []float64{
		c.A * c.A, c.A * c.B * cg, c.A * c.C * cb,
		c.A * c.B * cg, c.B * c.B, c.B * c.C * ca,
		c.A * c.C * cb, c.B * c.C * ca, c.C * c.C,
	})
}

// BMatrix returns the upper triangular B with Bᵀ·B equal to the reciprocal
// metric G⁻¹, so that |B·h| is the inverse d-spacing of h.
func (c UnitCell) BMatrix() (*r3.Mat, error) {
	var chol mat.Cholesky
	if ok := chol.Factorize(c.Metric()); !ok {
		return nil, fmt.Errorf("%w: %+v", ErrInvalidCell, c)
	}
	var recip mat.SymDense
	if err := chol.InverseTo(&recip); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCell, err)
	}
	var rchol mat.Cholesky
	if ok := rchol.Factorize(&recip); !ok {
		return nil, fmt.Errorf("%w: reciprocal metric not positive definite", ErrInvalidCell)
	}
	var u mat.TriDense
	rchol.UTo(&u)

	var B r3.Mat
	B.CloneFrom(&u)
	return &B, nil
}

// Crystal holds the orientation matrix U and the metric matrix B.
type Crystal struct {
	U *r3.Mat
	B *r3.Mat
}

// NewCrystal returns a crystal with the given cell and orientation. A nil
// orientation means the identity.
func NewCrystal(cell UnitCell, U *r3.Mat) (*Crystal, error) {
	B, err := cell.BMatrix()
	if err != nil {
		return nil, err
	}
	if U == nil {
		U = geometry.Identity()
	}
	return &Crystal{U: geometry.Clone(U), B: B}, nil
}

// UB returns the setting matrix U·B.
func (c *Crystal) UB() *r3.Mat {
	return geometry.Mul(c.U, c.B)
}

// Goniometer is a single axis goniometer.
type Goniometer struct {
	Axis r3.Vec
}

// NewGoniometer returns a goniometer rotating about the given axis.
func NewGoniometer(axis r3.Vec) *Goniometer {
	return &Goniometer{Axis: r3.Unit(axis)}
}

// RotationMatrix returns the rotation by phi radians about the axis.
func (g *Goniometer) RotationMatrix(phi float64) *r3.Mat {
	return geometry.Rotation(g.Axis, phi)
}

// Experiment bundles the models of one rotation experiment.
type Experiment struct {
	Detector   *Detector
	Beam       *Beam
	Crystal    *Crystal
	Goniometer *Goniometer
}

// Validate checks that all models are present.
func (e *Experiment) Validate() error {
	switch {
	case e == nil:
		return errors.New("experiment: nil experiment")
	case e.Detector == nil:
		return errors.New("experiment: missing detector")
	case e.Beam == nil:
		return errors.New("experiment: missing beam")
	case e.Crystal == nil || e.Crystal.U == nil || e.Crystal.B == nil:
		return errors.New("experiment: missing crystal")
	case e.Goniometer == nil:
		return errors.New("experiment: missing goniometer")
	}
	if _, err := e.Detector.Panel(0); err != nil {
		return err
	}
	return nil
}

// Clone returns a deep copy of the experiment, so that a copy can be
// parameterised and refined without touching the original.
func (e *Experiment) Clone() *Experiment {
	out := &Experiment{}
	if e.Detector != nil {
		out.Detector = &Detector{Panels: make([]*Panel, len(e.Detector.Panels))}
		for i, p := range e.Detector.Panels {
			if p != nil {
				cp := *p
				out.Detector.Panels[i] = &cp
			}
		}
	}
	if e.Beam != nil {
		b := *e.Beam
		out.Beam = &b
	}
	if e.Crystal != nil {
		out.Crystal = &Crystal{}
		if e.Crystal.U != nil {
			out.Crystal.U = geometry.Clone(e.Crystal.U)
		}
		if e.Crystal.B != nil {
			out.Crystal.B = geometry.Clone(e.Crystal.B)
		}
	}
	if e.Goniometer != nil {
		g := *e.Goniometer
		out.Goniometer = &g
	}
	return out
}
