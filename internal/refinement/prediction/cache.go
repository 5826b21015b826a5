package prediction

import (
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/copyleftdev/PRISM/internal/experiment"
	"github.com/copyleftdev/PRISM/internal/geometry"
	"github.com/copyleftdev/PRISM/internal/refinement"
)

// GeometryCache is a snapshot of the reflection independent quantities of
// an experiment. It is never modified after construction and goes stale as
// soon as any underlying model changes.
type GeometryCache struct {
	// D is the projection matrix of panel 0
	D *r3.Mat
	// S0 is the incident beam vector
	S0 r3.Vec
	// U is the crystal orientation matrix
	U *r3.Mat
	// B is the crystal metric matrix
	B *r3.Mat
	// Axis is the goniometer rotation axis
	Axis r3.Vec
}

// NewGeometryCache reads the current state of exp. Only panel 0 of the
// detector is read. No physical plausibility checks are made.
func NewGeometryCache(exp *experiment.Experiment) (*GeometryCache, error) {
	const op = "NewGeometryCache"
	panel, err := exp.Detector.Panel(0)
	if err != nil {
		return nil, refinement.WrapError(err, "read detector").WithOperation(op).WithComponent(component)
	}
	D, err := panel.ProjectionMatrix()
	if err != nil {
		return nil, refinement.WrapError(err, "read detector").WithOperation(op).WithComponent(component)
	}
	return &GeometryCache{
		D:    D,
		S0:   exp.Beam.S0,
		U:    geometry.Clone(exp.Crystal.U),
		B:    geometry.Clone(exp.Crystal.B),
		Axis: exp.Goniometer.Axis,
	}, nil
}
