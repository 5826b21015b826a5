package parameterisation

import (
	"fmt"

	"github.com/copyleftdev/PRISM/internal/experiment"
	"github.com/copyleftdev/PRISM/internal/refinement"
)

// FromDescription parameterises the models of exp selected in d, fixing the
// parameters it names. Only panel 0 of the detector is parameterised.
func FromDescription(exp *experiment.Experiment, d experiment.ParameterisationDescription) (refinement.Groups, error) {
	var g refinement.Groups

	if d.Detector != nil {
		panel, err := exp.Detector.Panel(0)
		if err != nil {
			return g, err
		}
		p := NewDetectorPanel(panel)
		if err := p.Fix(d.Detector.Fix...); err != nil {
			return g, fmt.Errorf("detector: %w", err)
		}
		g.Detector = append(g.Detector, p)
	}
	if d.Beam != nil {
		p := NewBeamOrientation(exp.Beam)
		if err := p.Fix(d.Beam.Fix...); err != nil {
			return g, fmt.Errorf("beam: %w", err)
		}
		g.Beam = append(g.Beam, p)
	}
	if d.CrystalOrientation != nil {
		p := NewCrystalOrientation(exp.Crystal)
		if err := p.Fix(d.CrystalOrientation.Fix...); err != nil {
			return g, fmt.Errorf("crystal orientation: %w", err)
		}
		g.CrystalOrientation = append(g.CrystalOrientation, p)
	}
	if d.CrystalUnitCell != nil {
		p := NewCrystalUnitCell(exp.Crystal)
		if err := p.Fix(d.CrystalUnitCell.Fix...); err != nil {
			return g, fmt.Errorf("crystal unit cell: %w", err)
		}
		g.CrystalUnitCell = append(g.CrystalUnitCell, p)
	}
	return g, nil
}
