package experiment

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/copyleftdev/PRISM/internal/geometry"
	"github.com/copyleftdev/PRISM/internal/refinement"
)

// Description is the serialisable form of an experiment, the
// parameterisations requested for it, and the reflections to work on.
// It is read from YAML files and from JSON request bodies.
type Description struct {
	Beam             BeamDescription             `yaml:"beam" json:"beam"`
	Goniometer       GoniometerDescription       `yaml:"goniometer" json:"goniometer"`
	Detector         DetectorDescription         `yaml:"detector" json:"detector"`
	Crystal          CrystalDescription          `yaml:"crystal" json:"crystal"`
	Parameterisation ParameterisationDescription `yaml:"parameterisation" json:"parameterisation"`
	Reflections      []refinement.Miller         `yaml:"reflections" json:"reflections"`
	Observations     []ObservationDescription    `yaml:"observations" json:"observations"`
}

// BeamDescription describes the incident beam.
type BeamDescription struct {
	Direction  []float64 `yaml:"direction" json:"direction"`
	Wavelength float64   `yaml:"wavelength" json:"wavelength"`
}

// GoniometerDescription describes the rotation axis.
type GoniometerDescription struct {
	Axis []float64 `yaml:"axis" json:"axis"`
}

// DetectorDescription lists the detector panels.
type DetectorDescription struct {
	Panels []PanelDescription `yaml:"panels" json:"panels"`
}

// PanelDescription describes one panel frame in mm.
type PanelDescription struct {
	Fast   []float64 `yaml:"fast" json:"fast"`
	Slow   []float64 `yaml:"slow" json:"slow"`
	Origin []float64 `yaml:"origin" json:"origin"`
}

// CrystalDescription gives the unit cell as a, b, c, α, β, γ and an
// optional row-major orientation matrix.
type CrystalDescription struct {
	UnitCell    []float64 `yaml:"unit_cell" json:"unit_cell"`
	Orientation []float64 `yaml:"orientation,omitempty" json:"orientation,omitempty"`
}

// ParameterisationDescription selects which model groups are refined.
type ParameterisationDescription struct {
	Detector           *GroupDescription `yaml:"detector,omitempty" json:"detector,omitempty"`
	Beam               *GroupDescription `yaml:"beam,omitempty" json:"beam,omitempty"`
	CrystalOrientation *GroupDescription `yaml:"crystal_orientation,omitempty" json:"crystal_orientation,omitempty"`
	CrystalUnitCell    *GroupDescription `yaml:"crystal_unit_cell,omitempty" json:"crystal_unit_cell,omitempty"`
}

// GroupDescription enables one model parameterisation and names the
// parameters held fixed.
type GroupDescription struct {
	Fix []string `yaml:"fix,omitempty" json:"fix,omitempty"`
}

// ObservationDescription is an observed centroid.
type ObservationDescription struct {
	H   refinement.Miller `yaml:"h" json:"h"`
	X   float64           `yaml:"x" json:"x"`
	Y   float64           `yaml:"y" json:"y"`
	Phi float64           `yaml:"phi" json:"phi"`
}

// LoadDescription reads a YAML (or JSON) description from path.
func LoadDescription(path string) (*Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read description: %w", err)
	}
	return ParseDescription(data)
}

// ParseDescription decodes a YAML (or JSON) description.
func ParseDescription(data []byte) (*Description, error) {
	var d Description
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse description: %w", err)
	}
	return &d, nil
}

// Build constructs the experiment models described by d.
func (d *Description) Build() (*Experiment, error) {
	dir, err := geometry.Direction(d.Beam.Direction)
	if err != nil {
		return nil, fmt.Errorf("beam direction: %w", err)
	}
	if !(d.Beam.Wavelength > 0) || math.IsInf(d.Beam.Wavelength, 1) {
		return nil, fmt.Errorf("beam wavelength must be positive, got %g", d.Beam.Wavelength)
	}
	axis, err := geometry.Direction(d.Goniometer.Axis)
	if err != nil {
		return nil, fmt.Errorf("goniometer axis: %w", err)
	}

	det := &Detector{}
	for i, pd := range d.Detector.Panels {
		var p Panel
		if p.Fast, err = geometry.Direction(pd.Fast); err != nil {
			return nil, fmt.Errorf("panel %d fast axis: %w", i, err)
		}
		if p.Slow, err = geometry.Direction(pd.Slow); err != nil {
			return nil, fmt.Errorf("panel %d slow axis: %w", i, err)
		}
		if p.Origin, err = geometry.Vec(pd.Origin); err != nil {
			return nil, fmt.Errorf("panel %d origin: %w", i, err)
		}
		det.Panels = append(det.Panels, &p)
	}

	if len(d.Crystal.UnitCell) != 6 {
		return nil, fmt.Errorf("%w: expected 6 cell parameters, got %d", ErrInvalidCell, len(d.Crystal.UnitCell))
	}
	uc := d.Crystal.UnitCell
	for _, x := range uc {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("%w: non-finite cell parameter %g", ErrInvalidCell, x)
		}
	}
	cell := UnitCell{A: uc[0], B: uc[1], C: uc[2], Alpha: uc[3], Beta: uc[4], Gamma: uc[5]}

	var U = geometry.Identity()
	if len(d.Crystal.Orientation) > 0 {
		if len(d.Crystal.Orientation) != 9 {
			return nil, fmt.Errorf("crystal orientation: expected 9 elements, got %d", len(d.Crystal.Orientation))
		}
		for _, x := range d.Crystal.Orientation {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return nil, fmt.Errorf("crystal orientation: non-finite element %g", x)
			}
		}
		U = geometry.FromRows(d.Crystal.Orientation)
	}
	xl, err := NewCrystal(cell, U)
	if err != nil {
		return nil, err
	}

	exp := &Experiment{
		Detector:   det,
		Beam:       NewBeam(dir, d.Beam.Wavelength),
		Crystal:    xl,
		Goniometer: NewGoniometer(axis),
	}
	if err := exp.Validate(); err != nil {
		return nil, err
	}
	return exp, nil
}

// ObservationList converts the described observations.
func (d *Description) ObservationList() []Observation {
	out := make([]Observation, len(d.Observations))
	for i, o := range d.Observations {
		out[i] = Observation{H: o.H, X: o.X, Y: o.Y, Phi: o.Phi}
	}
	return out
}
