// Package prediction groups the model parameterisations of one experiment
// into a single parameter vector and computes the derivatives of the
// reflection prediction equations with respect to every parameter in it.
//
// The parameter vector order is fixed: detector parameters, then beam,
// crystal orientation and crystal unit cell parameters. Within a group,
// models are concatenated in list order; within a model, parameters follow
// its GetParamVals order. Every gradient row uses the same order.
package prediction

import (
	"fmt"
	"sync/atomic"

	"github.com/copyleftdev/PRISM/internal/experiment"
	"github.com/copyleftdev/PRISM/internal/refinement"
)

// Group labels used to prefix parameter names.
const (
	DetectorLabel           = "Detector"
	BeamLabel               = "Beam"
	CrystalOrientationLabel = "CrystalOrientation"
	CrystalUnitCellLabel    = "CrystalUnitCell"
)

const component = "prediction"

// Parameterisation aggregates the parameterised models of an experiment.
// It holds non-owning references to the models and to the experiment they
// parameterise.
type Parameterisation struct {
	exp    *experiment.Experiment
	groups refinement.Groups
	length int
	cache  atomic.Pointer[GeometryCache]
}

// New returns an aggregate over groups, whose models must parameterise the
// models of exp.
func New(exp *experiment.Experiment, groups refinement.Groups) (*Parameterisation, error) {
	const op = "New"
	if err := exp.Validate(); err != nil {
		return nil, refinement.WrapError(err, "invalid experiment").WithOperation(op).WithComponent(component)
	}
	p := &Parameterisation{exp: exp, groups: groups}
	p.Recount()
	return p, nil
}

// Experiment returns the parameterised experiment.
func (p *Parameterisation) Experiment() *experiment.Experiment {
	return p.exp
}

// Groups returns the parameterised models.
func (p *Parameterisation) Groups() refinement.Groups {
	return p.groups
}

// Recount recomputes the total number of free parameters, for use after
// parameters of a contained model have been fixed or freed.
func (p *Parameterisation) Recount() int {
	n := 0
	for _, m := range p.models() {
		n += m.NumFree()
	}
	p.length = n
	return n
}

// TotalFreeParameters returns the number of free parameters across all
// models, as counted at construction or by the last Recount.
func (p *Parameterisation) TotalFreeParameters() int {
	return p.length
}

// GetParamVals returns the concatenated free parameter values.
func (p *Parameterisation) GetParamVals() []float64 {
	vals := make([]float64, 0, p.length)
	for _, m := range p.models() {
		vals = append(vals, m.GetParamVals()...)
	}
	return vals
}

// GetParamNames returns the parameter names in value order. Each name is
// prefixed with its group label and the index of its model in the group,
// e.g. "Detector0Dist".
func (p *Parameterisation) GetParamNames() []string {
	names := make([]string, 0, p.length)
	add := func(label string, i int, m refinement.ModelParameterisation) {
		for _, n := range m.GetParamNames() {
			names = append(names, fmt.Sprintf("%s%d%s", label, i, n))
		}
	}
	for i, m := range p.groups.Detector {
		add(DetectorLabel, i, m)
	}
	for i, m := range p.groups.Beam {
		add(BeamLabel, i, m)
	}
	for i, m := range p.groups.CrystalOrientation {
		add(CrystalOrientationLabel, i, m)
	}
	for i, m := range p.groups.CrystalUnitCell {
		add(CrystalUnitCellLabel, i, m)
	}
	return names
}

// SetParamVals hands each model its contiguous slice of vals, in vector
// order. vals must have TotalFreeParameters elements. A failure inside a
// model's setter is returned unchanged and leaves the models before it
// already updated; there is no rollback. Any geometry cache built before
// this call is stale afterwards.
func (p *Parameterisation) SetParamVals(vals []float64) error {
	const op = "Parameterisation.SetParamVals"
	if len(vals) != p.length {
		return refinement.ParameterCountError(len(vals), p.length).WithOperation(op).WithComponent(component)
	}

	offset := 0
	for _, m := range p.models() {
		n := m.NumFree()
		if offset+n > len(vals) {
			return refinement.ParameterCountError(len(vals), offset+n).WithOperation(op).WithComponent(component)
		}
		if err := m.SetParamVals(vals[offset : offset+n]); err != nil {
			return err
		}
		offset += n
	}
	return nil
}

// RebuildCache reads the current state of the experiment into a new
// GeometryCache and makes it the current one. It must be called after
// SetParamVals and before computing gradients that should see the update.
func (p *Parameterisation) RebuildCache() (*GeometryCache, error) {
	c, err := NewGeometryCache(p.exp)
	if err != nil {
		return nil, err
	}
	p.cache.Store(c)
	return c, nil
}

// Cache returns the cache built by the last RebuildCache, or nil.
func (p *Parameterisation) Cache() *GeometryCache {
	return p.cache.Load()
}

// models lists every model in parameter vector order.
func (p *Parameterisation) models() []refinement.ModelParameterisation {
	g := p.groups
	out := make([]refinement.ModelParameterisation, 0,
		len(g.Detector)+len(g.Beam)+len(g.CrystalOrientation)+len(g.CrystalUnitCell))
	for _, m := range g.Detector {
		out = append(out, m)
	}
	for _, m := range g.Beam {
		out = append(out, m)
	}
	for _, m := range g.CrystalOrientation {
		out = append(out, m)
	}
	for _, m := range g.CrystalUnitCell {
		out = append(out, m)
	}
	return out
}
