// Package parameterisation provides model parameterisations for the
// detector, beam and crystal. Each parameterisation owns a list of named
// parameters, any of which may be fixed, and writes its state back into the
// experimental model whenever its values are set.
package parameterisation

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/copyleftdev/PRISM/internal/refinement"
)

// ErrUnknownParameter is returned when fixing or freeing a name the
// parameterisation does not have.
var ErrUnknownParameter = errors.New("unknown parameter")

// Angles are parameterised in mrad.
const mrad = 1e-3

// Parameter is a single model parameter.
type Parameter struct {
	Name  string
	Value float64
	Fixed bool
}

// base implements the bookkeeping shared by every parameterisation.
type base struct {
	params []Parameter
}

func newBase(names []string, values []float64) base {
	params := make([]Parameter, len(names))
	for i, n := range names {
		params[i] = Parameter{Name: n, Value: values[i]}
	}
	return base{params: params}
}

// NumFree returns the number of unfixed parameters.
func (b *base) NumFree() int {
	n := 0
	for _, p := range b.params {
		if !p.Fixed {
			n++
		}
	}
	return n
}

// GetParamVals returns the free parameter values.
func (b *base) GetParamVals() []float64 {
	vals := make([]float64, 0, len(b.params))
	for _, p := range b.params {
		if !p.Fixed {
			vals = append(vals, p.Value)
		}
	}
	return vals
}

// GetParamNames returns the free parameter names.
func (b *base) GetParamNames() []string {
	names := make([]string, 0, len(b.params))
	for _, p := range b.params {
		if !p.Fixed {
			names = append(names, p.Name)
		}
	}
	return names
}

// Parameters returns a copy of every parameter, fixed ones included.
func (b *base) Parameters() []Parameter {
	return append([]Parameter(nil), b.params...)
}

// Fix holds the named parameters at their current values.
func (b *base) Fix(names ...string) error {
	return b.setFixed(true, names)
}

// Free releases the named parameters for refinement.
func (b *base) Free(names ...string) error {
	return b.setFixed(false, names)
}

func (b *base) setFixed(fixed bool, names []string) error {
	for _, n := range names {
		i := b.index(n)
		if i < 0 {
			return fmt.Errorf("%w: %q", ErrUnknownParameter, n)
		}
		b.params[i].Fixed = fixed
	}
	return nil
}

func (b *base) index(name string) int {
	for i, p := range b.params {
		if p.Name == name {
			return i
		}
	}
	return -1
}

func (b *base) value(i int) float64 {
	return b.params[i].Value
}

// setFree copies vals into the free parameters in order.
func (b *base) setFree(vals []float64) error {
	if n := b.NumFree(); len(vals) != n {
		return refinement.ParameterCountError(len(vals), n)
	}
	j := 0
	for i := range b.params {
		if b.params[i].Fixed {
			continue
		}
		b.params[i].Value = vals[j]
		j++
	}
	return nil
}

func (b *base) freeMatrices(all []*r3.Mat) []*r3.Mat {
	out := make([]*r3.Mat, 0, len(all))
	for i, m := range all {
		if !b.params[i].Fixed {
			out = append(out, m)
		}
	}
	return out
}

func (b *base) freeVectors(all []r3.Vec) []r3.Vec {
	out := make([]r3.Vec, 0, len(all))
	for i, v := range all {
		if !b.params[i].Fixed {
			out = append(out, v)
		}
	}
	return out
}
