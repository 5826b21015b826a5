// Package geometry provides the small set of 3D operations shared by the
// experimental models and their parameterisations.
package geometry

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// ErrSingular is returned when a matrix that must be inverted is singular.
var ErrSingular = errors.New("geometry: singular matrix")

// Rotation returns the right-handed rotation matrix for angle (radians)
// about axis. The axis need not be normalised.
func Rotation(axis r3.Vec, angle float64) *r3.Mat {
	return r3.NewRotation(angle, axis).Mat()
}

// RotationDerivative returns dR/dangle for Rotation(axis, angle), which is
// [e]x R for the unit axis e.
func RotationDerivative(axis r3.Vec, angle float64) *r3.Mat {
	var k r3.Mat
	k.Skew(r3.Unit(axis))
	var d r3.Mat
	d.Mul(&k, Rotation(axis, angle))
	return &d
}

// FromColumns builds a matrix whose columns are c0, c1 and c2.
func FromColumns(c0, c1, c2 r3.Vec) *r3.Mat {
	return r3.NewMat([]float64{
		c0.X, c1.X, c2.X,
		c0.Y, c1.Y, c2.Y,
		c0.Z, c1.Z, c2.Z,
	})
}

// FromRows builds a matrix from nine row-major elements. The slice is
// copied.
func FromRows(v []float64) *r3.Mat {
	data := make([]float64, 9)
	copy(data, v)
	return r3.NewMat(data)
}

// Identity returns a fresh 3x3 identity matrix.
func Identity() *r3.Mat {
	return r3.NewMat([]float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}

// Mul returns the product of the given matrices, left to right.
func Mul(ms ...*r3.Mat) *r3.Mat {
	out := Identity()
	for _, m := range ms {
		var p r3.Mat
		p.Mul(out, m)
		out = &p
	}
	return out
}

// Scale returns f*m as a new matrix.
func Scale(f float64, m *r3.Mat) *r3.Mat {
	var s r3.Mat
	s.Scale(f, m)
	return &s
}

// Clone returns a copy of m.
func Clone(m *r3.Mat) *r3.Mat {
	var c r3.Mat
	c.CloneFrom(m)
	return &c
}

// Inverse returns the inverse of m.
func Inverse(m *r3.Mat) (*r3.Mat, error) {
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingular, err)
	}
	var out r3.Mat
	out.CloneFrom(&inv)
	return &out, nil
}

// Elements returns the nine elements of m in row-major order.
func Elements(m *r3.Mat) []float64 {
	out := make([]float64, 0, 9)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out = append(out, m.At(i, j))
		}
	}
	return out
}

// Vec builds a vector from a three element slice.
func Vec(v []float64) (r3.Vec, error) {
	if len(v) != 3 {
		return r3.Vec{}, fmt.Errorf("geometry: expected 3 components, got %d", len(v))
	}
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return r3.Vec{}, fmt.Errorf("geometry: non-finite component %g", x)
		}
	}
	return r3.Vec{X: v[0], Y: v[1], Z: v[2]}, nil
}

// Direction is like Vec but also rejects the zero vector, so the result
// can be normalised.
func Direction(v []float64) (r3.Vec, error) {
	d, err := Vec(v)
	if err != nil {
		return r3.Vec{}, err
	}
	if r3.Norm(d) == 0 {
		return r3.Vec{}, errors.New("geometry: zero-length direction")
	}
	return d, nil
}

// Slice returns the components of v.
func Slice(v r3.Vec) []float64 {
	return []float64{v.X, v.Y, v.Z}
}

// Orthogonal returns two unit vectors that form a right-handed orthonormal
// basis with the direction of v.
func Orthogonal(v r3.Vec) (r3.Vec, r3.Vec) {
	u := r3.Unit(v)
	ref := r3.Vec{X: 1}
	if math.Abs(u.X) > 0.9 {
		ref = r3.Vec{Y: 1}
	}
	a := r3.Unit(r3.Cross(u, ref))
	b := r3.Cross(u, a)
	return a, b
}
