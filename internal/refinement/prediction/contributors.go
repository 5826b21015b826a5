package prediction

import (
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/copyleftdev/PRISM/internal/geometry"
)

// reflectionGeometry holds the per-reflection quantities shared by every
// contributor.
type reflectionGeometry struct {
	cache *GeometryCache
	R     *r3.Mat
	h     r3.Vec
	s     r3.Vec
	pv    r3.Vec
	r     r3.Vec
	eXr   r3.Vec
	eRS0  float64
}

// accumulator collects pv and phi derivatives in parameter vector order.
type accumulator struct {
	dpv  []r3.Vec
	dphi []float64
}

func newAccumulator(n int) *accumulator {
	return &accumulator{
		dpv:  make([]r3.Vec, 0, n),
		dphi: make([]float64, 0, n),
	}
}

func (a *accumulator) add(dpv r3.Vec, dphi float64) {
	a.dpv = append(a.dpv, dpv)
	a.dphi = append(a.dphi, dphi)
}

// detectorDerivatives appends -D·dd·pv for each derivative of the panel d
// matrix. Phi does not depend on the detector.
func detectorDerivatives(g *reflectionGeometry, dd []*r3.Mat, acc *accumulator) {
	for _, d := range dd {
		dpv := r3.Scale(-1, g.cache.D.MulVec(d.MulVec(g.pv)))
		acc.add(dpv, 0)
	}
}

// zeroDerivatives appends n zero entries, for detector models other than
// the first.
func zeroDerivatives(n int, acc *accumulator) {
	for i := 0; i < n; i++ {
		acc.add(r3.Vec{}, 0)
	}
}

func beamDerivatives(g *reflectionGeometry, ds0 []r3.Vec, acc *accumulator) {
	for _, d := range ds0 {
		dphi := -r3.Dot(g.r, d) / g.eRS0
		dpv := g.cache.D.MulVec(r3.Add(r3.Scale(dphi, g.eXr), d))
		acc.add(dpv, dphi)
	}
}

func crystalOrientationDerivatives(g *reflectionGeometry, dU []*r3.Mat, acc *accumulator) {
	Bh := g.cache.B.MulVec(g.h)
	dr := make([]r3.Vec, len(dU))
	for i, d := range dU {
		dr[i] = g.R.MulVec(d.MulVec(Bh))
	}
	reciprocalDerivatives(g, dr, acc)
}

func crystalUnitCellDerivatives(g *reflectionGeometry, dB []*r3.Mat, acc *accumulator) {
	RU := geometry.Mul(g.R, g.cache.U)
	dr := make([]r3.Vec, len(dB))
	for i, d := range dB {
		dr[i] = RU.MulVec(d.MulVec(g.h))
	}
	reciprocalDerivatives(g, dr, acc)
}

// reciprocalDerivatives converts derivatives of the lab frame reciprocal
// lattice vector into pv and phi derivatives.
func reciprocalDerivatives(g *reflectionGeometry, dr []r3.Vec, acc *accumulator) {
	for _, d := range dr {
		dphi := -r3.Dot(d, g.s) / g.eRS0
		dpv := g.cache.D.MulVec(r3.Add(d, r3.Scale(dphi, g.eXr)))
		acc.add(dpv, dphi)
	}
}
