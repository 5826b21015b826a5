package prediction

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/copyleftdev/PRISM/internal/experiment"
	"github.com/copyleftdev/PRISM/internal/geometry"
	"github.com/copyleftdev/PRISM/internal/refinement"
)

// DefaultTolerance is the default threshold on |(e x r).s0| at or below
// which a reflection is treated as degenerate.
const DefaultTolerance = 1e-6

// Options configures a DetectorSpace.
type Options struct {
	// Tolerance is the degenerate geometry threshold on |(e x r).s0|
	Tolerance float64
	// Workers bounds the number of reflections GradientsBatch processes
	// concurrently. Values below 1 mean 1.
	Workers int
	// SkipDegenerate makes GradientsBatch leave a nil row for each
	// degenerate reflection and carry on, reporting them in a
	// *refinement.BatchError, instead of failing the batch.
	SkipDegenerate bool
}

// DefaultOptions returns sequential batch processing that fails on the
// first degenerate reflection.
func DefaultOptions() Options {
	return Options{
		Tolerance: DefaultTolerance,
		Workers:   1,
	}
}

// DetectorSpace computes derivatives of the predicted detector position
// (X, Y) and rotation angle phi of reflections.
//
// Only the first detector parameterisation contributes non-zero
// derivatives; the others are assumed to describe panels no reflection is
// attributed to.
type DetectorSpace struct {
	*Parameterisation
	opts Options
}

// NewDetectorSpace returns a gradient engine over the models in groups.
func NewDetectorSpace(exp *experiment.Experiment, groups refinement.Groups, opts Options) (*DetectorSpace, error) {
	p, err := New(exp, groups)
	if err != nil {
		return nil, err
	}
	if opts.Tolerance < 0 || math.IsNaN(opts.Tolerance) {
		return nil, refinement.NewErrorf("invalid tolerance %g", opts.Tolerance).
			WithOperation("NewDetectorSpace").WithComponent(component)
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &DetectorSpace{Parameterisation: p, opts: opts}, nil
}

// Options returns the options in effect.
func (ds *DetectorSpace) Options() Options {
	return ds.opts
}

// Gradients rebuilds the geometry cache and returns the gradient row of
// refl.
func (ds *DetectorSpace) Gradients(refl refinement.Reflection) (refinement.GradientRow, error) {
	c, err := ds.RebuildCache()
	if err != nil {
		return nil, err
	}
	return ds.GradientsWithCache(c, refl)
}

// GradientsWithCache returns the gradient row of refl against the given
// cache, which must have been built from the current model state. It is
// safe for concurrent use.
func (ds *DetectorSpace) GradientsWithCache(c *GeometryCache, refl refinement.Reflection) (refinement.GradientRow, error) {
	R := geometry.Rotation(c.Axis, refl.Phi)
	h := refl.H.Vec()
	r := R.MulVec(c.U.MulVec(c.B.MulVec(h)))
	eXr := r3.Cross(c.Axis, r)
	g := &reflectionGeometry{
		cache: c,
		R:     R,
		h:     h,
		s:     refl.S,
		pv:    c.D.MulVec(refl.S),
		r:     r,
		eXr:   eXr,
		eRS0:  r3.Dot(eXr, c.S0),
	}

	if math.Abs(g.eRS0) <= ds.opts.Tolerance {
		return nil, &refinement.DegenerateGeometryError{
			H:         refl.H,
			S:         refl.S,
			R:         r,
			Axis:      c.Axis,
			S0:        c.S0,
			U:         geometry.Elements(c.U),
			ERS0:      g.eRS0,
			Tolerance: ds.opts.Tolerance,
		}
	}

	acc := newAccumulator(ds.TotalFreeParameters())
	for i, m := range ds.groups.Detector {
		if i == 0 {
			detectorDerivatives(g, m.GetDsDp(), acc)
			continue
		}
		zeroDerivatives(m.NumFree(), acc)
	}
	for _, m := range ds.groups.Beam {
		beamDerivatives(g, m.GetDsDp(), acc)
	}
	for _, m := range ds.groups.CrystalOrientation {
		crystalOrientationDerivatives(g, m.GetDsDp(), acc)
	}
	for _, m := range ds.groups.CrystalUnitCell {
		crystalUnitCellDerivatives(g, m.GetDsDp(), acc)
	}

	row := make(refinement.GradientRow, len(acc.dpv))
	for i, d := range acc.dpv {
		dX, dY := PositionDerivatives(g.pv, d)
		row[i] = refinement.Gradient{DX: dX, DY: dY, DPhi: acc.dphi[i]}
	}
	return row, nil
}

// GradientsBatch rebuilds the geometry cache once and returns the gradient
// rows of refls in input order. The context is checked between
// reflections.
//
// With SkipDegenerate set, degenerate reflections get a nil row and the
// rows are returned together with a *refinement.BatchError listing them.
func (ds *DetectorSpace) GradientsBatch(ctx context.Context, refls []refinement.Reflection) ([]refinement.GradientRow, error) {
	c, err := ds.RebuildCache()
	if err != nil {
		return nil, err
	}

	rows := make([]refinement.GradientRow, len(refls))
	var (
		mu       sync.Mutex
		failures map[int]error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ds.opts.Workers)
	for i := range refls {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			row, err := ds.GradientsWithCache(c, refls[i])
			if err != nil {
				if ds.opts.SkipDegenerate && errors.Is(err, refinement.ErrDegenerateGeometry) {
					mu.Lock()
					if failures == nil {
						failures = make(map[int]error)
					}
					failures[i] = err
					mu.Unlock()
					return nil
				}
				return fmt.Errorf("reflection %d: %w", i, err)
			}
			rows[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(failures) > 0 {
		return rows, &refinement.BatchError{Failures: failures}
	}
	return rows, nil
}
