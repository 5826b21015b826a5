// Package refinery drives the minimisation of a least-squares target over
// the parameters of a prediction parameterisation.
package refinery

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"

	"github.com/copyleftdev/PRISM/internal/refinement"
	"github.com/copyleftdev/PRISM/internal/refinement/prediction"
	"github.com/copyleftdev/PRISM/internal/refinement/target"
)

// Config holds configuration for a refinement run.
type Config struct {
	// MaxIterations limits the number of major iterations. Zero means no
	// limit.
	MaxIterations int
	// GradientThreshold stops the run once the infinity norm of the target
	// gradient drops below it.
	GradientThreshold float64
	// FunctionConvergence is the absolute target improvement below which
	// ConvergenceIterations iterations in a row end the run.
	FunctionConvergence   float64
	ConvergenceIterations int
}

// DefaultConfig returns the default refinement configuration.
func DefaultConfig() Config {
	return Config{
		MaxIterations:         200,
		GradientThreshold:     1e-10,
		FunctionConvergence:   1e-12,
		ConvergenceIterations: 10,
	}
}

// Step records the state after one major iteration.
type Step struct {
	Iteration int         `json:"iteration"`
	Value     float64     `json:"value"`
	RMSD      target.RMSD `json:"rmsd"`
	Matched   int         `json:"matched"`
}

// Result summarises a refinement run.
type Result struct {
	Names      []string    `json:"names"`
	Initial    []float64   `json:"initial"`
	Final      []float64   `json:"final"`
	History    []Step      `json:"history"`
	Status     string      `json:"status"`
	Iterations int         `json:"iterations"`
	Evals      int         `json:"evaluations"`
	RMSD       target.RMSD `json:"rmsd"`
}

// Refinery minimises a target by LBFGS. Every evaluation sets the
// parameters, rebuilds the geometry cache and recomputes the gradients, in
// that order.
type Refinery struct {
	ds     *prediction.DetectorSpace
	target *target.Target
	config Config
	logger *zap.Logger

	// StepHook, if set, is called after every major iteration.
	StepHook func(Step)

	lastX   []float64
	last    *target.Result
	evalErr error
}

// New returns a refinery for t over the parameters of ds.
func New(ds *prediction.DetectorSpace, t *target.Target, config Config, logger *zap.Logger) *Refinery {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refinery{
		ds:     ds,
		target: t,
		config: config,
		logger: logger.Named("refinery"),
	}
}

// Run refines the parameters and leaves the models at the best values
// found. Cancelling ctx stops the run at the next evaluation; the models
// are then left at the last evaluated point and ctx.Err() is returned.
func (r *Refinery) Run(ctx context.Context) (*Result, error) {
	const op = "Refinery.Run"
	n := r.ds.TotalFreeParameters()
	if n == 0 {
		return nil, refinement.NewErrorf("no free parameters").WithOperation(op).WithComponent("refinery")
	}

	x0 := r.ds.GetParamVals()
	result := &Result{
		Names:   r.ds.GetParamNames(),
		Initial: append([]float64(nil), x0...),
	}
	r.lastX, r.last, r.evalErr = nil, nil, nil

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			res, err := r.evaluate(ctx, x)
			if err != nil {
				return 0
			}
			return res.Value
		},
		Grad: func(grad, x []float64) {
			res, err := r.evaluate(ctx, x)
			if err != nil {
				return
			}
			copy(grad, res.Gradient)
		},
		Status: func() (optimize.Status, error) {
			if r.evalErr != nil {
				return optimize.Failure, r.evalErr
			}
			if err := ctx.Err(); err != nil {
				return optimize.Failure, err
			}
			return optimize.NotTerminated, nil
		},
	}

	settings := &optimize.Settings{
		GradientThreshold: r.config.GradientThreshold,
		MajorIterations:   r.config.MaxIterations,
		Converger: &optimize.FunctionConverge{
			Absolute:   r.config.FunctionConvergence,
			Iterations: r.config.ConvergenceIterations,
		},
		Recorder: &recorder{r: r, ctx: ctx, history: &result.History},
	}

	r.logger.Info("starting refinement",
		zap.Int("parameters", n),
		zap.Int("observations", len(r.target.Observations())),
	)

	res, err := optimize.Minimize(problem, x0, settings, &optimize.LBFGS{})
	switch {
	case r.evalErr != nil:
		return nil, fmt.Errorf("%s: %w", op, r.evalErr)
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, optimize.ErrNoProgress), errors.Is(err, optimize.ErrLinesearcherFailure):
		r.logger.Debug("line search stopped", zap.Error(err))
	case err != nil:
		return nil, refinement.WrapError(err, "minimise").WithOperation(op).WithComponent("refinery")
	}

	// leave the models at the reported optimum
	final, err := r.evaluate(ctx, res.X)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	result.Final = append([]float64(nil), res.X...)
	result.Status = res.Status.String()
	result.Iterations = res.MajorIterations
	result.Evals = res.FuncEvaluations
	result.RMSD = final.RMSD

	r.logger.Info("refinement finished",
		zap.String("status", result.Status),
		zap.Int("iterations", result.Iterations),
		zap.Float64("rmsd_x", final.RMSD.X),
		zap.Float64("rmsd_y", final.RMSD.Y),
		zap.Float64("rmsd_phi", final.RMSD.Phi),
	)
	return result, nil
}

// evaluate sets x and computes the target, reusing the previous result
// when x has not moved.
func (r *Refinery) evaluate(ctx context.Context, x []float64) (*target.Result, error) {
	if r.evalErr != nil {
		return nil, r.evalErr
	}
	if r.last != nil && floats.Equal(x, r.lastX) {
		return r.last, nil
	}
	if err := ctx.Err(); err != nil {
		r.evalErr = err
		return nil, err
	}
	if err := r.ds.SetParamVals(x); err != nil {
		r.evalErr = err
		return nil, err
	}
	res, err := r.target.Compute(ctx)
	if err != nil {
		r.evalErr = err
		return nil, err
	}
	r.lastX = append(r.lastX[:0], x...)
	r.last = res
	return res, nil
}

// recorder keeps the RMSD history at every major iteration.
type recorder struct {
	r       *Refinery
	ctx     context.Context
	history *[]Step
}

func (rec *recorder) Init() error { return nil }

func (rec *recorder) Record(loc *optimize.Location, op optimize.Operation, stats *optimize.Stats) error {
	if op != optimize.InitIteration && op != optimize.MajorIteration {
		return nil
	}
	res, err := rec.r.evaluate(rec.ctx, loc.X)
	if err != nil {
		// the evaluation error is reported through Problem.Status
		return nil
	}
	step := Step{
		Iteration: stats.MajorIterations,
		Value:     res.Value,
		RMSD:      res.RMSD,
		Matched:   res.Matched,
	}
	*rec.history = append(*rec.history, step)
	rec.r.logger.Debug("iteration",
		zap.Int("iteration", step.Iteration),
		zap.Float64("value", step.Value),
		zap.Float64("rmsd_x", step.RMSD.X),
		zap.Float64("rmsd_y", step.RMSD.Y),
		zap.Float64("rmsd_phi", step.RMSD.Phi),
	)
	if rec.r.StepHook != nil {
		rec.r.StepHook(step)
	}
	return nil
}
