package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/copyleftdev/PRISM/internal/config"
	apperrors "github.com/copyleftdev/PRISM/internal/errors"
	"github.com/copyleftdev/PRISM/internal/experiment"
	"github.com/copyleftdev/PRISM/internal/geometry"
	"github.com/copyleftdev/PRISM/internal/metrics"
	"github.com/copyleftdev/PRISM/internal/refinement"
	"github.com/copyleftdev/PRISM/internal/refinement/parameterisation"
	"github.com/copyleftdev/PRISM/internal/refinement/prediction"
)

// Server implements the HTTP and JSON-RPC API of the gradient service.
// Gradient and prediction requests are answered synchronously; refinements
// run as background jobs that can be polled and cancelled.
type Server struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	jobs   map[string]*RefinementState
	jobsMu sync.RWMutex // Protects the jobs map and job states
	wg     sync.WaitGroup
}

// NewServer creates a new server instance. A nil logger disables logging
// and nil metrics are replaced by a private registry.
func NewServer(cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.Named("server"),
		metrics: m,
		jobs:    make(map[string]*RefinementState),
	}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/gradients", s.handleGradients)
		r.Post("/predict", s.handlePredict)
		r.Post("/refine", s.handleRefine)
		r.Get("/status/{id}", s.handleStatus)
		r.Delete("/refinement/{id}", s.handleCancel)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

// Close cancels all running refinements and waits for them to stop.
func (s *Server) Close() error {
	s.jobsMu.Lock()
	for _, job := range s.jobs {
		if job.cancel != nil {
			job.cancel()
		}
	}
	s.jobsMu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Server) gradientOptions() prediction.Options {
	opts := prediction.DefaultOptions()
	opts.Tolerance = s.cfg.Gradients.DegenerateTolerance
	opts.Workers = s.cfg.Gradients.Workers
	opts.SkipDegenerate = s.cfg.Gradients.SkipDegenerate
	return opts
}

// build constructs the models and parameterisation described by d.
func (s *Server) build(d *experiment.Description) (*prediction.DetectorSpace, error) {
	exp, err := d.Build()
	if err != nil {
		return nil, apperrors.Wrap(err, "invalid experiment").WithStatus(http.StatusBadRequest)
	}
	groups, err := parameterisation.FromDescription(exp, d.Parameterisation)
	if err != nil {
		return nil, apperrors.Wrap(err, "invalid parameterisation").WithStatus(http.StatusBadRequest)
	}
	ds, err := prediction.NewDetectorSpace(exp, groups, s.gradientOptions())
	if err != nil {
		return nil, apperrors.Wrap(err, "invalid gradient options")
	}
	return ds, nil
}

// PredictionResult is one predicted reflection.
type PredictionResult struct {
	H   refinement.Miller `json:"h"`
	Phi float64           `json:"phi"`
	X   float64           `json:"x"`
	Y   float64           `json:"y"`
	S1  []float64         `json:"s1"`
}

// PredictResponse lists the predictions of a set of indices.
type PredictResponse struct {
	Predictions []PredictionResult  `json:"predictions"`
	Unpredicted []refinement.Miller `json:"unpredicted,omitempty"`
}

// ReflectionGradients holds the gradients of one predicted reflection.
// Gradients is nil and Error is set for degenerate reflections.
type ReflectionGradients struct {
	PredictionResult
	Gradients refinement.GradientRow `json:"gradients"`
	Error     string                 `json:"error,omitempty"`
}

// GradientsResponse holds the parameter names and one entry per predicted
// reflection.
type GradientsResponse struct {
	Names       []string              `json:"names"`
	Reflections []ReflectionGradients `json:"reflections"`
	Unpredicted []refinement.Miller   `json:"unpredicted,omitempty"`
	Degenerate  int                   `json:"degenerate"`
}

// predictAll predicts every index in hkls. Indices that never reach the
// detector are returned separately.
func predictAll(exp *experiment.Experiment, hkls []refinement.Miller) ([]experiment.Prediction, []refinement.Miller, error) {
	if len(hkls) == 0 {
		return nil, nil, apperrors.New("no reflections given").WithStatus(http.StatusBadRequest)
	}
	pred := experiment.NewPredictor(exp)
	var (
		out    []experiment.Prediction
		missed []refinement.Miller
	)
	for _, h := range hkls {
		ps, err := pred.Predict(h)
		switch {
		case errors.Is(err, experiment.ErrNoIntersection), errors.Is(err, experiment.ErrMissesDetector):
			missed = append(missed, h)
			continue
		case err != nil:
			return nil, nil, apperrors.Wrap(err, "predict").WithStatus(http.StatusUnprocessableEntity)
		}
		out = append(out, ps...)
	}
	return out, missed, nil
}

func predictionResult(p experiment.Prediction) PredictionResult {
	return PredictionResult{H: p.H, Phi: p.Phi, X: p.X, Y: p.Y, S1: geometry.Slice(p.S1)}
}

// predict returns every prediction of the described reflections.
func (s *Server) predict(d *experiment.Description) (*PredictResponse, error) {
	exp, err := d.Build()
	if err != nil {
		return nil, apperrors.Wrap(err, "invalid experiment").WithStatus(http.StatusBadRequest)
	}
	preds, missed, err := predictAll(exp, d.Reflections)
	if err != nil {
		return nil, err
	}
	resp := &PredictResponse{
		Predictions: make([]PredictionResult, len(preds)),
		Unpredicted: missed,
	}
	for i, p := range preds {
		resp.Predictions[i] = predictionResult(p)
	}
	return resp, nil
}

// computeGradients predicts the described reflections and returns the
// gradients of every prediction.
func (s *Server) computeGradients(ctx context.Context, d *experiment.Description) (*GradientsResponse, error) {
	ds, err := s.build(d)
	if err != nil {
		return nil, err
	}
	preds, missed, err := predictAll(ds.Experiment(), d.Reflections)
	if err != nil {
		return nil, err
	}

	refls := make([]refinement.Reflection, len(preds))
	resp := &GradientsResponse{
		Names:       ds.GetParamNames(),
		Reflections: make([]ReflectionGradients, len(preds)),
		Unpredicted: missed,
	}
	for i, p := range preds {
		refls[i] = p.Reflection()
		resp.Reflections[i].PredictionResult = predictionResult(p)
	}

	start := time.Now()
	rows, err := ds.GradientsBatch(ctx, refls)
	var batchErr *refinement.BatchError
	switch {
	case errors.As(err, &batchErr):
		for i, ferr := range batchErr.Failures {
			resp.Reflections[i].Error = ferr.Error()
		}
		resp.Degenerate = len(batchErr.Failures)
	case errors.Is(err, refinement.ErrDegenerateGeometry):
		s.metrics.ObserveBatch(len(refls), 1, time.Since(start))
		return nil, apperrors.Wrap(err, "degenerate reflection").WithStatus(http.StatusUnprocessableEntity)
	case err != nil:
		s.metrics.ObserveBatch(0, 0, time.Since(start))
		return nil, apperrors.Wrap(err, "compute gradients")
	}
	s.metrics.ObserveBatch(len(refls), resp.Degenerate, time.Since(start))

	for i, row := range rows {
		resp.Reflections[i].Gradients = row
	}
	return resp, nil
}

// handleGradients handles POST /api/v1/gradients.
func (s *Server) handleGradients(w http.ResponseWriter, r *http.Request) {
	var d experiment.Description
	if !s.decode(w, r, &d) {
		return
	}
	resp, err := s.computeGradients(r.Context(), &d)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// handlePredict handles POST /api/v1/predict.
func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var d experiment.Description
	if !s.decode(w, r, &d) {
		return
	}
	resp, err := s.predict(&d)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// handleRefine handles POST /api/v1/refine by starting a refinement job.
func (s *Server) handleRefine(w http.ResponseWriter, r *http.Request) {
	var d experiment.Description
	if !s.decode(w, r, &d) {
		return
	}
	info, err := s.startRefinement(&d)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, info)
}

// handleStatus handles GET /api/v1/status/{id}.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.refinementStatus(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, status)
}

// handleCancel handles DELETE /api/v1/refinement/{id}.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.cancelRefinement(chi.URLParam(r, "id")); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status": "cancellation requested",
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.respondError(w, r, apperrors.Wrap(err, "invalid request body").WithStatus(http.StatusBadRequest))
		return false
	}
	return true
}

// respondJSON encodes v before writing the status, so a value that cannot
// be encoded is reported as a 500.
func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		s.logger.Error("encode response", zap.Int("status", status), zap.Error(err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"failed to encode response"}` + "\n"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.StatusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	s.respondJSON(w, status, map[string]string{"error": err.Error()})
}
