package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/copyleftdev/PRISM/internal/errors"
	"github.com/copyleftdev/PRISM/internal/experiment"
	"github.com/copyleftdev/PRISM/internal/refinement/refinery"
	"github.com/copyleftdev/PRISM/internal/refinement/target"
)

// Job statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// RefinementState represents the state of a refinement job. It is guarded
// by Server.jobsMu.
type RefinementState struct {
	ID          string
	Status      string
	StartTime   time.Time
	EndTime     *time.Time
	LastUpdated time.Time
	Names       []string
	History     []refinery.Step
	Result      *refinery.Result
	Err         error

	cancel context.CancelFunc
}

func (st *RefinementState) terminal() bool {
	switch st.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// JobInfo identifies a started refinement.
type JobInfo struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// StatusResponse reports the progress of a refinement job.
type StatusResponse struct {
	JobID      string           `json:"job_id"`
	Status     string           `json:"status"`
	StartTime  time.Time        `json:"start_time"`
	EndTime    *time.Time       `json:"end_time,omitempty"`
	LastUpdate time.Time        `json:"last_update"`
	Names      []string         `json:"names"`
	Iteration  int              `json:"iteration"`
	RMSD       *target.RMSD     `json:"rmsd,omitempty"`
	History    []refinery.Step  `json:"history,omitempty"`
	Result     *refinery.Result `json:"result,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// startRefinement validates the description and starts refining it in
// the background. The job owns the experiment it builds.
func (s *Server) startRefinement(d *experiment.Description) (*JobInfo, error) {
	ds, err := s.build(d)
	if err != nil {
		return nil, err
	}
	if ds.TotalFreeParameters() == 0 {
		return nil, apperrors.New("no free parameters").WithStatus(http.StatusBadRequest)
	}
	obs := target.FromExperiment(d.ObservationList())
	tg, err := target.New(ds, obs, s.logger)
	if err != nil {
		return nil, apperrors.Wrap(err, "invalid observations").WithStatus(http.StatusBadRequest)
	}

	cfg := refinery.DefaultConfig()
	cfg.MaxIterations = s.cfg.Refinement.MaxIterations
	cfg.GradientThreshold = s.cfg.Refinement.GradientThreshold
	ref := refinery.New(ds, tg, cfg, s.logger)

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	state := &RefinementState{
		ID:          uuid.NewString(),
		Status:      StatusPending,
		StartTime:   now,
		LastUpdated: now,
		Names:       ds.GetParamNames(),
		cancel:      cancel,
	}
	ref.StepHook = func(step refinery.Step) {
		s.jobsMu.Lock()
		state.History = append(state.History, step)
		state.LastUpdated = time.Now()
		s.jobsMu.Unlock()
	}

	s.jobsMu.Lock()
	s.pruneJobsLocked(now)
	s.jobs[state.ID] = state
	s.jobsMu.Unlock()

	s.wg.Add(1)
	go s.runRefinement(ctx, state, ref)

	s.logger.Info("refinement started",
		zap.String("job_id", state.ID),
		zap.Int("parameters", len(state.Names)),
		zap.Int("observations", len(obs)),
	)
	return &JobInfo{JobID: state.ID, Status: StatusPending}, nil
}

// runRefinement executes the refinement in a goroutine.
func (s *Server) runRefinement(ctx context.Context, state *RefinementState, ref *refinery.Refinery) {
	defer s.wg.Done()
	defer state.cancel()

	s.jobsMu.Lock()
	if state.Status == StatusPending {
		state.Status = StatusRunning
	}
	s.jobsMu.Unlock()
	s.metrics.JobStarted()

	res, err := ref.Run(ctx)

	s.jobsMu.Lock()
	switch {
	case errors.Is(err, context.Canceled):
		state.Status = StatusCancelled
	case err != nil:
		state.Status = StatusFailed
		state.Err = err
		s.logger.Error("refinement failed", zap.String("job_id", state.ID), zap.Error(err))
	default:
		state.Status = StatusCompleted
		state.Result = res
	}
	now := time.Now()
	state.EndTime = &now
	state.LastUpdated = now
	status := state.Status
	s.jobsMu.Unlock()

	s.metrics.JobFinished(status)
	s.logger.Info("refinement finished", zap.String("job_id", state.ID), zap.String("status", status))
}

// refinementStatus returns a snapshot of the job with the given id.
func (s *Server) refinementStatus(id string) (*StatusResponse, error) {
	if id == "" {
		return nil, apperrors.New("job_id is required").WithStatus(http.StatusBadRequest)
	}

	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	state, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.Errorf("refinement %q not found", id).WithStatus(http.StatusNotFound)
	}

	resp := &StatusResponse{
		JobID:      state.ID,
		Status:     state.Status,
		StartTime:  state.StartTime,
		EndTime:    state.EndTime,
		LastUpdate: state.LastUpdated,
		Names:      state.Names,
		History:    append([]refinery.Step(nil), state.History...),
		Result:     state.Result,
	}
	if n := len(state.History); n > 0 {
		last := state.History[n-1]
		resp.Iteration = last.Iteration
		resp.RMSD = &last.RMSD
	}
	if state.Err != nil {
		resp.Error = state.Err.Error()
	}
	return resp, nil
}

// cancelRefinement cancels a running job.
func (s *Server) cancelRefinement(id string) error {
	if id == "" {
		return apperrors.New("job_id is required").WithStatus(http.StatusBadRequest)
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	state, ok := s.jobs[id]
	if !ok {
		return apperrors.Errorf("refinement %q not found", id).WithStatus(http.StatusNotFound)
	}
	if state.terminal() {
		return apperrors.Errorf("cannot cancel refinement with status: %s", state.Status).WithStatus(http.StatusConflict)
	}

	state.cancel()
	s.logger.Info("refinement cancellation requested", zap.String("job_id", id))
	return nil
}

// pruneJobsLocked drops finished jobs older than the retention period.
func (s *Server) pruneJobsLocked(now time.Time) {
	retention := s.cfg.Refinement.JobRetention
	if retention <= 0 {
		return
	}
	for id, st := range s.jobs {
		if st.terminal() && st.EndTime != nil && now.Sub(*st.EndTime) > retention {
			delete(s.jobs, id)
		}
	}
}
