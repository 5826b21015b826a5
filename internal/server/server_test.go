package server

import (
	"bytes"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/copyleftdev/PRISM/internal/config"
	"github.com/copyleftdev/PRISM/internal/experiment"
	"github.com/copyleftdev/PRISM/internal/geometry"
	"github.com/copyleftdev/PRISM/internal/metrics"
)

// testConfig creates a test configuration with default values
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Environment: "test",
	}

	cfg.HTTP.Port = 8080
	cfg.HTTP.ReadTimeout = 30 * time.Second
	cfg.HTTP.WriteTimeout = 30 * time.Second
	cfg.HTTP.IdleTimeout = 120 * time.Second
	cfg.HTTP.ShutdownTimeout = 30 * time.Second

	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "console"
	cfg.Logging.Output = "stdout"

	cfg.Gradients.DegenerateTolerance = 1e-6
	cfg.Gradients.Workers = 2
	cfg.Gradients.SkipDegenerate = true

	cfg.Refinement.MaxIterations = 100
	cfg.Refinement.GradientThreshold = 1e-10
	cfg.Refinement.JobRetention = time.Hour

	return cfg
}

func newTestServer(t *testing.T) (*Server, chi.Router) {
	t.Helper()
	srv := NewServer(testConfig(t), zaptest.NewLogger(t), metrics.New())
	t.Cleanup(func() { _ = srv.Close() })
	r := chi.NewRouter()
	srv.RegisterRoutes(r)
	return srv, r
}

// testDescription describes a monoclinic crystal refined by orientation,
// with observations simulated from the same crystal rotated by 2 mrad.
func testDescription(t *testing.T) experiment.Description {
	t.Helper()
	d := experiment.Description{
		Beam:       experiment.BeamDescription{Direction: []float64{0, 0, -1}, Wavelength: 1},
		Goniometer: experiment.GoniometerDescription{Axis: []float64{1, 0, 0}},
		Detector: experiment.DetectorDescription{Panels: []experiment.PanelDescription{{
			Fast:   []float64{1, 0, 0},
			Slow:   []float64{0, -1, 0},
			Origin: []float64{-100, 100, -200},
		}}},
		Crystal: experiment.CrystalDescription{
			UnitCell:    []float64{54.2, 58.7, 66.1, 90, 104.3, 90},
			Orientation: geometry.Elements(geometry.Rotation(r3.Vec{X: 1, Y: 0.3, Z: -0.7}, 1.1)),
		},
		Parameterisation: experiment.ParameterisationDescription{
			CrystalOrientation: &experiment.GroupDescription{},
		},
		Reflections: experiment.MillerRange(2),
	}

	truth, err := d.Build()
	require.NoError(t, err)
	truth.Crystal.U = geometry.Mul(geometry.Rotation(r3.Vec{Z: 1}, 0.002), truth.Crystal.U)
	obs, err := experiment.Simulate(truth, experiment.MillerRange(3), experiment.Noise{})
	require.NoError(t, err)
	require.NotEmpty(t, obs)
	for _, o := range obs {
		d.Observations = append(d.Observations, experiment.ObservationDescription{H: o.H, X: o.X, Y: o.Y, Phi: o.Phi})
	}
	return d
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(method, path, &buf))
	return rr
}

func TestNewServer(t *testing.T) {
	srv := NewServer(testConfig(t), nil, nil)
	assert.NotNil(t, srv, "Server should be created")
	assert.NotNil(t, srv.metrics)
}

func TestRegisterRoutes(t *testing.T) {
	_, r := newTestServer(t)

	tests := []struct {
		method      string
		path        string
		shouldExist bool
	}{
		{"POST", "/api/v1/gradients", true},
		{"POST", "/api/v1/predict", true},
		{"POST", "/api/v1/refine", true},
		{"GET", "/api/v1/status/123", true},
		{"DELETE", "/api/v1/refinement/123", true},
		{"POST", "/rpc", true},
		{"GET", "/healthz", false}, // registered by cmd/server
		{"GET", "/nonexistent", false},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, req)

			// a 404 with an empty body is chi's not-found handler
			notFound := rr.Code == http.StatusNotFound && !bytes.Contains(rr.Body.Bytes(), []byte(`"error"`))
			assert.Equal(t, !tt.shouldExist, notFound)
		})
	}
}

func TestClose(t *testing.T) {
	srv := NewServer(testConfig(t), nil, nil)
	assert.NoError(t, srv.Close(), "Close should not return an error")
}

func TestGradients(t *testing.T) {
	srv, r := newTestServer(t)
	d := testDescription(t)

	rr := doJSON(t, r, http.MethodPost, "/api/v1/gradients", d)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp GradientsResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, []string{"CrystalOrientation0Phi1", "CrystalOrientation0Phi2", "CrystalOrientation0Phi3"}, resp.Names)
	require.NotEmpty(t, resp.Reflections)

	var withGradients int
	for _, refl := range resp.Reflections {
		if refl.Error != "" {
			assert.Nil(t, refl.Gradients)
			continue
		}
		assert.Len(t, refl.Gradients, 3)
		assert.Len(t, refl.S1, 3)
		withGradients++
	}
	assert.Equal(t, len(resp.Reflections)-resp.Degenerate, withGradients)
	assert.Equal(t, float64(withGradients), testutil.ToFloat64(srv.metrics.ReflectionsProcessed))
}

func TestGradients_BadRequests(t *testing.T) {
	_, r := newTestServer(t)

	noRefl := testDescription(t)
	noRefl.Reflections = nil

	badCell := testDescription(t)
	badCell.Crystal.UnitCell = []float64{10, 10}

	badFix := testDescription(t)
	badFix.Parameterisation.CrystalOrientation.Fix = []string{"Nope"}

	zeroAxis := testDescription(t)
	zeroAxis.Goniometer.Axis = []float64{0, 0, 0}

	zeroBeam := testDescription(t)
	zeroBeam.Beam.Direction = []float64{0, 0, 0}

	tests := []struct {
		name string
		path string
		body any
	}{
		{"not json", "/api/v1/gradients", "{"},
		{"no reflections", "/api/v1/gradients", noRefl},
		{"bad cell", "/api/v1/gradients", badCell},
		{"unknown parameter", "/api/v1/gradients", badFix},
		{"zero axis", "/api/v1/gradients", zeroAxis},
		{"zero beam direction", "/api/v1/gradients", zeroBeam},
		{"predict zero axis", "/api/v1/predict", zeroAxis},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rr *httptest.ResponseRecorder
			if s, ok := tt.body.(string); ok {
				rr = httptest.NewRecorder()
				r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, tt.path, bytes.NewBufferString(s)))
			} else {
				rr = doJSON(t, r, http.MethodPost, tt.path, tt.body)
			}
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Contains(t, rr.Body.String(), `"error"`)
		})
	}
}

func TestGradients_DegenerateRejected(t *testing.T) {
	cfg := testConfig(t)
	cfg.Gradients.DegenerateTolerance = 1e9
	cfg.Gradients.SkipDegenerate = false
	srv := NewServer(cfg, zaptest.NewLogger(t), metrics.New())
	t.Cleanup(func() { _ = srv.Close() })
	r := chi.NewRouter()
	srv.RegisterRoutes(r)

	rr := doJSON(t, r, http.MethodPost, "/api/v1/gradients", testDescription(t))
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Contains(t, rr.Body.String(), "degenerate")

	assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.DegenerateReflections))
}

func TestRespondJSON_EncodeFailure(t *testing.T) {
	srv, _ := newTestServer(t)

	rr := httptest.NewRecorder()
	srv.respondJSON(rr, http.StatusOK, map[string]float64{"x": math.NaN()})
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), `"error"`)

	rr = httptest.NewRecorder()
	srv.respondJSON(rr, http.StatusAccepted, map[string]float64{"x": 1})
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.JSONEq(t, `{"x":1}`, rr.Body.String())
}

func TestPredict(t *testing.T) {
	_, r := newTestServer(t)
	d := testDescription(t)

	rr := doJSON(t, r, http.MethodPost, "/api/v1/predict", d)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp PredictResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.NotEmpty(t, resp.Predictions)

	exp, err := d.Build()
	require.NoError(t, err)
	pred := experiment.NewPredictor(exp)
	for _, p := range resp.Predictions {
		want, err := pred.PredictNear(p.H, p.Phi)
		require.NoError(t, err)
		assert.InDelta(t, want.X, p.X, 1e-9)
		assert.InDelta(t, want.Y, p.Y, 1e-9)
	}
}

func waitForStatus(t *testing.T, r http.Handler, id string) StatusResponse {
	t.Helper()
	var status StatusResponse
	require.Eventually(t, func() bool {
		rr := doJSON(t, r, http.MethodGet, "/api/v1/status/"+id, nil)
		if rr.Code != http.StatusOK {
			return false
		}
		status = StatusResponse{}
		if err := json.NewDecoder(rr.Body).Decode(&status); err != nil {
			return false
		}
		switch status.Status {
		case StatusCompleted, StatusFailed, StatusCancelled:
			return true
		}
		return false
	}, 30*time.Second, 20*time.Millisecond)
	return status
}

func TestRefine_Lifecycle(t *testing.T) {
	srv, r := newTestServer(t)

	rr := doJSON(t, r, http.MethodPost, "/api/v1/refine", testDescription(t))
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var info JobInfo
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&info))
	assert.Equal(t, StatusPending, info.Status)
	require.NotEmpty(t, info.JobID)

	status := waitForStatus(t, r, info.JobID)
	require.Equal(t, StatusCompleted, status.Status, status.Error)
	require.NotNil(t, status.Result)
	require.NotEmpty(t, status.History)
	assert.NotNil(t, status.EndTime)
	assert.Less(t, status.Result.RMSD.X, status.History[0].RMSD.X)
	// the 2 mrad rotation about z is recovered
	assert.InDelta(t, 2.0, status.Result.Final[2], 0.05)
	assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.RefinementJobs.WithLabelValues(StatusCompleted)))

	rr = doJSON(t, r, http.MethodDelete, "/api/v1/refinement/"+info.JobID, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = doJSON(t, r, http.MethodGet, "/api/v1/status/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = doJSON(t, r, http.MethodDelete, "/api/v1/refinement/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRefine_Cancel(t *testing.T) {
	srv, r := newTestServer(t)

	d := testDescription(t)
	info, err := srv.startRefinement(&d)
	require.NoError(t, err)
	require.NoError(t, srv.cancelRefinement(info.JobID))

	status := waitForStatus(t, r, info.JobID)
	assert.Equal(t, StatusCancelled, status.Status)
	assert.Nil(t, status.Result)
}

func TestRefine_NoFreeParameters(t *testing.T) {
	_, r := newTestServer(t)
	d := testDescription(t)
	d.Parameterisation = experiment.ParameterisationDescription{}

	rr := doJSON(t, r, http.MethodPost, "/api/v1/refine", d)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestPruneJobs(t *testing.T) {
	srv := NewServer(testConfig(t), nil, nil)
	now := time.Now()
	old := now.Add(-2 * time.Hour)
	recent := now.Add(-time.Minute)
	srv.jobs["old"] = &RefinementState{ID: "old", Status: StatusCompleted, EndTime: &old}
	srv.jobs["recent"] = &RefinementState{ID: "recent", Status: StatusFailed, EndTime: &recent}
	srv.jobs["running"] = &RefinementState{ID: "running", Status: StatusRunning}

	srv.pruneJobsLocked(now)
	assert.NotContains(t, srv.jobs, "old")
	assert.Contains(t, srv.jobs, "recent")
	assert.Contains(t, srv.jobs, "running")
}

func TestRespondWithError(t *testing.T) {
	srv := NewServer(testConfig(t), nil, nil)

	tests := []struct {
		name       string
		code       int
		message    string
		id         interface{}
		expectedID interface{}
	}{
		{"valid error response", rpcInvalidParams, "invalid input", "123", "123"},
		{"nil id", rpcServerError, "server error", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			srv.respondWithError(rr, tt.code, tt.message, tt.id)

			// errors travel in the body with a 200 status
			assert.Equal(t, http.StatusOK, rr.Code)

			var response map[string]interface{}
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&response))

			errObj, ok := response["error"].(map[string]interface{})
			require.True(t, ok, "response should contain error object")
			assert.Equal(t, float64(tt.code), errObj["code"])
			assert.Equal(t, tt.message, errObj["message"])
			assert.Equal(t, tt.expectedID, response["id"])
		})
	}
}

func TestJSONRPC(t *testing.T) {
	_, r := newTestServer(t)
	d := testDescription(t)

	rpc := func(t *testing.T, body string) map[string]interface{} {
		t.Helper()
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewBufferString(body)))
		require.Equal(t, http.StatusOK, rr.Code)
		var resp map[string]interface{}
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
		return resp
	}
	errCode := func(resp map[string]interface{}) float64 {
		e, _ := resp["error"].(map[string]interface{})
		code, _ := e["code"].(float64)
		return code
	}

	descJSON, err := json.Marshal(d)
	require.NoError(t, err)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"parse error", `{`, rpcParseError},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"refinement.status"}`, rpcInvalidRequest},
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"nope"}`, rpcMethodNotFound},
		{"missing params", `{"jsonrpc":"2.0","id":1,"method":"refinement.status"}`, rpcInvalidParams},
		{"empty job id", `{"jsonrpc":"2.0","id":1,"method":"refinement.cancel","params":{"job_id":""}}`, rpcInvalidParams},
		{"unknown job", `{"jsonrpc":"2.0","id":1,"method":"refinement.status","params":[{"job_id":"x"}]}`, rpcServerError},
		{"gradients", `{"jsonrpc":"2.0","id":7,"method":"gradients.compute","params":` + string(descJSON) + `}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := rpc(t, tt.body)
			assert.Equal(t, float64(tt.code), errCode(resp))
			if tt.code == 0 {
				assert.Equal(t, float64(7), resp["id"])
				result, ok := resp["result"].(map[string]interface{})
				require.True(t, ok)
				assert.Len(t, result["names"], 3)
			}
		})
	}

	t.Run("refinement round trip", func(t *testing.T) {
		resp := rpc(t, `{"jsonrpc":"2.0","id":"a","method":"refinement.start","params":[`+string(descJSON)+`]}`)
		require.Zero(t, errCode(resp))
		result := resp["result"].(map[string]interface{})
		id, _ := result["job_id"].(string)
		require.NotEmpty(t, id)

		waitForStatus(t, r, id)
		resp = rpc(t, `{"jsonrpc":"2.0","id":"b","method":"refinement.status","params":{"job_id":"`+id+`"}}`)
		require.Zero(t, errCode(resp))
		status := resp["result"].(map[string]interface{})
		assert.Equal(t, StatusCompleted, status["status"])

		resp = rpc(t, `{"jsonrpc":"2.0","id":"c","method":"refinement.cancel","params":{"job_id":"`+id+`"}}`)
		assert.Equal(t, float64(rpcServerError), errCode(resp))
	})
}
