package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/jengzang/edna-backend-go/internal/config"
	"github.com/jengzang/edna-backend-go/internal/engine/reference"
	"github.com/jengzang/edna-backend-go/internal/middleware"
	"github.com/jengzang/edna-backend-go/internal/models"
)

const secret = "test-secret"

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	goleak.VerifyTestMain(m)
}

type client struct {
	t      *testing.T
	app    *App
	router http.Handler
	token  string
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newClient(t *testing.T) *client {
	t.Helper()
	cfg := config.Default()
	cfg.DBPath = ":memory:"
	cfg.JWTSecret = secret
	cfg.Artifacts.Driver = "memory"
	cfg.Synthesis.Plates = 12
	cfg.Synthesis.Field.Locations = 150
	cfg.Synthesis.Field.MeshCutoff = 0.15
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	a, err := New(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		require.NoError(t, a.Close())
	})

	token, err := middleware.IssueToken(secret, "carol", time.Hour)
	require.NoError(t, err)
	return &client{t: t, app: a, router: a.Router(ctx), token: token}
}

func (c *client) do(method, path string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	w := httptest.NewRecorder()
	c.router.ServeHTTP(w, req)
	return w
}

// get decodes the data of a successful response into v
func (c *client) get(path string, v any) {
	c.t.Helper()
	w := c.do(http.MethodGet, path, nil)
	require.Equal(c.t, http.StatusOK, w.Code, w.Body.String())
	decode(c.t, w, v)
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	require.NoError(t, json.Unmarshal(env.Data, v))
}

func TestPublicRoutes(t *testing.T) {
	c := newClient(t)
	c.token = ""

	w := c.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = c.do(http.MethodGet, "/api/v1/analysis/tasks", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = c.do(http.MethodOptions, "/api/v1/runs", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = c.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_requests_total")
}

func TestPipelineOverHTTP(t *testing.T) {
	c := newClient(t)

	w := c.do(http.MethodPost, "/api/v1/analysis/pipeline", map[string]any{
		"synthesis":   map[string]any{"seed": 11},
		"diagnostics": map[string]any{"mode": "simulation", "draws": 20},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var created struct {
		TaskIDs []int64 `json:"task_ids"`
	}
	decode(t, w, &created)
	require.Len(t, created.TaskIDs, 3)

	c.app.Tasks.Wait()

	results := make([]map[string]any, 3)
	for i, id := range created.TaskIDs {
		var task models.AnalysisTask
		c.get(fmt.Sprintf("/api/v1/analysis/tasks/%d", id), &task)
		require.Equal(t, models.TaskStatusCompleted, task.Status, task.ErrorMessage)
		assert.Equal(t, "carol", task.CreatedBy)
		require.NoError(t, json.Unmarshal([]byte(task.ResultSummary), &results[i]))
	}
	runID := results[0]["run_id"].(string)
	fitID := results[1]["fit_id"].(string)
	residualID := results[2]["residual_id"].(string)

	var listed struct {
		Tasks []models.AnalysisTask `json:"tasks"`
	}
	c.get("/api/v1/analysis/tasks?skill_name="+models.SkillFit, &listed)
	require.Len(t, listed.Tasks, 1)
	assert.Equal(t, created.TaskIDs[1], listed.Tasks[0].ID)

	var run struct {
		Seed      uint64 `json:"seed"`
		Standards int    `json:"standards"`
		Fits      []struct {
			ID string `json:"id"`
		} `json:"fits"`
	}
	c.get("/api/v1/runs/"+runID, &run)
	assert.Equal(t, uint64(11), run.Seed)
	assert.Equal(t, 12*18*3, run.Standards)
	require.Len(t, run.Fits, 1)
	assert.Equal(t, fitID, run.Fits[0].ID)

	var plates []models.Plate
	c.get("/api/v1/runs/"+runID+"/plates", &plates)
	require.Len(t, plates, 12)

	var standards models.PagedResult[models.StandardRecord]
	c.get("/api/v1/runs/"+runID+"/standards?plate="+plates[0].ID+"&pageSize=5", &standards)
	assert.Equal(t, 18*3, standards.Total)
	assert.Len(t, standards.Items, 5)
	for _, s := range standards.Items {
		assert.Equal(t, plates[0].ID, s.PlateID)
	}

	var fit struct {
		Converged bool `json:"converged"`
		Summary   struct {
			Engine string `json:"engine"`
		} `json:"summary"`
	}
	c.get("/api/v1/fits/"+fitID, &fit)
	assert.True(t, fit.Converged)
	assert.Equal(t, reference.Name, fit.Summary.Engine)

	var effects struct {
		Plates []json.RawMessage `json:"plates"`
	}
	c.get("/api/v1/fits/"+fitID+"/random-effects", &effects)
	assert.Len(t, effects.Plates, 12)

	var report []json.RawMessage
	c.get("/api/v1/fits/"+fitID+"/report", &report)
	assert.Len(t, report, 12*18*3)

	var rr struct {
		Mode string `json:"mode"`
		Cols int    `json:"cols"`
	}
	c.get("/api/v1/residuals/"+residualID, &rr)
	assert.Equal(t, "simulation", rr.Mode)
	assert.Equal(t, 20, rr.Cols)

	w = c.do(http.MethodGet, "/api/v1/residuals/"+residualID+"/matrix", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	assert.Len(t, lines, 151) // header plus one row per observation

	w = c.do(http.MethodPost, "/api/v1/runs/"+runID+"/export", nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = c.do(http.MethodDelete, fmt.Sprintf("/api/v1/analysis/tasks/%d", created.TaskIDs[0]), nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestErrorStatuses(t *testing.T) {
	c := newClient(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown skill", http.MethodPost, "/api/v1/analysis/tasks", map[string]any{"skill_name": "trip_construction"}, http.StatusBadRequest},
		{"missing skill", http.MethodPost, "/api/v1/analysis/tasks", map[string]any{}, http.StatusBadRequest},
		{"bad params", http.MethodPost, "/api/v1/analysis/tasks", map[string]any{"skill_name": models.SkillDiagnostics, "params": map[string]any{"fit_id": "f", "mode": "bootstrap"}}, http.StatusBadRequest},
		{"bad task id", http.MethodGet, "/api/v1/analysis/tasks/abc", nil, http.StatusBadRequest},
		{"missing task", http.MethodGet, "/api/v1/analysis/tasks/42", nil, http.StatusNotFound},
		{"missing run", http.MethodGet, "/api/v1/runs/nope", nil, http.StatusNotFound},
		{"missing run standards", http.MethodGet, "/api/v1/runs/nope/standards", nil, http.StatusNotFound},
		{"bad filter", http.MethodGet, "/api/v1/runs/nope/observations?detected=maybe", nil, http.StatusBadRequest},
		{"missing fit", http.MethodGet, "/api/v1/fits/nope", nil, http.StatusNotFound},
		{"missing residuals", http.MethodGet, "/api/v1/residuals/nope/matrix", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := c.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestNeedsDir(t *testing.T) {
	assert.False(t, needsDir(":memory:"))
	assert.False(t, needsDir("file:edna?mode=memory"))
	assert.False(t, needsDir("edna.db"))
	assert.True(t, needsDir("./data/edna/edna.db"))
}
