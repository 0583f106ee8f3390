package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectors(t *testing.T) {
	m := New()
	m.ObserveTask("edna_fit", "completed", 2*time.Second)
	m.ObserveTask("edna_fit", "failed", time.Second)
	m.ObserveRequest("/api/v1/runs", "GET", "200", 10*time.Millisecond)
	m.AddResidualDraws("simulation", 250)
	m.AddResidualDraws("quantile", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksTotal.WithLabelValues("edna_fit", "completed")))
	assert.Equal(t, 250.0, testutil.ToFloat64(m.residualDraws.WithLabelValues("simulation")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.residualDraws))

	// a second instance does not collide
	_ = New()
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveTask("edna_synthesis", "completed", time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `edna_tasks_total{skill="edna_synthesis",status="completed"} 1`)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveTask("x", "y", time.Second)
	m.ObserveRequest("r", "GET", "200", time.Second)
	m.AddResidualDraws("joint", 3)
}
