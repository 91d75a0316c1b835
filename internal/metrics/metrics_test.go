package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.Readings.WithLabelValues("ingested").Add(3)
	m.AlertSends.WithLabelValues("door", "sent").Inc()
	m.OpenSessions.Set(2)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.Readings.WithLabelValues("ingested")))

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `biodata_readings_total{result="ingested"} 3`)
	assert.Contains(t, w.Body.String(), `biodata_alert_sends_total{result="sent",type="door"} 1`)
	assert.Contains(t, w.Body.String(), "biodata_open_sessions 2")
}

func TestNew_IndependentRegistries(t *testing.T) {
	// Each instance registers on its own registry, so tests can build many.
	assert.NotPanics(t, func() {
		New()
		New()
	})
}
