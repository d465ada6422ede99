package monitoring

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	m.IncConnectAttempt(true)
	m.IncConnectAttempt(false)
	m.IncConnectAttempt(false)
	m.IncUpsert("created")
	m.AddTagged(4)
	m.AddTagged(0)
	m.IncSession("completed")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectAttempts.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConnectAttempts.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Upserts.WithLabelValues("created")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.ListingsTagged))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Sessions.WithLabelValues("completed")))
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncConnectAttempt(true)
		m.IncUpsert("failed")
		m.AddTagged(1)
		m.IncSession("aborted")
		m.IncHTTPRequest("GET", "/health", "200")
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.IncUpsert("updated")

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `listings_upserts_total{outcome="updated"} 1`))
}

func TestNewMetrics_IndependentRegistries(t *testing.T) {
	// two instances must not collide on registration
	assert.NotPanics(t, func() {
		NewMetrics()
		NewMetrics()
	})
}
