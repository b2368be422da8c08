package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveCommand("LIST", "ok", time.Second)
		m.AddTransferBytes("upload", 10)
		m.SetMonitorConnections(3)
		m.IncMonitorLine()
		m.IncMonitorDisconnect("eof")
		m.IncIngest("status")
		m.SetDevices(2)
		m.SetLeaseHeld(true)
	})
}

func TestCounters(t *testing.T) {
	m := New()
	m.ObserveCommand("SEARCH", "ok", 10*time.Millisecond)
	m.ObserveCommand("SEARCH", "ok", 20*time.Millisecond)
	m.IncIngest("status")
	m.SetLeaseHeld(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.commands.WithLabelValues("SEARCH", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ingestMessages.WithLabelValues("status")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.leaseHeld))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.SetDevices(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "fpsd_fleet_devices 3")

	var nilMetrics *Metrics
	rec = httptest.NewRecorder()
	nilMetrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
