package dispatcher

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aethercore/kernel/pkg/metrics"
)

func TestHealthHandler_DelegatesToMetricsRegistry(t *testing.T) {
	metrics.RegisterComponent("storage", true, "")
	metrics.RegisterComponent("eventbus", true, "")
	metrics.RegisterComponent("dispatcher", true, "")

	d := newTestDispatcher(t)
	s := NewServer(d, d.Bus, nil, nil)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	s.healthHandler(w, req)

	require.Equal(t, 200, w.Code)
	var body metrics.HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
}

func TestReadyHandler_NotReadyUntilCriticalComponentsRegistered(t *testing.T) {
	metrics.RegisterComponent("storage", false, "not yet open")

	d := newTestDispatcher(t)
	s := NewServer(d, d.Bus, nil, nil)

	req := httptest.NewRequest("GET", "/ready", nil)
	w := httptest.NewRecorder()
	s.readyHandler(w, req)

	require.Equal(t, 503, w.Code)
	var body metrics.HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "not_ready", body.Status)
}
