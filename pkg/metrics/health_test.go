package metrics

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth(critical ...string) {
	registry = newComponentRegistry(critical...)
}

func TestGetHealth(t *testing.T) {
	resetHealth(ComponentProvider, ComponentStore)
	SetVersion("1.0.0")

	ReportComponent(ComponentProvider, nil)
	ReportComponent(ComponentStore, nil)

	health := GetHealth()
	assert.Equal(t, "healthy", health.Status)
	assert.Len(t, health.Components, 2)
	assert.Equal(t, "1.0.0", health.Version)

	ReportComponent(ComponentProvider, errors.New("describe instances failed"))
	ReportComponent(ComponentProvider, errors.New("throttled"))
	health = GetHealth()
	assert.Equal(t, "unhealthy", health.Status)
	provider := health.Components[ComponentProvider]
	assert.False(t, provider.Healthy)
	assert.Equal(t, "throttled", provider.Error)
	assert.Equal(t, 2, provider.Failures)
}

func TestReportComponentSinceMovesOnFlip(t *testing.T) {
	resetHealth()

	ReportComponent(ComponentStore, errors.New("locked"))
	first := GetHealth().Components[ComponentStore].Since
	ReportComponent(ComponentStore, errors.New("still locked"))
	assert.Equal(t, first, GetHealth().Components[ComponentStore].Since)

	ReportComponent(ComponentStore, nil)
	comp := GetHealth().Components[ComponentStore]
	assert.True(t, comp.Healthy)
	assert.Zero(t, comp.Failures)
	assert.False(t, comp.Since.Before(first))
}

func TestGetReadiness(t *testing.T) {
	tests := []struct {
		name        string
		report      map[string]error
		wantStatus  string
		wantWaiting []string
	}{
		{
			name:       "all ready",
			report:     map[string]error{ComponentProvider: nil, ComponentStore: nil},
			wantStatus: "ready",
		},
		{
			name:        "critical component missing",
			report:      map[string]error{ComponentProvider: nil},
			wantStatus:  "not_ready",
			wantWaiting: []string{ComponentStore},
		},
		{
			name:        "critical component unhealthy",
			report:      map[string]error{ComponentProvider: errors.New("no credentials"), ComponentStore: nil},
			wantStatus:  "not_ready",
			wantWaiting: []string{ComponentProvider},
		},
		{
			name:       "non-critical component ignored",
			report:     map[string]error{ComponentProvider: nil, ComponentStore: nil, "dns": errors.New("bind")},
			wantStatus: "ready",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth(ComponentProvider, ComponentStore)
			for name, err := range tt.report {
				ReportComponent(name, err)
			}
			readiness := GetReadiness()
			assert.Equal(t, tt.wantStatus, readiness.Status)
			assert.Equal(t, tt.wantWaiting, readiness.Waiting)
		})
	}
}

func TestSetCriticalComponents(t *testing.T) {
	resetHealth(ComponentProvider, ComponentStore)
	SetCriticalComponents("dns")
	ReportComponent("dns", nil)
	assert.Equal(t, "ready", GetReadiness().Status)
}

func TestHandlers(t *testing.T) {
	resetHealth(ComponentProvider)
	ReportComponent(ComponentProvider, errors.New("throttled"))

	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var health HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, "unhealthy", health.Status)

	rec = httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ReportComponent(ComponentProvider, nil)
	rec = httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMuxServesMetrics(t *testing.T) {
	resetHealth()
	srv := httptest.NewServer(Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
