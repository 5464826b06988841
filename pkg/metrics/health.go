package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Components flotilla reports on. The provider is healthy while the last
// describe against the cloud APIs succeeded, the store while the local
// registry is readable and writable.
const (
	ComponentProvider = "provider"
	ComponentStore    = "store"
)

// ComponentStatus is the last report for one component
type ComponentStatus struct {
	Healthy  bool      `json:"healthy"`
	Error    string    `json:"error,omitempty"`
	Failures int       `json:"consecutive_failures,omitempty"`
	Since    time.Time `json:"since"`
}

// HealthStatus is the body served on /health and /ready
type HealthStatus struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentStatus `json:"components,omitempty"`
	Waiting    []string                   `json:"waiting,omitempty"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime"`
}

type componentRegistry struct {
	mu         sync.RWMutex
	components map[string]ComponentStatus
	critical   []string
	started    time.Time
	version    string
}

func newComponentRegistry(critical ...string) *componentRegistry {
	return &componentRegistry{
		components: make(map[string]ComponentStatus),
		critical:   critical,
		started:    time.Now(),
	}
}

var registry = newComponentRegistry(ComponentProvider, ComponentStore)

// SetVersion sets the version reported by the health endpoints
func SetVersion(version string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.version = version
}

// SetCriticalComponents replaces the components /ready waits for
func SetCriticalComponents(names ...string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.critical = append([]string(nil), names...)
}

// ReportComponent records the outcome of a component's last operation. A
// nil error marks it healthy. Since only moves when health flips.
func ReportComponent(name string, err error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	prev, seen := registry.components[name]
	next := ComponentStatus{Healthy: err == nil, Since: prev.Since}
	if err != nil {
		next.Error = err.Error()
		next.Failures = prev.Failures + 1
	}
	if !seen || prev.Healthy != next.Healthy {
		next.Since = time.Now()
	}
	registry.components[name] = next
}

// GetHealth is unhealthy while any reported component is
func GetHealth() HealthStatus {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	status := registry.status("healthy")
	for name, comp := range registry.components {
		status.Components[name] = comp
		if !comp.Healthy {
			status.Status = "unhealthy"
		}
	}
	return status
}

// GetReadiness is not ready until every critical component has reported
// healthy
func GetReadiness() HealthStatus {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	status := registry.status("ready")
	for _, name := range registry.critical {
		comp, ok := registry.components[name]
		if ok {
			status.Components[name] = comp
		}
		if !ok || !comp.Healthy {
			status.Waiting = append(status.Waiting, name)
		}
	}
	if len(status.Waiting) > 0 {
		sort.Strings(status.Waiting)
		status.Status = "not_ready"
	}
	return status
}

func (r *componentRegistry) status(initial string) HealthStatus {
	return HealthStatus{
		Status:     initial,
		Components: make(map[string]ComponentStatus),
		Version:    r.version,
		Uptime:     time.Since(r.started).Round(time.Second).String(),
	}
}

// HealthHandler serves GetHealth, 503 when unhealthy
func HealthHandler() http.HandlerFunc {
	return statusHandler(GetHealth, "healthy")
}

// ReadyHandler serves GetReadiness, 503 until ready
func ReadyHandler() http.HandlerFunc {
	return statusHandler(GetReadiness, "ready")
}

func statusHandler(get func() HealthStatus, ok string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := get()
		w.Header().Set("Content-Type", "application/json")
		if status.Status != ok {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	}
}
