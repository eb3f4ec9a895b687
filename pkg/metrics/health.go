package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// HealthStatus represents the health status of the agent
type HealthStatus struct {
	Status     string            `json:"status"` // "healthy", "unhealthy", "ready", "not_ready"
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Machine    string            `json:"machine,omitempty"`
	ClientUUID string            `json:"client_uuid,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
	StartTime  time.Time         `json:"-"`
}

// Components that must be healthy before the agent reports ready
var criticalComponents = []string{"lighthouse", "workers"}

var (
	healthChecker = newHealthChecker()
)

// ComponentHealth tracks the health of a single component
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

// HealthChecker manages health checks for various components
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	startTime  time.Time
	version    string
	machine    string
	clientUUID string
}

func newHealthChecker() *HealthChecker {
	return &HealthChecker{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
	}
}

// SetVersion sets the version string for health responses
func SetVersion(version string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.version = version
}

// SetIdentity records the machine name and client UUID reported on /health
func SetIdentity(machine, clientUUID string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.machine = machine
	healthChecker.clientUUID = clientUUID
}

// UpdateComponent records the health of a component, registering it on first use
func UpdateComponent(name string, healthy bool, message string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()

	healthChecker.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// GetHealth returns the overall health status
func GetHealth() HealthStatus {
	healthChecker.mu.RLock()
	defer healthChecker.mu.RUnlock()

	status := "healthy"
	components := make(map[string]string)

	for name, comp := range healthChecker.components {
		if !comp.Healthy {
			status = "unhealthy"
			components[name] = "unhealthy: " + comp.Message
		} else if comp.Message != "" {
			components[name] = "healthy: " + comp.Message
		} else {
			components[name] = "healthy"
		}
	}

	return healthChecker.status(status, "", components)
}

// GetReadiness reports ready once the Lighthouse channel is open and the
// worker pool exists
func GetReadiness() HealthStatus {
	healthChecker.mu.RLock()
	defer healthChecker.mu.RUnlock()

	status := "ready"
	message := ""
	components := make(map[string]string)

	for _, name := range criticalComponents {
		comp, exists := healthChecker.components[name]
		switch {
		case !exists:
			status = "not_ready"
			message = "waiting for " + name + " initialization"
			components[name] = "not registered"
		case !comp.Healthy:
			status = "not_ready"
			message = "waiting for " + name
			components[name] = "not ready: " + comp.Message
		default:
			components[name] = "ready"
		}
	}

	return healthChecker.status(status, message, components)
}

// status builds a response; the caller holds the read lock
func (h *HealthChecker) status(status, message string, components map[string]string) HealthStatus {
	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    h.version,
		Machine:    h.machine,
		ClientUUID: h.clientUUID,
		Uptime:     time.Since(h.startTime).String(),
		StartTime:  h.startTime,
	}
}

// HealthHandler serves /health
func HealthHandler(c echo.Context) error {
	health := GetHealth()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	return c.JSON(statusCode, health)
}

// ReadyHandler serves /ready
func ReadyHandler(c echo.Context) error {
	readiness := GetReadiness()

	statusCode := http.StatusOK
	if readiness.Status != "ready" {
		statusCode = http.StatusServiceUnavailable
	}
	return c.JSON(statusCode, readiness)
}

// LivenessHandler always returns 200 while the process is running
func LivenessHandler(c echo.Context) error {
	healthChecker.mu.RLock()
	uptime := time.Since(healthChecker.startTime)
	healthChecker.mu.RUnlock()

	return c.JSON(http.StatusOK, map[string]string{
		"status": "alive",
		"uptime": uptime.String(),
	})
}
