package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
)

type Status string

const (
	StatusUnknown    Status = "UNKNOWN"
	StatusServing    Status = "SERVING"
	StatusNotServing Status = "NOT_SERVING"
)

// HealthChecker tracks a serving status per component
type HealthChecker struct {
	mu     sync.RWMutex
	status map[string]Status
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		status: make(map[string]Status),
	}
}

// SetServingStatus sets the serving status of a component
func (h *HealthChecker) SetServingStatus(component string, status Status) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status[component] = status
}

// Check returns the status of component, or StatusUnknown.
func (h *HealthChecker) Check(component string) Status {
	if h == nil {
		return StatusUnknown
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if status, ok := h.status[component]; ok {
		return status
	}
	return StatusUnknown
}

// Healthy is true when no component reports NOT_SERVING.
func (h *HealthChecker) Healthy() bool {
	if h == nil {
		return true
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, status := range h.status {
		if status == StatusNotServing {
			return false
		}
	}
	return true
}

func (h *HealthChecker) snapshot() map[string]Status {
	if h == nil {
		return map[string]Status{}
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]Status, len(h.status))
	for k, v := range h.status {
		out[k] = v
	}
	return out
}

// ServeHTTP answers 200 with the component map when healthy, 503 otherwise.
func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	code := http.StatusOK
	if !h.Healthy() {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(h.snapshot())
}
