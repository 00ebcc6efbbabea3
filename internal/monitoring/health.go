package monitoring

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

var startTime = time.Now()

// HealthChecker reports the supervisor's liveness over HTTP. The
// supervisor is the single writer; probes only read.
type HealthChecker struct {
	mu            sync.RWMutex
	staleAfter    time.Duration
	lastCycle     time.Time
	connected     bool
	safeMode      bool
	openPositions int
}

type HealthStatus struct {
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	Uptime        string    `json:"uptime"`
	LastCycle     time.Time `json:"last_cycle"`
	Connected     bool      `json:"connected"`
	SafeMode      bool      `json:"safe_mode"`
	OpenPositions int       `json:"open_positions"`
}

// NewHealthChecker creates a checker that reports degraded once no
// cycle has completed within staleAfter.
func NewHealthChecker(staleAfter time.Duration) *HealthChecker {
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return &HealthChecker{staleAfter: staleAfter}
}

// MarkCycle records a completed cycle and the position count it left.
func (h *HealthChecker) MarkCycle(at time.Time, openPositions int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastCycle = at
	h.openPositions = openPositions
}

// SetConnected records the broker connection state.
func (h *HealthChecker) SetConnected(connected bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = connected
}

// SetSafeMode records whether the supervisor has suspended admission.
func (h *HealthChecker) SetSafeMode(on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.safeMode = on
}

func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "healthy"
	code := http.StatusOK
	switch {
	case h.lastCycle.IsZero():
		// Process is up but the loop has not finished a cycle yet.
		status = "starting"
	case !h.connected, h.safeMode, time.Since(h.lastCycle) > h.staleAfter:
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	health := HealthStatus{
		Status:        status,
		Timestamp:     time.Now(),
		Uptime:        time.Since(startTime).String(),
		LastCycle:     h.lastCycle,
		Connected:     h.connected,
		SafeMode:      h.safeMode,
		OpenPositions: h.openPositions,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(health)
}
