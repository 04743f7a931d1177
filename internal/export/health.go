package export

import (
	"sync"
	"time"

	"github.com/telhawk-systems/telhawk-forwarder/internal/metrics"
	"github.com/telhawk-systems/telhawk-forwarder/internal/models"
)

// Health is a sink's delivery health record. It is written only by the
// sink's exporter task; everything else reads point-in-time snapshots, so
// no cross-task locking discipline is needed beyond the internal mutex.
type Health struct {
	sinkID        string
	degradedAfter int
	downAfter     int

	mu         sync.RWMutex
	state      models.HealthState
	failures   int
	lastError  string
	lastChange time.Time
}

// HealthSnapshot is a read-only copy of a sink's health.
type HealthSnapshot struct {
	SinkID     string             `json:"sink_id"`
	State      string             `json:"state"`
	Failures   int                `json:"consecutive_failures"`
	LastError  string             `json:"last_error,omitempty"`
	LastChange time.Time          `json:"last_change"`
}

// NewHealth creates a health record starting Up.
func NewHealth(sinkID string, degradedAfter, downAfter int) *Health {
	metrics.SinkHealth.WithLabelValues(sinkID).Set(0)
	return &Health{
		sinkID:        sinkID,
		degradedAfter: degradedAfter,
		downAfter:     downAfter,
		state:         models.HealthUp,
		lastChange:    time.Now(),
	}
}

// Failure records one consecutive failure and applies the Up → Degraded →
// Down transitions. Returns the resulting state.
func (h *Health) Failure(err error) models.HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.failures++
	h.lastError = err.Error()

	switch {
	case h.failures >= h.downAfter:
		h.transition(models.HealthDown)
	case h.failures >= h.degradedAfter:
		h.transition(models.HealthDegraded)
	}
	return h.state
}

// ForceDown moves the sink directly to Down (auth failures skip the
// Degraded ramp).
func (h *Health) ForceDown(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = h.downAfter
	h.lastError = err.Error()
	h.transition(models.HealthDown)
}

// Success resets the failure streak and restores Up.
func (h *Health) Success() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = 0
	h.lastError = ""
	h.transition(models.HealthUp)
}

// State returns the current state.
func (h *Health) State() models.HealthState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Snapshot returns a read-only copy for health endpoints and routing.
func (h *Health) Snapshot() HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HealthSnapshot{
		SinkID:     h.sinkID,
		State:      h.state.String(),
		Failures:   h.failures,
		LastError:  h.lastError,
		LastChange: h.lastChange,
	}
}

// transition is called with the mutex held.
func (h *Health) transition(to models.HealthState) {
	if h.state == to {
		return
	}
	h.state = to
	h.lastChange = time.Now()
	metrics.SinkHealth.WithLabelValues(h.sinkID).Set(float64(to))
}
