package provider

import (
	"sync"
	"time"
)

// HealthState is the router's rolling estimate of a provider's condition.
// It is process-wide and never persisted as ground truth.
type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthDown     HealthState = "down"
)

// HealthSettings tunes the sliding-window health tracker.
type HealthSettings struct {
	// FailureWindow bounds the observation window for the failure rate.
	FailureWindow time.Duration
	// DegradedThreshold is the failure rate beyond which a provider degrades.
	DegradedThreshold float64
	// DownAfterFatals is the count of consecutive fatal errors before down.
	DownAfterFatals int
	// RecoveryCooldown must elapse before a down provider is probed.
	RecoveryCooldown time.Duration
	// MinWindowSamples avoids degrading on a handful of early failures.
	MinWindowSamples int
}

type observation struct {
	at time.Time
	ok bool
}

// healthTracker maintains one provider's health estimate.
type healthTracker struct {
	mu       sync.Mutex
	settings HealthSettings
	now      func() time.Time

	window            []observation
	consecutiveFatals int
	state             HealthState
	downSince         time.Time
	probing           bool
}

func newHealthTracker(settings HealthSettings, now func() time.Time) *healthTracker {
	if now == nil {
		now = time.Now
	}
	return &healthTracker{settings: settings, now: now, state: HealthHealthy}
}

// State returns the current health estimate.
func (h *healthTracker) State() HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// AllowProbe reports whether a down provider may receive a recovery probe.
// At most one probe is in flight at a time.
func (h *healthTracker) AllowProbe() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != HealthDown || h.probing {
		return false
	}
	if h.now().Sub(h.downSince) < h.settings.RecoveryCooldown {
		return false
	}
	h.probing = true
	return true
}

// RecordSuccess registers a successful attempt. A success while down (the
// recovery probe) restores the provider to healthy.
func (h *healthTracker) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveFatals = 0
	h.probing = false
	h.observe(true)
	if h.state == HealthDown {
		h.window = nil
		h.state = HealthHealthy
		return
	}
	h.state = h.evaluate()
}

// RecordFailure registers a failed attempt; fatal failures accelerate the
// degraded-to-down transition.
func (h *healthTracker) RecordFailure(fatal bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observe(false)
	if fatal {
		h.consecutiveFatals++
	} else {
		h.consecutiveFatals = 0
	}
	if h.probing {
		// Failed probe: restart the cooldown.
		h.probing = false
		h.downSince = h.now()
		return
	}
	if h.state == HealthDown {
		h.downSince = h.now()
		return
	}
	if h.state == HealthDegraded && fatal && h.consecutiveFatals >= h.settings.DownAfterFatals {
		h.markDown()
		return
	}
	h.state = h.evaluate()
}

// MarkDown forces the provider down, used on fatal auth failures.
func (h *healthTracker) MarkDown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.markDown()
}

func (h *healthTracker) markDown() {
	h.state = HealthDown
	h.downSince = h.now()
	h.probing = false
}

func (h *healthTracker) observe(ok bool) {
	now := h.now()
	h.window = append(h.window, observation{at: now, ok: ok})
	cutoff := now.Add(-h.settings.FailureWindow)
	trimmed := h.window[:0]
	for _, obs := range h.window {
		if obs.at.After(cutoff) {
			trimmed = append(trimmed, obs)
		}
	}
	h.window = trimmed
}

func (h *healthTracker) evaluate() HealthState {
	if len(h.window) < h.settings.MinWindowSamples {
		if h.state == HealthDegraded {
			return HealthDegraded
		}
		return HealthHealthy
	}
	failures := 0
	for _, obs := range h.window {
		if !obs.ok {
			failures++
		}
	}
	rate := float64(failures) / float64(len(h.window))
	if rate > h.settings.DegradedThreshold {
		return HealthDegraded
	}
	return HealthHealthy
}

// HealthReport is the observability view of one provider.
type HealthReport struct {
	Provider     string       `json:"provider"`
	State        HealthState  `json:"state"`
	Priority     int          `json:"priority"`
	Capabilities []Capability `json:"capabilities"`
	AvgLatencyMS int64        `json:"avg_latency_ms"`
}
