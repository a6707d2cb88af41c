package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/solistra/mailroom/internal/metrics"
)

// HealthState tracks whether the primary transport passed its most
// recent probe. It is mutated by the health monitor and by the engine
// on outright connection failure; everyone else only reads it.
type HealthState struct {
	mu            sync.RWMutex
	ready         bool
	lastCheckedAt time.Time
	needsRebuild  bool
}

// NewHealthState starts optimistic: the subsystem is assumed ready
// until a probe or a send proves otherwise.
func NewHealthState() *HealthState {
	return &HealthState{ready: true}
}

// Ready reports the current readiness flag.
func (h *HealthState) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// LastCheckedAt returns the time of the most recent probe or
// send-path observation.
func (h *HealthState) LastCheckedAt() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastCheckedAt
}

// MarkUp records a successful probe.
func (h *HealthState) MarkUp(at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = true
	h.lastCheckedAt = at
}

// MarkDown records a failed probe and schedules a lazy transport
// rebuild for the next send. Rebuilding lazily instead of immediately
// avoids reconnect storms while the endpoint is still flapping.
func (h *HealthState) MarkDown(at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = false
	h.lastCheckedAt = at
	h.needsRebuild = true
}

// ConsumeRebuild returns whether a rebuild is pending and clears the
// flag, so exactly one send pays the reconstruction cost.
func (h *HealthState) ConsumeRebuild() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	pending := h.needsRebuild
	h.needsRebuild = false
	return pending
}

// Monitor probes the primary transport on a fixed interval,
// independent of any in-flight send. It only annotates HealthState;
// it never stops the process.
type Monitor struct {
	engine       *Engine
	interval     time.Duration
	probeTimeout time.Duration
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// NewMonitor creates a monitor over the engine's primary transport.
func NewMonitor(engine *Engine, interval, probeTimeout time.Duration) *Monitor {
	return &Monitor{
		engine:       engine,
		interval:     interval,
		probeTimeout: probeTimeout,
		logger:       slog.Default().With("component", "health-monitor"),
		metrics:      metrics.Get(),
	}
}

// Run probes until the context is cancelled. An initial probe runs
// immediately so readiness reflects reality before the first tick.
func (m *Monitor) Run(ctx context.Context) {
	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("health monitor stopped")
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs a single probe and updates health state.
func (m *Monitor) Check(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	m.metrics.HealthProbes.Inc()

	now := time.Now()
	if err := m.engine.ProbePrimary(ctx); err != nil {
		m.engine.Health().MarkDown(now)
		m.metrics.HealthReady.Set(0)
		m.logger.Warn("primary transport probe failed", "error", err)
		return
	}

	m.engine.Health().MarkUp(now)
	m.metrics.HealthReady.Set(1)
	m.logger.Debug("primary transport probe succeeded")
}
