package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/solistra/mailroom/internal/message"
	"github.com/solistra/mailroom/internal/metrics"
	"github.com/solistra/mailroom/internal/transport"
)

// Factory builds a fresh transport chain. The engine calls it once at
// construction and again whenever the health monitor has flagged the
// chain for rebuild.
type Factory func() ([]transport.Transport, error)

// Receipt describes a successful delivery: which transport accepted
// the message and the message id stamped on the wire.
type Receipt struct {
	MessageID      string        `json:"message_id"`
	Transport      string        `json:"transport"`
	TransportIndex int           `json:"transport_index"`
	WireID         string        `json:"wire_id"`
	Duration       time.Duration `json:"duration"`
}

// Engine attempts delivery through an ordered transport chain. One
// pass walks the chain in priority order until a transport accepts
// the message or the chain is exhausted.
type Engine struct {
	mu         sync.RWMutex
	transports []transport.Transport
	factory    Factory
	health     *HealthState
	fastFail   bool

	breakerMu sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewEngine builds the initial transport chain and wraps each endpoint
// in a circuit breaker. FastFail skips the immediate attempt while the
// primary transport is known down so callers are not blocked on a
// doomed network call.
func NewEngine(factory Factory, fastFail bool) (*Engine, error) {
	transports, err := factory()
	if err != nil {
		return nil, fmt.Errorf("failed to build transports: %w", err)
	}
	if len(transports) == 0 {
		return nil, fmt.Errorf("no transports configured")
	}

	return &Engine{
		transports: transports,
		factory:    factory,
		health:     NewHealthState(),
		fastFail:   fastFail,
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
		logger:     slog.Default().With("component", "delivery-engine"),
		metrics:    metrics.Get(),
	}, nil
}

// Health exposes the shared readiness state.
func (e *Engine) Health() *HealthState {
	return e.health
}

// Transports returns the current chain snapshot.
func (e *Engine) Transports() []transport.Transport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]transport.Transport, len(e.transports))
	copy(out, e.transports)
	return out
}

// ProbePrimary verifies the highest-priority transport.
func (e *Engine) ProbePrimary(ctx context.Context) error {
	e.mu.RLock()
	primary := e.transports[0]
	e.mu.RUnlock()
	return primary.Probe(ctx)
}

// Send runs one delivery pass for a fresh submission. Validation and
// attachment existence are checked before any network call; their
// failures are permanent and must never reach the retry queue. A nil
// error means exactly one transport accepted the message.
func (e *Engine) Send(ctx context.Context, msg *message.OutboundMessage) (*Receipt, error) {
	return e.send(ctx, msg, e.fastFail)
}

// Redeliver runs one delivery pass for a queued message. Fast-fail
// never applies here: a redelivery has no caller waiting on it, and
// the fallback transports may well be healthy while the primary is
// down, so the pass always walks the full chain.
func (e *Engine) Redeliver(ctx context.Context, msg *message.OutboundMessage) (*Receipt, error) {
	return e.send(ctx, msg, false)
}

func (e *Engine) send(ctx context.Context, msg *message.OutboundMessage, fastFail bool) (*Receipt, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	if err := msg.CheckAttachments(); err != nil {
		return nil, err
	}

	if e.health.ConsumeRebuild() {
		if err := e.rebuild(); err != nil {
			// Keep the existing chain; a broken factory should not
			// turn a transient outage into a hard stop.
			e.logger.Error("transport rebuild failed, keeping current chain", "error", err)
		}
	}

	if fastFail && !e.health.Ready() {
		e.logger.Warn("skipping delivery attempt, primary transport known down",
			"message_id", msg.ID)
		e.metrics.DeliveryFailures.Inc()
		return nil, &DeliveryError{MessageID: msg.ID, KnownDown: true}
	}

	transports := e.Transports()
	start := time.Now()
	attempts := make([]*TransportError, 0, len(transports))

	for i, t := range transports {
		e.metrics.DeliveryAttempts.Inc()

		wireID, err := e.attempt(ctx, t, msg)
		if err == nil {
			elapsed := time.Since(start)
			if i > 0 {
				e.metrics.TransportFallbacks.Inc()
			}
			e.metrics.DeliverySuccesses.Inc()
			e.metrics.DeliveryDuration.Observe(elapsed.Seconds())

			e.logger.Info("message_delivered",
				"event_type", "message_delivered",
				"message_id", msg.ID,
				"transport", t.Name(),
				"transport_index", i,
				"wire_id", wireID,
				"duration_ms", elapsed.Milliseconds(),
			)

			return &Receipt{
				MessageID:      msg.ID,
				Transport:      t.Name(),
				TransportIndex: i,
				WireID:         wireID,
				Duration:       elapsed,
			}, nil
		}

		attempts = append(attempts, &TransportError{Transport: t.Name(), Err: err})
		e.logger.Warn("transport attempt failed",
			"message_id", msg.ID,
			"transport", t.Name(),
			"transport_index", i,
			"error", err,
		)

		// A dead primary flips readiness immediately instead of
		// waiting for the next health probe.
		if i == 0 && isConnectionError(err) {
			e.health.MarkDown(time.Now())
			e.metrics.HealthReady.Set(0)
		}

		select {
		case <-ctx.Done():
			attempts = append(attempts, &TransportError{Transport: "context", Err: ctx.Err()})
			e.metrics.DeliveryFailures.Inc()
			return nil, &DeliveryError{MessageID: msg.ID, Attempts: attempts}
		default:
		}
	}

	e.metrics.DeliveryFailures.Inc()
	e.logger.Error("message_undeliverable",
		"event_type", "delivery_failed",
		"message_id", msg.ID,
		"transports_tried", len(attempts),
	)

	return nil, &DeliveryError{MessageID: msg.ID, Attempts: attempts}
}

// attempt sends through one transport behind its circuit breaker. An
// open breaker fails the attempt without a network call.
func (e *Engine) attempt(ctx context.Context, t transport.Transport, msg *message.OutboundMessage) (string, error) {
	cb := e.breaker(t.Name())
	res, err := cb.Execute(func() (interface{}, error) {
		return t.Send(ctx, msg)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// breaker returns the circuit breaker for a transport, creating it on
// first use. Breakers are keyed by transport name so their state
// survives a chain rebuild: the endpoint's history is what matters,
// not the handle.
func (e *Engine) breaker(name string) *gobreaker.CircuitBreaker {
	e.breakerMu.Lock()
	defer e.breakerMu.Unlock()

	if cb, ok := e.breakers[name]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Warn("circuit breaker state change",
				"transport", name, "from", from.String(), "to", to.String())
		},
	})
	e.breakers[name] = cb
	return cb
}

// rebuild swaps in a fresh transport chain. Existing handles are left
// for in-flight sends to finish with; new sends see the new chain.
func (e *Engine) rebuild() error {
	transports, err := e.factory()
	if err != nil {
		return err
	}
	if len(transports) == 0 {
		return fmt.Errorf("factory returned empty transport chain")
	}

	e.mu.Lock()
	e.transports = transports
	e.mu.Unlock()

	e.logger.Info("transport chain rebuilt", "transports", len(transports))
	return nil
}
