// Package queue holds messages that failed every transport and
// re-attempts them on an interval with exponential backoff. The queue
// is in-memory with a disk snapshot so pending retries survive a
// process restart.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/solistra/mailroom/internal/message"
	"github.com/solistra/mailroom/internal/metrics"
)

// Clock abstracts time so tests can drive the tick loop with a fake
// clock instead of real timers.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// DeliveryHandler re-attempts delivery of a queued message. Implemented
// by the delivery engine via the mailer.
type DeliveryHandler interface {
	Deliver(ctx context.Context, msg *message.OutboundMessage) error
}

// FailureRecorder receives messages whose retry budget is exhausted.
type FailureRecorder interface {
	RecordFailure(msg *message.OutboundMessage, attempts int, cause string) error
}

// Item wraps a message waiting for redelivery.
type Item struct {
	Message     message.OutboundMessage `json:"message"`
	Attempts    int                     `json:"attempts"`
	NextRetryAt time.Time               `json:"next_retry_at"`
	LastError   string                  `json:"last_error,omitempty"`
	EnqueuedAt  time.Time               `json:"enqueued_at"`
}

// Config holds retry queue tuning.
type Config struct {
	// Interval between ticks of the background loop.
	Interval time.Duration
	// BaseDelay seeds the exponential backoff: delay = base * 2^attempts.
	BaseDelay time.Duration
	// MaxAttempts is the ceiling; reaching it drops the item into the
	// failure recorder.
	MaxAttempts int
	// MaxConcurrent bounds redeliveries in flight within one tick.
	MaxConcurrent int64
	// SnapshotPath is the on-disk location of the queue snapshot.
	SnapshotPath string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:      60 * time.Second,
		BaseDelay:     30 * time.Second,
		MaxAttempts:   5,
		MaxConcurrent: 4,
		SnapshotPath:  "./data/retry-queue.json",
	}
}

// Queue is the durable retry queue. Items are keyed by message ID, so
// a message can only ever be queued once.
type Queue struct {
	cfg      Config
	handler  DeliveryHandler
	recorder FailureRecorder
	clock    Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu    sync.Mutex
	items map[string]*Item

	// tickMu is the single-flight guard: if a tick is still running
	// when the timer fires again, the new tick is skipped.
	tickMu sync.Mutex
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
}

// New creates a retry queue. Call Load to restore a snapshot, then
// Start to run the background loop.
func New(cfg Config, handler DeliveryHandler, recorder FailureRecorder) *Queue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Queue{
		cfg:      cfg,
		handler:  handler,
		recorder: recorder,
		clock:    realClock{},
		logger:   slog.Default().With("component", "retry-queue"),
		metrics:  metrics.Get(),
		items:    make(map[string]*Item),
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
	}
}

// SetClock replaces the clock. For tests; call before Start.
func (q *Queue) SetClock(c Clock) { q.clock = c }

// Enqueue adds a failed message to the queue. Duplicate IDs are
// ignored: the queued item already owns that message's retry
// lifecycle.
func (q *Queue) Enqueue(msg *message.OutboundMessage, cause error) {
	q.mu.Lock()
	if _, exists := q.items[msg.ID]; exists {
		q.mu.Unlock()
		q.logger.Debug("message already queued", "message_id", msg.ID)
		return
	}

	now := q.clock.Now()
	item := &Item{
		Message:     *msg,
		Attempts:    0,
		NextRetryAt: now.Add(q.backoff(0)),
		EnqueuedAt:  now,
	}
	if cause != nil {
		item.LastError = cause.Error()
	}
	q.items[msg.ID] = item
	depth := len(q.items)
	q.mu.Unlock()

	q.metrics.QueueDepth.Set(float64(depth))
	q.logger.Info("message_deferred",
		"event_type", "message_deferred",
		"message_id", msg.ID,
		"next_retry", item.NextRetryAt,
		"error", item.LastError,
	)

	if err := q.saveSnapshot(); err != nil {
		q.logger.Warn("failed to snapshot queue", "error", err)
	}
}

// Start runs the background retry loop until the context is cancelled.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go q.run(ctx)
}

// Stop waits for the background loop to exit. Cancel the Start context
// first.
func (q *Queue) Stop() {
	q.wg.Wait()
}

func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()

	q.logger.Info("retry loop started",
		"interval", q.cfg.Interval,
		"base_delay", q.cfg.BaseDelay,
		"max_attempts", q.cfg.MaxAttempts,
	)

	ticker := time.NewTicker(q.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := q.saveSnapshot(); err != nil {
				q.logger.Warn("failed to snapshot queue on shutdown", "error", err)
			}
			q.logger.Info("retry loop stopped")
			return
		case <-ticker.C:
			q.Tick(ctx)
		}
	}
}

// Tick processes every item whose retry time has come. Only one tick
// runs at a time; a tick that fires while the previous one is still
// processing is skipped, which also guarantees a single message never
// has two concurrent delivery attempts.
func (q *Queue) Tick(ctx context.Context) {
	if !q.tickMu.TryLock() {
		q.logger.Debug("tick skipped, previous tick still running")
		return
	}
	defer q.tickMu.Unlock()

	now := q.clock.Now()

	q.mu.Lock()
	due := make([]Item, 0)
	for _, item := range q.items {
		if !now.Before(item.NextRetryAt) {
			due = append(due, *item)
		}
	}
	q.mu.Unlock()

	if len(due) == 0 {
		return
	}

	// Oldest due first, so a backlog drains in order.
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRetryAt.Before(due[j].NextRetryAt)
	})

	var wg sync.WaitGroup
	for _, item := range due {
		if err := q.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(it Item) {
			defer q.sem.Release(1)
			defer wg.Done()
			q.attempt(ctx, it)
		}(item)
	}
	wg.Wait()

	q.mu.Lock()
	depth := len(q.items)
	q.mu.Unlock()
	q.metrics.QueueDepth.Set(float64(depth))

	if err := q.saveSnapshot(); err != nil {
		q.logger.Warn("failed to snapshot queue", "error", err)
	}
}

// attempt redelivers one item and applies the outcome.
func (q *Queue) attempt(ctx context.Context, it Item) {
	q.metrics.RetriesTotal.Inc()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	err := q.handler.Deliver(ctx, &it.Message)

	q.mu.Lock()
	item, ok := q.items[it.Message.ID]
	if !ok {
		// Removed by an operator while the attempt was in flight.
		q.mu.Unlock()
		return
	}

	if err == nil {
		delete(q.items, it.Message.ID)
		q.mu.Unlock()
		q.logger.Info("message_delivered_after_retry",
			"event_type", "message_delivered",
			"message_id", it.Message.ID,
			"attempts", item.Attempts+1,
		)
		return
	}

	item.Attempts++
	item.LastError = err.Error()

	// A validation failure discovered mid-retry (an attachment deleted
	// while the message sat queued) can never succeed; further retries
	// would only burn the budget.
	var ve *message.ValidationError
	permanent := errors.As(err, &ve)

	if permanent || item.Attempts >= q.cfg.MaxAttempts {
		attempts := item.Attempts
		delete(q.items, it.Message.ID)
		q.mu.Unlock()

		q.metrics.PermanentFailures.Inc()
		q.logger.Error("message_bounced",
			"event_type", "bounce",
			"message_id", it.Message.ID,
			"attempts", attempts,
			"permanent", permanent,
			"error", err,
		)
		if rerr := q.recorder.RecordFailure(&it.Message, attempts, err.Error()); rerr != nil {
			q.logger.Error("failed to record permanent failure",
				"message_id", it.Message.ID, "error", rerr)
		}
		return
	}

	item.NextRetryAt = q.clock.Now().Add(q.backoff(item.Attempts))
	next := item.NextRetryAt
	attempts := item.Attempts
	q.mu.Unlock()

	q.logger.Warn("message_deferred_again",
		"event_type", "message_deferred",
		"message_id", it.Message.ID,
		"attempts", attempts,
		"next_retry", next,
		"error", err,
	)
}

// backoff returns base * 2^attempts. The exponent is capped well below
// anything MaxAttempts allows, purely to keep the shift defined.
func (q *Queue) backoff(attempts int) time.Duration {
	if attempts > 20 {
		attempts = 20
	}
	return q.cfg.BaseDelay * (1 << attempts)
}

// Len returns the number of items currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a copy of the queue contents sorted by next retry
// time, for operational inspection.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	out := make([]Item, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, *item)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].NextRetryAt.Before(out[j].NextRetryAt)
	})
	return out
}

// Get returns one item by message ID.
func (q *Queue) Get(id string) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return Item{}, fmt.Errorf("message not queued: %s", id)
	}
	return *item, nil
}

// RetryNow makes an item due immediately, so the next tick re-attempts
// it regardless of its backoff.
func (q *Queue) RetryNow(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return fmt.Errorf("message not queued: %s", id)
	}
	item.NextRetryAt = q.clock.Now()
	return nil
}

// Remove drops an item without recording a failure.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[id]; !ok {
		return fmt.Errorf("message not queued: %s", id)
	}
	delete(q.items, id)
	return nil
}

// Flush drops all items and returns how many were removed.
func (q *Queue) Flush() int {
	q.mu.Lock()
	n := len(q.items)
	q.items = make(map[string]*Item)
	q.mu.Unlock()

	q.metrics.QueueDepth.Set(0)
	if err := q.saveSnapshot(); err != nil {
		q.logger.Warn("failed to snapshot queue", "error", err)
	}
	return n
}
