// Package batch implements the asynchronous dispatcher between the
// capture API and the network. Create and update operations are queued
// per entity id, coalesced where possible, and transmitted in one
// debounced flush so that rapid-fire instrumentation calls do not each
// pay for a network round trip.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DefaultFlushDelay is the debounce window between the first queued
// operation and the automatic flush that transmits it.
const DefaultFlushDelay = 300 * time.Millisecond

// flushTimeout bounds timer-initiated flushes, which have no caller
// context to inherit a deadline from.
const flushTimeout = 30 * time.Second

// Sender transmits drained batches. Creates are always sent as one bulk
// call, updates as one call per queued update.
type Sender[C, U any] interface {
	SendCreate(ctx context.Context, batch []C) error
	SendUpdate(ctx context.Context, id string, upd U) error
}

// Config controls queue behavior.
type Config struct {
	// FlushDelay is the debounce window before an automatic flush.
	// Zero means DefaultFlushDelay.
	FlushDelay time.Duration

	// HoldUntilFlush disables the automatic timer entirely; nothing is
	// transmitted until the caller invokes Flush. Intended for
	// short-lived processes that would otherwise exit before the timer
	// fires.
	HoldUntilFlush bool

	// Logger receives delivery failures. Nil means slog.Default().
	Logger *slog.Logger
}

type queuedUpdate[U any] struct {
	id  string
	upd U
}

// Queue is a per-entity-kind dispatcher. C is the creation payload, U
// the partial-update payload. Updates arriving while the matching
// create is still queued are merged into the create so the network only
// ever sees a single, fully-updated creation per id.
//
// All methods are safe for concurrent use. Flush snapshots and clears
// the pending state under the lock before transmitting, so operations
// enqueued during transmission start a new batch rather than racing the
// in-flight one.
type Queue[C, U any] struct {
	sender Sender[C, U]
	merge  func(C, U) C
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	creates map[string]C
	order   []string
	updates []queuedUpdate[U]
	timer   *time.Timer

	// sendMu serializes whole flushes. Without it, an explicit flush
	// overlapping a timer flush could transmit an update for an id
	// before the earlier batch's create has finished on the wire.
	sendMu sync.Mutex

	dropped atomic.Int64 // operations lost to delivery failure
}

// New creates a queue. merge folds a partial update into a still-queued
// creation payload.
func New[C, U any](sender Sender[C, U], merge func(C, U) C, cfg Config) *Queue[C, U] {
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = DefaultFlushDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue[C, U]{
		sender:  sender,
		merge:   merge,
		cfg:     cfg,
		logger:  logger,
		creates: make(map[string]C),
	}
}

// Create enqueues a creation for id and arms the flush timer. Calling
// Create again for an id whose creation is still queued replaces the
// queued payload; at most one create is ever transmitted per id.
func (q *Queue[C, U]) Create(id string, payload C) {
	q.mu.Lock()
	if _, exists := q.creates[id]; !exists {
		q.order = append(q.order, id)
	}
	q.creates[id] = payload
	q.armTimerLocked()
	q.mu.Unlock()
}

// Update enqueues a partial update for id. If the creation for id is
// still sitting in the queue the update is merged into it; otherwise it
// is queued as its own update operation. Updates to the same id are
// applied in call order.
func (q *Queue[C, U]) Update(id string, upd U) {
	q.mu.Lock()
	if pending, ok := q.creates[id]; ok {
		q.creates[id] = q.merge(pending, upd)
	} else {
		q.updates = append(q.updates, queuedUpdate[U]{id: id, upd: upd})
	}
	q.armTimerLocked()
	q.mu.Unlock()
}

// armTimerLocked starts or extends the debounce timer. Callers hold q.mu.
func (q *Queue[C, U]) armTimerLocked() {
	if q.cfg.HoldUntilFlush {
		return
	}
	if q.timer != nil {
		q.timer.Reset(q.cfg.FlushDelay)
		return
	}
	q.timer = time.AfterFunc(q.cfg.FlushDelay, q.timerFlush)
}

func (q *Queue[C, U]) timerFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := q.Flush(ctx); err != nil {
		// Capture-path failures are logged, never surfaced to the
		// instrumented application.
		q.logger.Error("opik: batch flush failed", "error", err)
	}
}

// Flush cancels the pending timer, drains everything queued, and
// transmits it, returning once delivery has completed. A delivery
// failure is returned to the caller but does not roll back in-memory
// entity state; the affected operations are counted as dropped.
//
// Flushes are serialized: a flush that overlaps an in-flight one waits
// for it to finish, then snapshots, so per-id ordering holds across
// batches. Create and Update never wait on a transmission.
func (q *Queue[C, U]) Flush(ctx context.Context) error {
	q.sendMu.Lock()
	defer q.sendMu.Unlock()

	q.mu.Lock()
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	if len(q.order) == 0 && len(q.updates) == 0 {
		q.mu.Unlock()
		return nil
	}
	creates := make([]C, 0, len(q.order))
	for _, id := range q.order {
		creates = append(creates, q.creates[id])
	}
	updates := q.updates
	q.creates = make(map[string]C)
	q.order = nil
	q.updates = nil
	q.mu.Unlock()

	var errs []error
	if len(creates) > 0 {
		if err := q.sender.SendCreate(ctx, creates); err != nil {
			q.dropped.Add(int64(len(creates)))
			errs = append(errs, fmt.Errorf("send %d creates: %w", len(creates), err))
		}
	}
	for _, u := range updates {
		if err := q.sender.SendUpdate(ctx, u.id, u.upd); err != nil {
			q.dropped.Add(1)
			errs = append(errs, fmt.Errorf("send update %s: %w", u.id, err))
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of queued operations.
func (q *Queue[C, U]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order) + len(q.updates)
}

// Dropped returns the total operations lost to delivery failures. A
// non-zero value indicates data loss.
func (q *Queue[C, U]) Dropped() int64 {
	return q.dropped.Load()
}

// RegisterMetrics registers observable gauges for queue health under
// the given meter, tagged with the entity kind the queue carries.
func (q *Queue[C, U]) RegisterMetrics(meter metric.Meter, entity string) {
	attrs := metric.WithAttributes(attribute.String("entity", entity))

	_, _ = meter.Int64ObservableGauge("opik.queue.depth",
		metric.WithDescription("Current number of queued create/update operations"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(q.Len()), attrs)
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("opik.queue.dropped_total",
		metric.WithDescription("Total operations dropped due to delivery failures"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(q.Dropped(), attrs)
			return nil
		}),
	)
}
