package kyudo

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

const defaultSweepInterval = time.Second

// MemoryOption tunes a memory queue at construction.
type MemoryOption[T, S any] func(*MemoryQueue[T, S])

// WithNowFunc overrides the clock. Tests drive visibility and retention by
// advancing a variable instead of sleeping.
func WithNowFunc[T, S any](now func() time.Time) MemoryOption[T, S] {
	return func(q *MemoryQueue[T, S]) {
		if now != nil {
			q.nowFn = now
		}
	}
}

// WithSerializer sets the payload serializer. Without one, T and S must
// coincide and payloads are stored as-is.
func WithSerializer[T, S any](s Serializer[T, S]) MemoryOption[T, S] {
	return func(q *MemoryQueue[T, S]) {
		if s != nil {
			q.serializer = s
		}
	}
}

// WithDeadLetterQueue attaches the queue poisoned messages are routed to.
// The reference is non-owning: disposing this queue leaves the dead-letter
// queue untouched.
func WithDeadLetterQueue[T, S any](dlq Queue[T]) MemoryOption[T, S] {
	return func(q *MemoryQueue[T, S]) {
		q.deadLetter = dlq
	}
}

// WithIDGenerator overrides the id generator used by EnqueuePayload.
func WithIDGenerator[T, S any](gen IDGenerator) MemoryOption[T, S] {
	return func(q *MemoryQueue[T, S]) {
		if gen != nil {
			q.idGen = gen
		}
	}
}

// WithSweepInterval overrides the background sweep period. The sweep is not
// required for correctness (Dequeue sweeps too); it bounds the footprint of
// idle queues with retention.
func WithSweepInterval[T, S any](d time.Duration) MemoryOption[T, S] {
	return func(q *MemoryQueue[T, S]) {
		if d > 0 {
			q.sweepInterval = d
		}
	}
}

// WithLogger sets the logger for sweep and routing events. Logs are
// discarded by default.
func WithLogger[T, S any](logger *slog.Logger) MemoryOption[T, S] {
	return func(q *MemoryQueue[T, S]) {
		if logger != nil {
			q.logger = logger
		}
	}
}

type storedRecord[S any] struct {
	id        string
	payload   S
	createdAt time.Time
}

// MemoryQueue is the reference in-memory backend: a FIFO sequence of stored
// records plus two side tables keyed by id, one for visibility deadlines and
// one for receive counts. A background sweep purges retention-expired records
// and restores expired visibility leases.
type MemoryQueue[T, S any] struct {
	name   string
	config Configuration

	mu             sync.Mutex
	records        []*storedRecord[S] // FIFO; every live id appears exactly once
	invisibleUntil map[string]time.Time
	receiveCount   map[string]int
	disposed       bool

	serializer Serializer[T, S]
	deadLetter Queue[T]
	idGen      IDGenerator
	nowFn      func() time.Time
	logger     *slog.Logger

	sweepInterval time.Duration
	sweepCancel   context.CancelFunc
	sweepDone     chan struct{}
}

var _ Queue[int] = (*MemoryQueue[int, int])(nil)

// NewMemoryQueue constructs a queue with the given delivery policy and
// starts its background sweep.
func NewMemoryQueue[T, S any](name string, config Configuration, opts ...MemoryOption[T, S]) (*MemoryQueue[T, S], error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("queue %q: %w", name, err)
	}
	q := &MemoryQueue[T, S]{
		name:           name,
		config:         config,
		invisibleUntil: make(map[string]time.Time),
		receiveCount:   make(map[string]int),
		serializer:     identitySerializer[T, S]{},
		idGen:          NewID,
		nowFn:          time.Now,
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		sweepInterval:  defaultSweepInterval,
	}
	for _, opt := range opts {
		opt(q)
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.sweepCancel = cancel
	q.sweepDone = make(chan struct{})
	go q.sweepLoop(ctx)
	return q, nil
}

// Enqueue appends msg to the tail. Messages already past retention are
// skipped without error. An empty id is replaced with a generated one; a
// zero CreatedAt is replaced with the current time.
func (q *MemoryQueue[T, S]) Enqueue(ctx context.Context, msg Message[T]) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disposed {
		return ErrQueueDisposed
	}

	now := q.nowFn()
	if msg.ID == "" {
		msg.ID = q.idGen()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if q.config.expired(msg.CreatedAt, now) {
		// Already past retention: a deliberate no-op so producers can replay
		// stale records.
		return nil
	}
	if q.indexOfLocked(msg.ID) >= 0 {
		return fmt.Errorf("queue %q: message %q: %w", q.name, msg.ID, ErrDuplicateID)
	}

	stored, err := q.serializer.Serialize(msg.Payload)
	if err != nil {
		return &SerializationError{
			Message: fmt.Sprintf("serialize payload of message %q", msg.ID),
			Cause:   err,
		}
	}

	q.records = append(q.records, &storedRecord[S]{
		id:        msg.ID,
		payload:   stored,
		createdAt: msg.CreatedAt,
	})
	q.receiveCount[msg.ID] = 0
	return nil
}

// EnqueuePayload wraps payload in a fresh envelope and enqueues it.
func (q *MemoryQueue[T, S]) EnqueuePayload(ctx context.Context, payload T) error {
	return q.Enqueue(ctx, Message[T]{
		ID:        q.idGen(),
		Payload:   payload,
		CreatedAt: q.nowFn(),
	})
}

// Dequeue returns the first visible message, made invisible for the
// visibility timeout, or (nil, nil) when none exists. Candidates whose
// incremented receive count strictly exceeds MaxReceiveCount are removed and
// routed to the dead-letter queue (or dropped), and the scan continues.
func (q *MemoryQueue[T, S]) Dequeue(ctx context.Context) (*Message[T], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disposed {
		return nil, ErrQueueDisposed
	}

	now := q.nowFn()
	q.sweepLocked(now)

	for i := 0; i < len(q.records); {
		rec := q.records[i]
		if until, ok := q.invisibleUntil[rec.id]; ok && until.After(now) {
			i++
			continue
		}

		q.receiveCount[rec.id]++
		if q.receiveCount[rec.id] > q.config.MaxReceiveCount {
			q.records = append(q.records[:i], q.records[i+1:]...)
			if err := q.routeDeadLetterLocked(ctx, rec); err != nil {
				return nil, err
			}
			continue
		}

		q.invisibleUntil[rec.id] = now.Add(q.config.VisibilityTimeout)
		payload, err := q.serializer.Deserialize(rec.payload)
		if err != nil {
			return nil, &DeserializationError{
				Message: fmt.Sprintf("deserialize payload of message %q", rec.id),
				Raw:     rec.payload,
				Cause:   err,
			}
		}
		return &Message[T]{
			ID:          rec.id,
			Payload:     payload,
			CreatedAt:   rec.createdAt,
			ProcessedAt: now,
		}, nil
	}
	return nil, nil
}

// Acknowledge removes id from the queue and its side tables.
func (q *MemoryQueue[T, S]) Acknowledge(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disposed {
		return ErrQueueDisposed
	}

	idx := q.indexOfLocked(id)
	if idx < 0 {
		return &MessageNotFoundError{MessageID: id}
	}
	q.records = append(q.records[:idx], q.records[idx+1:]...)
	delete(q.invisibleUntil, id)
	delete(q.receiveCount, id)
	return nil
}

// Reject removes id from its current position. With requeue the record moves
// to the tail, immediately visible; its receive count is preserved so
// repeated failures still poison the message. Without requeue the record is
// dropped.
func (q *MemoryQueue[T, S]) Reject(ctx context.Context, id string, requeue bool) (*Message[T], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.disposed {
		return nil, ErrQueueDisposed
	}

	idx := q.indexOfLocked(id)
	if idx < 0 {
		return nil, &MessageNotFoundError{MessageID: id}
	}
	rec := q.records[idx]

	payload, err := q.serializer.Deserialize(rec.payload)
	if err != nil {
		return nil, &DeserializationError{
			Message: fmt.Sprintf("deserialize payload of message %q", rec.id),
			Raw:     rec.payload,
			Cause:   err,
		}
	}

	q.records = append(q.records[:idx], q.records[idx+1:]...)
	delete(q.invisibleUntil, id)
	if requeue {
		q.records = append(q.records, rec)
	} else {
		delete(q.receiveCount, id)
	}

	return &Message[T]{
		ID:        rec.id,
		Payload:   payload,
		CreatedAt: rec.createdAt,
	}, nil
}

// Dispose stops the background sweep and drops all state. It is safe to call
// more than once.
func (q *MemoryQueue[T, S]) Dispose() error {
	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		return nil
	}
	q.disposed = true
	q.records = nil
	q.invisibleUntil = make(map[string]time.Time)
	q.receiveCount = make(map[string]int)
	q.mu.Unlock()

	q.sweepCancel()
	<-q.sweepDone
	return nil
}

// Len reports the number of live records, visible or not.
func (q *MemoryQueue[T, S]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

func (q *MemoryQueue[T, S]) indexOfLocked(id string) int {
	for i, rec := range q.records {
		if rec.id == id {
			return i
		}
	}
	return -1
}

// sweepLocked purges retention-expired records and restores expired
// visibility leases. Dequeue runs it inline; the background loop runs it
// periodically so idle queues shrink too.
func (q *MemoryQueue[T, S]) sweepLocked(now time.Time) (purged, restored int) {
	if q.config.MessageRetentionPeriod > 0 {
		kept := q.records[:0]
		for _, rec := range q.records {
			if q.config.expired(rec.createdAt, now) {
				delete(q.invisibleUntil, rec.id)
				delete(q.receiveCount, rec.id)
				purged++
				continue
			}
			kept = append(kept, rec)
		}
		q.records = kept
	}
	for id, until := range q.invisibleUntil {
		if !until.After(now) {
			delete(q.invisibleUntil, id)
			restored++
		}
	}
	return purged, restored
}

// routeDeadLetterLocked hands a poisoned record to the dead-letter queue, or
// drops it when none is attached. The record is already removed from the
// sequence; side tables are cleared here, so a routing failure never leaves
// the id half-present in the source queue.
func (q *MemoryQueue[T, S]) routeDeadLetterLocked(ctx context.Context, rec *storedRecord[S]) error {
	delete(q.invisibleUntil, rec.id)
	delete(q.receiveCount, rec.id)

	if q.deadLetter == nil {
		q.logger.Debug("message dropped",
			slog.String("queue", q.name),
			slog.String("id", rec.id))
		return nil
	}

	payload, err := q.serializer.Deserialize(rec.payload)
	if err != nil {
		return &DeserializationError{
			Message: fmt.Sprintf("deserialize payload of message %q for dead-letter routing", rec.id),
			Raw:     rec.payload,
			Cause:   err,
		}
	}
	if err := q.deadLetter.Enqueue(ctx, Message[T]{
		ID:        rec.id,
		Payload:   payload,
		CreatedAt: rec.createdAt,
	}); err != nil {
		return err
	}

	q.logger.Debug("message dead-lettered",
		slog.String("queue", q.name),
		slog.String("id", rec.id))
	return nil
}

func (q *MemoryQueue[T, S]) sweepLoop(ctx context.Context) {
	defer close(q.sweepDone)

	ticker := time.NewTicker(q.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.mu.Lock()
			if q.disposed {
				q.mu.Unlock()
				return
			}
			purged, restored := q.sweepLocked(q.nowFn())
			q.mu.Unlock()
			if purged > 0 || restored > 0 {
				q.logger.Debug("sweep",
					slog.String("queue", q.name),
					slog.Int("purged", purged),
					slog.Int("restored", restored))
			}
		}
	}
}
