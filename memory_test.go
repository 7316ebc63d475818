package kyudo

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type countingSerializer struct {
	serialized   int
	deserialized int
}

func (c *countingSerializer) Serialize(payload order) (order, error) {
	c.serialized++
	return payload, nil
}

func (c *countingSerializer) Deserialize(stored order) (order, error) {
	c.deserialized++
	return stored, nil
}

func newTestQueue(t *testing.T, cfg Configuration, clock *testClock, opts ...MemoryOption[order, order]) *MemoryQueue[order, order] {
	t.Helper()
	opts = append([]MemoryOption[order, order]{
		WithNowFunc[order, order](clock.Now),
	}, opts...)
	q, err := NewMemoryQueue[order, order]("orders", cfg, opts...)
	if err != nil {
		t.Fatalf("new memory queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Dispose() })
	return q
}

func TestMemoryQueue_SerializerTracking(t *testing.T) {
	clock := newTestClock()
	counter := &countingSerializer{}
	q := newTestQueue(t, DefaultConfiguration(), clock,
		WithSerializer[order, order](counter))
	ctx := context.Background()

	want := order{ID: "ORD-100", Amount: 7.5}
	if err := q.EnqueuePayload(ctx, want); err != nil {
		t.Fatalf("enqueue payload: %v", err)
	}
	if counter.serialized != 1 || counter.deserialized != 0 {
		t.Fatalf("after enqueue: serialize=%d deserialize=%d", counter.serialized, counter.deserialized)
	}

	msg, err := q.Dequeue(ctx)
	if err != nil || msg == nil {
		t.Fatalf("dequeue: %v %v", msg, err)
	}
	if counter.serialized != 1 || counter.deserialized != 1 {
		t.Fatalf("after dequeue: serialize=%d deserialize=%d", counter.serialized, counter.deserialized)
	}
	if msg.Payload != want {
		t.Fatalf("payload: got %+v want %+v", msg.Payload, want)
	}
}

func TestMemoryQueue_DuplicateID(t *testing.T) {
	clock := newTestClock()
	q := newTestQueue(t, DefaultConfiguration(), clock)
	ctx := context.Background()

	msg := Message[order]{ID: "dup", Payload: order{ID: "ORD-101"}, CreatedAt: clock.Now()}
	if err := q.Enqueue(ctx, msg); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, msg); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("second enqueue: got %v, want ErrDuplicateID", err)
	}
}

func TestMemoryQueue_EnqueueFillsDefaults(t *testing.T) {
	clock := newTestClock()
	q := newTestQueue(t, DefaultConfiguration(), clock)
	ctx := context.Background()

	if err := q.Enqueue(ctx, Message[order]{Payload: order{ID: "ORD-102"}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	msg, err := q.Dequeue(ctx)
	if err != nil || msg == nil {
		t.Fatalf("dequeue: %v %v", msg, err)
	}
	if msg.ID == "" {
		t.Fatal("expected a generated id")
	}
	if !msg.CreatedAt.Equal(clock.Now()) {
		t.Fatalf("created_at: got %s want %s", msg.CreatedAt, clock.Now())
	}
}

func TestMemoryQueue_RetentionSweepOnDequeue(t *testing.T) {
	clock := newTestClock()
	cfg := DefaultConfiguration()
	cfg.MessageRetentionPeriod = time.Minute
	q := newTestQueue(t, cfg, clock)
	ctx := context.Background()

	if err := q.EnqueuePayload(ctx, order{ID: "ORD-103"}); err != nil {
		t.Fatalf("enqueue payload: %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("len: got %d want 1", q.Len())
	}

	clock.Advance(2 * time.Minute)
	msg, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if msg != nil {
		t.Fatalf("expected the expired message to be purged, got %+v", msg)
	}
	if q.Len() != 0 {
		t.Fatalf("len after sweep: got %d want 0", q.Len())
	}
}

func TestMemoryQueue_BackgroundSweep(t *testing.T) {
	clock := newTestClock()
	cfg := DefaultConfiguration()
	cfg.MessageRetentionPeriod = time.Minute
	q := newTestQueue(t, cfg, clock,
		WithSweepInterval[order, order](5*time.Millisecond))
	ctx := context.Background()

	if err := q.EnqueuePayload(ctx, order{ID: "ORD-104"}); err != nil {
		t.Fatalf("enqueue payload: %v", err)
	}

	// Advance the logical clock past retention and let the ticker fire.
	clock.Advance(2 * time.Minute)
	deadline := time.Now().Add(2 * time.Second)
	for q.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("background sweep never purged the message, len=%d", q.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMemoryQueue_DeadLetterRetentionIsAuthoritative(t *testing.T) {
	clock := newTestClock()

	dlqCfg := DefaultConfiguration()
	dlqCfg.MessageRetentionPeriod = time.Minute
	dlq := newTestQueue(t, dlqCfg, clock)

	cfg := DefaultConfiguration()
	cfg.MaxReceiveCount = 1
	q := newTestQueue(t, cfg, clock,
		WithDeadLetterQueue[order, order](dlq))
	ctx := context.Background()

	// Old enough that the dead-letter queue's retention rejects it on
	// arrival; the source queue must still let go of it.
	err := q.Enqueue(ctx, Message[order]{
		ID:        "old",
		Payload:   order{ID: "ORD-105"},
		CreatedAt: clock.Now().Add(-2 * time.Minute),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	msg, err := q.Dequeue(ctx)
	if err != nil || msg == nil {
		t.Fatalf("dequeue: %v %v", msg, err)
	}
	if _, err := q.Reject(ctx, msg.ID, true); err != nil {
		t.Fatalf("reject: %v", err)
	}

	routed, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue poisoned: %v", err)
	}
	if routed != nil {
		t.Fatalf("expected poison routing, got %+v", routed)
	}
	if q.Len() != 0 {
		t.Fatalf("source len: got %d want 0", q.Len())
	}
	if dlq.Len() != 0 {
		t.Fatalf("dlq len: got %d want 0 (retention drops the stale message)", dlq.Len())
	}
}

func TestMemoryQueue_SerializationFailure(t *testing.T) {
	clock := newTestClock()
	boom := SerializerFuncs[order, order]{
		SerializeFunc: func(order) (order, error) {
			return order{}, fmt.Errorf("refused")
		},
		DeserializeFunc: func(stored order) (order, error) {
			return stored, nil
		},
	}
	q := newTestQueue(t, DefaultConfiguration(), clock,
		WithSerializer[order, order](boom))

	err := q.EnqueuePayload(context.Background(), order{ID: "ORD-106"})
	if !errors.Is(err, ErrSerialization) {
		t.Fatalf("got %v, want ErrSerialization", err)
	}
	var serErr *SerializationError
	if !errors.As(err, &serErr) || serErr.Cause == nil {
		t.Fatalf("expected SerializationError with cause, got %v", err)
	}
	if q.Len() != 0 {
		t.Fatalf("len: got %d want 0", q.Len())
	}
}

func TestMemoryQueue_DeserializationFailure(t *testing.T) {
	clock := newTestClock()
	broken := SerializerFuncs[order, order]{
		SerializeFunc: func(payload order) (order, error) {
			return payload, nil
		},
		DeserializeFunc: func(order) (order, error) {
			return order{}, fmt.Errorf("corrupt")
		},
	}
	q := newTestQueue(t, DefaultConfiguration(), clock,
		WithSerializer[order, order](broken))
	ctx := context.Background()

	if err := q.EnqueuePayload(ctx, order{ID: "ORD-107"}); err != nil {
		t.Fatalf("enqueue payload: %v", err)
	}
	_, err := q.Dequeue(ctx)
	if !errors.Is(err, ErrDeserialization) {
		t.Fatalf("got %v, want ErrDeserialization", err)
	}
	var desErr *DeserializationError
	if !errors.As(err, &desErr) {
		t.Fatalf("expected DeserializationError, got %v", err)
	}
	if desErr.Raw == nil {
		t.Fatal("expected the raw stored payload to be carried")
	}
}

func TestMemoryQueue_IdentityTypeMismatch(t *testing.T) {
	// No serializer configured and T != S: the conversion fails at the
	// serialization boundary, not at construction.
	q, err := NewMemoryQueue[string, int]("mismatched", DefaultConfiguration())
	if err != nil {
		t.Fatalf("new memory queue: %v", err)
	}
	defer func() { _ = q.Dispose() }()

	err = q.EnqueuePayload(context.Background(), "not an int")
	if !errors.Is(err, ErrSerialization) {
		t.Fatalf("got %v, want ErrSerialization", err)
	}
}

func TestMemoryQueue_RejectPreservesReceiveCount(t *testing.T) {
	clock := newTestClock()
	cfg := DefaultConfiguration()
	cfg.MaxReceiveCount = 3
	q := newTestQueue(t, cfg, clock)
	ctx := context.Background()

	if err := q.Enqueue(ctx, Message[order]{ID: "m", Payload: order{ID: "ORD-108"}, CreatedAt: clock.Now()}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for i := 0; i < 3; i++ {
		msg, err := q.Dequeue(ctx)
		if err != nil || msg == nil {
			t.Fatalf("dequeue %d: %v %v", i+1, msg, err)
		}
		if _, err := q.Reject(ctx, msg.ID, true); err != nil {
			t.Fatalf("reject %d: %v", i+1, err)
		}
	}
	q.mu.Lock()
	got := q.receiveCount["m"]
	q.mu.Unlock()
	if got != 3 {
		t.Fatalf("receive count: got %d want 3", got)
	}

	// Fourth receive breaches the bound; without a dead-letter queue the
	// message is dropped.
	msg, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue poisoned: %v", err)
	}
	if msg != nil {
		t.Fatalf("expected drop, got %+v", msg)
	}
	if q.Len() != 0 {
		t.Fatalf("len: got %d want 0", q.Len())
	}
}

func TestMemoryQueue_DisposedOperationsFail(t *testing.T) {
	clock := newTestClock()
	q := newTestQueue(t, DefaultConfiguration(), clock)
	ctx := context.Background()

	if err := q.Dispose(); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if err := q.Dispose(); err != nil {
		t.Fatalf("second dispose: %v", err)
	}

	if err := q.EnqueuePayload(ctx, order{}); !errors.Is(err, ErrQueueDisposed) {
		t.Fatalf("enqueue: got %v, want ErrQueueDisposed", err)
	}
	if _, err := q.Dequeue(ctx); !errors.Is(err, ErrQueueDisposed) {
		t.Fatalf("dequeue: got %v, want ErrQueueDisposed", err)
	}
	if err := q.Acknowledge(ctx, "x"); !errors.Is(err, ErrQueueDisposed) {
		t.Fatalf("acknowledge: got %v, want ErrQueueDisposed", err)
	}
	if _, err := q.Reject(ctx, "x", true); !errors.Is(err, ErrQueueDisposed) {
		t.Fatalf("reject: got %v, want ErrQueueDisposed", err)
	}
}

func TestMemoryQueue_ContextCanceled(t *testing.T) {
	clock := newTestClock()
	q := newTestQueue(t, DefaultConfiguration(), clock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.EnqueuePayload(ctx, order{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestMemoryQueue_InvalidConfiguration(t *testing.T) {
	_, err := NewMemoryQueue[order, order]("bad", Configuration{})
	if err == nil {
		t.Fatal("expected a validation error")
	}
}
