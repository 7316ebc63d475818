package kyudo

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestSQLiteQueue_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "kyudo.db")
	now := time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)
	nowFn := func() time.Time { return now }
	ctx := context.Background()

	q, err := NewSQLiteQueue[order](dbPath, "orders", DefaultConfiguration(),
		WithSQLiteNowFunc[order](nowFn))
	if err != nil {
		t.Fatalf("new sqlite queue: %v", err)
	}
	want := order{ID: "ORD-1", Amount: 5}
	if err := q.Enqueue(ctx, Message[order]{ID: "m1", Payload: want, CreatedAt: now}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Dispose(); err != nil {
		t.Fatalf("dispose: %v", err)
	}

	reopened, err := NewSQLiteQueue[order](dbPath, "orders", DefaultConfiguration(),
		WithSQLiteNowFunc[order](nowFn))
	if err != nil {
		t.Fatalf("reopen sqlite queue: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Dispose() })

	msg, err := reopened.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if msg == nil || msg.ID != "m1" || msg.Payload != want {
		t.Fatalf("expected the persisted message, got %+v", msg)
	}
}

func TestSQLiteQueue_QueuesShareOneFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "kyudo.db")
	ctx := context.Background()

	a, err := NewSQLiteQueue[order](dbPath, "a", DefaultConfiguration())
	if err != nil {
		t.Fatalf("new queue a: %v", err)
	}
	t.Cleanup(func() { _ = a.Dispose() })
	b, err := NewSQLiteQueue[order](dbPath, "b", DefaultConfiguration())
	if err != nil {
		t.Fatalf("new queue b: %v", err)
	}
	t.Cleanup(func() { _ = b.Dispose() })

	if err := a.Enqueue(ctx, Message[order]{ID: "m1", Payload: order{ID: "ORD-A"}}); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	msg, err := b.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue b: %v", err)
	}
	if msg != nil {
		t.Fatalf("queue b must not see queue a's rows, got %+v", msg)
	}
	msg, err = a.Dequeue(ctx)
	if err != nil || msg == nil {
		t.Fatalf("dequeue a: %v %v", msg, err)
	}
}

func TestSQLiteQueue_RequeueMovesToTail(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "kyudo.db")
	now := time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	q, err := NewSQLiteQueue[order](dbPath, "orders", DefaultConfiguration(),
		WithSQLiteNowFunc[order](func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new sqlite queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Dispose() })

	for _, id := range []string{"first", "second"} {
		if err := q.Enqueue(ctx, Message[order]{ID: id, Payload: order{ID: id}, CreatedAt: now}); err != nil {
			t.Fatalf("enqueue %q: %v", id, err)
		}
	}

	msg, err := q.Dequeue(ctx)
	if err != nil || msg == nil || msg.ID != "first" {
		t.Fatalf("dequeue head: %+v %v", msg, err)
	}
	if _, err := q.Reject(ctx, "first", true); err != nil {
		t.Fatalf("reject: %v", err)
	}

	// The requeued message lost its place at the head.
	msg, err = q.Dequeue(ctx)
	if err != nil || msg == nil || msg.ID != "second" {
		t.Fatalf("dequeue after requeue: %+v %v", msg, err)
	}
	msg, err = q.Dequeue(ctx)
	if err != nil || msg == nil || msg.ID != "first" {
		t.Fatalf("dequeue tail: %+v %v", msg, err)
	}
}

func TestSQLiteQueue_DuplicateID(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "kyudo.db")
	ctx := context.Background()

	q, err := NewSQLiteQueue[order](dbPath, "orders", DefaultConfiguration())
	if err != nil {
		t.Fatalf("new sqlite queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Dispose() })

	msg := Message[order]{ID: "dup", Payload: order{ID: "ORD-1"}}
	if err := q.Enqueue(ctx, msg); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, msg); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("second enqueue: got %v, want ErrDuplicateID", err)
	}
}

type countingByteSerializer struct {
	inner        JSONSerializer[order]
	serialized   int
	deserialized int
}

func (c *countingByteSerializer) Serialize(payload order) ([]byte, error) {
	c.serialized++
	return c.inner.Serialize(payload)
}

func (c *countingByteSerializer) Deserialize(stored []byte) (order, error) {
	c.deserialized++
	return c.inner.Deserialize(stored)
}

func TestSQLiteQueue_SerializerTracking(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "kyudo.db")
	ctx := context.Background()

	counter := &countingByteSerializer{}
	q, err := NewSQLiteQueue[order](dbPath, "orders", DefaultConfiguration(),
		WithSQLiteSerializer[order](counter))
	if err != nil {
		t.Fatalf("new sqlite queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Dispose() })

	want := order{ID: "ORD-1", Amount: 99.99}
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
