package kyudo

import "context"

// Queue is the delivery contract every backend implements. Delivery is
// at-least-once: a successfully enqueued message is returned by Dequeue at
// least once and at most MaxReceiveCount times, after which it is routed to
// the dead-letter queue or dropped.
//
// Each operation behaves as if serialized against other operations on the
// same instance. Context parameters mark the points where a backend may
// await I/O; the in-memory engine completes synchronously except when
// dead-letter routing awaits the target queue.
type Queue[T any] interface {
	// Enqueue appends msg to the tail. A message whose CreatedAt is already
	// past the retention period is silently skipped, so producers may replay
	// stale records without side effect. Fails with a SerializationError
	// when the configured serializer rejects the payload.
	Enqueue(ctx context.Context, msg Message[T]) error

	// EnqueuePayload wraps payload in a fresh envelope, using the queue's id
	// generator and the current time, and enqueues it.
	EnqueuePayload(ctx context.Context, payload T) error

	// Dequeue returns the first visible message, hidden for the visibility
	// timeout and stamped with ProcessedAt, or (nil, nil) when no visible,
	// non-poisoned message exists. Messages whose receive count would exceed
	// the configured maximum are routed out and never returned.
	Dequeue(ctx context.Context) (*Message[T], error)

	// Acknowledge removes a delivered message for good. Fails with a
	// MessageNotFoundError when the id is not present.
	Acknowledge(ctx context.Context, id string) error

	// Reject gives a delivered message back. With requeue the message
	// returns to the tail, immediately visible, keeping its receive count so
	// repeated failures still poison it; without requeue it is dropped. The
	// affected message is returned in both cases.
	Reject(ctx context.Context, id string, requeue bool) (*Message[T], error)

	// Dispose stops background work and releases resources. The queue must
	// not be used afterwards; operations on a disposed queue fail with
	// ErrQueueDisposed.
	Dispose() error
}
