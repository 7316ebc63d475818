package kyudo

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is matching. The typed errors below wrap these,
// so callers can branch on the kind without losing the carried data.
var (
	ErrMessageNotFound = errors.New("message not found")
	ErrSerialization   = errors.New("serialization failed")
	ErrDeserialization = errors.New("deserialization failed")
	ErrQueueExists     = errors.New("queue already exists")
	ErrQueueNotFound   = errors.New("queue does not exist")
	ErrQueueType       = errors.New("queue type mismatch")
	ErrDuplicateID     = errors.New("message id already enqueued")
	ErrQueueDisposed   = errors.New("queue is disposed")
)

// MessageNotFoundError is returned by Acknowledge and Reject when the id is
// not currently present in the queue.
type MessageNotFoundError struct {
	MessageID string
}

func (e *MessageNotFoundError) Error() string {
	return fmt.Sprintf("message %q not found", e.MessageID)
}

func (e *MessageNotFoundError) Unwrap() error { return ErrMessageNotFound }

// SerializationError reports a failure converting a payload into its stored
// representation during enqueue.
type SerializationError struct {
	Message string
	Cause   error
}

func (e *SerializationError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *SerializationError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrSerialization, e.Cause}
	}
	return []error{ErrSerialization}
}

// DeserializationError reports a failure converting a stored payload back to
// the in-flight type during dequeue, reject, or dead-letter routing. Raw
// carries the stored value that could not be converted.
type DeserializationError struct {
	Message string
	Raw     any
	Cause   error
}

func (e *DeserializationError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *DeserializationError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrDeserialization, e.Cause}
	}
	return []error{ErrDeserialization}
}

// QueueAlreadyExistsError is returned by the factory on duplicate create.
type QueueAlreadyExistsError struct {
	QueueName string
}

func (e *QueueAlreadyExistsError) Error() string {
	return fmt.Sprintf("queue %q already exists", e.QueueName)
}

func (e *QueueAlreadyExistsError) Unwrap() error { return ErrQueueExists }

// QueueDoesNotExistError is returned by the factory when getting or deleting
// an unregistered name.
type QueueDoesNotExistError struct {
	QueueName string
}

func (e *QueueDoesNotExistError) Error() string {
	return fmt.Sprintf("queue %q does not exist", e.QueueName)
}

func (e *QueueDoesNotExistError) Unwrap() error { return ErrQueueNotFound }

// QueueTypeError is returned by the factory when a registered queue is
// retrieved under a payload type different from the one it was created with.
type QueueTypeError struct {
	QueueName string
	Want      string
	Got       string
}

func (e *QueueTypeError) Error() string {
	return fmt.Sprintf("queue %q holds %s, not %s", e.QueueName, e.Got, e.Want)
}

func (e *QueueTypeError) Unwrap() error { return ErrQueueType }
