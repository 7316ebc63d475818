package kyudo

import (
	"fmt"
	"hash/fnv"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// IDGenerator produces message ids. Implementations must return non-empty
// strings that are unique for the lifetime of the queue they serve.
type IDGenerator func() string

// NewID is the default id generator: a random 128-bit identifier in the
// canonical hyphenated form.
func NewID() string {
	return uuid.NewString()
}

// Message is the envelope a queue stores and returns. It is conceptually
// immutable once created; queues return fresh copies rather than mutating
// stored state.
type Message[T any] struct {
	ID        string
	Payload   T
	CreatedAt time.Time

	// ProcessedAt is stamped on the copies Dequeue returns. AcknowledgedAt is
	// never set by the queues in this module; it is left for callers that
	// record acknowledgement themselves. Neither is part of the stored record
	// and neither feeds equality or hashing.
	ProcessedAt    time.Time
	AcknowledgedAt time.Time
}

// NewMessage wraps payload in an envelope with a fresh random id and the
// current time as its creation time.
func NewMessage[T any](payload T) Message[T] {
	return Message[T]{
		ID:        NewID(),
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// Equal reports whether two messages carry the same id, payload, and creation
// instant. Delivery stamps are ignored.
func (m Message[T]) Equal(other Message[T]) bool {
	return m.ID == other.ID &&
		m.CreatedAt.Equal(other.CreatedAt) &&
		reflect.DeepEqual(m.Payload, other.Payload)
}

// Hash folds the same fields Equal compares, so equal messages hash alike.
func (m Message[T]) Hash() uint64 {
	h := fnv.New64a()
	h.Write([]byte(m.ID))
	fmt.Fprintf(h, "|%v|%d", m.Payload, m.CreatedAt.UnixNano())
	return h.Sum64()
}
