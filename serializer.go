package kyudo

import (
	"encoding/json"
	"fmt"
)

// Serializer bridges the in-flight payload type T and the stored type S.
// Both directions may fail. Implementations must be pure: no retained state,
// same input yields same output.
type Serializer[T, S any] interface {
	Serialize(payload T) (S, error)
	Deserialize(stored S) (T, error)
}

// SerializerFuncs adapts a pair of functions into a Serializer.
type SerializerFuncs[T, S any] struct {
	SerializeFunc   func(T) (S, error)
	DeserializeFunc func(S) (T, error)
}

func (s SerializerFuncs[T, S]) Serialize(payload T) (S, error) {
	return s.SerializeFunc(payload)
}

func (s SerializerFuncs[T, S]) Deserialize(stored S) (T, error) {
	return s.DeserializeFunc(stored)
}

// JSONSerializer stores payloads as their JSON encoding. The durable
// backends default to it.
type JSONSerializer[T any] struct{}

func (JSONSerializer[T]) Serialize(payload T) ([]byte, error) {
	return json.Marshal(payload)
}

func (JSONSerializer[T]) Deserialize(stored []byte) (T, error) {
	var out T
	if err := json.Unmarshal(stored, &out); err != nil {
		return out, err
	}
	return out, nil
}

// identitySerializer passes payloads through unchanged. It backs queues
// constructed without a serializer, where T and S must coincide; a mismatch
// surfaces as an error on whichever side converts.
type identitySerializer[T, S any] struct{}

func (identitySerializer[T, S]) Serialize(payload T) (S, error) {
	stored, ok := any(payload).(S)
	if !ok {
		var zero S
		return zero, fmt.Errorf("payload type %T cannot be stored as %T without a serializer", payload, zero)
	}
	return stored, nil
}

func (identitySerializer[T, S]) Deserialize(stored S) (T, error) {
	payload, ok := any(stored).(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("stored type %T cannot be returned as %T without a serializer", stored, zero)
	}
	return payload, nil
}
