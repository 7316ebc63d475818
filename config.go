package kyudo

import (
	"fmt"
	"time"
)

// Configuration is the per-queue delivery policy.
type Configuration struct {
	// MaxReceiveCount bounds how often a message may be returned by Dequeue.
	// The dequeue that would push a message past the bound routes it to the
	// dead-letter queue instead (or drops it when none is attached).
	MaxReceiveCount int

	// VisibilityTimeout is how long a dequeued message stays hidden from
	// subsequent dequeues before it is automatically restored.
	VisibilityTimeout time.Duration

	// MessageRetentionPeriod, when positive, is the maximum age measured
	// from CreatedAt; older messages are silently purged at enqueue and
	// during sweeps. Zero disables retention.
	MessageRetentionPeriod time.Duration
}

// DefaultConfiguration suits general workloads: three receives, 30 second
// visibility, no retention.
func DefaultConfiguration() Configuration {
	return Configuration{
		MaxReceiveCount:   3,
		VisibilityTimeout: 30 * time.Second,
	}
}

// HighThroughputConfiguration allows more receives and a longer visibility
// window for slow consumers.
func HighThroughputConfiguration() Configuration {
	return Configuration{
		MaxReceiveCount:   5,
		VisibilityTimeout: 2 * time.Minute,
	}
}

// TestingConfiguration keeps timeouts short so tests fail fast.
func TestingConfiguration() Configuration {
	return Configuration{
		MaxReceiveCount:        2,
		VisibilityTimeout:      100 * time.Millisecond,
		MessageRetentionPeriod: 5 * time.Minute,
	}
}

// Validate checks the policy for values no backend can honor.
func (c Configuration) Validate() error {
	if c.MaxReceiveCount <= 0 {
		return fmt.Errorf("max receive count must be positive, got %d", c.MaxReceiveCount)
	}
	if c.VisibilityTimeout <= 0 {
		return fmt.Errorf("visibility timeout must be positive, got %s", c.VisibilityTimeout)
	}
	if c.MessageRetentionPeriod < 0 {
		return fmt.Errorf("message retention period must not be negative, got %s", c.MessageRetentionPeriod)
	}
	return nil
}

// expired reports whether a message created at createdAt has outlived the
// retention period at instant now. Future creation times count as not yet
// expired.
func (c Configuration) expired(createdAt, now time.Time) bool {
	if c.MessageRetentionPeriod <= 0 {
		return false
	}
	return now.Sub(createdAt) > c.MessageRetentionPeriod
}
