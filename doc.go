/*
Package kyudo is an embeddable message-queue engine with delivery semantics
modeled on cloud queue services: visibility timeouts, receive counts,
dead-letter routing, and retention.

The Queue contract (enqueue, dequeue, acknowledge, reject) is
backend-agnostic. This module ships three backends behind it: the reference
in-memory engine (MemoryQueue), a durable single-file backend (SQLiteQueue),
and a Postgres backend (PostgresQueue). A Factory owns named queues within a
process.

Payloads are generic: a queue carries the caller's type T and stores a
representation S, bridged by a Serializer. Delivery is at-least-once; a
message that keeps failing is routed to a dead-letter queue once its receive
count passes the configured bound.

Subpackages: otelqueue instruments any Queue with OpenTelemetry traces and
metrics; provision realizes queues declaratively from a watched config file.
*/
package kyudo
