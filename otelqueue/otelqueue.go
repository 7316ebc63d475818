// Package otelqueue instruments a kyudo.Queue with OpenTelemetry traces and
// metrics. It depends on the otel API only; SDK and exporter wiring belong to
// the embedding application.
package otelqueue

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/nuetzliches/kyudo"
)

const scopeName = "github.com/nuetzliches/kyudo/otelqueue"

type config struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures the wrapper.
type Option func(*config)

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *config) {
		if tp != nil {
			c.tracerProvider = tp
		}
	}
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *config) {
		if mp != nil {
			c.meterProvider = mp
		}
	}
}

// Queue decorates another queue with spans per contract operation and
// counters for enqueued, dequeued, acknowledged, and rejected messages plus
// empty polls.
type Queue[T any] struct {
	next   kyudo.Queue[T]
	tracer trace.Tracer
	attrs  []attribute.KeyValue

	enqueued   metric.Int64Counter
	dequeued   metric.Int64Counter
	acked      metric.Int64Counter
	rejected   metric.Int64Counter
	emptyPolls metric.Int64Counter
}

var _ kyudo.Queue[int] = (*Queue[int])(nil)

// Wrap instruments next. queueName labels every span and metric point.
func Wrap[T any](next kyudo.Queue[T], queueName string, opts ...Option) (*Queue[T], error) {
	cfg := config{
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	meter := cfg.meterProvider.Meter(scopeName)
	q := &Queue[T]{
		next:   next,
		tracer: cfg.tracerProvider.Tracer(scopeName),
		attrs:  []attribute.KeyValue{attribute.String("queue.name", queueName)},
	}

	var err error
	if q.enqueued, err = meter.Int64Counter("queue.messages.enqueued",
		metric.WithDescription("Messages accepted by Enqueue")); err != nil {
		return nil, fmt.Errorf("create enqueued counter: %w", err)
	}
	if q.dequeued, err = meter.Int64Counter("queue.messages.dequeued",
		metric.WithDescription("Messages returned by Dequeue")); err != nil {
		return nil, fmt.Errorf("create dequeued counter: %w", err)
	}
	if q.acked, err = meter.Int64Counter("queue.messages.acknowledged",
		metric.WithDescription("Messages removed by Acknowledge")); err != nil {
		return nil, fmt.Errorf("create acknowledged counter: %w", err)
	}
	if q.rejected, err = meter.Int64Counter("queue.messages.rejected",
		metric.WithDescription("Messages handed back by Reject")); err != nil {
		return nil, fmt.Errorf("create rejected counter: %w", err)
	}
	if q.emptyPolls, err = meter.Int64Counter("queue.polls.empty",
		metric.WithDescription("Dequeue calls that found no visible message")); err != nil {
		return nil, fmt.Errorf("create empty polls counter: %w", err)
	}
	return q, nil
}

func (q *Queue[T]) Enqueue(ctx context.Context, msg kyudo.Message[T]) error {
	ctx, span := q.tracer.Start(ctx, "queue.enqueue",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(q.attrs...))
	defer span.End()

	err := q.next.Enqueue(ctx, msg)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	q.enqueued.Add(ctx, 1, metric.WithAttributes(q.attrs...))
	return nil
}

func (q *Queue[T]) EnqueuePayload(ctx context.Context, payload T) error {
	ctx, span := q.tracer.Start(ctx, "queue.enqueue_payload",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(q.attrs...))
	defer span.End()

	err := q.next.EnqueuePayload(ctx, payload)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	q.enqueued.Add(ctx, 1, metric.WithAttributes(q.attrs...))
	return nil
}

func (q *Queue[T]) Dequeue(ctx context.Context) (*kyudo.Message[T], error) {
	ctx, span := q.tracer.Start(ctx, "queue.dequeue",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(q.attrs...))
	defer span.End()

	msg, err := q.next.Dequeue(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if msg == nil {
		q.emptyPolls.Add(ctx, 1, metric.WithAttributes(q.attrs...))
		return nil, nil
	}
	span.SetAttributes(attribute.String("queue.message.id", msg.ID))
	q.dequeued.Add(ctx, 1, metric.WithAttributes(q.attrs...))
	return msg, nil
}

func (q *Queue[T]) Acknowledge(ctx context.Context, id string) error {
	ctx, span := q.tracer.Start(ctx, "queue.acknowledge",
		trace.WithAttributes(append(q.attrs, attribute.String("queue.message.id", id))...))
	defer span.End()

	if err := q.next.Acknowledge(ctx, id); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	q.acked.Add(ctx, 1, metric.WithAttributes(q.attrs...))
	return nil
}

func (q *Queue[T]) Reject(ctx context.Context, id string, requeue bool) (*kyudo.Message[T], error) {
	ctx, span := q.tracer.Start(ctx, "queue.reject",
		trace.WithAttributes(append(q.attrs,
			attribute.String("queue.message.id", id),
			attribute.Bool("queue.requeue", requeue))...))
	defer span.End()

	msg, err := q.next.Reject(ctx, id, requeue)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	q.rejected.Add(ctx, 1, metric.WithAttributes(q.attrs...))
	return msg, nil
}

func (q *Queue[T]) Dispose() error {
	return q.next.Dispose()
}

// Unwrap returns the decorated queue.
func (q *Queue[T]) Unwrap() kyudo.Queue[T] {
	return q.next
}
