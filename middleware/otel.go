// Package middleware wraps consumer handlers with cross-cutting behaviour.
package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/kinsyu/messaging"
)

// OtelHandler wraps a handler with an OpenTelemetry consumer span and
// processed/duration instruments. The span continues the trace carried in
// the message headers when the producer injected one.
func OtelHandler[T any](h messaging.Handler[T], opts ...Option) messaging.Handler[T] {
	options := options{
		tracer: otel.Tracer(messaging.InstrumentationName),
		meter:  otel.Meter(messaging.InstrumentationName),
	}
	for _, o := range opts {
		o(&options)
	}

	processed, _ := options.meter.Int64Counter("messaging.process.messages",
		metric.WithDescription("Messages passed to a handler"))
	duration, _ := options.meter.Float64Histogram("messaging.process.duration",
		metric.WithDescription("Handler duration"),
		metric.WithUnit("s"))

	return func(ctx context.Context, payload T, msg *messaging.Message) error {
		ctx, span := options.tracer.Start(ctx, "messaging.process",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("messaging.system", "rabbitmq"),
				attribute.String("messaging.destination", msg.Queue),
				attribute.String("messaging.operation", "process"),
				attribute.String("messaging.message.id", msg.MessageID),
				attribute.Bool("messaging.rabbitmq.redelivered", msg.Redelivered),
			),
		)
		defer span.End()

		start := time.Now()
		err := h(ctx, payload, msg)

		status := "ok"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		attrs := metric.WithAttributes(
			attribute.String("messaging.destination", msg.Queue),
			attribute.String("status", status),
		)
		if processed != nil {
			processed.Add(ctx, 1, attrs)
		}
		if duration != nil {
			duration.Record(ctx, time.Since(start).Seconds(), attrs)
		}
		return err
	}
}

type options struct {
	tracer trace.Tracer
	meter  metric.Meter
}

type Option func(*options)

func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}

func WithMeter(m metric.Meter) Option {
	return func(o *options) {
		o.meter = m
	}
}
