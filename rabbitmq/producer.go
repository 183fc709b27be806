package rabbitmq

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/kinsyu/messaging"
	"github.com/kinsyu/messaging/queues"
)

const contentTypeJSON = "application/json"

// Send validates payload against the schema of q and publishes it.
func Send[T any](ctx context.Context, c *Client, q queues.Queue[T], payload T, opts ...messaging.PublishOption) error {
	return Publish(ctx, c, q.Name(), payload, opts...)
}

// Publish encodes payload, validates the encoded document against the schema
// registered for name, checks that it decodes into the queue's payload type
// and publishes it as a persistent message to the queue of the same name
// through the default exchange. An invalid payload is returned as a
// *messaging.ValidationError and never reaches the broker.
// Publish does not wait for a broker confirmation.
func Publish(ctx context.Context, c *Client, name queues.Name, payload any, opts ...messaging.PublishOption) error {
	if c == nil {
		return messaging.ErrNotConnected
	}
	s, ok := queues.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", messaging.ErrUnknownQueue, name)
	}
	options := messaging.NewPublishOptions(opts...)

	ctx, span := c.opts.Tracer.Start(ctx, "messaging.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination", string(name)),
			attribute.String("messaging.operation", "publish"),
		),
	)
	defer span.End()

	body, err := c.opts.Codec.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("messaging: encode message for queue %s: %w", name, err)
	}

	var doc any
	if err := c.opts.Codec.Unmarshal(body, &doc); err != nil {
		c.opts.Metrics.RecordPublishRejected(string(name))
		derr := &messaging.DeserializationError{Queue: string(name), Err: err}
		span.RecordError(derr)
		span.SetStatus(codes.Error, derr.Error())
		return derr
	}
	if violations := s.Validate(doc); len(violations) > 0 {
		c.opts.Metrics.RecordPublishRejected(string(name))
		verr := &messaging.ValidationError{Queue: string(name), Violations: violations}
		span.RecordError(verr)
		span.SetStatus(codes.Error, "validation failed")
		return verr
	}
	if target, ok := queues.New(name); ok {
		if err := c.opts.Codec.Unmarshal(body, target); err != nil {
			c.opts.Metrics.RecordPublishRejected(string(name))
			derr := &messaging.DeserializationError{Queue: string(name), Err: err}
			span.RecordError(derr)
			span.SetStatus(codes.Error, derr.Error())
			return derr
		}
	}

	headers := propagation.MapCarrier{}
	for k, v := range options.Headers {
		headers[k] = v
	}
	otel.GetTextMapPropagator().Inject(ctx, headers)

	msgID := ulid.Make().String()
	span.SetAttributes(attribute.String("messaging.message.id", msgID))

	err = c.channel.PublishWithContext(ctx,
		"",           // exchange
		string(name), // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			Headers:      stringMapToTable(headers),
			ContentType:  contentTypeJSON,
			DeliveryMode: amqp.Persistent,
			Priority:     options.Priority,
			MessageId:    msgID,
			Timestamp:    time.Now(),
			Body:         body,
		})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("messaging: publish to queue %s: %w", name, err)
	}

	c.opts.Metrics.RecordPublished(string(name))
	return nil
}

func stringMapToTable(m map[string]string) amqp.Table {
	if len(m) == 0 {
		return nil
	}
	res := make(amqp.Table, len(m))
	for k, v := range m {
		res[k] = v
	}
	return res
}
