package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/kinsyu/messaging"
	"github.com/kinsyu/messaging/queues"
	"github.com/kinsyu/messaging/schema"
)

// Subscription is a running consumer on one queue.
type Subscription struct {
	queue queues.Name
	tag   string
	ch    Channel

	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	once      sync.Once
	cancelErr error
}

// Subscribe starts consuming q on the client's channel and returns once the
// broker has registered the consumer. Deliveries are processed concurrently,
// at most Prefetch at a time.
//
// A delivery that is not JSON or fails the queue schema is rejected without
// requeue and the handler is not called. A handler error or panic rejects the
// delivery with requeue. Otherwise the delivery is acknowledged. With NoAck
// none of this happens: the broker already considers the message delivered.
func Subscribe[T any](c *Client, q queues.Queue[T], h messaging.Handler[T], opts ...messaging.SubscribeOption) (*Subscription, error) {
	if c == nil {
		return nil, messaging.ErrNotConnected
	}
	if h == nil {
		return nil, errors.New("messaging: handler is required")
	}
	if c.IsClosed() {
		return nil, messaging.ErrClientClosed
	}
	options := messaging.NewSubscribeOptions(opts...)
	name := q.Name()

	if options.Prefetch > 0 {
		if err := c.channel.Qos(options.Prefetch, 0, false); err != nil {
			return nil, fmt.Errorf("messaging: set prefetch for queue %s: %w", name, err)
		}
	}

	tag := options.ConsumerTag
	if tag == "" {
		tag = "ctag-" + uuid.NewString()
	}

	var args amqp.Table
	if options.Priority != 0 {
		args = amqp.Table{"x-priority": int32(options.Priority)}
	}

	deliveries, err := c.channel.Consume(
		string(name),      // queue
		tag,               // consumer
		options.NoAck,     // auto-ack
		options.Exclusive, // exclusive
		false,             // no-local
		false,             // no-wait
		args,              // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("messaging: consume queue %s: %w", name, err)
	}

	ctx, cancel := context.WithCancel(options.Context)
	sub := &Subscription{
		queue:  name,
		tag:    tag,
		ch:     c.channel,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if options.Prefetch > 0 {
		sub.sem = semaphore.NewWeighted(int64(options.Prefetch))
	}

	d := &dispatcher[T]{
		queue:   name,
		schema:  q.Schema(),
		handler: h,
		opts:    c.opts,
		noAck:   options.NoAck,
	}

	c.opts.Logger.Info("subscribed",
		zap.String("queue", string(name)),
		zap.String("consumer_tag", tag),
		zap.Int("prefetch", options.Prefetch),
		zap.Bool("no_ack", options.NoAck))

	go sub.run(deliveries, d)
	return sub, nil
}

// Queue returns the consumed queue.
func (s *Subscription) Queue() queues.Name { return s.queue }

// ConsumerTag returns the tag the consumer was registered with.
func (s *Subscription) ConsumerTag() string { return s.tag }

// Done is closed once the delivery stream has ended and every handler it
// started has returned. The stream ends after Unsubscribe or when the
// channel closes.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Unsubscribe cancels the consumer and waits for running handlers. If ctx
// ends first the handler contexts are cancelled and ctx.Err is returned.
// Unacknowledged deliveries are returned to the queue by the broker.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	s.once.Do(func() {
		if err := s.ch.Cancel(s.tag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
			s.cancelErr = fmt.Errorf("messaging: cancel consumer %s: %w", s.tag, err)
		}
	})

	select {
	case <-s.done:
		s.cancel()
		return s.cancelErr
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

func (s *Subscription) run(deliveries <-chan amqp.Delivery, d delivery) {
	defer close(s.done)

	var wg sync.WaitGroup
	for del := range deliveries {
		if s.sem != nil {
			if err := s.sem.Acquire(s.ctx, 1); err != nil {
				d.abandon(del)
				continue
			}
		}
		wg.Add(1)
		go func(del amqp.Delivery) {
			defer wg.Done()
			if s.sem != nil {
				defer s.sem.Release(1)
			}
			d.dispatch(s.ctx, del)
		}(del)
	}
	wg.Wait()
}

type delivery interface {
	dispatch(ctx context.Context, del amqp.Delivery)
	abandon(del amqp.Delivery)
}

type dispatcher[T any] struct {
	queue   queues.Name
	schema  schema.Schema
	handler messaging.Handler[T]
	opts    messaging.Options
	noAck   bool
}

func (d *dispatcher[T]) dispatch(ctx context.Context, del amqp.Delivery) {
	msg := &messaging.Message{
		Queue:       string(d.queue),
		Body:        del.Body,
		Header:      tableToStringMap(del.Headers),
		MessageID:   del.MessageId,
		DeliveryTag: del.DeliveryTag,
		Redelivered: del.Redelivered,
	}

	payload, err := d.decode(del.Body)
	if err != nil {
		d.reject(del, err)
		return
	}

	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Header))

	start := time.Now()
	err = d.invoke(ctx, payload, msg)
	d.opts.Metrics.ObserveHandler(string(d.queue), time.Since(start))
	if err != nil {
		d.requeue(del, err)
		return
	}
	d.ack(del)
}

// decode checks the generic document against the schema before binding it
// to T, so fields T does not declare are still validated.
func (d *dispatcher[T]) decode(body []byte) (T, error) {
	var payload T

	var doc any
	if err := d.opts.Codec.Unmarshal(body, &doc); err != nil {
		return payload, &messaging.DeserializationError{Queue: string(d.queue), Err: err}
	}
	if violations := d.schema.Validate(doc); len(violations) > 0 {
		return payload, &messaging.ValidationError{Queue: string(d.queue), Violations: violations}
	}
	if err := d.opts.Codec.Unmarshal(body, &payload); err != nil {
		return payload, &messaging.DeserializationError{Queue: string(d.queue), Err: err}
	}
	return payload, nil
}

func (d *dispatcher[T]) invoke(ctx context.Context, payload T, msg *messaging.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &messaging.HandlerError{Queue: string(d.queue), Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if herr := d.handler(ctx, payload, msg); herr != nil {
		return &messaging.HandlerError{Queue: string(d.queue), Err: herr}
	}
	return nil
}

func (d *dispatcher[T]) fields(del amqp.Delivery) []zap.Field {
	return []zap.Field{
		zap.String("queue", string(d.queue)),
		zap.Uint64("delivery_tag", del.DeliveryTag),
		zap.String("message_id", del.MessageId),
		zap.Bool("redelivered", del.Redelivered),
	}
}

func (d *dispatcher[T]) reject(del amqp.Delivery, err error) {
	fields := d.fields(del)
	var verr *messaging.ValidationError
	if errors.As(err, &verr) {
		fields = append(fields, zap.Strings("violations", schema.Strings(verr.Violations)))
	} else {
		fields = append(fields, zap.Error(err))
	}

	if d.noAck {
		d.opts.Logger.Error("dropping invalid message", fields...)
		d.opts.Metrics.RecordDelivery(string(d.queue), messaging.OutcomeFailed)
		return
	}

	d.opts.Logger.Error("rejecting invalid message", fields...)
	if nerr := del.Nack(false, false); nerr != nil {
		d.opts.Logger.Warn("nack failed", append(d.fields(del), zap.Error(nerr))...)
		return
	}
	d.opts.Metrics.RecordDelivery(string(d.queue), messaging.OutcomeDeadLettered)
}

func (d *dispatcher[T]) requeue(del amqp.Delivery, err error) {
	fields := append(d.fields(del), zap.Error(err))

	if d.noAck {
		d.opts.Logger.Error("handler failed", fields...)
		d.opts.Metrics.RecordDelivery(string(d.queue), messaging.OutcomeFailed)
		return
	}

	d.opts.Logger.Warn("handler failed, requeueing", fields...)
	if nerr := del.Nack(false, true); nerr != nil {
		d.opts.Logger.Warn("nack failed", append(d.fields(del), zap.Error(nerr))...)
		return
	}
	d.opts.Metrics.RecordDelivery(string(d.queue), messaging.OutcomeRequeued)
}

func (d *dispatcher[T]) ack(del amqp.Delivery) {
	if d.noAck {
		d.opts.Metrics.RecordDelivery(string(d.queue), messaging.OutcomeAutoAcked)
		return
	}
	if err := del.Ack(false); err != nil {
		d.opts.Logger.Warn("ack failed", append(d.fields(del), zap.Error(err))...)
		return
	}
	d.opts.Metrics.RecordDelivery(string(d.queue), messaging.OutcomeAcked)
}

// abandon hands a delivery back to the broker without running the handler.
func (d *dispatcher[T]) abandon(del amqp.Delivery) {
	if d.noAck {
		return
	}
	if err := del.Nack(false, true); err != nil {
		d.opts.Logger.Warn("nack failed", append(d.fields(del), zap.Error(err))...)
	}
}

func tableToStringMap(t amqp.Table) map[string]string {
	header := make(map[string]string, len(t))
	for k, v := range t {
		header[k] = fmt.Sprint(v)
	}
	return header
}
