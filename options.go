package messaging

import (
	"context"
	"crypto/tls"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// InstrumentationName identifies spans and instruments created by this module.
const InstrumentationName = "github.com/kinsyu/messaging"

// Options contains the client configuration.
type Options struct {
	// Codec encodes payloads on publish and decodes them on delivery.
	Codec Marshaler
	// Logger receives connection signals and every rejected delivery.
	Logger *zap.Logger

	// ConnectionName is shown in the broker management UI.
	ConnectionName string
	// TLSConfig is the TLS configuration for amqps connections.
	TLSConfig *tls.Config
	// Heartbeat overrides the negotiated heartbeat interval.
	Heartbeat time.Duration

	// Tracer is the OpenTelemetry tracer for publish spans.
	Tracer trace.Tracer
	// Metrics records publish and delivery outcomes. Nil disables them.
	Metrics *Metrics

	// Context carries adapter specific options.
	Context context.Context
}

// PublishOptions contains options for publishing a message.
type PublishOptions struct {
	// Priority is the AMQP message priority (0-9).
	Priority uint8
	// Headers are copied into the message headers.
	Headers map[string]string
}

// SubscribeOptions contains options for subscribing to a queue.
type SubscribeOptions struct {
	// NoAck makes the broker treat a message as delivered as soon as it is
	// sent. No ack or reject is issued and failed messages are not retried.
	NoAck bool
	// Exclusive requests sole access to the queue.
	Exclusive bool
	// Priority is the consumer priority.
	Priority int
	// Prefetch bounds unacknowledged deliveries on the channel and the
	// number of handlers running at once. Zero leaves both unbounded.
	Prefetch int
	// ConsumerTag names the consumer; one is generated when empty.
	ConsumerTag string

	// Context is the context for the subscribe operation.
	Context context.Context
}

type Option func(*Options)

type PublishOption func(*PublishOptions)

type SubscribeOption func(*SubscribeOptions)

func NewOptions(opts ...Option) *Options {
	options := Options{
		Codec:   JsonMarshaler{},
		Logger:  zap.NewNop(),
		Tracer:  otel.Tracer(InstrumentationName),
		Context: context.Background(),
	}

	for _, o := range opts {
		o(&options)
	}

	return &options
}

func NewPublishOptions(opts ...PublishOption) PublishOptions {
	opt := PublishOptions{}

	for _, o := range opts {
		o(&opt)
	}

	return opt
}

func NewSubscribeOptions(opts ...SubscribeOption) SubscribeOptions {
	opt := SubscribeOptions{
		Context: context.Background(),
	}

	for _, o := range opts {
		o(&opt)
	}

	return opt
}

// Codec sets the codec used for encoding/decoding payloads.
func Codec(c Marshaler) Option {
	return func(o *Options) {
		o.Codec = c
	}
}

// WithLogger sets the logger. A nil logger is ignored.
func WithLogger(l *zap.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// ConnectionName sets the client provided connection name.
func ConnectionName(name string) Option {
	return func(o *Options) {
		o.ConnectionName = name
	}
}

// Specify TLS Config.
func TLSConfig(t *tls.Config) Option {
	return func(o *Options) {
		o.TLSConfig = t
	}
}

// Heartbeat sets the heartbeat interval requested from the broker.
func Heartbeat(d time.Duration) Option {
	return func(o *Options) {
		o.Heartbeat = d
	}
}

// Tracer sets the tracer used for observability.
func Tracer(t trace.Tracer) Option {
	return func(o *Options) {
		o.Tracer = t
	}
}

// WithMetrics sets the Prometheus collectors updated by producers and consumers.
func WithMetrics(m *Metrics) Option {
	return func(o *Options) {
		o.Metrics = m
	}
}

// WithContext sets the context carrying adapter specific options.
func WithContext(ctx context.Context) Option {
	return func(o *Options) {
		o.Context = ctx
	}
}

// WithPriority sets the message priority.
func WithPriority(p uint8) PublishOption {
	return func(o *PublishOptions) {
		o.Priority = p
	}
}

// WithHeader adds a message header.
func WithHeader(key, value string) PublishOption {
	return func(o *PublishOptions) {
		if o.Headers == nil {
			o.Headers = make(map[string]string)
		}
		o.Headers[key] = value
	}
}

// NoAck disables acknowledgements for the subscription.
func NoAck() SubscribeOption {
	return func(o *SubscribeOptions) {
		o.NoAck = true
	}
}

// Exclusive requests an exclusive consumer.
func Exclusive() SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Exclusive = true
	}
}

// ConsumerPriority sets the consumer priority.
func ConsumerPriority(p int) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Priority = p
	}
}

// Prefetch sets the prefetch limit.
func Prefetch(n int) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Prefetch = n
	}
}

// ConsumerTag sets the consumer tag.
func ConsumerTag(tag string) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.ConsumerTag = tag
	}
}

// SubscribeContext set context.
func SubscribeContext(ctx context.Context) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Context = ctx
	}
}
