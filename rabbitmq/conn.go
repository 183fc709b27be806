// Package rabbitmq implements the queue contract over AMQP 0-9-1: a client
// owning one connection and one channel, schema-checked publishing, a
// subscriber with an ack/requeue/dead-letter policy and a lazy guard that
// shares a single client across a process.
package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/kinsyu/messaging"
	"github.com/kinsyu/messaging/queues"
)

// Conn is the subset of *amqp.Connection the client uses.
type Conn interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
	IsClosed() bool
}

// Channel is the subset of *amqp.Channel the client uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Cancel(consumer string, noWait bool) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Dialer opens a connection to url.
type Dialer func(url string, config amqp.Config) (Conn, error)

type connWrapper struct{ *amqp.Connection }

func (w *connWrapper) Channel() (Channel, error) {
	return w.Connection.Channel()
}

func dial(url string, config amqp.Config) (Conn, error) {
	conn, err := amqp.DialConfig(url, config)
	if err != nil {
		return nil, err
	}
	return &connWrapper{conn}, nil
}

type dialerKey struct{}

// WithDialer replaces the network dialer, mainly for tests.
func WithDialer(d Dialer) messaging.Option {
	return func(o *messaging.Options) {
		if o.Context == nil {
			o.Context = context.Background()
		}
		o.Context = context.WithValue(o.Context, dialerKey{}, d)
	}
}

func dialerFrom(opts *messaging.Options) Dialer {
	if opts.Context != nil {
		if d, ok := opts.Context.Value(dialerKey{}).(Dialer); ok && d != nil {
			return d
		}
	}
	return dial
}

const defaultDialTimeout = 30 * time.Second

// Client owns one broker connection and the single channel used for every
// publish and consume in the process.
type Client struct {
	opts messaging.Options
	url  string

	conn    Conn
	channel Channel

	mu        sync.Mutex
	observers []func(messaging.BrokerSignal)
	signal    *messaging.BrokerSignal
	closing   bool
	closeOnce sync.Once
	closeErr  error
}

// Connect dials url and opens the channel. Failures are returned as a
// *messaging.ConnectionError and are not retried.
func Connect(ctx context.Context, url string, opts ...messaging.Option) (*Client, error) {
	options := messaging.NewOptions(opts...)

	if err := ctx.Err(); err != nil {
		return nil, messaging.NewConnectionError(url, err)
	}

	timeout := defaultDialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	config := amqp.Config{
		TLSClientConfig: options.TLSConfig,
		Heartbeat:       options.Heartbeat,
		Dial:            amqp.DefaultDial(timeout),
	}
	if options.ConnectionName != "" {
		config.Properties = amqp.Table{
			"connection_name": options.ConnectionName,
		}
	}

	conn, err := dialerFrom(options)(url, config)
	if err != nil {
		return nil, messaging.NewConnectionError(url, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, messaging.NewConnectionError(url, err)
	}

	c := &Client{
		opts:    *options,
		url:     url,
		conn:    conn,
		channel: ch,
	}
	go c.watch(conn.NotifyClose(make(chan *amqp.Error, 1)), "connection")
	go c.watch(ch.NotifyClose(make(chan *amqp.Error, 1)), "channel")

	c.opts.Logger.Info("connected to broker",
		zap.String("url", messaging.RedactURL(url)),
		zap.String("connection_name", options.ConnectionName))

	return c, nil
}

// Options returns the options the client was created with.
func (c *Client) Options() messaging.Options { return c.opts }

// Channel returns the shared channel.
func (c *Client) Channel() Channel { return c.channel }

// IsClosed reports whether the client has received a terminal signal or was
// closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing || c.signal != nil
}

// OnSignal registers fn to be called once when the connection or its channel
// goes away. If that already happened fn is called right away.
func (c *Client) OnSignal(fn func(messaging.BrokerSignal)) {
	c.mu.Lock()
	if c.signal != nil {
		sig := *c.signal
		c.mu.Unlock()
		fn(sig)
		return
	}
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// watch turns an amqp close notification into a BrokerSignal. amqp091
// sends an *amqp.Error for a broker initiated close and just closes the
// channel for an orderly one.
func (c *Client) watch(notify chan *amqp.Error, scope string) {
	sig := messaging.BrokerSignal{Kind: messaging.SignalClose}
	if amqpErr, ok := <-notify; ok && amqpErr != nil {
		sig = messaging.BrokerSignal{Kind: messaging.SignalError, Err: amqpErr}
	}

	c.mu.Lock()
	if c.signal != nil {
		c.mu.Unlock()
		return
	}
	c.signal = &sig
	observers := c.observers
	c.observers = nil
	closing := c.closing
	c.mu.Unlock()

	if !closing {
		c.opts.Logger.Warn("broker link lost",
			zap.String("scope", scope),
			zap.String("signal", sig.Kind.String()),
			zap.Error(sig.Err))
	}

	for _, fn := range observers {
		fn(sig)
	}
}

// DeclareQueues declares each queue with cfg. Declaring an existing queue
// with the same settings is a no-op on the broker.
func (c *Client) DeclareQueues(names []queues.Name, cfg QueueConfig) error {
	for _, name := range names {
		if _, err := c.channel.QueueDeclare(
			string(name),   // name
			cfg.Durable,    // durable
			cfg.AutoDelete, // delete when unused
			cfg.Exclusive,  // exclusive
			false,          // no-wait
			cfg.Args,       // arguments
		); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the channel and then the connection. It is safe to call more
// than once; errors from a link that is already closed are ignored.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()

		var errs []error
		if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.opts.Logger.Warn("closing channel", zap.Error(err))
			errs = append(errs, err)
		}
		if !c.conn.IsClosed() {
			if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
				c.opts.Logger.Warn("closing connection", zap.Error(err))
				errs = append(errs, err)
			}
		}
		c.closeErr = errors.Join(errs...)
		c.opts.Logger.Info("disconnected from broker", zap.String("url", messaging.RedactURL(c.url)))
	})
	return c.closeErr
}

// QueueConfig holds the queue declaration flags.
type QueueConfig struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       amqp.Table
}

// DefaultQueueConfig declares durable, shared, persistent queues.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{Durable: true}
}

// WithDeadLetterExchange routes messages rejected without requeue to
// exchange instead of dropping them.
func (q QueueConfig) WithDeadLetterExchange(exchange string) QueueConfig {
	if exchange == "" {
		return q
	}
	args := amqp.Table{}
	for k, v := range q.Args {
		args[k] = v
	}
	args["x-dead-letter-exchange"] = exchange
	q.Args = args
	return q
}
