// Package rabbitmqtest provides an in-memory AMQP broker for tests. It
// implements the parts of the 0-9-1 model the rabbitmq package relies on:
// durable named queues on the default exchange, per-channel prefetch,
// round-robin delivery, ack, nack with and without requeue, consumer cancel
// and broker initiated connection loss.
package rabbitmqtest

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/kinsyu/messaging/rabbitmq"
)

const consumerBuffer = 1024

// ErrDial is a dial failure tests can install with SetDialError.
var ErrDial = errors.New("rabbitmqtest: dial refused")

// Message is a message as stored by the broker.
type Message struct {
	Queue       string
	Publishing  amqp.Publishing
	Redelivered bool
}

// Declaration records the arguments a queue was declared with.
type Declaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       amqp.Table
	Count      int
}

type queue struct {
	name      string
	ready     []*Message
	consumers []*consumer
	next      int

	acked        []*Message
	deadLettered []*Message
	published    []amqp.Publishing
	delivered    []*Message
}

type consumer struct {
	tag        string
	queue      *queue
	ch         *channel
	noAck      bool
	deliveries chan amqp.Delivery
}

type pending struct {
	queue *queue
	msg   *Message
}

// Broker is an in-memory broker. The zero value is not usable; call NewBroker.
type Broker struct {
	mu sync.Mutex

	queues   map[string]*queue
	declared map[string]*Declaration
	conns    []*conn

	dials      int
	dialErr    error
	dialGate   <-chan struct{}
	lastConfig amqp.Config
}

func NewBroker() *Broker {
	return &Broker{
		queues:   make(map[string]*queue),
		declared: make(map[string]*Declaration),
	}
}

// Dial opens a connection. It matches rabbitmq.Dialer.
func (b *Broker) Dial(url string, config amqp.Config) (rabbitmq.Conn, error) {
	b.mu.Lock()
	gate := b.dialGate
	b.dials++
	b.lastConfig = config
	b.mu.Unlock()

	if gate != nil {
		<-gate
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	c := &conn{broker: b}
	b.conns = append(b.conns, c)
	return c, nil
}

// SetDialError makes every following dial fail with err. Nil clears it.
func (b *Broker) SetDialError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// SetDialGate makes dials block until gate is closed. Nil clears it.
func (b *Broker) SetDialGate(gate <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialGate = gate
}

// DialCount returns the number of dial attempts.
func (b *Broker) DialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// LastConfig returns the config passed to the latest dial.
func (b *Broker) LastConfig() amqp.Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastConfig
}

// DeclareQueue creates a durable queue out of band.
func (b *Broker) DeclareQueue(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queueLocked(name)
}

// Declaration returns how name was declared through a channel.
func (b *Broker) Declaration(name string) (Declaration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.declared[name]
	if !ok {
		return Declaration{}, false
	}
	return *d, true
}

// Inject enqueues a raw message, bypassing any client side validation.
func (b *Broker) Inject(queueName string, p amqp.Publishing) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queueLocked(queueName)
	q.published = append(q.published, p)
	q.ready = append(q.ready, &Message{Queue: queueName, Publishing: p})
	b.dispatchLocked(q)
}

// Published returns what was published to a queue, in order.
func (b *Broker) Published(queueName string) []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return nil
	}
	return append([]amqp.Publishing(nil), q.published...)
}

// Ready returns the number of messages waiting for a consumer.
func (b *Broker) Ready(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return 0
	}
	return len(q.ready)
}

// Unacked returns the number of deliveries awaiting ack on any channel.
func (b *Broker) Unacked(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.conns {
		for _, ch := range c.channels {
			for _, p := range ch.unacked {
				if p.queue.name == queueName {
					n++
				}
			}
		}
	}
	return n
}

// Acked returns the acknowledged messages of a queue.
func (b *Broker) Acked(queueName string) []Message {
	return b.snapshot(queueName, func(q *queue) []*Message { return q.acked })
}

// DeadLettered returns the messages rejected without requeue.
func (b *Broker) DeadLettered(queueName string) []Message {
	return b.snapshot(queueName, func(q *queue) []*Message { return q.deadLettered })
}

// Delivered returns every delivery made from a queue, redeliveries included.
func (b *Broker) Delivered(queueName string) []Message {
	return b.snapshot(queueName, func(q *queue) []*Message { return q.delivered })
}

func (b *Broker) snapshot(queueName string, pick func(*queue) []*Message) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return nil
	}
	msgs := pick(q)
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = *m
	}
	return out
}

// Drop simulates the broker closing every open connection with an error.
// Unacknowledged deliveries go back to their queues.
func (b *Broker) Drop() {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	var notify []chan *amqp.Error
	for _, c := range conns {
		notify = append(notify, c.closeLocked()...)
	}
	for _, q := range b.queues {
		b.dispatchLocked(q)
	}
	b.mu.Unlock()

	signal(notify, &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure", Server: true})
}

func signal(notify []chan *amqp.Error, err *amqp.Error) {
	for _, n := range notify {
		if err != nil {
			select {
			case n <- err:
			default:
			}
		}
		close(n)
	}
}

func (b *Broker) queueLocked(name string) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name}
		b.queues[name] = q
	}
	return q
}

// dispatchLocked hands ready messages to consumers with free prefetch
// capacity, round robin.
func (b *Broker) dispatchLocked(q *queue) {
	for len(q.ready) > 0 && len(q.consumers) > 0 {
		c := q.pick()
		if c == nil {
			return
		}
		msg := q.ready[0]
		q.ready = q.ready[1:]
		c.deliver(msg)
	}
}

func (q *queue) pick() *consumer {
	for i := 0; i < len(q.consumers); i++ {
		c := q.consumers[(q.next+i)%len(q.consumers)]
		if c.hasCapacity() {
			q.next = (q.next + i + 1) % len(q.consumers)
			return c
		}
	}
	return nil
}

func (c *consumer) hasCapacity() bool {
	if len(c.deliveries) >= cap(c.deliveries) {
		return false
	}
	if c.noAck || c.ch.prefetch == 0 {
		return true
	}
	return len(c.ch.unacked) < c.ch.prefetch
}

func (c *consumer) deliver(msg *Message) {
	ch := c.ch
	ch.nextTag++
	tag := ch.nextTag
	if !c.noAck {
		ch.unacked[tag] = &pending{queue: c.queue, msg: msg}
	}
	c.queue.delivered = append(c.queue.delivered, &Message{Queue: msg.Queue, Publishing: msg.Publishing, Redelivered: msg.Redelivered})
	if c.noAck {
		c.queue.acked = append(c.queue.acked, msg)
	}

	p := msg.Publishing
	c.deliveries <- amqp.Delivery{
		Acknowledger: ch,
		Headers:      p.Headers,
		ContentType:  p.ContentType,
		DeliveryMode: p.DeliveryMode,
		Priority:     p.Priority,
		MessageId:    p.MessageId,
		Timestamp:    p.Timestamp,
		ConsumerTag:  c.tag,
		DeliveryTag:  tag,
		Redelivered:  msg.Redelivered,
		RoutingKey:   msg.Queue,
		Body:         p.Body,
	}
}

type conn struct {
	broker   *Broker
	closed   bool
	channels []*channel
	notify   []chan *amqp.Error
}

var _ rabbitmq.Conn = (*conn)(nil)

func (c *conn) Channel() (rabbitmq.Channel, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &channel{broker: c.broker, unacked: make(map[uint64]*pending)}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *conn) Close() error {
	b := c.broker
	b.mu.Lock()
	if c.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}
	notify := c.closeLocked()
	for i, other := range b.conns {
		if other == c {
			b.conns = append(b.conns[:i:i], b.conns[i+1:]...)
			break
		}
	}
	for _, q := range b.queues {
		b.dispatchLocked(q)
	}
	b.mu.Unlock()

	signal(notify, nil)
	return nil
}

func (c *conn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// closeLocked closes c and its channels and returns the listeners to notify
// once the broker lock is released.
func (c *conn) closeLocked() []chan *amqp.Error {
	if c.closed {
		return nil
	}
	c.closed = true
	var notify []chan *amqp.Error
	for _, ch := range c.channels {
		notify = append(notify, ch.closeLocked()...)
	}
	notify = append(notify, c.notify...)
	c.notify = nil
	return notify
}

type channel struct {
	broker *Broker

	closed    bool
	prefetch  int
	nextTag   uint64
	unacked   map[uint64]*pending
	consumers map[string]*consumer
	notify    []chan *amqp.Error
}

var (
	_ rabbitmq.Channel  = (*channel)(nil)
	_ amqp.Acknowledger = (*channel)(nil)
)

func (ch *channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if exchange != "" {
		return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no exchange '" + exchange + "'"}
	}
	q, ok := b.queues[key]
	if !ok {
		// Unroutable messages on the default exchange are dropped.
		return nil
	}
	q.published = append(q.published, msg)
	q.ready = append(q.ready, &Message{Queue: key, Publishing: msg})
	b.dispatchLocked(q)
	return nil
}

func (ch *channel) Consume(queueName, consumerTag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + queueName + "'"}
	}
	if exclusive && len(q.consumers) > 0 {
		return nil, &amqp.Error{Code: amqp.AccessRefused, Reason: "ACCESS_REFUSED - queue '" + queueName + "' in exclusive use"}
	}
	if ch.consumers == nil {
		ch.consumers = make(map[string]*consumer)
	}
	if _, dup := ch.consumers[consumerTag]; dup {
		return nil, &amqp.Error{Code: amqp.NotAllowed, Reason: "NOT_ALLOWED - attempt to reuse consumer tag '" + consumerTag + "'"}
	}

	c := &consumer{
		tag:        consumerTag,
		queue:      q,
		ch:         ch,
		noAck:      autoAck,
		deliveries: make(chan amqp.Delivery, consumerBuffer),
	}
	ch.consumers[consumerTag] = c
	q.consumers = append(q.consumers, c)
	b.dispatchLocked(q)
	return c.deliveries, nil
}

func (ch *channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if d, ok := b.declared[name]; ok {
		if d.Durable != durable || d.AutoDelete != autoDelete || d.Exclusive != exclusive {
			return amqp.Queue{}, &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - inequivalent arg for queue '" + name + "'"}
		}
		d.Count++
	} else {
		b.declared[name] = &Declaration{
			Name:       name,
			Durable:    durable,
			AutoDelete: autoDelete,
			Exclusive:  exclusive,
			Args:       args,
			Count:      1,
		}
	}
	q := b.queueLocked(name)
	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

func (ch *channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

func (ch *channel) Cancel(consumerTag string, noWait bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	c, ok := ch.consumers[consumerTag]
	if !ok {
		return nil
	}
	ch.removeConsumerLocked(c)
	return nil
}

func (ch *channel) removeConsumerLocked(c *consumer) {
	delete(ch.consumers, c.tag)
	q := c.queue
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i:i], q.consumers[i+1:]...)
			break
		}
	}
	if q.next >= len(q.consumers) {
		q.next = 0
	}
	close(c.deliveries)
}

func (ch *channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

func (ch *channel) Close() error {
	b := ch.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}
	notify := ch.closeLocked()
	for _, q := range b.queues {
		b.dispatchLocked(q)
	}
	b.mu.Unlock()

	signal(notify, nil)
	return nil
}

// closeLocked cancels the consumers of ch and returns its unacknowledged
// deliveries to the front of their queues.
func (ch *channel) closeLocked() []chan *amqp.Error {
	if ch.closed {
		return nil
	}
	ch.closed = true
	for _, c := range ch.consumers {
		ch.removeConsumerLocked(c)
	}
	for tag, p := range ch.unacked {
		delete(ch.unacked, tag)
		p.msg.Redelivered = true
		p.queue.ready = append([]*Message{p.msg}, p.queue.ready...)
	}
	notify := ch.notify
	ch.notify = nil
	return notify
}

var errUnknownTag = &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - unknown delivery tag"}

func (ch *channel) settle(tag uint64, multiple bool, fn func(p *pending)) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}

	var tags []uint64
	if multiple {
		for t := range ch.unacked {
			if t <= tag {
				tags = append(tags, t)
			}
		}
	} else if _, ok := ch.unacked[tag]; ok {
		tags = append(tags, tag)
	}
	if len(tags) == 0 {
		return errUnknownTag
	}

	for _, t := range tags {
		p := ch.unacked[t]
		delete(ch.unacked, t)
		fn(p)
	}
	for _, q := range b.queues {
		b.dispatchLocked(q)
	}
	return nil
}

func (ch *channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, multiple, func(p *pending) {
		p.queue.acked = append(p.queue.acked, p.msg)
	})
}

func (ch *channel) Nack(tag uint64, multiple, requeue bool) error {
	return ch.settle(tag, multiple, func(p *pending) {
		if requeue {
			p.msg.Redelivered = true
			p.queue.ready = append([]*Message{p.msg}, p.queue.ready...)
			return
		}
		p.queue.deadLettered = append(p.queue.deadLettered, p.msg)
	})
}

func (ch *channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}
