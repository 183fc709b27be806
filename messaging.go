// Package messaging is a schema-governed queue contract layered over an AMQP
// broker. Producers validate every payload against the schema registered for
// its queue before it is put on the wire, and consumers validate again on
// receipt before a typed handler ever sees it.
//
// Delivery is at-least-once. A message that cannot be decoded or does not
// satisfy its schema is rejected without requeue and never retried; a
// message whose handler fails is rejected with requeue so the broker
// redelivers it.
//
// The rabbitmq package implements the broker side: connection management,
// publishing, subscribing and the lazy connection guard shared by a process.
package messaging

import (
	"context"
)

// Handler processes one validated payload. Returning an error requeues the
// message.
type Handler[T any] func(ctx context.Context, payload T, msg *Message) error

// Message is the envelope of one delivery.
type Message struct {
	Queue       string
	Body        []byte
	Header      map[string]string
	MessageID   string
	DeliveryTag uint64
	Redelivered bool
}

// Marshaler is a simple encoding interface.
type Marshaler interface {
	Marshal(any) ([]byte, error)
	Unmarshal([]byte, any) error
	String() string
}
