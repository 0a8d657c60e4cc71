package messaging

import "context"

// Queue is an abstract message queue for any payload type.
type Queue[T any] interface {
	// Publish adds a new message with payload to the queue
	Publish(ctx context.Context, t *T) error

	// Consume blocks until a message is available or ctx is done
	Consume(ctx context.Context) (Message[T], error)
}

// Message is a message retrieved from a Queue.
type Message[T any] interface {
	// ID identifies the message across redeliveries
	ID() string

	// T returns the payload of this message
	T() *T

	// Attempt is 1 for the first delivery and grows with every retry
	Attempt() int

	// Ack acknowledges successful processing of this message
	Ack() error

	// Nack indicates failure; the queue may redeliver it
	Nack(err error) error
}
