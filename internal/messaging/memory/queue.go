package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pesio-ai/be-edu-approvals/internal/idgen"
	"github.com/pesio-ai/be-edu-approvals/internal/messaging"
)

// Config for the in-memory queue.
type Config struct {
	MaxRetries  int
	RetryDelay  time.Duration
	DeadLetter  bool
	QueueBuffer int
}

// DefaultConfig returns a standard configuration for the memory queue.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  2,
		RetryDelay:  250 * time.Millisecond,
		DeadLetter:  true,
		QueueBuffer: 256,
	}
}

// Message is a queued payload with its delivery state.
type Message[T any] struct {
	id        string
	payload   T
	queue     *Queue[T]
	attempt   int
	mu        sync.Mutex
	processed bool
	lastErr   error
}

func (m *Message[T]) ID() string   { return m.id }
func (m *Message[T]) T() *T        { return &m.payload }
func (m *Message[T]) Attempt() int { return m.attempt }

// Err returns the error passed to the last Nack.
func (m *Message[T]) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Ack marks the message as processed.
func (m *Message[T]) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processed {
		return fmt.Errorf("message %s already processed", m.id)
	}
	m.processed = true
	return nil
}

// Nack marks the delivery failed and schedules a redelivery while retries
// remain; exhausted messages move to the dead letter list.
func (m *Message[T]) Nack(err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processed {
		return fmt.Errorf("message %s already processed", m.id)
	}
	m.processed = true
	m.lastErr = err

	q := m.queue
	if m.attempt <= q.config.MaxRetries {
		next := &Message[T]{id: m.id, payload: m.payload, queue: q, attempt: m.attempt + 1}
		time.AfterFunc(q.config.RetryDelay, func() { q.redeliver(next) })
		return nil
	}
	if q.config.DeadLetter {
		q.dlqMu.Lock()
		q.dlq = append(q.dlq, m)
		q.dlqMu.Unlock()
	}
	return nil
}

// Queue is a buffered channel backed messaging.Queue.
type Queue[T any] struct {
	messages chan *Message[T]
	config   Config
	closed   chan struct{}
	once     sync.Once
	dlq      []*Message[T]
	dlqMu    sync.Mutex
}

// NewQueue creates an in-memory queue.
func NewQueue[T any](config Config) *Queue[T] {
	if config.QueueBuffer <= 0 {
		config.QueueBuffer = DefaultConfig().QueueBuffer
	}
	return &Queue[T]{
		messages: make(chan *Message[T], config.QueueBuffer),
		config:   config,
		closed:   make(chan struct{}),
	}
}

// Publish enqueues a copy of t.
func (q *Queue[T]) Publish(ctx context.Context, t *T) error {
	msg := &Message[T]{id: idgen.New(), payload: *t, queue: q, attempt: 1}
	select {
	case <-q.closed:
		return fmt.Errorf("queue closed")
	default:
	}
	select {
	case q.messages <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closed:
		return fmt.Errorf("queue closed")
	}
}

// Consume blocks for the next message.
func (q *Queue[T]) Consume(ctx context.Context) (messaging.Message[T], error) {
	select {
	case msg := <-q.messages:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *Queue[T]) redeliver(msg *Message[T]) {
	select {
	case <-q.closed:
	case q.messages <- msg:
	}
}

// Close stops accepting new messages and pending redeliveries.
func (q *Queue[T]) Close() {
	q.once.Do(func() { close(q.closed) })
}

// Size returns the number of buffered messages.
func (q *Queue[T]) Size() int { return len(q.messages) }

// DeadLetters returns the messages that exhausted their retries.
func (q *Queue[T]) DeadLetters() []*Message[T] {
	q.dlqMu.Lock()
	defer q.dlqMu.Unlock()
	out := make([]*Message[T], len(q.dlq))
	copy(out, q.dlq)
	return out
}

var _ messaging.Queue[any] = (*Queue[any])(nil)
