package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type jobPayload struct {
	JobID string
}

func TestQueue_PublishConsumeAck(t *testing.T) {
	config := DefaultConfig()
	config.RetryDelay = 10 * time.Millisecond
	queue := NewQueue[jobPayload](config)
	ctx := context.Background()

	require.NoError(t, queue.Publish(ctx, &jobPayload{JobID: "job-1"}))
	assert.Equal(t, 1, queue.Size())

	msg, err := queue.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-1", msg.T().JobID)
	assert.Equal(t, 1, msg.Attempt())
	assert.NotEmpty(t, msg.ID())

	assert.NoError(t, msg.Ack())
	assert.Error(t, msg.Ack())
}

func TestQueue_NackRedeliversThenDeadLetters(t *testing.T) {
	config := DefaultConfig()
	config.MaxRetries = 1
	config.RetryDelay = 5 * time.Millisecond
	queue := NewQueue[jobPayload](config)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, queue.Publish(ctx, &jobPayload{JobID: "job-2"}))

	first, err := queue.Consume(ctx)
	require.NoError(t, err)
	require.NoError(t, first.Nack(errors.New("boom")))

	second, err := queue.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID(), second.ID())
	assert.Equal(t, 2, second.Attempt())
	require.NoError(t, second.Nack(errors.New("boom again")))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, queue.Size())
	dlq := queue.DeadLetters()
	require.Len(t, dlq, 1)
	assert.EqualError(t, dlq[0].Err(), "boom again")
}

func TestQueue_ConsumeHonoursContext(t *testing.T) {
	queue := NewQueue[jobPayload](DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := queue.Consume(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_PublishAfterClose(t *testing.T) {
	queue := NewQueue[jobPayload](DefaultConfig())
	queue.Close()
	assert.Error(t, queue.Publish(context.Background(), &jobPayload{JobID: "x"}))
}
