package client

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-edu-approvals/internal/approvable"
	"github.com/pesio-ai/be-edu-approvals/internal/logger"
	"github.com/pesio-ai/be-edu-approvals/internal/notify"
)

type published struct {
	subject string
	data    []byte
}

type fakeStream struct {
	msgs []published
	err  error
}

func (f *fakeStream) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, published{subject: subject, data: data})
	return &jetstream.PubAck{Stream: "APPROVALS", Sequence: uint64(len(f.msgs))}, nil
}

func event(t notify.EventType, recipients ...int64) notify.Event {
	return notify.Event{
		Type:       t,
		RequestID:  "req-1",
		Approvable: approvable.Ref{Type: approvable.TypeSurveyResponse, ID: 7},
		Summary:    "Survey response #7 (Annual census)",
		ActorID:    4,
		Comments:   "fix X",
		Level:      2,
		Recipients: recipients,
		OccurredAt: time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestNotificationPublisher_Dispatch(t *testing.T) {
	stream := &fakeStream{}
	p := NewNotificationPublisher(stream, "", logger.Nop())

	require.NoError(t, p.Dispatch(context.Background(), event(notify.EventReturned, 50, 51)))
	require.Len(t, stream.msgs, 1)
	assert.Equal(t, "notifications.approvals.returned", stream.msgs[0].subject)

	var msg notificationMessage
	require.NoError(t, json.Unmarshal(stream.msgs[0].data, &msg))
	assert.Equal(t, []string{"50", "51"}, msg.Recipients)
	assert.Equal(t, "survey_response", msg.ResourceType)
	assert.Equal(t, "7", msg.ResourceID)
	assert.Equal(t, "warning", msg.Severity)
	assert.True(t, msg.IsActionable)
	assert.Equal(t, "req-1", msg.Payload.RequestID)
	assert.Equal(t, "fix X", msg.Payload.Comments)
	assert.Equal(t, 2, msg.Payload.Level)
}

func TestNotificationPublisher_SkipsWithoutRecipients(t *testing.T) {
	stream := &fakeStream{}
	p := NewNotificationPublisher(stream, "edu.events.", logger.Nop())
	require.NoError(t, p.Dispatch(context.Background(), event(notify.EventCompleted)))
	assert.Empty(t, stream.msgs)
	assert.Equal(t, "edu.events.completed", p.Subject(notify.EventCompleted))
}

func TestNotificationPublisher_PropagatesError(t *testing.T) {
	stream := &fakeStream{err: errors.New("no responders")}
	p := NewNotificationPublisher(stream, "", logger.Nop())
	err := p.Dispatch(context.Background(), event(notify.EventCompleted, 50))
	assert.ErrorContains(t, err, "no responders")
}
