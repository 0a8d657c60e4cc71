package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/pesio-ai/be-edu-approvals/internal/logger"
	"github.com/pesio-ai/be-edu-approvals/internal/notify"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "notifications.approvals"

// StreamPublisher is the part of jetstream.JetStream the publisher needs.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NotificationPublisher publishes approval lifecycle events to NATS
// JetStream for the notifications service.
//
// Subject convention: <prefix>.<event_type>, e.g.
// notifications.approvals.approval_required.
type NotificationPublisher struct {
	js     StreamPublisher
	prefix string
	log    *logger.Logger
}

// notificationMessage is the JSON schema published to NATS.
type notificationMessage struct {
	EventType    string   `json:"event_type"`
	ActorID      string   `json:"actor_id"`
	Recipients   []string `json:"recipients"`
	ResourceType string   `json:"resource_type"`
	ResourceID   string   `json:"resource_id"`
	IsActionable bool     `json:"is_actionable"`
	Severity     string   `json:"severity"`
	Category     string   `json:"category"`
	Payload      payload  `json:"payload"`
}

type payload struct {
	RequestID      string `json:"request_id"`
	ApprovableType string `json:"approvable_type"`
	ApprovableID   int64  `json:"approvable_id"`
	Summary        string `json:"summary"`
	Comments       string `json:"comments,omitempty"`
	Level          int    `json:"level"`
	OccurredAt     string `json:"occurred_at"`
}

// NewNotificationPublisher creates a publisher backed by js.
func NewNotificationPublisher(js StreamPublisher, prefix string, log *logger.Logger) *NotificationPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NotificationPublisher{js: js, prefix: strings.TrimSuffix(prefix, "."), log: log.Component("notification_publisher")}
}

// Dispatch publishes event and waits for the JetStream ack. Events without
// recipients are dropped.
func (p *NotificationPublisher) Dispatch(ctx context.Context, event notify.Event) error {
	if len(event.Recipients) == 0 {
		p.log.Debug().Str("event_type", string(event.Type)).Str("request_id", event.RequestID).
			Msg("notification: no recipients, skipping")
		return nil
	}

	data, err := json.Marshal(toMessage(event))
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	subject := p.Subject(event.Type)
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.RequestID+"/"+string(event.Type)+"/"+event.OccurredAt.Format("20060102T150405.000000000"))); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	p.log.Debug().
		Str("subject", subject).
		Str("request_id", event.RequestID).
		Int("recipients", len(event.Recipients)).
		Msg("notification: event published")
	return nil
}

// Subject returns the subject an event type is published on.
func (p *NotificationPublisher) Subject(t notify.EventType) string {
	return p.prefix + "." + string(t)
}

func toMessage(event notify.Event) notificationMessage {
	recipients := make([]string, 0, len(event.Recipients))
	for _, id := range event.Recipients {
		recipients = append(recipients, strconv.FormatInt(id, 10))
	}
	severity := "info"
	if event.Type == notify.EventRejected || event.Type == notify.EventReturned {
		severity = "warning"
	}
	return notificationMessage{
		EventType:    string(event.Type),
		ActorID:      strconv.FormatInt(event.ActorID, 10),
		Recipients:   recipients,
		ResourceType: string(event.Approvable.Type),
		ResourceID:   strconv.FormatInt(event.Approvable.ID, 10),
		IsActionable: event.Type == notify.EventApprovalRequired || event.Type == notify.EventReturned,
		Severity:     severity,
		Category:     "approvals",
		Payload: payload{
			RequestID:      event.RequestID,
			ApprovableType: string(event.Approvable.Type),
			ApprovableID:   event.Approvable.ID,
			Summary:        event.Summary,
			Comments:       event.Comments,
			Level:          event.Level,
			OccurredAt:     event.OccurredAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		},
	}
}

// NATSConnection owns the NATS connection behind a publisher.
type NATSConnection struct {
	conn      *nats.Conn
	Publisher *NotificationPublisher
}

// ConnectNATS dials url, ensures a stream covering <prefix>.> exists and
// returns a publisher bound to it.
func ConnectNATS(ctx context.Context, url, stream, prefix string, log *logger.Logger) (*NATSConnection, error) {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	nc, err := nats.Connect(url, nats.Name("be-edu-approvals"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	if stream != "" {
		if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     stream,
			Subjects: []string{prefix + ".>"},
		}); err != nil {
			nc.Close()
			return nil, fmt.Errorf("ensure stream %s: %w", stream, err)
		}
	}
	log.Info().Str("url", url).Str("prefix", prefix).Msg("connected to NATS")
	return &NATSConnection{conn: nc, Publisher: NewNotificationPublisher(js, prefix, log)}, nil
}

// Close drains the connection.
func (c *NATSConnection) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Drain()
}
