// Package notify defines the lifecycle events the approval core emits and
// the Dispatcher port that delivers them.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/pesio-ai/be-edu-approvals/internal/approvable"
)

// EventType names a request lifecycle event.
type EventType string

const (
	EventApprovalRequired EventType = "approval_required"
	EventRejected         EventType = "rejected"
	EventReturned         EventType = "returned"
	EventCompleted        EventType = "completed"
)

// Event is one lifecycle notification. Recipients are user ids.
type Event struct {
	Type       EventType      `json:"event_type"`
	RequestID  string         `json:"request_id"`
	Approvable approvable.Ref `json:"approvable"`
	Summary    string         `json:"summary"`
	ActorID    int64          `json:"actor_id"`
	Comments   string         `json:"comments,omitempty"`
	Level      int            `json:"level"`
	Recipients []int64        `json:"recipients"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Dispatcher delivers events. Implementations return an error when the
// event could not be handed off.
type Dispatcher interface {
	Dispatch(ctx context.Context, event Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Dispatch(context.Context, Event) error { return nil }

// Recorder keeps dispatched events in memory. It is used by tests and by
// the memory storage mode.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	// Fail, when set, is returned from Dispatch instead of recording.
	Fail error
}

func (r *Recorder) Dispatch(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		return r.Fail
	}
	event.Recipients = append([]int64(nil), event.Recipients...)
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t EventType) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Reset clears recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
