package outreach

import (
	"context"
	"time"

	"athletereach/models"
)

// Clock is injected so scheduling is deterministic under test.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// Directory is the read-mostly recipient catalogue.
type Directory interface {
	GetRecipient(ctx context.Context, id uint) (*models.Recipient, error)
	FindRecipientByEmail(ctx context.Context, email string) (*models.Recipient, error)
	TouchLastContacted(ctx context.Context, id uint, when time.Time) error
}

// DeliveryResult describes an accepted send.
type DeliveryResult struct {
	ProviderMessageID string
	ThreadID          string
	From              string
}

// InboundDescriptor is one message pulled from the caller's inbox.
type InboundDescriptor struct {
	From             string
	To               string
	Subject          string
	Body             string
	Date             time.Time
	ExternalThreadID string
}

// DeliveryAdapter is the boundary to the mail provider.
type DeliveryAdapter interface {
	Deliver(ctx context.Context, msg *models.Message) (DeliveryResult, error)
	PollInbox(ctx context.Context, callerID uint, since time.Time) ([]InboundDescriptor, error)
}

// Event types published to an EventSink.
const (
	EventMessageSent        = "message.sent"
	EventMessageFailed      = "message.failed"
	EventMessageStatus      = "message.status"
	EventMessageReceived    = "message.received"
	EventFollowUpScheduled  = "followup.scheduled"
	EventFollowUpCancelled  = "followup.cancelled"
	EventFollowUpTaskOpened = "task.created"
	EventTaskClosed         = "task.closed"
)

// Event is a lifecycle notification for live clients.
type Event struct {
	Type      string               `json:"type"`
	UserID    uint                 `json:"user_id"`
	MessageID uint                 `json:"message_id,omitempty"`
	TaskID    uint                 `json:"task_id,omitempty"`
	Status    models.MessageStatus `json:"status,omitempty"`
	At        time.Time            `json:"at"`
}

// EventSink receives lifecycle events. Publish must not block.
type EventSink interface {
	Publish(Event)
}

type discardSink struct{}

func (discardSink) Publish(Event) {}
