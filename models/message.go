package models

import (
	"time"

	"gorm.io/gorm"
)

type MessageDirection string

const (
	DirectionOutbound MessageDirection = "outbound"
	DirectionInbound  MessageDirection = "inbound"
)

type MessageStatus string

const (
	StatusDraft     MessageStatus = "draft"
	StatusScheduled MessageStatus = "scheduled"
	StatusSending   MessageStatus = "sending" // claimed by a sender, never left behind
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusOpened    MessageStatus = "opened"
	StatusReceived  MessageStatus = "received"
	StatusFailed    MessageStatus = "failed"
)

// Metadata keys written by the outreach core.
const (
	MetaResolvedByFallback = "resolvedByFallback"
	MetaCancelled          = "cancelled"
	MetaCancelReason       = "cancelReason"
	MetaSuggestedSubject   = "suggestedSubject"
	MetaTaskID             = "taskId"
)

// Message is a single outreach email, outbound or imported.
type Message struct {
	gorm.Model
	UserID    uint             `gorm:"not null;index" json:"user_id"`
	Direction MessageDirection `gorm:"not null;index" json:"direction"`

	// Participants
	FromAddress string `json:"from_address"`
	ToAddress   string `json:"to_address"`
	RecipientID *uint  `gorm:"index" json:"recipient_id"`

	// Content
	Subject     string  `json:"subject"`
	Body        string  `gorm:"type:text" json:"body"`
	TemplateRef *string `json:"template_ref,omitempty"`

	// Status & timing
	Status       MessageStatus `gorm:"not null;index" json:"status"`
	SentAt       *time.Time    `gorm:"index" json:"sent_at"`
	ReceivedAt   *time.Time    `json:"received_at"`
	ScheduledFor *time.Time    `gorm:"index" json:"scheduled_for"`
	CancelledAt  *time.Time    `json:"cancelled_at,omitempty"`
	Attempts     int           `gorm:"default:0" json:"attempts"`
	LastError    *string       `json:"last_error,omitempty"`

	// Follow-up linkage
	IsFollowUp      bool  `gorm:"default:false;index" json:"is_follow_up"`
	ParentMessageID *uint `gorm:"index" json:"parent_message_id"`
	FollowUpDays    *int  `json:"follow_up_days"`

	// Threading
	ExternalThreadID  *string `gorm:"index" json:"external_thread_id"`
	ProviderMessageID *string `gorm:"index" json:"provider_message_id,omitempty"`
	ReplyToMessageID  *uint   `json:"reply_to_message_id,omitempty"`
	ImportKey         *string `gorm:"uniqueIndex" json:"-"`

	Metadata StringMap `gorm:"type:text" json:"metadata"`
}

// IsCancelled reports whether a follow-up was withdrawn rather than failing delivery.
func (m *Message) IsCancelled() bool {
	return m.CancelledAt != nil || m.Metadata[MetaCancelled] == "true"
}
