package queue

import (
	"time"

	"github.com/google/uuid"
)

// DispatchMessage instructs the send worker to deliver one message.
// The contact has already been reserved (transitioned to scheduled) by
// the scheduler before this message is published.
type DispatchMessage struct {
	CampaignID  uuid.UUID      `json:"campaign_id"`
	ContactID   uuid.UUID      `json:"contact_id"`
	Channel     string         `json:"channel"`
	Phone       string         `json:"phone"`
	SenderID    string         `json:"sender_id"`
	Body        string         `json:"body"`
	Attempt     int            `json:"attempt"`
	MaxAttempts int            `json:"max_attempts"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	EnqueuedAt  time.Time      `json:"enqueued_at"`
}

// WebhookEventMessage carries a normalized inbound provider event from the
// HTTP ingest endpoint to the webhook worker.
type WebhookEventMessage struct {
	EventID           uuid.UUID  `json:"event_id"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	Phone             string     `json:"phone,omitempty"`
	Status            string     `json:"status"`
	Callback          bool       `json:"callback"`
	CampaignID        *uuid.UUID `json:"campaign_id,omitempty"`
	ContactID         *uuid.UUID `json:"contact_id,omitempty"`
	Raw               []byte     `json:"raw,omitempty"`
	ReceivedAt        time.Time  `json:"received_at"`
}

// DeadLetterMessage records an event that could not be processed and needs
// manual review: ambiguous correlations and unparseable payloads.
type DeadLetterMessage struct {
	Reason     string    `json:"reason"`
	Detail     string    `json:"detail,omitempty"`
	Payload    []byte    `json:"payload,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
