package domain

import (
	"time"

	"github.com/google/uuid"
)

// Outcome classifies the result of a delivery or callback notification.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeFailed    Outcome = "failed"
	OutcomeCallback  Outcome = "callback_received"
)

// WebhookEvent is the normalized form of an inbound provider notification.
// CampaignID and ContactID are present only when the provider echoed our
// metadata back; otherwise correlation falls back to the phone number.
type WebhookEvent struct {
	ID                uuid.UUID
	ProviderMessageID string
	Phone             string
	Status            string
	CampaignID        *uuid.UUID
	ContactID         *uuid.UUID
	Callback          bool
	Raw               []byte
	ReceivedAt        time.Time
}

// ContactTransitionEvent converts an outcome into the contact event it drives.
func (o Outcome) ContactTransitionEvent() (ContactEvent, bool) {
	switch o {
	case OutcomeDelivered:
		return EventDelivered, true
	case OutcomeFailed:
		return EventFailed, true
	}
	return "", false
}
