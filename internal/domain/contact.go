package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/acme/lead-drip-engine/pkg/errors"
)

// ContactState enumerates delivery lifecycle stages for a contact.
type ContactState string

const (
	ContactStatePending   ContactState = "pending"
	ContactStateScheduled ContactState = "scheduled"
	ContactStateSent      ContactState = "sent"
	ContactStateDelivered ContactState = "delivered"
	ContactStateFailed    ContactState = "failed"
	ContactStateCancelled ContactState = "cancelled"
)

// ContactEvent names the transitions a contact can undergo.
type ContactEvent string

const (
	EventReserve   ContactEvent = "reserve"    // pending -> scheduled
	EventSent      ContactEvent = "sent"       // scheduled -> sent
	EventSendRetry ContactEvent = "send_retry" // scheduled -> pending
	EventDelivered ContactEvent = "delivered"  // sent -> delivered
	EventFailed    ContactEvent = "failed"     // scheduled|sent -> failed
	EventCancel    ContactEvent = "cancel"     // pending|scheduled -> cancelled
)

// Contact represents one recipient within a campaign.
type Contact struct {
	ID                uuid.UUID
	CampaignID        uuid.UUID
	Phone             string
	FirstName         string
	Fields            map[string]any
	CRMContactID      string
	OpportunityID     *string
	State             ContactState
	AttemptCount      int
	ProviderMessageID *string
	SentAt            *time.Time
	CompletedAt       *time.Time
	CallbackAt        *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

var transitions = map[ContactEvent]struct {
	from map[ContactState]bool
	to   ContactState
}{
	EventReserve:   {from: states(ContactStatePending), to: ContactStateScheduled},
	EventSent:      {from: states(ContactStateScheduled), to: ContactStateSent},
	EventSendRetry: {from: states(ContactStateScheduled), to: ContactStatePending},
	EventDelivered: {from: states(ContactStateSent), to: ContactStateDelivered},
	EventFailed:    {from: states(ContactStateScheduled, ContactStateSent), to: ContactStateFailed},
	EventCancel:    {from: states(ContactStatePending, ContactStateScheduled), to: ContactStateCancelled},
}

func states(ss ...ContactState) map[ContactState]bool {
	m := make(map[ContactState]bool, len(ss))
	for _, s := range ss {
		m[s] = true
	}
	return m
}

// IsTerminal reports whether the state admits no further delivery transitions.
func (s ContactState) IsTerminal() bool {
	return s == ContactStateDelivered || s == ContactStateFailed || s == ContactStateCancelled
}

// NextState resolves the successor state for applying event to current.
// The returned bool is false when the event is an idempotent no-op:
// replaying an event whose target equals the current state, or landing
// a delivery outcome on a contact that is already terminal. Webhook
// providers retry notifications, so replays must succeed silently.
// A genuinely illegal transition returns ErrInvalidTransition.
func NextState(current ContactState, event ContactEvent) (ContactState, bool, error) {
	rule, ok := transitions[event]
	if !ok {
		return current, false, fmt.Errorf("%w: unknown event %q", apperrors.ErrInvalidTransition, event)
	}

	if rule.from[current] {
		return rule.to, true, nil
	}

	if current == rule.to {
		return current, false, nil
	}

	if current.IsTerminal() && (event == EventDelivered || event == EventFailed || event == EventCancel) {
		return current, false, nil
	}

	return current, false, fmt.Errorf("%w: %s cannot apply to %s", apperrors.ErrInvalidTransition, event, current)
}

// EventRule exposes the transition table entry for an event: the set of
// legal predecessor states and the successor state. Used by stores that
// express the compare-and-set directly in SQL.
func EventRule(event ContactEvent) (from []ContactState, to ContactState, ok bool) {
	rule, found := transitions[event]
	if !found {
		return nil, "", false
	}
	for s := range rule.from {
		from = append(from, s)
	}
	return from, rule.to, true
}

// CanRecordCallback reports whether a callback may be noted for the state.
// Callbacks are orthogonal to the delivery outcome: they are recorded as a
// timestamp and never displace a terminal delivery state.
func CanRecordCallback(state ContactState) bool {
	switch state {
	case ContactStateSent, ContactStateDelivered, ContactStateFailed:
		return true
	}
	return false
}
