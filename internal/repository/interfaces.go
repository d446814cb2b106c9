package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/lead-drip-engine/internal/domain"
	"github.com/acme/lead-drip-engine/internal/service/common"
	apperrors "github.com/acme/lead-drip-engine/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// CampaignRepository manages campaign metadata persistence.
type CampaignRepository interface {
	Create(ctx context.Context, campaign *domain.Campaign) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	Update(ctx context.Context, campaign *domain.Campaign) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.CampaignStatus) error
	List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error)
	ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error)
}

// ContactRepository stores per-campaign contacts and owns every contact
// state mutation. All transitions are compare-and-set: the write succeeds
// only when the current state is a legal predecessor, so racing callers
// cannot overwrite each other.
type ContactRepository interface {
	BulkInsert(ctx context.Context, campaignID uuid.UUID, contacts []*domain.Contact) error
	Get(ctx context.Context, campaignID, contactID uuid.UUID) (*domain.Contact, error)
	ListByCampaign(ctx context.Context, campaignID uuid.UUID, state domain.ContactState, limit int) ([]*domain.Contact, error)

	// ReserveNext atomically claims the oldest pending contact for the
	// campaign, transitioning it to scheduled. Returns (nil, nil) when no
	// contact is eligible. Concurrent callers never receive the same row.
	ReserveNext(ctx context.Context, campaignID uuid.UUID) (*domain.Contact, error)

	// Transition applies the event under the state-machine rules and
	// reports the state the contact held when the write landed, so counter
	// deltas always reflect the row actually moved rather than a stale
	// read. The bool reports whether the state changed; idempotent replays
	// return (state, state, false, nil).
	Transition(ctx context.Context, campaignID, contactID uuid.UUID, event domain.ContactEvent) (from, to domain.ContactState, changed bool, err error)

	// RecordCallback stamps the callback timestamp without touching the
	// delivery state. Returns false when already recorded.
	RecordCallback(ctx context.Context, campaignID, contactID uuid.UUID, at time.Time) (bool, error)

	// CancelActive marks every pending and scheduled contact cancelled and
	// reports how many of each were affected.
	CancelActive(ctx context.Context, campaignID uuid.UUID) (pending, scheduled int64, err error)

	SetProviderMessageID(ctx context.Context, campaignID, contactID uuid.UUID, providerMessageID string, sentAt time.Time) error
	IncrementAttempt(ctx context.Context, campaignID, contactID uuid.UUID) (int, error)

	FindByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.Contact, error)

	// FindActiveByPhone returns contacts of active campaigns whose phone
	// matches the normalized digits under the given policy.
	FindActiveByPhone(ctx context.Context, digits string, policy common.PhoneMatchPolicy) ([]*domain.Contact, error)
}

// CampaignStatisticsRepository keeps aggregate counters.
type CampaignStatisticsRepository interface {
	Ensure(ctx context.Context, campaignID uuid.UUID) error
	Get(ctx context.Context, campaignID uuid.UUID) (*domain.CampaignStats, error)
	ApplyDelta(ctx context.Context, campaignID uuid.UUID, delta StatsDelta) error
}

// EventLogStore keeps a bounded, append-only audit trail of inbound
// webhook events for debugging and replay.
type EventLogStore interface {
	Append(ctx context.Context, event domain.WebhookEvent) error
	Recent(ctx context.Context, limit int) ([]domain.WebhookEvent, error)
}

// StatsDelta captures atomic counter increments.
type StatsDelta struct {
	TotalDelta     int64
	PendingDelta   int64
	ScheduledDelta int64
	SentDelta      int64
	DeliveredDelta int64
	FailedDelta    int64
	CancelledDelta int64
	CallbacksDelta int64
}

// TransitionDelta derives the counter movement for a state change: one
// unit leaves the predecessor counter and enters the successor counter,
// which keeps the counters equal to the live state distribution.
func TransitionDelta(from, to domain.ContactState) StatsDelta {
	var d StatsDelta
	if from == to {
		return d
	}
	apply := func(state domain.ContactState, n int64) {
		switch state {
		case domain.ContactStatePending:
			d.PendingDelta += n
		case domain.ContactStateScheduled:
			d.ScheduledDelta += n
		case domain.ContactStateSent:
			d.SentDelta += n
		case domain.ContactStateDelivered:
			d.DeliveredDelta += n
		case domain.ContactStateFailed:
			d.FailedDelta += n
		case domain.ContactStateCancelled:
			d.CancelledDelta += n
		}
	}
	apply(from, -1)
	apply(to, 1)
	return d
}
