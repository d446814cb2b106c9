package webhook

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/acme/lead-drip-engine/internal/domain"
	"github.com/acme/lead-drip-engine/internal/repository"
	"github.com/acme/lead-drip-engine/internal/service/common"
	apperrors "github.com/acme/lead-drip-engine/pkg/errors"
)

// Correlator matches inbound provider events to contacts. Echoed
// metadata is the unambiguous path and always wins; otherwise the
// provider message id, then a normalized-phone scan across active
// campaigns. A multi-contact phone match is never guessed at.
type Correlator struct {
	contacts repository.ContactRepository
	policy   common.PhoneMatchPolicy
	logger   *zap.Logger
}

// NewCorrelator constructs a correlator with the given phone match policy.
func NewCorrelator(contacts repository.ContactRepository, policy common.PhoneMatchPolicy, logger *zap.Logger) *Correlator {
	if policy == "" {
		policy = common.MatchPolicySuffix
	}
	return &Correlator{contacts: contacts, policy: policy, logger: logger}
}

// Resolve locates the contact an event refers to. Returns ErrNotFound
// when nothing matches and ErrAmbiguousMatch when a phone fallback hits
// more than one contact.
func (c *Correlator) Resolve(ctx context.Context, event domain.WebhookEvent) (*domain.Contact, error) {
	if event.CampaignID != nil && event.ContactID != nil {
		contact, err := c.contacts.Get(ctx, *event.CampaignID, *event.ContactID)
		if err != nil {
			return nil, fmt.Errorf("correlator: metadata lookup: %w", err)
		}
		return contact, nil
	}

	if event.ProviderMessageID != "" {
		contact, err := c.contacts.FindByProviderMessageID(ctx, event.ProviderMessageID)
		if err == nil {
			return contact, nil
		}
		if !apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("correlator: provider id lookup: %w", err)
		}
		// Fall through to the phone scan.
	}

	digits := common.NormalizePhone(event.Phone)
	if digits == "" {
		return nil, fmt.Errorf("%w: event has no usable correlation key", apperrors.ErrNotFound)
	}

	matches, err := c.contacts.FindActiveByPhone(ctx, digits, c.policy)
	if err != nil {
		return nil, fmt.Errorf("correlator: phone scan: %w", err)
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: no contact matches phone", apperrors.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		c.logger.Warn("ambiguous phone correlation dropped",
			zap.String("phone_digits", digits),
			zap.Int("matches", len(matches)))
		return nil, fmt.Errorf("%w: %d contacts match phone", apperrors.ErrAmbiguousMatch, len(matches))
	}
}

// MapStatus classifies a provider status string into a delivery outcome.
// Unknown statuses return ok=false and are ignored upstream.
func MapStatus(status string, callback bool) (domain.Outcome, bool) {
	if callback {
		return domain.OutcomeCallback, true
	}
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "completed", "delivered", "sent_to_voicemail":
		return domain.OutcomeDelivered, true
	case "failed", "undeliverable", "error", "rejected":
		return domain.OutcomeFailed, true
	case "callback", "callback_received", "inbound_call":
		return domain.OutcomeCallback, true
	}
	return "", false
}
