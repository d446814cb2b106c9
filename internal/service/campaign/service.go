package campaign

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/lead-drip-engine/internal/domain"
	"github.com/acme/lead-drip-engine/internal/repository"
	"github.com/acme/lead-drip-engine/internal/service/common"
	"github.com/acme/lead-drip-engine/internal/service/template"
	apperrors "github.com/acme/lead-drip-engine/pkg/errors"
)

// RateLimiter is the slice of the dispatch limiter the campaign service
// needs: discarding reserved-but-unspent budget when a campaign stops.
type RateLimiter interface {
	Freeze(ctx context.Context, campaignID uuid.UUID, localDay string) error
}

// Service orchestrates campaign lifecycle, contact rosters and the
// aggregate counters that mirror them.
type Service struct {
	repo            repository.CampaignRepository
	contactRepo     repository.ContactRepository
	statsRepo       repository.CampaignStatisticsRepository
	renderer        *template.Renderer
	limiter         RateLimiter
	maxSendAttempts int
	logger          *zap.Logger
}

// NewService constructs a campaign service.
func NewService(
	repo repository.CampaignRepository,
	contacts repository.ContactRepository,
	stats repository.CampaignStatisticsRepository,
	renderer *template.Renderer,
	limiter RateLimiter,
	maxSendAttempts int,
	logger *zap.Logger,
) *Service {
	if maxSendAttempts <= 0 {
		maxSendAttempts = 3
	}
	return &Service{
		repo:            repo,
		contactRepo:     contacts,
		statsRepo:       stats,
		renderer:        renderer,
		limiter:         limiter,
		maxSendAttempts: maxSendAttempts,
		logger:          logger,
	}
}

// CreateCampaignInput captures campaign creation parameters.
type CreateCampaignInput struct {
	Name            string
	Channel         domain.Channel
	Script          string
	SenderID        string
	Schedule        ScheduleInput
	Limits          domain.Limits
	MaxSendAttempts int
	Contacts        []ContactInput
}

// ScheduleInput expresses the allowed sending window.
type ScheduleInput struct {
	DaysOfWeek []time.Weekday
	Start      time.Time
	End        time.Time
	TimeZone   string
}

// ContactInput expresses one recipient to enroll.
type ContactInput struct {
	Phone         string
	FirstName     string
	Fields        map[string]any
	CRMContactID  string
	OpportunityID *string
}

// UpdateCampaignInput captures updatable properties. Only draft and
// paused campaigns accept script or schedule changes.
type UpdateCampaignInput struct {
	ID       uuid.UUID
	Name     *string
	Script   *string
	SenderID *string
	Schedule *ScheduleInput
	Limits   *domain.Limits
}

// Create provisions a new campaign in draft status with its initial roster.
func (s *Service) Create(ctx context.Context, input CreateCampaignInput) (*domain.Campaign, error) {
	if err := s.validateCreateInput(input); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	campaign := &domain.Campaign{
		ID:              uuid.New(),
		Name:            input.Name,
		Channel:         input.Channel,
		Script:          input.Script,
		SenderID:        input.SenderID,
		Schedule:        toDomainSchedule(input.Schedule),
		Limits:          normalizeLimits(input.Limits),
		MaxSendAttempts: s.resolveAttempts(input.MaxSendAttempts),
		Status:          domain.CampaignStatusDraft,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.repo.Create(ctx, campaign); err != nil {
		return nil, fmt.Errorf("campaign service: create campaign: %w", err)
	}

	if err := s.statsRepo.Ensure(ctx, campaign.ID); err != nil {
		return nil, fmt.Errorf("campaign service: ensure stats: %w", err)
	}

	if len(input.Contacts) > 0 {
		if err := s.AddContacts(ctx, campaign.ID, input.Contacts); err != nil {
			return nil, err
		}
	}

	return campaign, nil
}

// Get retrieves a campaign by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.repo.Get(ctx, id)
}

// List returns campaigns after the given cursor.
func (s *Service) List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	return s.repo.List(ctx, afterID, limit)
}

// ListActive returns active campaigns for the dispatch loop.
func (s *Service) ListActive(ctx context.Context, limit int) ([]*domain.Campaign, error) {
	return s.repo.ListByStatus(ctx, domain.CampaignStatusActive, limit)
}

// Update modifies campaign metadata. Script and schedule changes are
// rejected once the campaign has reached a terminal status.
func (s *Service) Update(ctx context.Context, input UpdateCampaignInput) (*domain.Campaign, error) {
	campaign, err := s.repo.Get(ctx, input.ID)
	if err != nil {
		return nil, err
	}
	if campaignTerminal(campaign.Status) {
		return nil, fmt.Errorf("%w: campaign %s is %s", apperrors.ErrConflict, campaign.ID, campaign.Status)
	}

	if input.Name != nil {
		campaign.Name = *input.Name
	}
	if input.Script != nil {
		if err := s.renderer.Validate(*input.Script); err != nil {
			return nil, err
		}
		campaign.Script = *input.Script
	}
	if input.SenderID != nil {
		campaign.SenderID = *input.SenderID
	}
	if input.Schedule != nil {
		if err := validateSchedule(*input.Schedule); err != nil {
			return nil, err
		}
		campaign.Schedule = toDomainSchedule(*input.Schedule)
	}
	if input.Limits != nil {
		if err := validateLimits(*input.Limits); err != nil {
			return nil, err
		}
		campaign.Limits = normalizeLimits(*input.Limits)
	}

	campaign.UpdatedAt = time.Now().UTC()
	if err := s.repo.Update(ctx, campaign); err != nil {
		return nil, err
	}
	return campaign, nil
}

// Activate transitions a draft or paused campaign into active status.
// Activating an active campaign is a no-op.
func (s *Service) Activate(ctx context.Context, id uuid.UUID) error {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	switch campaign.Status {
	case domain.CampaignStatusActive:
		return nil
	case domain.CampaignStatusCancelled, domain.CampaignStatusCompleted:
		return fmt.Errorf("%w: cannot activate %s campaign", apperrors.ErrConflict, campaign.Status)
	}

	now := time.Now().UTC()
	campaign.Status = domain.CampaignStatusActive
	if campaign.StartedAt == nil {
		campaign.StartedAt = &now
	}
	campaign.UpdatedAt = now
	if err := s.repo.Update(ctx, campaign); err != nil {
		return err
	}
	s.checkCompletion(ctx, id)
	return nil
}

// Pause suspends dispatch for an active campaign. In-flight sends finish
// and their webhooks are still processed; only new reservations stop.
func (s *Service) Pause(ctx context.Context, id uuid.UUID) error {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	switch campaign.Status {
	case domain.CampaignStatusPaused:
		return nil
	case domain.CampaignStatusActive:
	default:
		return fmt.Errorf("%w: cannot pause %s campaign", apperrors.ErrConflict, campaign.Status)
	}
	return s.repo.UpdateStatus(ctx, id, domain.CampaignStatusPaused)
}

// Resume reactivates a paused campaign. The completion check re-runs
// afterwards: the final webhooks may have landed while the campaign was
// paused, and no further transition would ever fire it.
func (s *Service) Resume(ctx context.Context, id uuid.UUID) error {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	switch campaign.Status {
	case domain.CampaignStatusActive:
		return nil
	case domain.CampaignStatusPaused:
	default:
		return fmt.Errorf("%w: cannot resume %s campaign", apperrors.ErrConflict, campaign.Status)
	}
	if err := s.repo.UpdateStatus(ctx, id, domain.CampaignStatusActive); err != nil {
		return err
	}
	s.checkCompletion(ctx, id)
	return nil
}

// Cancel terminates a campaign: every pending and scheduled contact is
// cancelled, the counters follow, and any unspent rate budget is dropped.
// Contacts already sent keep their state; late webhooks for them still
// correlate and record.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	switch campaign.Status {
	case domain.CampaignStatusCancelled:
		return nil
	case domain.CampaignStatusCompleted:
		return fmt.Errorf("%w: cannot cancel completed campaign", apperrors.ErrConflict)
	}

	pending, scheduled, err := s.contactRepo.CancelActive(ctx, id)
	if err != nil {
		return fmt.Errorf("campaign service: cancel contacts: %w", err)
	}

	if pending+scheduled > 0 {
		delta := repository.StatsDelta{
			PendingDelta:   -pending,
			ScheduledDelta: -scheduled,
			CancelledDelta: pending + scheduled,
		}
		if err := s.statsRepo.ApplyDelta(ctx, id, delta); err != nil {
			return fmt.Errorf("campaign service: cancel stats: %w", err)
		}
	}

	if s.limiter != nil {
		localDay := campaign.Schedule.LocalDay(time.Now().UTC())
		if err := s.limiter.Freeze(ctx, id, localDay); err != nil {
			s.logger.Warn("failed to drop rate budget on cancel",
				zap.String("campaign_id", id.String()), zap.Error(err))
		}
	}

	now := time.Now().UTC()
	campaign.Status = domain.CampaignStatusCancelled
	campaign.CompletedAt = &now
	campaign.UpdatedAt = now
	return s.repo.Update(ctx, campaign)
}

// AddContacts enrolls recipients into a campaign and bumps total and
// pending counters by the roster size.
func (s *Service) AddContacts(ctx context.Context, campaignID uuid.UUID, inputs []ContactInput) error {
	if len(inputs) == 0 {
		return nil
	}

	now := time.Now().UTC()
	contacts := make([]*domain.Contact, 0, len(inputs))
	for _, in := range inputs {
		if common.NormalizePhone(in.Phone) == "" {
			return fmt.Errorf("%w: contact phone %q has no digits", apperrors.ErrValidation, in.Phone)
		}
		contacts = append(contacts, &domain.Contact{
			ID:            uuid.New(),
			CampaignID:    campaignID,
			Phone:         in.Phone,
			FirstName:     in.FirstName,
			Fields:        in.Fields,
			CRMContactID:  in.CRMContactID,
			OpportunityID: in.OpportunityID,
			State:         domain.ContactStatePending,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}

	if err := s.contactRepo.BulkInsert(ctx, campaignID, contacts); err != nil {
		return fmt.Errorf("campaign service: add contacts: %w", err)
	}

	n := int64(len(contacts))
	delta := repository.StatsDelta{TotalDelta: n, PendingDelta: n}
	if err := s.statsRepo.ApplyDelta(ctx, campaignID, delta); err != nil {
		return fmt.Errorf("campaign service: add contact stats: %w", err)
	}
	return nil
}

// Contacts lists a campaign's contacts, optionally filtered by state.
func (s *Service) Contacts(ctx context.Context, campaignID uuid.UUID, state domain.ContactState, limit int) ([]*domain.Contact, error) {
	return s.contactRepo.ListByCampaign(ctx, campaignID, state, limit)
}

// Stats retrieves the aggregate counters.
func (s *Service) Stats(ctx context.Context, id uuid.UUID) (*domain.CampaignStats, error) {
	return s.statsRepo.Get(ctx, id)
}

// ApplyTransition drives a contact through the state machine and keeps
// the counters in step. Idempotent replays and outcomes landing on
// terminal contacts succeed without moving anything. When the last
// pending or scheduled contact leaves the active set, the campaign is
// marked completed.
func (s *Service) ApplyTransition(ctx context.Context, campaignID, contactID uuid.UUID, event domain.ContactEvent) (domain.ContactState, bool, error) {
	// The delta is derived from the state the repository observed when the
	// write landed, not from a separate read: a reservation and a webhook
	// racing on the same contact would otherwise move the wrong counter.
	from, state, changed, err := s.contactRepo.Transition(ctx, campaignID, contactID, event)
	if err != nil {
		return "", false, err
	}
	if !changed {
		return state, false, nil
	}

	delta := repository.TransitionDelta(from, state)
	if err := s.statsRepo.ApplyDelta(ctx, campaignID, delta); err != nil {
		return state, true, fmt.Errorf("campaign service: transition stats: %w", err)
	}

	s.checkCompletion(ctx, campaignID)

	return state, true, nil
}

// RecordOutcome applies a correlated delivery outcome to a contact.
// Callback outcomes only stamp the callback timestamp; delivery outcomes
// move the state machine.
func (s *Service) RecordOutcome(ctx context.Context, campaignID, contactID uuid.UUID, outcome domain.Outcome, at time.Time) error {
	if outcome == domain.OutcomeCallback {
		return s.RecordCallback(ctx, campaignID, contactID, at)
	}

	event, ok := outcome.ContactTransitionEvent()
	if !ok {
		return fmt.Errorf("%w: unknown outcome %q", apperrors.ErrValidation, outcome)
	}

	_, _, err := s.ApplyTransition(ctx, campaignID, contactID, event)
	return err
}

// RecordCallback notes that the lead called back. The contact must have
// been sent to; the delivery state is untouched and duplicate callbacks
// are absorbed.
func (s *Service) RecordCallback(ctx context.Context, campaignID, contactID uuid.UUID, at time.Time) error {
	contact, err := s.contactRepo.Get(ctx, campaignID, contactID)
	if err != nil {
		return err
	}
	if !domain.CanRecordCallback(contact.State) {
		return fmt.Errorf("%w: callback for contact in state %s", apperrors.ErrInvalidTransition, contact.State)
	}

	recorded, err := s.contactRepo.RecordCallback(ctx, campaignID, contactID, at)
	if err != nil {
		return err
	}
	if !recorded {
		return nil
	}

	return s.statsRepo.ApplyDelta(ctx, campaignID, repository.StatsDelta{CallbacksDelta: 1})
}

// checkCompletion runs the completion check without surfacing its errors:
// a failed check is retried by whatever transition or resume comes next.
func (s *Service) checkCompletion(ctx context.Context, campaignID uuid.UUID) {
	if err := s.maybeComplete(ctx, campaignID); err != nil {
		s.logger.Warn("completion check failed",
			zap.String("campaign_id", campaignID.String()), zap.Error(err))
	}
}

func (s *Service) maybeComplete(ctx context.Context, campaignID uuid.UUID) error {
	stats, err := s.statsRepo.Get(ctx, campaignID)
	if err != nil {
		return err
	}
	if stats.Total == 0 || stats.Remaining() > 0 {
		return nil
	}

	campaign, err := s.repo.Get(ctx, campaignID)
	if err != nil {
		return err
	}
	if campaign.Status != domain.CampaignStatusActive {
		return nil
	}

	now := time.Now().UTC()
	campaign.Status = domain.CampaignStatusCompleted
	campaign.CompletedAt = &now
	campaign.UpdatedAt = now
	if err := s.repo.Update(ctx, campaign); err != nil {
		return err
	}
	s.logger.Info("campaign completed",
		zap.String("campaign_id", campaignID.String()),
		zap.Int64("delivered", stats.Delivered),
		zap.Int64("failed", stats.Failed),
		zap.Int64("callbacks", stats.Callbacks))
	return nil
}

func (s *Service) resolveAttempts(value int) int {
	if value <= 0 {
		return s.maxSendAttempts
	}
	return value
}

func campaignTerminal(status domain.CampaignStatus) bool {
	return status == domain.CampaignStatusCancelled || status == domain.CampaignStatusCompleted
}

func toDomainSchedule(in ScheduleInput) domain.Schedule {
	return domain.Schedule{
		DaysOfWeek: in.DaysOfWeek,
		Start:      in.Start,
		End:        in.End,
		TimeZone:   in.TimeZone,
	}
}

func normalizeLimits(limits domain.Limits) domain.Limits {
	if limits.MaxPerHour <= 0 {
		limits.MaxPerHour = 60
	}
	if limits.DailyLimit <= 0 {
		limits.DailyLimit = 200
	}
	if limits.InterMessageDelay < 0 {
		limits.InterMessageDelay = 0
	}
	return limits
}

func (s *Service) validateCreateInput(input CreateCampaignInput) error {
	if input.Name == "" {
		return fmt.Errorf("%w: campaign name is required", apperrors.ErrValidation)
	}
	switch input.Channel {
	case domain.ChannelSMS, domain.ChannelVoicedrop:
	default:
		return fmt.Errorf("%w: unknown channel %q", apperrors.ErrValidation, input.Channel)
	}
	if input.Script == "" {
		return fmt.Errorf("%w: campaign script is required", apperrors.ErrValidation)
	}
	if err := s.renderer.Validate(input.Script); err != nil {
		return err
	}
	if err := validateSchedule(input.Schedule); err != nil {
		return err
	}
	if err := validateLimits(input.Limits); err != nil {
		return err
	}
	return nil
}

func validateSchedule(in ScheduleInput) error {
	if len(in.DaysOfWeek) == 0 {
		return fmt.Errorf("%w: schedule needs at least one day of week", apperrors.ErrValidation)
	}
	if in.TimeZone == "" {
		return fmt.Errorf("%w: schedule time zone is required", apperrors.ErrValidation)
	}
	if _, err := time.LoadLocation(in.TimeZone); err != nil {
		return fmt.Errorf("%w: invalid time zone %s: %v", apperrors.ErrValidation, in.TimeZone, err)
	}
	startMin := in.Start.Hour()*60 + in.Start.Minute()
	endMin := in.End.Hour()*60 + in.End.Minute()
	if startMin == endMin {
		return fmt.Errorf("%w: schedule window must have positive duration", apperrors.ErrValidation)
	}
	return nil
}

func validateLimits(limits domain.Limits) error {
	if limits.MaxPerHour < 0 {
		return fmt.Errorf("%w: max per hour cannot be negative", apperrors.ErrValidation)
	}
	if limits.DailyLimit < 0 {
		return fmt.Errorf("%w: daily limit cannot be negative", apperrors.ErrValidation)
	}
	return nil
}
