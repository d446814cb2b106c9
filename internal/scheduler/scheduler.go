package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/lead-drip-engine/internal/domain"
	"github.com/acme/lead-drip-engine/internal/queue"
	"github.com/acme/lead-drip-engine/internal/repository"
	"github.com/acme/lead-drip-engine/internal/service/template"
)

// CampaignSource lists campaigns eligible for dispatch and drives
// contact transitions with their counter bookkeeping.
type CampaignSource interface {
	ListActive(ctx context.Context, limit int) ([]*domain.Campaign, error)
	ApplyTransition(ctx context.Context, campaignID, contactID uuid.UUID, event domain.ContactEvent) (domain.ContactState, bool, error)
}

// RateLimiter grants and returns dispatch slots. Reserve hands back a
// token identifying the granted slot; Release returns exactly that slot.
type RateLimiter interface {
	Reserve(ctx context.Context, campaignID uuid.UUID, limits domain.Limits, localDay string, now time.Time) (string, bool, error)
	Release(ctx context.Context, campaignID uuid.UUID, localDay, token string) error
}

// DispatchSink publishes send instructions for the send worker.
type DispatchSink interface {
	Publish(ctx context.Context, msg queue.DispatchMessage) error
}

// Config bounds a scheduling pass.
type Config struct {
	TickInterval      time.Duration
	CampaignBatchSize int
	DispatchBatchSize int
}

// Scheduler periodically reserves contacts from active campaigns inside
// their sending windows and publishes dispatch messages, respecting each
// campaign's hourly, daily and inter-message limits.
type Scheduler struct {
	campaigns CampaignSource
	contacts  repository.ContactRepository
	stats     repository.CampaignStatisticsRepository
	limiter   RateLimiter
	renderer  *template.Renderer
	sink      DispatchSink
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

// New constructs a scheduler.
func New(
	campaigns CampaignSource,
	contacts repository.ContactRepository,
	stats repository.CampaignStatisticsRepository,
	limiter RateLimiter,
	renderer *template.Renderer,
	sink DispatchSink,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.CampaignBatchSize <= 0 {
		cfg.CampaignBatchSize = 100
	}
	if cfg.DispatchBatchSize <= 0 {
		cfg.DispatchBatchSize = 25
	}
	return &Scheduler{
		campaigns: campaigns,
		contacts:  contacts,
		stats:     stats,
		limiter:   limiter,
		renderer:  renderer,
		sink:      sink,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run executes the scheduling loop until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler tick failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one scheduling pass over every active campaign.
func (s *Scheduler) Tick(ctx context.Context) error {
	tracer := otel.Tracer("drip.scheduler")
	sctx, span := tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	nowUTC := s.now()
	campaigns, err := s.campaigns.ListActive(sctx, s.cfg.CampaignBatchSize)
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.Int("campaign.count", len(campaigns)))

	for _, campaign := range campaigns {
		cctx, cspan := tracer.Start(sctx, "scheduler.campaign", trace.WithAttributes(
			attribute.String("campaign.id", campaign.ID.String()),
			attribute.String("campaign.channel", string(campaign.Channel)),
		))

		if !campaign.Schedule.Contains(nowUTC) {
			s.logger.Debug("campaign outside sending window",
				zap.String("campaign_id", campaign.ID.String()))
			cspan.End()
			continue
		}

		dispatched := s.dispatchCampaign(cctx, campaign, nowUTC)
		cspan.SetAttributes(attribute.Int("dispatched", dispatched))
		cspan.End()
	}

	return nil
}

// dispatchCampaign reserves and publishes contacts for one campaign until
// the rate limiter refuses a slot, the roster runs dry, or the per-tick
// batch is exhausted. Returns how many messages were published.
func (s *Scheduler) dispatchCampaign(ctx context.Context, campaign *domain.Campaign, nowUTC time.Time) int {
	localDay := campaign.Schedule.LocalDay(nowUTC)
	dispatched := 0

	for dispatched < s.cfg.DispatchBatchSize {
		slot, granted, err := s.limiter.Reserve(ctx, campaign.ID, campaign.Limits, localDay, s.now())
		if err != nil {
			s.logger.Error("rate limiter reserve failed",
				zap.String("campaign_id", campaign.ID.String()), zap.Error(err))
			return dispatched
		}
		if !granted {
			s.logger.Debug("campaign rate budget exhausted",
				zap.String("campaign_id", campaign.ID.String()),
				zap.Int("dispatched", dispatched))
			return dispatched
		}

		contact, err := s.contacts.ReserveNext(ctx, campaign.ID)
		if err != nil {
			s.releaseSlot(ctx, campaign.ID, localDay, slot)
			s.logger.Error("contact reservation failed",
				zap.String("campaign_id", campaign.ID.String()), zap.Error(err))
			return dispatched
		}
		if contact == nil {
			// Nothing left to send; give the slot back.
			s.releaseSlot(ctx, campaign.ID, localDay, slot)
			return dispatched
		}

		if err := s.stats.ApplyDelta(ctx, campaign.ID,
			repository.TransitionDelta(domain.ContactStatePending, domain.ContactStateScheduled)); err != nil {
			s.logger.Warn("reservation counter update failed",
				zap.String("campaign_id", campaign.ID.String()), zap.Error(err))
		}

		if err := s.publish(ctx, campaign, contact); err != nil {
			s.logger.Error("dispatch publish failed, returning contact to pending",
				zap.String("campaign_id", campaign.ID.String()),
				zap.String("contact_id", contact.ID.String()),
				zap.Error(err))
			s.returnToPending(ctx, campaign.ID, contact.ID)
			s.releaseSlot(ctx, campaign.ID, localDay, slot)
			return dispatched
		}

		dispatched++
	}

	return dispatched
}

func (s *Scheduler) publish(ctx context.Context, campaign *domain.Campaign, contact *domain.Contact) error {
	body, err := s.renderer.Render(campaign.Script, contact)
	if err != nil {
		return err
	}

	msg := queue.DispatchMessage{
		CampaignID:  campaign.ID,
		ContactID:   contact.ID,
		Channel:     string(campaign.Channel),
		Phone:       contact.Phone,
		SenderID:    campaign.SenderID,
		Body:        body,
		Attempt:     contact.AttemptCount + 1,
		MaxAttempts: campaign.MaxSendAttempts,
		Metadata: map[string]any{
			"campaign_id": campaign.ID.String(),
			"contact_id":  contact.ID.String(),
		},
		EnqueuedAt: s.now(),
	}
	return s.sink.Publish(ctx, msg)
}

func (s *Scheduler) returnToPending(ctx context.Context, campaignID, contactID uuid.UUID) {
	if _, _, err := s.campaigns.ApplyTransition(ctx, campaignID, contactID, domain.EventSendRetry); err != nil {
		s.logger.Error("failed to return contact to pending",
			zap.String("campaign_id", campaignID.String()),
			zap.String("contact_id", contactID.String()),
			zap.Error(err))
	}
}

func (s *Scheduler) releaseSlot(ctx context.Context, campaignID uuid.UUID, localDay, token string) {
	if err := s.limiter.Release(ctx, campaignID, localDay, token); err != nil {
		s.logger.Warn("rate limiter release failed",
			zap.String("campaign_id", campaignID.String()), zap.Error(err))
	}
}
