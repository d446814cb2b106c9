package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/lead-drip-engine/internal/domain"
	"github.com/acme/lead-drip-engine/internal/repository"
)

// CampaignStatisticsRepository implements repository.CampaignStatisticsRepository.
type CampaignStatisticsRepository struct {
	db *sqlx.DB
}

// NewCampaignStatisticsRepository builds the repository.
func NewCampaignStatisticsRepository(db *sqlx.DB) *CampaignStatisticsRepository {
	return &CampaignStatisticsRepository{db: db}
}

// Ensure ensures a row exists for the campaign.
func (r *CampaignStatisticsRepository) Ensure(ctx context.Context, campaignID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO campaign_statistics (campaign_id)
		VALUES ($1) ON CONFLICT (campaign_id) DO NOTHING`, campaignID)
	if err != nil {
		return fmt.Errorf("campaign stats: ensure: %w", err)
	}
	return nil
}

// Get retrieves statistics.
func (r *CampaignStatisticsRepository) Get(ctx context.Context, campaignID uuid.UUID) (*domain.CampaignStats, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT total_contacts, pending_contacts, scheduled_contacts,
		sent_contacts, delivered_contacts, failed_contacts, cancelled_contacts, callbacks_received
		FROM campaign_statistics WHERE campaign_id = $1`, campaignID)

	var stats domain.CampaignStats
	if err := row.StructScan(&stats); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign stats: get: %w", err)
	}
	return &stats, nil
}

// ApplyDelta applies counter deltas atomically.
func (r *CampaignStatisticsRepository) ApplyDelta(ctx context.Context, campaignID uuid.UUID, delta repository.StatsDelta) error {
	_, err := r.db.ExecContext(ctx, `UPDATE campaign_statistics SET
		total_contacts = total_contacts + $2,
		pending_contacts = pending_contacts + $3,
		scheduled_contacts = scheduled_contacts + $4,
		sent_contacts = sent_contacts + $5,
		delivered_contacts = delivered_contacts + $6,
		failed_contacts = failed_contacts + $7,
		cancelled_contacts = cancelled_contacts + $8,
		callbacks_received = callbacks_received + $9,
		updated_at = NOW()
	WHERE campaign_id = $1`,
		campaignID,
		delta.TotalDelta,
		delta.PendingDelta,
		delta.ScheduledDelta,
		delta.SentDelta,
		delta.DeliveredDelta,
		delta.FailedDelta,
		delta.CancelledDelta,
		delta.CallbacksDelta,
	)
	if err != nil {
		return fmt.Errorf("campaign stats: apply delta: %w", err)
	}
	return nil
}
