package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/lead-drip-engine/internal/domain"
	"github.com/acme/lead-drip-engine/internal/repository"
)

const campaignColumns = `id, name, channel, script, sender_id, days_of_week, window_start, window_end,
	time_zone, max_per_hour, daily_limit, inter_message_delay_s, max_send_attempts, status,
	created_at, updated_at, started_at, completed_at`

// CampaignRepository implements repository.CampaignRepository using PostgreSQL.
type CampaignRepository struct {
	db *sqlx.DB
}

// NewCampaignRepository constructs a new repository.
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create inserts a new campaign.
func (r *CampaignRepository) Create(ctx context.Context, campaign *domain.Campaign) error {
	q := `INSERT INTO campaigns (
		id, name, channel, script, sender_id, days_of_week, window_start, window_end,
		time_zone, max_per_hour, daily_limit, inter_message_delay_s, max_send_attempts, status,
		created_at, updated_at, started_at, completed_at
	) VALUES (
		:id, :name, :channel, :script, :sender_id, :days_of_week, :window_start, :window_end,
		:time_zone, :max_per_hour, :daily_limit, :inter_message_delay_s, :max_send_attempts, :status,
		:created_at, :updated_at, :started_at, :completed_at
	)`

	if _, err := r.db.NamedExecContext(ctx, q, campaignParams(campaign)); err != nil {
		return fmt.Errorf("campaign repo: insert: %w", err)
	}

	return nil
}

// Get fetches a campaign by id.
func (r *CampaignRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	q := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`

	row := r.db.QueryRowxContext(ctx, q, id)
	var record campaignRecord
	if err := row.StructScan(&record); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign repo: get: %w", err)
	}

	campaign := record.toDomain()
	return &campaign, nil
}

// Update updates campaign metadata.
func (r *CampaignRepository) Update(ctx context.Context, campaign *domain.Campaign) error {
	q := `UPDATE campaigns SET
		name = :name,
		channel = :channel,
		script = :script,
		sender_id = :sender_id,
		days_of_week = :days_of_week,
		window_start = :window_start,
		window_end = :window_end,
		time_zone = :time_zone,
		max_per_hour = :max_per_hour,
		daily_limit = :daily_limit,
		inter_message_delay_s = :inter_message_delay_s,
		max_send_attempts = :max_send_attempts,
		status = :status,
		updated_at = :updated_at,
		started_at = :started_at,
		completed_at = :completed_at
	 WHERE id = :id`

	res, err := r.db.NamedExecContext(ctx, q, campaignParams(campaign))
	if err != nil {
		return fmt.Errorf("campaign repo: update: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateStatus updates campaign status.
func (r *CampaignRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.CampaignStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE campaigns SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("campaign repo: update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// List returns campaigns with optional pagination.
func (r *CampaignRepository) List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows *sqlx.Rows
	var err error
	if afterID != nil {
		rows, err = r.db.QueryxContext(ctx, `SELECT `+campaignColumns+`
			FROM campaigns WHERE id > $1 ORDER BY id ASC LIMIT $2`, *afterID, limit)
	} else {
		rows, err = r.db.QueryxContext(ctx, `SELECT `+campaignColumns+`
			FROM campaigns ORDER BY id ASC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list: %w", err)
	}
	defer rows.Close()

	return scanCampaigns(rows)
}

// ListByStatus returns campaigns filtered by status.
func (r *CampaignRepository) ListByStatus(ctx context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryxContext(ctx, `SELECT `+campaignColumns+`
		FROM campaigns WHERE status = $1 ORDER BY updated_at ASC LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list by status: %w", err)
	}
	defer rows.Close()

	return scanCampaigns(rows)
}

func scanCampaigns(rows *sqlx.Rows) ([]*domain.Campaign, error) {
	var results []*domain.Campaign
	for rows.Next() {
		var record campaignRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("campaign repo: scan: %w", err)
		}
		campaign := record.toDomain()
		results = append(results, &campaign)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign repo: rows err: %w", err)
	}
	return results, nil
}

func campaignParams(campaign *domain.Campaign) map[string]any {
	return map[string]any{
		"id":                    campaign.ID,
		"name":                  campaign.Name,
		"channel":               string(campaign.Channel),
		"script":                campaign.Script,
		"sender_id":             campaign.SenderID,
		"days_of_week":          encodeDays(campaign.Schedule.DaysOfWeek),
		"window_start":          campaign.Schedule.Start.Format("15:04"),
		"window_end":            campaign.Schedule.End.Format("15:04"),
		"time_zone":             campaign.Schedule.TimeZone,
		"max_per_hour":          campaign.Limits.MaxPerHour,
		"daily_limit":           campaign.Limits.DailyLimit,
		"inter_message_delay_s": int64(campaign.Limits.InterMessageDelay / time.Second),
		"max_send_attempts":     campaign.MaxSendAttempts,
		"status":                campaign.Status,
		"created_at":            campaign.CreatedAt,
		"updated_at":            campaign.UpdatedAt,
		"started_at":            campaign.StartedAt,
		"completed_at":          campaign.CompletedAt,
	}
}

type campaignRecord struct {
	ID                 uuid.UUID    `db:"id"`
	Name               string       `db:"name"`
	Channel            string       `db:"channel"`
	Script             string       `db:"script"`
	SenderID           string       `db:"sender_id"`
	DaysOfWeek         string       `db:"days_of_week"`
	WindowStart        string       `db:"window_start"`
	WindowEnd          string       `db:"window_end"`
	TimeZone           string       `db:"time_zone"`
	MaxPerHour         int          `db:"max_per_hour"`
	DailyLimit         int          `db:"daily_limit"`
	InterMessageDelayS int64        `db:"inter_message_delay_s"`
	MaxSendAttempts    int          `db:"max_send_attempts"`
	Status             string       `db:"status"`
	CreatedAt          time.Time    `db:"created_at"`
	UpdatedAt          time.Time    `db:"updated_at"`
	StartedAt          sql.NullTime `db:"started_at"`
	CompletedAt        sql.NullTime `db:"completed_at"`
}

func (r campaignRecord) toDomain() domain.Campaign {
	start, _ := time.Parse("15:04", r.WindowStart)
	end, _ := time.Parse("15:04", r.WindowEnd)

	campaign := domain.Campaign{
		ID:       r.ID,
		Name:     r.Name,
		Channel:  domain.Channel(r.Channel),
		Script:   r.Script,
		SenderID: r.SenderID,
		Schedule: domain.Schedule{
			DaysOfWeek: decodeDays(r.DaysOfWeek),
			Start:      start,
			End:        end,
			TimeZone:   r.TimeZone,
		},
		Limits: domain.Limits{
			MaxPerHour:        r.MaxPerHour,
			DailyLimit:        r.DailyLimit,
			InterMessageDelay: time.Duration(r.InterMessageDelayS) * time.Second,
		},
		MaxSendAttempts: r.MaxSendAttempts,
		Status:          domain.CampaignStatus(r.Status),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		campaign.StartedAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		campaign.CompletedAt = &t
	}
	return campaign
}

func encodeDays(days []time.Weekday) string {
	parts := make([]string, 0, len(days))
	for _, d := range days {
		parts = append(parts, strconv.Itoa(int(d)))
	}
	return strings.Join(parts, ",")
}

func decodeDays(encoded string) []time.Weekday {
	if encoded == "" {
		return nil
	}
	parts := strings.Split(encoded, ",")
	days := make([]time.Weekday, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 || n > 6 {
			continue
		}
		days = append(days, time.Weekday(n))
	}
	return days
}
