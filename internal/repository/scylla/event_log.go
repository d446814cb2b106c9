package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/lead-drip-engine/internal/domain"
)

// EventLog is an append-only audit trail of inbound webhook events,
// bounded by a per-row TTL rather than explicit pruning. Rows are
// partitioned by day bucket so recent reads stay cheap.
type EventLog struct {
	session *gocql.Session
	ttl     time.Duration
}

// NewEventLog creates a new event log store.
func NewEventLog(session *gocql.Session, ttl time.Duration) *EventLog {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &EventLog{session: session, ttl: ttl}
}

// Append records one webhook event.
func (s *EventLog) Append(ctx context.Context, event domain.WebhookEvent) error {
	bucket := bucketDate(event.ReceivedAt)

	var campaignID, contactID string
	if event.CampaignID != nil {
		campaignID = event.CampaignID.String()
	}
	if event.ContactID != nil {
		contactID = event.ContactID.String()
	}

	if err := s.session.Query(`INSERT INTO webhook_events_by_day
		(bucket, received_at, event_id, provider_message_id, phone, status, callback, campaign_id, contact_id, raw)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) USING TTL ?`,
		bucket, event.ReceivedAt, event.ID.String(), event.ProviderMessageID, event.Phone,
		event.Status, event.Callback, campaignID, contactID, event.Raw,
		int(s.ttl/time.Second),
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("event log: append: %w", err)
	}
	return nil
}

// Recent returns the most recent events, newest first, scanning backwards
// through day buckets until the limit is met or the TTL horizon is passed.
func (s *EventLog) Recent(ctx context.Context, limit int) ([]domain.WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	var results []domain.WebhookEvent
	day := time.Now().UTC()
	horizon := day.Add(-s.ttl)

	for len(results) < limit && !day.Before(horizon) {
		iter := s.session.Query(`SELECT received_at, event_id, provider_message_id, phone, status, callback, campaign_id, contact_id, raw
			FROM webhook_events_by_day WHERE bucket = ? ORDER BY received_at DESC LIMIT ?`,
			bucketDate(day), limit-len(results),
		).WithContext(ctx).Iter()

		var (
			receivedAt                 time.Time
			eventID, providerID, phone string
			status                     string
			callback                   bool
			campaignID, contactID      string
			raw                        []byte
		)
		for iter.Scan(&receivedAt, &eventID, &providerID, &phone, &status, &callback, &campaignID, &contactID, &raw) {
			event := domain.WebhookEvent{
				ProviderMessageID: providerID,
				Phone:             phone,
				Status:            status,
				Callback:          callback,
				Raw:               append([]byte(nil), raw...),
				ReceivedAt:        receivedAt,
			}
			if id, err := uuid.Parse(eventID); err == nil {
				event.ID = id
			}
			if campaignID != "" {
				if id, err := uuid.Parse(campaignID); err == nil {
					event.CampaignID = &id
				}
			}
			if contactID != "" {
				if id, err := uuid.Parse(contactID); err == nil {
					event.ContactID = &id
				}
			}
			results = append(results, event)
		}
		if err := iter.Close(); err != nil {
			return nil, fmt.Errorf("event log: recent: %w", err)
		}

		day = day.AddDate(0, 0, -1)
	}

	return results, nil
}

// EnsureSchema creates the audit table when schema bootstrap is enabled.
func (s *EventLog) EnsureSchema(ctx context.Context) error {
	err := s.session.Query(`CREATE TABLE IF NOT EXISTS webhook_events_by_day (
		bucket text,
		received_at timestamp,
		event_id text,
		provider_message_id text,
		phone text,
		status text,
		callback boolean,
		campaign_id text,
		contact_id text,
		raw blob,
		PRIMARY KEY (bucket, received_at, event_id)
	) WITH CLUSTERING ORDER BY (received_at DESC)`).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("event log: ensure schema: %w", err)
	}
	return nil
}

func bucketDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
