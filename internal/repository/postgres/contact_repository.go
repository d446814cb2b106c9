package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/lead-drip-engine/internal/domain"
	"github.com/acme/lead-drip-engine/internal/repository"
	"github.com/acme/lead-drip-engine/internal/service/common"
)

const contactColumns = `id, campaign_id, phone, phone_digits, first_name, fields, crm_contact_id,
	opportunity_id, state, attempt_count, provider_message_id, sent_at, completed_at, callback_at,
	created_at, updated_at`

// ContactRepository persists campaign contacts and enforces the contact
// state machine at the storage layer: every transition is a single UPDATE
// guarded by the set of legal predecessor states.
type ContactRepository struct {
	db *sqlx.DB
}

// NewContactRepository constructs the repository.
func NewContactRepository(db *sqlx.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

// BulkInsert inserts a batch of contacts.
func (r *ContactRepository) BulkInsert(ctx context.Context, campaignID uuid.UUID, contacts []*domain.Contact) error {
	if len(contacts) == 0 {
		return nil
	}

	query := `INSERT INTO campaign_contacts (
		id, campaign_id, phone, phone_digits, first_name, fields, crm_contact_id, opportunity_id,
		state, attempt_count, created_at, updated_at
	) VALUES (:id, :campaign_id, :phone, :phone_digits, :first_name, :fields, :crm_contact_id, :opportunity_id,
		:state, :attempt_count, :created_at, :updated_at)
	ON CONFLICT (id) DO NOTHING`

	rows := make([]map[string]any, 0, len(contacts))
	for _, c := range contacts {
		fields, err := json.Marshal(c.Fields)
		if err != nil {
			return fmt.Errorf("contact repo: marshal fields: %w", err)
		}
		rows = append(rows, map[string]any{
			"id":             c.ID,
			"campaign_id":    campaignID,
			"phone":          c.Phone,
			"phone_digits":   common.NormalizePhone(c.Phone),
			"first_name":     c.FirstName,
			"fields":         fields,
			"crm_contact_id": c.CRMContactID,
			"opportunity_id": c.OpportunityID,
			"state":          c.State,
			"attempt_count":  c.AttemptCount,
			"created_at":     c.CreatedAt,
			"updated_at":     c.CreatedAt,
		})
	}

	if _, err := r.db.NamedExecContext(ctx, query, rows); err != nil {
		return fmt.Errorf("contact repo: bulk insert: %w", err)
	}
	return nil
}

// Get fetches a single contact.
func (r *ContactRepository) Get(ctx context.Context, campaignID, contactID uuid.UUID) (*domain.Contact, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT `+contactColumns+`
		FROM campaign_contacts WHERE campaign_id = $1 AND id = $2`, campaignID, contactID)

	var rec contactRecord
	if err := row.StructScan(&rec); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("contact repo: get: %w", err)
	}
	contact := rec.toDomain()
	return &contact, nil
}

// ListByCampaign lists contacts, optionally filtered by state.
func (r *ContactRepository) ListByCampaign(ctx context.Context, campaignID uuid.UUID, state domain.ContactState, limit int) ([]*domain.Contact, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + contactColumns + ` FROM campaign_contacts WHERE campaign_id = $1`
	args := []any{campaignID}
	if state != "" {
		query += ` AND state = $2 ORDER BY created_at ASC, id ASC LIMIT $3`
		args = append(args, state, limit)
	} else {
		query += ` ORDER BY created_at ASC, id ASC LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("contact repo: list: %w", err)
	}
	defer rows.Close()

	return scanContacts(rows)
}

// ReserveNext claims the oldest pending contact, FIFO by insertion with id
// as the tiebreak. SKIP LOCKED makes concurrent reservations for the same
// campaign linearizable: two schedulers can never claim the same row.
func (r *ContactRepository) ReserveNext(ctx context.Context, campaignID uuid.UUID) (*domain.Contact, error) {
	row := r.db.QueryRowxContext(ctx, `UPDATE campaign_contacts SET state = $1, updated_at = NOW()
		WHERE id = (
			SELECT id FROM campaign_contacts
			WHERE campaign_id = $2 AND state = $3
			ORDER BY created_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+contactColumns,
		domain.ContactStateScheduled, campaignID, domain.ContactStatePending)

	var rec contactRecord
	if err := row.StructScan(&rec); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("contact repo: reserve next: %w", err)
	}
	contact := rec.toDomain()
	return &contact, nil
}

// Transition applies the event as a compare-and-set keyed by (campaign,
// contact) and returns the state the row held when the write landed. The
// prior state comes from a locked CTE snapshot taken inside the same
// statement, so a reservation and a webhook racing on the contact can
// never charge the wrong counter. When the guarded UPDATE matches no row
// the current state is re-read and the state machine decides between an
// idempotent no-op and a genuine invalid transition.
func (r *ContactRepository) Transition(ctx context.Context, campaignID, contactID uuid.UUID, event domain.ContactEvent) (domain.ContactState, domain.ContactState, bool, error) {
	fromStates, to, ok := domain.EventRule(event)
	if !ok {
		return "", "", false, fmt.Errorf("contact repo: unknown event %q", event)
	}

	predecessors := make([]string, 0, len(fromStates))
	for _, s := range fromStates {
		predecessors = append(predecessors, string(s))
	}

	set := `state = $1, updated_at = NOW()`
	if to == domain.ContactStateSent {
		set += `, sent_at = COALESCE(cc.sent_at, NOW())`
	}
	if to.IsTerminal() {
		set += `, completed_at = COALESCE(cc.completed_at, NOW())`
	}

	query := `WITH target AS (
			SELECT id, state FROM campaign_contacts
			WHERE campaign_id = $2 AND id = $3 AND state = ANY($4)
			FOR UPDATE
		)
		UPDATE campaign_contacts cc
		SET ` + set + `
		FROM target t
		WHERE cc.id = t.id
		RETURNING t.state`

	var prior string
	err := r.db.QueryRowxContext(ctx, query, to, campaignID, contactID, predecessors).Scan(&prior)
	if err == nil {
		return domain.ContactState(prior), to, true, nil
	}
	if err != sql.ErrNoRows {
		return "", "", false, fmt.Errorf("contact repo: transition %s: %w", event, err)
	}

	// CAS missed: the contact moved underneath us or the event is illegal.
	contact, err := r.Get(ctx, campaignID, contactID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", "", false, repository.ErrNotFound
		}
		return "", "", false, err
	}
	state, changed, err := domain.NextState(contact.State, event)
	return contact.State, state, changed, err
}

// RecordCallback stamps the callback timestamp. The delivery state is left
// untouched; a callback for a contact that is not at least sent is refused
// by the state guard and reported as not recorded.
func (r *ContactRepository) RecordCallback(ctx context.Context, campaignID, contactID uuid.UUID, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE campaign_contacts
		SET callback_at = $1, updated_at = NOW()
		WHERE campaign_id = $2 AND id = $3 AND callback_at IS NULL AND state = ANY($4)`,
		at, campaignID, contactID,
		[]string{string(domain.ContactStateSent), string(domain.ContactStateDelivered), string(domain.ContactStateFailed)})
	if err != nil {
		return false, fmt.Errorf("contact repo: record callback: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("contact repo: rows affected: %w", err)
	}
	return n == 1, nil
}

// CancelActive cancels every pending and scheduled contact for the
// campaign in one statement and reports the per-state counts.
func (r *ContactRepository) CancelActive(ctx context.Context, campaignID uuid.UUID) (int64, int64, error) {
	// RETURNING reflects post-update values, so the prior state is taken
	// from a locked CTE snapshot.
	rows, err := r.db.QueryxContext(ctx, `WITH affected AS (
			SELECT id, state FROM campaign_contacts
			WHERE campaign_id = $2 AND state = ANY($3)
			FOR UPDATE
		)
		UPDATE campaign_contacts cc
		SET state = $1, completed_at = COALESCE(cc.completed_at, NOW()), updated_at = NOW()
		FROM affected a
		WHERE cc.id = a.id
		RETURNING a.state`,
		domain.ContactStateCancelled, campaignID,
		[]string{string(domain.ContactStatePending), string(domain.ContactStateScheduled)})
	if err != nil {
		return 0, 0, fmt.Errorf("contact repo: cancel active: %w", err)
	}
	defer rows.Close()

	var pending, scheduled int64
	for rows.Next() {
		var prev string
		if err := rows.Scan(&prev); err != nil {
			return 0, 0, fmt.Errorf("contact repo: cancel scan: %w", err)
		}
		switch domain.ContactState(prev) {
		case domain.ContactStatePending:
			pending++
		case domain.ContactStateScheduled:
			scheduled++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("contact repo: cancel rows err: %w", err)
	}
	return pending, scheduled, nil
}

// SetProviderMessageID records the provider correlation key after a send.
func (r *ContactRepository) SetProviderMessageID(ctx context.Context, campaignID, contactID uuid.UUID, providerMessageID string, sentAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE campaign_contacts
		SET provider_message_id = $1, sent_at = COALESCE(sent_at, $2), updated_at = NOW()
		WHERE campaign_id = $3 AND id = $4`, providerMessageID, sentAt, campaignID, contactID)
	if err != nil {
		return fmt.Errorf("contact repo: set provider message id: %w", err)
	}
	return nil
}

// IncrementAttempt bumps the send attempt counter and returns the new value.
func (r *ContactRepository) IncrementAttempt(ctx context.Context, campaignID, contactID uuid.UUID) (int, error) {
	row := r.db.QueryRowxContext(ctx, `UPDATE campaign_contacts
		SET attempt_count = attempt_count + 1, updated_at = NOW()
		WHERE campaign_id = $1 AND id = $2
		RETURNING attempt_count`, campaignID, contactID)

	var count int
	if err := row.Scan(&count); err != nil {
		if err == sql.ErrNoRows {
			return 0, repository.ErrNotFound
		}
		return 0, fmt.Errorf("contact repo: increment attempt: %w", err)
	}
	return count, nil
}

// FindByProviderMessageID resolves a contact by the provider's message id.
func (r *ContactRepository) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.Contact, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT `+contactColumns+`
		FROM campaign_contacts WHERE provider_message_id = $1`, providerMessageID)

	var rec contactRecord
	if err := row.StructScan(&rec); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("contact repo: find by provider id: %w", err)
	}
	contact := rec.toDomain()
	return &contact, nil
}

// FindActiveByPhone matches contacts of active campaigns against the
// normalized digits under the configured policy. All matches are returned;
// ambiguity handling belongs to the correlator.
func (r *ContactRepository) FindActiveByPhone(ctx context.Context, digits string, policy common.PhoneMatchPolicy) ([]*domain.Contact, error) {
	if digits == "" {
		return nil, nil
	}

	base := `SELECT ` + prefixedContactColumns("cc") + `
		FROM campaign_contacts cc
		JOIN campaigns c ON c.id = cc.campaign_id
		WHERE c.status = $1 AND `

	var condition string
	if policy == common.MatchPolicySubstring {
		condition = `(cc.phone_digits LIKE '%' || $2 || '%' OR $2 LIKE '%' || cc.phone_digits || '%')`
	} else {
		condition = `RIGHT(cc.phone_digits, 10) = RIGHT($2, 10)`
	}

	rows, err := r.db.QueryxContext(ctx, base+condition, domain.CampaignStatusActive, digits)
	if err != nil {
		return nil, fmt.Errorf("contact repo: find by phone: %w", err)
	}
	defer rows.Close()

	return scanContacts(rows)
}

func prefixedContactColumns(alias string) string {
	return alias + `.id, ` + alias + `.campaign_id, ` + alias + `.phone, ` + alias + `.phone_digits, ` +
		alias + `.first_name, ` + alias + `.fields, ` + alias + `.crm_contact_id, ` + alias + `.opportunity_id, ` +
		alias + `.state, ` + alias + `.attempt_count, ` + alias + `.provider_message_id, ` + alias + `.sent_at, ` +
		alias + `.completed_at, ` + alias + `.callback_at, ` + alias + `.created_at, ` + alias + `.updated_at`
}

func scanContacts(rows *sqlx.Rows) ([]*domain.Contact, error) {
	var results []*domain.Contact
	for rows.Next() {
		var rec contactRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("contact repo: scan: %w", err)
		}
		contact := rec.toDomain()
		results = append(results, &contact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contact repo: rows err: %w", err)
	}
	return results, nil
}

type contactRecord struct {
	ID                uuid.UUID      `db:"id"`
	CampaignID        uuid.UUID      `db:"campaign_id"`
	Phone             string         `db:"phone"`
	PhoneDigits       string         `db:"phone_digits"`
	FirstName         string         `db:"first_name"`
	Fields            []byte         `db:"fields"`
	CRMContactID      sql.NullString `db:"crm_contact_id"`
	OpportunityID     sql.NullString `db:"opportunity_id"`
	State             string         `db:"state"`
	AttemptCount      int            `db:"attempt_count"`
	ProviderMessageID sql.NullString `db:"provider_message_id"`
	SentAt            sql.NullTime   `db:"sent_at"`
	CompletedAt       sql.NullTime   `db:"completed_at"`
	CallbackAt        sql.NullTime   `db:"callback_at"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func (r contactRecord) toDomain() domain.Contact {
	var fields map[string]any
	_ = json.Unmarshal(r.Fields, &fields)

	contact := domain.Contact{
		ID:           r.ID,
		CampaignID:   r.CampaignID,
		Phone:        r.Phone,
		FirstName:    r.FirstName,
		Fields:       fields,
		CRMContactID: r.CRMContactID.String,
		State:        domain.ContactState(r.State),
		AttemptCount: r.AttemptCount,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.OpportunityID.Valid {
		v := r.OpportunityID.String
		contact.OpportunityID = &v
	}
	if r.ProviderMessageID.Valid {
		v := r.ProviderMessageID.String
		contact.ProviderMessageID = &v
	}
	if r.SentAt.Valid {
		t := r.SentAt.Time
		contact.SentAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		contact.CompletedAt = &t
	}
	if r.CallbackAt.Valid {
		t := r.CallbackAt.Time
		contact.CallbackAt = &t
	}
	return contact
}
