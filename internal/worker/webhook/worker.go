package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/lead-drip-engine/internal/domain"
	"github.com/acme/lead-drip-engine/internal/queue"
	"github.com/acme/lead-drip-engine/internal/repository"
	webhooksvc "github.com/acme/lead-drip-engine/internal/webhook"
	apperrors "github.com/acme/lead-drip-engine/pkg/errors"
)

// OutcomeRecorder applies correlated outcomes to contacts.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, campaignID, contactID uuid.UUID, outcome domain.Outcome, at time.Time) error
}

// StageMapper reconciles a contact's CRM opportunity with an outcome.
type StageMapper interface {
	Apply(ctx context.Context, contact *domain.Contact, outcome domain.Outcome)
}

// Resolver matches an event to a contact.
type Resolver interface {
	Resolve(ctx context.Context, event domain.WebhookEvent) (*domain.Contact, error)
}

// DeadLetterSink parks events that could not be processed.
type DeadLetterSink interface {
	Publish(ctx context.Context, msg queue.DeadLetterMessage) error
}

// Worker consumes normalized webhook events, correlates them to contacts
// and applies the delivery outcome plus the CRM stage move. Ambiguous
// correlations and unparseable payloads are dead-lettered, never guessed.
type Worker struct {
	reader     *kafka.Reader
	resolver   Resolver
	outcomes   OutcomeRecorder
	mapper     StageMapper
	eventLog   repository.EventLogStore
	deadLetter DeadLetterSink
	logger     *zap.Logger
}

// New creates a webhook worker.
func New(
	reader *kafka.Reader,
	resolver Resolver,
	outcomes OutcomeRecorder,
	mapper StageMapper,
	eventLog repository.EventLogStore,
	deadLetter DeadLetterSink,
	logger *zap.Logger,
) *Worker {
	return &Worker{
		reader:     reader,
		resolver:   resolver,
		outcomes:   outcomes,
		mapper:     mapper,
		eventLog:   eventLog,
		deadLetter: deadLetter,
		logger:     logger,
	}
}

// Run starts the consume loop.
func (w *Worker) Run(ctx context.Context) error {
	defer w.reader.Close()

	for {
		m, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("webhook worker: fetch message", zap.Error(err))
			continue
		}

		var msg queue.WebhookEventMessage
		if err := json.Unmarshal(m.Value, &msg); err != nil {
			w.park(ctx, "unparseable_event", err.Error(), m.Value)
		} else if err := w.Process(ctx, msg); err != nil {
			w.logger.Error("webhook worker: process",
				zap.String("event_id", msg.EventID.String()),
				zap.Error(err))
		}

		if err := w.reader.CommitMessages(ctx, m); err != nil {
			w.logger.Error("webhook worker: commit", zap.Error(err))
		}
	}
}

// Process handles one normalized event end to end.
func (w *Worker) Process(ctx context.Context, msg queue.WebhookEventMessage) error {
	tracer := otel.Tracer("drip.webhookworker")
	sctx, span := tracer.Start(ctx, "webhook.event", trace.WithAttributes(
		attribute.String("event.id", msg.EventID.String()),
		attribute.String("event.status", msg.Status),
		attribute.Bool("event.callback", msg.Callback),
	))
	defer span.End()

	event := toDomainEvent(msg)

	if w.eventLog != nil {
		if err := w.eventLog.Append(sctx, event); err != nil {
			// The audit trail is best-effort; processing continues.
			w.logger.Warn("event log append failed",
				zap.String("event_id", event.ID.String()), zap.Error(err))
		}
	}

	outcome, ok := webhooksvc.MapStatus(event.Status, event.Callback)
	if !ok {
		w.logger.Debug("ignoring unrecognized provider status",
			zap.String("event_id", event.ID.String()),
			zap.String("status", event.Status))
		return nil
	}

	contact, err := w.resolver.Resolve(sctx, event)
	if err != nil {
		span.RecordError(err)
		switch {
		case apperrors.Is(err, apperrors.ErrAmbiguousMatch):
			w.park(sctx, "ambiguous_correlation", err.Error(), event.Raw)
			return nil
		case apperrors.Is(err, apperrors.ErrNotFound):
			w.logger.Info("event matched no contact",
				zap.String("event_id", event.ID.String()),
				zap.String("status", event.Status))
			return nil
		default:
			return fmt.Errorf("resolve event: %w", err)
		}
	}

	span.SetAttributes(
		attribute.String("campaign.id", contact.CampaignID.String()),
		attribute.String("contact.id", contact.ID.String()),
	)

	if err := w.outcomes.RecordOutcome(sctx, contact.CampaignID, contact.ID, outcome, event.ReceivedAt); err != nil {
		if apperrors.Is(err, apperrors.ErrInvalidTransition) {
			// A callback for a contact never sent to, or similar. Logged,
			// acknowledged, not retried.
			w.logger.Warn("outcome rejected by state machine",
				zap.String("contact_id", contact.ID.String()),
				zap.String("outcome", string(outcome)),
				zap.Error(err))
			return nil
		}
		return fmt.Errorf("record outcome: %w", err)
	}

	if w.mapper != nil {
		w.mapper.Apply(sctx, contact, outcome)
	}

	return nil
}

func (w *Worker) park(ctx context.Context, reason, detail string, payload []byte) {
	if w.deadLetter == nil {
		return
	}
	msg := queue.DeadLetterMessage{
		Reason:     reason,
		Detail:     detail,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}
	if err := w.deadLetter.Publish(ctx, msg); err != nil {
		w.logger.Error("webhook worker: dead letter publish", zap.Error(err))
	}
}

func toDomainEvent(msg queue.WebhookEventMessage) domain.WebhookEvent {
	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	return domain.WebhookEvent{
		ID:                msg.EventID,
		ProviderMessageID: msg.ProviderMessageID,
		Phone:             msg.Phone,
		Status:            msg.Status,
		CampaignID:        msg.CampaignID,
		ContactID:         msg.ContactID,
		Callback:          msg.Callback,
		Raw:               msg.Raw,
		ReceivedAt:        receivedAt,
	}
}
