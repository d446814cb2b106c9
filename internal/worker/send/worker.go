package send

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
	"github.com/acme/lead-drip-engine/internal/messaging"
	"github.com/acme/lead-drip-engine/internal/queue"
	"github.com/acme/lead-drip-engine/internal/repository"
	apperrors "github.com/acme/lead-drip-engine/pkg/errors"
)

// TransitionApplier drives contact transitions with counter bookkeeping.
type TransitionApplier interface {
	ApplyTransition(ctx context.Context, campaignID, contactID uuid.UUID, event domain.ContactEvent) (domain.ContactState, bool, error)
}

// DeadLetterSink parks unprocessable dispatch payloads.
type DeadLetterSink interface {
	Publish(ctx context.Context, msg queue.DeadLetterMessage) error
}

// Worker consumes dispatch messages and performs provider sends. A
// successful send moves the contact to sent and records the provider
// message id; any send failure — network error, timeout or provider
// rejection — returns it to pending with the attempt counted, until the
// budget is exhausted and the contact is marked failed. A provider rate
// limit returns the contact to pending without consuming an attempt.
type Worker struct {
	reader      *kafka.Reader
	provider    messaging.Provider
	transitions TransitionApplier
	contacts    repository.ContactRepository
	deadLetter  DeadLetterSink
	sendTimeout time.Duration
	logger      *zap.Logger
}

// New creates a send worker.
func New(
	reader *kafka.Reader,
	provider messaging.Provider,
	transitions TransitionApplier,
	contacts repository.ContactRepository,
	deadLetter DeadLetterSink,
	sendTimeout time.Duration,
	logger *zap.Logger,
) *Worker {
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}
	return &Worker{
		reader:      reader,
		provider:    provider,
		transitions: transitions,
		contacts:    contacts,
		deadLetter:  deadLetter,
		sendTimeout: sendTimeout,
		logger:      logger,
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
			w.logger.Error("send worker: fetch message", zap.Error(err))
			continue
		}

		var dispatch queue.DispatchMessage
		if err := json.Unmarshal(m.Value, &dispatch); err != nil {
			w.park(ctx, "unparseable_dispatch", err.Error(), m.Value)
			if err := w.reader.CommitMessages(ctx, m); err != nil {
				w.logger.Error("send worker: commit", zap.Error(err))
			}
			continue
		}

		if err := w.Process(ctx, dispatch); err != nil {
			w.logger.Error("send worker: process",
				zap.String("campaign_id", dispatch.CampaignID.String()),
				zap.String("contact_id", dispatch.ContactID.String()),
				zap.Error(err))
		}

		if err := w.reader.CommitMessages(ctx, m); err != nil {
			w.logger.Error("send worker: commit", zap.Error(err))
		}
	}
}

// Process performs one provider send and applies the resulting contact
// transition.
func (w *Worker) Process(ctx context.Context, dispatch queue.DispatchMessage) error {
	tracer := otel.Tracer("drip.sendworker")
	sctx, span := tracer.Start(ctx, "send.dispatch", trace.WithAttributes(
		attribute.String("campaign.id", dispatch.CampaignID.String()),
		attribute.String("contact.id", dispatch.ContactID.String()),
		attribute.String("channel", dispatch.Channel),
		attribute.Int("attempt", dispatch.Attempt),
	))
	defer span.End()

	sendCtx, cancel := context.WithTimeout(sctx, w.sendTimeout)
	result, sendErr := w.provider.Send(sendCtx, dispatch)
	cancel()

	switch {
	case sendErr == nil:
		return w.handleSuccess(sctx, dispatch, result.ProviderMessageID)
	case apperrors.Is(sendErr, messaging.ErrRateLimited):
		span.SetAttributes(attribute.Bool("provider.rate_limited", true))
		return w.handleRateLimited(sctx, dispatch)
	default:
		span.RecordError(sendErr)
		return w.handleFailure(sctx, dispatch, sendErr)
	}
}

func (w *Worker) handleSuccess(ctx context.Context, dispatch queue.DispatchMessage, providerMessageID string) error {
	_, _, err := w.transitions.ApplyTransition(ctx, dispatch.CampaignID, dispatch.ContactID, domain.EventSent)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}

	if providerMessageID != "" {
		if err := w.contacts.SetProviderMessageID(ctx, dispatch.CampaignID, dispatch.ContactID, providerMessageID, time.Now().UTC()); err != nil {
			// Correlation falls back to the phone number for this contact.
			w.logger.Warn("failed to record provider message id",
				zap.String("contact_id", dispatch.ContactID.String()),
				zap.Error(err))
		}
	}

	w.logger.Info("message sent",
		zap.String("campaign_id", dispatch.CampaignID.String()),
		zap.String("contact_id", dispatch.ContactID.String()),
		zap.String("channel", dispatch.Channel),
		zap.Int("attempt", dispatch.Attempt))
	return nil
}

// handleRateLimited returns the contact to pending without consuming an
// attempt; the scheduler's own limiter will pace the campaign on the
// next eligible window.
func (w *Worker) handleRateLimited(ctx context.Context, dispatch queue.DispatchMessage) error {
	w.logger.Warn("provider rate limited, backing off campaign",
		zap.String("campaign_id", dispatch.CampaignID.String()),
		zap.String("contact_id", dispatch.ContactID.String()))

	_, _, err := w.transitions.ApplyTransition(ctx, dispatch.CampaignID, dispatch.ContactID, domain.EventSendRetry)
	if err != nil {
		return fmt.Errorf("return rate-limited contact to pending: %w", err)
	}
	return nil
}

// handleFailure counts the attempt and returns the contact to pending for
// a later scheduling pass. Rejections, timeouts and network errors all
// draw from the same budget; only exhausting it marks the contact failed.
func (w *Worker) handleFailure(ctx context.Context, dispatch queue.DispatchMessage, sendErr error) error {
	attempts, err := w.contacts.IncrementAttempt(ctx, dispatch.CampaignID, dispatch.ContactID)
	if err != nil {
		w.logger.Warn("failed to count send attempt",
			zap.String("contact_id", dispatch.ContactID.String()), zap.Error(err))
		attempts = dispatch.Attempt
	}

	if attempts < dispatch.MaxAttempts {
		w.logger.Warn("send failed, returning contact to pending",
			zap.String("campaign_id", dispatch.CampaignID.String()),
			zap.String("contact_id", dispatch.ContactID.String()),
			zap.Int("attempt", attempts),
			zap.Int("max_attempts", dispatch.MaxAttempts),
			zap.Error(sendErr))
		_, _, terr := w.transitions.ApplyTransition(ctx, dispatch.CampaignID, dispatch.ContactID, domain.EventSendRetry)
		if terr != nil {
			return fmt.Errorf("return contact to pending: %w", terr)
		}
		return nil
	}

	w.logger.Error("send attempts exhausted, marking contact failed",
		zap.String("campaign_id", dispatch.CampaignID.String()),
		zap.String("contact_id", dispatch.ContactID.String()),
		zap.Int("attempt", attempts),
		zap.Error(sendErr))
	_, _, terr := w.transitions.ApplyTransition(ctx, dispatch.CampaignID, dispatch.ContactID, domain.EventFailed)
	if terr != nil {
		return fmt.Errorf("mark contact failed: %w", terr)
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
		w.logger.Error("send worker: dead letter publish", zap.Error(err))
	}
}
