package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/lead-drip-engine/internal/queue"
)

// webhookRequest is the shape-level inbound payload. Provider field names
// vary; the metadata block is only present when the provider echoes our
// passthrough metadata back.
type webhookRequest struct {
	Status            string `json:"status"`
	ProviderMessageID string `json:"message_id"`
	Phone             string `json:"phone"`
	To                string `json:"to"`
	Metadata          struct {
		CampaignID string `json:"campaign_id"`
		ContactID  string `json:"contact_id"`
	} `json:"metadata"`
}

// deliveryWebhook ingests delivery status notifications. The response is
// a fixed acknowledgement regardless of whether correlation will succeed,
// so providers do not retry ambiguous-match drops.
func (h *HandlerSet) deliveryWebhook(ctx *fiber.Ctx) error {
	return h.ingestWebhook(ctx, false)
}

// callbackWebhook ingests lead-called-back notifications.
func (h *HandlerSet) callbackWebhook(ctx *fiber.Ctx) error {
	return h.ingestWebhook(ctx, true)
}

func (h *HandlerSet) ingestWebhook(ctx *fiber.Ctx, callback bool) error {
	raw := make([]byte, len(ctx.Body()))
	copy(raw, ctx.Body())

	var req webhookRequest
	if err := ctx.BodyParser(&req); err != nil {
		// Still acknowledged; the payload is parked for review.
		h.container.Logger.Warn("unparseable webhook payload", zap.Error(err))
		return ctx.JSON(fiber.Map{"received": true})
	}

	phone := req.Phone
	if phone == "" {
		phone = req.To
	}

	msg := queue.WebhookEventMessage{
		EventID:           uuid.New(),
		ProviderMessageID: req.ProviderMessageID,
		Phone:             phone,
		Status:            req.Status,
		Callback:          callback,
		Raw:               raw,
		ReceivedAt:        time.Now().UTC(),
	}

	if req.Metadata.CampaignID != "" && req.Metadata.ContactID != "" {
		if campaignID, err := uuid.Parse(req.Metadata.CampaignID); err == nil {
			if contactID, err := uuid.Parse(req.Metadata.ContactID); err == nil {
				msg.CampaignID = &campaignID
				msg.ContactID = &contactID
			}
		}
	}

	if err := h.events.Publish(ctx.Context(), msg); err != nil {
		h.container.Logger.Error("webhook event publish failed",
			zap.String("event_id", msg.EventID.String()), zap.Error(err))
		return fiber.NewError(http.StatusServiceUnavailable, "event ingestion unavailable")
	}

	return ctx.JSON(fiber.Map{"received": true})
}

type recentEventResponse struct {
	ID                uuid.UUID `json:"id"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	Phone             string    `json:"phone,omitempty"`
	Status            string    `json:"status"`
	Callback          bool      `json:"callback"`
	ReceivedAt        time.Time `json:"received_at"`
}

// recentEvents exposes the webhook audit trail for debugging.
func (h *HandlerSet) recentEvents(ctx *fiber.Ctx) error {
	limit, _ := strconv.Atoi(ctx.Query("limit", "100"))

	events, err := h.eventLog.Recent(ctx.Context(), limit)
	if err != nil {
		return translateError(err)
	}

	resp := make([]recentEventResponse, 0, len(events))
	for _, e := range events {
		resp = append(resp, recentEventResponse{
			ID:                e.ID,
			ProviderMessageID: e.ProviderMessageID,
			Phone:             e.Phone,
			Status:            e.Status,
			Callback:          e.Callback,
			ReceivedAt:        e.ReceivedAt,
		})
	}
	return ctx.JSON(fiber.Map{"events": resp})
}
