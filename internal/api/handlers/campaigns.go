package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/lead-drip-engine/internal/domain"
	campaignsvc "github.com/acme/lead-drip-engine/internal/service/campaign"
	apperrors "github.com/acme/lead-drip-engine/pkg/errors"
)

type createCampaignRequest struct {
	Name            string           `json:"name"`
	Channel         string           `json:"channel"`
	Script          string           `json:"script"`
	SenderID        string           `json:"sender_id"`
	Schedule        scheduleRequest  `json:"schedule"`
	Limits          limitsRequest    `json:"limits"`
	MaxSendAttempts int              `json:"max_send_attempts"`
	Contacts        []contactRequest `json:"contacts"`
}

type updateCampaignRequest struct {
	Name     *string          `json:"name"`
	Script   *string          `json:"script"`
	SenderID *string          `json:"sender_id"`
	Schedule *scheduleRequest `json:"schedule"`
	Limits   *limitsRequest   `json:"limits"`
}

type scheduleRequest struct {
	DaysOfWeek []int  `json:"days_of_week"`
	Start      string `json:"start"`
	End        string `json:"end"`
	TimeZone   string `json:"time_zone"`
}

type limitsRequest struct {
	MaxPerHour          int   `json:"max_per_hour"`
	DailyLimit          int   `json:"daily_limit"`
	InterMessageDelayMS int64 `json:"inter_message_delay_ms"`
}

type contactRequest struct {
	Phone         string         `json:"phone"`
	FirstName     string         `json:"first_name"`
	Fields        map[string]any `json:"fields"`
	CRMContactID  string         `json:"crm_contact_id"`
	OpportunityID *string        `json:"opportunity_id"`
}

type campaignResponse struct {
	ID              uuid.UUID             `json:"id"`
	Name            string                `json:"name"`
	Channel         domain.Channel        `json:"channel"`
	Script          string                `json:"script"`
	SenderID        string                `json:"sender_id"`
	Schedule        scheduleResponse      `json:"schedule"`
	Limits          limitsResponse        `json:"limits"`
	MaxSendAttempts int                   `json:"max_send_attempts"`
	Status          domain.CampaignStatus `json:"status"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
	StartedAt       *time.Time            `json:"started_at,omitempty"`
	CompletedAt     *time.Time            `json:"completed_at,omitempty"`
}

type scheduleResponse struct {
	DaysOfWeek []int  `json:"days_of_week"`
	Start      string `json:"start"`
	End        string `json:"end"`
	TimeZone   string `json:"time_zone"`
}

type limitsResponse struct {
	MaxPerHour          int   `json:"max_per_hour"`
	DailyLimit          int   `json:"daily_limit"`
	InterMessageDelayMS int64 `json:"inter_message_delay_ms"`
}

type campaignStatsResponse struct {
	Total     int64 `json:"total_contacts"`
	Pending   int64 `json:"pending"`
	Scheduled int64 `json:"scheduled"`
	Sent      int64 `json:"sent"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
	Callbacks int64 `json:"callbacks_received"`
	Remaining int64 `json:"remaining"`
}

type listCampaignsResponse struct {
	Campaigns []campaignResponse `json:"campaigns"`
}

type contactResponse struct {
	ID                uuid.UUID           `json:"id"`
	Phone             string              `json:"phone"`
	FirstName         string              `json:"first_name,omitempty"`
	State             domain.ContactState `json:"state"`
	AttemptCount      int                 `json:"attempt_count"`
	ProviderMessageID *string             `json:"provider_message_id,omitempty"`
	SentAt            *time.Time          `json:"sent_at,omitempty"`
	CompletedAt       *time.Time          `json:"completed_at,omitempty"`
	CallbackAt        *time.Time          `json:"callback_at,omitempty"`
}

type listContactsResponse struct {
	Contacts []contactResponse `json:"contacts"`
}

func (h *HandlerSet) createCampaign(ctx *fiber.Ctx) error {
	var req createCampaignRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	input, err := toCreateCampaignInput(req)
	if err != nil {
		return translateError(err)
	}

	campaign, err := h.campaigns.Create(ctx.Context(), input)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusCreated).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) listCampaigns(ctx *fiber.Ctx) error {
	limit, _ := strconv.Atoi(ctx.Query("limit", "50"))
	var afterID *uuid.UUID
	if afterStr := ctx.Query("after_id"); afterStr != "" {
		if id, err := uuid.Parse(afterStr); err == nil {
			afterID = &id
		}
	}

	campaigns, err := h.campaigns.List(ctx.Context(), afterID, limit)
	if err != nil {
		return translateError(err)
	}

	resp := listCampaignsResponse{Campaigns: make([]campaignResponse, 0, len(campaigns))}
	for _, c := range campaigns {
		resp.Campaigns = append(resp.Campaigns, toCampaignResponse(c))
	}
	return ctx.JSON(resp)
}

func (h *HandlerSet) getCampaign(ctx *fiber.Ctx) error {
	id, err := parseID(ctx)
	if err != nil {
		return err
	}

	campaign, err := h.campaigns.Get(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) updateCampaign(ctx *fiber.Ctx) error {
	id, err := parseID(ctx)
	if err != nil {
		return err
	}

	var req updateCampaignRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	input := campaignsvc.UpdateCampaignInput{
		ID:       id,
		Name:     req.Name,
		Script:   req.Script,
		SenderID: req.SenderID,
	}
	if req.Schedule != nil {
		schedule, err := toScheduleInput(*req.Schedule)
		if err != nil {
			return translateError(err)
		}
		input.Schedule = &schedule
	}
	if req.Limits != nil {
		limits := toLimits(*req.Limits)
		input.Limits = &limits
	}

	campaign, err := h.campaigns.Update(ctx.Context(), input)
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) activateCampaign(ctx *fiber.Ctx) error {
	return h.lifecycle(ctx, h.campaigns.Activate)
}

func (h *HandlerSet) pauseCampaign(ctx *fiber.Ctx) error {
	return h.lifecycle(ctx, h.campaigns.Pause)
}

func (h *HandlerSet) resumeCampaign(ctx *fiber.Ctx) error {
	return h.lifecycle(ctx, h.campaigns.Resume)
}

func (h *HandlerSet) cancelCampaign(ctx *fiber.Ctx) error {
	return h.lifecycle(ctx, h.campaigns.Cancel)
}

func (h *HandlerSet) campaignStats(ctx *fiber.Ctx) error {
	id, err := parseID(ctx)
	if err != nil {
		return err
	}

	stats, err := h.campaigns.Stats(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.JSON(campaignStatsResponse{
		Total:     stats.Total,
		Pending:   stats.Pending,
		Scheduled: stats.Scheduled,
		Sent:      stats.Sent,
		Delivered: stats.Delivered,
		Failed:    stats.Failed,
		Cancelled: stats.Cancelled,
		Callbacks: stats.Callbacks,
		Remaining: stats.Remaining(),
	})
}

func (h *HandlerSet) addContacts(ctx *fiber.Ctx) error {
	id, err := parseID(ctx)
	if err != nil {
		return err
	}

	var req struct {
		Contacts []contactRequest `json:"contacts"`
	}
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Contacts) == 0 {
		return fiber.NewError(http.StatusBadRequest, "contacts are required")
	}

	if err := h.campaigns.AddContacts(ctx.Context(), id, toContactInputs(req.Contacts)); err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusCreated).JSON(fiber.Map{"added": len(req.Contacts)})
}

func (h *HandlerSet) listContacts(ctx *fiber.Ctx) error {
	id, err := parseID(ctx)
	if err != nil {
		return err
	}

	limit, _ := strconv.Atoi(ctx.Query("limit", "100"))
	state := domain.ContactState(ctx.Query("state"))

	contacts, err := h.campaigns.Contacts(ctx.Context(), id, state, limit)
	if err != nil {
		return translateError(err)
	}

	resp := listContactsResponse{Contacts: make([]contactResponse, 0, len(contacts))}
	for _, c := range contacts {
		resp.Contacts = append(resp.Contacts, contactResponse{
			ID:                c.ID,
			Phone:             c.Phone,
			FirstName:         c.FirstName,
			State:             c.State,
			AttemptCount:      c.AttemptCount,
			ProviderMessageID: c.ProviderMessageID,
			SentAt:            c.SentAt,
			CompletedAt:       c.CompletedAt,
			CallbackAt:        c.CallbackAt,
		})
	}
	return ctx.JSON(resp)
}

func (h *HandlerSet) lifecycle(ctx *fiber.Ctx, op func(ctx context.Context, id uuid.UUID) error) error {
	id, err := parseID(ctx)
	if err != nil {
		return err
	}
	if err := op(ctx.Context(), id); err != nil {
		return translateError(err)
	}

	campaign, err := h.campaigns.Get(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(toCampaignResponse(campaign))
}

func parseID(ctx *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return uuid.Nil, fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}
	return id, nil
}

func toCreateCampaignInput(req createCampaignRequest) (campaignsvc.CreateCampaignInput, error) {
	schedule, err := toScheduleInput(req.Schedule)
	if err != nil {
		return campaignsvc.CreateCampaignInput{}, err
	}

	return campaignsvc.CreateCampaignInput{
		Name:            req.Name,
		Channel:         domain.Channel(req.Channel),
		Script:          req.Script,
		SenderID:        req.SenderID,
		Schedule:        schedule,
		Limits:          toLimits(req.Limits),
		MaxSendAttempts: req.MaxSendAttempts,
		Contacts:        toContactInputs(req.Contacts),
	}, nil
}

func toScheduleInput(req scheduleRequest) (campaignsvc.ScheduleInput, error) {
	start, err := parseWallClock(req.Start)
	if err != nil {
		return campaignsvc.ScheduleInput{}, apperrors.Wrap(apperrors.ErrValidation, "invalid schedule start")
	}
	end, err := parseWallClock(req.End)
	if err != nil {
		return campaignsvc.ScheduleInput{}, apperrors.Wrap(apperrors.ErrValidation, "invalid schedule end")
	}

	days := make([]time.Weekday, 0, len(req.DaysOfWeek))
	for _, d := range req.DaysOfWeek {
		days = append(days, time.Weekday(d%7))
	}

	return campaignsvc.ScheduleInput{
		DaysOfWeek: days,
		Start:      start,
		End:        end,
		TimeZone:   req.TimeZone,
	}, nil
}

func toLimits(req limitsRequest) domain.Limits {
	return domain.Limits{
		MaxPerHour:        req.MaxPerHour,
		DailyLimit:        req.DailyLimit,
		InterMessageDelay: time.Duration(req.InterMessageDelayMS) * time.Millisecond,
	}
}

func toContactInputs(reqs []contactRequest) []campaignsvc.ContactInput {
	inputs := make([]campaignsvc.ContactInput, 0, len(reqs))
	for _, c := range reqs {
		inputs = append(inputs, campaignsvc.ContactInput{
			Phone:         c.Phone,
			FirstName:     c.FirstName,
			Fields:        c.Fields,
			CRMContactID:  c.CRMContactID,
			OpportunityID: c.OpportunityID,
		})
	}
	return inputs
}

func toCampaignResponse(c *domain.Campaign) campaignResponse {
	days := make([]int, 0, len(c.Schedule.DaysOfWeek))
	for _, d := range c.Schedule.DaysOfWeek {
		days = append(days, int(d))
	}

	return campaignResponse{
		ID:       c.ID,
		Name:     c.Name,
		Channel:  c.Channel,
		Script:   c.Script,
		SenderID: c.SenderID,
		Schedule: scheduleResponse{
			DaysOfWeek: days,
			Start:      c.Schedule.Start.Format("15:04"),
			End:        c.Schedule.End.Format("15:04"),
			TimeZone:   c.Schedule.TimeZone,
		},
		Limits: limitsResponse{
			MaxPerHour:          c.Limits.MaxPerHour,
			DailyLimit:          c.Limits.DailyLimit,
			InterMessageDelayMS: int64(c.Limits.InterMessageDelay / time.Millisecond),
		},
		MaxSendAttempts: c.MaxSendAttempts,
		Status:          c.Status,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
		StartedAt:       c.StartedAt,
		CompletedAt:     c.CompletedAt,
	}
}

func parseWallClock(value string) (time.Time, error) {
	return time.Parse("15:04", value)
}
