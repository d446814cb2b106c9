package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/lead-drip-engine/internal/domain"
	"github.com/acme/lead-drip-engine/internal/queue"
	"github.com/acme/lead-drip-engine/internal/repository"
	"github.com/acme/lead-drip-engine/internal/service/common"
	"github.com/acme/lead-drip-engine/internal/service/template"
)

type fakeCampaigns struct {
	active      []*domain.Campaign
	transitions []domain.ContactEvent
}

func (f *fakeCampaigns) ListActive(_ context.Context, _ int) ([]*domain.Campaign, error) {
	return f.active, nil
}

func (f *fakeCampaigns) ApplyTransition(_ context.Context, _, _ uuid.UUID, event domain.ContactEvent) (domain.ContactState, bool, error) {
	f.transitions = append(f.transitions, event)
	return domain.ContactStatePending, true, nil
}

type fakeContacts struct {
	queue []*domain.Contact
}

func (f *fakeContacts) ReserveNext(_ context.Context, _ uuid.UUID) (*domain.Contact, error) {
	if len(f.queue) == 0 {
		return nil, nil
	}
	c := f.queue[0]
	f.queue = f.queue[1:]
	c.State = domain.ContactStateScheduled
	return c, nil
}

func (f *fakeContacts) BulkInsert(context.Context, uuid.UUID, []*domain.Contact) error {
	panic("not implemented")
}
func (f *fakeContacts) Get(context.Context, uuid.UUID, uuid.UUID) (*domain.Contact, error) {
	panic("not implemented")
}
func (f *fakeContacts) ListByCampaign(context.Context, uuid.UUID, domain.ContactState, int) ([]*domain.Contact, error) {
	panic("not implemented")
}
func (f *fakeContacts) Transition(context.Context, uuid.UUID, uuid.UUID, domain.ContactEvent) (domain.ContactState, domain.ContactState, bool, error) {
	panic("not implemented")
}
func (f *fakeContacts) RecordCallback(context.Context, uuid.UUID, uuid.UUID, time.Time) (bool, error) {
	panic("not implemented")
}
func (f *fakeContacts) CancelActive(context.Context, uuid.UUID) (int64, int64, error) {
	panic("not implemented")
}
func (f *fakeContacts) SetProviderMessageID(context.Context, uuid.UUID, uuid.UUID, string, time.Time) error {
	panic("not implemented")
}
func (f *fakeContacts) IncrementAttempt(context.Context, uuid.UUID, uuid.UUID) (int, error) {
	panic("not implemented")
}
func (f *fakeContacts) FindByProviderMessageID(context.Context, string) (*domain.Contact, error) {
	panic("not implemented")
}
func (f *fakeContacts) FindActiveByPhone(context.Context, string, common.PhoneMatchPolicy) ([]*domain.Contact, error) {
	panic("not implemented")
}

type fakeStats struct {
	deltas []repository.StatsDelta
}

func (f *fakeStats) Ensure(context.Context, uuid.UUID) error { return nil }
func (f *fakeStats) Get(context.Context, uuid.UUID) (*domain.CampaignStats, error) {
	return &domain.CampaignStats{}, nil
}
func (f *fakeStats) ApplyDelta(_ context.Context, _ uuid.UUID, delta repository.StatsDelta) error {
	f.deltas = append(f.deltas, delta)
	return nil
}

type fakeSlotLimiter struct {
	budget         int
	reserved       int
	released       int
	releasedTokens []string
}

func (f *fakeSlotLimiter) Reserve(_ context.Context, _ uuid.UUID, _ domain.Limits, _ string, _ time.Time) (string, bool, error) {
	if f.reserved >= f.budget {
		return "", false, nil
	}
	f.reserved++
	return fmt.Sprintf("slot-%d", f.reserved), true, nil
}

func (f *fakeSlotLimiter) Release(_ context.Context, _ uuid.UUID, _ string, token string) error {
	f.released++
	f.releasedTokens = append(f.releasedTokens, token)
	return nil
}

type fakeSink struct {
	published []queue.DispatchMessage
	failAfter int // fail once this many messages were accepted; <0 disables
}

func (f *fakeSink) Publish(_ context.Context, msg queue.DispatchMessage) error {
	if f.failAfter >= 0 && len(f.published) >= f.failAfter {
		return errors.New("broker unavailable")
	}
	f.published = append(f.published, msg)
	return nil
}

func alwaysOpenCampaign() *domain.Campaign {
	return &domain.Campaign{
		ID:       uuid.New(),
		Name:     "weekday drip",
		Channel:  domain.ChannelSMS,
		Script:   "Hi {{ first_name }}",
		SenderID: "+15550001111",
		Schedule: domain.Schedule{
			DaysOfWeek: []time.Weekday{
				time.Sunday, time.Monday, time.Tuesday, time.Wednesday,
				time.Thursday, time.Friday, time.Saturday,
			},
			Start:    time.Date(0, 1, 1, 0, 0, 0, 0, time.UTC),
			End:      time.Date(0, 1, 1, 23, 59, 0, 0, time.UTC),
			TimeZone: "UTC",
		},
		Limits:          domain.Limits{MaxPerHour: 100, DailyLimit: 100},
		MaxSendAttempts: 3,
		Status:          domain.CampaignStatusActive,
	}
}

func pendingContacts(campaignID uuid.UUID, n int) []*domain.Contact {
	out := make([]*domain.Contact, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, &domain.Contact{
			ID:         uuid.New(),
			CampaignID: campaignID,
			Phone:      "+1415555000" + string(rune('0'+i)),
			FirstName:  "Lead",
			State:      domain.ContactStatePending,
		})
	}
	return out
}

func newTestScheduler(campaigns *fakeCampaigns, contacts *fakeContacts, stats *fakeStats, limiter *fakeSlotLimiter, sink *fakeSink) *Scheduler {
	return New(campaigns, contacts, stats, limiter, template.NewRenderer(), sink,
		Config{TickInterval: time.Minute, DispatchBatchSize: 10}, zap.NewNop())
}

func TestTickDispatchesUpToRateBudget(t *testing.T) {
	campaign := alwaysOpenCampaign()
	campaigns := &fakeCampaigns{active: []*domain.Campaign{campaign}}
	contacts := &fakeContacts{queue: pendingContacts(campaign.ID, 5)}
	stats := &fakeStats{}
	limiter := &fakeSlotLimiter{budget: 3}
	sink := &fakeSink{failAfter: -1}

	s := newTestScheduler(campaigns, contacts, stats, limiter, sink)
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(sink.published) != 3 {
		t.Fatalf("published %d messages, want 3 (rate budget)", len(sink.published))
	}
	if len(stats.deltas) != 3 {
		t.Fatalf("applied %d reservation deltas, want 3", len(stats.deltas))
	}
	for _, msg := range sink.published {
		if msg.Body != "Hi Lead" {
			t.Fatalf("rendered body = %q", msg.Body)
		}
		if msg.Attempt != 1 || msg.MaxAttempts != 3 {
			t.Fatalf("attempt bookkeeping = %d/%d", msg.Attempt, msg.MaxAttempts)
		}
	}
}

func TestTickSkipsCampaignOutsideWindow(t *testing.T) {
	campaign := alwaysOpenCampaign()
	campaign.Schedule.DaysOfWeek = nil // window never open
	campaigns := &fakeCampaigns{active: []*domain.Campaign{campaign}}
	contacts := &fakeContacts{queue: pendingContacts(campaign.ID, 2)}
	limiter := &fakeSlotLimiter{budget: 10}
	sink := &fakeSink{failAfter: -1}

	s := newTestScheduler(campaigns, contacts, &fakeStats{}, limiter, sink)
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(sink.published) != 0 {
		t.Fatalf("published outside window: %d", len(sink.published))
	}
	if limiter.reserved != 0 {
		t.Fatalf("limiter consulted outside window")
	}
}

func TestTickReleasesSlotWhenRosterDry(t *testing.T) {
	campaign := alwaysOpenCampaign()
	campaigns := &fakeCampaigns{active: []*domain.Campaign{campaign}}
	contacts := &fakeContacts{queue: pendingContacts(campaign.ID, 2)}
	limiter := &fakeSlotLimiter{budget: 10}
	sink := &fakeSink{failAfter: -1}

	s := newTestScheduler(campaigns, contacts, &fakeStats{}, limiter, sink)
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(sink.published) != 2 {
		t.Fatalf("published %d, want 2", len(sink.published))
	}
	// Third slot was reserved, found no contact, and must be handed back.
	if limiter.reserved != 3 || limiter.released != 1 {
		t.Fatalf("limiter reserved=%d released=%d, want 3/1", limiter.reserved, limiter.released)
	}
	if len(limiter.releasedTokens) != 1 || limiter.releasedTokens[0] != "slot-3" {
		t.Fatalf("released token = %v, want the slot that went unused", limiter.releasedTokens)
	}
}

func TestPublishFailureReturnsContactToPending(t *testing.T) {
	campaign := alwaysOpenCampaign()
	campaigns := &fakeCampaigns{active: []*domain.Campaign{campaign}}
	contacts := &fakeContacts{queue: pendingContacts(campaign.ID, 3)}
	limiter := &fakeSlotLimiter{budget: 10}
	sink := &fakeSink{failAfter: 1}

	s := newTestScheduler(campaigns, contacts, &fakeStats{}, limiter, sink)
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(sink.published) != 1 {
		t.Fatalf("published %d, want 1", len(sink.published))
	}
	if len(campaigns.transitions) != 1 || campaigns.transitions[0] != domain.EventSendRetry {
		t.Fatalf("expected one send_retry transition, got %v", campaigns.transitions)
	}
	if limiter.released != 1 {
		t.Fatalf("failed publish must release its slot, released=%d", limiter.released)
	}
}
