package campaign

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/lead-drip-engine/internal/domain"
	"github.com/acme/lead-drip-engine/internal/repository"
	"github.com/acme/lead-drip-engine/internal/service/common"
	"github.com/acme/lead-drip-engine/internal/service/template"
	apperrors "github.com/acme/lead-drip-engine/pkg/errors"
)

type fakeCampaignRepo struct {
	campaigns map[uuid.UUID]*domain.Campaign
}

func newFakeCampaignRepo() *fakeCampaignRepo {
	return &fakeCampaignRepo{campaigns: map[uuid.UUID]*domain.Campaign{}}
}

func (f *fakeCampaignRepo) Create(_ context.Context, c *domain.Campaign) error {
	cp := *c
	f.campaigns[c.ID] = &cp
	return nil
}

func (f *fakeCampaignRepo) Get(_ context.Context, id uuid.UUID) (*domain.Campaign, error) {
	c, ok := f.campaigns[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeCampaignRepo) Update(_ context.Context, c *domain.Campaign) error {
	if _, ok := f.campaigns[c.ID]; !ok {
		return apperrors.ErrNotFound
	}
	cp := *c
	f.campaigns[c.ID] = &cp
	return nil
}

func (f *fakeCampaignRepo) UpdateStatus(_ context.Context, id uuid.UUID, status domain.CampaignStatus) error {
	c, ok := f.campaigns[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	c.Status = status
	return nil
}

func (f *fakeCampaignRepo) List(_ context.Context, _ *uuid.UUID, _ int) ([]*domain.Campaign, error) {
	out := make([]*domain.Campaign, 0, len(f.campaigns))
	for _, c := range f.campaigns {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeCampaignRepo) ListByStatus(_ context.Context, status domain.CampaignStatus, _ int) ([]*domain.Campaign, error) {
	var out []*domain.Campaign
	for _, c := range f.campaigns {
		if c.Status == status {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

type fakeContactRepo struct {
	contacts map[uuid.UUID]*domain.Contact

	// beforeTransition simulates a concurrent writer landing between the
	// caller's view of the contact and the CAS.
	beforeTransition func(contactID uuid.UUID)
}

func newFakeContactRepo() *fakeContactRepo {
	return &fakeContactRepo{contacts: map[uuid.UUID]*domain.Contact{}}
}

func (f *fakeContactRepo) BulkInsert(_ context.Context, _ uuid.UUID, contacts []*domain.Contact) error {
	for _, c := range contacts {
		cp := *c
		f.contacts[c.ID] = &cp
	}
	return nil
}

func (f *fakeContactRepo) Get(_ context.Context, _ uuid.UUID, contactID uuid.UUID) (*domain.Contact, error) {
	c, ok := f.contacts[contactID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeContactRepo) ListByCampaign(_ context.Context, campaignID uuid.UUID, state domain.ContactState, _ int) ([]*domain.Contact, error) {
	var out []*domain.Contact
	for _, c := range f.contacts {
		if c.CampaignID != campaignID {
			continue
		}
		if state != "" && c.State != state {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeContactRepo) ReserveNext(_ context.Context, campaignID uuid.UUID) (*domain.Contact, error) {
	for _, c := range f.contacts {
		if c.CampaignID == campaignID && c.State == domain.ContactStatePending {
			c.State = domain.ContactStateScheduled
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeContactRepo) Transition(_ context.Context, _ uuid.UUID, contactID uuid.UUID, event domain.ContactEvent) (domain.ContactState, domain.ContactState, bool, error) {
	if f.beforeTransition != nil {
		f.beforeTransition(contactID)
	}
	c, ok := f.contacts[contactID]
	if !ok {
		return "", "", false, apperrors.ErrNotFound
	}
	prior := c.State
	next, changed, err := domain.NextState(prior, event)
	if err != nil {
		return "", "", false, err
	}
	c.State = next
	return prior, next, changed, nil
}

func (f *fakeContactRepo) RecordCallback(_ context.Context, _ uuid.UUID, contactID uuid.UUID, at time.Time) (bool, error) {
	c, ok := f.contacts[contactID]
	if !ok {
		return false, apperrors.ErrNotFound
	}
	if c.CallbackAt != nil {
		return false, nil
	}
	c.CallbackAt = &at
	return true, nil
}

func (f *fakeContactRepo) CancelActive(_ context.Context, campaignID uuid.UUID) (int64, int64, error) {
	var pending, scheduled int64
	for _, c := range f.contacts {
		if c.CampaignID != campaignID {
			continue
		}
		switch c.State {
		case domain.ContactStatePending:
			pending++
			c.State = domain.ContactStateCancelled
		case domain.ContactStateScheduled:
			scheduled++
			c.State = domain.ContactStateCancelled
		}
	}
	return pending, scheduled, nil
}

func (f *fakeContactRepo) SetProviderMessageID(_ context.Context, _ uuid.UUID, contactID uuid.UUID, id string, sentAt time.Time) error {
	c, ok := f.contacts[contactID]
	if !ok {
		return apperrors.ErrNotFound
	}
	c.ProviderMessageID = &id
	c.SentAt = &sentAt
	return nil
}

func (f *fakeContactRepo) IncrementAttempt(_ context.Context, _ uuid.UUID, contactID uuid.UUID) (int, error) {
	c, ok := f.contacts[contactID]
	if !ok {
		return 0, apperrors.ErrNotFound
	}
	c.AttemptCount++
	return c.AttemptCount, nil
}

func (f *fakeContactRepo) FindByProviderMessageID(_ context.Context, id string) (*domain.Contact, error) {
	for _, c := range f.contacts {
		if c.ProviderMessageID != nil && *c.ProviderMessageID == id {
			cp := *c
			return &cp, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (f *fakeContactRepo) FindActiveByPhone(_ context.Context, digits string, policy common.PhoneMatchPolicy) ([]*domain.Contact, error) {
	var out []*domain.Contact
	for _, c := range f.contacts {
		if common.PhonesMatch(common.NormalizePhone(c.Phone), digits, policy) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

type fakeStatsRepo struct {
	stats map[uuid.UUID]*domain.CampaignStats
}

func newFakeStatsRepo() *fakeStatsRepo {
	return &fakeStatsRepo{stats: map[uuid.UUID]*domain.CampaignStats{}}
}

func (f *fakeStatsRepo) Ensure(_ context.Context, campaignID uuid.UUID) error {
	if _, ok := f.stats[campaignID]; !ok {
		f.stats[campaignID] = &domain.CampaignStats{}
	}
	return nil
}

func (f *fakeStatsRepo) Get(_ context.Context, campaignID uuid.UUID) (*domain.CampaignStats, error) {
	s, ok := f.stats[campaignID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStatsRepo) ApplyDelta(_ context.Context, campaignID uuid.UUID, delta repository.StatsDelta) error {
	s, ok := f.stats[campaignID]
	if !ok {
		return apperrors.ErrNotFound
	}
	s.Total += delta.TotalDelta
	s.Pending += delta.PendingDelta
	s.Scheduled += delta.ScheduledDelta
	s.Sent += delta.SentDelta
	s.Delivered += delta.DeliveredDelta
	s.Failed += delta.FailedDelta
	s.Cancelled += delta.CancelledDelta
	s.Callbacks += delta.CallbacksDelta
	return nil
}

type fakeLimiter struct {
	frozen []uuid.UUID
}

func (f *fakeLimiter) Freeze(_ context.Context, campaignID uuid.UUID, _ string) error {
	f.frozen = append(f.frozen, campaignID)
	return nil
}

type fixture struct {
	svc      *Service
	repo     *fakeCampaignRepo
	contacts *fakeContactRepo
	stats    *fakeStatsRepo
	limiter  *fakeLimiter
}

func newFixture() *fixture {
	repo := newFakeCampaignRepo()
	contacts := newFakeContactRepo()
	stats := newFakeStatsRepo()
	limiter := &fakeLimiter{}
	svc := NewService(repo, contacts, stats, template.NewRenderer(), limiter, 3, zap.NewNop())
	return &fixture{svc: svc, repo: repo, contacts: contacts, stats: stats, limiter: limiter}
}

func validInput(contacts int) CreateCampaignInput {
	in := CreateCampaignInput{
		Name:     "fresno absentee owners",
		Channel:  domain.ChannelVoicedrop,
		Script:   "Hi {{ first_name }}, about your property on {{ street_name }}.",
		SenderID: "+15550001111",
		Schedule: ScheduleInput{
			DaysOfWeek: []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
			Start:      time.Date(0, 1, 1, 9, 0, 0, 0, time.UTC),
			End:        time.Date(0, 1, 1, 17, 0, 0, 0, time.UTC),
			TimeZone:   "America/Los_Angeles",
		},
		Limits: domain.Limits{MaxPerHour: 30, DailyLimit: 100},
	}
	for i := 0; i < contacts; i++ {
		in.Contacts = append(in.Contacts, ContactInput{
			Phone:     "+1415555" + time.Now().Format("0405") + string(rune('0'+i)),
			FirstName: "Lead",
		})
	}
	return in
}

func TestCreateValidationFailures(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	cases := []func(*CreateCampaignInput){
		func(in *CreateCampaignInput) { in.Name = "" },
		func(in *CreateCampaignInput) { in.Channel = "fax" },
		func(in *CreateCampaignInput) { in.Script = "" },
		func(in *CreateCampaignInput) { in.Script = "{% if %}" },
		func(in *CreateCampaignInput) { in.Schedule.DaysOfWeek = nil },
		func(in *CreateCampaignInput) { in.Schedule.TimeZone = "Mars/Olympus" },
		func(in *CreateCampaignInput) { in.Schedule.End = in.Schedule.Start },
		func(in *CreateCampaignInput) { in.Limits.MaxPerHour = -1 },
	}

	for i, mutate := range cases {
		in := validInput(0)
		mutate(&in)
		if _, err := f.svc.Create(ctx, in); !apperrors.Is(err, apperrors.ErrValidation) {
			t.Errorf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestCreateSeedsCounters(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	campaign, err := f.svc.Create(ctx, validInput(4))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if campaign.Status != domain.CampaignStatusDraft {
		t.Fatalf("new campaign status = %s", campaign.Status)
	}

	stats, err := f.svc.Stats(ctx, campaign.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 4 || stats.Pending != 4 {
		t.Fatalf("stats = %+v, want total=4 pending=4", stats)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	campaign, err := f.svc.Create(ctx, validInput(1))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := f.svc.Pause(ctx, campaign.ID); !apperrors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("pausing draft should conflict, got %v", err)
	}

	if err := f.svc.Activate(ctx, campaign.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := f.svc.Activate(ctx, campaign.ID); err != nil {
		t.Fatalf("re-activate should be no-op: %v", err)
	}
	if err := f.svc.Pause(ctx, campaign.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := f.svc.Resume(ctx, campaign.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := f.svc.Cancel(ctx, campaign.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := f.svc.Activate(ctx, campaign.ID); !apperrors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("activating cancelled should conflict, got %v", err)
	}
}

func TestCancelMovesActiveContactsAndFreezesBudget(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	campaign, err := f.svc.Create(ctx, validInput(5))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.svc.Activate(ctx, campaign.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}

	// Drive two contacts to sent, leave three pending.
	for i := 0; i < 2; i++ {
		c, err := f.contacts.ReserveNext(ctx, campaign.ID)
		if err != nil || c == nil {
			t.Fatalf("reserve %d: %v %v", i, c, err)
		}
		f.stats.ApplyDelta(ctx, campaign.ID, repository.TransitionDelta(domain.ContactStatePending, domain.ContactStateScheduled))
		if _, _, err := f.svc.ApplyTransition(ctx, campaign.ID, c.ID, domain.EventSent); err != nil {
			t.Fatalf("sent %d: %v", i, err)
		}
	}

	if err := f.svc.Cancel(ctx, campaign.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	stats, err := f.svc.Stats(ctx, campaign.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Cancelled != 3 || stats.Sent != 2 || stats.Pending != 0 || stats.Scheduled != 0 {
		t.Fatalf("post-cancel stats = %+v", stats)
	}
	assertConservation(t, stats)

	if len(f.limiter.frozen) != 1 || f.limiter.frozen[0] != campaign.ID {
		t.Fatalf("expected rate budget frozen for campaign, got %v", f.limiter.frozen)
	}

	got, err := f.svc.Get(ctx, campaign.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.CampaignStatusCancelled {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestOutcomeKeepsConservationAndCompletes(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	campaign, err := f.svc.Create(ctx, validInput(2))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.svc.Activate(ctx, campaign.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}

	var ids []uuid.UUID
	for i := 0; i < 2; i++ {
		c, err := f.contacts.ReserveNext(ctx, campaign.ID)
		if err != nil || c == nil {
			t.Fatalf("reserve: %v %v", c, err)
		}
		f.stats.ApplyDelta(ctx, campaign.ID, repository.TransitionDelta(domain.ContactStatePending, domain.ContactStateScheduled))
		if _, _, err := f.svc.ApplyTransition(ctx, campaign.ID, c.ID, domain.EventSent); err != nil {
			t.Fatalf("sent: %v", err)
		}
		ids = append(ids, c.ID)
	}

	if err := f.svc.RecordOutcome(ctx, campaign.ID, ids[0], domain.OutcomeDelivered, time.Now()); err != nil {
		t.Fatalf("delivered: %v", err)
	}
	if err := f.svc.RecordOutcome(ctx, campaign.ID, ids[1], domain.OutcomeFailed, time.Now()); err != nil {
		t.Fatalf("failed: %v", err)
	}

	// Replay of the delivered webhook must be a silent no-op.
	if err := f.svc.RecordOutcome(ctx, campaign.ID, ids[0], domain.OutcomeDelivered, time.Now()); err != nil {
		t.Fatalf("replayed delivery: %v", err)
	}

	stats, err := f.svc.Stats(ctx, campaign.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Delivered != 1 || stats.Failed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	assertConservation(t, stats)

	got, err := f.svc.Get(ctx, campaign.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.CampaignStatusCompleted {
		t.Fatalf("expected auto-completion, status = %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatal("completed campaign missing CompletedAt")
	}
}

func TestTransitionDeltaReflectsStateAtWrite(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	campaign, err := f.svc.Create(ctx, validInput(1))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.svc.Activate(ctx, campaign.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}

	var cid uuid.UUID
	for id := range f.contacts.contacts {
		cid = id
	}

	// A scheduler reservation lands between the worker deciding to mark
	// the contact sent and the compare-and-set: the delta must charge the
	// scheduled counter the contact actually left, not the stale pending.
	f.contacts.beforeTransition = func(contactID uuid.UUID) {
		c := f.contacts.contacts[contactID]
		if c.State == domain.ContactStatePending {
			c.State = domain.ContactStateScheduled
			f.stats.ApplyDelta(ctx, campaign.ID,
				repository.TransitionDelta(domain.ContactStatePending, domain.ContactStateScheduled))
		}
	}

	if _, _, err := f.svc.ApplyTransition(ctx, campaign.ID, cid, domain.EventSent); err != nil {
		t.Fatalf("sent: %v", err)
	}

	stats, err := f.svc.Stats(ctx, campaign.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Pending != 0 || stats.Scheduled != 0 || stats.Sent != 1 {
		t.Fatalf("stats = %+v, want pending=0 scheduled=0 sent=1", stats)
	}
	assertConservation(t, stats)
}

func TestResumeCompletesCampaignFinishedWhilePaused(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	campaign, err := f.svc.Create(ctx, validInput(1))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.svc.Activate(ctx, campaign.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}

	c, err := f.contacts.ReserveNext(ctx, campaign.ID)
	if err != nil || c == nil {
		t.Fatalf("reserve: %v %v", c, err)
	}
	f.stats.ApplyDelta(ctx, campaign.ID, repository.TransitionDelta(domain.ContactStatePending, domain.ContactStateScheduled))
	if _, _, err := f.svc.ApplyTransition(ctx, campaign.ID, c.ID, domain.EventSent); err != nil {
		t.Fatalf("sent: %v", err)
	}

	if err := f.svc.Pause(ctx, campaign.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}

	// The final webhook lands while the campaign is paused: the outcome is
	// recorded but completion must wait for the campaign to be active.
	if err := f.svc.RecordOutcome(ctx, campaign.ID, c.ID, domain.OutcomeDelivered, time.Now()); err != nil {
		t.Fatalf("delivered: %v", err)
	}
	got, err := f.svc.Get(ctx, campaign.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.CampaignStatusPaused {
		t.Fatalf("paused campaign completed early: %s", got.Status)
	}

	if err := f.svc.Resume(ctx, campaign.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	got, err = f.svc.Get(ctx, campaign.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.CampaignStatusCompleted {
		t.Fatalf("resume did not complete drained campaign: %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatal("completed campaign missing CompletedAt")
	}
}

func TestCallbackIsOrthogonalToDeliveryState(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	campaign, err := f.svc.Create(ctx, validInput(1))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.svc.Activate(ctx, campaign.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}

	c, err := f.contacts.ReserveNext(ctx, campaign.ID)
	if err != nil || c == nil {
		t.Fatalf("reserve: %v %v", c, err)
	}
	f.stats.ApplyDelta(ctx, campaign.ID, repository.TransitionDelta(domain.ContactStatePending, domain.ContactStateScheduled))

	// Callback before the message is sent must be rejected.
	if err := f.svc.RecordCallback(ctx, campaign.ID, c.ID, time.Now()); !apperrors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("callback on scheduled contact: %v", err)
	}

	if _, _, err := f.svc.ApplyTransition(ctx, campaign.ID, c.ID, domain.EventSent); err != nil {
		t.Fatalf("sent: %v", err)
	}
	if err := f.svc.RecordOutcome(ctx, campaign.ID, c.ID, domain.OutcomeDelivered, time.Now()); err != nil {
		t.Fatalf("delivered: %v", err)
	}

	if err := f.svc.RecordCallback(ctx, campaign.ID, c.ID, time.Now()); err != nil {
		t.Fatalf("callback: %v", err)
	}
	// Duplicate callback is absorbed without double counting.
	if err := f.svc.RecordCallback(ctx, campaign.ID, c.ID, time.Now()); err != nil {
		t.Fatalf("duplicate callback: %v", err)
	}

	stats, err := f.svc.Stats(ctx, campaign.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Callbacks != 1 {
		t.Fatalf("callbacks = %d, want 1", stats.Callbacks)
	}
	if stats.Delivered != 1 {
		t.Fatalf("callback displaced delivery state: %+v", stats)
	}

	contact, err := f.contacts.Get(ctx, campaign.ID, c.ID)
	if err != nil {
		t.Fatalf("get contact: %v", err)
	}
	if contact.State != domain.ContactStateDelivered || contact.CallbackAt == nil {
		t.Fatalf("contact = state %s, callbackAt %v", contact.State, contact.CallbackAt)
	}
}

func TestAddContactsRejectsDigitlessPhone(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	campaign, err := f.svc.Create(ctx, validInput(0))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	err = f.svc.AddContacts(ctx, campaign.ID, []ContactInput{{Phone: "not-a-number"}})
	if !apperrors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func assertConservation(t *testing.T, s *domain.CampaignStats) {
	t.Helper()
	sum := s.Pending + s.Scheduled + s.Sent + s.Delivered + s.Failed + s.Cancelled
	if sum != s.Total {
		t.Fatalf("counter conservation violated: sum=%d total=%d (%+v)", sum, s.Total, s)
	}
}
