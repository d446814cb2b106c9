package pipeline

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/acme/lead-drip-engine/internal/crm"
	"github.com/acme/lead-drip-engine/internal/domain"
	apperrors "github.com/acme/lead-drip-engine/pkg/errors"
)

type fakeCRM struct {
	opportunity *crm.Opportunity
	stages      []crm.Stage
	findErr     error
	moveErr     error
	moves       []string
}

func (f *fakeCRM) FindOpportunityForContact(_ context.Context, _ string) (*crm.Opportunity, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	cp := *f.opportunity
	return &cp, nil
}

func (f *fakeCRM) GetPipelineStages(_ context.Context, _ string) ([]crm.Stage, error) {
	return f.stages, nil
}

func (f *fakeCRM) MoveOpportunity(_ context.Context, _, stageID string) error {
	if f.moveErr != nil {
		return f.moveErr
	}
	f.moves = append(f.moves, stageID)
	f.opportunity.StageID = stageID
	return nil
}

func realEstateStages() []crm.Stage {
	return []crm.Stage{
		{ID: "s0", Name: "New", Position: 0},
		{ID: "s1", Name: "Voicemail Received", Position: 1},
		{ID: "s2", Name: "Call Back", Position: 2},
		{ID: "s3", Name: "Under Contract", Position: 3},
	}
}

func contactWithCRM() *domain.Contact {
	return &domain.Contact{CRMContactID: "crm-42"}
}

func newTestMapper(f *fakeCRM) *Mapper {
	return NewMapper(f, zap.NewNop())
}

func TestDeliveredPrefersNamedStage(t *testing.T) {
	f := &fakeCRM{
		opportunity: &crm.Opportunity{ID: "opp-1", PipelineID: "p1", StageID: "s0"},
		stages:      realEstateStages(),
	}
	m := newTestMapper(f)

	m.Apply(context.Background(), contactWithCRM(), domain.OutcomeDelivered)

	if len(f.moves) != 1 || f.moves[0] != "s1" {
		t.Fatalf("moves = %v, want [s1]", f.moves)
	}
}

func TestCallbackJumpsTwoStages(t *testing.T) {
	f := &fakeCRM{
		opportunity: &crm.Opportunity{ID: "opp-1", PipelineID: "p1", StageID: "s0"},
		stages:      realEstateStages(),
	}
	m := newTestMapper(f)

	m.Apply(context.Background(), contactWithCRM(), domain.OutcomeCallback)

	if len(f.moves) != 1 || f.moves[0] != "s2" {
		t.Fatalf("moves = %v, want [s2]", f.moves)
	}
}

func TestPositionalAdvanceWithoutNamedStage(t *testing.T) {
	f := &fakeCRM{
		opportunity: &crm.Opportunity{ID: "opp-1", PipelineID: "p1", StageID: "a"},
		stages: []crm.Stage{
			{ID: "a", Name: "Stage A", Position: 0},
			{ID: "b", Name: "Stage B", Position: 1},
			{ID: "c", Name: "Stage C", Position: 2},
		},
	}
	m := newTestMapper(f)

	m.Apply(context.Background(), contactWithCRM(), domain.OutcomeFailed)

	if len(f.moves) != 1 || f.moves[0] != "b" {
		t.Fatalf("moves = %v, want [b]", f.moves)
	}
}

func TestReorderedWebhooksNeverRegress(t *testing.T) {
	f := &fakeCRM{
		opportunity: &crm.Opportunity{ID: "opp-1", PipelineID: "p1", StageID: "s0"},
		stages:      realEstateStages(),
	}
	m := newTestMapper(f)
	ctx := context.Background()
	contact := contactWithCRM()

	// Callback arrives before the delivered webhook due to network
	// reordering: the later delivered event must not pull the lead back.
	m.Apply(ctx, contact, domain.OutcomeCallback)
	m.Apply(ctx, contact, domain.OutcomeDelivered)

	if f.opportunity.StageID != "s2" {
		t.Fatalf("final stage = %s, want s2 (Call Back)", f.opportunity.StageID)
	}
	if len(f.moves) != 1 {
		t.Fatalf("moves = %v, want a single move", f.moves)
	}
}

func TestDuplicateOutcomeIsSkipped(t *testing.T) {
	f := &fakeCRM{
		opportunity: &crm.Opportunity{ID: "opp-1", PipelineID: "p1", StageID: "s0"},
		stages:      realEstateStages(),
	}
	m := newTestMapper(f)
	ctx := context.Background()
	contact := contactWithCRM()

	m.Apply(ctx, contact, domain.OutcomeDelivered)
	m.Apply(ctx, contact, domain.OutcomeDelivered)

	if len(f.moves) != 1 {
		t.Fatalf("duplicate outcome caused extra move: %v", f.moves)
	}
}

func TestAdvanceClampsAtLastStage(t *testing.T) {
	f := &fakeCRM{
		opportunity: &crm.Opportunity{ID: "opp-1", PipelineID: "p1", StageID: "s3"},
		stages:      realEstateStages(),
	}
	m := newTestMapper(f)

	m.Apply(context.Background(), contactWithCRM(), domain.OutcomeCallback)

	if len(f.moves) != 0 {
		t.Fatalf("opportunity at last stage still moved: %v", f.moves)
	}
}

func TestLookupFailureIsSwallowed(t *testing.T) {
	f := &fakeCRM{findErr: apperrors.ErrNotFound}
	m := newTestMapper(f)

	// Must not panic or move anything.
	m.Apply(context.Background(), contactWithCRM(), domain.OutcomeDelivered)

	if len(f.moves) != 0 {
		t.Fatalf("unexpected moves: %v", f.moves)
	}
}

func TestContactWithoutCRMIDIsIgnored(t *testing.T) {
	f := &fakeCRM{}
	m := newTestMapper(f)

	m.Apply(context.Background(), &domain.Contact{}, domain.OutcomeDelivered)

	if len(f.moves) != 0 {
		t.Fatalf("unexpected moves: %v", f.moves)
	}
}
