package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acme/lead-drip-engine/internal/crm"
	"github.com/acme/lead-drip-engine/internal/domain"
	apperrors "github.com/acme/lead-drip-engine/pkg/errors"
)

// preferredStageNames lists, per outcome, stage names the mapper picks
// over a purely positional advance when the pipeline contains one.
var preferredStageNames = map[domain.Outcome][]string{
	domain.OutcomeDelivered: {"voicemail received", "delivered"},
	domain.OutcomeFailed:    {"undeliverable", "failed"},
	domain.OutcomeCallback:  {"call back", "callback"},
}

// advanceSteps is how many stages each outcome moves an opportunity
// forward when no preferred stage name matches. A callback jumps past
// the intermediate delivered/failed stage.
var advanceSteps = map[domain.Outcome]int{
	domain.OutcomeDelivered: 1,
	domain.OutcomeFailed:    1,
	domain.OutcomeCallback:  2,
}

const stageCacheTTL = 5 * time.Minute

// Mapper advances CRM opportunities along the sales pipeline in response
// to correlated delivery outcomes. Moves are monotonic per opportunity:
// if the current stage already equals or exceeds the computed target, the
// move is skipped, so reordered or re-delivered webhooks never drag a
// lead backward.
type Mapper struct {
	client crm.Client
	logger *zap.Logger

	mu       sync.Mutex
	stages   map[string][]crm.Stage
	cachedAt map[string]time.Time
}

// NewMapper constructs a pipeline stage mapper.
func NewMapper(client crm.Client, logger *zap.Logger) *Mapper {
	return &Mapper{
		client:   client,
		logger:   logger,
		stages:   map[string][]crm.Stage{},
		cachedAt: map[string]time.Time{},
	}
}

// Apply computes the target stage for the outcome and moves the contact's
// opportunity there. CRM lookup or move failures are logged and swallowed:
// a missed stage move never affects delivery state, and the caller must
// not retry it indefinitely.
func (m *Mapper) Apply(ctx context.Context, contact *domain.Contact, outcome domain.Outcome) {
	if contact.CRMContactID == "" {
		return
	}

	if err := m.apply(ctx, contact, outcome); err != nil {
		m.logger.Warn("pipeline stage move skipped",
			zap.String("crm_contact_id", contact.CRMContactID),
			zap.String("outcome", string(outcome)),
			zap.Error(err))
	}
}

func (m *Mapper) apply(ctx context.Context, contact *domain.Contact, outcome domain.Outcome) error {
	opportunity, err := m.client.FindOpportunityForContact(ctx, contact.CRMContactID)
	if err != nil {
		return fmt.Errorf("find opportunity: %w", err)
	}

	stages, err := m.pipelineStages(ctx, opportunity.PipelineID)
	if err != nil {
		return fmt.Errorf("load pipeline stages: %w", err)
	}
	if len(stages) == 0 {
		return fmt.Errorf("%w: pipeline %s has no stages", apperrors.ErrNotFound, opportunity.PipelineID)
	}

	current := stageIndex(stages, opportunity.StageID)
	if current < 0 {
		return fmt.Errorf("%w: opportunity stage %s not in pipeline %s",
			apperrors.ErrNotFound, opportunity.StageID, opportunity.PipelineID)
	}

	target := targetIndex(stages, current, outcome)
	if target <= current {
		// Already at or past the target: duplicate or reordered event.
		return nil
	}

	if err := m.client.MoveOpportunity(ctx, opportunity.ID, stages[target].ID); err != nil {
		return fmt.Errorf("move opportunity: %w", err)
	}

	m.logger.Info("opportunity advanced",
		zap.String("opportunity_id", opportunity.ID),
		zap.String("from_stage", stages[current].Name),
		zap.String("to_stage", stages[target].Name),
		zap.String("outcome", string(outcome)))
	return nil
}

// targetIndex picks the stage the outcome should land the opportunity in.
// A preferred-named stage is the target whenever the pipeline has one, even
// when it sits at or behind the current stage: the caller's monotonicity
// check then skips the move, so a replayed or late-arriving event never
// advances the opportunity past the stage its outcome names. Only a
// pipeline with no matching named stage falls back to the positional
// advance, clamped to the last stage.
func targetIndex(stages []crm.Stage, current int, outcome domain.Outcome) int {
	for _, name := range preferredStageNames[outcome] {
		for i, stage := range stages {
			if strings.EqualFold(strings.TrimSpace(stage.Name), name) {
				return i
			}
		}
	}

	target := current + advanceSteps[outcome]
	if target >= len(stages) {
		target = len(stages) - 1
	}
	return target
}

func stageIndex(stages []crm.Stage, stageID string) int {
	for i, s := range stages {
		if s.ID == stageID {
			return i
		}
	}
	return -1
}

func (m *Mapper) pipelineStages(ctx context.Context, pipelineID string) ([]crm.Stage, error) {
	m.mu.Lock()
	cached, ok := m.stages[pipelineID]
	fresh := ok && time.Since(m.cachedAt[pipelineID]) < stageCacheTTL
	m.mu.Unlock()
	if fresh {
		return cached, nil
	}

	stages, err := m.client.GetPipelineStages(ctx, pipelineID)
	if err != nil {
		if ok {
			// Serve stale stages rather than skipping the move outright.
			return cached, nil
		}
		return nil, err
	}

	m.mu.Lock()
	m.stages[pipelineID] = stages
	m.cachedAt[pipelineID] = time.Now()
	m.mu.Unlock()
	return stages, nil
}
