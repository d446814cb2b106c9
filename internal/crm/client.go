package crm

import (
	"context"
)

// Stage is one step of a CRM sales pipeline. Stages are ordered; Position
// is zero-based and increases toward closing.
type Stage struct {
	ID       string
	Name     string
	Position int
}

// Opportunity is a deal attached to a contact within a pipeline.
type Opportunity struct {
	ID         string
	ContactID  string
	PipelineID string
	StageID    string
}

// Client is the slice of the CRM API the orchestrator needs: resolving
// a contact's opportunity and walking it along the pipeline.
type Client interface {
	// FindOpportunityForContact returns the contact's opportunity in the
	// configured pipeline, or ErrNotFound when the contact has none.
	FindOpportunityForContact(ctx context.Context, crmContactID string) (*Opportunity, error)

	// GetPipelineStages returns the ordered stages of a pipeline.
	GetPipelineStages(ctx context.Context, pipelineID string) ([]Stage, error)

	// MoveOpportunity places the opportunity into the given stage.
	MoveOpportunity(ctx context.Context, opportunityID, stageID string) error
}
