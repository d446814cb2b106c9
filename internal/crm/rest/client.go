package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/acme/lead-drip-engine/internal/crm"
	apperrors "github.com/acme/lead-drip-engine/pkg/errors"
)

// Config carries CRM API connection settings.
type Config struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
}

// Client talks to the CRM's REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a CRM REST client.
func NewClient(config Config) *Client {
	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    config.BaseURL,
		apiKey:     config.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SetHTTPClient swaps the underlying HTTP client, useful for testing.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

type opportunityPayload struct {
	ID         string `json:"id"`
	ContactID  string `json:"contact_id"`
	PipelineID string `json:"pipeline_id"`
	StageID    string `json:"pipeline_stage_id"`
}

type opportunitySearchResponse struct {
	Opportunities []opportunityPayload `json:"opportunities"`
}

type pipelineResponse struct {
	Stages []struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Position int    `json:"position"`
	} `json:"stages"`
}

// FindOpportunityForContact looks up the contact's opportunity.
func (c *Client) FindOpportunityForContact(ctx context.Context, crmContactID string) (*crm.Opportunity, error) {
	endpoint := "/v1/opportunities/search?contact_id=" + url.QueryEscape(crmContactID)
	body, err := c.doRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var resp opportunitySearchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("crm: decode opportunity search: %w", err)
	}
	if len(resp.Opportunities) == 0 {
		return nil, fmt.Errorf("%w: no opportunity for contact %s", apperrors.ErrNotFound, crmContactID)
	}

	opp := resp.Opportunities[0]
	return &crm.Opportunity{
		ID:         opp.ID,
		ContactID:  opp.ContactID,
		PipelineID: opp.PipelineID,
		StageID:    opp.StageID,
	}, nil
}

// GetPipelineStages returns a pipeline's stages ordered by position. The
// API does not guarantee response order and stage advancement is defined
// over the positional order.
func (c *Client) GetPipelineStages(ctx context.Context, pipelineID string) ([]crm.Stage, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/v1/pipelines/"+url.PathEscape(pipelineID), nil)
	if err != nil {
		return nil, err
	}

	var resp pipelineResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("crm: decode pipeline: %w", err)
	}

	stages := make([]crm.Stage, 0, len(resp.Stages))
	for _, s := range resp.Stages {
		stages = append(stages, crm.Stage{ID: s.ID, Name: s.Name, Position: s.Position})
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i].Position < stages[j].Position })
	return stages, nil
}

// MoveOpportunity updates the opportunity's pipeline stage.
func (c *Client) MoveOpportunity(ctx context.Context, opportunityID, stageID string) error {
	payload := map[string]string{"pipeline_stage_id": stageID}
	_, err := c.doRequest(ctx, http.MethodPut, "/v1/opportunities/"+url.PathEscape(opportunityID), payload)
	return err
}

func (c *Client) doRequest(ctx context.Context, method, endpoint string, body any) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("crm: marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("crm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: crm request failed: %v", apperrors.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("crm: read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: crm resource missing (%s %s)", apperrors.ErrNotFound, method, endpoint)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("crm: api error (status %d): %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}
