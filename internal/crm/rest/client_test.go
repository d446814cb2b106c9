package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	apperrors "github.com/acme/lead-drip-engine/pkg/errors"
)

func TestGetPipelineStagesOrdersByPosition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/pipelines/p1" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		// Stages deliberately out of positional order.
		w.Write([]byte(`{"stages":[
			{"id":"s2","name":"Call Back","position":2},
			{"id":"s0","name":"New","position":0},
			{"id":"s1","name":"Voicemail Received","position":1}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "test"})
	stages, err := c.GetPipelineStages(context.Background(), "p1")
	if err != nil {
		t.Fatalf("get stages: %v", err)
	}

	want := []string{"s0", "s1", "s2"}
	if len(stages) != len(want) {
		t.Fatalf("got %d stages, want %d", len(stages), len(want))
	}
	for i, id := range want {
		if stages[i].ID != id {
			t.Fatalf("stage %d = %s, want %s", i, stages[i].ID, id)
		}
	}
}

func TestMissingOpportunityIsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"opportunities":[]}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "test"})
	if _, err := c.FindOpportunityForContact(context.Background(), "crm-1"); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}
