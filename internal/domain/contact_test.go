package domain

import (
	"errors"
	"testing"

	apperrors "github.com/acme/lead-drip-engine/pkg/errors"
)

func TestNextStateHappyPath(t *testing.T) {
	steps := []struct {
		from  ContactState
		event ContactEvent
		want  ContactState
	}{
		{ContactStatePending, EventReserve, ContactStateScheduled},
		{ContactStateScheduled, EventSent, ContactStateSent},
		{ContactStateSent, EventDelivered, ContactStateDelivered},
	}

	for _, step := range steps {
		got, changed, err := NextState(step.from, step.event)
		if err != nil {
			t.Fatalf("NextState(%s, %s): unexpected error %v", step.from, step.event, err)
		}
		if !changed || got != step.want {
			t.Fatalf("NextState(%s, %s) = %s changed=%v, want %s", step.from, step.event, got, changed, step.want)
		}
	}
}

func TestNextStateRejectsBackwardMoves(t *testing.T) {
	cases := []struct {
		from  ContactState
		event ContactEvent
	}{
		{ContactStateDelivered, EventReserve},
		{ContactStateSent, EventReserve},
		{ContactStateFailed, EventSent},
		{ContactStatePending, EventDelivered},
	}

	for _, tc := range cases {
		_, changed, err := NextState(tc.from, tc.event)
		if changed {
			t.Fatalf("NextState(%s, %s): expected no state change", tc.from, tc.event)
		}
		if err == nil {
			t.Fatalf("NextState(%s, %s): expected invalid transition error", tc.from, tc.event)
		}
		if !errors.Is(err, apperrors.ErrInvalidTransition) {
			t.Fatalf("NextState(%s, %s): error %v is not ErrInvalidTransition", tc.from, tc.event, err)
		}
	}
}

func TestNextStateIdempotentReplay(t *testing.T) {
	// Providers retry delivery notifications; a replayed outcome must be a
	// silent no-op, not an error.
	got, changed, err := NextState(ContactStateDelivered, EventDelivered)
	if err != nil {
		t.Fatalf("replayed delivered: unexpected error %v", err)
	}
	if changed || got != ContactStateDelivered {
		t.Fatalf("replayed delivered: got %s changed=%v", got, changed)
	}
}

func TestNextStateTerminalAbsorbsLateOutcome(t *testing.T) {
	// Whichever of a racing reservation/webhook lands second on a terminal
	// contact becomes a no-op.
	cases := []struct {
		from  ContactState
		event ContactEvent
	}{
		{ContactStateDelivered, EventFailed},
		{ContactStateFailed, EventDelivered},
		{ContactStateCancelled, EventDelivered},
		{ContactStateDelivered, EventCancel},
	}

	for _, tc := range cases {
		got, changed, err := NextState(tc.from, tc.event)
		if err != nil {
			t.Fatalf("NextState(%s, %s): unexpected error %v", tc.from, tc.event, err)
		}
		if changed || got != tc.from {
			t.Fatalf("NextState(%s, %s): expected terminal no-op, got %s changed=%v", tc.from, tc.event, got, changed)
		}
	}
}

func TestCanRecordCallback(t *testing.T) {
	allowed := []ContactState{ContactStateSent, ContactStateDelivered, ContactStateFailed}
	for _, s := range allowed {
		if !CanRecordCallback(s) {
			t.Fatalf("expected callback to be recordable in state %s", s)
		}
	}

	denied := []ContactState{ContactStatePending, ContactStateScheduled, ContactStateCancelled}
	for _, s := range denied {
		if CanRecordCallback(s) {
			t.Fatalf("expected callback to be rejected in state %s", s)
		}
	}
}
