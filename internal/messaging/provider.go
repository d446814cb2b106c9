package messaging

import (
	"context"
	"errors"

	"github.com/acme/lead-drip-engine/internal/queue"
)

// ErrRateLimited signals the provider refused the send because the
// account hit its rate limit. The campaign backs off until the next
// eligible window; it is not a contact-level failure and does not
// consume a send attempt.
var ErrRateLimited = errors.New("provider rate limit exceeded")

// Result captures the outcome of a send attempt.
type Result struct {
	ProviderMessageID string
	Error             string
}

// Provider abstracts the voicedrop/SMS delivery integration. Send is
// bounded by the caller's context; timeouts, network errors and provider
// rejections all count against the contact's retry budget.
type Provider interface {
	Send(ctx context.Context, msg queue.DispatchMessage) (Result, error)
}
