package mock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/acme/lead-drip-engine/internal/messaging"
	"github.com/acme/lead-drip-engine/internal/queue"
)

// Provider simulates a voicedrop/SMS gateway for local development.
type Provider struct {
	successRate float64
	maxDelay    time.Duration
	rng         *rand.Rand
}

// NewProvider constructs a mock provider.
func NewProvider() *Provider {
	return &Provider{
		successRate: 0.85,
		maxDelay:    400 * time.Millisecond,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Send simulates a delivery attempt with a short network-ish delay.
func (p *Provider) Send(ctx context.Context, msg queue.DispatchMessage) (messaging.Result, error) {
	var delay time.Duration
	if p.maxDelay > 0 {
		delay = 50*time.Millisecond + time.Duration(p.rng.Int63n(int64(p.maxDelay)))
	}

	if delay > 0 {
		select {
		case <-ctx.Done():
			return messaging.Result{Error: ctx.Err().Error()}, ctx.Err()
		case <-time.After(delay):
		}
	}

	if p.rng.Float64() <= p.successRate {
		id := fmt.Sprintf("mock-%s-%s", msg.Channel, uuid.NewString())
		return messaging.Result{ProviderMessageID: id}, nil
	}

	if p.rng.Float64() < 0.1 {
		return messaging.Result{Error: messaging.ErrRateLimited.Error()}, messaging.ErrRateLimited
	}

	err := errors.New("simulated gateway failure")
	return messaging.Result{Error: err.Error()}, err
}
