package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/acme/lead-drip-engine/internal/domain"
)

// Limiter enforces per-campaign send pacing in Redis: a trailing
// 60-minute cap, a campaign-local calendar-day cap, and a minimum gap
// between consecutive sends. Check and record happen in one Lua script
// so concurrent schedulers cannot overshoot a cap between read and write.
type Limiter struct {
	client *redis.Client
}

// NewLimiter constructs a rate limiter.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

var reserveScript = redis.NewScript(`
local zkey = KEYS[1]
local dkey = KEYS[2]
local now = tonumber(ARGV[1])
local hourly = tonumber(ARGV[2])
local daily = tonumber(ARGV[3])
local gap = tonumber(ARGV[4])
local member = ARGV[5]
redis.call('ZREMRANGEBYSCORE', zkey, 0, now - 3600000)
if hourly > 0 and redis.call('ZCARD', zkey) >= hourly then
  return 0
end
if daily > 0 then
  local d = tonumber(redis.call('GET', dkey) or '0')
  if d >= daily then
    return 0
  end
end
if gap > 0 then
  local last = redis.call('ZRANGE', zkey, -1, -1, 'WITHSCORES')
  if #last == 2 and now - tonumber(last[2]) < gap then
    return 0
  end
end
redis.call('ZADD', zkey, now, member)
redis.call('PEXPIRE', zkey, 3600000)
redis.call('INCR', dkey)
redis.call('EXPIRE', dkey, 172800)
return 1
`)

var releaseScript = redis.NewScript(`
local zkey = KEYS[1]
local dkey = KEYS[2]
local member = ARGV[1]
local removed = redis.call('ZREM', zkey, member)
if removed == 1 then
  local d = tonumber(redis.call('GET', dkey) or '0')
  if d > 0 then
    redis.call('DECR', dkey)
  end
end
return removed
`)

// Reserve attempts to claim one send slot for the campaign at the given
// instant. On success it returns an opaque token identifying the slot,
// which Release uses to undo exactly this reservation. It returns false
// when any cap or the inter-message gap would be violated; nothing is
// recorded in that case.
func (l *Limiter) Reserve(ctx context.Context, campaignID uuid.UUID, limits domain.Limits, localDay string, now time.Time) (string, bool, error) {
	zkey := l.hourKey(campaignID)
	dkey := l.dayKey(campaignID, localDay)
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()[:8])

	res, err := reserveScript.Run(ctx, l.client, []string{zkey, dkey},
		now.UnixMilli(),
		limits.MaxPerHour,
		limits.DailyLimit,
		limits.InterMessageDelay.Milliseconds(),
		member,
	).Int()
	if err != nil {
		return "", false, fmt.Errorf("ratelimit reserve: %w", err)
	}
	if res != 1 {
		return "", false, nil
	}
	return member, true, nil
}

// Release returns the identified reservation, used when a reserved
// contact could not actually be dispatched. Releasing a slot twice, or a
// slot another reservation holds, is a no-op; the day counter never goes
// below zero even if it rolled over since the reserve.
func (l *Limiter) Release(ctx context.Context, campaignID uuid.UUID, localDay, token string) error {
	err := releaseScript.Run(ctx, l.client,
		[]string{l.hourKey(campaignID), l.dayKey(campaignID, localDay)}, token).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("ratelimit release: %w", err)
	}
	return nil
}

// Freeze drops the live counters for a campaign, used on cancellation.
func (l *Limiter) Freeze(ctx context.Context, campaignID uuid.UUID, localDay string) error {
	if err := l.client.Del(ctx, l.hourKey(campaignID), l.dayKey(campaignID, localDay)).Err(); err != nil {
		return fmt.Errorf("ratelimit freeze: %w", err)
	}
	return nil
}

func (l *Limiter) hourKey(campaignID uuid.UUID) string {
	return fmt.Sprintf("drip:campaign:%s:sends", campaignID.String())
}

func (l *Limiter) dayKey(campaignID uuid.UUID, localDay string) string {
	return fmt.Sprintf("drip:campaign:%s:day:%s", campaignID.String(), localDay)
}
