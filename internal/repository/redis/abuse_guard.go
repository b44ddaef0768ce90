package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"verify-service/internal/client"
	"verify-service/internal/config"
	"verify-service/internal/util"
)

const (
	phoneWindowPrefix = "abuse:phone:"
	ipWindowPrefix    = "abuse:ip:"
)

// slidingWindowScript records the attempt and returns the window count.
// The attempt is always added, even when over the limit, so a flood of
// rejected initiations keeps the window saturated instead of draining it.
const slidingWindowScript = `
    local key = KEYS[1]
    local now = tonumber(ARGV[1])
    local window_start = tonumber(ARGV[2])
    local member = ARGV[3]
    local window_seconds = tonumber(ARGV[4])

    redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
    redis.call('ZADD', key, now, member)
    redis.call('EXPIRE', key, window_seconds)
    return redis.call('ZCARD', key)
`

// AbuseGuard throttles verification initiations with sliding windows in
// Redis, keyed independently by phone number and by source IP.
type AbuseGuard struct {
	client      *client.RedisClient
	phoneLimit  int
	phoneWindow time.Duration
	ipLimit     int
	ipWindow    time.Duration
}

func NewAbuseGuard(client *client.RedisClient, cfg *config.Config) *AbuseGuard {
	return &AbuseGuard{
		client:      client,
		phoneLimit:  cfg.RateLimit.PhoneLimit,
		phoneWindow: cfg.RateLimit.PhoneWindow,
		ipLimit:     cfg.RateLimit.IPLimit,
		ipWindow:    cfg.RateLimit.IPWindow,
	}
}

// AllowInitiate counts the attempt against both windows and reports
// whether it is within limits. Either window tripping denies the attempt.
func (g *AbuseGuard) AllowInitiate(ctx context.Context, phoneNumber, sourceIP string) (bool, error) {
	phoneCount, err := g.record(ctx, phoneWindowPrefix+util.PhoneHash(phoneNumber), g.phoneWindow)
	if err != nil {
		return false, err
	}

	ipCount := 0
	if sourceIP != "" {
		ipCount, err = g.record(ctx, ipWindowPrefix+sourceIP, g.ipWindow)
		if err != nil {
			return false, err
		}
	}

	allowed := phoneCount <= g.phoneLimit && ipCount <= g.ipLimit
	if !allowed {
		util.Warn("Initiation throttled",
			zap.Int("phone_window_count", phoneCount),
			zap.Int("ip_window_count", ipCount))
	}

	return allowed, nil
}

func (g *AbuseGuard) record(ctx context.Context, key string, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := time.Now().UnixMilli()
	windowStart := now - window.Milliseconds()

	result, err := g.client.Eval(ctx, slidingWindowScript, []string{key},
		now, windowStart, uuid.NewString(), int(window.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("failed to record abuse window attempt: %w", err)
	}

	count, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected result from abuse window script")
	}
	return int(count), nil
}
