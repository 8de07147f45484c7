package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/referralpool/internal/config"
	"go.uber.org/zap"
)

const keyAdminActor = "admin:mutations:%s"

// AdminLimiter throttles admin mutations per actor. A nil limiter allows
// everything.
type AdminLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewAdminLimiter(cfg config.Config, client *redis.Client, log *zap.Logger) *AdminLimiter {
	limitCfg := cfg.AdminRateLimit
	if !limitCfg.Enabled {
		return nil
	}
	if client == nil {
		log.Warn("admin rate limit enabled without redis; limiter disabled")
		return nil
	}
	if limitCfg.Rate <= 0 || limitCfg.Burst <= 0 {
		log.Warn("admin rate limit must be positive; limiter disabled",
			zap.Float64("rate", limitCfg.Rate),
			zap.Int("burst", limitCfg.Burst),
		)
		return nil
	}
	return &AdminLimiter{
		bucket: NewTokenBucket(client),
		rate:   limitCfg.Rate,
		burst:  limitCfg.Burst,
	}
}

func (l *AdminLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *AdminLimiter) Allow(ctx context.Context, actorID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyAdminActor, strings.TrimSpace(actorID)), l.rate, l.burst)
}
