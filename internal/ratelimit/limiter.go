package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"claimcare/internal/config"
	"claimcare/internal/redis"
)

// Limiter throttles analyze requests per client IP with redis-backed
// sliding windows: a short burst window and a daily window, both of which
// must pass. Redis trouble fails open; the limiter bounds cost exposure,
// it does not guard correctness.
type Limiter struct {
	client  *redis.Client
	windows []window
	log     *logrus.Logger
}

type window struct {
	prefix string
	limit  int
	span   time.Duration
}

// New builds the limiter from config.
func New(client *redis.Client, cfg config.RateLimitConfig, log *logrus.Logger) *Limiter {
	return &Limiter{
		client: client,
		windows: []window{
			{prefix: "rl_min:", limit: cfg.BurstLimit, span: time.Duration(cfg.BurstWindowMinutes) * time.Minute},
			{prefix: "rl_day:", limit: cfg.DailyLimit, span: time.Duration(cfg.DailyWindowHours) * time.Hour},
		},
		log: log,
	}
}

// Allow records one request for ip and reports whether it is within both
// windows.
func (l *Limiter) Allow(ctx context.Context, ip string) bool {
	if l == nil || l.client == nil || ip == "" {
		return true
	}
	allowed := true
	for _, w := range l.windows {
		ok, err := l.check(ctx, w, ip)
		if err != nil {
			if l.log != nil {
				l.log.WithError(err).WithField("window", w.prefix).Warn("rate limit check failed, allowing")
			}
			continue
		}
		if !ok {
			allowed = false
		}
	}
	return allowed
}

func (l *Limiter) check(ctx context.Context, w window, ip string) (bool, error) {
	rdb := l.client.Raw()
	if rdb == nil {
		return true, nil
	}
	key := w.prefix + ip
	now := time.Now()
	cutoff := now.Add(-w.span).UnixNano()

	pipe := rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff, 10))
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, fmt.Errorf("count window %s: %w", key, err)
	}
	if card.Val() >= int64(w.limit) {
		return false, nil
	}

	member := strconv.FormatInt(now.UnixNano(), 10)
	add := rdb.TxPipeline()
	add.ZAdd(ctx, key, goredis.Z{Score: float64(now.UnixNano()), Member: member})
	add.Expire(ctx, key, w.span)
	if _, err := add.Exec(ctx); err != nil {
		return true, fmt.Errorf("record window %s: %w", key, err)
	}
	return true, nil
}
