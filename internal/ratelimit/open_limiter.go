package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/muneebkhan4/tapflow/internal/config"
	redis "github.com/redis/go-redis/v9"
)

const (
	keyOpenDispenser = "session:open:dispenser:%s"
	keyOpenEndpoint  = "session:open:endpoint"
	keySweepLock     = "session:sweep:lock"

	sweepLockTTL = 5 * time.Minute
)

// OpenLimiter throttles the session-open endpoint. A per-dispenser bucket
// stops a flapping client from hammering one tap, an endpoint-wide bucket
// protects the store.
type OpenLimiter struct {
	enabled bool

	bucket *TokenBucket
	locker *Locker

	dispenserRate  float64
	dispenserBurst int
	endpointRate   float64
	endpointBurst  int
}

func NewOpenLimiter(cfg config.Config) (*OpenLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.OpenDispenserRate <= 0 || limitCfg.OpenDispenserBurst <= 0 {
		return nil, errors.New("open dispenser rate limit must be positive")
	}
	if limitCfg.OpenEndpointRate <= 0 || limitCfg.OpenEndpointBurst <= 0 {
		return nil, errors.New("open endpoint rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})

	return &OpenLimiter{
		enabled:        true,
		bucket:         NewTokenBucket(client),
		locker:         NewLocker(client),
		dispenserRate:  limitCfg.OpenDispenserRate,
		dispenserBurst: limitCfg.OpenDispenserBurst,
		endpointRate:   limitCfg.OpenEndpointRate,
		endpointBurst:  limitCfg.OpenEndpointBurst,
	}, nil
}

func (l *OpenLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *OpenLimiter) AllowDispenser(ctx context.Context, dispenserID string) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	res, err := l.bucket.Allow(ctx, fmt.Sprintf(keyOpenDispenser, strings.TrimSpace(dispenserID)), l.dispenserRate, l.dispenserBurst)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (l *OpenLimiter) AllowEndpoint(ctx context.Context) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	res, err := l.bucket.Allow(ctx, keyOpenEndpoint, l.endpointRate, l.endpointBurst)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

// TryLockSweep claims the recovery sweep across replicas so only one
// instance finalizes stale sessions at a time.
func (l *OpenLimiter) TryLockSweep(ctx context.Context) (string, bool, error) {
	if !l.Enabled() {
		return "", true, nil
	}
	return l.locker.TryLock(ctx, keySweepLock, sweepLockTTL)
}

func (l *OpenLimiter) ReleaseSweep(ctx context.Context, token string) error {
	if !l.Enabled() {
		return nil
	}
	return l.locker.Release(ctx, keySweepLock, token)
}
