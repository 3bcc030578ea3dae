// Package ratelimit holds one token bucket per cluster.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/policy-hub/coordinator/internal/apperror"
	"github.com/policy-hub/coordinator/internal/cache"
)

// Limiter rate limits requests per key. Idle buckets are evicted after IdleTTL,
// so a returning key starts with a full bucket.
type Limiter struct {
	limit   rate.Limit
	burst   int
	clock   clock.WithTicker
	buckets *cache.TTL[string, *rate.Limiter]
	log     logr.Logger
}

// Config contains configuration for the limiter.
type Config struct {
	// RequestsPerSecond of zero disables limiting
	RequestsPerSecond float64
	Burst             int
	IdleTTL           time.Duration
	// MaxKeys bounds the number of tracked buckets
	MaxKeys int
	Clock   clock.WithTicker
	Logger  logr.Logger
}

// New creates a limiter.
func New(cfg Config) (*Limiter, error) {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = 10000
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond)
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
	}

	log := cfg.Logger.WithName("ratelimit")
	buckets, err := cache.New[string, *rate.Limiter](cache.Config{
		Size:    cfg.MaxKeys,
		TTL:     cfg.IdleTTL,
		Sliding: true,
		Clock:   clk,
		Logger:  log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket cache: %w", err)
	}

	return &Limiter{
		limit:   rate.Limit(cfg.RequestsPerSecond),
		burst:   cfg.Burst,
		clock:   clk,
		buckets: buckets,
		log:     log,
	}, nil
}

// Enabled reports whether requests are limited at all.
func (l *Limiter) Enabled() bool {
	return l.limit > 0
}

// Allow consumes one token from key's bucket, returning RateLimited when it is empty.
func (l *Limiter) Allow(key string) error {
	if !l.Enabled() {
		return nil
	}
	b := l.buckets.GetOrAdd(key, func() *rate.Limiter {
		return rate.NewLimiter(l.limit, l.burst)
	})
	if !b.AllowN(l.clock.Now(), 1) {
		l.log.V(1).Info("Rate limit exceeded", "key", key)
		return apperror.RateLimited(key)
	}
	return nil
}

// Start runs the idle bucket sweeper.
func (l *Limiter) Start(ctx context.Context) error {
	return l.buckets.Start(ctx)
}

// Stop ends the idle bucket sweeper.
func (l *Limiter) Stop() {
	l.buckets.Stop()
}
