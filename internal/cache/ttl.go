// Package cache provides a size-bounded LRU whose entries expire on an injected clock.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/utils/clock"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is an LRU cache with per-entry expiry. With Sliding set, every hit extends the entry.
type TTL[K comparable, V any] struct {
	lru     *lru.Cache[K, entry[V]]
	ttl     time.Duration
	sliding bool
	clock   clock.WithTicker
	log     logr.Logger

	// mu serializes compound operations; the LRU itself is already safe for concurrent use.
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// Config contains configuration for a TTL cache.
type Config struct {
	// Size is the maximum number of entries
	Size int
	// TTL is the entry lifetime
	TTL time.Duration
	// Sliding refreshes the lifetime on every hit
	Sliding bool
	Clock   clock.WithTicker
	Logger  logr.Logger
}

// New creates a TTL cache.
func New[K comparable, V any](cfg Config) (*TTL[K, V], error) {
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("cache TTL must be positive")
	}
	l, err := lru.New[K, entry[V]](cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU: %w", err)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &TTL[K, V]{
		lru:     l,
		ttl:     cfg.TTL,
		sliding: cfg.Sliding,
		clock:   clk,
		log:     cfg.Logger,
	}, nil
}

// Get returns the live value for key.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *TTL[K, V]) getLocked(key K) (V, bool) {
	var zero V
	e, ok := c.lru.Get(key)
	if !ok {
		return zero, false
	}

	now := c.clock.Now()
	if !now.Before(e.expiresAt) {
		c.lru.Remove(key)
		return zero, false
	}
	if c.sliding {
		e.expiresAt = now.Add(c.ttl)
		c.lru.Add(key, e)
	}
	return e.value, true
}

// Add stores value under key for one TTL.
func (c *TTL[K, V]) Add(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, entry[V]{value: value, expiresAt: c.clock.Now().Add(c.ttl)})
}

// GetOrAdd returns the live value for key, storing create() first when there is none.
func (c *TTL[K, V]) GetOrAdd(key K, create func() V) V {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.getLocked(key); ok {
		return v
	}
	v := create()
	c.lru.Add(key, entry[V]{value: v, expiresAt: c.clock.Now().Add(c.ttl)})
	return v
}

// Remove drops key.
func (c *TTL[K, V]) Remove(key K) {
	c.lru.Remove(key)
}

// Len returns the number of entries, expired or not.
func (c *TTL[K, V]) Len() int {
	return c.lru.Len()
}

// Sweep removes every expired entry and returns how many were dropped.
func (c *TTL[K, V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if ok && !now.Before(e.expiresAt) {
			c.lru.Remove(key)
			removed++
		}
	}
	return removed
}

// Start sweeps expired entries once per TTL until Stop or ctx is done.
func (c *TTL[K, V]) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.mu.Unlock()

	go func() {
		ticker := c.clock.NewTicker(c.ttl)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				if n := c.Sweep(); n > 0 {
					c.log.V(1).Info("Swept expired cache entries", "count", n)
				}
			}
		}
	}()
	return nil
}

// Stop ends the sweeper.
func (c *TTL[K, V]) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	c.running = false
}
