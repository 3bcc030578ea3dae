package auth

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/policy-hub/coordinator/internal/cache"
)

// CachedAuthenticator remembers successful authentications for a short TTL. A revoked
// token stays usable until its cache entry expires.
type CachedAuthenticator struct {
	next  Authenticator
	cache *cache.TTL[[sha256.Size]byte, *Credential]
	clock clock.PassiveClock
}

// CacheConfig contains configuration for the credential cache.
type CacheConfig struct {
	Size   int
	TTL    time.Duration
	Clock  clock.WithTicker
	Logger logr.Logger
}

// NewCachedAuthenticator wraps next with a credential cache.
func NewCachedAuthenticator(next Authenticator, cfg CacheConfig) (*CachedAuthenticator, error) {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	c, err := cache.New[[sha256.Size]byte, *Credential](cache.Config{
		Size:   cfg.Size,
		TTL:    cfg.TTL,
		Clock:  clk,
		Logger: cfg.Logger.WithName("credential-cache"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create credential cache: %w", err)
	}
	return &CachedAuthenticator{next: next, cache: c, clock: clk}, nil
}

// Authenticate serves from the cache and falls through to the wrapped authenticator.
// The bearer itself is never used as a key, only its digest.
func (a *CachedAuthenticator) Authenticate(ctx context.Context, bearer string) (*Credential, error) {
	key := sha256.Sum256([]byte(bearer))

	if cred, ok := a.cache.Get(key); ok {
		if cred.ExpiresAt.IsZero() || a.clock.Now().Before(cred.ExpiresAt) {
			return cred, nil
		}
		a.cache.Remove(key)
	}

	cred, err := a.next.Authenticate(ctx, bearer)
	if err != nil {
		return nil, err
	}
	a.cache.Add(key, cred)
	return cred, nil
}

// Start runs the cache sweeper.
func (a *CachedAuthenticator) Start(ctx context.Context) error {
	return a.cache.Start(ctx)
}

// Stop ends the cache sweeper.
func (a *CachedAuthenticator) Stop() {
	a.cache.Stop()
}

// Len returns the number of cached credentials.
func (a *CachedAuthenticator) Len() int {
	return a.cache.Len()
}
