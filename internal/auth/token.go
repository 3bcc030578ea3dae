package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/policy-hub/coordinator/internal/apperror"
	"github.com/policy-hub/coordinator/internal/telemetry/storage"
)

const (
	// TokenPrefix marks opaque cluster tokens
	TokenPrefix = "phc_"
	// displayPrefixLen is how much of a token is kept in clear for listing and revocation
	displayPrefixLen = len(TokenPrefix) + 8
)

// TokenStore looks up and stores hashed tokens.
type TokenStore interface {
	TokenByHash(ctx context.Context, hash string) (*storage.Token, error)
	CreateToken(ctx context.Context, t *storage.Token) error
}

// TokenAuthenticator validates opaque cluster tokens against their stored hash.
type TokenAuthenticator struct {
	store TokenStore
	clock clock.PassiveClock
}

// NewTokenAuthenticator creates a token authenticator. A nil clock uses the real clock.
func NewTokenAuthenticator(store TokenStore, clk clock.PassiveClock) *TokenAuthenticator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &TokenAuthenticator{store: store, clock: clk}
}

// Authenticate resolves a "phc_" token.
func (a *TokenAuthenticator) Authenticate(ctx context.Context, bearer string) (*Credential, error) {
	if !strings.HasPrefix(bearer, TokenPrefix) {
		return nil, ErrUnsupportedToken
	}

	t, err := a.store.TokenByHash(ctx, HashToken(bearer))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperror.Authentication("invalid token")
	}
	if err != nil {
		return nil, apperror.Internal(fmt.Errorf("failed to look up token: %w", err))
	}

	now := a.clock.Now()
	if t.RevokedAt != nil {
		return nil, apperror.Authentication("token revoked")
	}
	if t.ExpiresAt != nil && !now.Before(*t.ExpiresAt) {
		return nil, apperror.Authentication("token expired")
	}

	cred := &Credential{
		ClusterID:      t.ClusterID,
		OrganizationID: t.OrganizationID,
		Scopes:         t.Scopes,
		Subject:        "token:" + t.Prefix,
	}
	if t.ExpiresAt != nil {
		cred.ExpiresAt = *t.ExpiresAt
	}
	return cred, nil
}

// HashToken returns the hex SHA-256 of a token secret.
func HashToken(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// GenerateToken returns a new random token secret.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return TokenPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// IssueRequest describes a token to create.
type IssueRequest struct {
	ClusterID      string
	OrganizationID string
	Scopes         []string
	Description    string
	// TTL of zero issues a token that never expires.
	TTL time.Duration
}

// IssueToken creates and stores a token, returning the secret. The secret is not
// recoverable afterwards.
func IssueToken(ctx context.Context, store TokenStore, req IssueRequest, now time.Time) (string, *storage.Token, error) {
	if req.OrganizationID == "" {
		return "", nil, fmt.Errorf("organization is required")
	}
	if len(req.Scopes) == 0 {
		return "", nil, fmt.Errorf("at least one scope is required")
	}
	for _, s := range req.Scopes {
		if !slices.Contains(KnownScopes, s) {
			return "", nil, fmt.Errorf("unknown scope %q", s)
		}
	}

	secret, err := GenerateToken()
	if err != nil {
		return "", nil, err
	}

	t := &storage.Token{
		ID:             uuid.NewString(),
		Prefix:         secret[:displayPrefixLen],
		Hash:           HashToken(secret),
		ClusterID:      req.ClusterID,
		OrganizationID: req.OrganizationID,
		Scopes:         req.Scopes,
		Description:    req.Description,
		CreatedAt:      now,
	}
	if req.TTL > 0 {
		exp := now.Add(req.TTL)
		t.ExpiresAt = &exp
	}

	if err := store.CreateToken(ctx, t); err != nil {
		return "", nil, err
	}
	return secret, t, nil
}
