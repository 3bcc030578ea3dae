// Package auth resolves bearer credentials into the (cluster, organization, scopes)
// triple every coordinator operation is authorized against.
package auth

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/policy-hub/coordinator/internal/apperror"
)

// Scopes granted to credentials.
const (
	ScopeSimulationRead  = "simulation:read"
	ScopeSimulationWrite = "simulation:write"
	ScopeTelemetryWrite  = "telemetry:write"
)

// KnownScopes lists every scope a token can carry.
var KnownScopes = []string{ScopeSimulationRead, ScopeSimulationWrite, ScopeTelemetryWrite}

// ErrUnsupportedToken is returned by an Authenticator that does not handle the bearer's format.
var ErrUnsupportedToken = errors.New("unsupported token format")

// Credential is an authenticated caller.
type Credential struct {
	// ClusterID is set for cluster-bound credentials, empty for organization credentials.
	ClusterID      string
	OrganizationID string
	Scopes         []string
	Subject        string
	// ExpiresAt is zero when the credential does not expire.
	ExpiresAt time.Time
}

// HasScope reports whether the credential carries scope.
func (c *Credential) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// ClusterBound reports whether the credential belongs to a single cluster.
func (c *Credential) ClusterBound() bool {
	return c.ClusterID != ""
}

// Authenticator resolves a bearer token.
type Authenticator interface {
	Authenticate(ctx context.Context, bearer string) (*Credential, error)
}

// Authorize returns an AuthorizationError unless cred carries scope.
func Authorize(cred *Credential, scope string) error {
	if cred == nil {
		return apperror.Authentication("missing credential")
	}
	if !cred.HasScope(scope) {
		return apperror.Authorization(scope)
	}
	return nil
}

// RequireCluster returns the cluster of a cluster-bound credential.
func RequireCluster(cred *Credential) (string, error) {
	if cred == nil {
		return "", apperror.Authentication("missing credential")
	}
	if !cred.ClusterBound() {
		return "", apperror.ClusterCredentialRequired()
	}
	return cred.ClusterID, nil
}

// BearerToken extracts the token of an "Authorization: Bearer <token>" header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", apperror.Authentication("missing bearer token")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", apperror.Authentication("malformed authorization header")
	}
	return strings.TrimSpace(token), nil
}

// Chain tries each authenticator in order, skipping those that do not handle the format.
type Chain struct {
	authenticators []Authenticator
	log            logr.Logger
}

// NewChain creates a chain over authenticators.
func NewChain(log logr.Logger, authenticators ...Authenticator) *Chain {
	return &Chain{authenticators: authenticators, log: log.WithName("auth")}
}

// Authenticate returns the first definitive answer from the chain.
func (c *Chain) Authenticate(ctx context.Context, bearer string) (*Credential, error) {
	for _, a := range c.authenticators {
		cred, err := a.Authenticate(ctx, bearer)
		if errors.Is(err, ErrUnsupportedToken) {
			continue
		}
		if err != nil && !apperror.IsKind(err, apperror.KindAuthentication) {
			c.log.Error(err, "Authenticator failed")
		}
		return cred, err
	}
	return nil, apperror.Authentication("unrecognized credential")
}

// Resolve authenticates bearer with a. A format no authenticator handles is an
// authentication failure.
func Resolve(ctx context.Context, a Authenticator, bearer string) (*Credential, error) {
	cred, err := a.Authenticate(ctx, bearer)
	if errors.Is(err, ErrUnsupportedToken) {
		return nil, apperror.Authentication("unrecognized credential")
	}
	return cred, err
}

type credentialKey struct{}

// WithCredential returns a context carrying cred.
func WithCredential(ctx context.Context, cred *Credential) context.Context {
	return context.WithValue(ctx, credentialKey{}, cred)
}

// FromContext returns the credential stored by WithCredential.
func FromContext(ctx context.Context) (*Credential, bool) {
	cred, ok := ctx.Value(credentialKey{}).(*Credential)
	return cred, ok && cred != nil
}
