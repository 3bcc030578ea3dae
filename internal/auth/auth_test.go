package auth

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/golang-jwt/jwt/v5"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/policy-hub/coordinator/internal/apperror"
	"github.com/policy-hub/coordinator/internal/telemetry/storage"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func setupTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.NewStore(storage.StoreConfig{
		DBPath: filepath.Join(t.TempDir(), "auth.db"),
		Logger: logr.Discard(),
	})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestTokenAuthenticator(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	fc := testingclock.NewFakeClock(testNow)
	a := NewTokenAuthenticator(store, fc)

	secret, tok, err := IssueToken(ctx, store, IssueRequest{
		ClusterID:      "c1",
		OrganizationID: "org1",
		Scopes:         []string{ScopeSimulationRead, ScopeTelemetryWrite},
		TTL:            time.Hour,
	}, testNow)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if !strings.HasPrefix(secret, TokenPrefix) || !strings.HasPrefix(secret, tok.Prefix) {
		t.Fatalf("secret %q does not start with prefix %q", secret, tok.Prefix)
	}
	if tok.Hash == secret || tok.Hash != HashToken(secret) {
		t.Error("stored hash is not the SHA-256 of the secret")
	}

	cred, err := a.Authenticate(ctx, secret)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if cred.ClusterID != "c1" || cred.OrganizationID != "org1" {
		t.Errorf("credential = %+v", cred)
	}
	if !cred.HasScope(ScopeTelemetryWrite) || cred.HasScope(ScopeSimulationWrite) {
		t.Errorf("scopes = %v", cred.Scopes)
	}

	if _, err := a.Authenticate(ctx, TokenPrefix+"unknown"); !apperror.IsKind(err, apperror.KindAuthentication) {
		t.Errorf("unknown token error = %v, want AuthenticationError", err)
	}
	if _, err := a.Authenticate(ctx, "not-a-token"); !errors.Is(err, ErrUnsupportedToken) {
		t.Errorf("foreign format error = %v, want ErrUnsupportedToken", err)
	}

	fc.Step(time.Hour)
	if _, err := a.Authenticate(ctx, secret); !apperror.IsKind(err, apperror.KindAuthentication) {
		t.Errorf("expired token error = %v, want AuthenticationError", err)
	}
}

func TestTokenAuthenticator_Revoked(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	a := NewTokenAuthenticator(store, testingclock.NewFakeClock(testNow))

	secret, tok, err := IssueToken(ctx, store, IssueRequest{OrganizationID: "org1", Scopes: []string{ScopeSimulationRead}}, testNow)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if err := store.RevokeToken(ctx, tok.Prefix, testNow); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}

	_, err = a.Authenticate(ctx, secret)
	if !apperror.IsKind(err, apperror.KindAuthentication) {
		t.Errorf("Authenticate() error = %v, want AuthenticationError", err)
	}
}

func TestIssueToken_Invalid(t *testing.T) {
	store := setupTestStore(t)
	tests := []IssueRequest{
		{Scopes: []string{ScopeSimulationRead}},
		{OrganizationID: "org1"},
		{OrganizationID: "org1", Scopes: []string{"admin"}},
	}
	for _, req := range tests {
		if _, _, err := IssueToken(context.Background(), store, req, testNow); err == nil {
			t.Errorf("IssueToken(%+v) expected error", req)
		}
	}
}

func TestJWTAuthenticator(t *testing.T) {
	fc := testingclock.NewFakeClock(testNow)
	a, err := NewJWTAuthenticator("s3cret", "policy-hub", fc)
	if err != nil {
		t.Fatalf("NewJWTAuthenticator() error = %v", err)
	}

	sign := func(c Claims) string {
		t.Helper()
		s, err := a.Sign(c)
		if err != nil {
			t.Fatalf("Sign() error = %v", err)
		}
		return s
	}
	exp := jwt.NewNumericDate(testNow.Add(time.Hour))

	tests := []struct {
		name    string
		token   string
		wantErr bool
		wantOrg string
	}{
		{
			name:    "valid organization token",
			token:   sign(Claims{Organization: "org1", Scopes: []string{ScopeSimulationWrite}, RegisteredClaims: jwt.RegisteredClaims{Subject: "alice", ExpiresAt: exp}}),
			wantOrg: "org1",
		},
		{
			name:    "missing exp",
			token:   sign(Claims{Organization: "org1"}),
			wantErr: true,
		},
		{
			name:    "missing org",
			token:   sign(Claims{RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: exp}}),
			wantErr: true,
		},
		{
			name:    "wrong issuer",
			token:   sign(Claims{Organization: "org1", RegisteredClaims: jwt.RegisteredClaims{Issuer: "other", ExpiresAt: exp}}),
			wantErr: true,
		},
		{
			name:    "tampered",
			token:   sign(Claims{Organization: "org1", RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: exp}}) + "x",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cred, err := a.Authenticate(context.Background(), tt.token)
			if tt.wantErr {
				if !apperror.IsKind(err, apperror.KindAuthentication) {
					t.Errorf("Authenticate() error = %v, want AuthenticationError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Authenticate() error = %v", err)
			}
			if cred.OrganizationID != tt.wantOrg || cred.ClusterBound() {
				t.Errorf("credential = %+v", cred)
			}
		})
	}
}

func TestJWTAuthenticator_Expired(t *testing.T) {
	fc := testingclock.NewFakeClock(testNow)
	a, _ := NewJWTAuthenticator("s3cret", "", fc)

	token, err := a.Sign(Claims{Organization: "org1", RegisteredClaims: jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(testNow.Add(time.Minute)),
	}})
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	fc.Step(2 * time.Minute)
	_, err = a.Authenticate(context.Background(), token)
	if !apperror.IsKind(err, apperror.KindAuthentication) || !strings.Contains(err.Error(), "expired") {
		t.Errorf("Authenticate() error = %v, want expired", err)
	}
}

func TestJWTAuthenticator_RejectsOtherAlgorithms(t *testing.T) {
	a, _ := NewJWTAuthenticator("s3cret", "", testingclock.NewFakeClock(testNow))

	token := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Organization: "org1", RegisteredClaims: jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(testNow.Add(time.Hour)),
	}})
	s, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}

	if _, err := a.Authenticate(context.Background(), s); !apperror.IsKind(err, apperror.KindAuthentication) {
		t.Errorf("Authenticate() error = %v, want AuthenticationError", err)
	}
}

type countingAuthenticator struct {
	calls atomic.Int32
	cred  *Credential
	err   error
}

func (c *countingAuthenticator) Authenticate(context.Context, string) (*Credential, error) {
	c.calls.Add(1)
	return c.cred, c.err
}

func TestChain(t *testing.T) {
	unsupported := &countingAuthenticator{err: ErrUnsupportedToken}
	ok := &countingAuthenticator{cred: &Credential{OrganizationID: "org1"}}
	never := &countingAuthenticator{cred: &Credential{OrganizationID: "org2"}}

	chain := NewChain(logr.Discard(), unsupported, ok, never)
	cred, err := chain.Authenticate(context.Background(), "x")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if cred.OrganizationID != "org1" || never.calls.Load() != 0 {
		t.Errorf("chain did not stop at the first handling authenticator")
	}

	empty := NewChain(logr.Discard(), unsupported)
	if _, err := empty.Authenticate(context.Background(), "x"); !apperror.IsKind(err, apperror.KindAuthentication) {
		t.Errorf("Authenticate() error = %v, want AuthenticationError", err)
	}
}

func TestResolve(t *testing.T) {
	_, err := Resolve(context.Background(), &countingAuthenticator{err: ErrUnsupportedToken}, "x")
	if !apperror.IsKind(err, apperror.KindAuthentication) {
		t.Errorf("Resolve() error = %v, want AuthenticationError", err)
	}

	cred, err := Resolve(context.Background(), &countingAuthenticator{cred: &Credential{OrganizationID: "org1"}}, "x")
	if err != nil || cred.OrganizationID != "org1" {
		t.Errorf("Resolve() = %v, %v", cred, err)
	}
}

func TestCachedAuthenticator(t *testing.T) {
	fc := testingclock.NewFakeClock(testNow)
	next := &countingAuthenticator{cred: &Credential{OrganizationID: "org1"}}
	a, err := NewCachedAuthenticator(next, CacheConfig{Size: 10, TTL: 30 * time.Second, Clock: fc, Logger: logr.Discard()})
	if err != nil {
		t.Fatalf("NewCachedAuthenticator() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := a.Authenticate(context.Background(), "tok"); err != nil {
			t.Fatalf("Authenticate() error = %v", err)
		}
	}
	if got := next.calls.Load(); got != 1 {
		t.Errorf("wrapped calls = %d, want 1", got)
	}

	fc.Step(30 * time.Second)
	a.Authenticate(context.Background(), "tok")
	if got := next.calls.Load(); got != 2 {
		t.Errorf("wrapped calls after TTL = %d, want 2", got)
	}
}

func TestCachedAuthenticator_HonorsCredentialExpiry(t *testing.T) {
	fc := testingclock.NewFakeClock(testNow)
	next := &countingAuthenticator{cred: &Credential{OrganizationID: "org1", ExpiresAt: testNow.Add(10 * time.Second)}}
	a, _ := NewCachedAuthenticator(next, CacheConfig{Size: 10, TTL: time.Minute, Clock: fc, Logger: logr.Discard()})

	a.Authenticate(context.Background(), "tok")
	fc.Step(10 * time.Second)
	a.Authenticate(context.Background(), "tok")

	if got := next.calls.Load(); got != 2 {
		t.Errorf("wrapped calls = %d, want expired credential re-checked", got)
	}
}

func TestCachedAuthenticator_DoesNotCacheFailures(t *testing.T) {
	next := &countingAuthenticator{err: apperror.Authentication("invalid token")}
	a, _ := NewCachedAuthenticator(next, CacheConfig{Size: 10, TTL: time.Minute, Logger: logr.Discard()})

	a.Authenticate(context.Background(), "tok")
	a.Authenticate(context.Background(), "tok")
	if got := next.calls.Load(); got != 2 {
		t.Errorf("wrapped calls = %d, want 2", got)
	}
	if a.Len() != 0 {
		t.Errorf("Len() = %d, want 0", a.Len())
	}
}

func TestAuthorize(t *testing.T) {
	cred := &Credential{Scopes: []string{ScopeSimulationRead}}
	if err := Authorize(cred, ScopeSimulationRead); err != nil {
		t.Errorf("Authorize() error = %v", err)
	}
	if err := Authorize(cred, ScopeSimulationWrite); !apperror.IsKind(err, apperror.KindAuthorization) {
		t.Errorf("Authorize() error = %v, want AuthorizationError", err)
	}
	if err := Authorize(nil, ScopeSimulationRead); !apperror.IsKind(err, apperror.KindAuthentication) {
		t.Errorf("Authorize(nil) error = %v, want AuthenticationError", err)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{header: "Bearer abc", want: "abc"},
		{header: "bearer  abc ", want: "abc"},
		{header: "", wantErr: true},
		{header: "Basic abc", wantErr: true},
		{header: "Bearer", wantErr: true},
	}
	for _, tt := range tests {
		got, err := BearerToken(tt.header)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("BearerToken(%q) = %q, %v", tt.header, got, err)
		}
	}
}

func TestContext(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Error("FromContext() found a credential in an empty context")
	}
	cred := &Credential{Subject: "x"}
	got, ok := FromContext(WithCredential(context.Background(), cred))
	if !ok || got != cred {
		t.Error("FromContext() did not return the stored credential")
	}
}
