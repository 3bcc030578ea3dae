package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"k8s.io/utils/clock"

	"github.com/policy-hub/coordinator/internal/apperror"
)

// Claims are the claims of an HS256 user token.
type Claims struct {
	Organization string   `json:"org"`
	Cluster      string   `json:"cluster,omitempty"`
	Scopes       []string `json:"scopes"`
	jwt.RegisteredClaims
}

// JWTAuthenticator validates HS256 user tokens.
type JWTAuthenticator struct {
	secret []byte
	issuer string
	clock  clock.PassiveClock
}

// NewJWTAuthenticator creates a JWT authenticator. An empty issuer disables the issuer check.
func NewJWTAuthenticator(secret, issuer string, clk clock.PassiveClock) (*JWTAuthenticator, error) {
	if secret == "" {
		return nil, fmt.Errorf("JWT secret is required")
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &JWTAuthenticator{secret: []byte(secret), issuer: issuer, clock: clk}, nil
}

// Authenticate parses and verifies a compact JWT.
func (a *JWTAuthenticator) Authenticate(_ context.Context, bearer string) (*Credential, error) {
	if strings.Count(bearer, ".") != 2 {
		return nil, ErrUnsupportedToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.clock.Now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(bearer, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, opts...)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, apperror.Authentication("token expired")
	case err != nil:
		return nil, apperror.Authentication("invalid token")
	case !token.Valid:
		return nil, apperror.Authentication("invalid token")
	}

	if claims.Organization == "" {
		return nil, apperror.Authentication("token has no organization")
	}

	cred := &Credential{
		ClusterID:      claims.Cluster,
		OrganizationID: claims.Organization,
		Scopes:         claims.Scopes,
		Subject:        claims.Subject,
	}
	if claims.ExpiresAt != nil {
		cred.ExpiresAt = claims.ExpiresAt.Time
	}
	return cred, nil
}

// Sign issues a token for claims. The issuer is filled in when unset.
func (a *JWTAuthenticator) Sign(claims Claims) (string, error) {
	if claims.Issuer == "" {
		claims.Issuer = a.issuer
	}
	if claims.IssuedAt == nil {
		claims.IssuedAt = jwt.NewNumericDate(a.clock.Now())
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}
