// Package crypto verifies client bearer tokens and loads their signing secret.
package crypto

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/turtacn/arena-realtime/internal/domain/models"
	rterrors "github.com/turtacn/arena-realtime/pkg/errors"
	"github.com/turtacn/arena-realtime/pkg/logger"
)

// JWTAuthenticator validates HS256 tokens and maps them to identities.
type JWTAuthenticator struct {
	secret   []byte
	issuer   string
	audience string
	parser   *jwt.Parser
	log      logger.Logger
}

// NewJWTAuthenticator creates an authenticator. issuer and audience are only
// enforced when set.
//
// Parameters:
//   - secret: HS256 signing secret
//   - issuer: Expected iss claim
//   - audience: Expected aud claim
//   - log: Logger instance
//
// Returns:
//   - *JWTAuthenticator: Initialized authenticator
//   - error: Error if the secret is empty
func NewJWTAuthenticator(secret, issuer, audience string, log logger.Logger) (*JWTAuthenticator, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret must not be empty")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}

	return &JWTAuthenticator{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		parser:   jwt.NewParser(opts...),
		log:      log.WithComponent("jwt"),
	}, nil
}

// Authenticate verifies token. An empty token yields a nil identity and no
// error; the caller decides whether anonymous access is allowed.
func (a *JWTAuthenticator) Authenticate(ctx context.Context, token string) (*models.Identity, error) {
	if token == "" {
		return nil, nil
	}

	claims := &Claims{}
	_, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		a.log.Debug(ctx, "Token rejected", logger.Error(err))
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, rterrors.ErrUnauthenticated("token expired")
		}
		return nil, rterrors.ErrUnauthenticated("invalid token").WithCause(err)
	}
	if claims.Subject == "" {
		return nil, rterrors.ErrUnauthenticated("token has no subject")
	}

	return &models.Identity{
		UserID: claims.Subject,
		Role:   models.ParseRole(claims.Role),
	}, nil
}

// Issue signs a token for identity valid for ttl.
func (a *JWTAuthenticator) Issue(identity *models.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: string(identity.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if a.audience != "" {
		claims.Audience = jwt.ClaimStrings{a.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
