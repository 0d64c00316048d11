package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
)

// Identity is the verified caller behind a federated token.
type Identity struct {
	Subject string
	Issuer  string
	Claims  jwt.MapClaims
}

// FederatedAuthenticator validates bearer JWTs issued by an agent's identity
// provider.
type FederatedAuthenticator struct {
	discoverer *Discoverer
	leeway     time.Duration
}

// NewFederatedAuthenticator creates an authenticator using d for key
// discovery.
func NewFederatedAuthenticator(d *Discoverer) *FederatedAuthenticator {
	return &FederatedAuthenticator{discoverer: d, leeway: 30 * time.Second}
}

// Authenticate verifies token against idp. Discovery failures are returned
// wrapping ErrDiscoveryUnavailable so they never block the caller for longer
// than the discovery timeout.
func (a *FederatedAuthenticator) Authenticate(ctx context.Context, idp *domain.IdentityProvider, token string) (*Identity, error) {
	if token == "" {
		return nil, errors.New("missing bearer token")
	}
	jwksURL, err := a.discoverer.JWKSURL(ctx, idp.Issuer, idp.JWKSURL)
	if err != nil {
		return nil, err
	}

	var discoveryErr error
	keyFunc := func(t *jwt.Token) (any, error) {
		kf, err := a.discoverer.Keys(ctx, jwksURL, false)
		if err != nil {
			discoveryErr = err
			return nil, err
		}
		if key, err := signingKey(ctx, kf, t); err == nil {
			return key, nil
		}
		// The issuer may have rotated keys since the set was cached.
		kf, err = a.discoverer.Keys(ctx, jwksURL, true)
		if err != nil {
			discoveryErr = err
			return nil, err
		}
		return signingKey(ctx, kf, t)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
		jwt.WithIssuer(idp.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(a.leeway),
	}
	if idp.Audience != "" {
		opts = append(opts, jwt.WithAudience(idp.Audience))
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, keyFunc, opts...)
	if discoveryErr != nil {
		return nil, discoveryErr
	}
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	sub, _ := claims.GetSubject()
	return &Identity{Subject: sub, Issuer: idp.Issuer, Claims: claims}, nil
}

// signingKey resolves the token's kid through kf. A token without kid
// matches a single-key set.
func signingKey(ctx context.Context, kf keyfunc.Keyfunc, t *jwt.Token) (any, error) {
	if _, ok := t.Header["kid"]; ok {
		return kf.Keyfunc(t)
	}
	keys, err := kf.Storage().KeyReadAll(ctx)
	if err != nil {
		return nil, err
	}
	if len(keys) != 1 {
		return nil, errors.New("token has no kid and the key set is ambiguous")
	}
	return keys[0].Key(), nil
}
