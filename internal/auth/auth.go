// Package auth validates consumer credentials at the daemon boundary. Three
// providers cover the deployment spectrum: allow-all for a loopback-only
// daemon, static-token for shared machines, and jwks for tokens minted by an
// external identity provider.
package auth

import (
	"context"
	"crypto/hmac"
	"errors"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/parley-ai/parley/internal/config"
)

// ErrUnauthorized is returned for any credential a provider rejects. The
// specific reason stays server-side.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the authenticated principal attached to a connection.
type Identity struct {
	Subject string
	Name    string
	Roles   []string
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
	Name() string
}

// NewProvider creates the Provider selected by configuration.
func NewProvider(cfg config.AuthConfig) (Provider, error) {
	switch cfg.Mode {
	case "", "allow-all":
		return AllowAll{}, nil
	case "static-token":
		if cfg.Token == "" {
			return nil, fmt.Errorf("auth.token is required for static-token mode")
		}
		return &StaticToken{token: cfg.Token}, nil
	case "jwks":
		return NewJWKS(cfg)
	default:
		return nil, fmt.Errorf("unknown auth mode: %q", cfg.Mode)
	}
}

// AllowAll admits every connection. This is the single-user mode; the daemon
// binds to loopback by default.
type AllowAll struct{}

func (AllowAll) Authenticate(ctx context.Context, token string) (*Identity, error) {
	return &Identity{Subject: "anonymous"}, nil
}

func (AllowAll) Name() string { return "allow-all" }

// StaticToken admits connections presenting the one configured token.
type StaticToken struct {
	token string
}

func (s *StaticToken) Authenticate(ctx context.Context, token string) (*Identity, error) {
	if token == "" || !hmac.Equal([]byte(token), []byte(s.token)) {
		return nil, ErrUnauthorized
	}
	return &Identity{Subject: "local"}, nil
}

func (s *StaticToken) Name() string { return "static-token" }

// JWKS validates externally issued JWTs against a remote key set.
type JWKS struct {
	issuer string
	roles  []string
	jwks   keyfunc.Keyfunc
}

// NewJWKS fetches the key set and starts its background refresh.
func NewJWKS(cfg config.AuthConfig) (*JWKS, error) {
	if cfg.JWKSURL == "" {
		return nil, fmt.Errorf("auth.jwks_url is required for jwks mode")
	}
	jwks, err := keyfunc.NewDefault([]string{cfg.JWKSURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", cfg.JWKSURL, err)
	}
	return &JWKS{issuer: cfg.Issuer, roles: cfg.Roles, jwks: jwks}, nil
}

func (j *JWKS) Authenticate(ctx context.Context, tokenStr string) (*Identity, error) {
	if tokenStr == "" {
		return nil, ErrUnauthorized
	}
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}
	token, err := jwt.Parse(tokenStr, j.jwks.KeyfuncCtx(ctx), opts...)
	if err != nil {
		return nil, ErrUnauthorized
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrUnauthorized
	}
	roles := claimRoles(claims)
	if len(j.roles) > 0 && !roleAllowed(j.roles, roles) {
		return nil, ErrUnauthorized
	}

	name := sub
	switch {
	case claimStr(claims, "name") != "":
		name = claimStr(claims, "name")
	case claimStr(claims, "preferred_username") != "":
		name = claimStr(claims, "preferred_username")
	case claimStr(claims, "email") != "":
		name = claimStr(claims, "email")
	}

	return &Identity{Subject: sub, Name: name, Roles: roles}, nil
}

func (j *JWKS) Name() string { return "jwks" }

// claimRoles accepts the two common claim shapes: a "roles" array or a
// single "role" string.
func claimRoles(claims jwt.MapClaims) []string {
	if raw, ok := claims["roles"].([]any); ok {
		roles := make([]string, 0, len(raw))
		for _, r := range raw {
			if s, ok := r.(string); ok {
				roles = append(roles, s)
			}
		}
		return roles
	}
	if s, _ := claims["role"].(string); s != "" {
		return []string{s}
	}
	return nil
}

func roleAllowed(accepted, got []string) bool {
	for _, want := range accepted {
		for _, have := range got {
			if want == have {
				return true
			}
		}
	}
	return false
}

// claimStr extracts a string claim or returns "".
func claimStr(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}
