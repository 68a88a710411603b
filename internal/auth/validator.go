// Package auth validates the JWT carried on WebSocket-upgrade requests
// against a JWKS endpoint, and provides the insecure fallback used when
// auth is disabled for local development.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Claims are the token claims the topology cares about. Username is the
// NetsBlox account name; Subject doubles as a stable client identity for
// accounts without one.
type Claims struct {
	Username string `json:"username,omitempty"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	Scope    string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// DisplayName picks the best human-readable identity from the claims.
func (c *Claims) DisplayName() string {
	if c.Username != "" {
		return c.Username
	}
	if c.Name != "" {
		return c.Name
	}
	if at := strings.IndexByte(c.Email, '@'); at > 0 {
		return c.Email[:at]
	}
	return ""
}

// Validator verifies RS256 tokens against a cached JWKS document.
type Validator struct {
	ctx      context.Context
	cache    *jwk.Cache
	jwksURL  string
	issuer   string
	audience string
}

// NewValidator registers the domain's JWKS endpoint with a refreshing cache
// and fetches it once to fail fast on misconfiguration.
func NewValidator(ctx context.Context, domain, audience string, regOpts ...jwk.RegisterOption) (*Validator, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("parse issuer url: %w", err)
	}
	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)
	opts := append([]jwk.RegisterOption{jwk.WithRefreshInterval(time.Hour)}, regOpts...)
	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("register jwks url: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("fetch initial jwks: %w", err)
	}

	return &Validator{
		ctx:      ctx,
		cache:    cache,
		jwksURL:  jwksURL,
		issuer:   issuerURL.String(),
		audience: audience,
	}, nil
}

func (v *Validator) keyFor(token *jwt.Token) (any, error) {
	// Pin the algorithm before touching key material so an HS256 token can
	// never be verified against a public key treated as an HMAC secret.
	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, errors.New("kid header not found")
	}

	keys, err := v.cache.Get(v.ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("get jwks from cache: %w", err)
	}
	key, found := keys.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("no key with kid %q", kid)
	}

	var pub any
	if err := key.Raw(&pub); err != nil {
		return nil, fmt.Errorf("extract public key: %w", err)
	}
	return pub, nil
}

// ValidateToken parses and verifies one token, checking signature, issuer,
// and audience.
func (v *Validator) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.keyFor,
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithValidMethods([]string{"RS256"}),
	)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("token is invalid")
	}
	return claims, nil
}

// ParseAllowedOrigins splits a comma-separated origin list, falling back to
// defaults when the value is empty.
func ParseAllowedOrigins(value string, defaults []string) []string {
	if value == "" {
		return defaults
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaults
	}
	return out
}

// GuestValidator accepts any token without verifying its signature. Wired
// in only when auth is disabled, so a browser tab can join as an anonymous
// guest the way the NetsBlox editor does with no account signed in.
type GuestValidator struct{}

// ValidateToken decodes the payload (if the string looks like a JWT) to
// recover whatever identity the editor minted for itself, and falls back
// to a synthetic guest. The leading underscore marks the subject as
// non-account-backed, matching browser client id conventions.
func (g *GuestValidator) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}

	if parts := strings.Split(tokenString, "."); len(parts) == 3 {
		if payload, err := base64.RawURLEncoding.DecodeString(parts[1]); err == nil {
			var raw map[string]any
			if json.Unmarshal(payload, &raw) == nil {
				if sub, ok := raw["sub"].(string); ok {
					claims.Subject = sub
				}
				if username, ok := raw["username"].(string); ok {
					claims.Username = username
				}
				if name, ok := raw["name"].(string); ok {
					claims.Name = name
				}
				if email, ok := raw["email"].(string); ok {
					claims.Email = email
				}
			}
		}
	}

	if claims.Subject == "" {
		claims.Subject = "_guest"
	}
	if claims.Name == "" {
		claims.Name = "guest"
	}
	if claims.Email == "" {
		claims.Email = "guest@netsblox.org"
	}
	return claims, nil
}
