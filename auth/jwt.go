package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// Config controls validation of JWT access tokens.
type Config struct {
	Issuer string
	// ExpectedAudiences holds every accepted "aud" value; a token passes when
	// its audience intersects this set.
	ExpectedAudiences []string
	RequiredScopes    []string
	ScopeModeAny      bool // if true, any of RequiredScopes is sufficient; else all are required
	AllowedAlgs       []string
	Leeway            time.Duration
	// RequireAccessTokenType enforces the RFC 9068 "at+jwt" typ header.
	RequireAccessTokenType bool
}

// Option configures optional validation knobs.
type Option func(*Config)

// WithRequiredScopes requires all of the provided scopes to be present in the
// space-delimited "scope" claim.
func WithRequiredScopes(scopes ...string) Option {
	return func(c *Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = false
	}
}

// WithAnyRequiredScope requires at least one of the provided scopes to be present.
func WithAnyRequiredScope(scopes ...string) Option {
	return func(c *Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = true
	}
}

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
// Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) Option {
	return func(c *Config) {
		c.AllowedAlgs = slices.DeleteFunc(append([]string(nil), algs...), func(a string) bool { return a == "none" })
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) Option {
	return func(c *Config) { c.Leeway = d }
}

// WithAdditionalAudiences accepts further "aud" values besides the primary one.
func WithAdditionalAudiences(auds ...string) Option {
	return func(c *Config) { c.ExpectedAudiences = append(c.ExpectedAudiences, auds...) }
}

func defaultConfig(issuer string, audiences ...string) *Config {
	return &Config{
		Issuer:            issuer,
		ExpectedAudiences: append([]string(nil), audiences...),
		AllowedAlgs:       []string{"RS256"},
		Leeway:            60 * time.Second,
	}
}

func (c *Config) validate() error {
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	if len(c.ExpectedAudiences) == 0 || c.ExpectedAudiences[0] == "" {
		return errors.New("audience is required")
	}
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	return nil
}

// jwtAuthenticator verifies signed access tokens against a JWKS.
type jwtAuthenticator struct {
	cfg     *Config
	keyfunc jwt.Keyfunc
}

var _ Authenticator = (*jwtAuthenticator)(nil)

// NewFromDiscovery returns an Authenticator that verifies RFC 9068 JWT
// access tokens. The JWKS location is learned through OpenID Connect
// discovery on issuer and refreshed in the background until ctx is done.
func NewFromDiscovery(ctx context.Context, issuer, audience string, opts ...Option) (Authenticator, error) {
	cfg := defaultConfig(issuer, audience)
	cfg.RequireAccessTokenType = true
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer        string   `json:"issuer"`
		JwksURI       string   `json:"jwks_uri"`
		Authorization string   `json:"authorization_endpoint"`
		Token         string   `json:"token_endpoint"`
		ResponseTypes []string `json:"response_types_supported"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	var missing []string
	if meta.JwksURI == "" {
		missing = append(missing, "jwks_uri")
	}
	if meta.Authorization == "" {
		missing = append(missing, "authorization_endpoint")
	}
	if meta.Token == "" {
		missing = append(missing, "token_endpoint")
	}
	if len(meta.ResponseTypes) == 0 {
		missing = append(missing, "response_types_supported")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("discovery incomplete: missing %s", strings.Join(missing, ", "))
	}
	if meta.Issuer != "" {
		cfg.Issuer = meta.Issuer
	}

	return newJWTAuthenticator(ctx, cfg, meta.JwksURI)
}

// NewStatic returns an Authenticator for a statically configured issuer and
// JWKS URL, with no discovery round trip.
func NewStatic(ctx context.Context, issuer, jwksURI string, audiences []string, opts ...Option) (Authenticator, error) {
	cfg := defaultConfig(issuer, audiences...)
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	return newJWTAuthenticator(ctx, cfg, jwksURI)
}

func newJWTAuthenticator(ctx context.Context, cfg *Config, jwksURI string) (*jwtAuthenticator, error) {
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return &jwtAuthenticator{cfg: cfg, keyfunc: func(t *jwt.Token) (any, error) {
		if alg := t.Method.Alg(); !slices.Contains(cfg.AllowedAlgs, alg) {
			return nil, fmt.Errorf("disallowed alg: %s", alg)
		}
		return kf.Keyfunc(t)
	}}, nil
}

func (a *jwtAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(a.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithLeeway(a.cfg.Leeway),
	)
	parsed, err := parser.Parse(tok, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	if a.cfg.RequireAccessTokenType {
		if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
			return nil, fmt.Errorf("%w: invalid typ; want at+jwt", ErrUnauthorized)
		}
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}
	if !audIntersects(claims["aud"], a.cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	if iatf, ok := claims["iat"].(float64); ok {
		iat := time.Unix(int64(iatf), 0)
		if iat.After(time.Now().Add(a.cfg.Leeway + 5*time.Minute)) {
			return nil, fmt.Errorf("%w: iat too far in future", ErrUnauthorized)
		}
	}
	if err := a.checkScopes(claims); err != nil {
		return nil, err
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return &userInfo{sub: sub, claims: claims}, nil
}

func (a *jwtAuthenticator) checkScopes(claims jwt.MapClaims) error {
	if len(a.cfg.RequiredScopes) == 0 {
		return nil
	}
	scopeStr, _ := claims["scope"].(string)
	have := strings.Fields(scopeStr)
	if a.cfg.ScopeModeAny {
		if slices.ContainsFunc(a.cfg.RequiredScopes, func(s string) bool { return slices.Contains(have, s) }) {
			return nil
		}
		return ErrInsufficientScope
	}
	for _, want := range a.cfg.RequiredScopes {
		if !slices.Contains(have, want) {
			return ErrInsufficientScope
		}
	}
	return nil
}

type userInfo struct {
	sub    string
	claims map[string]any
}

func (u *userInfo) UserID() string { return u.sub }

func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

func audIntersects(aud any, wants []string) bool {
	switch v := aud.(type) {
	case string:
		return slices.Contains(wants, v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && slices.Contains(wants, s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if slices.Contains(wants, s) {
				return true
			}
		}
	}
	return false
}
