package oauth

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// JWTAgent validates JWT bearer tokens against a static public key or a
// JWKS endpoint.
type JWTAgent struct {
	key       jwk.Key
	keySet    jwk.Set
	cache     *jwk.Cache
	jwksURL   string
	algorithm jwa.SignatureAlgorithm
	issuer    string
	audience  string
	skew      time.Duration
}

// JWTAgentConfig holds configuration for creating a JWTAgent. Exactly one
// of PublicKeyBase64 and JWKSURL must be set.
type JWTAgentConfig struct {
	// PublicKeyBase64 is a base64-encoded PEM public key.
	PublicKeyBase64 string

	// JWKSURL fetches keys remotely with automatic refresh.
	JWKSURL string

	Algorithm       string // default RS256
	Issuer          string
	Audience        string
	ClockTolerance  time.Duration
	RefreshInterval time.Duration
}

// NewJWTAgent creates a JWT validation agent.
func NewJWTAgent(ctx context.Context, cfg JWTAgentConfig) (*JWTAgent, error) {
	if (cfg.PublicKeyBase64 == "") == (cfg.JWKSURL == "") {
		return nil, fmt.Errorf("oauth: exactly one of public key and JWKS URL must be set")
	}
	alg := jwa.RS256
	if cfg.Algorithm != "" {
		alg = jwa.SignatureAlgorithm(cfg.Algorithm)
	}

	a := &JWTAgent{
		algorithm: alg,
		issuer:    cfg.Issuer,
		audience:  cfg.Audience,
		skew:      cfg.ClockTolerance,
	}

	if cfg.PublicKeyBase64 != "" {
		key, err := parsePublicKey(cfg.PublicKeyBase64)
		if err != nil {
			return nil, err
		}
		a.key = key
		return a, nil
	}

	refresh := cfg.RefreshInterval
	if refresh == 0 {
		refresh = time.Hour
	}
	cache := jwk.NewCache(ctx)
	if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(refresh)); err != nil {
		return nil, fmt.Errorf("oauth: registering JWKS URL: %w", err)
	}
	keySet, err := cache.Refresh(ctx, cfg.JWKSURL)
	if err != nil {
		return nil, fmt.Errorf("oauth: fetching JWKS: %w", err)
	}
	a.cache = cache
	a.keySet = keySet
	a.jwksURL = cfg.JWKSURL
	return a, nil
}

// parsePublicKey decodes a base64-wrapped PEM public key into a jwk.Key.
func parsePublicKey(encoded string) (jwk.Key, error) {
	pemBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		// Tolerate raw PEM, which some deployments pass unencoded.
		pemBytes = []byte(encoded)
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("oauth: public key is not PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("oauth: parsing public key: %w", err)
	}
	key, err := jwk.FromRaw(pub)
	if err != nil {
		return nil, fmt.Errorf("oauth: wrapping public key: %w", err)
	}
	return key, nil
}

// ValidateToken validates a bearer token and extracts its principal.
func (a *JWTAgent) ValidateToken(ctx context.Context, token string) (*Principal, error) {
	opts := []jwt.ParseOption{
		jwt.WithValidate(true),
	}
	if a.key != nil {
		opts = append(opts, jwt.WithKey(a.algorithm, a.key))
	} else {
		keySet, err := a.cache.Get(ctx, a.jwksURL)
		if err != nil {
			keySet = a.keySet
		}
		opts = append(opts, jwt.WithKeySet(keySet))
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}
	if a.skew > 0 {
		opts = append(opts, jwt.WithAcceptableSkew(a.skew))
	}

	parsed, err := jwt.Parse([]byte(token), opts...)
	if err != nil {
		errStr := err.Error()
		switch {
		case strings.Contains(errStr, `"exp"`) && strings.Contains(errStr, "not satisfied"):
			return nil, ErrTokenExpired
		case strings.Contains(errStr, `"iss"`) && strings.Contains(errStr, "not satisfied"):
			return nil, ErrIssuerMismatch
		case strings.Contains(errStr, `"aud"`) && strings.Contains(errStr, "not satisfied"):
			return nil, ErrAudienceMismatch
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	return principalFromToken(parsed)
}

// principalFromToken maps claims to a Principal: user_id claim preferred,
// sub as fallback; permissions from the permissions claim.
func principalFromToken(token jwt.Token) (*Principal, error) {
	p := &Principal{}

	if val, ok := token.Get("user_id"); ok {
		if s, ok := val.(string); ok {
			p.UserID = s
		}
	}
	if p.UserID == "" {
		p.UserID = token.Subject()
	}
	if p.UserID == "" {
		return nil, ErrSubjectMissing
	}

	if val, ok := token.Get("permissions"); ok {
		if list, ok := val.([]interface{}); ok {
			for _, item := range list {
				if s, ok := item.(string); ok {
					p.Permissions = append(p.Permissions, s)
				}
			}
		}
	}
	return p, nil
}

// Close releases resources held by the agent.
func (a *JWTAgent) Close() error {
	// The JWKS cache is released with the context it was created under.
	return nil
}

var _ Agent = (*JWTAgent)(nil)
