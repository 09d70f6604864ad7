package oauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

type tokenEnv struct {
	priv  *rsa.PrivateKey
	agent *JWTAgent
}

func newTokenEnv(t *testing.T) *tokenEnv {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}

	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("failed to marshal public key: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	agent, err := NewJWTAgent(context.Background(), JWTAgentConfig{
		PublicKeyBase64: base64.StdEncoding.EncodeToString(pemBytes),
		Issuer:          "https://auth.motorical.test",
		Audience:        "encimap",
		ClockTolerance:  30 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}
	return &tokenEnv{priv: priv, agent: agent}
}

type claimOpts struct {
	subject     string
	userID      string
	permissions []string
	issuer      string
	audience    string
	expiresIn   time.Duration
}

func (e *tokenEnv) sign(t *testing.T, opts claimOpts) string {
	t.Helper()
	if opts.issuer == "" {
		opts.issuer = "https://auth.motorical.test"
	}
	if opts.audience == "" {
		opts.audience = "encimap"
	}
	if opts.expiresIn == 0 {
		opts.expiresIn = time.Hour
	}

	builder := jwt.NewBuilder().
		Subject(opts.subject).
		Issuer(opts.issuer).
		Audience([]string{opts.audience}).
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(opts.expiresIn))
	if opts.userID != "" {
		builder = builder.Claim("user_id", opts.userID)
	}
	if opts.permissions != nil {
		perms := make([]interface{}, len(opts.permissions))
		for i, p := range opts.permissions {
			perms[i] = p
		}
		builder = builder.Claim("permissions", perms)
	}
	token, err := builder.Build()
	if err != nil {
		t.Fatalf("failed to build token: %v", err)
	}

	key, err := jwk.FromRaw(e.priv)
	if err != nil {
		t.Fatalf("failed to create signing key: %v", err)
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, key))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return string(signed)
}

func TestJWTAgent_ValidateToken_Success(t *testing.T) {
	e := newTokenEnv(t)
	ctx := context.Background()

	token := e.sign(t, claimOpts{subject: "user-1", permissions: []string{"vaultbox:write"}})
	p, err := e.agent.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if p.UserID != "user-1" {
		t.Errorf("expected user-1, got %q", p.UserID)
	}
	if !p.Can("vaultbox:write") {
		t.Error("expected vaultbox:write permission")
	}
	if p.Can("vaultbox:admin") {
		t.Error("unexpected vaultbox:admin permission")
	}
	if p.IsService() {
		t.Error("plain user treated as service principal")
	}
}

func TestJWTAgent_ValidateToken_UserIDClaim(t *testing.T) {
	e := newTokenEnv(t)

	// The user_id claim wins over sub when both are present.
	token := e.sign(t, claimOpts{subject: "auth0|abc123", userID: "user-7"})
	p, err := e.agent.ValidateToken(context.Background(), token)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if p.UserID != "user-7" {
		t.Errorf("expected user-7, got %q", p.UserID)
	}
}

func TestJWTAgent_ValidateToken_SubjectFallback(t *testing.T) {
	e := newTokenEnv(t)

	token := e.sign(t, claimOpts{subject: "user-9"})
	p, err := e.agent.ValidateToken(context.Background(), token)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if p.UserID != "user-9" {
		t.Errorf("expected user-9, got %q", p.UserID)
	}
}

func TestJWTAgent_ValidateToken_MissingSubject(t *testing.T) {
	e := newTokenEnv(t)

	token := e.sign(t, claimOpts{})
	_, err := e.agent.ValidateToken(context.Background(), token)
	if !errors.Is(err, ErrSubjectMissing) {
		t.Errorf("expected ErrSubjectMissing, got %v", err)
	}
}

func TestJWTAgent_ValidateToken_Failures(t *testing.T) {
	e := newTokenEnv(t)
	ctx := context.Background()

	tests := []struct {
		name string
		opts claimOpts
		want error
	}{
		{"expired", claimOpts{subject: "u", expiresIn: -time.Hour}, ErrTokenExpired},
		{"wrong issuer", claimOpts{subject: "u", issuer: "https://evil.test"}, ErrIssuerMismatch},
		{"wrong audience", claimOpts{subject: "u", audience: "other"}, ErrAudienceMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.agent.ValidateToken(ctx, e.sign(t, tt.opts))
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if _, err := e.agent.ValidateToken(ctx, "not-a-valid-token"); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("expected ErrTokenInvalid for garbage, got %v", err)
	}
}

func TestJWTAgent_ValidateToken_WrongKey(t *testing.T) {
	e := newTokenEnv(t)
	other := newTokenEnv(t)

	token := other.sign(t, claimOpts{subject: "u"})
	if _, err := e.agent.ValidateToken(context.Background(), token); err == nil {
		t.Error("token signed with a different key accepted")
	}
}

func TestJWTAgent_ClockTolerance(t *testing.T) {
	e := newTokenEnv(t)

	// Expired ten seconds ago, inside the 30s tolerance.
	token := e.sign(t, claimOpts{subject: "u", expiresIn: -10 * time.Second})
	if _, err := e.agent.ValidateToken(context.Background(), token); err != nil {
		t.Errorf("token within clock tolerance rejected: %v", err)
	}
}

func TestJWTAgent_ValidateToken_RawPEMKey(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("failed to marshal public key: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	// Some deployments pass the PEM unencoded; the agent tolerates it.
	agent, err := NewJWTAgent(context.Background(), JWTAgentConfig{
		PublicKeyBase64: string(pemBytes),
	})
	if err != nil {
		t.Fatalf("failed to create agent from raw PEM: %v", err)
	}

	e := &tokenEnv{priv: priv, agent: agent}
	token := e.sign(t, claimOpts{subject: "user-1"})
	if _, err := agent.ValidateToken(context.Background(), token); err != nil {
		t.Errorf("ValidateToken failed: %v", err)
	}
}

func TestNewJWTAgent_ConfigErrors(t *testing.T) {
	ctx := context.Background()

	if _, err := NewJWTAgent(ctx, JWTAgentConfig{}); err == nil {
		t.Error("expected error when neither key source is set")
	}
	if _, err := NewJWTAgent(ctx, JWTAgentConfig{
		PublicKeyBase64: "x",
		JWKSURL:         "http://example.com/jwks",
	}); err == nil {
		t.Error("expected error when both key sources are set")
	}
	if _, err := NewJWTAgent(ctx, JWTAgentConfig{PublicKeyBase64: "bm90IGEga2V5"}); err == nil {
		t.Error("expected error for non-PEM public key")
	}
}

func TestServicePrincipals(t *testing.T) {
	for _, name := range []string{"backend.motorical", "motorical-backend"} {
		p := &Principal{UserID: name}
		if !p.IsService() {
			t.Errorf("%s not recognized as service principal", name)
		}
		if !p.Can("anything") {
			t.Errorf("%s lacks implicit permission", name)
		}
	}
}

func TestStaticAgent(t *testing.T) {
	a := &StaticAgent{Tokens: map[string]*Principal{
		"good": {UserID: "user-1"},
	}}

	p, err := a.ValidateToken(context.Background(), "good")
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if p.UserID != "user-1" {
		t.Errorf("expected user-1, got %q", p.UserID)
	}
	if _, err := a.ValidateToken(context.Background(), "bad"); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("expected ErrTokenInvalid, got %v", err)
	}
}
