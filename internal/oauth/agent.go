// Package oauth validates the bearer tokens carried by management API
// requests and resolves them to a principal.
package oauth

import (
	"context"
	"errors"
)

// Common errors returned by Agent implementations.
var (
	ErrTokenExpired     = errors.New("token expired")
	ErrTokenInvalid     = errors.New("token invalid")
	ErrIssuerMismatch   = errors.New("issuer mismatch")
	ErrAudienceMismatch = errors.New("audience mismatch")
	ErrSubjectMissing   = errors.New("subject claim missing")
)

// Service principals allowed to act on any user's vaultboxes. Both names
// are honored; deployments migrated between the two spellings.
var servicePrincipals = map[string]bool{
	"backend.motorical": true,
	"motorical-backend": true,
}

// Principal is the authenticated caller of a management request.
type Principal struct {
	UserID      string
	Permissions []string
}

// IsService reports whether the principal bypasses owner-equality checks.
func (p *Principal) IsService() bool {
	return servicePrincipals[p.UserID]
}

// Can reports whether the principal holds a permission. Service principals
// hold all of them.
func (p *Principal) Can(permission string) bool {
	if p.IsService() {
		return true
	}
	for _, have := range p.Permissions {
		if have == permission {
			return true
		}
	}
	return false
}

// Agent validates bearer tokens.
type Agent interface {
	// ValidateToken checks a bearer token and returns its principal.
	ValidateToken(ctx context.Context, token string) (*Principal, error)

	// Close releases any resources held by the agent.
	Close() error
}

// StaticAgent resolves fixed token strings to principals. Used in tests.
type StaticAgent struct {
	Tokens map[string]*Principal
}

// ValidateToken implements Agent.
func (a *StaticAgent) ValidateToken(ctx context.Context, token string) (*Principal, error) {
	p, ok := a.Tokens[token]
	if !ok {
		return nil, ErrTokenInvalid
	}
	return p, nil
}

// Close implements Agent.
func (a *StaticAgent) Close() error { return nil }
