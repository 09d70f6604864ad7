// Package smtpauth authenticates SMTP submission against the vaultbox
// credential table and the legacy motorical credential table with a single
// entry point, so the SMTP front-end never needs to know which store a
// username lives in.
package smtpauth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"

	"github.com/motorical/encimap/internal/creds"
	"github.com/motorical/encimap/internal/metrics"
	"github.com/motorical/encimap/internal/store"
	"github.com/motorical/encimap/internal/subscription"
)

// Credential types reported in auth results.
const (
	TypeVaultbox = "vaultbox"
	TypeLegacy   = "legacy"
)

// ErrInvalidCredentials is the uniform failure for unknown usernames,
// wrong passwords, disabled credentials, and disabled vaultboxes. Callers
// must not be able to tell which one happened.
var ErrInvalidCredentials = errors.New("smtpauth: invalid credentials")

// ErrThrottled is returned when a username has accumulated too many recent
// failures.
var ErrThrottled = errors.New("smtpauth: too many failed attempts")

// dummyHash keeps verification time flat when the username resolves to
// nothing: the argon2 work still runs against it.
const dummyHash = "$argon2id$v=19$m=65536,t=3,p=4$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// Fixed limits for vaultbox credentials; legacy limits come from the
// subscription plan.
var vaultboxLimits = subscription.RateLimits{
	MessagesPerHour: 1000,
	MessagesPerDay:  10000,
}

// Conservative fallback when the subscription service is unreachable.
var legacyFallbackLimits = subscription.RateLimits{
	MessagesPerHour: 100,
	MessagesPerDay:  1000,
}

// Result describes a successful authentication.
type Result struct {
	Type         string
	CredentialID string
	OwnerUserID  string
	Domain       string
	Username     string
	Limits       subscription.RateLimits
}

// PlanLimits resolves submission rate limits for a legacy credential owner.
// *subscription.Client satisfies it.
type PlanLimits interface {
	CredentialLimits(ctx context.Context, userID string) (*subscription.RateLimits, error)
}

// Authenticator is the unified SMTP auth entry point.
type Authenticator struct {
	store   *store.Store
	legacy  *store.LegacyStore
	plans   PlanLimits
	cache   *Cache
	logger  *slog.Logger
	metrics metrics.Collector
}

// Config wires an Authenticator. Legacy, Plans and Cache are optional.
type Config struct {
	Store   *store.Store
	Legacy  *store.LegacyStore
	Plans   PlanLimits
	Cache   *Cache
	Logger  *slog.Logger
	Metrics metrics.Collector
}

// New creates an Authenticator.
func New(cfg Config) *Authenticator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := cfg.Metrics
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	return &Authenticator{
		store:   cfg.Store,
		legacy:  cfg.Legacy,
		plans:   cfg.Plans,
		cache:   cfg.Cache,
		logger:  logger,
		metrics: collector,
	}
}

// Authenticate verifies a username/password pair against both credential
// stores. Vaultbox usernames are email-form or encimap-prefixed, so those
// consult the vaultbox table first; anything else tries legacy first. Both
// tables are consulted before giving up.
func (a *Authenticator) Authenticate(ctx context.Context, username, password string) (*Result, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	if a.cache != nil {
		blocked, err := a.cache.Blocked(ctx, username)
		if err != nil {
			a.logger.Warn("auth cache unavailable", "error", err)
		} else if blocked {
			return nil, ErrThrottled
		}
	}

	var res *Result
	var err error
	if looksLikeVaultbox(username) {
		res, err = a.tryVaultbox(ctx, username, password)
		if errors.Is(err, store.ErrNotFound) {
			res, err = a.tryLegacy(ctx, username, password)
		}
	} else {
		res, err = a.tryLegacy(ctx, username, password)
		if errors.Is(err, store.ErrNotFound) {
			res, err = a.tryVaultbox(ctx, username, password)
		}
	}

	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Burn the same KDF time as a real verification.
			_ = creds.VerifyPassword(password, dummyHash)
			err = ErrInvalidCredentials
		}
		if errors.Is(err, ErrInvalidCredentials) {
			a.metrics.SMTPAuthAttempt("unknown", false)
			if a.cache != nil {
				if cerr := a.cache.RecordFailure(ctx, username); cerr != nil {
					a.logger.Warn("auth cache record failed", "error", cerr)
				}
			}
		}
		return nil, err
	}

	a.metrics.SMTPAuthAttempt(res.Type, true)
	if a.cache != nil {
		if cerr := a.cache.Clear(ctx, username); cerr != nil {
			a.logger.Warn("auth cache clear failed", "error", cerr)
		}
	}
	return res, nil
}

// ClearThrottle drops the failure counter for a username. Called when a
// password is reissued, so a locked-out user is unblocked by a regenerate.
func (a *Authenticator) ClearThrottle(ctx context.Context, username string) error {
	if a.cache == nil {
		return nil
	}
	return a.cache.Clear(ctx, strings.ToLower(strings.TrimSpace(username)))
}

// looksLikeVaultbox reports whether a username matches the shapes the
// credential issuer produces.
func looksLikeVaultbox(username string) bool {
	return strings.HasPrefix(username, "encimap-") || strings.Contains(username, "@")
}

func (a *Authenticator) tryVaultbox(ctx context.Context, username, password string) (*Result, error) {
	cred, err := a.store.SmtpCredentialByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if err := creds.VerifyPassword(password, cred.PasswordHash); err != nil {
		return nil, ErrInvalidCredentials
	}
	if !cred.Enabled {
		return nil, ErrInvalidCredentials
	}

	vb, err := a.store.VaultboxByID(ctx, cred.VaultboxID)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if vb.Status != store.StatusActive {
		return nil, ErrInvalidCredentials
	}

	if err := a.store.TouchSmtpCredential(ctx, cred.ID); err != nil {
		a.logger.Warn("touching SMTP credential failed", "credential_id", cred.ID, "error", err)
	}
	return &Result{
		Type:         TypeVaultbox,
		CredentialID: cred.ID,
		OwnerUserID:  vb.OwnerUserID,
		Domain:       vb.Domain,
		Username:     cred.Username,
		Limits:       vaultboxLimits,
	}, nil
}

func (a *Authenticator) tryLegacy(ctx context.Context, username, password string) (*Result, error) {
	if a.legacy == nil {
		return nil, store.ErrNotFound
	}
	cred, err := a.legacy.CredentialByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if !verifyLegacy(password, cred.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	if err := a.legacy.TouchCredential(ctx, cred.ID); err != nil {
		a.logger.Warn("touching legacy credential failed", "credential_id", cred.ID, "error", err)
	}
	return &Result{
		Type:         TypeLegacy,
		CredentialID: cred.ID,
		OwnerUserID:  cred.UserID,
		Domain:       cred.Domain,
		Username:     cred.Username,
		Limits:       a.legacyLimits(ctx, cred.UserID),
	}, nil
}

// verifyLegacy handles the two hash formats found in the motorical table:
// argon2id for rows written after the migration, SHA-256 hex digests for
// older ones. Plaintext rows are rejected outright.
func verifyLegacy(password, stored string) bool {
	if strings.HasPrefix(stored, "$argon2id$") {
		return creds.VerifyPassword(password, stored) == nil
	}
	digest := sha256.Sum256([]byte(password))
	want := hex.EncodeToString(digest[:])
	return subtle.ConstantTimeCompare([]byte(want), []byte(strings.ToLower(stored))) == 1
}

func (a *Authenticator) legacyLimits(ctx context.Context, userID string) subscription.RateLimits {
	if a.plans == nil {
		return legacyFallbackLimits
	}
	limits, err := a.plans.CredentialLimits(ctx, userID)
	if err != nil {
		a.logger.Warn("fetching plan limits failed", "user_id", userID, "error", err)
		return legacyFallbackLimits
	}
	return *limits
}
