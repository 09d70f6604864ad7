package vaultbox

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/motorical/encimap/internal/router"
	"github.com/motorical/encimap/internal/store"
)

// createSimple handles the simple-mailbox variant. No certificate, and the
// MTA route is deferred to credential creation since its target is the
// credential username.
func (s *Service) createSimple(ctx context.Context, p CreateParams) (*CreateResult, error) {
	if p.CertificatePEM != "" {
		return nil, validation("simple mailboxes do not take certificates")
	}

	cb, err := s.store.CatchallByDomain(ctx, p.Domain)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, transient(err, "loading catch-all binding")
	}
	if err == nil && cb.Enabled {
		return nil, conflict(CodeDomainCatchall, "domain %s runs in catch-all mode", p.Domain)
	}

	if p.IsCatchAll {
		n, err := s.store.CountVaultboxesByDomain(ctx, p.Domain, store.TypeSimple)
		if err != nil {
			return nil, transient(err, "counting simple vaultboxes")
		}
		if n > 0 {
			return nil, conflict(CodeDomainCatchall,
				"catch-all requires a domain with no existing simple mailboxes (%d present)", n)
		}
	}

	vb := &store.Vaultbox{
		ID:          uuid.NewString(),
		OwnerUserID: p.OwnerUserID,
		Domain:      p.Domain,
		Alias:       &p.Alias,
		DisplayName: p.Name,
		MailboxType: store.TypeSimple,
		Status:      store.StatusActive,
	}
	if err := s.store.InsertVaultbox(ctx, vb); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, conflict(CodeAliasConflict, "address %s@%s already exists", p.Alias, p.Domain)
		}
		return nil, transient(err, "creating vaultbox")
	}

	if p.IsCatchAll {
		if err := s.store.UpsertCatchall(ctx, p.Domain, vb.ID, false); err != nil {
			s.logger.Error("recording catch-all intent failed", "vaultbox_id", vb.ID, "error", err)
		}
	}

	s.metrics.VaultboxCreated(store.TypeSimple)
	s.logger.Info("vaultbox created", "vaultbox_id", vb.ID, "address", vb.PrimaryAddress(), "type", vb.MailboxType)
	return &CreateResult{Vaultbox: vb}, nil
}

// routeUsername is the simple-maildir route target of a vaultbox: the IMAP
// credential username when issued, the primary address otherwise (they
// coincide for alias-derived usernames).
func (s *Service) routeUsername(ctx context.Context, vb *store.Vaultbox) string {
	if cred, err := s.store.ActiveImapCredential(ctx, vb.ID); err == nil {
		return cred.Username
	}
	return vb.PrimaryAddress()
}

// CreateAlias adds a receive-only alias to a simple vaultbox and installs
// its route.
func (s *Service) CreateAlias(ctx context.Context, vaultboxID, aliasEmail string) (*store.Alias, error) {
	vb, err := s.Get(ctx, vaultboxID)
	if err != nil {
		return nil, err
	}
	if vb.MailboxType != store.TypeSimple {
		return nil, validation("aliases apply to simple mailboxes only")
	}

	aliasEmail = strings.ToLower(strings.TrimSpace(aliasEmail))
	local, domain, found := strings.Cut(aliasEmail, "@")
	if !found || local == "" || !aliasPattern.MatchString(local) || !domainPattern.MatchString(domain) {
		return nil, validation("invalid alias address %q", aliasEmail)
	}
	if domain != vb.Domain {
		return nil, validation("alias must be on domain %s", vb.Domain)
	}

	cb, err := s.store.CatchallByDomain(ctx, vb.Domain)
	if err == nil && cb.Enabled {
		return nil, conflict(CodeDomainCatchall, "domain %s runs in catch-all mode", vb.Domain)
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, transient(err, "loading catch-all binding")
	}

	n, err := s.store.CountActiveAliases(ctx, vb.ID)
	if err != nil {
		return nil, transient(err, "counting aliases")
	}
	if n >= MaxAliases {
		return nil, conflict(CodeAliasLimit, "alias limit of %d reached", MaxAliases)
	}

	// Collisions with any primary address or existing alias.
	if _, err := s.store.VaultboxByAddress(ctx, local, domain); err == nil {
		return nil, conflict(CodeAliasConflict, "%s is a mailbox primary address", aliasEmail)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, transient(err, "checking address collision")
	}
	if _, err := s.store.AliasByEmail(ctx, aliasEmail); err == nil {
		return nil, conflict(CodeAliasConflict, "alias %s already exists", aliasEmail)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, transient(err, "checking alias collision")
	}

	alias := &store.Alias{
		ID:         uuid.NewString(),
		VaultboxID: vb.ID,
		AliasEmail: aliasEmail,
		Active:     true,
	}
	if err := s.store.InsertAlias(ctx, alias); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, conflict(CodeAliasConflict, "alias %s already exists", aliasEmail)
		}
		return nil, transient(err, "creating alias")
	}

	target := s.routeUsername(ctx, vb)
	if err := s.router.AddEmailRoute(ctx, aliasEmail, router.MaildirValue(target), vb.ID); err != nil {
		// Roll the row back so DB and map stay in step.
		if derr := s.store.DeleteAlias(ctx, vb.ID, alias.ID); derr != nil {
			s.logger.Error("alias rollback failed", "alias", aliasEmail, "error", derr)
		}
		return nil, external(err, "installing alias route")
	}

	s.logger.Info("alias created", "vaultbox_id", vb.ID, "alias", aliasEmail)
	return alias, nil
}

// ListAliases returns the aliases of a vaultbox.
func (s *Service) ListAliases(ctx context.Context, vaultboxID string) ([]store.Alias, error) {
	if _, err := s.Get(ctx, vaultboxID); err != nil {
		return nil, err
	}
	aliases, err := s.store.AliasesByVaultbox(ctx, vaultboxID)
	if err != nil {
		return nil, transient(err, "listing aliases")
	}
	return aliases, nil
}

// DeleteAlias removes an alias and its route. The route goes first; a
// leftover row is recoverable, a leftover route misdelivers.
func (s *Service) DeleteAlias(ctx context.Context, vaultboxID, aliasID string) error {
	alias, err := s.store.AliasByID(ctx, vaultboxID, aliasID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound("alias %s not found", aliasID)
		}
		return transient(err, "loading alias")
	}

	if err := s.router.RemoveEmailRoute(ctx, alias.AliasEmail); err != nil {
		s.logger.Error("alias route removal failed", "alias", alias.AliasEmail, "error", err)
	}
	if err := s.store.DeleteAlias(ctx, vaultboxID, aliasID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound("alias %s not found", aliasID)
		}
		return transient(err, "deleting alias")
	}
	s.logger.Info("alias deleted", "vaultbox_id", vaultboxID, "alias", alias.AliasEmail)
	return nil
}

// SimpleStatus reports the simple-mailbox shape of a domain.
type SimpleStatus struct {
	Domain             string `json:"domain"`
	SimpleCount        int64  `json:"simpleCount"`
	CatchallEnabled    bool   `json:"catchallEnabled"`
	ConversionEligible bool   `json:"conversionEligible"`
	EligibleVaultboxID string `json:"eligibleVaultboxId,omitempty"`
}

// DomainSimpleStatus computes the SimpleStatus of a domain.
func (s *Service) DomainSimpleStatus(ctx context.Context, domain string) (*SimpleStatus, error) {
	domain = strings.ToLower(domain)
	boxes, err := s.store.VaultboxesByDomain(ctx, domain, store.TypeSimple)
	if err != nil {
		return nil, transient(err, "listing simple vaultboxes")
	}

	status := &SimpleStatus{Domain: domain, SimpleCount: int64(len(boxes))}
	if cb, err := s.store.CatchallByDomain(ctx, domain); err == nil {
		status.CatchallEnabled = cb.Enabled
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, transient(err, "loading catch-all binding")
	}

	if len(boxes) == 1 && !status.CatchallEnabled {
		status.ConversionEligible = true
		status.EligibleVaultboxID = boxes[0].ID
	}
	return status, nil
}

// SetCatchall enables or disables the per-domain catch-all. Enabling with
// aliases present requires force, which atomically removes them and their
// routes first.
func (s *Service) SetCatchall(ctx context.Context, domain, vaultboxID string, enabled, force bool) error {
	domain = strings.ToLower(domain)
	if !enabled {
		return s.disableCatchall(ctx, domain)
	}

	boxes, err := s.store.VaultboxesByDomain(ctx, domain, store.TypeSimple)
	if err != nil {
		return transient(err, "listing simple vaultboxes")
	}
	if len(boxes) == 0 {
		return notFound("no simple vaultbox on domain %s", domain)
	}
	if len(boxes) > 1 {
		return conflict(CodeDomainCatchall,
			"catch-all requires exactly one simple vaultbox on %s, found %d", domain, len(boxes))
	}
	vb := boxes[0]
	if vb.ID != vaultboxID {
		return validation("vaultbox %s is not the simple mailbox of %s", vaultboxID, domain)
	}

	aliases, err := s.store.AliasesByVaultbox(ctx, vb.ID)
	if err != nil {
		return transient(err, "listing aliases")
	}
	if len(aliases) > 0 {
		if !force {
			return conflict(CodeAliasPresent,
				"%d aliases present; pass force to remove them", len(aliases))
		}
		for _, a := range aliases {
			if err := s.router.RemoveEmailRoute(ctx, a.AliasEmail); err != nil {
				return external(err, "removing alias route %s", a.AliasEmail)
			}
		}
		if _, err := s.store.DeleteAliasesByVaultbox(ctx, vb.ID); err != nil {
			return transient(err, "deleting aliases")
		}
	}

	if err := s.store.UpsertCatchall(ctx, domain, vb.ID, true); err != nil {
		return transient(err, "storing catch-all binding")
	}

	// Rewrite target: primary address when present, credential username
	// otherwise.
	target := vb.PrimaryAddress()
	if target == "" {
		target = s.routeUsername(ctx, &vb)
	}
	if target == "" {
		return validation("vaultbox %s has neither address nor credentials", vb.ID)
	}
	if err := s.router.AddCatchallRoute(ctx, domain, target, vb.ID); err != nil {
		return external(err, "installing catch-all route")
	}

	s.logger.Info("catch-all enabled", "domain", domain, "vaultbox_id", vb.ID, "target", target)
	return nil
}

// CatchallOwner resolves the user owning a domain's catch-all: the bound
// vaultbox when a binding exists, otherwise the domain's simple mailbox.
func (s *Service) CatchallOwner(ctx context.Context, domain string) (string, error) {
	domain = strings.ToLower(domain)
	cb, err := s.store.CatchallByDomain(ctx, domain)
	if err == nil {
		vb, err := s.store.VaultboxByID(ctx, cb.VaultboxID)
		if err != nil {
			return "", transient(err, "loading catch-all vaultbox")
		}
		return vb.OwnerUserID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", transient(err, "loading catch-all binding")
	}
	boxes, err := s.store.VaultboxesByDomain(ctx, domain, store.TypeSimple)
	if err != nil {
		return "", transient(err, "listing simple vaultboxes")
	}
	if len(boxes) == 0 {
		return "", notFound("no catch-all binding on domain %s", domain)
	}
	return boxes[0].OwnerUserID, nil
}

func (s *Service) disableCatchall(ctx context.Context, domain string) error {
	cb, err := s.store.CatchallByDomain(ctx, domain)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound("no catch-all binding on domain %s", domain)
		}
		return transient(err, "loading catch-all binding")
	}

	if err := s.store.UpsertCatchall(ctx, domain, cb.VaultboxID, false); err != nil {
		return transient(err, "storing catch-all binding")
	}
	if err := s.router.RemoveCatchallRoute(ctx, domain); err != nil {
		return external(err, "removing catch-all route")
	}

	s.logger.Info("catch-all disabled", "domain", domain)
	return nil
}
