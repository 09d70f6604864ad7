// Package vaultbox composes the store, MTA router, credential issuer and
// intake worker into the mailbox lifecycle use-cases, and enforces the
// cross-entity invariants between them.
package vaultbox

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/motorical/encimap/internal/creds"
	"github.com/motorical/encimap/internal/intake"
	"github.com/motorical/encimap/internal/metrics"
	"github.com/motorical/encimap/internal/router"
	"github.com/motorical/encimap/internal/smime"
	"github.com/motorical/encimap/internal/store"
	"github.com/motorical/encimap/internal/subscription"
)

// MaxAliases is the per-vaultbox cap on receive-only aliases.
const MaxAliases = 5

var (
	aliasPattern  = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+$`)
	domainPattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?)+$`)
)

// Service is the lifecycle service. All methods return *Error.
type Service struct {
	store    *store.Store
	router   *router.Router
	issuer   *creds.Issuer
	worker   *intake.Worker
	verifier subscription.Verifier
	logger   *slog.Logger
	metrics  metrics.Collector
	hostname string
}

// Config wires a Service.
type Config struct {
	Store    *store.Store
	Router   *router.Router
	Issuer   *creds.Issuer
	Worker   *intake.Worker
	Verifier subscription.Verifier
	Logger   *slog.Logger
	Metrics  metrics.Collector
	Hostname string
}

// New creates a Service.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := cfg.Metrics
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	verifier := cfg.Verifier
	if verifier == nil {
		verifier = &subscription.Static{AllowAll: true}
	}
	return &Service{
		store:    cfg.Store,
		router:   cfg.Router,
		issuer:   cfg.Issuer,
		worker:   cfg.Worker,
		verifier: verifier,
		logger:   logger,
		metrics:  collector,
		hostname: cfg.Hostname,
	}
}

// CreateParams describes a vaultbox to create.
type CreateParams struct {
	OwnerUserID    string
	Domain         string
	Name           string
	Alias          string
	MailboxType    string // defaults to encrypted
	IsCatchAll     bool
	CertificatePEM string // optional; encrypted mailboxes only
}

// CreateResult is the outcome of a create. For encrypted mailboxes without
// a caller-supplied certificate, PrivateKeyPEM carries the generated key —
// the only time it ever exists server-side.
type CreateResult struct {
	Vaultbox       *store.Vaultbox
	CertificatePEM string
	PrivateKeyPEM  string
	Fingerprint    string
}

// Create builds a vaultbox end to end: DB row, certificate (encrypted),
// Maildir skeleton, welcome message, MTA route. Order is DB, filesystem,
// map update, reload; a failure after commit triggers a compensating
// delete.
func (s *Service) Create(ctx context.Context, p CreateParams) (*CreateResult, error) {
	p.Domain = strings.ToLower(strings.TrimSpace(p.Domain))
	p.Alias = strings.ToLower(strings.TrimSpace(p.Alias))
	if p.MailboxType == "" {
		p.MailboxType = store.TypeEncrypted
	}

	if p.OwnerUserID == "" {
		return nil, validation("user_id is required")
	}
	if !domainPattern.MatchString(p.Domain) {
		return nil, validation("invalid domain %q", p.Domain)
	}
	if p.Alias == "" {
		return nil, validation("alias is required")
	}
	if !aliasPattern.MatchString(p.Alias) {
		return nil, validation("invalid alias %q", p.Alias)
	}
	switch p.MailboxType {
	case store.TypeEncrypted, store.TypeSimple:
	default:
		return nil, validation("unknown mailbox_type %q", p.MailboxType)
	}

	verified, err := s.verifier.VerifyDomain(ctx, p.OwnerUserID, p.Domain)
	if err != nil {
		return nil, external(err, "domain verification unavailable")
	}
	if !verified {
		return nil, unauthorized(CodeNotVerified, "domain %s is not verified for this account", p.Domain)
	}

	if p.MailboxType == store.TypeSimple {
		return s.createSimple(ctx, p)
	}
	return s.createEncrypted(ctx, p)
}

func (s *Service) createEncrypted(ctx context.Context, p CreateParams) (*CreateResult, error) {
	// Certificate material is prepared before the transaction; key
	// generation is far too slow to hold a connection across.
	var (
		certPEM     string
		keyPEM      string
		fingerprint string
	)
	if p.CertificatePEM != "" {
		cert, err := smime.ParseCertificatePEM([]byte(p.CertificatePEM))
		if err != nil {
			return nil, validation("invalid certificate: %v", err)
		}
		certPEM = p.CertificatePEM
		fingerprint = smime.Fingerprint(cert)
	} else {
		gen, err := smime.GenerateSelfSigned(p.Alias + "@" + p.Domain)
		if err != nil {
			return nil, external(err, "certificate generation failed")
		}
		certPEM = string(gen.CertPEM)
		keyPEM = string(gen.KeyPEM)
		fingerprint = gen.Fingerprint
	}

	vb := &store.Vaultbox{
		ID:          uuid.NewString(),
		OwnerUserID: p.OwnerUserID,
		Domain:      p.Domain,
		Alias:       &p.Alias,
		DisplayName: p.Name,
		MailboxType: store.TypeEncrypted,
		Status:      store.StatusActive,
	}
	err := s.store.Transaction(ctx, func(tx *store.Store) error {
		if err := tx.InsertVaultbox(ctx, vb); err != nil {
			return err
		}
		return tx.InsertCertificate(ctx, &store.Certificate{
			ID:            uuid.NewString(),
			VaultboxID:    vb.ID,
			Label:         p.Name,
			PublicCertPEM: certPEM,
			Fingerprint:   fingerprint,
		})
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, conflict(CodeAliasConflict, "address %s@%s already exists", p.Alias, p.Domain)
		}
		return nil, transient(err, "creating vaultbox")
	}

	if err := s.finishEncryptedCreate(ctx, vb); err != nil {
		s.compensateCreate(ctx, vb)
		return nil, err
	}

	s.metrics.VaultboxCreated(store.TypeEncrypted)
	s.logger.Info("vaultbox created", "vaultbox_id", vb.ID, "address", vb.PrimaryAddress(), "type", vb.MailboxType)
	return &CreateResult{
		Vaultbox:       vb,
		CertificatePEM: certPEM,
		PrivateKeyPEM:  keyPEM,
		Fingerprint:    fingerprint,
	}, nil
}

// finishEncryptedCreate performs the post-commit filesystem and MTA steps.
func (s *Service) finishEncryptedCreate(ctx context.Context, vb *store.Vaultbox) error {
	md := s.worker.Maildir()
	if err := md.Ensure(vb.ID); err != nil {
		return external(err, "creating Maildir")
	}
	if err := s.seedWelcome(ctx, vb); err != nil {
		return err
	}
	if err := s.router.AddEmailRoute(ctx, vb.PrimaryAddress(), router.PipeValue(vb.ID), vb.ID); err != nil {
		return external(err, "installing route")
	}
	return nil
}

// seedWelcome drops an encrypted welcome message into new/. It bypasses the
// Message table on purpose: the seed is not user traffic and must not count
// toward usage.
func (s *Service) seedWelcome(ctx context.Context, vb *store.Vaultbox) error {
	rows, err := s.store.CertificatesByVaultbox(ctx, vb.ID)
	if err != nil || len(rows) == 0 {
		return external(err, "loading certificates for welcome message")
	}
	cert, err := smime.ParseCertificatePEM([]byte(rows[0].PublicCertPEM))
	if err != nil {
		return external(err, "parsing certificate for welcome message")
	}

	addr := vb.PrimaryAddress()
	body := fmt.Sprintf(
		"From: encimap <noreply@%s>\r\nTo: %s\r\nSubject: Your encrypted mailbox is ready\r\nDate: %s\r\n\r\n"+
			"This mailbox encrypts every incoming message with your registered\r\ncertificates. "+
			"This welcome message is the first of them.\r\n",
		s.hostname, addr, time.Now().UTC().Format(time.RFC1123Z))

	ciphertext, err := smime.EncryptMessage([]byte(body), []*x509.Certificate{cert})
	if err != nil {
		return external(err, "encrypting welcome message")
	}
	if _, err := s.worker.Maildir().Deliver(vb.ID, ciphertext); err != nil {
		return external(err, "delivering welcome message")
	}
	return nil
}

// compensateCreate rolls back a half-built vaultbox. If the compensation
// itself fails, the vaultbox is parked as disabled for the operator.
func (s *Service) compensateCreate(ctx context.Context, vb *store.Vaultbox) {
	if err := s.router.RemoveEmailRoute(ctx, vb.PrimaryAddress()); err != nil {
		s.logger.Error("compensation: route removal failed", "vaultbox_id", vb.ID, "error", err)
	}
	if err := s.worker.Maildir().Remove(vb.ID); err != nil {
		s.logger.Error("compensation: maildir removal failed", "vaultbox_id", vb.ID, "error", err)
	}
	if err := s.store.DeleteVaultbox(ctx, vb.ID); err != nil {
		s.logger.Error("compensation: delete failed, disabling vaultbox", "vaultbox_id", vb.ID, "error", err)
		if err := s.store.UpdateVaultboxStatus(ctx, vb.ID, store.StatusDisabled); err != nil {
			s.logger.Error("compensation: disable failed", "vaultbox_id", vb.ID, "error", err)
		}
	}
}

// Get loads one vaultbox.
func (s *Service) Get(ctx context.Context, id string) (*store.Vaultbox, error) {
	vb, err := s.store.VaultboxByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound("vaultbox %s not found", id)
		}
		return nil, transient(err, "loading vaultbox")
	}
	return vb, nil
}

// Summary is a vaultbox plus credential and certificate presence flags for
// listings.
type Summary struct {
	Vaultbox       store.Vaultbox
	HasImap        bool
	HasSmtp        bool
	CertificateCnt int64
	AliasCnt       int64
}

// List returns the vaultboxes of a user with presence flags.
func (s *Service) List(ctx context.Context, ownerUserID string) ([]Summary, error) {
	boxes, err := s.store.VaultboxesByOwner(ctx, ownerUserID)
	if err != nil {
		return nil, transient(err, "listing vaultboxes")
	}

	out := make([]Summary, 0, len(boxes))
	for _, vb := range boxes {
		sum := Summary{Vaultbox: vb}
		if _, err := s.store.ActiveImapCredential(ctx, vb.ID); err == nil {
			sum.HasImap = true
		}
		if _, err := s.store.SmtpCredentialByVaultbox(ctx, vb.ID); err == nil {
			sum.HasSmtp = true
		}
		if n, err := s.store.CountCertificates(ctx, vb.ID); err == nil {
			sum.CertificateCnt = n
		}
		if n, err := s.store.CountActiveAliases(ctx, vb.ID); err == nil {
			sum.AliasCnt = n
		}
		out = append(out, sum)
	}
	return out, nil
}

// SetStatus flips a vaultbox between active and disabled.
func (s *Service) SetStatus(ctx context.Context, id, status string) error {
	if status != store.StatusActive && status != store.StatusDisabled {
		return validation("unknown status %q", status)
	}
	if err := s.store.UpdateVaultboxStatus(ctx, id, status); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound("vaultbox %s not found", id)
		}
		return transient(err, "updating status")
	}
	return nil
}

// Delete tears a vaultbox down: routes out first (stop new deliveries),
// then credentials, DB cascade, and Maildirs. Partial failures are logged
// and the teardown continues; the route audit log records what remains.
func (s *Service) Delete(ctx context.Context, id string) error {
	vb, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	aliases, aliasErr := s.store.AliasesByVaultbox(ctx, vb.ID)
	if aliasErr != nil {
		s.logger.Error("delete: listing aliases failed", "vaultbox_id", vb.ID, "error", aliasErr)
	}

	var username string
	if cred, err := s.store.ActiveImapCredential(ctx, vb.ID); err == nil {
		username = cred.Username
	}

	if err := s.router.RemoveEmailRoute(ctx, vb.PrimaryAddress()); err != nil {
		s.logger.Error("delete: primary route removal failed", "vaultbox_id", vb.ID, "error", err)
	}
	for _, a := range aliases {
		if err := s.router.RemoveEmailRoute(ctx, a.AliasEmail); err != nil {
			s.logger.Error("delete: alias route removal failed", "alias", a.AliasEmail, "error", err)
		}
	}
	if cb, err := s.store.CatchallByDomain(ctx, vb.Domain); err == nil && cb.VaultboxID == vb.ID {
		if err := s.router.RemoveCatchallRoute(ctx, vb.Domain); err != nil {
			s.logger.Error("delete: catch-all route removal failed", "domain", vb.Domain, "error", err)
		}
	}

	// Passwd entry removal reads the active credential, so it precedes the
	// DB cascade.
	if err := s.issuer.DropVaultbox(ctx, vb); err != nil {
		s.logger.Error("delete: passwd cleanup failed", "vaultbox_id", vb.ID, "error", err)
	}

	if err := s.store.DeleteVaultbox(ctx, vb.ID); err != nil {
		return transient(err, "deleting vaultbox")
	}
	if err := s.store.DeactivateRoutesByVaultbox(ctx, vb.ID); err != nil {
		s.logger.Error("delete: route audit update failed", "vaultbox_id", vb.ID, "error", err)
	}

	md := s.worker.Maildir()
	if err := md.Remove(vb.ID); err != nil {
		s.logger.Error("delete: maildir removal failed", "vaultbox_id", vb.ID, "error", err)
	}
	if vb.MailboxType == store.TypeSimple && username != "" {
		if err := md.Remove(username); err != nil {
			s.logger.Error("delete: simple maildir removal failed", "username", username, "error", err)
		}
	}

	s.metrics.VaultboxDeleted(vb.MailboxType)
	s.logger.Info("vaultbox deleted", "vaultbox_id", vb.ID, "address", vb.PrimaryAddress())
	return nil
}

// UploadCertificate registers an additional recipient certificate.
func (s *Service) UploadCertificate(ctx context.Context, vaultboxID, label, pemData string) (*store.Certificate, error) {
	vb, err := s.Get(ctx, vaultboxID)
	if err != nil {
		return nil, err
	}
	if vb.MailboxType != store.TypeEncrypted {
		return nil, validation("certificates apply to encrypted mailboxes only")
	}

	cert, err := smime.ParseCertificatePEM([]byte(pemData))
	if err != nil {
		return nil, validation("invalid certificate: %v", err)
	}

	row := &store.Certificate{
		ID:            uuid.NewString(),
		VaultboxID:    vb.ID,
		Label:         label,
		PublicCertPEM: pemData,
		Fingerprint:   smime.Fingerprint(cert),
	}
	if err := s.store.InsertCertificate(ctx, row); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, conflict(CodeValidation, "certificate already registered")
		}
		return nil, transient(err, "storing certificate")
	}
	return row, nil
}

// Usage aggregates message statistics per vaultbox of a user.
type Usage struct {
	VaultboxID   string
	Address      string
	MessageCount int64
	TotalBytes   int64
}

// UsageByOwner returns message counts and bytes for every vaultbox of a
// user, including vaultboxes with no messages yet.
func (s *Service) UsageByOwner(ctx context.Context, ownerUserID string) ([]Usage, error) {
	boxes, err := s.store.VaultboxesByOwner(ctx, ownerUserID)
	if err != nil {
		return nil, transient(err, "listing vaultboxes")
	}
	ids := make([]string, len(boxes))
	for i, vb := range boxes {
		ids[i] = vb.ID
	}

	rows, err := s.store.MessageUsageByVaultboxes(ctx, ids)
	if err != nil {
		return nil, transient(err, "aggregating usage")
	}
	byID := make(map[string]store.MessageUsage, len(rows))
	for _, r := range rows {
		byID[r.VaultboxID] = r
	}

	out := make([]Usage, len(boxes))
	for i, vb := range boxes {
		u := byID[vb.ID]
		out[i] = Usage{
			VaultboxID:   vb.ID,
			Address:      vb.PrimaryAddress(),
			MessageCount: u.MessageCount,
			TotalBytes:   u.TotalBytes,
		}
	}
	return out, nil
}
