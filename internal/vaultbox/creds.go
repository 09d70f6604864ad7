package vaultbox

import (
	"context"
	"errors"

	"github.com/motorical/encimap/internal/creds"
	"github.com/motorical/encimap/internal/router"
	"github.com/motorical/encimap/internal/store"
)

// ImapCredentialInfo describes the IMAP credential without secrets.
type ImapCredentialInfo struct {
	ID       string
	Username string
	Server   string
}

// SmtpOptions are the caller-tunable SMTP credential fields.
type SmtpOptions struct {
	Host         string
	Port         int
	SecurityMode string
}

// CreateImapCredentials issues the IMAP side of a vaultbox's credential
// pair. For simple mailboxes this is also the moment the MTA route appears,
// since its target is the username.
func (s *Service) CreateImapCredentials(ctx context.Context, vaultboxID string) (*creds.Issued, error) {
	vb, err := s.Get(ctx, vaultboxID)
	if err != nil {
		return nil, err
	}

	issued, err := s.issuer.IssueIMAP(ctx, vb)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, conflict(CodeValidation, "IMAP credentials already issued")
		}
		return nil, external(err, "issuing IMAP credentials")
	}

	if vb.MailboxType == store.TypeSimple {
		if err := s.finishSimpleProvisioning(ctx, vb, issued.Username); err != nil {
			return nil, err
		}
	}
	return issued, nil
}

// finishSimpleProvisioning creates the username-keyed Maildir and installs
// the deferred routes of a simple vaultbox.
func (s *Service) finishSimpleProvisioning(ctx context.Context, vb *store.Vaultbox, username string) error {
	md := s.worker.Maildir()
	if err := md.Ensure(username); err != nil {
		return external(err, "creating Maildir")
	}
	if addr := vb.PrimaryAddress(); addr != "" {
		if err := s.router.AddEmailRoute(ctx, addr, router.MaildirValue(username), vb.ID); err != nil {
			return external(err, "installing route")
		}
	}

	// A catch-all recorded at create time activates now that a route
	// target exists.
	cb, err := s.store.CatchallByDomain(ctx, vb.Domain)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return transient(err, "loading catch-all binding")
	}
	if cb.VaultboxID != vb.ID {
		return nil
	}
	target := vb.PrimaryAddress()
	if target == "" {
		target = username
	}
	if err := s.store.UpsertCatchall(ctx, vb.Domain, vb.ID, true); err != nil {
		return transient(err, "enabling catch-all binding")
	}
	if err := s.router.AddCatchallRoute(ctx, vb.Domain, target, vb.ID); err != nil {
		return external(err, "installing catch-all route")
	}
	return nil
}

// GetImapCredentials returns the active IMAP credential without its secret.
func (s *Service) GetImapCredentials(ctx context.Context, vaultboxID string) (*ImapCredentialInfo, error) {
	if _, err := s.Get(ctx, vaultboxID); err != nil {
		return nil, err
	}
	cred, err := s.store.ActiveImapCredential(ctx, vaultboxID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound("no IMAP credentials on vaultbox %s", vaultboxID)
		}
		return nil, transient(err, "loading IMAP credentials")
	}
	return &ImapCredentialInfo{ID: cred.ID, Username: cred.Username, Server: s.hostname}, nil
}

// RegenerateImapCredentials rotates the IMAP password. The username never
// changes.
func (s *Service) RegenerateImapCredentials(ctx context.Context, vaultboxID string) (*creds.Issued, error) {
	vb, err := s.Get(ctx, vaultboxID)
	if err != nil {
		return nil, err
	}
	issued, err := s.issuer.RegenerateIMAP(ctx, vb)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound("no IMAP credentials on vaultbox %s", vaultboxID)
		}
		return nil, external(err, "regenerating IMAP credentials")
	}
	return issued, nil
}

// DeleteImapCredentials revokes the active IMAP credential.
func (s *Service) DeleteImapCredentials(ctx context.Context, vaultboxID string) error {
	vb, err := s.Get(ctx, vaultboxID)
	if err != nil {
		return err
	}
	if err := s.issuer.RevokeIMAP(ctx, vb); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound("no IMAP credentials on vaultbox %s", vaultboxID)
		}
		return external(err, "revoking IMAP credentials")
	}
	return nil
}

// CreateSmtpCredentials issues the SMTP side of the credential pair.
func (s *Service) CreateSmtpCredentials(ctx context.Context, vaultboxID string, opts SmtpOptions) (*creds.Issued, *store.SmtpCredential, error) {
	vb, err := s.Get(ctx, vaultboxID)
	if err != nil {
		return nil, nil, err
	}

	issued, err := s.issuer.IssueSMTP(ctx, vb)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, nil, conflict(CodeValidation, "SMTP credentials already issued")
		}
		return nil, nil, external(err, "issuing SMTP credentials")
	}

	cred, err := s.store.SmtpCredentialByVaultbox(ctx, vb.ID)
	if err != nil {
		return nil, nil, transient(err, "loading SMTP credentials")
	}
	if opts.Host != "" || opts.Port != 0 || opts.SecurityMode != "" {
		if opts.Host != "" {
			cred.Host = opts.Host
		}
		if opts.Port != 0 {
			cred.Port = opts.Port
		}
		if opts.SecurityMode != "" {
			cred.SecurityMode = opts.SecurityMode
		}
		if err := s.store.UpdateSmtpEndpoint(ctx, cred.ID, cred.Host, cred.Port, cred.SecurityMode); err != nil {
			s.logger.Error("storing SMTP endpoint overrides failed", "vaultbox_id", vb.ID, "error", err)
		}
	}
	return issued, cred, nil
}

// GetSmtpCredentials returns the SMTP credential without its secret.
func (s *Service) GetSmtpCredentials(ctx context.Context, vaultboxID string) (*store.SmtpCredential, error) {
	if _, err := s.Get(ctx, vaultboxID); err != nil {
		return nil, err
	}
	cred, err := s.store.SmtpCredentialByVaultbox(ctx, vaultboxID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound("no SMTP credentials on vaultbox %s", vaultboxID)
		}
		return nil, transient(err, "loading SMTP credentials")
	}
	return cred, nil
}

// RegenerateSmtpCredentials rotates the SMTP password.
func (s *Service) RegenerateSmtpCredentials(ctx context.Context, vaultboxID string) (*creds.Issued, *store.SmtpCredential, error) {
	vb, err := s.Get(ctx, vaultboxID)
	if err != nil {
		return nil, nil, err
	}
	issued, err := s.issuer.RegenerateSMTP(ctx, vb)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, notFound("no SMTP credentials on vaultbox %s", vaultboxID)
		}
		return nil, nil, external(err, "regenerating SMTP credentials")
	}
	cred, err := s.store.SmtpCredentialByVaultbox(ctx, vaultboxID)
	if err != nil {
		return nil, nil, transient(err, "loading SMTP credentials")
	}
	return issued, cred, nil
}

// DeleteSmtpCredentials removes the SMTP credential.
func (s *Service) DeleteSmtpCredentials(ctx context.Context, vaultboxID string) error {
	if _, err := s.Get(ctx, vaultboxID); err != nil {
		return err
	}
	if err := s.store.DeleteSmtpCredential(ctx, vaultboxID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound("no SMTP credentials on vaultbox %s", vaultboxID)
		}
		return transient(err, "deleting SMTP credentials")
	}
	return nil
}
