// Package creds issues the unified IMAP/SMTP credential pair of a vaultbox:
// one username, independent passwords, argon2id hashes in the database and
// in the IMAP daemon's passwd file.
package creds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/motorical/encimap/internal/store"
)

// Issued carries a freshly issued or regenerated credential. Password is the
// only place the plaintext ever appears; it is returned to the caller once
// and never persisted.
type Issued struct {
	ID       string
	Username string
	Password string
}

// Issuer creates, regenerates, and revokes vaultbox credentials.
type Issuer struct {
	store       *store.Store
	passwd      *PasswdFile
	imap        IMAPDriver
	maildirRoot string
	uid, gid    int
	smtpHost    string
	smtpPort    int
	logger      *slog.Logger
}

// IssuerConfig wires an Issuer.
type IssuerConfig struct {
	Store       *store.Store
	Passwd      *PasswdFile
	IMAP        IMAPDriver
	MaildirRoot string
	UID, GID    int
	SMTPHost    string
	SMTPPort    int
	Logger      *slog.Logger
}

// NewIssuer creates an Issuer.
func NewIssuer(cfg IssuerConfig) *Issuer {
	imap := cfg.IMAP
	if imap == nil {
		imap = NoopIMAPDriver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{
		store:       cfg.Store,
		passwd:      cfg.Passwd,
		imap:        imap,
		maildirRoot: cfg.MaildirRoot,
		uid:         cfg.UID,
		gid:         cfg.GID,
		smtpHost:    cfg.SMTPHost,
		smtpPort:    cfg.SMTPPort,
		logger:      logger,
	}
}

// unifiedUsername returns the username shared by both credential sides of a
// vaultbox. If either side already has a credential, its username is reused
// verbatim; otherwise a new one is derived from the vaultbox address.
func (i *Issuer) unifiedUsername(ctx context.Context, vb *store.Vaultbox) (string, error) {
	if cred, err := i.store.ActiveImapCredential(ctx, vb.ID); err == nil {
		return cred.Username, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	if cred, err := i.store.SmtpCredentialByVaultbox(ctx, vb.ID); err == nil {
		return cred.Username, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	return DeriveUsername(vb.Alias, vb.Domain)
}

// IssueIMAP creates the IMAP credential of a vaultbox, writes its passwd
// file entry, and signals the IMAP daemon. Fails with store.ErrDuplicate if
// an active credential already exists.
func (i *Issuer) IssueIMAP(ctx context.Context, vb *store.Vaultbox) (*Issued, error) {
	if _, err := i.store.ActiveImapCredential(ctx, vb.ID); err == nil {
		return nil, store.ErrDuplicate
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	username, err := i.unifiedUsername(ctx, vb)
	if err != nil {
		return nil, err
	}
	password, err := GeneratePassword()
	if err != nil {
		return nil, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	cred := &store.ImapCredential{
		ID:           uuid.NewString(),
		OwnerUserID:  vb.OwnerUserID,
		VaultboxID:   vb.ID,
		Username:     username,
		PasswordHash: hash,
	}
	if err := i.store.InsertImapCredential(ctx, cred); err != nil {
		return nil, err
	}
	if err := i.installPasswdEntry(ctx, i.homeFor(vb, username), username, hash); err != nil {
		return nil, err
	}

	i.logger.Info("IMAP credential issued", "vaultbox_id", vb.ID, "username", username)
	return &Issued{ID: cred.ID, Username: username, Password: password}, nil
}

// RegenerateIMAP replaces the password of the active IMAP credential.
func (i *Issuer) RegenerateIMAP(ctx context.Context, vb *store.Vaultbox) (*Issued, error) {
	cred, err := i.store.ActiveImapCredential(ctx, vb.ID)
	if err != nil {
		return nil, err
	}

	password, err := GeneratePassword()
	if err != nil {
		return nil, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	if err := i.store.UpdateImapPasswordHash(ctx, cred.ID, hash); err != nil {
		return nil, err
	}
	if err := i.installPasswdEntry(ctx, i.homeFor(vb, cred.Username), cred.Username, hash); err != nil {
		return nil, err
	}

	i.logger.Info("IMAP credential regenerated", "vaultbox_id", vb.ID, "username", cred.Username)
	return &Issued{ID: cred.ID, Username: cred.Username, Password: password}, nil
}

// RevokeIMAP revokes the active IMAP credential and drops its passwd entry.
func (i *Issuer) RevokeIMAP(ctx context.Context, vb *store.Vaultbox) error {
	cred, err := i.store.ActiveImapCredential(ctx, vb.ID)
	if err != nil {
		return err
	}
	if err := i.store.RevokeImapCredential(ctx, cred.ID); err != nil {
		return err
	}
	return i.removePasswdEntry(ctx, cred.Username)
}

// IssueSMTP creates the SMTP (submission) credential of a vaultbox.
func (i *Issuer) IssueSMTP(ctx context.Context, vb *store.Vaultbox) (*Issued, error) {
	if _, err := i.store.SmtpCredentialByVaultbox(ctx, vb.ID); err == nil {
		return nil, store.ErrDuplicate
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	username, err := i.unifiedUsername(ctx, vb)
	if err != nil {
		return nil, err
	}
	password, err := GeneratePassword()
	if err != nil {
		return nil, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	cred := &store.SmtpCredential{
		ID:           uuid.NewString(),
		VaultboxID:   vb.ID,
		Username:     username,
		PasswordHash: hash,
		Host:         i.smtpHost,
		Port:         i.smtpPort,
		Enabled:      true,
	}
	if err := i.store.InsertSmtpCredential(ctx, cred); err != nil {
		return nil, err
	}

	i.logger.Info("SMTP credential issued", "vaultbox_id", vb.ID, "username", username)
	return &Issued{ID: cred.ID, Username: username, Password: password}, nil
}

// RegenerateSMTP replaces the password of the SMTP credential.
func (i *Issuer) RegenerateSMTP(ctx context.Context, vb *store.Vaultbox) (*Issued, error) {
	cred, err := i.store.SmtpCredentialByVaultbox(ctx, vb.ID)
	if err != nil {
		return nil, err
	}

	password, err := GeneratePassword()
	if err != nil {
		return nil, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	if err := i.store.UpdateSmtpPasswordHash(ctx, cred.ID, hash); err != nil {
		return nil, err
	}

	i.logger.Info("SMTP credential regenerated", "vaultbox_id", vb.ID, "username", cred.Username)
	return &Issued{ID: cred.ID, Username: cred.Username, Password: password}, nil
}

// DropVaultbox removes a deleted vaultbox's passwd entries and flushes its
// auth cache. Database rows are cascaded by the store.
func (i *Issuer) DropVaultbox(ctx context.Context, vb *store.Vaultbox) error {
	cred, err := i.store.ActiveImapCredential(ctx, vb.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return i.removePasswdEntry(ctx, cred.Username)
}

// Home returns the filesystem home directory of a vaultbox. Encrypted
// mailboxes live under the vaultbox id; simple mailboxes under the
// credential username.
func (i *Issuer) Home(vaultboxID string) string {
	return filepath.Join(i.maildirRoot, vaultboxID)
}

func (i *Issuer) homeFor(vb *store.Vaultbox, username string) string {
	if vb.MailboxType == store.TypeSimple {
		return filepath.Join(i.maildirRoot, username)
	}
	return filepath.Join(i.maildirRoot, vb.ID)
}

func (i *Issuer) installPasswdEntry(ctx context.Context, home, username, hash string) error {
	if i.passwd == nil {
		return nil
	}
	entry := PasswdEntry{
		Username: username,
		Hash:     hash,
		Home:     home,
		UID:      i.uid,
		GID:      i.gid,
	}
	if err := i.passwd.SetUser(entry); err != nil {
		return err
	}
	if err := i.imap.ReloadUsers(ctx); err != nil {
		return fmt.Errorf("creds: passwd entry installed but reload failed: %w", err)
	}
	if err := i.imap.FlushAuthCache(ctx, username); err != nil {
		i.logger.Warn("auth cache flush failed", "username", username, "error", err)
	}
	return nil
}

func (i *Issuer) removePasswdEntry(ctx context.Context, username string) error {
	if i.passwd == nil {
		return nil
	}
	if err := i.passwd.RemoveUser(username); err != nil {
		return err
	}
	if err := i.imap.ReloadUsers(ctx); err != nil {
		return fmt.Errorf("creds: passwd entry removed but reload failed: %w", err)
	}
	if err := i.imap.FlushAuthCache(ctx, username); err != nil {
		i.logger.Warn("auth cache flush failed", "username", username, "error", err)
	}
	return nil
}
