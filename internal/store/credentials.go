package store

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// InsertImapCredential persists a new IMAP credential.
func (s *Store) InsertImapCredential(ctx context.Context, cred *ImapCredential) error {
	return translate(s.db.WithContext(ctx).Create(cred).Error)
}

// ActiveImapCredential returns the non-revoked IMAP credential of a vaultbox.
func (s *Store) ActiveImapCredential(ctx context.Context, vaultboxID string) (*ImapCredential, error) {
	var cred ImapCredential
	err := s.db.WithContext(ctx).
		Where("vaultbox_id = ? AND revoked_at IS NULL", vaultboxID).
		First(&cred).Error
	if err != nil {
		return nil, translate(err)
	}
	return &cred, nil
}

// ActiveImapCredentials lists all non-revoked IMAP credentials. Used to
// rebuild the IMAP daemon's passwd file.
func (s *Store) ActiveImapCredentials(ctx context.Context) ([]ImapCredential, error) {
	var out []ImapCredential
	err := s.db.WithContext(ctx).
		Where("revoked_at IS NULL").
		Order("username ASC").
		Find(&out).Error
	return out, translate(err)
}

// UpdateImapPasswordHash replaces the password hash of an IMAP credential.
func (s *Store) UpdateImapPasswordHash(ctx context.Context, id, hash string) error {
	res := s.db.WithContext(ctx).Model(&ImapCredential{}).
		Where("id = ?", id).
		Update("password_hash", hash)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeImapCredential marks an IMAP credential revoked.
func (s *Store) RevokeImapCredential(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&ImapCredential{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Update("revoked_at", now)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertSmtpCredential persists a new SMTP credential.
func (s *Store) InsertSmtpCredential(ctx context.Context, cred *SmtpCredential) error {
	return translate(s.db.WithContext(ctx).Create(cred).Error)
}

// SmtpCredentialByVaultbox returns the SMTP credential of a vaultbox.
func (s *Store) SmtpCredentialByVaultbox(ctx context.Context, vaultboxID string) (*SmtpCredential, error) {
	var cred SmtpCredential
	err := s.db.WithContext(ctx).
		Where("vaultbox_id = ?", vaultboxID).
		First(&cred).Error
	if err != nil {
		return nil, translate(err)
	}
	return &cred, nil
}

// SmtpCredentialByUsername resolves an SMTP credential by its username.
func (s *Store) SmtpCredentialByUsername(ctx context.Context, username string) (*SmtpCredential, error) {
	var cred SmtpCredential
	err := s.db.WithContext(ctx).
		Where("username = ?", username).
		First(&cred).Error
	if err != nil {
		return nil, translate(err)
	}
	return &cred, nil
}

// UpdateSmtpPasswordHash replaces the password hash of an SMTP credential.
func (s *Store) UpdateSmtpPasswordHash(ctx context.Context, id, hash string) error {
	res := s.db.WithContext(ctx).Model(&SmtpCredential{}).
		Where("id = ?", id).
		Update("password_hash", hash)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSmtpEndpoint stores caller-chosen submission endpoint settings.
func (s *Store) UpdateSmtpEndpoint(ctx context.Context, id, host string, port int, securityMode string) error {
	res := s.db.WithContext(ctx).Model(&SmtpCredential{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"host":          host,
			"port":          port,
			"security_mode": securityMode,
		})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchSmtpCredential records a successful submission auth: bumps the sent
// counter and last_used_at.
func (s *Store) TouchSmtpCredential(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return translate(s.db.WithContext(ctx).Model(&SmtpCredential{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_used_at":        now,
			"messages_sent_count": gorm.Expr("messages_sent_count + 1"),
		}).Error)
}

// DeleteSmtpCredential removes the SMTP credential of a vaultbox.
func (s *Store) DeleteSmtpCredential(ctx context.Context, vaultboxID string) error {
	res := s.db.WithContext(ctx).
		Where("vaultbox_id = ?", vaultboxID).
		Delete(&SmtpCredential{})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
