package store

import (
	"context"
	"strings"
)

// InsertVaultbox persists a new vaultbox.
func (s *Store) InsertVaultbox(ctx context.Context, vb *Vaultbox) error {
	vb.Domain = strings.ToLower(vb.Domain)
	if vb.Alias != nil {
		a := strings.ToLower(*vb.Alias)
		vb.Alias = &a
	}
	return translate(s.db.WithContext(ctx).Create(vb).Error)
}

// VaultboxByID loads a vaultbox by id.
func (s *Store) VaultboxByID(ctx context.Context, id string) (*Vaultbox, error) {
	var vb Vaultbox
	err := s.db.WithContext(ctx).First(&vb, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &vb, nil
}

// VaultboxByAddress loads a vaultbox by its primary alias@domain address.
func (s *Store) VaultboxByAddress(ctx context.Context, alias, domain string) (*Vaultbox, error) {
	var vb Vaultbox
	err := s.db.WithContext(ctx).
		Where("domain = ? AND alias = ?", strings.ToLower(domain), strings.ToLower(alias)).
		First(&vb).Error
	if err != nil {
		return nil, translate(err)
	}
	return &vb, nil
}

// VaultboxesByOwner lists all vaultboxes of a user, newest first.
func (s *Store) VaultboxesByOwner(ctx context.Context, ownerUserID string) ([]Vaultbox, error) {
	var out []Vaultbox
	err := s.db.WithContext(ctx).
		Where("owner_user_id = ?", ownerUserID).
		Order("created_at DESC").
		Find(&out).Error
	return out, translate(err)
}

// VaultboxesByDomain lists vaultboxes on a domain, optionally filtered by
// mailbox type ("" matches all).
func (s *Store) VaultboxesByDomain(ctx context.Context, domain, mailboxType string) ([]Vaultbox, error) {
	q := s.db.WithContext(ctx).Where("domain = ?", strings.ToLower(domain))
	if mailboxType != "" {
		q = q.Where("mailbox_type = ?", mailboxType)
	}
	var out []Vaultbox
	err := q.Order("created_at ASC").Find(&out).Error
	return out, translate(err)
}

// CountVaultboxesByDomain counts vaultboxes on a domain by mailbox type.
func (s *Store) CountVaultboxesByDomain(ctx context.Context, domain, mailboxType string) (int64, error) {
	q := s.db.WithContext(ctx).Model(&Vaultbox{}).Where("domain = ?", strings.ToLower(domain))
	if mailboxType != "" {
		q = q.Where("mailbox_type = ?", mailboxType)
	}
	var n int64
	err := q.Count(&n).Error
	return n, translate(err)
}

// UpdateVaultboxStatus sets the status of a vaultbox.
func (s *Store) UpdateVaultboxStatus(ctx context.Context, id, status string) error {
	res := s.db.WithContext(ctx).Model(&Vaultbox{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteVaultbox removes a vaultbox and everything owned by it: certificates,
// credentials, messages, aliases and the catch-all binding. Route audit rows
// are kept (they are the reconciliation log).
func (s *Store) DeleteVaultbox(ctx context.Context, id string) error {
	return s.Transaction(ctx, func(tx *Store) error {
		db := tx.db
		if err := db.Delete(&Certificate{}, "vaultbox_id = ?", id).Error; err != nil {
			return translate(err)
		}
		if err := db.Delete(&ImapCredential{}, "vaultbox_id = ?", id).Error; err != nil {
			return translate(err)
		}
		if err := db.Delete(&SmtpCredential{}, "vaultbox_id = ?", id).Error; err != nil {
			return translate(err)
		}
		if err := db.Delete(&Message{}, "vaultbox_id = ?", id).Error; err != nil {
			return translate(err)
		}
		if err := db.Delete(&Alias{}, "vaultbox_id = ?", id).Error; err != nil {
			return translate(err)
		}
		if err := db.Delete(&CatchallBinding{}, "vaultbox_id = ?", id).Error; err != nil {
			return translate(err)
		}
		res := db.Delete(&Vaultbox{}, "id = ?", id)
		if res.Error != nil {
			return translate(res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}
