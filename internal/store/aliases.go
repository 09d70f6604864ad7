package store

import (
	"context"
	"strings"
)

// InsertAlias persists a receive-only alias. AliasEmail is lowercased.
func (s *Store) InsertAlias(ctx context.Context, a *Alias) error {
	a.AliasEmail = strings.ToLower(a.AliasEmail)
	return translate(s.db.WithContext(ctx).Create(a).Error)
}

// AliasByID loads one alias of a vaultbox.
func (s *Store) AliasByID(ctx context.Context, vaultboxID, aliasID string) (*Alias, error) {
	var a Alias
	err := s.db.WithContext(ctx).
		Where("vaultbox_id = ? AND id = ?", vaultboxID, aliasID).
		First(&a).Error
	if err != nil {
		return nil, translate(err)
	}
	return &a, nil
}

// AliasByEmail resolves an alias by its address, case-insensitively.
func (s *Store) AliasByEmail(ctx context.Context, aliasEmail string) (*Alias, error) {
	var a Alias
	err := s.db.WithContext(ctx).
		Where("alias_email = ?", strings.ToLower(aliasEmail)).
		First(&a).Error
	if err != nil {
		return nil, translate(err)
	}
	return &a, nil
}

// AliasesByVaultbox lists aliases of a vaultbox, oldest first.
func (s *Store) AliasesByVaultbox(ctx context.Context, vaultboxID string) ([]Alias, error) {
	var out []Alias
	err := s.db.WithContext(ctx).
		Where("vaultbox_id = ?", vaultboxID).
		Order("created_at ASC").
		Find(&out).Error
	return out, translate(err)
}

// CountActiveAliases counts active aliases of a vaultbox.
func (s *Store) CountActiveAliases(ctx context.Context, vaultboxID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Alias{}).
		Where("vaultbox_id = ? AND active = ?", vaultboxID, true).
		Count(&n).Error
	return n, translate(err)
}

// DeleteAlias removes one alias of a vaultbox.
func (s *Store) DeleteAlias(ctx context.Context, vaultboxID, aliasID string) error {
	res := s.db.WithContext(ctx).
		Where("vaultbox_id = ? AND id = ?", vaultboxID, aliasID).
		Delete(&Alias{})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAliasesByVaultbox removes all aliases of a vaultbox and returns the
// removed rows so the caller can drop their routes.
func (s *Store) DeleteAliasesByVaultbox(ctx context.Context, vaultboxID string) ([]Alias, error) {
	aliases, err := s.AliasesByVaultbox(ctx, vaultboxID)
	if err != nil {
		return nil, err
	}
	if len(aliases) == 0 {
		return nil, nil
	}
	err = s.db.WithContext(ctx).
		Where("vaultbox_id = ?", vaultboxID).
		Delete(&Alias{}).Error
	if err != nil {
		return nil, translate(err)
	}
	return aliases, nil
}

// UpsertCatchall creates or updates the catch-all binding for a domain.
func (s *Store) UpsertCatchall(ctx context.Context, domain, vaultboxID string, enabled bool) error {
	domain = strings.ToLower(domain)
	var existing CatchallBinding
	err := s.db.WithContext(ctx).Where("domain = ?", domain).First(&existing).Error
	if err == nil {
		return translate(s.db.WithContext(ctx).Model(&CatchallBinding{}).
			Where("domain = ?", domain).
			Updates(map[string]interface{}{
				"vaultbox_id": vaultboxID,
				"enabled":     enabled,
			}).Error)
	}
	return translate(s.db.WithContext(ctx).Create(&CatchallBinding{
		Domain:     domain,
		VaultboxID: vaultboxID,
		Enabled:    enabled,
	}).Error)
}

// CatchallByDomain loads the catch-all binding of a domain, if any.
func (s *Store) CatchallByDomain(ctx context.Context, domain string) (*CatchallBinding, error) {
	var cb CatchallBinding
	err := s.db.WithContext(ctx).
		Where("domain = ?", strings.ToLower(domain)).
		First(&cb).Error
	if err != nil {
		return nil, translate(err)
	}
	return &cb, nil
}

// DeleteCatchall removes the catch-all binding of a domain.
func (s *Store) DeleteCatchall(ctx context.Context, domain string) error {
	return translate(s.db.WithContext(ctx).
		Where("domain = ?", strings.ToLower(domain)).
		Delete(&CatchallBinding{}).Error)
}
