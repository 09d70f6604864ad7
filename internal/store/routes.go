package store

import (
	"context"
	"strings"
)

// InsertRoute appends a route audit row.
func (s *Store) InsertRoute(ctx context.Context, r *Route) error {
	r.Domain = strings.ToLower(r.Domain)
	r.EmailAddress = strings.ToLower(r.EmailAddress)
	return translate(s.db.WithContext(ctx).Create(r).Error)
}

// DeactivateRoutesByEmail marks audit rows for an address inactive.
func (s *Store) DeactivateRoutesByEmail(ctx context.Context, emailAddress string) error {
	return translate(s.db.WithContext(ctx).Model(&Route{}).
		Where("email_address = ? AND active = ?", strings.ToLower(emailAddress), true).
		Update("active", false).Error)
}

// DeactivateRoutesByVaultbox marks all audit rows of a vaultbox inactive.
func (s *Store) DeactivateRoutesByVaultbox(ctx context.Context, vaultboxID string) error {
	return translate(s.db.WithContext(ctx).Model(&Route{}).
		Where("vaultbox_id = ? AND active = ?", vaultboxID, true).
		Update("active", false).Error)
}

// ActiveRoutesByVaultbox lists active audit rows of a vaultbox.
func (s *Store) ActiveRoutesByVaultbox(ctx context.Context, vaultboxID string) ([]Route, error) {
	var out []Route
	err := s.db.WithContext(ctx).
		Where("vaultbox_id = ? AND active = ?", vaultboxID, true).
		Order("created_at ASC").
		Find(&out).Error
	return out, translate(err)
}
