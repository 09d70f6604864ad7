package store

import "context"

// InsertCertificate persists a recipient certificate.
func (s *Store) InsertCertificate(ctx context.Context, cert *Certificate) error {
	return translate(s.db.WithContext(ctx).Create(cert).Error)
}

// CertificatesByVaultbox lists certificates of a vaultbox in created_at
// ascending order. Encryption recipient order depends on this.
func (s *Store) CertificatesByVaultbox(ctx context.Context, vaultboxID string) ([]Certificate, error) {
	var out []Certificate
	err := s.db.WithContext(ctx).
		Where("vaultbox_id = ?", vaultboxID).
		Order("created_at ASC").
		Find(&out).Error
	return out, translate(err)
}

// CountCertificates counts certificates owned by a vaultbox.
func (s *Store) CountCertificates(ctx context.Context, vaultboxID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Certificate{}).
		Where("vaultbox_id = ?", vaultboxID).
		Count(&n).Error
	return n, translate(err)
}

// DeleteCertificate removes one certificate of a vaultbox.
func (s *Store) DeleteCertificate(ctx context.Context, vaultboxID, certID string) error {
	res := s.db.WithContext(ctx).
		Where("vaultbox_id = ? AND id = ?", vaultboxID, certID).
		Delete(&Certificate{})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
