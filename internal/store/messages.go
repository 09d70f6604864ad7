package store

import "context"

// InsertMessage records the metadata of a delivered ciphertext.
func (s *Store) InsertMessage(ctx context.Context, msg *Message) error {
	return translate(s.db.WithContext(ctx).Create(msg).Error)
}

// MessageByMaildirPath resolves a message record by its delivery location.
// Used by reconciliation to deduplicate records.
func (s *Store) MessageByMaildirPath(ctx context.Context, vaultboxID, maildirPath string) (*Message, error) {
	var msg Message
	// The storage column is JSON; match on the serialized path fragment.
	err := s.db.WithContext(ctx).
		Where("vaultbox_id = ? AND storage LIKE ?", vaultboxID, "%\""+maildirPath+"\"%").
		First(&msg).Error
	if err != nil {
		return nil, translate(err)
	}
	return &msg, nil
}

// MessagesByVaultbox lists message records of a vaultbox, newest first.
func (s *Store) MessagesByVaultbox(ctx context.Context, vaultboxID string, limit int) ([]Message, error) {
	q := s.db.WithContext(ctx).
		Where("vaultbox_id = ?", vaultboxID).
		Order("received_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []Message
	err := q.Find(&out).Error
	return out, translate(err)
}

// MessageUsage holds aggregate message statistics for one vaultbox.
type MessageUsage struct {
	VaultboxID   string
	MessageCount int64
	TotalBytes   int64
}

// MessageUsageByVaultboxes aggregates message counts and bytes per vaultbox.
func (s *Store) MessageUsageByVaultboxes(ctx context.Context, vaultboxIDs []string) ([]MessageUsage, error) {
	if len(vaultboxIDs) == 0 {
		return nil, nil
	}
	var out []MessageUsage
	err := s.db.WithContext(ctx).Model(&Message{}).
		Select("vaultbox_id, COUNT(*) AS message_count, COALESCE(SUM(size_bytes), 0) AS total_bytes").
		Where("vaultbox_id IN ?", vaultboxIDs).
		Group("vaultbox_id").
		Scan(&out).Error
	return out, translate(err)
}
