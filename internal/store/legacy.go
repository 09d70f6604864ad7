package store

import (
	"context"
	"time"
)

// LegacyCredential is an outbound-only credential from the motorical
// database. It predates vaultboxes and is consulted by unified SMTP auth.
type LegacyCredential struct {
	ID           string `gorm:"primaryKey;size:64"`
	UserID       string `gorm:"size:64;index;not null"`
	Username     string `gorm:"size:255;uniqueIndex;not null"`
	PasswordHash string `gorm:"size:512;not null"`
	Domain       string `gorm:"size:255"`
	Enabled      bool   `gorm:"not null;default:true"`
	LastUsedAt   *time.Time
	CreatedAt    time.Time
}

// LegacyStore wraps the second (motorical) database holding outbound-only
// credentials. It is optional; deployments without it pass a nil LegacyStore
// to unified auth.
type LegacyStore struct {
	db *Store
}

// OpenLegacy opens the motorical credential database.
func OpenLegacy(driver, dsn string, opts Options) (*LegacyStore, error) {
	s, err := Open(driver, dsn, opts)
	if err != nil {
		return nil, err
	}
	return &LegacyStore{db: s}, nil
}

// AutoMigrate creates or updates the legacy credential schema.
func (l *LegacyStore) AutoMigrate() error {
	return l.db.db.AutoMigrate(&LegacyCredential{})
}

// Close releases the underlying connection pool.
func (l *LegacyStore) Close() error { return l.db.Close() }

// Ping verifies the database connection is alive.
func (l *LegacyStore) Ping(ctx context.Context) error { return l.db.Ping(ctx) }

// CredentialByUsername resolves an enabled legacy credential by username.
func (l *LegacyStore) CredentialByUsername(ctx context.Context, username string) (*LegacyCredential, error) {
	var cred LegacyCredential
	err := l.db.db.WithContext(ctx).
		Where("username = ? AND enabled = ?", username, true).
		First(&cred).Error
	if err != nil {
		return nil, translate(err)
	}
	return &cred, nil
}

// InsertCredential persists a legacy credential. Used by tests and migration
// tooling.
func (l *LegacyStore) InsertCredential(ctx context.Context, cred *LegacyCredential) error {
	return translate(l.db.db.WithContext(ctx).Create(cred).Error)
}

// TouchCredential records a successful auth.
func (l *LegacyStore) TouchCredential(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return translate(l.db.db.WithContext(ctx).Model(&LegacyCredential{}).
		Where("id = ?", id).
		Update("last_used_at", now).Error)
}
