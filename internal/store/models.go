package store

import (
	"time"
)

// Mailbox types.
const (
	TypeEncrypted = "encrypted"
	TypeSimple    = "simple"
)

// Vaultbox statuses.
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

// Route types mirrored in the on-disk transport map.
const (
	RouteEncryptedIMAP = "encrypted_imap"
	RouteSimpleIMAP    = "simple_imap"
	RouteCatchall      = "catchall"
)

// Vaultbox is the root entity: the unit of mailbox identity and encryption.
// (domain, alias) is unique across all vaultboxes when alias is set;
// mailbox type is immutable after creation.
type Vaultbox struct {
	ID          string  `gorm:"primaryKey;size:64"`
	OwnerUserID string  `gorm:"size:64;index;not null"`
	Domain      string  `gorm:"size:255;not null;uniqueIndex:ux_vaultbox_addr"`
	Alias       *string `gorm:"size:255;uniqueIndex:ux_vaultbox_addr"`
	DisplayName string  `gorm:"size:255"`
	MailboxType string  `gorm:"size:16;not null;default:encrypted"`
	Status      string  `gorm:"size:16;not null;default:active"`
	SMTPEnabled bool    `gorm:"not null;default:false"`
	CreatedAt   time.Time
}

// PrimaryAddress returns alias@domain when the alias is set, or "" otherwise.
func (v *Vaultbox) PrimaryAddress() string {
	if v.Alias == nil || *v.Alias == "" {
		return ""
	}
	return *v.Alias + "@" + v.Domain
}

// Certificate is a recipient public certificate owned by a vaultbox.
// Fingerprint is the SHA-256 over the DER encoding, hex-encoded.
type Certificate struct {
	ID            string `gorm:"primaryKey;size:64"`
	VaultboxID    string `gorm:"size:64;index;not null"`
	Label         string `gorm:"size:255"`
	PublicCertPEM string `gorm:"type:text;not null"`
	Fingerprint   string `gorm:"size:64;index;not null"`
	CreatedAt     time.Time
}

// ImapCredential is the inbound (IMAP) side of a vaultbox's unified
// credential pair. The partial unique index enforces at most one
// non-revoked credential per vaultbox even under concurrent issuance.
type ImapCredential struct {
	ID           string `gorm:"primaryKey;size:64"`
	OwnerUserID  string `gorm:"size:64;index;not null"`
	VaultboxID   string `gorm:"size:64;index;index:idx_imap_credentials_active,unique,where:revoked_at IS NULL;not null"`
	Username     string `gorm:"size:255;uniqueIndex;not null"`
	PasswordHash string `gorm:"size:512;not null"`
	RevokedAt    *time.Time
	CreatedAt    time.Time
}

// SmtpCredential is the outbound (submission) side of the unified credential
// pair. At most one exists per vaultbox; its username equals the IMAP
// credential's username whenever both exist.
type SmtpCredential struct {
	ID                string `gorm:"primaryKey;size:64"`
	VaultboxID        string `gorm:"size:64;uniqueIndex;not null"`
	Username          string `gorm:"size:255;index;not null"`
	PasswordHash      string `gorm:"size:512;not null"`
	Host              string `gorm:"size:255"`
	Port              int
	SecurityMode      string `gorm:"size:16;default:STARTTLS"`
	Enabled           bool   `gorm:"not null;default:true"`
	MessagesSentCount int64  `gorm:"not null;default:0"`
	LastUsedAt        *time.Time
	CreatedAt         time.Time
}

// MessageStorage describes where and how a delivered ciphertext is stored.
type MessageStorage struct {
	MaildirPath string   `json:"maildir_path"`
	Bytes       int64    `json:"bytes"`
	Alg         string   `json:"alg"`
	Recipients  []string `json:"recipients"`
}

// Message is the insert-only metadata record of a delivered ciphertext.
type Message struct {
	ID         string         `gorm:"primaryKey;size:64"`
	VaultboxID string         `gorm:"size:64;index;not null"`
	FromDomain string         `gorm:"size:255"`
	ToAlias    string         `gorm:"size:255"`
	SizeBytes  int64          `gorm:"not null"`
	ReceivedAt time.Time      `gorm:"index"`
	Storage    MessageStorage `gorm:"serializer:json;type:text"`
}

// Alias is a receive-only address routed to a simple vaultbox. It owns no
// credential and no outbound rewrite.
type Alias struct {
	ID         string `gorm:"primaryKey;size:64"`
	VaultboxID string `gorm:"size:64;index;not null"`
	AliasEmail string `gorm:"size:255;uniqueIndex;not null"` // stored lowercased
	Active     bool   `gorm:"not null;default:true"`
	CreatedAt  time.Time
}

// CatchallBinding directs all otherwise-unrouted recipients of a domain to a
// single simple vaultbox.
type CatchallBinding struct {
	Domain     string `gorm:"primaryKey;size:255"`
	VaultboxID string `gorm:"size:64;not null"`
	Enabled    bool   `gorm:"not null;default:false"`
	UpdatedAt  time.Time
}

// Route is the audit log of transport map changes. The on-disk map is the
// source of truth at delivery time; these rows exist for reconciliation.
type Route struct {
	ID           string `gorm:"primaryKey;size:64"`
	Domain       string `gorm:"size:255;index"`
	EmailAddress string `gorm:"size:255;index"`
	VaultboxID   string `gorm:"size:64;index"`
	RouteType    string `gorm:"size:32;not null"`
	Priority     int    `gorm:"not null;default:0"`
	Active       bool   `gorm:"not null;default:true"`
	Options      string `gorm:"type:text"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
