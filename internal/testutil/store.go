// Package testutil provides shared fixtures for persistence-dependent
// tests: throwaway sqlite stores and Maildir roots.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/motorical/encimap/internal/store"
)

// sqliteDSN returns a DSN for a private in-memory database. cache=shared
// keeps the database alive across the pooled connections of one test.
func sqliteDSN() string {
	return "file::memory:?cache=shared&id=" + uuid.NewString()
}

// OpenStore opens a migrated in-memory metadata store that closes with the
// test.
func OpenStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open("sqlite", sqliteDSN(), store.Options{})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	if err := s.AutoMigrate(); err != nil {
		t.Fatalf("migrating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// OpenLegacyStore opens a migrated in-memory legacy credential store that
// closes with the test.
func OpenLegacyStore(t *testing.T) *store.LegacyStore {
	t.Helper()
	l, err := store.OpenLegacy("sqlite", sqliteDSN(), store.Options{})
	if err != nil {
		t.Fatalf("opening legacy store: %v", err)
	}
	if err := l.AutoMigrate(); err != nil {
		t.Fatalf("migrating legacy store: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

// MaildirRoot returns a fresh directory for Maildir trees under the test's
// temp dir.
func MaildirRoot(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "vaultboxes")
}
