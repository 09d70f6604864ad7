package intake

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Maildir writes messages into per-vaultbox Maildirs with the classic
// tmp-then-rename delivery, so the IMAP daemon never observes a partial
// message. Ownership is handed to the IMAP service user when configured.
type Maildir struct {
	root     string
	hostname string
	uid, gid int
}

// NewMaildir creates a Maildir rooted at root. uid/gid of 0 leaves
// ownership with the current process user.
func NewMaildir(root, hostname string, uid, gid int) *Maildir {
	return &Maildir{root: root, hostname: hostname, uid: uid, gid: gid}
}

// Home returns the home directory of a vaultbox.
func (m *Maildir) Home(vaultboxID string) string {
	return filepath.Join(m.root, vaultboxID)
}

// Path returns the Maildir directory of a vaultbox.
func (m *Maildir) Path(vaultboxID string) string {
	return filepath.Join(m.root, vaultboxID, "Maildir")
}

// Ensure creates the Maildir skeleton for a vaultbox with owner-only
// permissions.
func (m *Maildir) Ensure(vaultboxID string) error {
	base := m.Path(vaultboxID)
	for _, sub := range []string{"tmp", "new", "cur"} {
		dir := filepath.Join(base, sub)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("intake: creating %s: %w", dir, err)
		}
		if err := m.chown(dir); err != nil {
			return err
		}
	}
	if err := m.chown(m.Home(vaultboxID)); err != nil {
		return err
	}
	return nil
}

// Deliver writes message atomically into the vaultbox's new/ directory and
// returns the absolute path of the delivered file.
func (m *Maildir) Deliver(vaultboxID string, message []byte) (string, error) {
	if err := m.Ensure(vaultboxID); err != nil {
		return "", err
	}

	name, err := m.filename()
	if err != nil {
		return "", err
	}
	base := m.Path(vaultboxID)
	tmpPath := filepath.Join(base, "tmp", name)
	newPath := filepath.Join(base, "new", name)

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", fmt.Errorf("intake: creating %s: %w", tmpPath, err)
	}
	if _, err := f.Write(message); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("intake: writing %s: %w", tmpPath, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("intake: syncing %s: %w", tmpPath, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("intake: closing %s: %w", tmpPath, err)
	}
	if err := m.chown(tmpPath); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	if err := os.Rename(tmpPath, newPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("intake: delivering %s: %w", newPath, err)
	}
	return newPath, nil
}

// Remove deletes a vaultbox's entire home directory.
func (m *Maildir) Remove(vaultboxID string) error {
	if err := os.RemoveAll(m.Home(vaultboxID)); err != nil {
		return fmt.Errorf("intake: removing maildir: %w", err)
	}
	return nil
}

// filename builds a unique Maildir basename: <ms>.<rand>.<host>.
func (m *Maildir) filename() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("intake: reading random: %w", err)
	}
	return fmt.Sprintf("%d.%s.%s", time.Now().UnixMilli(), hex.EncodeToString(buf), m.hostname), nil
}

func (m *Maildir) chown(path string) error {
	if m.uid == 0 && m.gid == 0 {
		return nil
	}
	if err := os.Chown(path, m.uid, m.gid); err != nil {
		return fmt.Errorf("intake: chown %s: %w", path, err)
	}
	return nil
}
