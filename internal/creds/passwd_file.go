package creds

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// PasswdEntry is one line of the IMAP daemon's passwd file. The userdb
// overrides pin the account's Maildir to its vaultbox directory.
type PasswdEntry struct {
	Username string
	Hash     string // PHC argon2id string
	Home     string // vaultbox home directory
	UID      int
	GID      int
}

func (e PasswdEntry) line() string {
	fields := []string{
		e.Username + ":{ARGON2ID}" + e.Hash,
		"userdb_home=" + e.Home,
		"userdb_mail=maildir:" + filepath.Join(e.Home, "Maildir"),
	}
	if e.UID > 0 {
		fields = append(fields, fmt.Sprintf("userdb_uid=%d", e.UID))
	}
	if e.GID > 0 {
		fields = append(fields, fmt.Sprintf("userdb_gid=%d", e.GID))
	}
	return strings.Join(fields, "\t")
}

// PasswdFile maintains the passwd file consumed by the IMAP daemon. All
// mutations rewrite the file atomically under a mutex.
type PasswdFile struct {
	path string
	mu   sync.Mutex
}

// NewPasswdFile wraps the passwd file at path.
func NewPasswdFile(path string) *PasswdFile {
	return &PasswdFile{path: path}
}

// SetUser inserts or replaces the entry for entry.Username.
func (p *PasswdFile) SetUser(entry PasswdEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rewrite(entry.Username, entry.line())
}

// RemoveUser drops the entry for username, if present.
func (p *PasswdFile) RemoveUser(username string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rewrite(username, "")
}

// Usernames lists the accounts currently in the file.
func (p *PasswdFile) Usernames() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	lines, err := p.readLines()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, l := range lines {
		if u, _, ok := strings.Cut(l, ":"); ok {
			out = append(out, u)
		}
	}
	return out, nil
}

// rewrite filters out the line for username and appends newLine when
// non-empty, then installs the result with temp-and-rename.
func (p *PasswdFile) rewrite(username, newLine string) error {
	lines, err := p.readLines()
	if err != nil {
		return err
	}

	kept := lines[:0]
	for _, l := range lines {
		if u, _, ok := strings.Cut(l, ":"); ok && u == username {
			continue
		}
		kept = append(kept, l)
	}
	if newLine != "" {
		kept = append(kept, newLine)
	}

	dir := filepath.Dir(p.path)
	tmp, err := os.CreateTemp(dir, ".passwd-*")
	if err != nil {
		return fmt.Errorf("creds: creating temp passwd file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	for _, l := range kept {
		if _, err := tmp.WriteString(l + "\n"); err != nil {
			tmp.Close()
			return fmt.Errorf("creds: writing temp passwd file: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("creds: syncing temp passwd file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("creds: closing temp passwd file: %w", err)
	}
	// The file holds password hashes; keep it out of reach of other users.
	if err := os.Chmod(tmpName, 0640); err != nil {
		return fmt.Errorf("creds: setting passwd permissions: %w", err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		return fmt.Errorf("creds: installing passwd file: %w", err)
	}
	return nil
}

func (p *PasswdFile) readLines() ([]string, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("creds: reading passwd file: %w", err)
	}
	var lines []string
	for _, l := range strings.Split(string(data), "\n") {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}
