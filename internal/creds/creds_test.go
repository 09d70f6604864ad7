package creds

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/motorical/encimap/internal/store"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("correct horse")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$v=19$") {
		t.Errorf("hash = %q, want PHC argon2id prefix", hash)
	}

	if err := VerifyPassword("correct horse", hash); err != nil {
		t.Errorf("VerifyPassword(correct) error = %v", err)
	}
	if err := VerifyPassword("wrong", hash); !errors.Is(err, ErrHashMismatch) {
		t.Errorf("VerifyPassword(wrong) error = %v, want ErrHashMismatch", err)
	}
}

func TestHashesAreSalted(t *testing.T) {
	a, err := HashPassword("pw")
	if err != nil {
		t.Fatal(err)
	}
	b, err := HashPassword("pw")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("two hashes of the same password are identical; salt missing")
	}
}

func TestVerifyPasswordMalformed(t *testing.T) {
	tests := []string{
		"",
		"plaintext",
		"$argon2i$v=19$m=65536,t=3,p=4$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=65536,t=3,p=4$not-base64!$aGFzaA",
	}
	for _, h := range tests {
		err := VerifyPassword("pw", h)
		if err == nil {
			t.Errorf("VerifyPassword(%q) succeeded", h)
		}
		if errors.Is(err, ErrHashMismatch) {
			t.Errorf("VerifyPassword(%q) = ErrHashMismatch, want parse error", h)
		}
	}
}

func TestGeneratePassword(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		pw, err := GeneratePassword()
		if err != nil {
			t.Fatalf("GeneratePassword() error = %v", err)
		}
		if len(pw) != passwordLength {
			t.Errorf("len = %d, want %d", len(pw), passwordLength)
		}
		for _, c := range pw {
			if !strings.ContainsRune(passwordAlphabet, c) {
				t.Errorf("password contains %q outside alphabet", c)
			}
		}
		if seen[pw] {
			t.Error("duplicate password generated")
		}
		seen[pw] = true
	}
}

func TestDeriveUsername(t *testing.T) {
	alias := "Cat"
	u, err := DeriveUsername(&alias, "Example.COM")
	if err != nil {
		t.Fatalf("DeriveUsername() error = %v", err)
	}
	if u != "cat@example.com" {
		t.Errorf("username = %q, want 'cat@example.com'", u)
	}
}

func TestDeriveUsernameFallback(t *testing.T) {
	u, err := DeriveUsername(nil, "call.autoroad.lv")
	if err != nil {
		t.Fatalf("DeriveUsername() error = %v", err)
	}
	if !strings.HasPrefix(u, "encimap-call-autoroad-lv-") {
		t.Errorf("username = %q, want encimap-call-autoroad-lv-<suffix>", u)
	}
	if got := len(u) - len("encimap-call-autoroad-lv-"); got != usernameSuffix {
		t.Errorf("suffix length = %d, want %d", got, usernameSuffix)
	}

	// The suffix is random, so two fallback usernames differ
	u2, err := DeriveUsername(nil, "call.autoroad.lv")
	if err != nil {
		t.Fatal(err)
	}
	if u == u2 {
		t.Error("fallback usernames collide")
	}
}

func TestNormalizeDomain(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"example.com", "example-com"},
		{"Ex_Ample.COM", "example-com"},
		{"a.b.c", "a-b-c"},
		{"xn--caf-dma.fr", "xn--caf-dma-fr"},
	}
	for _, tt := range tests {
		if got := normalizeDomain(tt.in); got != tt.want {
			t.Errorf("normalizeDomain(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPasswdFileSetAndRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "encimap.passwd")
	pf := NewPasswdFile(path)

	entry := PasswdEntry{
		Username: "cat@example.com",
		Hash:     "$argon2id$v=19$m=65536,t=3,p=4$c2FsdA$aGFzaA",
		Home:     "/srv/vaultboxes/vb-1",
		UID:      5000,
		GID:      5000,
	}
	if err := pf.SetUser(entry); err != nil {
		t.Fatalf("SetUser() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	line := strings.TrimSpace(string(data))
	wantParts := []string{
		"cat@example.com:{ARGON2ID}$argon2id$",
		"userdb_home=/srv/vaultboxes/vb-1",
		"userdb_mail=maildir:/srv/vaultboxes/vb-1/Maildir",
		"userdb_uid=5000",
		"userdb_gid=5000",
	}
	for _, part := range wantParts {
		if !strings.Contains(line, part) {
			t.Errorf("line %q missing %q", line, part)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0640 {
		t.Errorf("passwd mode = %o, want 0640", info.Mode().Perm())
	}

	// Replacing the same user keeps one line
	entry.Hash = "$argon2id$v=19$m=65536,t=3,p=4$b3RoZXI$aGFzaA"
	if err := pf.SetUser(entry); err != nil {
		t.Fatal(err)
	}
	users, err := pf.Usernames()
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 {
		t.Errorf("got %d users after replace, want 1", len(users))
	}

	if err := pf.RemoveUser("cat@example.com"); err != nil {
		t.Fatalf("RemoveUser() error = %v", err)
	}
	users, err = pf.Usernames()
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 0 {
		t.Errorf("got %d users after remove, want 0", len(users))
	}
}

func newIssuerForTest(t *testing.T) (*Issuer, *store.Store) {
	t.Helper()
	s, err := store.Open("sqlite", "file::memory:?cache=shared&id="+uuid.NewString(), store.Options{})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	if err := s.AutoMigrate(); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	dir := t.TempDir()
	issuer := NewIssuer(IssuerConfig{
		Store:       s,
		Passwd:      NewPasswdFile(filepath.Join(dir, "encimap.passwd")),
		IMAP:        NoopIMAPDriver{},
		MaildirRoot: filepath.Join(dir, "vaultboxes"),
		SMTPHost:    "mail.example.com",
		SMTPPort:    587,
	})
	return issuer, s
}

func testVaultbox(t *testing.T, s *store.Store, alias string) *store.Vaultbox {
	t.Helper()
	vb := &store.Vaultbox{
		ID:          uuid.NewString(),
		OwnerUserID: "user-1",
		Domain:      "example.com",
		MailboxType: store.TypeEncrypted,
		Status:      store.StatusActive,
	}
	if alias != "" {
		vb.Alias = &alias
	}
	if err := s.InsertVaultbox(context.Background(), vb); err != nil {
		t.Fatalf("inserting vaultbox: %v", err)
	}
	return vb
}

func TestIssueIMAPAndSMTPShareUsername(t *testing.T) {
	issuer, s := newIssuerForTest(t)
	ctx := context.Background()
	vb := testVaultbox(t, s, "cat")

	imap, err := issuer.IssueIMAP(ctx, vb)
	if err != nil {
		t.Fatalf("IssueIMAP() error = %v", err)
	}
	if imap.Username != "cat@example.com" {
		t.Errorf("IMAP username = %q", imap.Username)
	}
	if len(imap.Password) < 20 {
		t.Errorf("password length = %d, want >= 20", len(imap.Password))
	}

	smtp, err := issuer.IssueSMTP(ctx, vb)
	if err != nil {
		t.Fatalf("IssueSMTP() error = %v", err)
	}
	if smtp.Username != imap.Username {
		t.Errorf("SMTP username = %q, want %q (co-issuance)", smtp.Username, imap.Username)
	}
	if smtp.Password == imap.Password {
		t.Error("SMTP and IMAP passwords are identical")
	}

	// Stored hashes verify the plaintext and are not the plaintext
	cred, err := s.ActiveImapCredential(ctx, vb.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cred.PasswordHash == imap.Password {
		t.Error("plaintext password persisted")
	}
	if err := VerifyPassword(imap.Password, cred.PasswordHash); err != nil {
		t.Errorf("stored hash does not verify: %v", err)
	}
}

func TestIssueIMAPTwiceFails(t *testing.T) {
	issuer, s := newIssuerForTest(t)
	ctx := context.Background()
	vb := testVaultbox(t, s, "cat")

	if _, err := issuer.IssueIMAP(ctx, vb); err != nil {
		t.Fatal(err)
	}
	if _, err := issuer.IssueIMAP(ctx, vb); !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("second IssueIMAP() error = %v, want ErrDuplicate", err)
	}
}

func TestRegenerateIMAPKeepsUsername(t *testing.T) {
	issuer, s := newIssuerForTest(t)
	ctx := context.Background()
	vb := testVaultbox(t, s, "cat")

	first, err := issuer.IssueIMAP(ctx, vb)
	if err != nil {
		t.Fatal(err)
	}
	regen, err := issuer.RegenerateIMAP(ctx, vb)
	if err != nil {
		t.Fatalf("RegenerateIMAP() error = %v", err)
	}
	if regen.Username != first.Username {
		t.Errorf("username changed on regenerate: %q -> %q", first.Username, regen.Username)
	}
	if regen.Password == first.Password {
		t.Error("password unchanged on regenerate")
	}

	cred, err := s.ActiveImapCredential(ctx, vb.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifyPassword(regen.Password, cred.PasswordHash); err != nil {
		t.Errorf("new hash does not verify: %v", err)
	}
	if err := VerifyPassword(first.Password, cred.PasswordHash); !errors.Is(err, ErrHashMismatch) {
		t.Errorf("old password still verifies: %v", err)
	}
}

func TestRevokeIMAPRemovesPasswdEntry(t *testing.T) {
	issuer, s := newIssuerForTest(t)
	ctx := context.Background()
	vb := testVaultbox(t, s, "cat")

	issued, err := issuer.IssueIMAP(ctx, vb)
	if err != nil {
		t.Fatal(err)
	}
	if err := issuer.RevokeIMAP(ctx, vb); err != nil {
		t.Fatalf("RevokeIMAP() error = %v", err)
	}

	users, err := issuer.passwd.Usernames()
	if err != nil {
		t.Fatal(err)
	}
	for _, u := range users {
		if u == issued.Username {
			t.Errorf("passwd file still lists %q after revoke", u)
		}
	}

	if _, err := s.ActiveImapCredential(ctx, vb.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("credential still active after revoke: %v", err)
	}
}

func TestFallbackUsernameWithoutAlias(t *testing.T) {
	issuer, s := newIssuerForTest(t)
	ctx := context.Background()
	vb := testVaultbox(t, s, "")

	smtp, err := issuer.IssueSMTP(ctx, vb)
	if err != nil {
		t.Fatalf("IssueSMTP() error = %v", err)
	}
	if !strings.HasPrefix(smtp.Username, "encimap-example-com-") {
		t.Errorf("username = %q", smtp.Username)
	}

	// IMAP issued afterwards reuses the generated username
	imap, err := issuer.IssueIMAP(ctx, vb)
	if err != nil {
		t.Fatal(err)
	}
	if imap.Username != smtp.Username {
		t.Errorf("IMAP username = %q, want %q", imap.Username, smtp.Username)
	}
}
