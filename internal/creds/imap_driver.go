package creds

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// IMAPDriver signals the IMAP daemon after passwd file changes.
type IMAPDriver interface {
	// ReloadUsers asks the daemon to re-read the passwd file.
	ReloadUsers(ctx context.Context) error

	// FlushAuthCache drops any cached auth result for a username so a
	// regenerated or revoked password takes effect immediately.
	FlushAuthCache(ctx context.Context, username string) error
}

// DovecotDriver drives dovecot via doveadm.
type DovecotDriver struct {
	// ReloadCmd is the reload invocation, e.g. "doveadm reload".
	ReloadCmd string

	// FlushCmd is the cache flush invocation, e.g. "doveadm auth cache
	// flush". The username is appended as the final argument.
	FlushCmd string
}

// ReloadUsers runs the reload command.
func (d *DovecotDriver) ReloadUsers(ctx context.Context) error {
	argv := strings.Fields(d.ReloadCmd)
	if len(argv) == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("creds: reloading IMAP daemon: %w: %s", err, output)
	}
	return nil
}

// FlushAuthCache runs the flush command with the username appended.
func (d *DovecotDriver) FlushAuthCache(ctx context.Context, username string) error {
	argv := strings.Fields(d.FlushCmd)
	if len(argv) == 0 {
		return nil
	}
	argv = append(argv, username)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("creds: flushing auth cache for %s: %w: %s", username, err, output)
	}
	return nil
}

// NoopIMAPDriver skips daemon signaling. Used in tests.
type NoopIMAPDriver struct{}

func (NoopIMAPDriver) ReloadUsers(ctx context.Context) error                  { return nil }
func (NoopIMAPDriver) FlushAuthCache(ctx context.Context, username string) error { return nil }
