package router

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// MTADriver compiles the transport map into the MTA's lookup format and
// signals the MTA to pick up the result. The Router holds its mutex across
// Compile only; Reload runs unlocked and may overlap with other map
// mutations, so implementations must tolerate concurrent Reload calls.
type MTADriver interface {
	// Compile rebuilds the MTA's compiled lookup table from the map file.
	Compile(ctx context.Context, mapPath string) error

	// Reload asks the MTA to re-read its configuration.
	Reload(ctx context.Context) error
}

// PostfixDriver drives postfix via postmap and a reload command.
type PostfixDriver struct {
	// CompileCmd is the map compiler invocation, e.g. "postmap". The map
	// path is appended as the final argument.
	CompileCmd string

	// ReloadCmd is the full reload invocation, e.g.
	// "systemctl reload postfix".
	ReloadCmd string
}

// Compile runs the compile command with the map path appended.
func (d *PostfixDriver) Compile(ctx context.Context, mapPath string) error {
	argv := append(splitCommand(d.CompileCmd), mapPath)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("router: compiling transport map: %w: %s", err, output)
	}
	return nil
}

// Reload runs the reload command.
func (d *PostfixDriver) Reload(ctx context.Context) error {
	argv := splitCommand(d.ReloadCmd)
	if len(argv) == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("router: reloading MTA: %w: %s", err, output)
	}
	return nil
}

// NoopDriver skips map compilation and reload. Used in tests and in
// deployments where an external watcher handles the compiled map.
type NoopDriver struct{}

func (NoopDriver) Compile(ctx context.Context, mapPath string) error { return nil }
func (NoopDriver) Reload(ctx context.Context) error                  { return nil }

func splitCommand(s string) []string {
	return strings.Fields(s)
}
