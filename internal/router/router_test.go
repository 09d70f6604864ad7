package router

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestRouter(t *testing.T) (*Router, string) {
	t.Helper()
	mapPath := filepath.Join(t.TempDir(), "transport_encimap")
	return New(mapPath, NoopDriver{}, nil, nil, nil), mapPath
}

func mapLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatalf("reading map: %v", err)
	}
	var lines []string
	for _, l := range strings.Split(string(data), "\n") {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func TestAddEmailRoute(t *testing.T) {
	r, mapPath := newTestRouter(t)
	ctx := context.Background()

	if err := r.AddEmailRoute(ctx, "Cat@Example.com", PipeValue("vb-1"), "vb-1"); err != nil {
		t.Fatalf("AddEmailRoute() error = %v", err)
	}

	lines := mapLines(t, mapPath)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	if lines[0] != "cat@example.com\tencimap-pipe:vb-1" {
		t.Errorf("line = %q", lines[0])
	}
}

func TestAddEmailRouteIdempotent(t *testing.T) {
	r, mapPath := newTestRouter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := r.AddEmailRoute(ctx, "cat@example.com", PipeValue("vb-1"), "vb-1"); err != nil {
			t.Fatalf("AddEmailRoute(%d) error = %v", i, err)
		}
	}

	if lines := mapLines(t, mapPath); len(lines) != 1 {
		t.Errorf("got %d lines after repeated add, want 1", len(lines))
	}
}

func TestAddEmailRouteReplacesValue(t *testing.T) {
	r, mapPath := newTestRouter(t)
	ctx := context.Background()

	if err := r.AddEmailRoute(ctx, "cat@example.com", PipeValue("vb-1"), "vb-1"); err != nil {
		t.Fatal(err)
	}
	if err := r.AddEmailRoute(ctx, "cat@example.com", MaildirValue("cat@example.com"), "vb-1"); err != nil {
		t.Fatal(err)
	}

	lines := mapLines(t, mapPath)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	if lines[0] != "cat@example.com\tsimple-maildir:cat@example.com" {
		t.Errorf("line = %q", lines[0])
	}
}

func TestRemoveEmailRoute(t *testing.T) {
	r, mapPath := newTestRouter(t)
	ctx := context.Background()

	if err := r.AddEmailRoute(ctx, "a@d.com", PipeValue("vb-1"), "vb-1"); err != nil {
		t.Fatal(err)
	}
	if err := r.AddEmailRoute(ctx, "b@d.com", PipeValue("vb-2"), "vb-2"); err != nil {
		t.Fatal(err)
	}

	if err := r.RemoveEmailRoute(ctx, "A@D.COM"); err != nil {
		t.Fatalf("RemoveEmailRoute() error = %v", err)
	}

	lines := mapLines(t, mapPath)
	if len(lines) != 1 || !strings.HasPrefix(lines[0], "b@d.com\t") {
		t.Errorf("lines = %v", lines)
	}

	// Removing an absent route is not an error
	if err := r.RemoveEmailRoute(ctx, "a@d.com"); err != nil {
		t.Errorf("second RemoveEmailRoute() error = %v", err)
	}
}

func TestCatchallRoute(t *testing.T) {
	r, mapPath := newTestRouter(t)
	ctx := context.Background()

	if err := r.AddCatchallRoute(ctx, "carmarket.lv", "info@carmarket.lv", "vb-1"); err != nil {
		t.Fatalf("AddCatchallRoute() error = %v", err)
	}

	lines := mapLines(t, mapPath)
	if len(lines) != 1 || lines[0] != "@carmarket.lv\tinfo@carmarket.lv" {
		t.Errorf("lines = %v", lines)
	}

	if err := r.RemoveCatchallRoute(ctx, "carmarket.lv"); err != nil {
		t.Fatalf("RemoveCatchallRoute() error = %v", err)
	}
	if lines := mapLines(t, mapPath); len(lines) != 0 {
		t.Errorf("lines after remove = %v", lines)
	}
}

func TestDomainRoute(t *testing.T) {
	r, mapPath := newTestRouter(t)
	ctx := context.Background()

	if err := r.AddDomainRoute(ctx, "Example.COM", PipeValue("vb-1"), "vb-1"); err != nil {
		t.Fatalf("AddDomainRoute() error = %v", err)
	}
	if lines := mapLines(t, mapPath); len(lines) != 1 || lines[0] != "example.com\tencimap-pipe:vb-1" {
		t.Errorf("lines = %v", mapLines(t, mapPath))
	}

	if err := r.RemoveDomainRoute(ctx, "example.com"); err != nil {
		t.Fatalf("RemoveDomainRoute() error = %v", err)
	}
	if lines := mapLines(t, mapPath); len(lines) != 0 {
		t.Errorf("lines after remove = %v", lines)
	}
}

func TestListRoutesPreservesOrder(t *testing.T) {
	r, _ := newTestRouter(t)
	ctx := context.Background()

	addrs := []string{"a@d.com", "b@d.com", "c@d.com"}
	for i, addr := range addrs {
		if err := r.AddEmailRoute(ctx, addr, PipeValue("vb"), "vb"); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}

	entries, err := r.ListRoutes(ctx)
	if err != nil {
		t.Fatalf("ListRoutes() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	for i, addr := range addrs {
		if entries[i].Key != addr {
			t.Errorf("entries[%d].Key = %q, want %q", i, entries[i].Key, addr)
		}
	}
}

func TestTestRouteResolutionOrder(t *testing.T) {
	r, _ := newTestRouter(t)
	ctx := context.Background()

	if err := r.AddEmailRoute(ctx, "cat@example.com", PipeValue("vb-1"), "vb-1"); err != nil {
		t.Fatal(err)
	}
	if err := r.AddCatchallRoute(ctx, "example.com", "cat@example.com", "vb-1"); err != nil {
		t.Fatal(err)
	}
	if err := r.AddDomainRoute(ctx, "example.com", PipeValue("vb-2"), "vb-2"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		addr string
		want string
	}{
		// Exact address wins over catch-all and domain
		{"cat@example.com", "encimap-pipe:vb-1"},
		// Unknown local part falls through to the catch-all
		{"other@example.com", "cat@example.com"},
	}
	for _, tt := range tests {
		entry, err := r.TestRoute(ctx, tt.addr)
		if err != nil {
			t.Fatalf("TestRoute(%q) error = %v", tt.addr, err)
		}
		if entry.Value != tt.want {
			t.Errorf("TestRoute(%q).Value = %q, want %q", tt.addr, entry.Value, tt.want)
		}
	}

	if _, err := r.TestRoute(ctx, "nobody@elsewhere.org"); !errors.Is(err, ErrNoRoute) {
		t.Errorf("unmatched address error = %v, want ErrNoRoute", err)
	}
}

func TestParseToleratesCommentsAndSpaces(t *testing.T) {
	r, mapPath := newTestRouter(t)
	ctx := context.Background()

	content := "# managed by encimap\ncat@example.com encimap-pipe:vb-1\n\ndog@example.com\tencimap-pipe:vb-2\n"
	if err := os.WriteFile(mapPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	entries, err := r.ListRoutes(ctx)
	if err != nil {
		t.Fatalf("ListRoutes() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Value != "encimap-pipe:vb-1" || entries[1].Value != "encimap-pipe:vb-2" {
		t.Errorf("entries = %v", entries)
	}
}

func TestConcurrentAddsSerialize(t *testing.T) {
	r, mapPath := newTestRouter(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	addrs := []string{"a@d.com", "b@d.com", "c@d.com", "d@d.com", "e@d.com"}
	for _, addr := range addrs {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			if err := r.AddEmailRoute(ctx, addr, PipeValue("vb"), "vb"); err != nil {
				t.Errorf("AddEmailRoute(%q) error = %v", addr, err)
			}
		}(addr)
	}
	wg.Wait()

	lines := mapLines(t, mapPath)
	if len(lines) != len(addrs) {
		t.Errorf("got %d lines, want %d: %v", len(lines), len(addrs), lines)
	}
}

type recordingDriver struct {
	compiled []string
	reloads  int
	failNext error
}

func (d *recordingDriver) Compile(ctx context.Context, mapPath string) error {
	if d.failNext != nil {
		err := d.failNext
		d.failNext = nil
		return err
	}
	d.compiled = append(d.compiled, mapPath)
	return nil
}

func (d *recordingDriver) Reload(ctx context.Context) error {
	d.reloads++
	return nil
}

func TestDriverInvokedPerChange(t *testing.T) {
	drv := &recordingDriver{}
	mapPath := filepath.Join(t.TempDir(), "transport_encimap")
	r := New(mapPath, drv, nil, nil, nil)
	ctx := context.Background()

	if err := r.AddEmailRoute(ctx, "a@d.com", PipeValue("vb"), "vb"); err != nil {
		t.Fatal(err)
	}
	if err := r.ReloadConfiguration(ctx); err != nil {
		t.Fatalf("ReloadConfiguration() error = %v", err)
	}

	if len(drv.compiled) != 2 || drv.reloads != 2 {
		t.Errorf("compiled=%d reloads=%d, want 2 each", len(drv.compiled), drv.reloads)
	}
}

// slowReloadDriver mutates the map through the router while the MTA reload
// is in flight, which only completes if the mutex is free during Reload.
type slowReloadDriver struct {
	r       *Router
	once    sync.Once
	blocked bool
}

func (d *slowReloadDriver) Compile(ctx context.Context, mapPath string) error { return nil }

func (d *slowReloadDriver) Reload(ctx context.Context) error {
	d.once.Do(func() {
		done := make(chan error, 1)
		go func() {
			_, err := d.r.ListRoutes(ctx)
			done <- err
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			d.blocked = true
		}
	})
	return nil
}

func TestReloadDoesNotHoldRouteLock(t *testing.T) {
	drv := &slowReloadDriver{}
	mapPath := filepath.Join(t.TempDir(), "transport_encimap")
	r := New(mapPath, drv, nil, nil, nil)
	drv.r = r

	if err := r.AddEmailRoute(context.Background(), "a@d.com", PipeValue("vb"), "vb"); err != nil {
		t.Fatal(err)
	}
	if drv.blocked {
		t.Error("route read blocked while the MTA reload was in flight")
	}
}

func TestCompileFailureSurfaced(t *testing.T) {
	drv := &recordingDriver{failNext: errors.New("postmap: fatal")}
	mapPath := filepath.Join(t.TempDir(), "transport_encimap")
	r := New(mapPath, drv, nil, nil, nil)

	err := r.AddEmailRoute(context.Background(), "a@d.com", PipeValue("vb"), "vb")
	if err == nil {
		t.Fatal("AddEmailRoute() succeeded despite compile failure")
	}
}
