// Package router maintains the MTA transport map that steers inbound mail
// for managed addresses into the encryption pipe or a simple Maildir.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/motorical/encimap/internal/metrics"
	"github.com/motorical/encimap/internal/store"
)

// Transport names recognized by the MTA master configuration.
const (
	TransportEncryptedPipe = "encimap-pipe"
	TransportSimpleMaildir = "simple-maildir"
)

// ErrNoRoute is returned by TestRoute when no map entry matches.
var ErrNoRoute = errors.New("router: no matching route")

// Entry is one line of the transport map: a lowercased key (domain,
// local@domain, or @domain for catch-all) and its value. Per-address and
// per-domain values carry a transport prefix ("transport:target"); catch-all
// values are a bare redirect address.
type Entry struct {
	Key   string
	Value string
}

// Line renders the entry in map file form.
func (e Entry) Line() string {
	return e.Key + "\t" + e.Value
}

// PipeValue builds the value routing an address into the encryption pipe.
func PipeValue(vaultboxID string) string {
	return TransportEncryptedPipe + ":" + vaultboxID
}

// MaildirValue builds the value delivering an address to a simple Maildir.
func MaildirValue(username string) string {
	return TransportSimpleMaildir + ":" + username
}

// Router serializes all transport map mutations behind one mutex, rewrites
// the file atomically, and drives the MTA to pick up each change.
type Router struct {
	mapPath string
	driver  MTADriver
	store   *store.Store
	logger  *slog.Logger
	metrics metrics.Collector

	mu sync.Mutex
}

// New creates a Router over the given map file. store may be nil to skip
// route audit rows.
func New(mapPath string, driver MTADriver, st *store.Store, logger *slog.Logger, collector metrics.Collector) *Router {
	if driver == nil {
		driver = NoopDriver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	return &Router{
		mapPath: mapPath,
		driver:  driver,
		store:   st,
		logger:  logger,
		metrics: collector,
	}
}

// AddEmailRoute installs a per-address route. Repeating the call with the
// same key replaces the line, so the operation is idempotent.
func (r *Router) AddEmailRoute(ctx context.Context, emailAddress, value, vaultboxID string) error {
	key := strings.ToLower(emailAddress)
	if err := r.apply(ctx, key, &Entry{Key: key, Value: value}); err != nil {
		return err
	}
	r.metrics.RouteApplied("add_email")
	r.audit(ctx, &store.Route{
		ID:           uuid.NewString(),
		Domain:       domainOf(key),
		EmailAddress: key,
		VaultboxID:   vaultboxID,
		RouteType:    routeType(value),
		Active:       true,
	})
	return nil
}

// RemoveEmailRoute drops the per-address route for an address, if present.
func (r *Router) RemoveEmailRoute(ctx context.Context, emailAddress string) error {
	key := strings.ToLower(emailAddress)
	if err := r.apply(ctx, key, nil); err != nil {
		return err
	}
	r.metrics.RouteApplied("remove_email")
	if r.store != nil {
		if err := r.store.DeactivateRoutesByEmail(ctx, key); err != nil {
			r.logger.Warn("route audit update failed", "email", key, "error", err)
		}
	}
	return nil
}

// AddDomainRoute installs a legacy bare-domain route. Per-address routes are
// preferred; the MTA consults the more specific key first.
func (r *Router) AddDomainRoute(ctx context.Context, domain, value, vaultboxID string) error {
	key := strings.ToLower(domain)
	if err := r.apply(ctx, key, &Entry{Key: key, Value: value}); err != nil {
		return err
	}
	r.metrics.RouteApplied("add_domain")
	r.audit(ctx, &store.Route{
		ID:         uuid.NewString(),
		Domain:     key,
		VaultboxID: vaultboxID,
		RouteType:  routeType(value),
		Active:     true,
	})
	return nil
}

// RemoveDomainRoute drops the bare-domain route for a domain, if present.
func (r *Router) RemoveDomainRoute(ctx context.Context, domain string) error {
	key := strings.ToLower(domain)
	if err := r.apply(ctx, key, nil); err != nil {
		return err
	}
	r.metrics.RouteApplied("remove_domain")
	return nil
}

// AddCatchallRoute redirects every otherwise-unmatched address on a domain
// to the given target address.
func (r *Router) AddCatchallRoute(ctx context.Context, domain, target, vaultboxID string) error {
	key := "@" + strings.ToLower(domain)
	if err := r.apply(ctx, key, &Entry{Key: key, Value: strings.ToLower(target)}); err != nil {
		return err
	}
	r.metrics.RouteApplied("add_catchall")
	r.audit(ctx, &store.Route{
		ID:         uuid.NewString(),
		Domain:     strings.ToLower(domain),
		VaultboxID: vaultboxID,
		RouteType:  store.RouteCatchall,
		Active:     true,
	})
	return nil
}

// RemoveCatchallRoute drops the catch-all redirect for a domain, if present.
func (r *Router) RemoveCatchallRoute(ctx context.Context, domain string) error {
	key := "@" + strings.ToLower(domain)
	if err := r.apply(ctx, key, nil); err != nil {
		return err
	}
	r.metrics.RouteApplied("remove_catchall")
	return nil
}

// ListRoutes returns every entry in the map file, in file order.
func (r *Router) ListRoutes(ctx context.Context) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readEntries()
}

// TestRoute resolves an address the way the MTA would: the exact
// local@domain key first, then the @domain catch-all, then the bare domain.
func (r *Router) TestRoute(ctx context.Context, emailAddress string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.readEntries()
	if err != nil {
		return nil, err
	}

	addr := strings.ToLower(emailAddress)
	keys := []string{addr}
	if dom := domainOf(addr); dom != "" {
		keys = append(keys, "@"+dom, dom)
	}
	for _, key := range keys {
		for i := range entries {
			if entries[i].Key == key {
				return &entries[i], nil
			}
		}
	}
	return nil, ErrNoRoute
}

// ReloadConfiguration recompiles the map and reloads the MTA without
// changing the file. Used after out-of-band edits and at startup.
func (r *Router) ReloadConfiguration(ctx context.Context) error {
	r.mu.Lock()
	err := r.compile(ctx)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.reload(ctx)
}

// apply rewrites the map with the entry for key replaced (or removed when
// entry is nil), then compiles and reloads. The mutex covers the rewrite
// and the compile only; the MTA reload runs unlocked so a slow reload does
// not serialize unrelated route mutations.
func (r *Router) apply(ctx context.Context, key string, entry *Entry) error {
	if err := r.rewrite(ctx, key, entry); err != nil {
		return err
	}
	return r.reload(ctx)
}

func (r *Router) rewrite(ctx context.Context, key string, entry *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.readEntries()
	if err != nil {
		return err
	}

	kept := entries[:0]
	for _, e := range entries {
		if strings.EqualFold(e.Key, key) {
			continue
		}
		kept = append(kept, e)
	}
	if entry != nil {
		kept = append(kept, *entry)
	}

	if err := r.writeEntries(kept); err != nil {
		return err
	}
	return r.compile(ctx)
}

func (r *Router) readEntries() ([]Entry, error) {
	data, err := os.ReadFile(r.mapPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("router: reading %s: %w", r.mapPath, err)
	}

	var entries []Entry
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "\t")
		if !found {
			// Tolerate space-separated lines from hand edits.
			key, value, found = strings.Cut(line, " ")
			if !found {
				continue
			}
		}
		entries = append(entries, Entry{
			Key:   strings.ToLower(strings.TrimSpace(key)),
			Value: strings.TrimSpace(value),
		})
	}
	return entries, nil
}

// writeEntries writes the map to a temp file in the same directory, fsyncs,
// and renames it into place so readers never observe a partial file.
func (r *Router) writeEntries(entries []Entry) error {
	dir := filepath.Dir(r.mapPath)
	tmp, err := os.CreateTemp(dir, ".transport-*")
	if err != nil {
		return fmt.Errorf("router: creating temp map: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	for _, e := range entries {
		if _, err := tmp.WriteString(e.Line() + "\n"); err != nil {
			tmp.Close()
			return fmt.Errorf("router: writing temp map: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("router: syncing temp map: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("router: closing temp map: %w", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("router: setting map permissions: %w", err)
	}
	if err := os.Rename(tmpName, r.mapPath); err != nil {
		return fmt.Errorf("router: installing map: %w", err)
	}
	return nil
}

func (r *Router) compile(ctx context.Context) error {
	if err := r.driver.Compile(ctx, r.mapPath); err != nil {
		r.metrics.MTAReload("compile_error")
		return err
	}
	return nil
}

// reload is called without the mutex held. A failed reload does not roll
// back the file; the next successful reload applies the current map.
func (r *Router) reload(ctx context.Context) error {
	if err := r.driver.Reload(ctx); err != nil {
		r.metrics.MTAReload("reload_error")
		r.logger.Warn("MTA reload failed; map left in place", "error", err)
		return nil
	}
	r.metrics.MTAReload("ok")
	return nil
}

// audit records a route change; failures are logged, not surfaced, since the
// map file is the operational source of truth.
func (r *Router) audit(ctx context.Context, row *store.Route) {
	if r.store == nil {
		return
	}
	if row.EmailAddress != "" {
		if err := r.store.DeactivateRoutesByEmail(ctx, row.EmailAddress); err != nil {
			r.logger.Warn("route audit deactivate failed", "email", row.EmailAddress, "error", err)
		}
	}
	if err := r.store.InsertRoute(ctx, row); err != nil {
		r.logger.Warn("route audit insert failed", "domain", row.Domain, "error", err)
	}
}

func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return addr[i+1:]
	}
	return ""
}

func routeType(value string) string {
	if strings.HasPrefix(value, TransportSimpleMaildir+":") {
		return store.RouteSimpleIMAP
	}
	return store.RouteEncryptedIMAP
}
