// Package api is the management HTTP surface under /s2s/v1: vaultbox
// lifecycle, credential issuance, certificate tooling, and the unified
// SMTP auth endpoint for the submission front-end.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/motorical/encimap/internal/logging"
	"github.com/motorical/encimap/internal/metrics"
	"github.com/motorical/encimap/internal/oauth"
	"github.com/motorical/encimap/internal/smtpauth"
	"github.com/motorical/encimap/internal/store"
	"github.com/motorical/encimap/internal/vaultbox"
)

type principalKey struct{}

// Server serves the management API.
type Server struct {
	svc         *vaultbox.Service
	auth        *smtpauth.Authenticator
	agent       oauth.Agent
	store       *store.Store
	legacy      *store.LegacyStore
	maildirRoot string
	logger      *slog.Logger
	metrics     metrics.Collector
	mux         *http.ServeMux
}

// Config wires a Server. Legacy and Auth are optional; without them the
// /auth/smtp endpoint reports the dependency missing.
type Config struct {
	Service     *vaultbox.Service
	Auth        *smtpauth.Authenticator
	Agent       oauth.Agent
	Store       *store.Store
	Legacy      *store.LegacyStore
	MaildirRoot string
	Logger      *slog.Logger
	Metrics     metrics.Collector
}

// NewServer creates a Server with all routes registered.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := cfg.Metrics
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	s := &Server{
		svc:         cfg.Service,
		auth:        cfg.Auth,
		agent:       cfg.Agent,
		store:       cfg.Store,
		legacy:      cfg.Legacy,
		maildirRoot: cfg.MaildirRoot,
		logger:      logging.WithComponent(logger, "api"),
		metrics:     collector,
		mux:         http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.handle("GET /s2s/v1/vaultboxes", s.handleListVaultboxes)
	s.handle("POST /s2s/v1/vaultboxes", s.handleCreateVaultbox)
	s.handle("GET /s2s/v1/vaultboxes/{id}", s.handleGetVaultbox)
	s.handle("DELETE /s2s/v1/vaultboxes/{id}", s.handleDeleteVaultbox)
	s.handle("POST /s2s/v1/vaultboxes/{id}/status", s.handleSetStatus)

	s.handle("POST /s2s/v1/vaultboxes/{id}/imap-credentials", s.handleCreateImapCredentials)
	s.handle("GET /s2s/v1/vaultboxes/{id}/imap-credentials", s.handleGetImapCredentials)
	s.handle("POST /s2s/v1/vaultboxes/{id}/imap-credentials/regenerate", s.handleRegenerateImapCredentials)
	s.handle("DELETE /s2s/v1/vaultboxes/{id}/imap-credentials", s.handleDeleteImapCredentials)

	s.handle("POST /s2s/v1/vaultboxes/{id}/smtp-credentials", s.handleCreateSmtpCredentials)
	s.handle("GET /s2s/v1/vaultboxes/{id}/smtp-credentials", s.handleGetSmtpCredentials)
	s.handle("POST /s2s/v1/vaultboxes/{id}/smtp-credentials/regenerate", s.handleRegenerateSmtpCredentials)
	s.handle("DELETE /s2s/v1/vaultboxes/{id}/smtp-credentials", s.handleDeleteSmtpCredentials)

	s.handle("POST /s2s/v1/vaultboxes/{id}/certs", s.handleUploadCertificate)
	s.handle("POST /s2s/v1/generate-certificate", s.handleGenerateCertificate)
	s.handle("POST /s2s/v1/p12", s.handleP12)
	s.handle("POST /s2s/v1/bundle", s.handleBundle)

	s.handle("GET /s2s/v1/vaultboxes/{id}/aliases", s.handleListAliases)
	s.handle("POST /s2s/v1/vaultboxes/{id}/aliases", s.handleCreateAlias)
	s.handle("DELETE /s2s/v1/vaultboxes/{id}/aliases/{aliasId}", s.handleDeleteAlias)

	s.handle("GET /s2s/v1/domains/{domain}/simple-status", s.handleSimpleStatus)
	s.handle("PUT /s2s/v1/domains/{domain}/catchall", s.handleSetCatchall)

	s.handle("GET /s2s/v1/usage", s.handleUsage)
	s.handle("POST /s2s/v1/auth/smtp", s.handleSmtpAuth)
}

// handle registers an authenticated route.
func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.mux.Handle(pattern, s.requireAuth(h))
}

// Handler returns the root handler with request logging and metrics.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		s.mux.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = r.URL.Path
		}
		s.metrics.APIRequest(route, rec.status)
		logging.WithRequest(s.logger, r.Method, r.URL.Path, r.RemoteAddr).
			Info("request", "status", rec.status)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// requireAuth validates the bearer token and stores the principal in the
// request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			respondError(w, http.StatusUnauthorized, "", "missing bearer token")
			return
		}
		p, err := s.agent.ValidateToken(r.Context(), token)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "", "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

func principalFrom(r *http.Request) *oauth.Principal {
	p, _ := r.Context().Value(principalKey{}).(*oauth.Principal)
	return p
}

// authorizeOwner checks that the principal may act on a resource owned by
// ownerUserID. Service principals may act on anything.
func authorizeOwner(w http.ResponseWriter, r *http.Request, ownerUserID string) bool {
	p := principalFrom(r)
	if p == nil {
		respondError(w, http.StatusUnauthorized, "", "missing principal")
		return false
	}
	if p.IsService() || p.UserID == ownerUserID {
		return true
	}
	respondError(w, http.StatusForbidden, "", "not your resource")
	return false
}

// authorizeVaultbox loads a vaultbox by path id and checks ownership.
func (s *Server) authorizeVaultbox(w http.ResponseWriter, r *http.Request) (*store.Vaultbox, bool) {
	vb, err := s.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		respondServiceError(w, s.logger, err)
		return nil, false
	}
	if !authorizeOwner(w, r, vb.OwnerUserID) {
		return nil, false
	}
	return vb, true
}

// handleHealth reports adapter status. Degraded adapters keep the endpoint
// at 200 so load balancers do not pull a partially working instance; a dead
// metadata store returns 500.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	adapters := map[string]string{}
	status := "ok"
	httpStatus := http.StatusOK

	if err := s.store.Ping(ctx); err != nil {
		adapters["database"] = "down"
		status = "degraded"
		httpStatus = http.StatusInternalServerError
	} else {
		adapters["database"] = "ok"
	}

	if s.legacy != nil {
		if err := s.legacy.Ping(ctx); err != nil {
			adapters["legacy_database"] = "down"
			status = "degraded"
		} else {
			adapters["legacy_database"] = "ok"
		}
	}

	if s.maildirRoot != "" {
		if info, err := os.Stat(s.maildirRoot); err != nil || !info.IsDir() {
			adapters["maildir"] = "down"
			status = "degraded"
		} else {
			adapters["maildir"] = "ok"
		}
	}

	writeJSON(w, httpStatus, envelope{Success: httpStatus == http.StatusOK, Data: map[string]any{
		"status":   status,
		"adapters": adapters,
	}})
}
