// Command encimapd runs the encrypted mailbox daemon: the management API,
// the S/MIME intake worker, and an optional Prometheus metrics endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/motorical/encimap/internal/api"
	"github.com/motorical/encimap/internal/config"
	"github.com/motorical/encimap/internal/creds"
	"github.com/motorical/encimap/internal/intake"
	"github.com/motorical/encimap/internal/logging"
	"github.com/motorical/encimap/internal/metrics"
	"github.com/motorical/encimap/internal/oauth"
	"github.com/motorical/encimap/internal/router"
	"github.com/motorical/encimap/internal/smtpauth"
	"github.com/motorical/encimap/internal/store"
	"github.com/motorical/encimap/internal/subscription"
	"github.com/motorical/encimap/internal/vaultbox"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "encimapd:", err)
		os.Exit(1)
	}
}

func run() error {
	flags := config.ParseFlags()
	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	collector, metricsServer := metrics.New(metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Address: cfg.Metrics.Address,
		Path:    cfg.Metrics.Path,
	})
	go func() {
		if err := metricsServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN, store.Options{
		MaxOpen: cfg.Database.MaxOpen,
		MaxIdle: cfg.Database.MaxIdle,
		Debug:   cfg.Database.Debug,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()
	if cfg.Database.AutoMigrate {
		if err := st.AutoMigrate(); err != nil {
			return fmt.Errorf("migrating database: %w", err)
		}
	}

	var legacy *store.LegacyStore
	if cfg.Database.LegacyDSN != "" {
		legacy, err = store.OpenLegacy(cfg.Database.Driver, cfg.Database.LegacyDSN, store.Options{
			MaxOpen: cfg.Database.MaxOpen,
			MaxIdle: cfg.Database.MaxIdle,
		})
		if err != nil {
			return fmt.Errorf("opening legacy database: %w", err)
		}
		defer legacy.Close()
	}

	var mtaDriver router.MTADriver = router.NoopDriver{}
	if cfg.Transport.Driver == "postfix" {
		mtaDriver = &router.PostfixDriver{
			CompileCmd: cfg.Transport.CompileCmd,
			ReloadCmd:  cfg.Transport.ReloadCmd,
		}
	}
	rt := router.New(cfg.Transport.MapPath, mtaDriver, st, logger, collector)

	var imapDriver creds.IMAPDriver = creds.NoopIMAPDriver{}
	if cfg.IMAP.Driver == "dovecot" {
		imapDriver = &creds.DovecotDriver{
			ReloadCmd: cfg.IMAP.ReloadCmd,
			FlushCmd:  cfg.IMAP.FlushCmd,
		}
	}
	issuer := creds.NewIssuer(creds.IssuerConfig{
		Store:       st,
		Passwd:      creds.NewPasswdFile(cfg.IMAP.PasswdFile),
		IMAP:        imapDriver,
		MaildirRoot: cfg.Maildir.Root,
		UID:         cfg.Maildir.UID,
		GID:         cfg.Maildir.GID,
		SMTPHost:    cfg.Hostname,
		SMTPPort:    587,
		Logger:      logger,
	})

	maildir := intake.NewMaildir(cfg.Maildir.Root, cfg.Hostname, cfg.Maildir.UID, cfg.Maildir.GID)
	worker := intake.NewWorker(st, maildir, logger, collector)

	var verifier subscription.Verifier = &subscription.Static{AllowAll: true}
	var plans smtpauth.PlanLimits
	if cfg.Subscription.URL != "" {
		client := subscription.NewClient(cfg.Subscription.URL, cfg.Subscription.Token, cfg.Subscription.TimeoutDuration())
		verifier = client
		plans = client
	} else {
		logger.Warn("subscription service not configured; domain verification disabled")
	}

	svc := vaultbox.New(vaultbox.Config{
		Store:    st,
		Router:   rt,
		Issuer:   issuer,
		Worker:   worker,
		Verifier: verifier,
		Logger:   logger,
		Metrics:  collector,
		Hostname: cfg.Hostname,
	})

	var authCache *smtpauth.Cache
	if cfg.Redis.Enabled {
		authCache = smtpauth.NewCache(redis.NewClient(&redis.Options{
			Addr: cfg.Redis.Address,
			DB:   cfg.Redis.DB,
		}), 0, 0)
	}
	authenticator := smtpauth.New(smtpauth.Config{
		Store:   st,
		Legacy:  legacy,
		Plans:   plans,
		Cache:   authCache,
		Logger:  logger,
		Metrics: collector,
	})

	agent, err := oauth.NewJWTAgent(ctx, oauth.JWTAgentConfig{
		PublicKeyBase64: cfg.JWT.PublicKey,
		JWKSURL:         cfg.JWT.JWKSURL,
		Algorithm:       cfg.JWT.Algorithm,
		Issuer:          cfg.JWT.Issuer,
		Audience:        cfg.JWT.Audience,
		ClockTolerance:  time.Duration(cfg.JWT.ClockToleranceSec) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("configuring token validation: %w", err)
	}
	defer agent.Close()

	apiServer := api.NewServer(api.Config{
		Service:     svc,
		Auth:        authenticator,
		Agent:       agent,
		Store:       st,
		Legacy:      legacy,
		MaildirRoot: cfg.Maildir.Root,
		Logger:      logger,
		Metrics:     collector,
	})

	intakeMux := http.NewServeMux()
	intake.NewHandler(worker, cfg.Intake.MaxMessageSize, logger).Routes(intakeMux)

	apiHTTP := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.API.Address, cfg.API.Port),
		Handler:      apiServer.Handler(),
		ReadTimeout:  cfg.API.RequestTimeoutDuration(),
		WriteTimeout: cfg.API.RequestTimeoutDuration(),
	}
	intakeHTTP := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Intake.Address, cfg.Intake.Port),
		Handler:     intakeMux,
		ReadTimeout: cfg.Intake.SoftDeadlineDuration(),
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("management API listening", "addr", apiHTTP.Addr)
		if err := apiHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		logger.Info("intake worker listening", "addr", intakeHTTP.Addr)
		if err := intakeHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("intake server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		cancel()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := apiHTTP.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown error", "error", err)
	}
	if err := intakeHTTP.Shutdown(shutdownCtx); err != nil {
		logger.Error("intake shutdown error", "error", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown error", "error", err)
	}
	return nil
}
