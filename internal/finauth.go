package internal

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgellow/fin-auth/internal/auth"
	"github.com/dgellow/fin-auth/internal/authtoken"
	"github.com/dgellow/fin-auth/internal/config"
	"github.com/dgellow/fin-auth/internal/crypto"
	"github.com/dgellow/fin-auth/internal/idp"
	"github.com/dgellow/fin-auth/internal/log"
	"github.com/dgellow/fin-auth/internal/server"
	"github.com/dgellow/fin-auth/internal/storage"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// FinAuth is the auth backend: storage, the auth service and its HTTP server.
type FinAuth struct {
	config     config.Config
	handler    http.Handler
	httpServer *server.HTTPServer
	storage    storage.Storage
	cleanup    *storage.CleanupManager
}

// NewFinAuth builds the backend from a loaded config.
func NewFinAuth(ctx context.Context, cfg config.Config, version string) (*FinAuth, error) {
	log.LogDebug("initializing fin-auth")

	store, err := setupStorage(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	svc, err := setupAuthentication(cfg, store)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to setup authentication: %w", err)
	}

	metrics := server.NewMetrics()
	handler := buildHTTPHandler(cfg, svc, store, metrics, version)

	cleanup := storage.NewCleanupManager(store, cfg.Storage.CleanupInterval)
	cleanup.OnPurge = metrics.RecordPurge

	return &FinAuth{
		config:     cfg,
		handler:    handler,
		httpServer: server.NewHTTPServer(handler, cfg.Server.Addr),
		storage:    store,
		cleanup:    cleanup,
	}, nil
}

// Handler returns the fully wired HTTP handler.
func (a *FinAuth) Handler() http.Handler {
	return a.handler
}

// Run serves until ctx is cancelled, SIGINT or SIGTERM arrives, or the server
// fails, then shuts down gracefully and closes storage.
func (a *FinAuth) Run(ctx context.Context) error {
	log.LogInfoWithFields("finauth", "Starting fin-auth", map[string]any{
		"addr":     a.config.Server.Addr,
		"storage":  a.config.Storage.Kind,
		"base_url": a.config.Server.BaseURL,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.httpServer.Start(); err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	a.cleanup.Start(gctx)

	g.Go(func() error {
		<-gctx.Done()
		log.LogInfoWithFields("finauth", "Starting graceful shutdown", map[string]any{
			"reason":  context.Cause(gctx).Error(),
			"timeout": shutdownTimeout.String(),
		})

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := a.httpServer.Stop(shutdownCtx)
		a.cleanup.Stop()
		return err
	})

	err := g.Wait()
	if cerr := a.storage.Close(); cerr != nil {
		log.LogErrorWithFields("finauth", "Failed to close storage", map[string]any{
			"error": cerr.Error(),
		})
	}
	if err != nil {
		return err
	}

	log.LogInfoWithFields("finauth", "Application shutdown complete", nil)
	return nil
}

// setupStorage creates the configured storage backend.
func setupStorage(ctx context.Context, cfg config.Config) (storage.Storage, error) {
	switch cfg.Storage.Kind {
	case config.StorageFirestore:
		log.LogInfoWithFields("storage", "Using Firestore storage", map[string]any{
			"project":    cfg.Storage.FirestoreProject,
			"database":   cfg.Storage.FirestoreDatabase,
			"collection": cfg.Storage.FirestoreCollection,
		})
		return storage.NewFirestoreStorage(ctx, cfg.Storage.FirestoreProject, cfg.Storage.FirestoreDatabase, cfg.Storage.FirestoreCollection)

	case config.StorageSQLite:
		log.LogInfoWithFields("storage", "Using SQLite storage", map[string]any{
			"path": cfg.Storage.Path,
		})
		return storage.NewSQLiteStorage(cfg.Storage.Path)

	case config.StorageMemory, "":
		log.LogInfoWithFields("storage", "Using in-memory storage", nil)
		return storage.NewMemoryStorage(), nil

	default:
		return nil, fmt.Errorf("unknown storage kind: %s", cfg.Storage.Kind)
	}
}

func setupAuthentication(cfg config.Config, store storage.Storage) (*auth.Service, error) {
	access, err := authtoken.NewAccessIssuer([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, cfg.Auth.AccessTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create access token issuer: %w", err)
	}

	providers, err := idp.NewRegistry(cfg.Providers, cfg.Auth.AllowedDomains)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity providers: %w", err)
	}

	return auth.NewService(auth.Config{
		Providers:  providers,
		Storage:    store,
		Access:     access,
		StateKey:   []byte(cfg.Auth.StateSecret),
		StateTTL:   cfg.Auth.StateTTL,
		RefreshTTL: cfg.Auth.RefreshTokenTTL,
		GrantTTL:   cfg.Auth.PopupGrantTTL,
	})
}

// csrfKey derives the CSRF signing key from the state secret, so CSRF tokens
// and OAuth state never share a key.
func csrfKey(cfg config.Config) []byte {
	return crypto.DeriveKey([]byte(cfg.Auth.StateSecret), "fin-auth csrf")
}

// buildHTTPHandler creates the complete HTTP handler with all routing and middleware
func buildHTTPHandler(cfg config.Config, svc *auth.Service, store storage.Storage, metrics *server.Metrics, version string) http.Handler {
	mux := http.NewServeMux()

	var pinger server.Pinger
	if p, ok := store.(server.Pinger); ok {
		pinger = p
	}
	mux.Handle("GET /health", server.NewHealthHandler(version, pinger))
	mux.Handle("GET /metrics", metrics.Handler())

	csrf := crypto.NewCSRFProtection(csrfKey(cfg), cfg.Auth.RefreshTokenTTL)
	authHandlers := server.NewAuthHandlers(svc, csrf, metrics, cfg.Server.FrontendURL)
	authHandlers.Register(mux,
		server.NewLoggerMiddleware("auth"),
		server.NewRecoverMiddleware("auth"),
	)

	return server.ChainMiddleware(mux,
		server.NewMetricsMiddleware(metrics),
		server.NewCORSMiddleware(cfg.Server.AllowedOrigins),
		server.NewSecurityHeadersMiddleware(),
	)
}
