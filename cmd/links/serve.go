package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/villagelabs/links/pkg/anchors"
	"github.com/villagelabs/links/pkg/api"
	"github.com/villagelabs/links/pkg/archive"
	"github.com/villagelabs/links/pkg/audit"
	"github.com/villagelabs/links/pkg/config"
	"github.com/villagelabs/links/pkg/crypto"
	"github.com/villagelabs/links/pkg/feed"
	"github.com/villagelabs/links/pkg/observability"
	"github.com/villagelabs/links/pkg/ratelimit"
	"github.com/villagelabs/links/pkg/store"
	"github.com/villagelabs/links/pkg/transparency"
	"github.com/villagelabs/links/pkg/village"
)

func runServe(args []string, stdout, stderr io.Writer) int {
	cmd := newFlagSet("serve", stderr)
	profile := cmd.String("profile", "", "Deployment profile YAML overriding the environment")
	addr := cmd.String("addr", "", "Listen address (overrides LINKS_ADDR)")
	root := cmd.String("root", "", "Data root (overrides LINKS_ROOT)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	if *profile != "" {
		if err := config.LoadProfile(cfg, *profile); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *root != "" {
		cfg.Root = *root
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := serveNode(cfg, logger, stdout); err != nil {
		logger.Error("node failed", "error", err)
		return 1
	}
	return 0
}

//nolint:gocognit
func serveNode(cfg *config.Config, logger *slog.Logger, stdout io.Writer) error {
	ctx := context.Background()

	var signer *crypto.Signer
	if cfg.NodeSigningKey != "" {
		s, err := crypto.SignerFromSeedB64(cfg.NodeSigningKey)
		if err != nil {
			return fmt.Errorf("node signing key: %w", err)
		}
		signer = s
	} else {
		logger.Warn("no node signing key, denials and manifest signatures disabled")
	}

	villages := village.NewStore(cfg.VillagesRoot())
	auditLog := audit.NewLog(cfg.StoreRoot())
	claims := store.New(cfg.StoreRoot(), villages, auditLog, signer)

	// SQL mirror: Postgres when DATABASE_URL is set, else the embedded
	// SQLite file when opted in.
	switch {
	case cfg.DatabaseURL != "":
		m, err := store.OpenMirror(ctx, "postgres", cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer m.Close()
		claims.AttachMirror(m)
		logger.Info("claims mirror: postgres")
	case cfg.IndexSQL:
		dsn := filepath.Join(cfg.StoreRoot(), "index", "claims.db")
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return fmt.Errorf("claims mirror: %w", err)
		}
		m, err := store.OpenMirror(ctx, "sqlite", dsn)
		if err != nil {
			return err
		}
		defer m.Close()
		claims.AttachMirror(m)
		logger.Info("claims mirror: sqlite", "path", dsn)
	}

	if cfg.ArchiveType != "" {
		_ = os.Setenv("ARCHIVE_STORAGE_TYPE", cfg.ArchiveType)
	}
	archiveStore, err := archive.NewFromEnv(ctx, filepath.Join(cfg.StoreRoot(), "archive"))
	if err != nil {
		return err
	}
	if archiveStore != nil {
		logger.Info("export archival enabled", "type", cfg.ArchiveType)
	}

	var obs *observability.Provider
	if cfg.OTLPEndpoint != "" {
		obs, err = observability.New(ctx, &observability.Config{
			ServiceName:    "links",
			ServiceVersion: version,
			OTLPEndpoint:   cfg.OTLPEndpoint,
			SampleRate:     1.0,
			BatchTimeout:   5 * time.Second,
			Enabled:        true,
			Insecure:       true,
		})
		if err != nil {
			return err
		}
		defer func() {
			shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = obs.Shutdown(shCtx)
		}()
	}

	var limiter ratelimit.Store
	if cfg.RedisAddr != "" {
		limiter = ratelimit.NewRedisStore(cfg.RedisAddr)
		logger.Info("rate limiter: redis", "addr", cfg.RedisAddr)
	} else {
		limiter = ratelimit.NewMemoryStore()
	}

	srv := api.New(api.Config{
		Villages:      villages,
		Feed:          feed.NewLog(cfg.VillagesRoot()),
		Anchors:       anchors.NewRegistry(cfg.VillagesRoot()),
		Claims:        claims,
		Audit:         auditLog,
		Transparency:  transparency.NewLog(cfg.StoreRoot()),
		Limiter:       limiter,
		Signer:        signer,
		Archive:       archiveStore,
		Observability: obs,
		PublicPolicy:  cfg.PublicPolicy,
		Logger:        logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("node listening", "addr", cfg.Addr, "root", cfg.Root)
		fmt.Fprintf(stdout, "links node ready on %s\n", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shCtx)
}
