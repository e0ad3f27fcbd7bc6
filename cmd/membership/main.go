// cmd/membership/main.go
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"memberportal/internal/config"
	"memberportal/internal/eventstore"
	"memberportal/internal/logging"
	"memberportal/internal/membership"
	"memberportal/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		config.Exitf("config: %v", err)
	}
	logger := logging.Setup(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("membership service stopped", "error", err)
		config.Exitf("membership: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Setup(ctx, "membership", cfg.OTelEndpoint)
	if err != nil {
		return err
	}
	defer shutdownTelemetry(context.Background())

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return err
	}

	store := membership.NewPostgresStore(db, eventstore.New())
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	tokens, err := membership.NewTokens(cfg.TokenSigningSecret, nil)
	if err != nil {
		return err
	}
	sessions, err := membership.NewSessions(cfg.SessionSecret, cfg.SessionTTL, nil)
	if err != nil {
		return err
	}

	dedup := newDeduper(ctx, cfg, logger)

	regions := make([]membership.Region, len(cfg.Regions))
	for i, r := range cfg.Regions {
		regions[i] = membership.Region(r)
	}
	svc, err := membership.NewService(store, tokens, sessions, dedup, membership.Options{
		Regions:         regions,
		TokenTTL:        cfg.TokenTTL,
		TokenNearExpiry: cfg.TokenNearExpiry,
		ExportMaxRows:   cfg.ExportMaxRows,
		ExportTimeout:   cfg.ExportTimeout,
		BulkMaxIDs:      cfg.BulkMaxIDs,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	if cfg.BootstrapAdminEmail != "" {
		if err := svc.EnsureAdmin(ctx, cfg.BootstrapAdminEmail, cfg.BootstrapAdminPassword); err != nil {
			return err
		}
	}

	handler := membership.NewHandler(svc, sessions, membership.HandlerOptions{
		VerifyPerMinute: cfg.VerifyRatePerMinute,
		VerifyBurst:     cfg.VerifyBurst,
		Logger:          logger,
	})
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.ExportTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting membership service", "port", cfg.Port, "regions", cfg.Regions)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down membership service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// newDeduper shares the dedup window through redis when one is configured and
// reachable, and falls back to an in-process window otherwise.
func newDeduper(ctx context.Context, cfg *config.Config, logger *slog.Logger) membership.Deduper {
	if cfg.RedisAddr == "" {
		return membership.NewMemoryDeduper(cfg.DedupWindow, nil)
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable, using in-process dedup window", "addr", cfg.RedisAddr, "error", err)
		client.Close()
		return membership.NewMemoryDeduper(cfg.DedupWindow, nil)
	}
	return membership.NewRedisDeduper(client, cfg.DedupWindow)
}
