package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/fleetplane/fleetplane/cmd/controlplane/api"
	"github.com/fleetplane/fleetplane/cmd/controlplane/config"
	"github.com/fleetplane/fleetplane/lib/catalog"
	"github.com/fleetplane/fleetplane/lib/cpstore"
	"github.com/fleetplane/fleetplane/lib/editor"
	"github.com/fleetplane/fleetplane/lib/logger"
	"github.com/fleetplane/fleetplane/lib/reconciler"
	"github.com/fleetplane/fleetplane/lib/scheduler"
)

func main() {
	if err := run(); err != nil {
		slog.Error("control plane terminated", "error", err)
		os.Exit(1)
	}
	slog.Info("main() exiting normally")
}

func run() error {
	cfg := config.Load()
	log := logger.New(cfg.LogLevel, nil)
	ctx := logger.AddToContext(context.Background(), log)

	if cfg.AuthToken == "" {
		log.Warn("AUTH_TOKEN not configured, API requests will be rejected")
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := cpstore.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	revs := catalog.NewRevisions(rdb, cfg.RedisPrefix)
	sched := scheduler.New(store)
	ed := editor.NewService(api.NewNodeBackend(store), revs)
	rec := reconciler.New(store, api.NodeDispatch{})

	svc := api.New(cfg, store, sched, ed)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Port),
		Handler: svc.Router(log),
	}

	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	grp, gctx := errgroup.WithContext(sctx)

	grp.Go(func() error {
		log.Info("starting control plane", "port", cfg.Port, "data_dir", cfg.DataDir)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	grp.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	grp.Go(func() error {
		interval := time.Duration(cfg.ReconcileInterval) * time.Second
		log.Info("reconciler started", "interval", interval)
		rec.Run(gctx, interval)
		return nil
	})

	err = grp.Wait()
	log.Info("all goroutines finished")
	return err
}
