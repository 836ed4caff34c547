package main

import (
	"bytes"
	"context"
	"encoding/json"
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
	"golang.org/x/sys/unix"

	"github.com/fleetplane/fleetplane/cmd/nodeagent/api"
	"github.com/fleetplane/fleetplane/cmd/nodeagent/config"
	"github.com/fleetplane/fleetplane/lib/catalog"
	"github.com/fleetplane/fleetplane/lib/hostinfo"
	"github.com/fleetplane/fleetplane/lib/logger"
	"github.com/fleetplane/fleetplane/lib/paths"
	"github.com/fleetplane/fleetplane/lib/qemu"
	"github.com/fleetplane/fleetplane/lib/runner"
	"github.com/fleetplane/fleetplane/lib/sshcache"
)

func main() {
	if err := run(); err != nil {
		slog.Error("node agent terminated", "error", err)
		os.Exit(1)
	}
	slog.Info("main() exiting normally")
}

func run() error {
	cfg := config.Load()

	// Group-writable workdirs so a dropped-privilege QEMU can use them.
	unix.Umask(0002)

	p := paths.New(cfg.BaseDir)
	log := logger.New(cfg.LogLevel, p.AgentLog)
	ctx := logger.AddToContext(context.Background(), log)

	if cfg.AuthToken == "" {
		log.Warn("AUTH_TOKEN not configured, API requests will be rejected")
	}
	if cfg.BaseImage == "" {
		return fmt.Errorf("VM_BASE_IMAGE is required")
	}
	if cfg.PrivkeyPath == "" {
		return fmt.Errorf("VM_SSH_PRIVKEY is required")
	}
	if err := os.MkdirAll(p.VMsDir(), 0775); err != nil {
		return fmt.Errorf("create vms dir: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	store := catalog.New(rdb, cfg.RedisPrefix)
	cache := sshcache.New(cfg.PrivkeyPath)
	defer cache.CloseAll()

	run := runner.New(runner.Config{
		BaseImage:   cfg.BaseImage,
		SSHUser:     cfg.SSHUser,
		PrivkeyPath: cfg.PrivkeyPath,
		QEMUBin:     cfg.QEMUBin,
		UEFIARM64:   cfg.UEFIARM64,
		Arch:        qemu.HostArch(),
		BootTimeout: time.Duration(cfg.BootTimeout) * time.Second,
		RunAsUID:    cfg.RunAsUID,
		RunAsGID:    cfg.RunAsGID,
	}, p, store, cache, log)

	// Resync the catalog after a crash: running records whose SSH port no
	// longer answers flip to stopped before we serve traffic.
	log.Info("reconciling vm catalog")
	if err := store.ReconcileAll(ctx); err != nil {
		return fmt.Errorf("reconcile catalog: %w", err)
	}

	svc := api.New(cfg, p, store, run, cache)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Port),
		Handler: svc.Router(log),
	}

	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	grp, gctx := errgroup.WithContext(sctx)

	grp.Go(func() error {
		log.Info("starting node agent", "port", cfg.Port, "node", cfg.NodeName, "base_dir", cfg.BaseDir)
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

	if cfg.ControlPlaneURL != "" {
		grp.Go(func() error {
			heartbeatLoop(gctx, log, cfg)
			return nil
		})
	}

	err = grp.Wait()
	log.Info("all goroutines finished")
	return err
}

// heartbeatLoop reports this node and its capacity to the control plane
// until shutdown.
func heartbeatLoop(ctx context.Context, log *slog.Logger, cfg *config.Config) {
	interval := time.Duration(cfg.HeartbeatInterval) * time.Second
	client := &http.Client{Timeout: 10 * time.Second}
	url := fmt.Sprintf("%s/nodes/%s/heartbeat", cfg.ControlPlaneURL, cfg.NodeName)

	capacity, err := hostinfo.Detect()
	if err != nil {
		log.Warn("capacity detection failed, heartbeats carry no capacity", "error", err)
	}
	body, _ := json.Marshal(capacity)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Info("heartbeat loop started", "url", url, "interval", interval,
		"cap_vcpus", capacity.VCPUs, "cap_mem_mib", capacity.MemMiB)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				continue
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", "Bearer "+cfg.ControlPlaneToken)
			resp, err := client.Do(req)
			if err != nil {
				log.Warn("heartbeat failed", "error", err)
				continue
			}
			resp.Body.Close()
			if resp.StatusCode >= 400 {
				log.Warn("heartbeat rejected", "status", resp.StatusCode)
			}
		}
	}
}
