// Package runner boots, stops, and reattaches QEMU micro-VMs and owns the
// VMRecord state transitions. Start and stop are asynchronous: the request
// path only validates and schedules, the worker flips the record to
// running/stopped/error when the work completes.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetplane/fleetplane/lib/catalog"
	"github.com/fleetplane/fleetplane/lib/logger"
	"github.com/fleetplane/fleetplane/lib/metrics"
	"github.com/fleetplane/fleetplane/lib/paths"
	"github.com/fleetplane/fleetplane/lib/qemu"
	"github.com/fleetplane/fleetplane/lib/sshcache"
	"github.com/fleetplane/fleetplane/lib/vm"
)

// Config carries the host-level knobs for the runner.
type Config struct {
	BaseImage   string // backing qcow2 for overlays
	SSHUser     string
	PrivkeyPath string // public key read from PrivkeyPath + ".pub"
	QEMUBin     string // optional override
	UEFIARM64   string // optional firmware override
	Arch        qemu.Arch
	BootTimeout time.Duration
	RunAsUID    int // 0 = no privilege drop
	RunAsGID    int
}

// Runner drives the VM lifecycle on this node.
type Runner struct {
	cfg   Config
	paths *paths.Paths
	store *catalog.Store
	cache *sshcache.Cache
	log   *slog.Logger

	mu    sync.Mutex
	procs map[string]*vm.Proc // VM id -> live process handle
}

// New creates a Runner.
func New(cfg Config, p *paths.Paths, store *catalog.Store, cache *sshcache.Cache, log *slog.Logger) *Runner {
	if cfg.BootTimeout == 0 {
		cfg.BootTimeout = 600 * time.Second
	}
	if cfg.Arch == "" {
		cfg.Arch = qemu.HostArch()
	}
	return &Runner{
		cfg:   cfg,
		paths: p,
		store: store,
		cache: cache,
		log:   log,
		procs: make(map[string]*vm.Proc),
	}
}

// Proc returns the live process handle for a VM, if this process booted it.
func (r *Runner) Proc(id string) (*vm.Proc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.procs[id]
	return p, ok
}

func (r *Runner) setProc(id string, p *vm.Proc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p == nil {
		delete(r.procs, id)
	} else {
		r.procs[id] = p
	}
}

// Start schedules an asynchronous boot. Start on a running VM is a no-op
// returning success.
func (r *Runner) Start(ctx context.Context, rec *vm.Record) error {
	if rec.State == vm.StateRunning {
		return nil
	}
	if err := r.store.SetStatus(ctx, rec, vm.StateProvisioning, ""); err != nil {
		return err
	}

	go func() {
		// Detached from the request: boots outlive the HTTP call.
		bctx := logger.AddToContext(context.Background(), r.log)
		bctx, cancel := context.WithTimeout(bctx, r.cfg.BootTimeout+time.Minute)
		defer cancel()

		started := time.Now()
		proc, err := r.boot(bctx, rec)
		if err != nil {
			r.log.Error("vm boot failed", "vm_id", rec.ID, "error", err)
			metrics.VMBoots.WithLabelValues("error").Inc()
			if serr := r.persistIfPresent(bctx, rec, vm.StateError, err.Error()); serr != nil {
				r.log.Error("failed to persist error state", "vm_id", rec.ID, "error", serr)
			}
			return
		}

		r.setProc(rec.ID, proc)
		rec.SSHPort = proc.PortSSH
		rec.SSHUser = r.cfg.SSHUser
		if err := r.persistIfPresent(bctx, rec, vm.StateRunning, ""); err != nil {
			r.log.Error("failed to persist running state", "vm_id", rec.ID, "error", err)
			return
		}
		metrics.VMBoots.WithLabelValues("ok").Inc()
		metrics.VMBootDuration.Observe(time.Since(started).Seconds())
		r.log.Info("vm booted", "vm_id", rec.ID, "ssh_port", proc.PortSSH,
			"duration", time.Since(started).Round(time.Millisecond))
	}()
	return nil
}

// Stop schedules an asynchronous stop. Stop on a stopped VM is a no-op
// returning success.
func (r *Runner) Stop(ctx context.Context, rec *vm.Record, cleanupDisks bool) error {
	if rec.State == vm.StateStopped {
		return nil
	}

	go func() {
		sctx := logger.AddToContext(context.Background(), r.log)
		sctx, cancel := context.WithTimeout(sctx, 60*time.Second)
		defer cancel()

		if err := r.stop(sctx, rec, cleanupDisks); err != nil {
			r.log.Error("vm stop failed", "vm_id", rec.ID, "error", err)
			metrics.VMStops.WithLabelValues("error").Inc()
			if serr := r.persistIfPresent(sctx, rec, vm.StateError, err.Error()); serr != nil {
				r.log.Error("failed to persist error state", "vm_id", rec.ID, "error", serr)
			}
			return
		}
		metrics.VMStops.WithLabelValues("ok").Inc()
		if err := r.persistIfPresent(sctx, rec, vm.StateStopped, ""); err != nil {
			r.log.Error("failed to persist stopped state", "vm_id", rec.ID, "error", err)
		}
	}()
	return nil
}

// StopSync performs the stop procedure inline and persists the stopped
// state before returning. The delete path uses it: a worker finishing
// after the record is gone must not write the record back.
func (r *Runner) StopSync(ctx context.Context, rec *vm.Record, cleanupDisks bool) error {
	if err := r.stop(ctx, rec, cleanupDisks); err != nil {
		return err
	}
	return r.store.SetStatus(ctx, rec, vm.StateStopped, "")
}

// Reboot stops the VM, waits a beat, and starts it again.
func (r *Runner) Reboot(ctx context.Context, rec *vm.Record) error {
	if rec.State == vm.StateRunning {
		if err := r.StopSync(ctx, rec, false); err != nil {
			return err
		}
	}
	time.Sleep(time.Second)
	return r.Start(ctx, rec)
}

// persistIfPresent flips the record state unless the record was deleted
// while the worker ran.
func (r *Runner) persistIfPresent(ctx context.Context, rec *vm.Record, state vm.State, reason string) error {
	if _, err := r.store.Get(ctx, rec.ID); errors.Is(err, vm.ErrNotFound) {
		return nil
	}
	return r.store.SetStatus(ctx, rec, state, reason)
}
