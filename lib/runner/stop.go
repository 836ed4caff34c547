package runner

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fleetplane/fleetplane/lib/logger"
	"github.com/fleetplane/fleetplane/lib/vm"
)

const (
	// sigtermGrace is how long the process group gets between SIGTERM and
	// SIGKILL.
	sigtermGrace = 5 * time.Second

	// cooperativeGrace bounds the in-guest "shutdown now" attempt.
	cooperativeGrace = 10 * time.Second
)

// stop performs the stop procedure: cooperative guest shutdown, then
// SIGTERM on the process group, then SIGKILL, then optional disk cleanup.
func (r *Runner) stop(ctx context.Context, rec *vm.Record, cleanupDisks bool) error {
	log := logger.FromContext(ctx)

	pid := r.findPid(rec.ID)

	// Cooperative shutdown through the cached shell channel. Best effort:
	// a dead SSH connection is expected when the guest already hung.
	if rec.State == vm.StateRunning && rec.SSHPort > 0 {
		cctx, cancel := context.WithTimeout(ctx, cooperativeGrace)
		r.cooperativeShutdown(cctx, rec)
		cancel()
	}
	r.cache.Evict(rec.ID)

	if pid > 0 && pidAlive(pid) {
		log.InfoContext(ctx, "signaling qemu process group", "vm_id", rec.ID, "pid", pid)
		killGroupWithGrace(pid, sigtermGrace)
	}
	r.setProc(rec.ID, nil)

	if cleanupDisks {
		r.cleanupDisks(ctx, rec.ID)
	}
	return nil
}

// cooperativeShutdown asks the guest to power off via the cached shell
// channel, falling back to an ad-hoc exec session.
func (r *Runner) cooperativeShutdown(ctx context.Context, rec *vm.Record) {
	log := logger.FromContext(ctx)
	entry, err := r.cache.Resolve(ctx, rec)
	if err != nil {
		log.DebugContext(ctx, "no ssh session for cooperative shutdown", "vm_id", rec.ID, "error", err)
		return
	}
	if _, err := entry.Shell.Stdin.Write([]byte("sudo shutdown now\n")); err != nil {
		if _, _, err := entry.Exec(ctx, "sudo shutdown now"); err != nil {
			log.DebugContext(ctx, "cooperative shutdown failed", "vm_id", rec.ID, "error", err)
			return
		}
	}
	// Give the guest a moment to begin powering off.
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
	}
}

// findPid prefers the pidfile, falling back to the in-memory child handle.
func (r *Runner) findPid(id string) int {
	if pid, err := readPidfile(r.paths.Pidfile(id)); err == nil {
		return pid
	}
	if proc, ok := r.Proc(id); ok && proc.Cmd != nil && proc.Cmd.Process != nil {
		return proc.Cmd.Process.Pid
	}
	return 0
}

func (r *Runner) cleanupDisks(ctx context.Context, id string) {
	log := logger.FromContext(ctx)
	for _, path := range []string{
		r.paths.Overlay(id),
		r.paths.SeedISO(id),
		r.paths.SeedSpec(id),
		r.paths.UserData(id),
		r.paths.MetaData(id),
		r.paths.ConsoleLog(id),
		r.paths.Pidfile(id),
	} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.WarnContext(ctx, "cleanup failed", "vm_id", id, "path", path, "error", err)
		}
	}
}

// readPidfile parses the pid stored by QEMU.
func readPidfile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pidfile %s: %w", path, err)
	}
	return pid, nil
}

// removeStalePidfile deletes a pidfile whose PID is no longer alive.
// A live PID means a previous QEMU still owns this workdir.
func removeStalePidfile(path string) error {
	pid, err := readPidfile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		// Unparseable pidfile: treat as stale.
		return os.Remove(path)
	}
	if pidAlive(pid) {
		return fmt.Errorf("pidfile %s points at live pid %d", path, pid)
	}
	return os.Remove(path)
}

// pidAlive reports whether a process with the given pid exists.
func pidAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// killGroup sends SIGKILL to the process group immediately.
func killGroup(pid int) {
	_ = unix.Kill(-pid, unix.SIGKILL)
}

// killGroupWithGrace sends SIGTERM to the process group, waits for the
// group leader to die, then SIGKILLs.
func killGroupWithGrace(pid int, grace time.Duration) {
	_ = unix.Kill(-pid, unix.SIGTERM)
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	_ = unix.Kill(-pid, unix.SIGKILL)
}
