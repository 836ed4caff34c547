package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/fleetplane/fleetplane/lib/cloudinit"
	"github.com/fleetplane/fleetplane/lib/logger"
	"github.com/fleetplane/fleetplane/lib/qemu"
	"github.com/fleetplane/fleetplane/lib/sshcache"
	"github.com/fleetplane/fleetplane/lib/vm"
)

const sshPollInterval = 2 * time.Second

// Workdir ensures the VM's workdir exists and returns it.
func (r *Runner) Workdir(id string) (string, error) {
	dir := r.paths.Workdir(id)
	if err := os.MkdirAll(dir, 0775); err != nil {
		return "", fmt.Errorf("ensure workdir: %w", err)
	}
	if r.cfg.RunAsUID > 0 {
		if err := os.Chown(dir, r.cfg.RunAsUID, r.cfg.RunAsGID); err != nil {
			return "", fmt.Errorf("chown workdir: %w", err)
		}
	}
	return dir, nil
}

// boot runs the full boot procedure and returns the live process handle.
func (r *Runner) boot(ctx context.Context, rec *vm.Record) (*vm.Proc, error) {
	log := logger.FromContext(ctx)

	// 1. Workdir
	workdir, err := r.Workdir(rec.ID)
	if err != nil {
		return nil, err
	}
	rec.Workdir = workdir

	// 2. Overlay backed by the base image
	overlay := r.paths.Overlay(rec.ID)
	if _, err := os.Stat(overlay); os.IsNotExist(err) {
		if err := r.createOverlay(ctx, overlay, rec.DiskGiB); err != nil {
			return nil, err
		}
	}

	// 3. Seed ISO (skipped when the content hash is unchanged)
	pubkey, err := os.ReadFile(r.cfg.PrivkeyPath + ".pub")
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	seed := cloudinit.Seed{
		InstanceID:   rec.ID,
		Hostname:     rec.ID,
		User:         r.cfg.SSHUser,
		PublicKey:    string(pubkey),
		UserDataPath: r.paths.UserData(rec.ID),
		MetaDataPath: r.paths.MetaData(rec.ID),
		ISOPath:      r.paths.SeedISO(rec.ID),
		SpecPath:     r.paths.SeedSpec(rec.ID),
	}
	if err := cloudinit.Generate(ctx, seed); err != nil {
		return nil, fmt.Errorf("seed iso: %w", err)
	}

	// 4. Free host port for the SSH forward
	port, err := FreePort()
	if err != nil {
		return nil, fmt.Errorf("pick ssh port: %w", err)
	}

	// 5. QEMU argv
	binary, err := qemu.ResolveBinary(r.cfg.QEMUBin, r.cfg.Arch)
	if err != nil {
		return nil, err
	}
	var firmware string
	if r.cfg.Arch == qemu.ArchAarch64 {
		firmware, err = qemu.ResolveFirmware(r.cfg.UEFIARM64, binary)
		if err != nil {
			return nil, err
		}
	}
	pidfile := r.paths.Pidfile(rec.ID)
	consoleLog := r.paths.ConsoleLog(rec.ID)
	argv, err := qemu.BuildArgs(qemu.Config{
		Arch:       r.cfg.Arch,
		Accel:      qemu.DetectAccel(r.cfg.Arch),
		Binary:     binary,
		Firmware:   firmware,
		VCPUs:      rec.VCPUs,
		MemMiB:     rec.MemMiB,
		Overlay:    overlay,
		SeedISO:    seed.ISOPath,
		ConsoleLog: consoleLog,
		Pidfile:    pidfile,
		SSHPort:    port,
	})
	if err != nil {
		return nil, err
	}

	// Never boot over a stale pidfile.
	if err := removeStalePidfile(pidfile); err != nil {
		return nil, err
	}

	// 6. Spawn as a new session leader so stop can signal the whole group.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workdir
	cmd.SysProcAttr = r.procAttr()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn qemu: %w", err)
	}
	log.InfoContext(ctx, "qemu spawned", "vm_id", rec.ID, "pid", cmd.Process.Pid, "ssh_port", port)

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	// 7. Wait for SSH, aborting early if the child dies.
	if err := r.waitForSSH(ctx, port, exited); err != nil {
		killGroup(cmd.Process.Pid)
		return nil, err
	}

	return &vm.Proc{
		Workdir:    workdir,
		Overlay:    overlay,
		SeedISO:    seed.ISOPath,
		PortSSH:    port,
		Cmd:        cmd,
		ConsoleLog: consoleLog,
		Pidfile:    pidfile,
	}, nil
}

func (r *Runner) createOverlay(ctx context.Context, overlay string, diskGiB int) error {
	args := overlayArgs(r.cfg.BaseImage, overlay, diskGiB)
	cmd := exec.CommandContext(ctx, "qemu-img", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("qemu-img create: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func overlayArgs(baseImage, overlay string, diskGiB int) []string {
	return []string{
		"create", "-f", "qcow2",
		"-b", baseImage, "-F", "qcow2",
		overlay,
		fmt.Sprintf("%dG", diskGiB),
	}
}

// waitForSSH polls until an authenticated handshake succeeds, the boot
// deadline passes, or the child exits.
func (r *Runner) waitForSSH(ctx context.Context, port int, exited <-chan error) error {
	cfg, err := sshcache.ClientConfig(r.cfg.SSHUser, r.cfg.PrivkeyPath)
	if err != nil {
		return err
	}
	cfg.Timeout = 5 * time.Second

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	deadline := time.Now().Add(r.cfg.BootTimeout)
	for {
		select {
		case err := <-exited:
			return fmt.Errorf("qemu exited during boot: %v", err)
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("ssh not ready after %s", r.cfg.BootTimeout)
		}

		client, err := ssh.Dial("tcp", addr, cfg)
		if err == nil {
			client.Close()
			return nil
		}
		time.Sleep(sshPollInterval)
	}
}
