package qemu

import (
	"fmt"
)

// Config describes one VM boot. The builder emits a full argv, including
// the binary (and a taskset prefix for aarch64 KVM pinning).
type Config struct {
	Arch  Arch
	Accel Accel

	Binary   string // resolved QEMU binary path
	Firmware string // aarch64 UEFI firmware; required for aarch64

	VCPUs  int
	MemMiB int

	Overlay    string // qcow2 overlay disk
	SeedISO    string // cloud-init seed, attached read-only as raw
	ConsoleLog string
	Pidfile    string

	SSHPort int // host port forwarded to guest :22
}

// BuildArgs assembles the QEMU command line. The first element is the
// program to execute.
func BuildArgs(cfg Config) ([]string, error) {
	if cfg.Binary == "" {
		return nil, fmt.Errorf("qemu binary not set")
	}
	if cfg.Arch == ArchAarch64 && cfg.Firmware == "" {
		return nil, fmt.Errorf("aarch64 requires UEFI firmware")
	}

	common := []string{
		"-smp", fmt.Sprintf("%d", cfg.VCPUs),
		"-m", fmt.Sprintf("%d", cfg.MemMiB),
		"-display", "none",
		"-serial", "file:" + cfg.ConsoleLog,
		"-netdev", fmt.Sprintf("user,id=n0,hostfwd=tcp:127.0.0.1:%d-:22", cfg.SSHPort),
	}
	if cfg.Pidfile != "" {
		common = append(common, "-pidfile", cfg.Pidfile)
	}

	var argv []string
	switch cfg.Arch {
	case ArchX8664:
		argv = append(argv, cfg.Binary)
		switch cfg.Accel {
		case AccelKVM:
			argv = append(argv,
				"-enable-kvm",
				"-machine", "accel=kvm,type=q35",
				"-cpu", "host",
			)
		default:
			argv = append(argv,
				"-machine", "type=q35",
				"-accel", "tcg,thread=multi",
				"-cpu", "max",
			)
		}
		argv = append(argv, common...)
		argv = append(argv,
			"-device", "virtio-net-pci,netdev=n0",
			"-device", "virtio-rng-pci",
			"-drive", fmt.Sprintf("file=%s,if=virtio,format=qcow2", cfg.Overlay),
			"-drive", fmt.Sprintf("file=%s,if=virtio,format=raw,readonly=on,id=cidata", cfg.SeedISO),
		)

	case ArchAarch64:
		switch cfg.Accel {
		case AccelKVM:
			// Pin to the first cores; aarch64 KVM guests are sensitive to
			// migrations across heterogeneous core clusters.
			argv = append(argv, "taskset", "-c", "0-3", cfg.Binary,
				"-accel", "kvm",
				"-cpu", "host",
				"-M", "virt-7.1,gic-version=3,its=off",
				"-nodefaults", "-no-user-config",
			)
			argv = append(argv, firmwareArgs(cfg.Firmware)...)
			argv = append(argv, common...)
			argv = append(argv,
				"-device", "virtio-net-device,netdev=n0",
				"-device", "virtio-scsi-device,id=scsi0",
				"-drive", fmt.Sprintf("file=%s,format=qcow2,if=none,id=hd0", cfg.Overlay),
				"-device", "scsi-hd,drive=hd0",
				"-drive", fmt.Sprintf("file=%s,format=raw,if=none,readonly=on,id=cidata", cfg.SeedISO),
				"-device", "scsi-cd,drive=cidata",
			)
		case AccelHVF:
			argv = append(argv, cfg.Binary,
				"-accel", "hvf",
				"-cpu", "max",
				"-machine", "virt",
			)
			argv = append(argv, firmwareArgs(cfg.Firmware)...)
			argv = append(argv, common...)
			argv = append(argv,
				"-device", "virtio-net-device,netdev=n0",
				"-drive", fmt.Sprintf("file=%s,format=qcow2,if=none,id=hd0", cfg.Overlay),
				"-device", "virtio-blk-device,drive=hd0",
				"-drive", fmt.Sprintf("file=%s,format=raw,if=none,readonly=on,id=cidata", cfg.SeedISO),
				"-device", "virtio-blk-device,drive=cidata",
			)
		default:
			argv = append(argv, cfg.Binary,
				"-accel", "tcg,thread=multi",
				"-cpu", "max",
				"-machine", "virt",
			)
			argv = append(argv, firmwareArgs(cfg.Firmware)...)
			argv = append(argv, common...)
			argv = append(argv,
				"-device", "virtio-net-device,netdev=n0",
				"-drive", fmt.Sprintf("file=%s,format=qcow2,if=none,id=hd0", cfg.Overlay),
				"-device", "virtio-blk-device,drive=hd0",
				"-drive", fmt.Sprintf("file=%s,format=raw,if=none,readonly=on,id=cidata", cfg.SeedISO),
				"-device", "virtio-blk-device,drive=cidata",
			)
		}

	default:
		return nil, fmt.Errorf("unsupported architecture %q", cfg.Arch)
	}

	return argv, nil
}

func firmwareArgs(firmware string) []string {
	return []string{
		"-drive", fmt.Sprintf("file=%s,if=pflash,format=raw,readonly=on", firmware),
	}
}
