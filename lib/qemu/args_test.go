package qemu

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func baseConfig() Config {
	return Config{
		Arch:       ArchX8664,
		Accel:      AccelKVM,
		Binary:     "/usr/bin/qemu-system-x86_64",
		VCPUs:      2,
		MemMiB:     2048,
		Overlay:    "/data/vms/v1/disk.qcow2",
		SeedISO:    "/data/vms/v1/seed.iso",
		ConsoleLog: "/data/vms/v1/console.log",
		Pidfile:    "/data/vms/v1/qemu.pid",
		SSHPort:    50022,
	}
}

func TestBuildArgsX86KVM(t *testing.T) {
	argv, err := BuildArgs(baseConfig())
	require.NoError(t, err)

	joined := strings.Join(argv, " ")
	require.Equal(t, "/usr/bin/qemu-system-x86_64", argv[0])
	require.Contains(t, joined, "-enable-kvm")
	require.Contains(t, joined, "-machine accel=kvm,type=q35")
	require.Contains(t, joined, "-cpu host")
	require.Contains(t, joined, "-smp 2")
	require.Contains(t, joined, "-m 2048")
	require.Contains(t, joined, "-serial file:/data/vms/v1/console.log")
	require.Contains(t, joined, "hostfwd=tcp:127.0.0.1:50022-:22")
	require.Contains(t, joined, "-pidfile /data/vms/v1/qemu.pid")
	require.Contains(t, joined, "virtio-net-pci")
	require.Contains(t, joined, "virtio-rng-pci")
	require.Contains(t, joined, "file=/data/vms/v1/disk.qcow2,if=virtio,format=qcow2")
	require.Contains(t, joined, "file=/data/vms/v1/seed.iso,if=virtio,format=raw,readonly=on,id=cidata")
}

func TestBuildArgsX86TCG(t *testing.T) {
	cfg := baseConfig()
	cfg.Accel = AccelTCG

	argv, err := BuildArgs(cfg)
	require.NoError(t, err)

	joined := strings.Join(argv, " ")
	require.NotContains(t, joined, "-enable-kvm")
	require.Contains(t, joined, "-accel tcg,thread=multi")
	require.Contains(t, joined, "-cpu max")
	require.Contains(t, joined, "-machine type=q35")
}

func TestBuildArgsAarch64KVM(t *testing.T) {
	cfg := baseConfig()
	cfg.Arch = ArchAarch64
	cfg.Binary = "/usr/bin/qemu-system-aarch64"
	cfg.Firmware = "/usr/share/AAVMF/AAVMF_CODE.fd"

	argv, err := BuildArgs(cfg)
	require.NoError(t, err)

	// KVM on aarch64 is pinned via taskset.
	require.Equal(t, []string{"taskset", "-c", "0-3", "/usr/bin/qemu-system-aarch64"}, argv[:4])

	joined := strings.Join(argv, " ")
	require.Contains(t, joined, "-M virt-7.1,gic-version=3,its=off")
	require.Contains(t, joined, "-nodefaults")
	require.Contains(t, joined, "-no-user-config")
	require.Contains(t, joined, "virtio-scsi-device")
	require.Contains(t, joined, "scsi-cd,drive=cidata")
	require.Contains(t, joined, "if=pflash")
}

func TestBuildArgsAarch64HVF(t *testing.T) {
	cfg := baseConfig()
	cfg.Arch = ArchAarch64
	cfg.Accel = AccelHVF
	cfg.Binary = "/opt/homebrew/bin/qemu-system-aarch64"
	cfg.Firmware = "/opt/homebrew/share/qemu/edk2-aarch64-code.fd"

	argv, err := BuildArgs(cfg)
	require.NoError(t, err)

	joined := strings.Join(argv, " ")
	require.Equal(t, "/opt/homebrew/bin/qemu-system-aarch64", argv[0])
	require.Contains(t, joined, "-accel hvf")
	require.Contains(t, joined, "-machine virt")
	require.Contains(t, joined, "virtio-net-device")
	require.Contains(t, joined, "virtio-blk-device,drive=hd0")
	require.Contains(t, joined, "virtio-blk-device,drive=cidata")
}

func TestBuildArgsAarch64RequiresFirmware(t *testing.T) {
	cfg := baseConfig()
	cfg.Arch = ArchAarch64
	cfg.Firmware = ""

	_, err := BuildArgs(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "firmware")
}

func TestBuildArgsOmitsPidfileWhenUnset(t *testing.T) {
	cfg := baseConfig()
	cfg.Pidfile = ""

	argv, err := BuildArgs(cfg)
	require.NoError(t, err)
	require.NotContains(t, strings.Join(argv, " "), "-pidfile")
}

func TestDetectAccelCrossArchIsTCG(t *testing.T) {
	var other Arch
	if HostArch() == ArchX8664 {
		other = ArchAarch64
	} else {
		other = ArchX8664
	}
	require.Equal(t, AccelTCG, DetectAccel(other))
}
