// Package qemu builds QEMU command lines for micro-VM boot. It selects the
// accelerator for the host (KVM on Linux, HVF on Darwin, TCG fallback),
// resolves aarch64 UEFI firmware, and assembles the argv for each
// architecture/accelerator combination.
package qemu

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
)

// Arch is a guest architecture.
type Arch string

const (
	ArchX8664   Arch = "x86_64"
	ArchAarch64 Arch = "aarch64"
)

// Accel is a hypervisor accelerator.
type Accel string

const (
	AccelKVM Accel = "kvm"
	AccelHVF Accel = "hvf"
	AccelTCG Accel = "tcg"
)

// HostArch maps the Go runtime architecture to the QEMU guest architecture
// that can run natively on this host.
func HostArch() Arch {
	switch runtime.GOARCH {
	case "arm64":
		return ArchAarch64
	default:
		return ArchX8664
	}
}

// DetectAccel picks the best accelerator for booting the given guest
// architecture on this host. Cross-architecture boots always fall back to
// TCG.
func DetectAccel(arch Arch) Accel {
	if arch != HostArch() {
		return AccelTCG
	}
	if runtime.GOOS == "darwin" {
		return AccelHVF
	}
	if _, err := os.Stat("/dev/kvm"); err == nil {
		return AccelKVM
	}
	return AccelTCG
}

// BinaryName returns the QEMU system emulator binary name for an
// architecture.
func BinaryName(arch Arch) string {
	return "qemu-system-" + string(arch)
}

// ResolveBinary locates the QEMU binary, honoring an explicit override.
func ResolveBinary(override string, arch Arch) (string, error) {
	if override != "" {
		return override, nil
	}
	name := BinaryName(arch)
	for _, candidate := range []string{"/usr/bin/" + name, "/usr/local/bin/" + name} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("%s not found in PATH", name)
}
