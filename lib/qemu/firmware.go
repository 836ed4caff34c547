package qemu

import (
	"fmt"
	"os"
	"path/filepath"
)

// aarch64 UEFI firmware locations by distro. Checked in order after an
// explicit override; the QEMU datadir inferred from the binary location is
// the last resort.
var aarch64FirmwareCandidates = []string{
	// Debian / Ubuntu
	"/usr/share/AAVMF/AAVMF_CODE.fd",
	"/usr/share/qemu-efi-aarch64/QEMU_EFI.fd",
	// Fedora
	"/usr/share/edk2/aarch64/QEMU_EFI-pflash.raw",
	"/usr/share/edk2/aarch64/QEMU_EFI.fd",
	// Arch
	"/usr/share/edk2-armvirt/aarch64/QEMU_EFI.fd",
	// Homebrew (Apple silicon and Intel Cellar)
	"/opt/homebrew/share/qemu/edk2-aarch64-code.fd",
	"/usr/local/share/qemu/edk2-aarch64-code.fd",
	// MacPorts
	"/opt/local/share/qemu/edk2-aarch64-code.fd",
}

// ResolveFirmware finds UEFI firmware for an aarch64 guest. Missing
// firmware is a hard error; aarch64 cannot boot without it.
func ResolveFirmware(override, qemuBinary string) (string, error) {
	if override != "" {
		if _, err := os.Stat(override); err != nil {
			return "", fmt.Errorf("firmware override %s: %w", override, err)
		}
		return override, nil
	}
	for _, candidate := range aarch64FirmwareCandidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	// Infer QEMU's datadir from the binary location (bin/../share/qemu).
	if qemuBinary != "" {
		datadir := filepath.Join(filepath.Dir(filepath.Dir(qemuBinary)), "share", "qemu")
		inferred := filepath.Join(datadir, "edk2-aarch64-code.fd")
		if _, err := os.Stat(inferred); err == nil {
			return inferred, nil
		}
	}
	return "", fmt.Errorf("no aarch64 UEFI firmware found; set VM_UEFI_ARM64")
}
