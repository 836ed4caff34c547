package runner

import (
	"syscall"

	"golang.org/x/sys/unix"
)

const kvmDevice = "/dev/kvm"

// procAttr builds the spawn attributes for QEMU: always a new session
// leader (own process group), plus a credential switch when a run user is
// configured. The credential includes /dev/kvm's group so the dropped
// process keeps hypervisor access.
func (r *Runner) procAttr() *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{Setsid: true}
	if r.cfg.RunAsUID <= 0 {
		return attr
	}

	groups := []uint32{uint32(r.cfg.RunAsGID)}
	if gid, ok := kvmGroup(); ok && gid != uint32(r.cfg.RunAsGID) {
		groups = append(groups, gid)
	}
	attr.Credential = &syscall.Credential{
		Uid:    uint32(r.cfg.RunAsUID),
		Gid:    uint32(r.cfg.RunAsGID),
		Groups: groups,
	}
	return attr
}

// kvmGroup returns the owning gid of /dev/kvm when present.
func kvmGroup() (uint32, bool) {
	var st unix.Stat_t
	if err := unix.Stat(kvmDevice, &st); err != nil {
		return 0, false
	}
	return st.Gid, true
}
