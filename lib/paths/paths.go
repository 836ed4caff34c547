// Package paths provides centralized path construction for the node agent
// data directory.
package paths

import "path/filepath"

// On-disk layout under the base directory:
//
//	<base>/vms/<id>/disk.qcow2    per-VM qcow2 overlay
//	<base>/vms/<id>/seed.iso      cloud-init seed ISO
//	<base>/vms/<id>/seed.iso.spec content hash of the seed inputs
//	<base>/vms/<id>/user-data     cloud-init user-data
//	<base>/vms/<id>/meta-data     cloud-init meta-data
//	<base>/vms/<id>/console.log   QEMU serial console
//	<base>/vms/<id>/qemu.pid      QEMU pidfile
//	<base>/vms/<id>/agent.log     node agent per-VM log
type Paths struct {
	baseDir string
}

// New creates a new Paths instance for the given base directory.
func New(baseDir string) *Paths {
	return &Paths{baseDir: baseDir}
}

// BaseDir returns the root data directory.
func (p *Paths) BaseDir() string {
	return p.baseDir
}

// VMsDir returns the directory holding all VM workdirs.
func (p *Paths) VMsDir() string {
	return filepath.Join(p.baseDir, "vms")
}

// Workdir returns the workdir for a VM.
func (p *Paths) Workdir(id string) string {
	return filepath.Join(p.baseDir, "vms", id)
}

// Overlay returns the path to the VM's qcow2 overlay disk.
func (p *Paths) Overlay(id string) string {
	return filepath.Join(p.Workdir(id), "disk.qcow2")
}

// SeedISO returns the path to the VM's cloud-init seed ISO.
func (p *Paths) SeedISO(id string) string {
	return filepath.Join(p.Workdir(id), "seed.iso")
}

// SeedSpec returns the path to the seed ISO content-hash marker.
func (p *Paths) SeedSpec(id string) string {
	return filepath.Join(p.Workdir(id), "seed.iso.spec")
}

// UserData returns the path to the cloud-init user-data file.
func (p *Paths) UserData(id string) string {
	return filepath.Join(p.Workdir(id), "user-data")
}

// MetaData returns the path to the cloud-init meta-data file.
func (p *Paths) MetaData(id string) string {
	return filepath.Join(p.Workdir(id), "meta-data")
}

// ConsoleLog returns the path to the QEMU serial console log.
func (p *Paths) ConsoleLog(id string) string {
	return filepath.Join(p.Workdir(id), "console.log")
}

// Pidfile returns the path to the QEMU pidfile.
func (p *Paths) Pidfile(id string) string {
	return filepath.Join(p.Workdir(id), "qemu.pid")
}

// AgentLog returns the path to the per-VM node agent log.
func (p *Paths) AgentLog(id string) string {
	return filepath.Join(p.Workdir(id), "agent.log")
}
