package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFreePortReturnsDistinctPorts(t *testing.T) {
	a, err := FreePort()
	require.NoError(t, err)
	b, err := FreePort()
	require.NoError(t, err)

	require.Greater(t, a, 0)
	require.Greater(t, b, 0)
	// Two back-to-back picks with the first listener closed can in theory
	// collide, but never do in practice because the kernel cycles the
	// ephemeral range.
	require.NotEqual(t, a, b)
}

func TestOverlayArgs(t *testing.T) {
	args := overlayArgs("/images/base.qcow2", "/data/vms/v1/disk.qcow2", 10)
	require.Equal(t, []string{
		"create", "-f", "qcow2",
		"-b", "/images/base.qcow2", "-F", "qcow2",
		"/data/vms/v1/disk.qcow2",
		"10G",
	}, args)
}

func TestReadPidfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qemu.pid")
	require.NoError(t, os.WriteFile(path, []byte("12345\n"), 0644))

	pid, err := readPidfile(path)
	require.NoError(t, err)
	require.Equal(t, 12345, pid)
}

func TestReadPidfileRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qemu.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0644))

	_, err := readPidfile(path)
	require.Error(t, err)
}

func TestRemoveStalePidfileDeletesDeadPid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qemu.pid")
	// PIDs near the max are never alive on a test host.
	require.NoError(t, os.WriteFile(path, []byte("4194000"), 0644))

	require.NoError(t, removeStalePidfile(path))
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestRemoveStalePidfileKeepsLivePid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qemu.pid")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("%d", os.Getpid())), 0644))

	err := removeStalePidfile(path)
	require.Error(t, err)
	_, statErr := os.Stat(path)
	require.NoError(t, statErr)
}

func TestRemoveStalePidfileMissingIsFine(t *testing.T) {
	require.NoError(t, removeStalePidfile(filepath.Join(t.TempDir(), "qemu.pid")))
}

func TestRemoveStalePidfileDeletesUnparseable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qemu.pid")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0644))

	require.NoError(t, removeStalePidfile(path))
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestPidAlive(t *testing.T) {
	require.True(t, pidAlive(os.Getpid()))
	require.False(t, pidAlive(4194000))
}
