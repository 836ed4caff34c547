package cloudinit

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testSeed(t *testing.T) Seed {
	t.Helper()
	dir := t.TempDir()
	return Seed{
		InstanceID:   "vm1",
		Hostname:     "vm1",
		User:         "workspace",
		PublicKey:    "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAITest test@host",
		UserDataPath: filepath.Join(dir, "user-data"),
		MetaDataPath: filepath.Join(dir, "meta-data"),
		ISOPath:      filepath.Join(dir, "seed.iso"),
		SpecPath:     filepath.Join(dir, "seed.iso.spec"),
	}
}

func TestSpecHashDeterministic(t *testing.T) {
	a := testSeed(t)
	b := testSeed(t)
	require.Equal(t, a.SpecHash(), b.SpecHash())
}

func TestSpecHashChangesWithInputs(t *testing.T) {
	a := testSeed(t)
	b := testSeed(t)
	b.User = "other"
	require.NotEqual(t, a.SpecHash(), b.SpecHash())

	c := testSeed(t)
	c.PublicKey = "ssh-ed25519 AAAAdifferent other@host"
	require.NotEqual(t, a.SpecHash(), c.SpecHash())
}

func TestSpecHashIgnoresKeyWhitespace(t *testing.T) {
	a := testSeed(t)
	b := testSeed(t)
	b.PublicKey = a.PublicKey + "\n"
	require.Equal(t, a.SpecHash(), b.SpecHash())
}

func TestRenderUserData(t *testing.T) {
	seed := testSeed(t)
	out, err := render(userDataTemplate, seed)
	require.NoError(t, err)

	s := string(out)
	require.Contains(t, s, "#cloud-config")
	require.Contains(t, s, "name: workspace")
	require.Contains(t, s, seed.PublicKey)
	require.Contains(t, s, "disable_root: false")
	require.Contains(t, s, "sshd_config.d")
	require.Contains(t, s, "NOPASSWD:ALL")
}

func TestRenderMetaData(t *testing.T) {
	seed := testSeed(t)
	out, err := render(metaDataTemplate, seed)
	require.NoError(t, err)
	require.Contains(t, string(out), "instance-id: vm1")
	require.Contains(t, string(out), "local-hostname: vm1")
}

func TestGenerateSkipsWhenSpecMatches(t *testing.T) {
	seed := testSeed(t)

	// Simulate a prior generation: matching spec hash and an existing ISO.
	require.NoError(t, os.WriteFile(seed.SpecPath, []byte(seed.SpecHash()+"\n"), 0644))
	require.NoError(t, os.WriteFile(seed.ISOPath, []byte("iso-bytes"), 0644))

	require.NoError(t, Generate(context.Background(), seed))

	// The ISO must not have been rewritten.
	data, err := os.ReadFile(seed.ISOPath)
	require.NoError(t, err)
	require.Equal(t, "iso-bytes", string(data))

	// user-data was never rendered on the skip path.
	_, err = os.Stat(seed.UserDataPath)
	require.True(t, os.IsNotExist(err))
}
