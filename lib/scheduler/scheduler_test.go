package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetplane/fleetplane/lib/cpstore"
)

func testSetup(t *testing.T) (*Scheduler, *cpstore.Store) {
	t.Helper()
	store, err := cpstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store), store
}

func putNode(t *testing.T, store *cpstore.Store, name string, vcpus, memMiB int) {
	t.Helper()
	require.NoError(t, store.PutNode(&cpstore.Node{
		Name:        name,
		CapVCPUs:    vcpus,
		CapMemMiB:   memMiB,
		Active:      true,
		Healthy:     true,
		HeartbeatAt: time.Now(),
	}))
}

func TestChooseNodePrefersMemoryHeavyScore(t *testing.T) {
	sched, store := testSetup(t)
	ctx := context.Background()

	// A: 4 vCPU / 4 GiB free. B: 8 vCPU / 2 GiB free.
	putNode(t, store, "node-a", 4, 4096)
	putNode(t, store, "node-b", 8, 2048)

	p, err := sched.ChooseNode(ctx, 2, 1024)
	require.NoError(t, err)
	require.Equal(t, "node-a", p.Node.Name)
	require.False(t, p.Fallback)
	require.Equal(t, 2*4096.0+4, p.Score)
}

func TestChooseNodeSubtractsRunningContainers(t *testing.T) {
	sched, store := testSetup(t)
	ctx := context.Background()

	putNode(t, store, "node-a", 8, 8192)
	putNode(t, store, "node-b", 8, 8192)
	// node-a already carries a desired-running container.
	require.NoError(t, store.PutContainer(&cpstore.Container{
		ID: "c1", Node: "node-a", VCPUs: 4, MemMiB: 4096, DesiredState: cpstore.DesiredRunning,
	}))

	p, err := sched.ChooseNode(ctx, 2, 1024)
	require.NoError(t, err)
	require.Equal(t, "node-b", p.Node.Name)
}

func TestChooseNodeIgnoresStoppedContainers(t *testing.T) {
	sched, store := testSetup(t)

	putNode(t, store, "node-a", 4, 4096)
	require.NoError(t, store.PutContainer(&cpstore.Container{
		ID: "c1", Node: "node-a", VCPUs: 4, MemMiB: 4096, DesiredState: cpstore.DesiredStopped,
	}))

	p, err := sched.ChooseNode(context.Background(), 4, 4096)
	require.NoError(t, err)
	require.Equal(t, "node-a", p.Node.Name)
	require.False(t, p.Fallback)
}

func TestChooseNodeSkipsStaleHeartbeat(t *testing.T) {
	sched, store := testSetup(t)

	require.NoError(t, store.PutNode(&cpstore.Node{
		Name: "stale", CapVCPUs: 64, CapMemMiB: 65536,
		Active: true, Healthy: true, HeartbeatAt: time.Now().Add(-5 * time.Minute),
	}))
	putNode(t, store, "fresh", 4, 4096)

	p, err := sched.ChooseNode(context.Background(), 2, 1024)
	require.NoError(t, err)
	require.Equal(t, "fresh", p.Node.Name)
}

func TestChooseNodeDeterministicTies(t *testing.T) {
	sched, store := testSetup(t)

	putNode(t, store, "node-b", 4, 4096)
	putNode(t, store, "node-a", 4, 4096)

	for i := 0; i < 5; i++ {
		p, err := sched.ChooseNode(context.Background(), 1, 512)
		require.NoError(t, err)
		require.Equal(t, "node-a", p.Node.Name)
	}
}

func TestChooseNodeFallbackIsObservable(t *testing.T) {
	sched, store := testSetup(t)

	putNode(t, store, "small", 1, 512)
	sched.randn = func(n int) int { return 0 }

	p, err := sched.ChooseNode(context.Background(), 8, 8192)
	require.NoError(t, err)
	require.True(t, p.Fallback)
	require.Equal(t, "small", p.Node.Name)
}

func TestChooseNodeNoActiveNodes(t *testing.T) {
	sched, store := testSetup(t)

	require.NoError(t, store.PutNode(&cpstore.Node{Name: "off", Active: false}))

	_, err := sched.ChooseNode(context.Background(), 1, 512)
	require.ErrorIs(t, err, ErrNoFeasibleNode)
}

func TestAdmitCreditsExhaustion(t *testing.T) {
	sched, store := testSetup(t)
	ctx := context.Background()

	require.NoError(t, store.PutContainerType(&cpstore.ContainerType{Name: "S", CreditsCost: 1}))
	require.NoError(t, store.PutQuota(&cpstore.ResourceQuota{User: "alice", Credits: 3, AllowedTypes: []string{"S"}}))

	// Three running containers fit exactly; the fourth is rejected.
	for i, id := range []string{"c1", "c2", "c3"} {
		_, err := sched.Admit(ctx, "alice", "S")
		require.NoError(t, err, "container %d", i+1)
		require.NoError(t, store.PutContainer(&cpstore.Container{
			ID: id, User: "alice", Type: "S", DesiredState: cpstore.DesiredRunning,
		}))
	}

	_, err := sched.Admit(ctx, "alice", "S")
	require.ErrorIs(t, err, ErrNotEnoughCredits)
}

func TestAdmitStoppedContainersFreeCredits(t *testing.T) {
	sched, store := testSetup(t)
	ctx := context.Background()

	require.NoError(t, store.PutContainerType(&cpstore.ContainerType{Name: "S", CreditsCost: 1}))
	require.NoError(t, store.PutQuota(&cpstore.ResourceQuota{User: "alice", Credits: 1, AllowedTypes: []string{"S"}}))
	require.NoError(t, store.PutContainer(&cpstore.Container{
		ID: "c1", User: "alice", Type: "S", DesiredState: cpstore.DesiredStopped,
	}))

	_, err := sched.Admit(ctx, "alice", "S")
	require.NoError(t, err)
}

func TestAdmitLegacyContainerCountsOne(t *testing.T) {
	sched, store := testSetup(t)
	ctx := context.Background()

	require.NoError(t, store.PutContainerType(&cpstore.ContainerType{Name: "S", CreditsCost: 1}))
	require.NoError(t, store.PutQuota(&cpstore.ResourceQuota{User: "alice", Credits: 2, AllowedTypes: []string{"S"}}))
	// Legacy container without a type.
	require.NoError(t, store.PutContainer(&cpstore.Container{
		ID: "old", User: "alice", DesiredState: cpstore.DesiredRunning,
	}))

	_, err := sched.Admit(ctx, "alice", "S")
	require.NoError(t, err)

	require.NoError(t, store.PutContainer(&cpstore.Container{
		ID: "c1", User: "alice", Type: "S", DesiredState: cpstore.DesiredRunning,
	}))
	_, err = sched.Admit(ctx, "alice", "S")
	require.ErrorIs(t, err, ErrNotEnoughCredits)
}

func TestAdmitDisallowedType(t *testing.T) {
	sched, store := testSetup(t)

	require.NoError(t, store.PutContainerType(&cpstore.ContainerType{Name: "XL", CreditsCost: 4}))
	require.NoError(t, store.PutQuota(&cpstore.ResourceQuota{User: "alice", Credits: 10, AllowedTypes: []string{"S"}}))

	_, err := sched.Admit(context.Background(), "alice", "XL")
	require.ErrorIs(t, err, ErrTypeNotAllowed)
}
