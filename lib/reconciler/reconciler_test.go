package reconciler

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleetplane/fleetplane/lib/cpstore"
	"github.com/fleetplane/fleetplane/lib/vm"
)

type fakeNodes struct {
	states     map[string]vm.State // vm id -> reported state
	actions    []string            // "node/id/action"
	actionErr  map[string]error    // vm id -> error to return
	creates    []string            // "node/id"
	createReqs map[string]vm.CreateRequest
	createErr  map[string]error
	batches    [][]string
}

func newFakeNodes() *fakeNodes {
	return &fakeNodes{
		states:     make(map[string]vm.State),
		actionErr:  make(map[string]error),
		createReqs: make(map[string]vm.CreateRequest),
		createErr:  make(map[string]error),
	}
}

func (f *fakeNodes) GetVMs(ctx context.Context, node *cpstore.Node, ids []string) ([]vm.Record, error) {
	f.batches = append(f.batches, ids)
	var recs []vm.Record
	for _, id := range ids {
		if state, ok := f.states[id]; ok {
			recs = append(recs, vm.Record{ID: id, State: state})
		}
	}
	return recs, nil
}

func (f *fakeNodes) ActionVM(ctx context.Context, node *cpstore.Node, id string, action vm.Action) error {
	if err := f.actionErr[id]; err != nil {
		return err
	}
	f.actions = append(f.actions, node.Name+"/"+id+"/"+string(action))
	return nil
}

func (f *fakeNodes) CreateVM(ctx context.Context, node *cpstore.Node, id string, req vm.CreateRequest) error {
	if err := f.createErr[id]; err != nil {
		return err
	}
	f.creates = append(f.creates, node.Name+"/"+id)
	f.createReqs[id] = req
	return nil
}

func testSetup(t *testing.T) (*cpstore.Store, *fakeNodes, *Reconciler) {
	t.Helper()
	store, err := cpstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	nodes := newFakeNodes()
	return store, nodes, New(store, nodes)
}

func putContainer(t *testing.T, store *cpstore.Store, id, node string, desired cpstore.DesiredState, status cpstore.ContainerStatus) {
	t.Helper()
	require.NoError(t, store.PutContainer(&cpstore.Container{
		ID: id, Node: node, DesiredState: desired, Status: status,
	}))
}

func TestPassStartsStoppedContainer(t *testing.T) {
	store, nodes, rec := testSetup(t)
	require.NoError(t, store.PutNode(&cpstore.Node{Name: "node-a"}))
	putContainer(t, store, "c1", "node-a", cpstore.DesiredRunning, cpstore.StatusStopped)
	nodes.states["c1"] = vm.StateStopped

	res, err := rec.Pass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Actions)
	require.Equal(t, []string{"node-a/c1/start"}, nodes.actions)

	// Local hint recorded so the next pass does not double-start.
	got, err := store.GetContainer("c1")
	require.NoError(t, err)
	require.Equal(t, cpstore.StatusProvisioning, got.Status)
}

func TestPassStopsRunningContainer(t *testing.T) {
	store, nodes, rec := testSetup(t)
	require.NoError(t, store.PutNode(&cpstore.Node{Name: "node-a"}))
	putContainer(t, store, "c1", "node-a", cpstore.DesiredStopped, cpstore.StatusRunning)
	nodes.states["c1"] = vm.StateRunning

	res, err := rec.Pass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Actions)
	require.Equal(t, []string{"node-a/c1/stop"}, nodes.actions)

	got, err := store.GetContainer("c1")
	require.NoError(t, err)
	require.Equal(t, cpstore.StatusStopped, got.Status)
}

func TestPassIsIdempotentOnceConverged(t *testing.T) {
	store, nodes, rec := testSetup(t)
	require.NoError(t, store.PutNode(&cpstore.Node{Name: "node-a"}))
	putContainer(t, store, "c1", "node-a", cpstore.DesiredRunning, cpstore.StatusRunning)
	putContainer(t, store, "c2", "node-a", cpstore.DesiredStopped, cpstore.StatusStopped)
	nodes.states["c1"] = vm.StateRunning
	nodes.states["c2"] = vm.StateStopped

	for i := 0; i < 3; i++ {
		res, err := rec.Pass(context.Background())
		require.NoError(t, err)
		require.Equal(t, Result{}, res, "pass %d", i+1)
	}
	require.Empty(t, nodes.actions)
}

func TestPassUpdatesObservedStatus(t *testing.T) {
	store, nodes, rec := testSetup(t)
	require.NoError(t, store.PutNode(&cpstore.Node{Name: "node-a"}))
	// Control plane believes provisioning; node says running.
	putContainer(t, store, "c1", "node-a", cpstore.DesiredRunning, cpstore.StatusProvisioning)
	nodes.states["c1"] = vm.StateRunning

	res, err := rec.Pass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, res.Actions)
	require.Equal(t, 1, res.Updates)

	got, err := store.GetContainer("c1")
	require.NoError(t, err)
	require.Equal(t, cpstore.StatusRunning, got.Status)
}

func TestPassRestartsAfterObservedCrash(t *testing.T) {
	store, nodes, rec := testSetup(t)
	require.NoError(t, store.PutNode(&cpstore.Node{Name: "node-a"}))
	putContainer(t, store, "c1", "node-a", cpstore.DesiredRunning, cpstore.StatusRunning)
	// Node reports the VM fell over.
	nodes.states["c1"] = vm.StateStopped

	res, err := rec.Pass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Actions)
	require.Equal(t, []string{"node-a/c1/start"}, nodes.actions)
}

func TestPassContinuesPastActionFailure(t *testing.T) {
	store, nodes, rec := testSetup(t)
	require.NoError(t, store.PutNode(&cpstore.Node{Name: "node-a"}))
	putContainer(t, store, "bad", "node-a", cpstore.DesiredRunning, cpstore.StatusStopped)
	putContainer(t, store, "good", "node-a", cpstore.DesiredRunning, cpstore.StatusStopped)
	nodes.states["bad"] = vm.StateStopped
	nodes.states["good"] = vm.StateStopped
	nodes.actionErr["bad"] = errors.New("node exploded")

	res, err := rec.Pass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Actions)
	require.Equal(t, []string{"node-a/good/start"}, nodes.actions)

	// Failed dispatch leaves the status untouched for the next pass.
	got, err := store.GetContainer("bad")
	require.NoError(t, err)
	require.Equal(t, cpstore.StatusStopped, got.Status)
}

func TestPassRecreatesVMMissingFromNode(t *testing.T) {
	store, nodes, rec := testSetup(t)
	require.NoError(t, store.PutNode(&cpstore.Node{Name: "node-a"}))
	// The initial provision failed: a record exists here but not on the
	// node. A bare start would 404 forever.
	require.NoError(t, store.PutContainer(&cpstore.Container{
		ID: "c1", Node: "node-a", DesiredState: cpstore.DesiredRunning,
		Status: cpstore.StatusCreating, VCPUs: 2, MemMiB: 2048, DiskGiB: 10,
	}))

	res, err := rec.Pass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Actions)
	require.Equal(t, []string{"node-a/c1"}, nodes.creates)
	require.Empty(t, nodes.actions)

	req := nodes.createReqs["c1"]
	require.Equal(t, 2, req.VCPUs)
	require.Equal(t, 2048, req.MemMiB)
	require.Equal(t, 10, req.DiskGiB)

	got, err := store.GetContainer("c1")
	require.NoError(t, err)
	require.Equal(t, cpstore.StatusProvisioning, got.Status)
}

func TestPassCreateFailureLeavesStatusForRetry(t *testing.T) {
	store, nodes, rec := testSetup(t)
	require.NoError(t, store.PutNode(&cpstore.Node{Name: "node-a"}))
	putContainer(t, store, "c1", "node-a", cpstore.DesiredRunning, cpstore.StatusCreating)
	nodes.createErr["c1"] = errors.New("node exploded")

	res, err := rec.Pass(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, res.Actions)

	got, err := store.GetContainer("c1")
	require.NoError(t, err)
	require.Equal(t, cpstore.StatusCreating, got.Status)
}

func TestPassIgnoresMissingVMWhenDesiredStopped(t *testing.T) {
	store, nodes, rec := testSetup(t)
	require.NoError(t, store.PutNode(&cpstore.Node{Name: "node-a"}))
	putContainer(t, store, "c1", "node-a", cpstore.DesiredStopped, cpstore.StatusStopped)

	res, err := rec.Pass(context.Background())
	require.NoError(t, err)
	require.Equal(t, Result{}, res)
	require.Empty(t, nodes.creates)
	require.Empty(t, nodes.actions)
}

func TestObserveChunksLargeBatches(t *testing.T) {
	store, nodes, rec := testSetup(t)
	require.NoError(t, store.PutNode(&cpstore.Node{Name: "node-a"}))
	for i := 0; i < 450; i++ {
		putContainer(t, store, fmt.Sprintf("c-%03d", i), "node-a", cpstore.DesiredStopped, cpstore.StatusStopped)
	}

	_, err := rec.Pass(context.Background())
	require.NoError(t, err)

	require.Len(t, nodes.batches, 3)
	for _, batch := range nodes.batches {
		require.LessOrEqual(t, len(batch), 200)
	}
}

func TestPassSkipsUnknownNode(t *testing.T) {
	store, nodes, rec := testSetup(t)
	putContainer(t, store, "c1", "ghost-node", cpstore.DesiredRunning, cpstore.StatusStopped)

	res, err := rec.Pass(context.Background())
	require.NoError(t, err)
	require.Equal(t, Result{}, res)
	require.Empty(t, nodes.actions)
}
