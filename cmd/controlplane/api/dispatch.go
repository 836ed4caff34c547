package api

import (
	"context"

	"github.com/fleetplane/fleetplane/lib/cpstore"
	"github.com/fleetplane/fleetplane/lib/nodeclient"
	"github.com/fleetplane/fleetplane/lib/vm"
)

// NodeDispatch adapts per-node HTTP clients to the reconciler's view of
// the fleet.
type NodeDispatch struct{}

func (NodeDispatch) GetVMs(ctx context.Context, node *cpstore.Node, ids []string) ([]vm.Record, error) {
	return nodeclient.New(node).GetVMs(ctx, ids)
}

func (NodeDispatch) ActionVM(ctx context.Context, node *cpstore.Node, id string, action vm.Action) error {
	return nodeclient.New(node).ActionVM(ctx, id, action, false)
}

func (NodeDispatch) CreateVM(ctx context.Context, node *cpstore.Node, id string, req vm.CreateRequest) error {
	_, err := nodeclient.New(node).CreateVM(ctx, id, req)
	return err
}
