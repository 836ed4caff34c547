package api

import (
	"context"
	"time"

	"github.com/fleetplane/fleetplane/lib/cpstore"
	"github.com/fleetplane/fleetplane/lib/guestfs"
	"github.com/fleetplane/fleetplane/lib/nodeclient"
)

// NodeBackend routes editor operations to the node agent hosting each VM.
// Container ids double as VM ids on the node.
type NodeBackend struct {
	store *cpstore.Store
}

// NewNodeBackend creates the backend over the control-plane store.
func NewNodeBackend(store *cpstore.Store) *NodeBackend {
	return &NodeBackend{store: store}
}

func (b *NodeBackend) client(vmID string) (*nodeclient.Client, error) {
	c, err := b.store.GetContainer(vmID)
	if err != nil {
		return nil, err
	}
	node, err := b.store.GetNode(c.Node)
	if err != nil {
		return nil, err
	}
	return nodeclient.New(node), nil
}

func (b *NodeBackend) ListDirs(ctx context.Context, vmID string, paths []string, depth int) ([]guestfs.DirEntry, error) {
	client, err := b.client(vmID)
	if err != nil {
		return nil, err
	}
	return client.ListDirs(ctx, vmID, paths, depth)
}

func (b *NodeBackend) ReadFile(ctx context.Context, vmID, path string) (*guestfs.ReadResult, error) {
	client, err := b.client(vmID)
	if err != nil {
		return nil, err
	}
	return client.ReadFile(ctx, vmID, path)
}

func (b *NodeBackend) UploadFiles(ctx context.Context, vmID string, req guestfs.UploadRequest) (*guestfs.UploadResult, error) {
	client, err := b.client(vmID)
	if err != nil {
		return nil, err
	}
	return client.UploadFiles(ctx, vmID, req)
}

func (b *NodeBackend) CreateDir(ctx context.Context, vmID, path string) error {
	client, err := b.client(vmID)
	if err != nil {
		return err
	}
	return client.CreateDir(ctx, vmID, path)
}

func (b *NodeBackend) ExecuteSh(ctx context.Context, vmID, command string, timeout time.Duration) (string, int, error) {
	client, err := b.client(vmID)
	if err != nil {
		return "", -1, err
	}
	return client.ExecuteSh(ctx, vmID, command, timeout)
}

func (b *NodeBackend) Search(ctx context.Context, vmID string, req guestfs.SearchRequest) (*guestfs.SearchResult, error) {
	client, err := b.client(vmID)
	if err != nil {
		return nil, err
	}
	return client.Search(ctx, vmID, req)
}
