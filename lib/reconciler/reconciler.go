// Package reconciler drives observed container status toward the declared
// desired_state by polling node agents and issuing start/stop actions.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetplane/fleetplane/lib/cpstore"
	"github.com/fleetplane/fleetplane/lib/logger"
	"github.com/fleetplane/fleetplane/lib/metrics"
	"github.com/fleetplane/fleetplane/lib/vm"
)

// chunkSize bounds one get_vms request.
const chunkSize = 200

// NodeAPI is the slice of the node agent surface the reconciler needs.
type NodeAPI interface {
	GetVMs(ctx context.Context, node *cpstore.Node, ids []string) ([]vm.Record, error)
	ActionVM(ctx context.Context, node *cpstore.Node, id string, action vm.Action) error
	CreateVM(ctx context.Context, node *cpstore.Node, id string, req vm.CreateRequest) error
}

// Result summarizes one pass.
type Result struct {
	Actions int // start/stop requests dispatched
	Updates int // containers whose persisted status changed
}

// Reconciler runs batched convergence passes over all containers.
type Reconciler struct {
	store *cpstore.Store
	nodes NodeAPI
}

// New creates a reconciler.
func New(store *cpstore.Store, nodes NodeAPI) *Reconciler {
	return &Reconciler{store: store, nodes: nodes}
}

// Run executes a pass every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	log := logger.FromContext(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := r.Pass(ctx)
			if err != nil {
				log.ErrorContext(ctx, "reconciler pass failed", "error", err)
				continue
			}
			if res.Actions > 0 || res.Updates > 0 {
				log.InfoContext(ctx, "reconciler pass", "actions", res.Actions, "updates", res.Updates)
			}
		}
	}
}

// Pass performs one batched reconciliation over every container. Repeated
// passes over a converged fleet perform zero actions and zero updates.
func (r *Reconciler) Pass(ctx context.Context) (Result, error) {
	log := logger.FromContext(ctx)
	start := time.Now()
	defer func() {
		metrics.ReconcilerPassDuration.Observe(time.Since(start).Seconds())
	}()

	containers, err := r.store.ListContainers()
	if err != nil {
		return Result{}, fmt.Errorf("list containers: %w", err)
	}

	byNode := make(map[string][]*cpstore.Container)
	for _, c := range containers {
		if c.Node == "" {
			continue
		}
		byNode[c.Node] = append(byNode[c.Node], c)
	}

	var result Result
	var changed []*cpstore.Container
	for nodeName, group := range byNode {
		node, err := r.store.GetNode(nodeName)
		if err != nil {
			log.ErrorContext(ctx, "reconciler: node lookup failed", "node", nodeName, "error", err)
			continue
		}

		// 1. Refresh observed status from the node in bounded chunks.
		states, err := r.observe(ctx, node, group)
		if err != nil {
			log.ErrorContext(ctx, "reconciler: observation failed", "node", nodeName, "error", err)
			continue
		}
		for _, c := range group {
			state, ok := states[c.ID]
			if !ok {
				continue
			}
			observed := statusFromState(state)
			if c.Status != observed {
				c.Status = observed
				changed = append(changed, c)
			}
		}

		// 2. Dispatch actions and record local hints. A desired-running
		// container the node has no record for gets a fresh create: the
		// initial provision failed or the node lost its catalog, and a
		// start against a missing VM can only 404.
		for _, c := range group {
			if _, seen := states[c.ID]; !seen && c.DesiredState == cpstore.DesiredRunning {
				if err := r.nodes.CreateVM(ctx, node, c.ID, vm.CreateRequest{
					VCPUs:   c.VCPUs,
					MemMiB:  c.MemMiB,
					DiskGiB: c.DiskGiB,
				}); err != nil {
					log.ErrorContext(ctx, "reconciler: create failed",
						"node", nodeName, "container_id", c.ID, "error", err)
					continue
				}
				metrics.ReconcilerActions.WithLabelValues("create").Inc()
				result.Actions++
				c.Status = cpstore.StatusProvisioning
				changed = append(changed, c)
				continue
			}

			action, hint := plan(c)
			if action == "" {
				continue
			}
			if err := r.nodes.ActionVM(ctx, node, c.ID, action); err != nil {
				log.ErrorContext(ctx, "reconciler: action failed",
					"node", nodeName, "container_id", c.ID, "action", action, "error", err)
				continue
			}
			metrics.ReconcilerActions.WithLabelValues(string(action)).Inc()
			result.Actions++
			c.Status = hint
			changed = append(changed, c)
		}
	}

	// 3. Bulk-persist every container whose status moved.
	if len(changed) > 0 {
		deduped := dedupe(changed)
		if err := r.store.PutContainers(deduped); err != nil {
			return result, fmt.Errorf("persist status updates: %w", err)
		}
		result.Updates = len(deduped)
	}
	return result, nil
}

// observe fetches VM states for a node's containers, ≤ chunkSize ids per
// request.
func (r *Reconciler) observe(ctx context.Context, node *cpstore.Node, group []*cpstore.Container) (map[string]vm.State, error) {
	ids := make([]string, len(group))
	for i, c := range group {
		ids[i] = c.ID
	}

	states := make(map[string]vm.State, len(ids))
	for start := 0; start < len(ids); start += chunkSize {
		end := start + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		recs, err := r.nodes.GetVMs(ctx, node, ids[start:end])
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			states[rec.ID] = rec.State
		}
	}
	return states, nil
}

// plan maps one (desired, status) pair to the action and the optimistic
// status hint recorded alongside it.
func plan(c *cpstore.Container) (vm.Action, cpstore.ContainerStatus) {
	switch c.DesiredState {
	case cpstore.DesiredRunning:
		switch c.Status {
		case cpstore.StatusStopped, cpstore.StatusError, cpstore.StatusCreating, "":
			return vm.ActionStart, cpstore.StatusProvisioning
		}
	case cpstore.DesiredStopped:
		if c.Status == cpstore.StatusRunning {
			return vm.ActionStop, cpstore.StatusStopped
		}
	}
	return "", ""
}

func statusFromState(state vm.State) cpstore.ContainerStatus {
	switch state {
	case vm.StateProvisioning:
		return cpstore.StatusProvisioning
	case vm.StateRunning:
		return cpstore.StatusRunning
	case vm.StateStopped:
		return cpstore.StatusStopped
	default:
		return cpstore.StatusError
	}
}

func dedupe(containers []*cpstore.Container) []*cpstore.Container {
	seen := make(map[string]bool, len(containers))
	out := containers[:0]
	for _, c := range containers {
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		out = append(out, c)
	}
	return out
}
