// Package scheduler admits new containers against per-user quotas and
// picks the node to place them on.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/fleetplane/fleetplane/lib/cpstore"
	"github.com/fleetplane/fleetplane/lib/logger"
)

var (
	// ErrNotEnoughCredits is returned when admission would exceed the quota
	ErrNotEnoughCredits = errors.New("Not enough credits")

	// ErrTypeNotAllowed is returned when the container type is outside the user's allowed set
	ErrTypeNotAllowed = errors.New("container type not allowed")

	// ErrNoFeasibleNode is returned when no node can satisfy the request
	ErrNoFeasibleNode = errors.New("no feasible node")
)

// heartbeatTTL is how stale a node heartbeat may be before the node stops
// receiving placements.
const heartbeatTTL = 60 * time.Second

// legacyCreditsCost applies to containers created before types existed.
const legacyCreditsCost = 1

// Placement is the outcome of node selection. Fallback is set when no
// candidate had capacity and a random active node was used instead.
type Placement struct {
	Node     *cpstore.Node
	Score    float64
	Fallback bool
}

// Scheduler reads cluster state from the control-plane store.
type Scheduler struct {
	store *cpstore.Store
	ttl   time.Duration
	now   func() time.Time
	randn func(n int) int
}

// New creates a scheduler with the default heartbeat TTL.
func New(store *cpstore.Store) *Scheduler {
	return &Scheduler{
		store: store,
		ttl:   heartbeatTTL,
		now:   time.Now,
		randn: rand.Intn,
	}
}

// Admit checks the user's quota for one more container of the given type
// and returns the resolved type on success.
func (s *Scheduler) Admit(ctx context.Context, user, typeName string) (*cpstore.ContainerType, error) {
	quota, err := s.store.GetQuota(user)
	if err != nil {
		return nil, fmt.Errorf("load quota: %w", err)
	}
	typ, err := s.store.GetContainerType(typeName)
	if err != nil {
		return nil, fmt.Errorf("load container type: %w", err)
	}
	if !lo.Contains(quota.AllowedTypes, typ.Name) {
		return nil, fmt.Errorf("%w: %s", ErrTypeNotAllowed, typ.Name)
	}

	used, err := s.creditsUsed(user)
	if err != nil {
		return nil, err
	}
	if used+typ.CreditsCost > quota.Credits {
		return nil, ErrNotEnoughCredits
	}
	return typ, nil
}

// creditsUsed sums the type costs of the user's containers with
// desired_state=running. Containers without a type cost one credit.
func (s *Scheduler) creditsUsed(user string) (int, error) {
	containers, err := s.store.ListContainersByUser(user)
	if err != nil {
		return 0, fmt.Errorf("list containers: %w", err)
	}

	used := 0
	for _, c := range containers {
		if c.DesiredState != cpstore.DesiredRunning {
			continue
		}
		if c.Type == "" {
			used += legacyCreditsCost
			continue
		}
		typ, err := s.store.GetContainerType(c.Type)
		if err != nil {
			used += legacyCreditsCost
			continue
		}
		used += typ.CreditsCost
	}
	return used, nil
}

// ChooseNode picks the highest-scoring healthy node with enough free
// capacity. When none fits, an active node is chosen at random and the
// placement is flagged as a fallback.
func (s *Scheduler) ChooseNode(ctx context.Context, vcpus, memMiB int) (*Placement, error) {
	log := logger.FromContext(ctx)

	nodes, err := s.store.ListNodes()
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	// Deterministic tie-breaking by name.
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })

	cutoff := s.now().Add(-s.ttl)
	var best *Placement
	var active []*cpstore.Node
	for _, node := range nodes {
		if !node.Active {
			continue
		}
		active = append(active, node)
		if !node.Healthy || node.HeartbeatAt.Before(cutoff) {
			continue
		}

		freeVCPUs, freeMemMiB, running, err := s.freeCapacity(node)
		if err != nil {
			return nil, err
		}
		if freeVCPUs < vcpus || freeMemMiB < memMiB {
			continue
		}

		score := 2*float64(freeMemMiB) + float64(freeVCPUs) - 0.5*float64(running)
		if best == nil || score > best.Score {
			best = &Placement{Node: node, Score: score}
		}
	}
	if best != nil {
		return best, nil
	}

	if len(active) == 0 {
		return nil, ErrNoFeasibleNode
	}
	node := active[s.randn(len(active))]
	log.WarnContext(ctx, "no feasible node, falling back to random active node",
		"node", node.Name, "vcpus", vcpus, "mem_mib", memMiB)
	return &Placement{Node: node, Fallback: true}, nil
}

// freeCapacity subtracts the node's desired-running containers from its
// declared capacity.
func (s *Scheduler) freeCapacity(node *cpstore.Node) (vcpus, memMiB, running int, err error) {
	containers, err := s.store.ListContainersByNode(node.Name)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("list containers on %s: %w", node.Name, err)
	}

	vcpus, memMiB = node.CapVCPUs, node.CapMemMiB
	for _, c := range containers {
		if c.DesiredState != cpstore.DesiredRunning {
			continue
		}
		vcpus -= c.VCPUs
		memMiB -= c.MemMiB
		running++
	}
	return vcpus, memMiB, running, nil
}
