// Package catalog is the authoritative per-node VM catalog, persisted as
// JSON records in a shared Redis store, plus the per-path file revision
// counters used by the editor protocol.
//
// Key layout under the configured namespace:
//
//	{ns}:vms                       set of VM ids on this node
//	{ns}:vm:{id}                   JSON-encoded vm.Record
//	{ns}:fsrev:{container}:{path}  integer revision counter
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fleetplane/fleetplane/lib/logger"
	"github.com/fleetplane/fleetplane/lib/vm"
)

const (
	// reconcileDialTimeout bounds the TCP probe used to verify that a
	// running record still has a reachable SSH forward.
	reconcileDialTimeout = 1500 * time.Millisecond

	// ReconcileReason is the error_reason set when a running record fails
	// its liveness probe.
	ReconcileReason = "reconciled: ssh port not reachable"
)

// Dialer lets tests substitute the TCP probe.
type Dialer func(network, addr string, timeout time.Duration) (net.Conn, error)

// Store is the per-node VM catalog.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
	dial   Dialer
}

// New creates a Store over the given Redis client. prefix namespaces all
// keys so multiple nodes can share one Redis.
func New(rdb redis.UniversalClient, prefix string) *Store {
	return &Store{rdb: rdb, prefix: prefix, dial: net.DialTimeout}
}

// NewWithDialer creates a Store with a custom liveness dialer.
func NewWithDialer(rdb redis.UniversalClient, prefix string, dial Dialer) *Store {
	return &Store{rdb: rdb, prefix: prefix, dial: dial}
}

func (s *Store) setKey() string {
	return s.prefix + ":vms"
}

func (s *Store) recordKey(id string) string {
	return s.prefix + ":vm:" + id
}

// Put upserts a record and inserts its id into the node's id set. The two
// writes are pipelined; strict atomicity is not required since reconcile
// self-heals.
func (s *Store) Put(ctx context.Context, rec *vm.Record) error {
	rec.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal vm record: %w", err)
	}
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(rec.ID), data, 0)
		pipe.SAdd(ctx, s.setKey(), rec.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist vm record: %w", err)
	}
	return nil
}

// Get loads a record, reconciling it against observed liveness before
// returning.
func (s *Store) Get(ctx context.Context, id string) (*vm.Record, error) {
	rec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.reconcile(ctx, rec)
}

// All loads every record in the node's id set, each reconciled.
func (s *Store) All(ctx context.Context) ([]*vm.Record, error) {
	ids, err := s.rdb.SMembers(ctx, s.setKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list vm ids: %w", err)
	}
	recs := make([]*vm.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if errors.Is(err, vm.ErrNotFound) {
			// Set member without a record; a crashed delete. Drop it.
			s.rdb.SRem(ctx, s.setKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// SetStatus persists a state transition.
func (s *Store) SetStatus(ctx context.Context, rec *vm.Record, state vm.State, errorReason string) error {
	rec.State = state
	rec.ErrorReason = errorReason
	if state == vm.StateRunning {
		rec.BootedAt = time.Now().UTC()
	}
	return s.Put(ctx, rec)
}

// Delete removes a record and its id from the set.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.recordKey(id))
		pipe.SRem(ctx, s.setKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete vm record: %w", err)
	}
	return nil
}

// ReconcileAll resyncs every record after a crash or restart.
func (s *Store) ReconcileAll(ctx context.Context) error {
	log := logger.FromContext(ctx)
	recs, err := s.All(ctx)
	if err != nil {
		return err
	}
	log.InfoContext(ctx, "catalog reconciled", "vms", len(recs))
	return nil
}

func (s *Store) load(ctx context.Context, id string) (*vm.Record, error) {
	data, err := s.rdb.Get(ctx, s.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, vm.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load vm record: %w", err)
	}
	var rec vm.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode vm record %s: %w", id, err)
	}
	return &rec, nil
}

// reconcile verifies that a running record still answers on its SSH port.
// A failed probe transitions the record to stopped with a reconciliation
// reason. No other automatic transitions happen here.
func (s *Store) reconcile(ctx context.Context, rec *vm.Record) (*vm.Record, error) {
	if rec.State != vm.StateRunning {
		return rec, nil
	}
	addr := fmt.Sprintf("127.0.0.1:%d", rec.SSHPort)
	conn, err := s.dial("tcp", addr, reconcileDialTimeout)
	if err == nil {
		conn.Close()
		return rec, nil
	}
	log := logger.FromContext(ctx)
	log.WarnContext(ctx, "vm failed liveness probe, marking stopped",
		"vm_id", rec.ID, "addr", addr, "error", err)
	if err := s.SetStatus(ctx, rec, vm.StateStopped, ReconcileReason); err != nil {
		return nil, err
	}
	return rec, nil
}
