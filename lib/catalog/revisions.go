package catalog

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ErrRevConflict is returned when a conditional bump loses the race: the
// caller's prev_rev no longer matches the current revision.
var ErrRevConflict = fmt.Errorf("revision conflict")

// bumpScript performs the conditional increment atomically so that of any
// set of concurrent writers carrying the same prev_rev, exactly one wins.
// Returns {1, newrev} on success and {0, currentrev} on conflict.
var bumpScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local prev = tonumber(ARGV[1])
if prev >= 0 and cur ~= prev then
  return {0, cur}
end
local new = redis.call('INCR', KEYS[1])
return {1, new}
`)

// Revisions tracks the per-(container, path) monotonic revision counters
// used for optimistic concurrency in the editor protocol.
type Revisions struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRevisions creates a revision tracker under the given namespace.
func NewRevisions(rdb redis.UniversalClient, prefix string) *Revisions {
	return &Revisions{rdb: rdb, prefix: prefix}
}

func (r *Revisions) key(containerID, path string) string {
	return fmt.Sprintf("%s:fsrev:%s:%s", r.prefix, containerID, path)
}

// Current returns the current revision for a path; 0 when never written.
func (r *Revisions) Current(ctx context.Context, containerID, path string) (int64, error) {
	v, err := r.rdb.Get(ctx, r.key(containerID, path)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read revision: %w", err)
	}
	return v, nil
}

// Bump unconditionally increments the revision and returns the new value.
// Used by mutations that do not carry a prev_rev (create_dir, move, delete).
func (r *Revisions) Bump(ctx context.Context, containerID, path string) (int64, error) {
	v, err := r.rdb.Incr(ctx, r.key(containerID, path)).Result()
	if err != nil {
		return 0, fmt.Errorf("bump revision: %w", err)
	}
	return v, nil
}

// BumpIf increments the revision only when the current value equals
// prevRev; otherwise it returns ErrRevConflict along with the current
// revision. Pass prevRev = -1 to skip the check.
func (r *Revisions) BumpIf(ctx context.Context, containerID, path string, prevRev int64) (int64, error) {
	res, err := bumpScript.Run(ctx, r.rdb, []string{r.key(containerID, path)}, prevRev).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("conditional bump: %w", err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("conditional bump: unexpected reply %v", res)
	}
	if res[0] == 0 {
		return res[1], ErrRevConflict
	}
	return res[1], nil
}
