package sshcache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/fleetplane/fleetplane/lib/vm"
)

func fakeEntry(closed *bool) *Entry {
	return &Entry{
		Client: &ssh.Client{},
		SFTP:   &sftp.Client{},
		Shell:  &ShellChannel{},
		closer: func() {
			if closed != nil {
				*closed = true
			}
		},
	}
}

func testRecord() *vm.Record {
	return &vm.Record{ID: "vm1", State: vm.StateRunning, SSHPort: 50022, SSHUser: "workspace"}
}

func TestResolveConnectsOnMiss(t *testing.T) {
	c := New("/tmp/key")
	connects := 0
	want := fakeEntry(nil)
	c.connect = func(ctx context.Context, rec *vm.Record) (*Entry, error) {
		connects++
		return want, nil
	}
	c.probe = func(e *Entry) error { return nil }

	got, err := c.Resolve(context.Background(), testRecord())
	require.NoError(t, err)
	require.Same(t, want, got)
	require.Equal(t, 1, connects)
}

func TestResolveReusesHealthyEntry(t *testing.T) {
	c := New("/tmp/key")
	connects := 0
	c.connect = func(ctx context.Context, rec *vm.Record) (*Entry, error) {
		connects++
		return fakeEntry(nil), nil
	}
	c.probe = func(e *Entry) error { return nil }

	ctx := context.Background()
	first, err := c.Resolve(ctx, testRecord())
	require.NoError(t, err)
	second, err := c.Resolve(ctx, testRecord())
	require.NoError(t, err)

	require.Same(t, first, second)
	require.Equal(t, 1, connects)
}

func TestResolveRegeneratesOnProbeFailure(t *testing.T) {
	c := New("/tmp/key")
	connects := 0
	var closedFirst bool
	c.connect = func(ctx context.Context, rec *vm.Record) (*Entry, error) {
		connects++
		if connects == 1 {
			return fakeEntry(&closedFirst), nil
		}
		return fakeEntry(nil), nil
	}
	c.probe = func(e *Entry) error { return errors.New("broken pipe") }

	ctx := context.Background()
	first, err := c.Resolve(ctx, testRecord())
	require.NoError(t, err)
	second, err := c.Resolve(ctx, testRecord())
	require.NoError(t, err)

	require.NotSame(t, first, second)
	require.Equal(t, 2, connects)
	require.True(t, closedFirst, "stale entry must be closed before replacement")
}

func TestResolveRegeneratesOnMissingMember(t *testing.T) {
	c := New("/tmp/key")
	connects := 0
	c.connect = func(ctx context.Context, rec *vm.Record) (*Entry, error) {
		connects++
		return fakeEntry(nil), nil
	}
	// Probe reports healthy, but the entry is incomplete.
	c.probe = func(e *Entry) error { return nil }

	partial := fakeEntry(nil)
	partial.SFTP = nil
	c.entries["vm1"] = partial

	got, err := c.Resolve(context.Background(), testRecord())
	require.NoError(t, err)
	require.NotSame(t, partial, got)
	require.Equal(t, 1, connects)
}

func TestResolvePropagatesConnectError(t *testing.T) {
	c := New("/tmp/key")
	c.connect = func(ctx context.Context, rec *vm.Record) (*Entry, error) {
		return nil, errors.New("connection refused")
	}

	_, err := c.Resolve(context.Background(), testRecord())
	require.Error(t, err)
	require.Empty(t, c.entries)
}

func TestResolveSlowDialDoesNotBlockOtherVMs(t *testing.T) {
	c := New("/tmp/key")
	dialing := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	c.connect = func(ctx context.Context, rec *vm.Record) (*Entry, error) {
		if rec.ID == "slow" {
			close(dialing)
			<-release
		}
		return fakeEntry(nil), nil
	}
	c.probe = func(e *Entry) error { return nil }

	go c.Resolve(context.Background(), &vm.Record{ID: "slow", State: vm.StateRunning, SSHPort: 50023, SSHUser: "workspace"})
	<-dialing

	// The slow dial holds only its own VM's lock.
	done := make(chan error, 1)
	go func() {
		_, err := c.Resolve(context.Background(), testRecord())
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("resolve for a healthy vm waited behind an unrelated dial")
	}
}

func TestResolveSingleDialPerVM(t *testing.T) {
	c := New("/tmp/key")
	var mu sync.Mutex
	connects := 0
	c.connect = func(ctx context.Context, rec *vm.Record) (*Entry, error) {
		mu.Lock()
		connects++
		mu.Unlock()
		time.Sleep(50 * time.Millisecond)
		return fakeEntry(nil), nil
	}
	c.probe = func(e *Entry) error { return nil }

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Resolve(context.Background(), testRecord())
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, connects)
}

func TestEvictClosesEntry(t *testing.T) {
	c := New("/tmp/key")
	var closed bool
	c.entries["vm1"] = fakeEntry(&closed)

	c.Evict("vm1")
	require.True(t, closed)
	require.Empty(t, c.entries)

	// Evicting again is a no-op.
	c.Evict("vm1")
}

func TestDialRejectsRecordWithoutEndpoint(t *testing.T) {
	c := New("/tmp/key")
	_, err := c.dial(context.Background(), &vm.Record{ID: "vm1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no ssh endpoint")
}
