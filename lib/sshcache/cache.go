// Package sshcache amortizes SSH handshakes to guests. Each VM gets one
// cached entry holding the SSH client, an SFTP client, and a long-lived
// interactive shell channel. Entries are revalidated with a trivial probe
// on every resolve and regenerated end-to-end on failure.
package sshcache

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/fleetplane/fleetplane/lib/logger"
	"github.com/fleetplane/fleetplane/lib/vm"
)

const (
	connectTimeout    = 30 * time.Second
	keepaliveInterval = 15 * time.Second

	shellTermWidth  = 120
	shellTermHeight = 32
)

// Entry is one cached connection bundle for a VM.
type Entry struct {
	Client *ssh.Client
	SFTP   *sftp.Client
	Shell  *ShellChannel

	stopKeepalive chan struct{}
	closer        func() // test override
}

// Close tears the entry down. Safe to call more than once.
func (e *Entry) Close() {
	if e.closer != nil {
		e.closer()
		return
	}
	if e.stopKeepalive != nil {
		select {
		case <-e.stopKeepalive:
		default:
			close(e.stopKeepalive)
		}
	}
	if e.Shell != nil {
		e.Shell.Close()
	}
	if e.SFTP != nil {
		e.SFTP.Close()
	}
	if e.Client != nil {
		e.Client.Close()
	}
}

// Exec runs a command over a fresh session on the cached client and returns
// combined output. The exit code is -1 when the command failed to run at
// all.
func (e *Entry) Exec(ctx context.Context, command string) (string, int, error) {
	session, err := e.Client.NewSession()
	if err != nil {
		return "", -1, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(command)
		done <- result{out, err}
	}()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return "", -1, ctx.Err()
	case res := <-done:
		if res.err != nil {
			if exitErr, ok := res.err.(*ssh.ExitError); ok {
				return string(res.out), exitErr.ExitStatus(), nil
			}
			return string(res.out), -1, res.err
		}
		return string(res.out), 0, nil
	}
}

// Cache is the per-process, per-VM connection cache.
type Cache struct {
	mu      sync.Mutex // guards entries and locks, never held while dialing
	entries map[string]*Entry
	locks   map[string]*sync.Mutex

	privkeyPath string

	// injection points for tests
	connect func(ctx context.Context, rec *vm.Record) (*Entry, error)
	probe   func(e *Entry) error
}

// New creates a cache that authenticates with the private key at
// privkeyPath.
func New(privkeyPath string) *Cache {
	c := &Cache{
		entries:     make(map[string]*Entry),
		locks:       make(map[string]*sync.Mutex),
		privkeyPath: privkeyPath,
	}
	c.connect = c.dial
	c.probe = defaultProbe
	return c
}

// Resolve returns a validated entry for the VM, regenerating it when any
// member is missing or the liveness probe fails. This is the single place
// where cache entries are assigned. Probe and regeneration run under a
// per-VM lock, so one hung guest cannot stall resolves for the others.
func (c *Cache) Resolve(ctx context.Context, rec *vm.Record) (*Entry, error) {
	lock := c.vmLock(rec.ID)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	entry, ok := c.entries[rec.ID]
	c.mu.Unlock()

	if ok && entry.Client != nil && entry.SFTP != nil && entry.Shell != nil {
		if err := c.probe(entry); err == nil {
			return entry, nil
		}
		log := logger.FromContext(ctx)
		log.DebugContext(ctx, "ssh probe failed, regenerating entry", "vm_id", rec.ID)
	}
	if ok && entry != nil {
		entry.Close()
	}

	fresh, err := c.connect(ctx, rec)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		delete(c.entries, rec.ID)
		return nil, err
	}
	c.entries[rec.ID] = fresh
	return fresh, nil
}

// vmLock returns the resolve lock for a VM, creating it on first use.
func (c *Cache) vmLock(id string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[id] = lock
	}
	return lock
}

// Evict drops and closes the entry for a VM, if any.
func (c *Cache) Evict(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[id]; ok {
		entry.Close()
		delete(c.entries, id)
	}
}

// CloseAll tears down every cached entry.
func (c *Cache) CloseAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, entry := range c.entries {
		entry.Close()
		delete(c.entries, id)
	}
}

// ClientConfig builds the ssh.ClientConfig used for guest connections.
// Host keys are not verified: guests are reachable only via the local
// user-mode forward and regenerate their keys on every provision.
func ClientConfig(user, privkeyPath string) (*ssh.ClientConfig, error) {
	keyData, err := os.ReadFile(privkeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         connectTimeout,
	}, nil
}

func (c *Cache) dial(ctx context.Context, rec *vm.Record) (*Entry, error) {
	if rec.SSHPort == 0 || rec.SSHUser == "" {
		return nil, fmt.Errorf("vm %s has no ssh endpoint", rec.ID)
	}
	cfg, err := ClientConfig(rec.SSHUser, c.privkeyPath)
	if err != nil {
		return nil, err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", rec.SSHPort)
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("sftp: %w", err)
	}

	shell, err := OpenShell(client)
	if err != nil {
		sftpClient.Close()
		client.Close()
		return nil, fmt.Errorf("open shell: %w", err)
	}

	entry := &Entry{
		Client:        client,
		SFTP:          sftpClient,
		Shell:         shell,
		stopKeepalive: make(chan struct{}),
	}
	go keepalive(client, entry.stopKeepalive)
	return entry, nil
}

func defaultProbe(e *Entry) error {
	session, err := e.Client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()
	return session.Run("echo hello")
}

func keepalive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				return
			}
		}
	}
}
