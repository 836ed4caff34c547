// Package guestfs performs filesystem operations inside a guest over the
// cached SSH/SFTP connection: uploads, directory listing, reads, archive
// downloads, and grep-based search.
package guestfs

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/fleetplane/fleetplane/lib/sshcache"
)

// Client wraps one resolved cache entry for the duration of a request.
type Client struct {
	entry *sshcache.Entry
}

// NewClient wraps a cache entry.
func NewClient(entry *sshcache.Entry) *Client {
	return &Client{entry: entry}
}

// run executes a command in the guest with separate stdout/stderr capture.
// The exit code is 0 on success, the remote status on command failure, and
// -1 when the command could not run at all.
func (c *Client) run(ctx context.Context, command string) (stdout, stderr string, exitCode int, err error) {
	session, err := c.entry.Client.NewSession()
	if err != nil {
		return "", "", -1, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return outBuf.String(), errBuf.String(), -1, ctx.Err()
	case runErr := <-done:
		if runErr != nil {
			if exitErr, ok := runErr.(*ssh.ExitError); ok {
				return outBuf.String(), errBuf.String(), exitErr.ExitStatus(), nil
			}
			return outBuf.String(), errBuf.String(), -1, runErr
		}
		return outBuf.String(), errBuf.String(), 0, nil
	}
}

// shellQuote wraps s in single quotes, escaping embedded quotes, so guest
// paths survive the remote shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// joinUnder resolves rel against root (POSIX semantics only) and verifies
// the result stays under root. Absolute rel paths are re-rooted.
func joinUnder(root, rel string) (string, error) {
	root = path.Clean("/" + strings.TrimSuffix(root, "/"))
	joined := path.Clean(path.Join(root, strings.TrimPrefix(rel, "/")))
	if joined != root && !strings.HasPrefix(joined, root+"/") {
		return "", fmt.Errorf("path %q escapes %q", rel, root)
	}
	return joined, nil
}
