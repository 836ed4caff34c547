package sshcache

import (
	"io"

	"golang.org/x/crypto/ssh"
)

// ShellChannel is the long-lived interactive shell bound to a cache entry.
// It is separate from ad-hoc Exec sessions so interactive state (cwd,
// environment, job control) survives across commands.
type ShellChannel struct {
	session *ssh.Session
	Stdin   io.WriteCloser
	Stdout  io.Reader // stdout and stderr merged
}

// OpenShell starts an interactive shell with a PTY on a new session.
func OpenShell(client *ssh.Client) (*ShellChannel, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, err
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", shellTermHeight, shellTermWidth, modes); err != nil {
		session.Close()
		return nil, err
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, err
	}

	pr, pw := io.Pipe()
	session.Stdout = pw
	session.Stderr = pw

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, err
	}

	// Unblock readers when the remote shell exits.
	go func() {
		err := session.Wait()
		pw.CloseWithError(err)
	}()

	return &ShellChannel{session: session, Stdin: stdin, Stdout: pr}, nil
}

// Read pulls merged shell output.
func (s *ShellChannel) Read(p []byte) (int, error) {
	return s.Stdout.Read(p)
}

// Write pushes bytes to the shell's stdin.
func (s *ShellChannel) Write(p []byte) (int, error) {
	return s.Stdin.Write(p)
}

// Close terminates the shell session.
func (s *ShellChannel) Close() {
	if s.Stdin != nil {
		s.Stdin.Close()
	}
	if s.session != nil {
		s.session.Close()
	}
}
