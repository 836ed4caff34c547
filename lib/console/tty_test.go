package console

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// fakeShell couples a stdin sink with a scripted stdout.
type fakeShell struct {
	mu     sync.Mutex
	stdin  []byte
	stdout io.Reader
}

func (s *fakeShell) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stdin = append(s.stdin, p...)
	return len(p), nil
}

func (s *fakeShell) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *fakeShell) input() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.stdin)
}

func TestServeTTYForwardsBothDirections(t *testing.T) {
	conn := newFakeConn()
	pr, pw := io.Pipe()
	shell := &fakeShell{stdout: pr}

	done := make(chan error, 1)
	go func() { done <- ServeTTY(context.Background(), conn, shell) }()

	conn.sendText("whoami\n")
	waitFor(t, func() bool { return shell.input() == "whoami\n" })

	_, err := pw.Write([]byte("root\n"))
	require.NoError(t, err)
	waitFor(t, func() bool {
		for _, f := range conn.frames() {
			if f.msgType == websocket.BinaryMessage && string(f.data) == "root\n" {
				return true
			}
		}
		return false
	})

	// Remote shell exit unblocks the pump.
	pw.CloseWithError(io.EOF)
	require.NoError(t, <-done)
}

func TestServeTTYAppendsNewlineToTextFrames(t *testing.T) {
	conn := newFakeConn()
	pr, pw := io.Pipe()
	shell := &fakeShell{stdout: pr}

	done := make(chan error, 1)
	go func() { done <- ServeTTY(context.Background(), conn, shell) }()

	conn.sendText("pwd")
	waitFor(t, func() bool { return shell.input() == "pwd\n" })

	pw.CloseWithError(io.EOF)
	require.NoError(t, <-done)
}

func TestServeTTYLeavesBinaryAndControlCharsRaw(t *testing.T) {
	conn := newFakeConn()
	pr, pw := io.Pipe()
	shell := &fakeShell{stdout: pr}

	done := make(chan error, 1)
	go func() { done <- ServeTTY(context.Background(), conn, shell) }()

	conn.sendBinary([]byte{0x1b, 0x5b, 0x41})
	waitFor(t, func() bool { return shell.input() == "\x1b[A" })

	// A lone control character in a text frame is not a line.
	conn.sendText("\x03")
	waitFor(t, func() bool { return shell.input() == "\x1b[A\x03" })

	pw.CloseWithError(io.EOF)
	require.NoError(t, <-done)
}

func TestServeTTYStopsWhenClientCloses(t *testing.T) {
	conn := newFakeConn()
	pr, _ := io.Pipe()
	shell := &fakeShell{stdout: pr}

	done := make(chan error, 1)
	go func() { done <- ServeTTY(context.Background(), conn, shell) }()

	conn.Close()
	err := <-done
	require.Error(t, err)
}
