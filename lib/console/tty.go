package console

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/gorilla/websocket"

	"github.com/fleetplane/fleetplane/lib/logger"
)

const ttyReadChunk = 4096

// ShellIO is the interactive channel the tty pump drives. The sshcache
// shell entry satisfies it.
type ShellIO interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
}

// ServeTTY bridges one WebSocket to a VM shell. Client text frames pass
// through the line discipline before reaching the shell's stdin; binary
// frames go through as-is. Shell output comes back as binary frames.
// Returns when either side closes.
func ServeTTY(ctx context.Context, conn Conn, shell ShellIO) error {
	log := logger.FromContext(ctx)
	done := make(chan error, 2)

	// Shell output to the websocket.
	go func() {
		buf := make([]byte, ttyReadChunk)
		for {
			n, err := shell.Read(buf)
			if n > 0 {
				if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					done <- werr
					return
				}
			}
			if err != nil {
				done <- err
				return
			}
		}
	}()

	// Websocket input to the shell.
	go func() {
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				done <- err
				return
			}
			if msgType == websocket.TextMessage {
				data = []byte(lineDiscipline(string(data)))
			}
			if _, err := shell.Write(data); err != nil {
				done <- err
				return
			}
		}
	}()

	err := <-done
	conn.Close()
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	log.DebugContext(ctx, "tty session ended", "error", err)
	return err
}
