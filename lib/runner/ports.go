package runner

import (
	"fmt"
	"net"
)

// FreePort picks a free TCP port on 127.0.0.1 by binding an ephemeral
// listener and closing it. The small window between close and QEMU binding
// the port is accepted; two concurrent picks still return distinct ports.
func FreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("bind ephemeral port: %w", err)
	}
	defer l.Close()

	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("unexpected listener address %T", l.Addr())
	}
	return addr.Port, nil
}
