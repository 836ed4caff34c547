// Package console multiplexes interactive VM shells over a single client
// WebSocket. Each session is an upstream WebSocket to the owning node's
// tty endpoint; the bridge routes client frames to sessions and fans
// session output back with typed envelopes.
package console

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/fleetplane/fleetplane/lib/logger"
	"github.com/fleetplane/fleetplane/lib/metrics"
)

// Conn is the WebSocket surface the bridge needs from both sides.
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens an upstream tty WebSocket for a VM.
type Dialer func(ctx context.Context, vmID string) (Conn, error)

// clientMsg is the JSON shape of a client text frame. Plain text that does
// not parse as JSON is treated as a command for the active session.
type clientMsg struct {
	Control   string  `json:"control,omitempty"` // open | close | focus
	SID       string  `json:"sid,omitempty"`
	Data      *string `json:"data,omitempty"`
	Broadcast bool    `json:"broadcast,omitempty"`
}

// serverMsg is the envelope pushed to the client.
type serverMsg struct {
	Type     string   `json:"type"` // info | error | stream | stream-bytes
	SID      string   `json:"sid,omitempty"`
	Message  string   `json:"message,omitempty"`
	Sessions []string `json:"sessions,omitempty"`
	Active   string   `json:"active,omitempty"`
}

type session struct {
	sid      string
	upstream Conn
	done     chan struct{}
	once     sync.Once
}

func (s *session) stop() {
	s.once.Do(func() {
		close(s.done)
		s.upstream.Close()
	})
}

// Bridge serves one client WebSocket and its set of upstream sessions.
type Bridge struct {
	vmID string
	dial Dialer

	client  Conn
	writeMu sync.Mutex // single writer on the client socket

	mu       sync.Mutex
	sessions map[string]*session
	order    []string
	active   string
}

// NewBridge creates a bridge for one client connection to one VM.
func NewBridge(vmID string, client Conn, dial Dialer) *Bridge {
	return &Bridge{
		vmID:     vmID,
		dial:     dial,
		client:   client,
		sessions: make(map[string]*session),
	}
}

// Run pumps the client WebSocket until it closes or every session is gone.
func (b *Bridge) Run(ctx context.Context) {
	log := logger.FromContext(ctx)
	defer b.closeAll()
	defer b.client.Close()

	for {
		msgType, data, err := b.client.ReadMessage()
		if err != nil {
			log.DebugContext(ctx, "console client closed", "vm_id", b.vmID, "error", err)
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			b.writeActiveRaw(data)
		case websocket.TextMessage:
			b.handleText(ctx, data)
		}
	}
}

func (b *Bridge) handleText(ctx context.Context, data []byte) {
	var msg clientMsg
	if err := json.Unmarshal(data, &msg); err != nil || (msg.Control == "" && msg.Data == nil) {
		// Plain text is a command for the active session.
		b.writeActiveText(string(data))
		return
	}

	switch msg.Control {
	case "open":
		b.openSession(ctx, msg.SID)
	case "close":
		b.closeSession(msg.SID)
	case "focus":
		b.focusSession(msg.SID)
	case "":
		b.writeData(msg)
	default:
		b.pushError("", fmt.Sprintf("unknown control %q", msg.Control))
	}
}

func (b *Bridge) openSession(ctx context.Context, sid string) {
	if sid == "" {
		b.pushError("", "open requires a sid")
		return
	}
	b.mu.Lock()
	_, exists := b.sessions[sid]
	b.mu.Unlock()
	if exists {
		b.pushError(sid, "session already open")
		return
	}

	upstream, err := b.dial(ctx, b.vmID)
	if err != nil {
		b.pushError(sid, fmt.Sprintf("open session: %s", err))
		return
	}

	s := &session{sid: sid, upstream: upstream, done: make(chan struct{})}
	b.mu.Lock()
	b.sessions[sid] = s
	b.order = append(b.order, sid)
	b.active = sid
	sessions, active := b.snapshotLocked()
	b.mu.Unlock()

	metrics.ConsoleSessions.Inc()
	go b.pumpUpstream(s)
	b.push(serverMsg{Type: "info", SID: sid, Message: "Connected", Sessions: sessions, Active: active})
}

func (b *Bridge) closeSession(sid string) {
	b.mu.Lock()
	s, ok := b.sessions[sid]
	b.mu.Unlock()
	if !ok {
		b.pushError(sid, "no such session")
		return
	}
	s.stop()
	b.dropSession(sid, "")
}

// dropSession removes bookkeeping for a dead session, promotes a new
// active session, and closes the client when none remain.
func (b *Bridge) dropSession(sid, reason string) {
	b.mu.Lock()
	s, ok := b.sessions[sid]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.sessions, sid)
	for i, id := range b.order {
		if id == sid {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	if b.active == sid {
		b.active = ""
		if len(b.order) > 0 {
			b.active = b.order[len(b.order)-1]
		}
	}
	remaining := len(b.sessions)
	sessions, active := b.snapshotLocked()
	b.mu.Unlock()

	s.stop()
	metrics.ConsoleSessions.Dec()
	if reason != "" {
		b.pushError(sid, reason)
	}
	b.push(serverMsg{Type: "info", SID: sid, Message: "Disconnected", Sessions: sessions, Active: active})
	if remaining == 0 {
		b.client.Close()
	}
}

func (b *Bridge) focusSession(sid string) {
	b.mu.Lock()
	_, ok := b.sessions[sid]
	if ok {
		b.active = sid
	}
	sessions, active := b.snapshotLocked()
	b.mu.Unlock()
	if !ok {
		b.pushError(sid, "no such session")
		return
	}
	b.push(serverMsg{Type: "info", SID: sid, Message: "Focused", Sessions: sessions, Active: active})
}

// writeData routes a data message: explicit sid, broadcast, or active.
func (b *Bridge) writeData(msg clientMsg) {
	text := lineDiscipline(*msg.Data)
	if msg.Broadcast {
		b.mu.Lock()
		targets := make([]*session, 0, len(b.sessions))
		for _, s := range b.sessions {
			targets = append(targets, s)
		}
		b.mu.Unlock()
		for _, s := range targets {
			s.upstream.WriteMessage(websocket.TextMessage, []byte(text))
		}
		return
	}

	sid := msg.SID
	b.mu.Lock()
	if sid == "" {
		sid = b.active
	}
	s, ok := b.sessions[sid]
	b.mu.Unlock()
	if !ok {
		b.pushError(sid, "no session to write to")
		return
	}
	if err := s.upstream.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		b.dropSession(sid, fmt.Sprintf("write: %s", err))
	}
}

func (b *Bridge) writeActiveText(text string) {
	b.writeData(clientMsg{Data: &text})
}

func (b *Bridge) writeActiveRaw(data []byte) {
	b.mu.Lock()
	s, ok := b.sessions[b.active]
	sid := b.active
	b.mu.Unlock()
	if !ok {
		b.pushError("", "no session to write to")
		return
	}
	if err := s.upstream.WriteMessage(websocket.BinaryMessage, data); err != nil {
		b.dropSession(sid, fmt.Sprintf("write: %s", err))
	}
}

// pumpUpstream forwards one session's output to the client. Reads from a
// single upstream are strictly ordered; the client write lock keeps the
// stream-bytes envelope adjacent to its binary frame.
func (b *Bridge) pumpUpstream(s *session) {
	for {
		msgType, data, err := s.upstream.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return // closed on purpose
			default:
			}
			b.dropSession(s.sid, fmt.Sprintf("session ended: %s", err))
			return
		}

		switch msgType {
		case websocket.TextMessage:
			b.push(serverMsg{Type: "stream", SID: s.sid, Message: string(data)})
		case websocket.BinaryMessage:
			b.writeMu.Lock()
			env, _ := json.Marshal(serverMsg{Type: "stream-bytes", SID: s.sid})
			b.client.WriteMessage(websocket.TextMessage, env)
			b.client.WriteMessage(websocket.BinaryMessage, data)
			b.writeMu.Unlock()
		}
	}
}

func (b *Bridge) push(msg serverMsg) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	b.client.WriteMessage(websocket.TextMessage, data)
}

func (b *Bridge) pushError(sid, message string) {
	b.push(serverMsg{Type: "error", SID: sid, Message: message})
}

func (b *Bridge) closeAll() {
	b.mu.Lock()
	sessions := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.sessions = make(map[string]*session)
	b.order = nil
	b.active = ""
	b.mu.Unlock()
	for _, s := range sessions {
		s.stop()
		metrics.ConsoleSessions.Dec()
	}
}

// snapshotLocked returns the session ids and active sid; call with b.mu held.
func (b *Bridge) snapshotLocked() ([]string, string) {
	out := make([]string, len(b.order))
	copy(out, b.order)
	return out, b.active
}

// lineDiscipline appends a trailing newline so plain text means "run this
// command". Lone control characters (^C, ^D and friends) pass unchanged.
func lineDiscipline(text string) string {
	if text == "" {
		return "\n"
	}
	if len(text) == 1 && text[0] < 0x20 {
		return text
	}
	if strings.HasSuffix(text, "\n") {
		return text
	}
	return text + "\n"
}
