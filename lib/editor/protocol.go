// Package editor implements the file-editor WebSocket protocol: request/
// response file operations with per-path monotonic revisions for optimistic
// concurrency and server-pushed change broadcasts to every client attached
// to the same container.
package editor

import (
	"encoding/json"
	"errors"
)

// Action is the closed set of editor operations.
type Action string

const (
	ActionListDirs   Action = "list_dirs"
	ActionReadFile   Action = "read_file"
	ActionWriteFile  Action = "write_file"
	ActionCreateDir  Action = "create_dir"
	ActionMovePath   Action = "move_path"
	ActionDeletePath Action = "delete_path"
	ActionSearch     Action = "search"
)

var (
	// ErrPathEscapes is returned when a path resolves outside the safe root
	ErrPathEscapes = errors.New("path escapes safe root")

	// ErrUnknownAction is returned for an action outside the closed set
	ErrUnknownAction = errors.New("unknown action")

	// ErrConflict is returned when prev_rev does not match the current revision
	ErrConflict = errors.New("conflict")
)

// Request is the client envelope. Unused fields stay zero per action.
type Request struct {
	ReqID  int    `json:"req_id"`
	Action Action `json:"action"`

	Path    string `json:"path,omitempty"`
	Paths   string `json:"paths,omitempty"` // list_dirs: comma-separated
	Depth   int    `json:"depth,omitempty"`
	Content string `json:"content,omitempty"`
	PrevRev *int64 `json:"prev_rev,omitempty"`
	Src     string `json:"src,omitempty"`
	Dst     string `json:"dst,omitempty"`

	Root         string   `json:"root,omitempty"`
	Pattern      string   `json:"pattern,omitempty"`
	Case         bool     `json:"case,omitempty"`
	IncludeGlobs []string `json:"include_globs,omitempty"`
	ExcludeDirs  []string `json:"exclude_dirs,omitempty"`
}

// Reply is the server response to one request.
type Reply struct {
	Event string `json:"event"` // "ok" | "error"
	ReqID int    `json:"req_id"`
	Data  any    `json:"data,omitempty"`
	Rev   *int64 `json:"rev,omitempty"`
	Error string `json:"error,omitempty"`
}

// Broadcast is pushed to every client in the container group after a
// mutation, the originator included (idempotent by rev).
type Broadcast struct {
	Event string `json:"event"` // file_changed | path_moved | path_deleted
	Path  string `json:"path,omitempty"`
	Src   string `json:"src,omitempty"`
	Dst   string `json:"dst,omitempty"`
	Rev   int64  `json:"rev"`
	Meta  any    `json:"meta,omitempty"`
}

func okReply(reqID int, data any, rev *int64) Reply {
	return Reply{Event: "ok", ReqID: reqID, Data: data, Rev: rev}
}

func errorReply(reqID int, msg string, rev *int64) Reply {
	return Reply{Event: "error", ReqID: reqID, Error: msg, Rev: rev}
}

// decodeRequest parses a client frame, rejecting unknown action tags.
func decodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	switch req.Action {
	case ActionListDirs, ActionReadFile, ActionWriteFile, ActionCreateDir,
		ActionMovePath, ActionDeletePath, ActionSearch:
		return &req, nil
	default:
		return nil, ErrUnknownAction
	}
}
