package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// VMLogHandler wraps an slog.Handler and additionally writes logs that
// carry a "vm_id" attribute to the VM's agent.log inside its workdir.
//
// Shared state across WithAttrs/WithGroup follows the slog handler guide:
// https://pkg.go.dev/golang.org/x/example/slog-handler-guide
type VMLogHandler struct {
	slog.Handler
	logPathFunc func(id string) string // returns the agent.log path for a VM
	preAttrs    []slog.Attr            // attrs added via WithAttrs (needed to find "vm_id")
}

// NewVMLogHandler creates a handler that mirrors VM-scoped records into
// per-VM log files. logPathFunc maps a VM id to its agent.log path.
func NewVMLogHandler(wrapped slog.Handler, logPathFunc func(id string) string) *VMLogHandler {
	return &VMLogHandler{
		Handler:     wrapped,
		logPathFunc: logPathFunc,
	}
}

// Handle passes the record to the wrapped handler and, when a "vm_id"
// attribute is present, appends a rendered line to the VM's log file.
func (h *VMLogHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.Handler.Handle(ctx, r); err != nil {
		return err
	}

	var vmID string
	for _, a := range h.preAttrs {
		if a.Key == "vm_id" {
			vmID = a.Value.String()
			break
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "vm_id" {
			vmID = a.Value.String()
			return false
		}
		return true
	})

	if vmID != "" {
		h.writeToVMLog(vmID, r)
	}
	return nil
}

func (h *VMLogHandler) writeToVMLog(vmID string, r slog.Record) {
	logPath := h.logPathFunc(vmID)
	if logPath == "" {
		return
	}

	// Only mirror into workdirs that already exist; a "vm_id" on a record
	// about a deleted VM must not recreate its directory.
	dir := filepath.Dir(logPath)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return
	}

	var attrs []string
	for _, a := range h.preAttrs {
		if a.Key != "vm_id" {
			attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key != "vm_id" {
			attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		}
		return true
	})

	line := fmt.Sprintf("%s %s %s", r.Time.Format(time.RFC3339), r.Level.String(), r.Message)
	for _, attr := range attrs {
		line += " " + attr
	}
	line += "\n"

	// Open, write, close (no caching = no leak)
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		slog.Warn("failed to open vm log file", "path", logPath, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		slog.Warn("failed to write to vm log file", "path", logPath, "error", err)
	}
}

// Enabled reports whether the handler handles records at the given level.
func (h *VMLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.Handler.Enabled(ctx, level)
}

// WithAttrs returns a new handler with the given attributes.
// Tracks attrs locally so we can find "vm_id" even when added via With().
func (h *VMLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newPreAttrs := make([]slog.Attr, len(h.preAttrs), len(h.preAttrs)+len(attrs))
	copy(newPreAttrs, h.preAttrs)
	newPreAttrs = append(newPreAttrs, attrs...)

	return &VMLogHandler{
		Handler:     h.Handler.WithAttrs(attrs),
		logPathFunc: h.logPathFunc,
		preAttrs:    newPreAttrs,
	}
}

// WithGroup returns a new handler with the given group name.
func (h *VMLogHandler) WithGroup(name string) slog.Handler {
	// Groups are not tracked for the "vm_id" lookup; VM ids are always
	// top-level attributes.
	return &VMLogHandler{
		Handler:     h.Handler.WithGroup(name),
		logPathFunc: h.logPathFunc,
		preAttrs:    h.preAttrs,
	}
}
