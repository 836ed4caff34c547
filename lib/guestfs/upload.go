package guestfs

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path"

	"github.com/fleetplane/fleetplane/lib/logger"
)

// UploadFile is one file in an upload batch. Exactly one of Text or
// ContentB64 carries the payload.
type UploadFile struct {
	Path       string `json:"path"`
	Text       string `json:"text,omitempty"`
	ContentB64 string `json:"content_b64,omitempty"`
	Mode       uint32 `json:"mode,omitempty"`
}

// UploadRequest is a batch write under a destination directory.
type UploadRequest struct {
	DestPath string       `json:"dest_path"`
	Clean    bool         `json:"clean"`
	Files    []UploadFile `json:"files"`
}

// UploadFailure records one file that could not be written.
type UploadFailure struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// UploadResult aggregates per-file outcomes; the batch keeps going past
// individual failures.
type UploadResult struct {
	OK     int             `json:"ok"`
	Failed []UploadFailure `json:"failed"`
}

// Upload writes a batch of files under DestPath via SFTP. Entries whose
// normalized path escapes DestPath are reported as failed and never
// written.
func (c *Client) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	log := logger.FromContext(ctx)

	dest, err := c.entry.SFTP.RealPath(req.DestPath)
	if err != nil {
		// Destination may not exist yet; fall back to the cleaned input.
		dest = path.Clean("/" + req.DestPath)
	}

	if req.Clean {
		// mkdir first so a fresh destination works, then clear children
		// including dotfiles in one shell invocation.
		cmd := fmt.Sprintf("mkdir -p %s && rm -rf %s/* %s/.[!.]* %s/..?* 2>/dev/null || true",
			shellQuote(dest), shellQuote(dest), shellQuote(dest), shellQuote(dest))
		if _, _, _, err := c.run(ctx, cmd); err != nil {
			return nil, fmt.Errorf("clean destination: %w", err)
		}
	}

	result := &UploadResult{}
	for _, file := range req.Files {
		if err := c.uploadOne(ctx, dest, file); err != nil {
			log.DebugContext(ctx, "upload entry failed", "path", file.Path, "error", err)
			result.Failed = append(result.Failed, UploadFailure{Path: file.Path, Reason: err.Error()})
			continue
		}
		result.OK++
	}
	return result, nil
}

func (c *Client) uploadOne(ctx context.Context, dest string, file UploadFile) error {
	remote, err := joinUnder(dest, file.Path)
	if err != nil {
		return err
	}

	var content []byte
	if file.ContentB64 != "" {
		content, err = base64.StdEncoding.DecodeString(file.ContentB64)
		if err != nil {
			return fmt.Errorf("decode content: %w", err)
		}
	} else {
		content = []byte(file.Text)
	}

	if err := c.ensureParentDir(remote); err != nil {
		return err
	}

	f, err := c.entry.SFTP.OpenFile(remote, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return fmt.Errorf("write: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}

	if file.Mode != 0 {
		if err := c.entry.SFTP.Chmod(remote, os.FileMode(file.Mode)); err != nil {
			// SFTP chmod can be unimplemented; retry over the shell.
			if _, _, code, shErr := c.run(ctx, fmt.Sprintf("chmod %o %s", file.Mode, shellQuote(remote))); shErr != nil || code != 0 {
				return fmt.Errorf("chmod: %w", err)
			}
		}
	}
	return nil
}

// ensureParentDir creates the parent directory chain when missing.
func (c *Client) ensureParentDir(remote string) error {
	parent := path.Dir(remote)
	if _, err := c.entry.SFTP.Stat(parent); err == nil {
		return nil
	}
	if err := c.entry.SFTP.MkdirAll(parent); err != nil {
		return fmt.Errorf("mkdir %s: %w", parent, err)
	}
	return nil
}
