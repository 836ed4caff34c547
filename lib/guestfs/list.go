package guestfs

import (
	"context"
	"fmt"
	"path"
	"strings"
)

// PathType classifies a listing entry.
type PathType string

const (
	PathTypeDirectory PathType = "directory"
	PathTypeFile      PathType = "file"
)

// DirEntry is one row of a directory listing.
type DirEntry struct {
	Path     string   `json:"path"`
	Name     string   `json:"name"`
	PathType PathType `json:"path_type"`
}

// ListDirs lists the trees under each root up to depth, deduplicated
// across overlapping roots.
func (c *Client) ListDirs(ctx context.Context, roots []string, depth int) ([]DirEntry, error) {
	if depth <= 0 {
		depth = 1
	}
	seen := make(map[string]bool)
	var entries []DirEntry
	for _, root := range roots {
		cmd := fmt.Sprintf("find %s -maxdepth %d -printf '%%p||%%y\\n'", shellQuote(root), depth)
		stdout, stderr, code, err := c.run(ctx, cmd)
		if err != nil {
			return nil, err
		}
		if code != 0 && stdout == "" {
			return nil, fmt.Errorf("find %s: %s", root, strings.TrimSpace(stderr))
		}
		for _, entry := range parseFindOutput(stdout) {
			if !seen[entry.Path] {
				seen[entry.Path] = true
				entries = append(entries, entry)
			}
		}
	}
	return entries, nil
}

// parseFindOutput parses `find -printf '%p||%y\n'` lines. Type chars other
// than d collapse to file.
func parseFindOutput(out string) []DirEntry {
	var entries []DirEntry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		idx := strings.LastIndex(line, "||")
		if idx < 0 {
			continue
		}
		p, typeChar := line[:idx], line[idx+2:]
		pathType := PathTypeFile
		if typeChar == "d" {
			pathType = PathTypeDirectory
		}
		entries = append(entries, DirEntry{
			Path:     p,
			Name:     path.Base(p),
			PathType: pathType,
		})
	}
	return entries
}
