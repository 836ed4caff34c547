package guestfs

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"unicode/utf8"
)

// ReadResult is the outcome of reading one guest file. Found is false when
// the file does not exist; that is not an error.
type ReadResult struct {
	Name    string `json:"name"`
	Content string `json:"content"`
	Length  int    `json:"length"`
	Found   bool   `json:"found"`
}

// ReadFile reads a guest file via SFTP, decoding as UTF-8 with invalid
// sequences replaced.
func (c *Client) ReadFile(ctx context.Context, filePath string) (*ReadResult, error) {
	stat, err := c.entry.SFTP.Stat(filePath)
	if err != nil {
		return &ReadResult{Name: path.Base(filePath), Found: false}, nil
	}
	if stat.Mode().IsDir() {
		return nil, fmt.Errorf("%s is a directory", filePath)
	}

	f, err := c.entry.SFTP.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}

	content := decodeUTF8Lossy(data)
	return &ReadResult{
		Name:    path.Base(filePath),
		Content: content,
		Length:  len(content),
		Found:   true,
	}, nil
}

// CreateDir creates a directory chain in the guest.
func (c *Client) CreateDir(ctx context.Context, dirPath string) error {
	_, stderr, code, err := c.run(ctx, "mkdir -p "+shellQuote(dirPath))
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("mkdir %s: %s", dirPath, strings.TrimSpace(stderr))
	}
	return nil
}

// MovePath renames a path in the guest.
func (c *Client) MovePath(ctx context.Context, src, dst string) error {
	_, stderr, code, err := c.run(ctx, fmt.Sprintf("mv %s %s", shellQuote(src), shellQuote(dst)))
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("mv %s %s: %s", src, dst, strings.TrimSpace(stderr))
	}
	return nil
}

// DeletePath removes a path recursively in the guest.
func (c *Client) DeletePath(ctx context.Context, target string) error {
	_, stderr, code, err := c.run(ctx, "rm -rf "+shellQuote(target))
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("rm -rf %s: %s", target, strings.TrimSpace(stderr))
	}
	return nil
}

// decodeUTF8Lossy replaces invalid UTF-8 sequences with U+FFFD.
func decodeUTF8Lossy(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	var b strings.Builder
	b.Grow(len(data))
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size == 1 {
			b.WriteRune('�')
		} else {
			b.WriteRune(r)
		}
		data = data[size:]
	}
	return b.String()
}
