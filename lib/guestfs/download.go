package guestfs

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path"

	"golang.org/x/crypto/ssh"
)

// ArchiveFormat is the container format of a folder download.
type ArchiveFormat string

const (
	FormatZip   ArchiveFormat = "zip"
	FormatTarGz ArchiveFormat = "tar.gz"
)

// DownloadFile opens a regular guest file for streaming. The returned size
// comes from the SFTP stat; content type is inferred from the extension.
func (c *Client) DownloadFile(ctx context.Context, filePath string) (io.ReadCloser, int64, string, error) {
	stat, err := c.entry.SFTP.Stat(filePath)
	if err != nil {
		return nil, 0, "", fmt.Errorf("stat: %w", err)
	}
	if !stat.Mode().IsRegular() {
		return nil, 0, "", fmt.Errorf("%s is not a regular file", filePath)
	}

	f, err := c.entry.SFTP.Open(filePath)
	if err != nil {
		return nil, 0, "", fmt.Errorf("open: %w", err)
	}

	contentType := mime.TypeByExtension(path.Ext(filePath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return f, stat.Size(), contentType, nil
}

// ArchiveStream is a streaming folder download. The caller must drain
// Reader and then call Wait: a nonzero archiver exit is an error even when
// stdout produced bytes.
type ArchiveStream struct {
	Reader io.Reader
	Format ArchiveFormat

	session *ssh.Session
	stderr  *boundedBuffer
}

// Wait reaps the remote archiver and reports its exit status.
func (a *ArchiveStream) Wait() error {
	defer a.session.Close()
	if err := a.session.Wait(); err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			return fmt.Errorf("archive command exited %d: %s", exitErr.ExitStatus(), a.stderr.String())
		}
		return fmt.Errorf("archive command: %w", err)
	}
	return nil
}

// Close abandons the stream without waiting.
func (a *ArchiveStream) Close() error {
	return a.session.Close()
}

// DownloadFolder archives a guest directory on the fly and streams the
// archive. zip is used when available and preferred; tar.gz otherwise.
func (c *Client) DownloadFolder(ctx context.Context, root string, preferFmt ArchiveFormat) (*ArchiveStream, error) {
	format := FormatTarGz
	if preferFmt != FormatTarGz {
		if _, _, code, err := c.run(ctx, "command -v zip >/dev/null"); err == nil && code == 0 {
			format = FormatZip
		}
	}

	var cmd string
	switch format {
	case FormatZip:
		cmd = fmt.Sprintf("cd %s && zip -r -q - .", shellQuote(root))
	default:
		cmd = fmt.Sprintf("tar -C %s -czf - .", shellQuote(root))
	}

	session, err := c.entry.Client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	stderr := newBoundedBuffer(4096)
	session.Stderr = stderr

	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, fmt.Errorf("start archive: %w", err)
	}

	return &ArchiveStream{
		Reader:  stdout,
		Format:  format,
		session: session,
		stderr:  stderr,
	}, nil
}

// boundedBuffer keeps the first n bytes written and drops the rest, so a
// chatty archiver cannot balloon error messages.
type boundedBuffer struct {
	limit int
	data  []byte
}

func newBoundedBuffer(limit int) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if remaining := b.limit - len(b.data); remaining > 0 {
		if len(p) > remaining {
			b.data = append(b.data, p[:remaining]...)
		} else {
			b.data = append(b.data, p...)
		}
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	return string(b.data)
}
