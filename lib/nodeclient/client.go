// Package nodeclient is the control plane's HTTP/WS client for node
// agents.
package nodeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetplane/fleetplane/lib/cpstore"
	"github.com/fleetplane/fleetplane/lib/guestfs"
	"github.com/fleetplane/fleetplane/lib/vm"
)

const defaultTimeout = 30 * time.Second

// Client talks to one node agent.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client for the given node.
func New(node *cpstore.Node) *Client {
	return &Client{
		baseURL: strings.TrimRight(node.BaseURL, "/"),
		token:   node.AuthToken,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// errEnvelope is the node agent's JSON error shape.
type errEnvelope struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var env errEnvelope
		if json.NewDecoder(resp.Body).Decode(&env) == nil && env.Error != "" {
			return fmt.Errorf("%s %s: %s (status %d)", method, path, env.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// Health probes the node's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// CreateVM provisions a new VM record on the node.
func (c *Client) CreateVM(ctx context.Context, id string, req vm.CreateRequest) (*vm.Record, error) {
	var rec vm.Record
	req.ID = id
	if err := c.do(ctx, http.MethodPost, "/vms", req, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetVM fetches (and node-side reconciles) one VM record.
func (c *Client) GetVM(ctx context.Context, id string) (*vm.Record, error) {
	var rec vm.Record
	if err := c.do(ctx, http.MethodGet, "/vms/"+url.PathEscape(id), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetVMs fetches a batch of VM records by id. Missing ids are absent from
// the result.
func (c *Client) GetVMs(ctx context.Context, ids []string) ([]vm.Record, error) {
	escaped := make([]string, len(ids))
	for i, id := range ids {
		escaped[i] = url.PathEscape(id)
	}
	var recs []vm.Record
	if err := c.do(ctx, http.MethodGet, "/vms/list/"+strings.Join(escaped, ","), nil, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// DeleteVM removes the record (and any process) for a VM.
func (c *Client) DeleteVM(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/vms/"+url.PathEscape(id), nil, nil)
}

// ActionVM triggers start, stop, or reboot.
func (c *Client) ActionVM(ctx context.Context, id string, action vm.Action, cleanupDisks bool) error {
	payload := map[string]any{"action": action, "cleanup_disks": cleanupDisks}
	return c.do(ctx, http.MethodPost, "/vms/"+url.PathEscape(id)+"/actions", payload, nil)
}

// UploadFiles writes a batch of files into the guest.
func (c *Client) UploadFiles(ctx context.Context, id string, req guestfs.UploadRequest) (*guestfs.UploadResult, error) {
	var res guestfs.UploadResult
	if err := c.do(ctx, http.MethodPost, "/vms/"+url.PathEscape(id)+"/upload-files", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListDirs walks guest directories.
func (c *Client) ListDirs(ctx context.Context, id string, paths []string, depth int) ([]guestfs.DirEntry, error) {
	payload := map[string]any{"paths": paths, "depth": depth}
	var out struct {
		Entries []guestfs.DirEntry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodPost, "/vms/"+url.PathEscape(id)+"/list-dirs", payload, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// ReadFile reads one guest file.
func (c *Client) ReadFile(ctx context.Context, id, path string) (*guestfs.ReadResult, error) {
	payload := map[string]string{"path": path}
	var res guestfs.ReadResult
	if err := c.do(ctx, http.MethodPost, "/vms/"+url.PathEscape(id)+"/read-file", payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CreateDir creates a guest directory chain.
func (c *Client) CreateDir(ctx context.Context, id, path string) error {
	payload := map[string]string{"path": path}
	return c.do(ctx, http.MethodPost, "/vms/"+url.PathEscape(id)+"/create-dir", payload, nil)
}

// ExecuteSh runs a shell command in the guest and returns combined output
// with the exit code.
func (c *Client) ExecuteSh(ctx context.Context, id, command string, timeout time.Duration) (string, int, error) {
	payload := map[string]any{"command": command}
	if timeout > 0 {
		payload["timeout"] = timeout.Seconds()
	}
	var out struct {
		Output   string `json:"output"`
		ExitCode int    `json:"exit_code"`
	}
	if err := c.do(ctx, http.MethodPost, "/vms/"+url.PathEscape(id)+"/execute-sh", payload, &out); err != nil {
		return "", -1, err
	}
	return out.Output, out.ExitCode, nil
}

// Search greps the guest tree.
func (c *Client) Search(ctx context.Context, id string, req guestfs.SearchRequest) (*guestfs.SearchResult, error) {
	var res guestfs.SearchResult
	if err := c.do(ctx, http.MethodPost, "/vms/"+url.PathEscape(id)+"/search", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// DownloadFile streams one guest file. The caller owns the body; the
// request deliberately has no timeout so large files can stream.
func (c *Client) DownloadFile(ctx context.Context, id, path string) (io.ReadCloser, string, error) {
	u := fmt.Sprintf("%s/vms/%s/download-file?path=%s", c.baseURL, url.PathEscape(id), url.QueryEscape(path))
	return c.stream(ctx, u)
}

// DownloadFolder streams a zip or tar.gz archive of a guest directory.
func (c *Client) DownloadFolder(ctx context.Context, id, root, preferFmt string) (io.ReadCloser, string, error) {
	u := fmt.Sprintf("%s/vms/%s/download-folder?root=%s&prefer_fmt=%s",
		c.baseURL, url.PathEscape(id), url.QueryEscape(root), url.QueryEscape(preferFmt))
	return c.stream(ctx, u)
}

func (c *Client) stream(ctx context.Context, u string) (io.ReadCloser, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	// No client timeout on streaming downloads.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var env errEnvelope
		if json.NewDecoder(resp.Body).Decode(&env) == nil && env.Error != "" {
			return nil, "", fmt.Errorf("download: %s (status %d)", env.Error, resp.StatusCode)
		}
		return nil, "", fmt.Errorf("download: status %d", resp.StatusCode)
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

// DialTTY opens the interactive console WebSocket for a VM.
func (c *Client) DialTTY(ctx context.Context, id string) (*websocket.Conn, error) {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/vms/" + url.PathEscape(id) + "/tty"
	header := http.Header{"Authorization": {"Bearer " + c.token}}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial tty: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial tty: %w", err)
	}
	return conn, nil
}
