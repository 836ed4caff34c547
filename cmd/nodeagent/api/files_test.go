package api

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func archiveServer(t *testing.T, body string, wait func() error) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		copyArchive(r.Context(), w, strings.NewReader(body), wait)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCopyArchiveStreamsCleanExit(t *testing.T) {
	srv := archiveServer(t, "archive-bytes", func() error { return nil })

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "archive-bytes", string(data))
}

func TestCopyArchiveAbortsOnArchiverFailure(t *testing.T) {
	// Enough body to push the 200 header and the first chunks onto the
	// wire before the exit status comes back.
	body := strings.Repeat("x", 64*1024)
	srv := archiveServer(t, body, func() error {
		return errors.New("archive command exited 1")
	})

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The failure must surface as a broken transfer, not a clean EOF.
	_, err = io.ReadAll(resp.Body)
	require.Error(t, err)
}
