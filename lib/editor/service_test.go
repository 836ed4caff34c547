package editor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/fleetplane/fleetplane/lib/catalog"
	"github.com/fleetplane/fleetplane/lib/guestfs"
)

type fakeBackend struct {
	files    map[string]string
	execCmds []string
	execCode int
	execOut  string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{files: make(map[string]string)}
}

func (f *fakeBackend) ListDirs(ctx context.Context, vmID string, paths []string, depth int) ([]guestfs.DirEntry, error) {
	entries := make([]guestfs.DirEntry, 0, len(paths))
	for _, p := range paths {
		entries = append(entries, guestfs.DirEntry{Path: p, Name: "app", PathType: guestfs.PathTypeDirectory})
	}
	return entries, nil
}

func (f *fakeBackend) ReadFile(ctx context.Context, vmID, path string) (*guestfs.ReadResult, error) {
	content, ok := f.files[path]
	if !ok {
		return &guestfs.ReadResult{Name: path, Found: false}, nil
	}
	return &guestfs.ReadResult{Name: path, Content: content, Length: len(content), Found: true}, nil
}

func (f *fakeBackend) UploadFiles(ctx context.Context, vmID string, req guestfs.UploadRequest) (*guestfs.UploadResult, error) {
	for _, file := range req.Files {
		f.files[req.DestPath+"/"+file.Path] = file.Text
	}
	return &guestfs.UploadResult{OK: len(req.Files)}, nil
}

func (f *fakeBackend) CreateDir(ctx context.Context, vmID, path string) error {
	return nil
}

func (f *fakeBackend) ExecuteSh(ctx context.Context, vmID, command string, timeout time.Duration) (string, int, error) {
	f.execCmds = append(f.execCmds, command)
	return f.execOut, f.execCode, nil
}

func (f *fakeBackend) Search(ctx context.Context, vmID string, req guestfs.SearchRequest) (*guestfs.SearchResult, error) {
	return &guestfs.SearchResult{}, nil
}

func testService(t *testing.T) (*Service, *fakeBackend) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	backend := newFakeBackend()
	return NewService(backend, catalog.NewRevisions(rdb, "test")), backend
}

func prevRev(v int64) *int64 { return &v }

func TestWriteFileBumpsRevision(t *testing.T) {
	svc, backend := testService(t)
	ctx := context.Background()

	reply, bc := svc.dispatch(ctx, "c1", "vm1", &Request{
		ReqID: 1, Action: ActionWriteFile, Path: "/app/a.txt", Content: "hello",
	})
	require.Equal(t, "ok", reply.Event)
	require.NotNil(t, reply.Rev)
	require.Equal(t, int64(1), *reply.Rev)
	require.NotNil(t, bc)
	require.Equal(t, "file_changed", bc.Event)
	require.Equal(t, "/app/a.txt", bc.Path)
	require.Equal(t, int64(1), bc.Rev)
	require.Equal(t, "hello", backend.files["/app/a.txt"])
}

func TestWriteFileConflict(t *testing.T) {
	svc, backend := testService(t)
	ctx := context.Background()

	// Two editors both read rev 0; the first write wins.
	first, _ := svc.dispatch(ctx, "c1", "vm1", &Request{
		ReqID: 1, Action: ActionWriteFile, Path: "/app/a.txt", Content: "first", PrevRev: prevRev(0),
	})
	require.Equal(t, "ok", first.Event)
	require.Equal(t, int64(1), *first.Rev)

	second, bc := svc.dispatch(ctx, "c1", "vm1", &Request{
		ReqID: 2, Action: ActionWriteFile, Path: "/app/a.txt", Content: "second", PrevRev: prevRev(0),
	})
	require.Equal(t, "error", second.Event)
	require.Equal(t, "conflict", second.Error)
	require.NotNil(t, second.Rev)
	require.Equal(t, int64(1), *second.Rev)
	require.Nil(t, bc)

	// The losing content never reached the guest.
	require.Equal(t, "first", backend.files["/app/a.txt"])
}

func TestWriteFileWithoutPrevRevSkipsCheck(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	r1, _ := svc.dispatch(ctx, "c1", "vm1", &Request{ReqID: 1, Action: ActionWriteFile, Path: "/app/a.txt", Content: "x"})
	r2, _ := svc.dispatch(ctx, "c1", "vm1", &Request{ReqID: 2, Action: ActionWriteFile, Path: "/app/a.txt", Content: "y"})
	require.Equal(t, "ok", r1.Event)
	require.Equal(t, "ok", r2.Event)
	require.Equal(t, int64(2), *r2.Rev)
}

func TestWriteFileRejectsEscape(t *testing.T) {
	svc, _ := testService(t)

	reply, bc := svc.dispatch(context.Background(), "c1", "vm1", &Request{
		ReqID: 1, Action: ActionWriteFile, Path: "/app/../etc/passwd", Content: "x",
	})
	require.Equal(t, "error", reply.Event)
	require.Equal(t, ErrPathEscapes.Error(), reply.Error)
	require.Nil(t, bc)
}

func TestReadFileReturnsRevision(t *testing.T) {
	svc, backend := testService(t)
	ctx := context.Background()
	backend.files["/app/a.txt"] = "hello"

	svc.dispatch(ctx, "c1", "vm1", &Request{ReqID: 1, Action: ActionWriteFile, Path: "/app/a.txt", Content: "hello"})
	reply := svc.readFile(ctx, "c1", "vm1", &Request{ReqID: 2, Path: "/app/a.txt"})
	require.Equal(t, "ok", reply.Event)
	require.Equal(t, int64(1), *reply.Rev)

	data := reply.Data.(map[string]any)
	require.Equal(t, "hello", data["content"])
	require.Equal(t, true, data["found"])
}

func TestReadFileMissingIsNotError(t *testing.T) {
	svc, _ := testService(t)

	reply := svc.readFile(context.Background(), "c1", "vm1", &Request{ReqID: 1, Path: "/app/nope.txt"})
	require.Equal(t, "ok", reply.Event)
	require.Equal(t, int64(0), *reply.Rev)
	require.Equal(t, false, reply.Data.(map[string]any)["found"])
}

func TestListDirsDefaultsToSafeRoot(t *testing.T) {
	svc, _ := testService(t)

	reply := svc.listDirs(context.Background(), "vm1", &Request{ReqID: 1, Action: ActionListDirs})
	require.Equal(t, "ok", reply.Event)
	data := reply.Data.(map[string]any)
	require.Equal(t, []string{SafeRoot}, data["path"])
}

func TestListDirsRejectsEscapedPath(t *testing.T) {
	svc, _ := testService(t)

	reply := svc.listDirs(context.Background(), "vm1", &Request{ReqID: 1, Action: ActionListDirs, Paths: "/app/src,/etc"})
	require.Equal(t, "error", reply.Event)
	require.Contains(t, reply.Error, "/etc")
}

func TestMovePathRelativeDestination(t *testing.T) {
	svc, backend := testService(t)

	reply, bc := svc.dispatch(context.Background(), "c1", "vm1", &Request{
		ReqID: 1, Action: ActionMovePath, Src: "/app/old.txt", Dst: "new.txt",
	})
	require.Equal(t, "ok", reply.Event)
	require.NotNil(t, bc)
	require.Equal(t, "path_moved", bc.Event)
	require.Equal(t, "/app/old.txt", bc.Src)
	require.Equal(t, "/app/new.txt", bc.Dst)
	require.Len(t, backend.execCmds, 1)
	require.Equal(t, "mv '/app/old.txt' '/app/new.txt'", backend.execCmds[0])
}

func TestMovePathSurfacesGuestFailure(t *testing.T) {
	svc, backend := testService(t)
	backend.execCode = 1
	backend.execOut = "mv: cannot stat '/app/old.txt'"

	reply, bc := svc.dispatch(context.Background(), "c1", "vm1", &Request{
		ReqID: 1, Action: ActionMovePath, Src: "/app/old.txt", Dst: "new.txt",
	})
	require.Equal(t, "error", reply.Event)
	require.Contains(t, reply.Error, "cannot stat")
	require.Nil(t, bc)
}

func TestDeletePathRefusesRoot(t *testing.T) {
	svc, backend := testService(t)

	reply, bc := svc.dispatch(context.Background(), "c1", "vm1", &Request{
		ReqID: 1, Action: ActionDeletePath, Path: "/app",
	})
	require.Equal(t, "error", reply.Event)
	require.Nil(t, bc)
	require.Empty(t, backend.execCmds)
}

func TestDeletePathBroadcasts(t *testing.T) {
	svc, backend := testService(t)

	reply, bc := svc.dispatch(context.Background(), "c1", "vm1", &Request{
		ReqID: 1, Action: ActionDeletePath, Path: "/app/tmp",
	})
	require.Equal(t, "ok", reply.Event)
	require.Equal(t, "path_deleted", bc.Event)
	require.Equal(t, "rm -rf '/app/tmp'", backend.execCmds[0])
}

func TestCreateDirBroadcasts(t *testing.T) {
	svc, _ := testService(t)

	reply, bc := svc.dispatch(context.Background(), "c1", "vm1", &Request{
		ReqID: 1, Action: ActionCreateDir, Path: "/app/src",
	})
	require.Equal(t, "ok", reply.Event)
	require.Equal(t, "file_changed", bc.Event)
	require.Equal(t, "/app/src", bc.Path)
}

func TestDecodeRequestRejectsUnknownAction(t *testing.T) {
	_, err := decodeRequest([]byte(`{"req_id":1,"action":"format_disk"}`))
	require.ErrorIs(t, err, ErrUnknownAction)
}

func TestDecodeRequestRejectsBadJSON(t *testing.T) {
	_, err := decodeRequest([]byte(`{`))
	require.Error(t, err)
}

func TestHubBroadcastReachesGroupOnly(t *testing.T) {
	hub := NewHub()
	a1 := newClient()
	a2 := newClient()
	b := newClient()
	hub.register("ca", a1)
	hub.register("ca", a2)
	hub.register("cb", b)

	hub.broadcast("ca", Broadcast{Event: "file_changed", Path: "/app/x", Rev: 3})

	require.Len(t, a1.send, 1)
	require.Len(t, a2.send, 1)
	require.Len(t, b.send, 0)

	hub.unregister("ca", a1)
	require.Equal(t, 1, hub.groupSize("ca"))
	hub.unregister("ca", a2)
	require.Equal(t, 0, hub.groupSize("ca"))
}

func TestClientEnqueueDropsWhenFull(t *testing.T) {
	c := newClient()
	for i := 0; i < sendQueueSize+10; i++ {
		c.enqueue(i)
	}
	require.Len(t, c.send, sendQueueSize)
}

func TestReplySerialization(t *testing.T) {
	rev := int64(4)
	raw, err := json.Marshal(okReply(7, map[string]any{"rev": rev}, &rev))
	require.NoError(t, err)
	require.JSONEq(t, `{"event":"ok","req_id":7,"data":{"rev":4},"rev":4}`, string(raw))
}
