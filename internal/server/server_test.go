package server

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"syncr-go/internal/backup"
	"syncr-go/internal/catalog"
	"syncr-go/internal/fs"
	"syncr-go/internal/protocol"
	"syncr-go/internal/syncr"
	"syncr-go/internal/testutil"
)

type fixture struct {
	t       *testing.T
	server  *Server
	catalog *catalog.SQLiteCatalog
	area    *backup.MemoryArea
	tree    *fs.Tree
	root    string
	addr    string
}

func startServer(t *testing.T) *fixture {
	t.Helper()

	clock := testutil.FixedClock()
	tree, root := testutil.NewTestTree(t)
	f := &fixture{
		t:       t,
		catalog: testutil.NewTestCatalog(t, clock),
		area:    backup.NewMemoryArea(),
		tree:    tree,
		root:    root,
	}
	f.server = New(f.catalog, tree, f.area, Options{
		MaxConnections: 4,
		IOTimeout:      5 * time.Second,
		TempDir:        t.TempDir(),
	}, clock, testutil.NewStubIDGenerator(), syncr.NewNopLogger())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	f.addr = ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.server.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	})
	return f
}

type peer struct {
	t    *testing.T
	conn net.Conn
}

func (f *fixture) dial() *peer {
	f.t.Helper()
	conn, err := net.DialTimeout("tcp", f.addr, 5*time.Second)
	if err != nil {
		f.t.Fatalf("Dial() error = %v", err)
	}
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	f.t.Cleanup(func() { conn.Close() })
	return &peer{t: f.t, conn: conn}
}

func (p *peer) send(msg any) {
	p.t.Helper()
	if err := protocol.Send(p.conn, msg); err != nil {
		p.t.Fatalf("Send() error = %v", err)
	}
}

func (p *peer) recv(v any) {
	p.t.Helper()
	if err := protocol.Receive(p.conn, v); err != nil {
		p.t.Fatalf("Receive() error = %v", err)
	}
}

func (p *peer) expect(status string) {
	p.t.Helper()
	var msg protocol.StatusMessage
	p.recv(&msg)
	if msg.Status != status {
		p.t.Fatalf("status = %q (%s), want %q", msg.Status, msg.Message, status)
	}
}

// push runs a complete file_sync exchange and returns the per-file statuses
// and the received_files count.
func (p *peer) push(files map[string]string, declared map[string]string) ([]string, int) {
	p.t.Helper()

	var descs []syncr.FileDescriptor
	var order []string
	for path, content := range files {
		hash := testutil.MD5Hex([]byte(content))
		if h, ok := declared[path]; ok {
			hash = h
		}
		descs = append(descs, syncr.FileDescriptor{Path: path, Size: int64(len(content)), ModifiedTime: 1700000000, Hash: hash})
		order = append(order, path)
	}

	p.send(protocol.NewFileSyncRequest(descs))
	p.expect(protocol.StatusReady)

	var statuses []string
	for _, path := range order {
		p.expect(protocol.StatusReadyForFile)
		if err := protocol.SendPayload(p.conn, strings.NewReader(files[path]), int64(len(files[path]))); err != nil {
			p.t.Fatalf("SendPayload() error = %v", err)
		}
		var msg protocol.StatusMessage
		p.recv(&msg)
		statuses = append(statuses, msg.Status)
	}

	var done protocol.SyncComplete
	p.recv(&done)
	if done.Status != protocol.StatusSyncComplete {
		p.t.Fatalf("final status = %q, want sync_complete", done.Status)
	}
	return statuses, done.ReceivedFiles
}

func TestServer_TimeSync(t *testing.T) {
	f := startServer(t)
	p := f.dial()

	clientTime := syncr.Seconds(time.Date(2024, 1, 15, 10, 29, 0, 0, time.UTC))
	p.send(protocol.NewTimeSyncRequest(clientTime))

	var resp protocol.TimeSyncResponse
	p.recv(&resp)
	if resp.Status != protocol.StatusOK {
		t.Fatalf("status = %q", resp.Status)
	}
	if resp.ClientTime != clientTime {
		t.Errorf("client_time = %v, want %v", resp.ClientTime, clientTime)
	}
	if resp.TimeDiff != 60 {
		t.Errorf("time_diff = %v, want 60", resp.TimeDiff)
	}
}

func TestServer_FileSync_NewFile(t *testing.T) {
	f := startServer(t)
	p := f.dial()

	statuses, received := p.push(map[string]string{"docs/new.txt": "fresh content"}, nil)
	if received != 1 || statuses[0] != protocol.StatusFileReceived {
		t.Fatalf("statuses = %v, received = %d", statuses, received)
	}

	if got := string(testutil.ReadFile(t, f.root, "docs/new.txt")); got != "fresh content" {
		t.Errorf("content = %q", got)
	}
	info, err := os.Stat(filepath.Join(f.root, "docs", "new.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if info.ModTime().Unix() != 1700000000 {
		t.Errorf("mtime = %v, want declared 1700000000", info.ModTime().Unix())
	}

	rec, err := f.catalog.GetRecord("docs/new.txt")
	if err != nil || rec == nil {
		t.Fatalf("GetRecord() = %v, %v", rec, err)
	}
	if rec.ContentHash != testutil.MD5Hex([]byte("fresh content")) || rec.ModifiedTime != 1700000000 {
		t.Errorf("record = %+v", rec)
	}

	backups, err := f.catalog.FindBackups(0, 1e12)
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) != 0 {
		t.Errorf("new file produced %d backups, want 0", len(backups))
	}

	sessions, err := f.catalog.ListSessions(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].Status != syncr.SessionComplete || sessions[0].Received != 1 {
		t.Errorf("sessions = %+v", sessions)
	}
}

func TestServer_FileSync_OverwriteBacksUpOldContent(t *testing.T) {
	f := startServer(t)
	testutil.WriteFile(t, f.root, "report.txt", []byte("old version"), time.Unix(1600000000, 0))

	p := f.dial()
	_, received := p.push(map[string]string{"report.txt": "new version"}, nil)
	if received != 1 {
		t.Fatalf("received = %d, want 1", received)
	}

	backups, err := f.catalog.FindBackups(0, 1e12)
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) != 1 {
		t.Fatalf("got %d backups, want 1", len(backups))
	}
	b := backups[0]
	if b.OriginalPath != "report.txt" {
		t.Errorf("original path = %q", b.OriginalPath)
	}
	if b.ContentHash != testutil.MD5Hex([]byte("old version")) {
		t.Errorf("backup hash = %s, want hash of pre-overwrite content", b.ContentHash)
	}
	if b.ModifiedTime != 1600000000 {
		t.Errorf("backup mtime = %v, want 1600000000", b.ModifiedTime)
	}
	if !strings.HasPrefix(b.BackupPath, "report.txt_20240115T103000Z_") {
		t.Errorf("backup key = %q", b.BackupPath)
	}

	var artifact bytes.Buffer
	if err := f.area.Get(b.BackupPath, &artifact); err != nil {
		t.Fatalf("artifact Get() error = %v", err)
	}
	if artifact.String() != "old version" {
		t.Errorf("artifact = %q, want old content", artifact.String())
	}
	if got := string(testutil.ReadFile(t, f.root, "report.txt")); got != "new version" {
		t.Errorf("live file = %q", got)
	}
}

func TestServer_FileSync_HashMismatch(t *testing.T) {
	f := startServer(t)
	p := f.dial()

	bogus := testutil.MD5Hex([]byte("something else"))
	statuses, received := p.push(map[string]string{"bad.txt": "payload"}, map[string]string{"bad.txt": bogus})
	if received != 0 || statuses[0] != protocol.StatusHashMismatch {
		t.Fatalf("statuses = %v, received = %d", statuses, received)
	}

	rec, err := f.catalog.GetRecord("bad.txt")
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Errorf("catalog updated despite mismatch: %+v", rec)
	}

	sessions, _ := f.catalog.ListSessions(1)
	if len(sessions) != 1 || sessions[0].Status != syncr.SessionPartial {
		t.Errorf("sessions = %+v, want one partial session", sessions)
	}
}

func TestServer_FileSync_IdempotentResend(t *testing.T) {
	f := startServer(t)

	files := map[string]string{"a.txt": "same"}
	f.dial().push(files, nil)
	f.dial().push(files, nil)

	backups, err := f.catalog.FindBackups(0, 1e12)
	if err != nil {
		t.Fatal(err)
	}
	// The second push overwrites identical content, which is still preserved.
	if len(backups) != 1 {
		t.Fatalf("got %d backups, want 1", len(backups))
	}
	records, _ := f.catalog.ListRecords()
	if len(records) != 1 {
		t.Errorf("got %d records, want 1", len(records))
	}
}

func TestServer_UnknownRequestType(t *testing.T) {
	f := startServer(t)
	p := f.dial()

	if err := protocol.WriteFrame(p.conn, []byte(`{"type":"reboot"}`)); err != nil {
		t.Fatal(err)
	}
	var msg protocol.StatusMessage
	p.recv(&msg)
	if msg.Status != protocol.StatusError || msg.Message == "" {
		t.Errorf("response = %+v, want error with message", msg)
	}

	if _, err := protocol.ReadFrame(p.conn); !errors.Is(err, protocol.ErrConnectionClosed) {
		t.Errorf("after error ReadFrame() = %v, want ErrConnectionClosed", err)
	}
}

func TestServer_RejectsEscapingPath(t *testing.T) {
	f := startServer(t)
	p := f.dial()

	p.send(&protocol.FileSyncRequest{
		Kind:  protocol.TypeFileSync,
		Files: []protocol.FileEntry{{Path: "../escape.txt", Size: 1, Hash: testutil.MD5Hex([]byte("x"))}},
	})
	var msg protocol.StatusMessage
	p.recv(&msg)
	if msg.Status != protocol.StatusError {
		t.Errorf("status = %q, want error", msg.Status)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(f.root), "escape.txt")); err == nil {
		t.Error("file written outside the tree root")
	}
}

func TestServer_DBDownload(t *testing.T) {
	f := startServer(t)
	if err := f.catalog.UpsertRecord("x.txt", 3, 1000, testutil.MD5Hex([]byte("xyz"))); err != nil {
		t.Fatal(err)
	}

	p := f.dial()
	p.send(protocol.NewDBDownloadRequest())

	var offer protocol.SnapshotOffer
	p.recv(&offer)
	if offer.Status != protocol.StatusOK || offer.Size <= 0 {
		t.Fatalf("offer = %+v", offer)
	}
	p.send(protocol.StatusMessage{Status: protocol.StatusReady})

	snapPath := filepath.Join(t.TempDir(), "snap.db")
	out, err := os.Create(snapPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := protocol.ReceivePayload(out, p.conn, offer.Size); err != nil {
		t.Fatalf("ReceivePayload() error = %v", err)
	}
	out.Close()

	snap, err := catalog.OpenSnapshot(snapPath)
	if err != nil {
		t.Fatalf("OpenSnapshot() error = %v", err)
	}
	defer snap.Close()
	rec, err := snap.GetRecord("x.txt")
	if err != nil || rec == nil || rec.Size != 3 {
		t.Errorf("snapshot record = %+v, %v", rec, err)
	}

	// The connection stays usable for further requests.
	p.send(protocol.NewTimeSyncRequest(1))
	var ts protocol.TimeSyncResponse
	p.recv(&ts)
	if ts.Status != protocol.StatusOK {
		t.Errorf("follow-up status = %q", ts.Status)
	}
}

func TestServer_RefreshCatalog(t *testing.T) {
	f := startServer(t)
	testutil.WriteFile(t, f.root, "one.txt", []byte("1"), time.Unix(1000, 0))
	testutil.WriteFile(t, f.root, "sub/two.txt", []byte("22"), time.Unix(2000, 0))
	testutil.WriteFile(t, f.root, "skip.log", []byte("ignored"), time.Unix(2000, 0))

	n, err := f.server.RefreshCatalog()
	if err != nil {
		t.Fatalf("RefreshCatalog() error = %v", err)
	}
	if n != 2 {
		t.Errorf("RefreshCatalog() = %d, want 2", n)
	}
}

func TestBackupKey(t *testing.T) {
	ts := time.Date(2024, 1, 15, 10, 30, 0, 0, time.FixedZone("X", 3600))
	tests := []struct {
		path, id, want string
	}{
		{"a.txt", "id-1", "a.txt_20240115T093000Z_id1"},
		{"dir/sub/b.bin", "9f1c2d3e-aaaa-bbbb-cccc-000000000000", "dir/sub/b.bin_20240115T093000Z_9f1c2d3e"},
	}
	for _, tt := range tests {
		if got := backupKey(tt.path, ts, tt.id); got != tt.want {
			t.Errorf("backupKey(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
