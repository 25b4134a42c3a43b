package syncr_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"syncr-go/internal/backup"
	"syncr-go/internal/syncr"
	"syncr-go/internal/testutil"
)

type restoreFixture struct {
	clock   *testutil.StubClock
	catalog syncr.Catalog
	area    *backup.MemoryArea
	tree    syncr.FileTree
	root    string
}

func newRestoreFixture(t *testing.T) *restoreFixture {
	t.Helper()
	clock := testutil.FixedClock()
	tree, root := testutil.NewTestTree(t)
	return &restoreFixture{
		clock:   clock,
		catalog: testutil.NewTestCatalog(t, clock),
		area:    backup.NewMemoryArea(),
		tree:    tree,
		root:    root,
	}
}

// backup stores content as an artifact for path and records it at the
// current clock time.
func (f *restoreFixture) backup(t *testing.T, path, key, content string, mtime float64) *syncr.BackupRecord {
	t.Helper()
	if err := f.area.Put(key, bytes.NewReader([]byte(content)), int64(len(content))); err != nil {
		t.Fatalf("Put(%s) error = %v", key, err)
	}
	rec, err := f.catalog.RecordBackup(path, key, int64(len(content)), mtime, testutil.MD5Hex([]byte(content)))
	if err != nil {
		t.Fatalf("RecordBackup() error = %v", err)
	}
	return rec
}

func TestRestorer_RestoreRange_PicksLatestInWindow(t *testing.T) {
	f := newRestoreFixture(t)
	testutil.WriteFile(t, f.root, "notes.txt", []byte("current"), time.Unix(5000, 0))

	t1 := f.backup(t, "notes.txt", "notes.txt_1", "version one", 1000)
	f.clock.Advance(time.Hour)
	t2 := f.backup(t, "notes.txt", "notes.txt_2", "version two", 2000)
	f.clock.Advance(time.Hour)
	f.backup(t, "notes.txt", "notes.txt_3", "version three", 3000)

	r := syncr.NewRestorer(f.catalog, f.area, f.tree, syncr.NewNopLogger())
	n, err := r.RestoreRange(context.Background(), t1.BackupTime, t2.BackupTime)
	if err != nil {
		t.Fatalf("RestoreRange() error = %v", err)
	}
	if n != 1 {
		t.Errorf("RestoreRange() = %d, want 1", n)
	}

	if got := string(testutil.ReadFile(t, f.root, "notes.txt")); got != "version two" {
		t.Errorf("restored content = %q, want %q", got, "version two")
	}

	entry, err := f.tree.Stat("notes.txt")
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if entry.ModifiedTime != 2000 {
		t.Errorf("restored mtime = %v, want 2000", entry.ModifiedTime)
	}

	cat, err := f.catalog.GetRecord("notes.txt")
	if err != nil || cat == nil {
		t.Fatalf("GetRecord() = %v, %v", cat, err)
	}
	if cat.ContentHash != testutil.MD5Hex([]byte("version two")) {
		t.Errorf("catalog hash = %s, want hash of restored content", cat.ContentHash)
	}
}

func TestRestorer_RestoreRange_RecreatesDeletedFile(t *testing.T) {
	f := newRestoreFixture(t)
	rec := f.backup(t, "deep/dir/file.bin", "deep/dir/file.bin_1", "bytes", 1500)

	r := syncr.NewRestorer(f.catalog, f.area, f.tree, syncr.NewNopLogger())
	n, err := r.RestoreRange(context.Background(), rec.BackupTime, rec.BackupTime)
	if err != nil {
		t.Fatalf("RestoreRange() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("RestoreRange() = %d, want 1", n)
	}
	if got := string(testutil.ReadFile(t, f.root, "deep/dir/file.bin")); got != "bytes" {
		t.Errorf("restored content = %q", got)
	}
}

func TestRestorer_RestoreRange_SkipsMissingArtifact(t *testing.T) {
	f := newRestoreFixture(t)
	present := f.backup(t, "a.txt", "a.txt_1", "aaa", 100)
	missing := f.backup(t, "b.txt", "b.txt_1", "bbb", 100)
	f.area.Delete(missing.BackupPath)

	r := syncr.NewRestorer(f.catalog, f.area, f.tree, syncr.NewNopLogger())
	n, err := r.RestoreRange(context.Background(), present.BackupTime, present.BackupTime)
	if err != nil {
		t.Fatalf("RestoreRange() error = %v", err)
	}
	if n != 1 {
		t.Errorf("RestoreRange() = %d, want 1", n)
	}
	if _, err := f.tree.Stat("b.txt"); err == nil {
		t.Error("b.txt was created despite its artifact being missing")
	}
}

func TestRestorer_RestoreRange_EmptyWindow(t *testing.T) {
	f := newRestoreFixture(t)
	rec := f.backup(t, "a.txt", "a.txt_1", "aaa", 100)

	r := syncr.NewRestorer(f.catalog, f.area, f.tree, syncr.NewNopLogger())
	n, err := r.RestoreRange(context.Background(), rec.BackupTime+1, rec.BackupTime+10)
	if err != nil {
		t.Fatalf("RestoreRange() error = %v", err)
	}
	if n != 0 {
		t.Errorf("RestoreRange() = %d, want 0", n)
	}
}

func TestLatestBackups_TieBreaksOnID(t *testing.T) {
	records := []*syncr.BackupRecord{
		{ID: 1, OriginalPath: "b", BackupTime: 10},
		{ID: 2, OriginalPath: "a", BackupTime: 10},
		{ID: 3, OriginalPath: "a", BackupTime: 10},
		{ID: 4, OriginalPath: "a", BackupTime: 5},
	}

	got := syncr.LatestBackups(records)
	if len(got) != 2 {
		t.Fatalf("LatestBackups() returned %d records, want 2", len(got))
	}
	if got[0].OriginalPath != "a" || got[0].ID != 3 {
		t.Errorf("got[0] = %+v, want path a with ID 3", got[0])
	}
	if got[1].OriginalPath != "b" || got[1].ID != 1 {
		t.Errorf("got[1] = %+v, want path b with ID 1", got[1])
	}
}
