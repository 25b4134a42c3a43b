package app

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"syncr-go/internal/config"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	root := filepath.Join(base, "tree")
	if err := os.MkdirAll(root, 0755); err != nil {
		t.Fatal(err)
	}
	cfg := config.NewConfig(base, root)
	cfg.Client.RetryDelaySeconds = 1
	cfg.Client.Retries = 1
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, role Role) *App {
	t.Helper()
	a, err := NewApp(cfg, role, "test", false)
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func writeTreeFile(t *testing.T, cfg *config.Config, rel, content string, mtime time.Time) {
	t.Helper()
	p := filepath.Join(cfg.Root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(p, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func TestApp_Scan(t *testing.T) {
	cfg := newTestConfig(t)
	writeTreeFile(t, cfg, "a.txt", "a", time.Unix(1000, 0))
	writeTreeFile(t, cfg, "dir/b.txt", "bb", time.Unix(1000, 0))

	a := newTestApp(t, cfg, RoleClient)
	n, err := a.Scan()
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Scan() = %d, want 2", n)
	}
	if _, err := os.Stat(filepath.Join(cfg.Catalog.DataDir, "client.db")); err != nil {
		t.Errorf("client catalog not created: %v", err)
	}
}

func TestApp_LockIsExclusivePerRole(t *testing.T) {
	cfg := newTestConfig(t)

	first := newTestApp(t, cfg, RoleClient)
	if _, err := first.Scan(); err != nil {
		t.Fatalf("first Scan() error = %v", err)
	}

	second := newTestApp(t, cfg, RoleClient)
	if _, err := second.Scan(); !errors.Is(err, ErrLocked) {
		t.Errorf("second Scan() error = %v, want ErrLocked", err)
	}

	// The other role has its own lock.
	server := newTestApp(t, cfg, RoleServer)
	if _, err := server.Scan(); err != nil {
		t.Errorf("server Scan() error = %v", err)
	}

	// Read-only commands never take the lock.
	if _, err := second.History(10); err != nil {
		t.Errorf("History() error = %v", err)
	}
}

// TestApp_PushAndRestore pushes a changed file over a real socket, then
// restores the overwritten version on the server side.
func TestApp_PushAndRestore(t *testing.T) {
	srvCfg := newTestConfig(t)
	srvCfg.Backup.Encrypt = true
	srvCfg.Encryption.Type = "marker"
	writeTreeFile(t, srvCfg, "notes.txt", "original", time.Unix(1000, 0))

	cliCfg := newTestConfig(t)
	writeTreeFile(t, cliCfg, "notes.txt", "edited on the client", time.Unix(5000, 0))

	srvApp := newTestApp(t, srvCfg, RoleServer)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srvApp.Serve(ctx, ln) }()

	before := time.Now().Add(-time.Minute)
	summary, err := newTestApp(t, cliCfg, RoleClient).Push(context.Background(), "127.0.0.1", port)
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if summary.Sent != 1 {
		t.Errorf("summary = %+v, want one file sent", summary)
	}

	cancel()
	if err := <-served; err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(srvCfg.Root, "notes.txt"))
	if err != nil || string(data) != "edited on the client" {
		t.Fatalf("server file = %q, %v", data, err)
	}

	after := time.Now().Add(time.Minute)
	backups, err := srvApp.ListBackups(before, after)
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) != 1 {
		t.Fatalf("ListBackups() returned %d records, want 1", len(backups))
	}

	asked := false
	n, err := srvApp.Restore(context.Background(), before, after, func() (string, error) {
		asked = true
		return "", nil
	})
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if n != 1 || !asked {
		t.Errorf("Restore() = %d (passphrase asked: %v), want 1 and asked", n, asked)
	}

	data, err = os.ReadFile(filepath.Join(srvCfg.Root, "notes.txt"))
	if err != nil || string(data) != "original" {
		t.Errorf("restored file = %q, %v", data, err)
	}

	sessions, err := srvApp.History(5)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 {
		t.Errorf("History() returned %d sessions, want 1", len(sessions))
	}
}

func TestNewApp_InvalidConfig(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Root = "relative/path"
	if _, err := NewApp(cfg, RoleClient, "test", false); err == nil {
		t.Error("NewApp() with relative root should fail")
	}
}

func TestNewApp_UnknownRole(t *testing.T) {
	cfg := newTestConfig(t)
	if _, err := NewApp(cfg, Role("relay"), "test", false); err == nil {
		t.Error("NewApp() with unknown role should fail")
	}
}

func TestInitKeys(t *testing.T) {
	cfg := newTestConfig(t)
	if err := InitKeys(cfg, "pass"); err != nil {
		t.Fatalf("InitKeys() error = %v", err)
	}
	if _, err := os.Stat(cfg.Encryption.PublicKeyPath); err != nil {
		t.Errorf("public key missing: %v", err)
	}
	if err := InitKeys(cfg, "pass"); err == nil {
		t.Error("second InitKeys() should refuse to replace keys")
	}
}
