package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"syncr-go/internal/backup"
	"syncr-go/internal/catalog"
	"syncr-go/internal/client"
	"syncr-go/internal/config"
	"syncr-go/internal/encryption"
	"syncr-go/internal/fs"
	"syncr-go/internal/server"
	"syncr-go/internal/syncr"
)

// Role selects which catalog an App opens. Both roles may share one base
// directory.
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

// ErrLocked is returned when another process holds the data directory lock
// for the same role.
var ErrLocked = errors.New("data directory is locked by another syncr process")

// App is the application layer between the CLI and the sync engine.
// It constructs all dependencies from config and releases them on Close.
type App struct {
	cfg     *config.Config
	role    Role
	catalog syncr.Catalog
	tree    *fs.Tree
	logger  syncr.Logger
	logFile *os.File
	lock    *flock.Flock
}

// NewApp wires an App for role. command names the CLI command in every log
// line. The caller must call Close when done.
func NewApp(cfg *config.Config, role Role, command string, verbose bool) (*App, error) {
	if role != RoleServer && role != RoleClient {
		return nil, fmt.Errorf("unknown role %q", role)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	tree, err := fs.NewTree(cfg.Root, cfg.Filesystem.Ignore)
	if err != nil {
		return nil, fmt.Errorf("opening root: %w", err)
	}

	cat, err := catalog.NewCatalogFromConfig(cfg.Catalog, string(role), syncr.RealClock{})
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	if err := cat.CheckMigrations(); err != nil {
		cat.Close()
		return nil, fmt.Errorf("catalog schema out of date: %w", err)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	runID := time.Now().UTC().Format("20060102T150405Z")
	logger, logFile, err := newLogger(cfg.LogDir, runID, level)
	if err != nil {
		cat.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	return &App{
		cfg:     cfg,
		role:    role,
		catalog: cat,
		tree:    tree,
		logger:  (&slogAdapter{l: logger}).With("role", string(role), "command", command),
		logFile: logFile,
	}, nil
}

func (a *App) dataDir() string {
	if a.cfg.Catalog.DataDir != "" {
		return a.cfg.Catalog.DataDir
	}
	return a.cfg.BaseDir
}

// acquireLock takes the per-role lock on the data directory. It is held
// until Close. Only commands that mutate the catalog take it.
func (a *App) acquireLock() error {
	if a.lock != nil {
		return nil
	}

	dir := a.dataDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	l := flock.New(filepath.Join(dir, string(a.role)+".lock"))
	locked, err := l.TryLock()
	if err != nil {
		return fmt.Errorf("locking data directory: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrLocked, l.Path())
	}
	a.lock = l
	return nil
}

func (a *App) backupArea(ctx context.Context) (syncr.BackupArea, error) {
	var enc syncr.Encryptor
	if a.cfg.Backup.Encrypt {
		var err error
		if enc, err = encryption.NewEncryptorFromConfig(a.cfg.Encryption); err != nil {
			return nil, fmt.Errorf("creating encryptor: %w", err)
		}
	}

	area, err := backup.NewAreaFromConfig(ctx, a.cfg.Backup, enc)
	if err != nil {
		return nil, fmt.Errorf("creating backup area: %w", err)
	}
	if err := area.ValidateSetup(); err != nil {
		return nil, err
	}
	return area, nil
}

// Scan refreshes the catalog from the tree and returns the number of files.
func (a *App) Scan() (int, error) {
	if err := a.acquireLock(); err != nil {
		return 0, err
	}
	n, err := a.catalog.RefreshCatalog(a.tree.Walk())
	if err != nil {
		return 0, err
	}
	a.logger.Info("scan complete", "files", n)
	return n, nil
}

// Listen opens the server's TCP listener. Port 0 uses the configured port.
func (a *App) Listen(port int) (net.Listener, error) {
	if port == 0 {
		port = a.cfg.Server.Port
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("%w: listening on port %d: %w", syncr.ErrConnection, port, err)
	}
	return ln, nil
}

// Serve refreshes the catalog and serves sync connections on ln until ctx
// is cancelled.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()

	if err := a.acquireLock(); err != nil {
		return err
	}
	area, err := a.backupArea(ctx)
	if err != nil {
		return err
	}

	srv := server.New(a.catalog, a.tree, area, server.Options{
		MaxConnections: a.cfg.Server.MaxConnections,
		IOTimeout:      a.cfg.Server.IOTimeout(),
		TempDir:        a.cfg.Catalog.DataDir,
	}, syncr.RealClock{}, syncr.UUIDGenerator{}, a.logger)

	if _, err := srv.RefreshCatalog(); err != nil {
		return err
	}
	return srv.Serve(ctx, ln)
}

// Push syncs the tree to the server at host:port. Empty host and zero port
// fall back to the client config.
func (a *App) Push(ctx context.Context, host string, port int) (*client.Summary, error) {
	if err := a.acquireLock(); err != nil {
		return nil, err
	}
	if host == "" {
		host = a.cfg.Client.ServerHost
	}
	if port == 0 {
		port = a.cfg.Client.ServerPort
	}

	cc := a.cfg.Client
	d := client.NewDriver(a.catalog, a.tree, net.JoinHostPort(host, fmt.Sprint(port)), client.Options{
		Thresholds: syncr.Thresholds{
			SizeBytes:   cc.SizeThresholdBytes,
			TimeSeconds: cc.TimeThresholdSeconds,
		},
		Attempts:    cc.Retries,
		RetryDelay:  cc.RetryDelay(),
		DialTimeout: cc.IOTimeout(),
		IOTimeout:   cc.IOTimeout(),
		DataDir:     a.dataDir(),
	}, syncr.RealClock{}, a.logger)
	return d.Run(ctx)
}

// Restore returns every path backed up within [start, end] to its most
// recent backup in that window. passphrase is called only when the backup
// area is encrypted.
func (a *App) Restore(ctx context.Context, start, end time.Time, passphrase func() (string, error)) (int, error) {
	if err := a.acquireLock(); err != nil {
		return 0, err
	}
	area, err := a.backupArea(ctx)
	if err != nil {
		return 0, err
	}

	if enc, ok := area.(*backup.EncryptedArea); ok {
		pass, err := passphrase()
		if err != nil {
			return 0, fmt.Errorf("reading passphrase: %w", err)
		}
		if err := enc.Unlock(pass); err != nil {
			return 0, err
		}
	}

	r := syncr.NewRestorer(a.catalog, area, a.tree, a.logger)
	return r.RestoreRange(ctx, syncr.Seconds(start), syncr.Seconds(end))
}

// ListBackups returns backups taken within [start, end], newest first.
func (a *App) ListBackups(start, end time.Time) ([]*syncr.BackupRecord, error) {
	return a.catalog.FindBackups(syncr.Seconds(start), syncr.Seconds(end))
}

// History returns the most recent sync sessions.
func (a *App) History(limit int) ([]*syncr.SyncSession, error) {
	return a.catalog.ListSessions(limit)
}

// Close releases the lock and closes the catalog and log file.
func (a *App) Close() error {
	var errs []error
	if err := a.catalog.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing catalog: %w", err))
	}
	if a.lock != nil {
		if err := a.lock.Unlock(); err != nil {
			errs = append(errs, fmt.Errorf("releasing lock: %w", err))
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return errors.Join(errs...)
}

// InitKeys generates the backup encryption key pair.
func InitKeys(cfg *config.Config, passphrase string) error {
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return err
	}
	return enc.Setup(passphrase)
}
