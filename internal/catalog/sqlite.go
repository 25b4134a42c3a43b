// Package catalog implements the sync metadata store on SQLite.
package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/jmoiron/sqlx"

	"syncr-go/internal/catalog/migrations"
	"syncr-go/internal/syncr"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// ErrReadOnly is returned by mutating methods of a snapshot catalog.
var ErrReadOnly = errors.New("catalog is read-only")

// SQLiteCatalog implements syncr.Catalog. Mutations are serialized by mu and
// each runs in its own transaction; reads may proceed concurrently.
type SQLiteCatalog struct {
	mu       sync.RWMutex
	db       *sqlx.DB
	path     string
	clock    syncr.Clock
	readOnly bool
}

// Option configures a SQLiteCatalog.
type Option func(*SQLiteCatalog)

// WithClock sets the clock used to stamp sync and backup times.
func WithClock(c syncr.Clock) Option {
	return func(s *SQLiteCatalog) { s.clock = c }
}

// NewSQLiteCatalog opens the catalog at path, or an in-memory catalog when
// path is ":memory:", and migrates it to the latest schema.
func NewSQLiteCatalog(path string, opts ...Option) (*SQLiteCatalog, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	if err := migrations.MigrateUp(db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrating catalog: %w", syncr.ErrStore, err)
	}

	return newCatalog(db, path, false, opts), nil
}

// OpenSnapshot opens a downloaded catalog snapshot read-only.
func OpenSnapshot(path string, opts ...Option) (*SQLiteCatalog, error) {
	db, err := sqlx.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, fmt.Errorf("%w: opening snapshot: %w", syncr.ErrStore, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: opening snapshot: %w", syncr.ErrStore, err)
	}
	return newCatalog(db, path, true, opts), nil
}

func newCatalog(db *sqlx.DB, path string, readOnly bool, opts []Option) *SQLiteCatalog {
	s := &SQLiteCatalog{
		db:       db,
		path:     path,
		clock:    syncr.RealClock{},
		readOnly: readOnly,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenConnection opens and configures a SQLite connection.
// path can be a file path or ":memory:".
func OpenConnection(path string) (*sqlx.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path)
	}

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open catalog: %w", syncr.ErrStore, err)
	}

	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: failed to enable foreign keys: %w", syncr.ErrStore, err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to open catalog: %w", syncr.ErrStore, err)
	}
	return db, nil
}

// Path returns the location the catalog was opened from.
func (s *SQLiteCatalog) Path() string {
	return s.path
}

type fileRow struct {
	Path         string         `db:"path"`
	Size         int64          `db:"size"`
	ModifiedTime float64        `db:"modified_time"`
	ContentHash  sql.NullString `db:"content_hash"`
	LastSyncTime float64        `db:"last_sync_time"`
}

func (r *fileRow) record() *syncr.FileRecord {
	return &syncr.FileRecord{
		Path:         r.Path,
		Size:         r.Size,
		ModifiedTime: r.ModifiedTime,
		ContentHash:  r.ContentHash.String,
		LastSyncTime: r.LastSyncTime,
	}
}

type backupRow struct {
	ID           int64   `db:"id"`
	OriginalPath string  `db:"original_path"`
	BackupPath   string  `db:"backup_path"`
	Size         int64   `db:"size"`
	ModifiedTime float64 `db:"modified_time"`
	BackupTime   float64 `db:"backup_time"`
	ContentHash  string  `db:"content_hash"`
}

type sessionRow struct {
	ID         int64           `db:"id"`
	SessionID  string          `db:"session_id"`
	Peer       string          `db:"peer"`
	StartedAt  float64         `db:"started_at"`
	FinishedAt sql.NullFloat64 `db:"finished_at"`
	Requested  int             `db:"requested"`
	Received   int             `db:"received"`
	Status     string          `db:"status"`
}

const (
	refreshFileQuery = `
INSERT INTO files (path, size, modified_time, content_hash, last_sync_time)
VALUES (:path, :size, :modified_time, NULL, :last_sync_time)
ON CONFLICT (path) DO UPDATE SET
    content_hash = CASE
        WHEN files.size = excluded.size AND files.modified_time = excluded.modified_time THEN files.content_hash
        ELSE NULL
    END,
    size = excluded.size,
    modified_time = excluded.modified_time,
    last_sync_time = excluded.last_sync_time`

	upsertFileQuery = `
INSERT INTO files (path, size, modified_time, content_hash, last_sync_time)
VALUES (:path, :size, :modified_time, :content_hash, :last_sync_time)
ON CONFLICT (path) DO UPDATE SET
    size = excluded.size,
    modified_time = excluded.modified_time,
    content_hash = excluded.content_hash,
    last_sync_time = excluded.last_sync_time`

	getFileQuery   = `SELECT path, size, modified_time, content_hash, last_sync_time FROM files WHERE path = ?`
	listFilesQuery = `SELECT path, size, modified_time, content_hash, last_sync_time FROM files ORDER BY path`

	insertBackupQuery = `
INSERT INTO backup_files (original_path, backup_path, size, modified_time, backup_time, content_hash)
VALUES (:original_path, :backup_path, :size, :modified_time, :backup_time, :content_hash)`

	findBackupsQuery = `
SELECT id, original_path, backup_path, size, modified_time, backup_time, content_hash
FROM backup_files
WHERE backup_time BETWEEN ? AND ?
ORDER BY backup_time DESC, id DESC`

	insertSessionQuery = `
INSERT INTO sync_sessions (session_id, peer, started_at, requested, status)
VALUES (?, ?, ?, ?, ?)`

	finishSessionQuery = `UPDATE sync_sessions SET finished_at = ?, received = ?, status = ? WHERE id = ?`

	listSessionsQuery = `
SELECT id, session_id, peer, started_at, finished_at, requested, received, status
FROM sync_sessions
ORDER BY id DESC
LIMIT ?`
)

func storeErr(action string, err error) error {
	return fmt.Errorf("%w: %s: %w", syncr.ErrStore, action, err)
}

func (s *SQLiteCatalog) now() float64 {
	return syncr.Seconds(s.clock.Now())
}

// withTx runs fn in a transaction while holding the write lock. The
// transaction is committed only if fn succeeds.
func (s *SQLiteCatalog) withTx(fn func(tx *sqlx.Tx) error) error {
	if s.readOnly {
		return ErrReadOnly
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Beginx()
	if err != nil {
		return storeErr("starting transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storeErr("committing transaction", err)
	}
	return nil
}

// File records

func (s *SQLiteCatalog) RefreshCatalog(entries iter.Seq2[syncr.ScanEntry, error]) (int, error) {
	count := 0
	err := s.withTx(func(tx *sqlx.Tx) error {
		stmt, err := tx.PrepareNamed(refreshFileQuery)
		if err != nil {
			return storeErr("preparing refresh", err)
		}
		defer stmt.Close()

		now := s.now()
		for entry, err := range entries {
			if err != nil {
				return fmt.Errorf("%w: %w", syncr.ErrScanFailure, err)
			}
			path, err := syncr.CleanPath(entry.Path)
			if err != nil {
				return fmt.Errorf("%w: %w", syncr.ErrScanFailure, err)
			}
			row := fileRow{
				Path:         path,
				Size:         entry.Size,
				ModifiedTime: entry.ModifiedTime,
				LastSyncTime: now,
			}
			if _, err := stmt.Exec(row); err != nil {
				return storeErr("refreshing "+path, err)
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *SQLiteCatalog) GetRecord(path string) (*syncr.FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var row fileRow
	if err := s.db.Get(&row, getFileQuery, path); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storeErr("getting record", err)
	}
	return row.record(), nil
}

func (s *SQLiteCatalog) ListRecords() ([]*syncr.FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []fileRow
	if err := s.db.Select(&rows, listFilesQuery); err != nil {
		return nil, storeErr("listing records", err)
	}

	records := make([]*syncr.FileRecord, len(rows))
	for i := range rows {
		records[i] = rows[i].record()
	}
	return records, nil
}

func (s *SQLiteCatalog) UpsertRecord(path string, size int64, mtime float64, hash string) error {
	path, err := syncr.CleanPath(path)
	if err != nil {
		return err
	}

	row := fileRow{
		Path:         path,
		Size:         size,
		ModifiedTime: mtime,
		ContentHash:  sql.NullString{String: hash, Valid: hash != ""},
		LastSyncTime: s.now(),
	}
	return s.withTx(func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExec(upsertFileQuery, row); err != nil {
			return storeErr("upserting "+path, err)
		}
		return nil
	})
}

// Backup records

func (s *SQLiteCatalog) RecordBackup(originalPath, backupPath string, size int64, mtime float64, hash string) (*syncr.BackupRecord, error) {
	row := backupRow{
		OriginalPath: originalPath,
		BackupPath:   backupPath,
		Size:         size,
		ModifiedTime: mtime,
		BackupTime:   s.now(),
		ContentHash:  hash,
	}

	err := s.withTx(func(tx *sqlx.Tx) error {
		res, err := tx.NamedExec(insertBackupQuery, row)
		if err != nil {
			return storeErr("recording backup", err)
		}
		row.ID, err = res.LastInsertId()
		if err != nil {
			return storeErr("reading backup id", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return row.record(), nil
}

func (r *backupRow) record() *syncr.BackupRecord {
	return &syncr.BackupRecord{
		ID:           r.ID,
		OriginalPath: r.OriginalPath,
		BackupPath:   r.BackupPath,
		Size:         r.Size,
		ModifiedTime: r.ModifiedTime,
		BackupTime:   r.BackupTime,
		ContentHash:  r.ContentHash,
	}
}

func (s *SQLiteCatalog) FindBackups(start, end float64) ([]*syncr.BackupRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []backupRow
	if err := s.db.Select(&rows, findBackupsQuery, start, end); err != nil {
		return nil, storeErr("finding backups", err)
	}

	records := make([]*syncr.BackupRecord, len(rows))
	for i := range rows {
		records[i] = rows[i].record()
	}
	return records, nil
}

// Sessions

func (s *SQLiteCatalog) StartSession(sessionID, peer string, requested int) (int64, error) {
	var id int64
	err := s.withTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(insertSessionQuery, sessionID, peer, s.now(), requested, syncr.SessionRunning)
		if err != nil {
			return storeErr("starting session", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return storeErr("reading session id", err)
		}
		return nil
	})
	return id, err
}

func (s *SQLiteCatalog) FinishSession(id int64, received int, status string) error {
	return s.withTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(finishSessionQuery, s.now(), received, status, id)
		if err != nil {
			return storeErr("finishing session", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return storeErr("finishing session", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: session %d not found", syncr.ErrStore, id)
		}
		return nil
	})
}

func (s *SQLiteCatalog) ListSessions(limit int) ([]*syncr.SyncSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []sessionRow
	if err := s.db.Select(&rows, listSessionsQuery, limit); err != nil {
		return nil, storeErr("listing sessions", err)
	}

	sessions := make([]*syncr.SyncSession, len(rows))
	for i, r := range rows {
		sessions[i] = &syncr.SyncSession{
			ID:         r.ID,
			SessionID:  r.SessionID,
			Peer:       r.Peer,
			StartedAt:  r.StartedAt,
			FinishedAt: r.FinishedAt.Float64,
			Requested:  r.Requested,
			Received:   r.Received,
			Status:     r.Status,
		}
	}
	return sessions, nil
}

// Maintenance

// SnapshotTo writes a compacted copy of the catalog to destPath using
// VACUUM INTO. The copy uses a rollback journal so it can be opened
// read-only without companion files.
func (s *SQLiteCatalog) SnapshotTo(destPath string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return storeErr("snapshotting catalog", err)
	}

	snap, err := sql.Open("sqlite3", destPath)
	if err != nil {
		return storeErr("opening snapshot", err)
	}
	defer snap.Close()
	if _, err := snap.Exec("PRAGMA journal_mode = DELETE"); err != nil {
		return storeErr("setting snapshot journal mode", err)
	}
	return nil
}

func (s *SQLiteCatalog) CheckMigrations() error {
	return migrations.CheckStatus(s.db.DB)
}

func (s *SQLiteCatalog) Close() error {
	return s.db.Close()
}

var _ syncr.Catalog = (*SQLiteCatalog)(nil)
