package syncr

import "iter"

// CatalogReader is the read side of a catalog. A downloaded snapshot of the
// remote catalog is opened through this interface only.
type CatalogReader interface {
	// GetRecord returns the record for path, or nil if the path is unknown.
	GetRecord(path string) (*FileRecord, error)

	// ListRecords returns every record ordered by path.
	ListRecords() ([]*FileRecord, error)

	Close() error
}

// Catalog is the durable metadata store for one side of a sync.
// Every mutation runs in its own transaction and is committed before the
// method returns. Implementations serialize mutations internally.
type Catalog interface {
	CatalogReader

	// RefreshCatalog inserts or replaces one record per scanned entry, stamping
	// LastSyncTime with the current time. A stored hash survives only when the
	// entry's size and modification time are unchanged. Either every entry is
	// committed or none is; an error yielded by entries aborts the refresh
	// with ErrScanFailure.
	RefreshCatalog(entries iter.Seq2[ScanEntry, error]) (int, error)

	// UpsertRecord writes exactly one record, used after a verified transfer
	// or a restore.
	UpsertRecord(path string, size int64, mtime float64, hash string) error

	// RecordBackup appends a backup record stamped with the current time.
	RecordBackup(originalPath, backupPath string, size int64, mtime float64, hash string) (*BackupRecord, error)

	// FindBackups returns backups taken within [start, end], newest first.
	// Records sharing a backup time are ordered by descending ID.
	FindBackups(start, end float64) ([]*BackupRecord, error)

	// SnapshotTo writes a consistent copy of the catalog to destPath, which
	// must not exist.
	SnapshotTo(destPath string) error

	StartSession(sessionID, peer string, requested int) (int64, error)
	FinishSession(id int64, received int, status string) error
	ListSessions(limit int) ([]*SyncSession, error)

	// CheckMigrations reports whether the schema is at the latest version.
	CheckMigrations() error
}
