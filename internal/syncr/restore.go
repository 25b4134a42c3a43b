package syncr

import (
	"context"
	"fmt"
	"io"
	"sort"
)

// Restorer replays backup artifacts onto the live tree.
type Restorer struct {
	catalog Catalog
	area    BackupArea
	tree    FileTree
	logger  Logger
}

func NewRestorer(catalog Catalog, area BackupArea, tree FileTree, logger Logger) *Restorer {
	return &Restorer{
		catalog: catalog,
		area:    area,
		tree:    tree,
		logger:  logger,
	}
}

// ListBackups returns the backups taken within [start, end], newest first.
func (r *Restorer) ListBackups(start, end float64) ([]*BackupRecord, error) {
	records, err := r.catalog.FindBackups(start, end)
	if err != nil {
		return nil, fmt.Errorf("finding backups: %w", err)
	}
	return records, nil
}

// RestoreRange restores, for every path backed up within [start, end], the
// most recent backup in that window. Paths that fail to restore are logged
// and left out of the returned count.
func (r *Restorer) RestoreRange(ctx context.Context, start, end float64) (int, error) {
	records, err := r.catalog.FindBackups(start, end)
	if err != nil {
		return 0, fmt.Errorf("finding backups: %w", err)
	}

	selected := LatestBackups(records)
	r.logger.Info("restore started", "start", start, "end", end, "paths", len(selected))

	restored := 0
	for _, rec := range selected {
		if err := ctx.Err(); err != nil {
			return restored, err
		}
		if err := r.restoreOne(rec); err != nil {
			r.logger.Warn("restore skipped", "path", rec.OriginalPath, "backup", rec.BackupPath, "error", err)
			continue
		}
		r.logger.Info("file restored", "path", rec.OriginalPath, "backup", rec.BackupPath)
		restored++
	}

	r.logger.Info("restore finished", "restored", restored, "attempted", len(selected))
	return restored, nil
}

func (r *Restorer) restoreOne(rec *BackupRecord) error {
	path, err := CleanPath(rec.OriginalPath)
	if err != nil {
		return err
	}

	ok, err := r.area.Exists(rec.BackupPath)
	if err != nil {
		return fmt.Errorf("checking backup artifact: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingBackupArtifact, rec.BackupPath)
	}

	err = r.tree.WriteFile(path, func(w io.Writer) error {
		return r.area.Get(rec.BackupPath, w)
	})
	if err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	if err := r.tree.Chtimes(path, rec.ModifiedTime); err != nil {
		return fmt.Errorf("setting modification time: %w", err)
	}

	entry, hash, err := r.tree.Fingerprint(path)
	if err != nil {
		return fmt.Errorf("fingerprinting restored file: %w", err)
	}
	if rec.ContentHash != "" && rec.ContentHash != hash {
		r.logger.Warn("restored content does not match recorded hash", "path", path, "recorded", rec.ContentHash, "actual", hash)
	}

	if err := r.catalog.UpsertRecord(path, entry.Size, rec.ModifiedTime, hash); err != nil {
		return fmt.Errorf("updating catalog: %w", err)
	}
	return nil
}

// LatestBackups keeps one record per original path: the one with the
// greatest backup time, ties going to the greatest ID. The result is ordered
// by path.
func LatestBackups(records []*BackupRecord) []*BackupRecord {
	latest := make(map[string]*BackupRecord)
	for _, rec := range records {
		cur, ok := latest[rec.OriginalPath]
		if !ok || rec.BackupTime > cur.BackupTime || (rec.BackupTime == cur.BackupTime && rec.ID > cur.ID) {
			latest[rec.OriginalPath] = rec
		}
	}

	out := make([]*BackupRecord, 0, len(latest))
	for _, rec := range latest {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OriginalPath < out[j].OriginalPath })
	return out
}
