package server

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"syncr-go/internal/protocol"
	"syncr-go/internal/syncr"
)

// session is the state of one accepted connection. It owns the socket.
type session struct {
	*Server
	conn   *protocol.DeadlineConn
	id     string
	peer   string
	logger syncr.Logger
}

func (s *session) send(msg any) error {
	return protocol.Send(s.conn, msg)
}

func (s *session) dispatch(req protocol.Request) error {
	switch r := req.(type) {
	case *protocol.TimeSyncRequest:
		return s.timeSync(r)
	case *protocol.DBDownloadRequest:
		return s.sendSnapshot()
	case *protocol.FileSyncRequest:
		return s.fileSync(r)
	}
	return fmt.Errorf("%w: no handler for %s", syncr.ErrProtocol, req.Type())
}

func (s *session) timeSync(req *protocol.TimeSyncRequest) error {
	now := syncr.Seconds(s.clock.Now())
	diff := now - req.ClientTime
	s.logger.Info("time sync", "client_time", req.ClientTime, "time_diff", diff)

	return s.send(protocol.TimeSyncResponse{
		Status:     protocol.StatusOK,
		ServerTime: now,
		ClientTime: req.ClientTime,
		TimeDiff:   diff,
	})
}

// sendSnapshot streams a consistent copy of the catalog. A failure to
// produce the snapshot is reported to the peer and leaves the connection
// open.
func (s *session) sendSnapshot() error {
	dir, err := os.MkdirTemp(s.opts.TempDir, "snapshot-")
	if err != nil {
		s.logger.Error("creating snapshot directory", "error", err)
		return s.send(protocol.ErrorMessage("snapshot unavailable"))
	}
	defer os.RemoveAll(dir)

	snapPath := filepath.Join(dir, "catalog.db")
	if err := s.catalog.SnapshotTo(snapPath); err != nil {
		s.logger.Error("snapshotting catalog", "error", err)
		return s.send(protocol.ErrorMessage("snapshot failed: %v", err))
	}

	f, err := os.Open(snapPath)
	if err != nil {
		return s.send(protocol.ErrorMessage("snapshot unreadable: %v", err))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return s.send(protocol.ErrorMessage("snapshot unreadable: %v", err))
	}

	if err := s.send(protocol.SnapshotOffer{Status: protocol.StatusOK, Size: info.Size()}); err != nil {
		return err
	}

	var ack protocol.StatusMessage
	if err := protocol.Receive(s.conn, &ack); err != nil {
		return err
	}
	if err := protocol.CheckStatus(ack.Status, ack.Message, protocol.StatusReady); err != nil {
		return err
	}

	if err := protocol.SendPayload(s.conn, f, info.Size()); err != nil {
		return err
	}
	s.logger.Info("catalog snapshot sent", "bytes", info.Size())
	return nil
}

func (s *session) fileSync(req *protocol.FileSyncRequest) error {
	files := req.Descriptors()

	sessionRow, err := s.catalog.StartSession(s.id, s.peer, len(files))
	if err != nil {
		s.send(protocol.ErrorMessage("catalog unavailable"))
		return err
	}
	if err := s.send(protocol.StatusMessage{Status: protocol.StatusReady}); err != nil {
		s.finish(sessionRow, 0, syncr.SessionFailed)
		return err
	}
	s.logger.Info("file sync started", "files", len(files))

	received := 0
	for _, d := range files {
		ok, err := s.receiveFile(d)
		if err != nil {
			s.logger.Warn("file sync aborted", "path", d.Path, "received", received, "requested", len(files), "error", err)
			s.finish(sessionRow, received, syncr.SessionFailed)
			return err
		}
		if ok {
			received++
		}
	}

	status := syncr.SessionComplete
	if received < len(files) {
		status = syncr.SessionPartial
	}
	s.finish(sessionRow, received, status)
	s.logger.Info("file sync finished", "received", received, "requested", len(files))

	return s.send(protocol.SyncComplete{Status: protocol.StatusSyncComplete, ReceivedFiles: received})
}

func (s *session) finish(row int64, received int, status string) {
	if err := s.catalog.FinishSession(row, received, status); err != nil {
		s.logger.Error("recording sync session", "error", err)
	}
}

// receiveFile runs the exchange for one descriptor. It reports whether the
// file was accepted; an error means the connection can no longer be used.
func (s *session) receiveFile(d syncr.FileDescriptor) (bool, error) {
	logger := s.logger.With("path", d.Path)

	if err := s.backupExisting(d.Path, logger); err != nil {
		s.send(protocol.ErrorMessage("backing up %s failed", d.Path))
		return false, err
	}

	if err := s.send(protocol.StatusMessage{Status: protocol.StatusReadyForFile}); err != nil {
		return false, err
	}

	err := s.tree.WriteFile(d.Path, func(w io.Writer) error {
		return protocol.ReceivePayload(w, s.conn, d.Size)
	})
	if err != nil {
		return false, fmt.Errorf("receiving %s: %w", d.Path, err)
	}

	entry, hash, err := s.tree.Fingerprint(d.Path)
	if err != nil {
		s.send(protocol.ErrorMessage("verifying %s failed", d.Path))
		return false, fmt.Errorf("verifying %s: %w", d.Path, err)
	}
	if hash != d.Hash {
		logger.Warn("hash mismatch", "expected", d.Hash, "actual", hash)
		return false, s.send(protocol.StatusMessage{Status: protocol.StatusHashMismatch})
	}

	if err := s.tree.Chtimes(d.Path, d.ModifiedTime); err != nil {
		s.send(protocol.ErrorMessage("setting times on %s failed", d.Path))
		return false, fmt.Errorf("setting times on %s: %w", d.Path, err)
	}
	if err := s.catalog.UpsertRecord(d.Path, entry.Size, d.ModifiedTime, hash); err != nil {
		s.send(protocol.ErrorMessage("catalog update for %s failed", d.Path))
		return false, err
	}

	logger.Info("file received", "bytes", entry.Size)
	return true, s.send(protocol.StatusMessage{Status: protocol.StatusFileReceived})
}

// backupExisting preserves the current content of p, if any, and commits
// its backup record.
func (s *session) backupExisting(p string, logger syncr.Logger) error {
	entry, err := s.tree.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", p, err)
	}

	f, err := s.tree.Open(p)
	if err != nil {
		return fmt.Errorf("opening %s: %w", p, err)
	}
	defer f.Close()

	key := backupKey(p, s.clock.Now(), s.ids.New())
	h := syncr.NewHash()
	if err := s.area.Put(key, io.TeeReader(f, h), entry.Size); err != nil {
		return fmt.Errorf("storing backup of %s: %w", p, err)
	}

	rec, err := s.catalog.RecordBackup(p, key, entry.Size, entry.ModifiedTime, syncr.SumHex(h))
	if err != nil {
		return err
	}
	logger.Info("existing file backed up", "backup", key, "backup_id", rec.ID)
	return nil
}

// backupKey names the artifact for a file replaced at t:
// <dir>/<base>_<UTC timestamp>_<short id>.
func backupKey(p string, t time.Time, id string) string {
	short := strings.ReplaceAll(id, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	name := fmt.Sprintf("%s_%s_%s", path.Base(p), t.UTC().Format("20060102T150405Z"), short)
	if dir := path.Dir(p); dir != "." {
		return dir + "/" + name
	}
	return name
}
