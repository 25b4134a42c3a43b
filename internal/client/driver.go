// Package client drives one push of the local tree to a syncr server.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"syncr-go/internal/catalog"
	"syncr-go/internal/protocol"
	"syncr-go/internal/syncr"
)

// SnapshotFileName is the downloaded copy of the server catalog inside the
// client data directory. It is removed after each diff.
const SnapshotFileName = "server_snapshot.db"

type Options struct {
	Thresholds  syncr.Thresholds
	Attempts    int // connection attempts; at least one is made
	RetryDelay  time.Duration
	DialTimeout time.Duration
	IOTimeout   time.Duration
	DataDir     string
}

// Summary reports what one push did.
type Summary struct {
	Scanned    int
	TimeDiff   float64
	Candidates int
	Sent       int   // files the server confirmed
	Mismatched int   // files the server rejected on hash
	BytesSent  int64 // payload bytes of confirmed files
	Received   int   // received_files reported by the server
}

type Driver struct {
	catalog syncr.Catalog
	tree    syncr.FileTree
	addr    string
	opts    Options
	clock   syncr.Clock
	logger  syncr.Logger
}

func NewDriver(cat syncr.Catalog, tree syncr.FileTree, addr string, opts Options, clock syncr.Clock, logger syncr.Logger) *Driver {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	return &Driver{
		catalog: cat,
		tree:    tree,
		addr:    addr,
		opts:    opts,
		clock:   clock,
		logger:  logger,
	}
}

// Run refreshes the local catalog and pushes every file the server lacks or
// holds different content for. Connection failures are retried.
func (d *Driver) Run(ctx context.Context) (*Summary, error) {
	scanned, err := d.catalog.RefreshCatalog(d.tree.Walk())
	if err != nil {
		return nil, fmt.Errorf("refreshing local catalog: %w", err)
	}
	d.logger.Info("local catalog refreshed", "files", scanned)

	var summary *Summary
	for attempt := 1; ; attempt++ {
		summary, err = d.session(ctx)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err == nil || !errors.Is(err, syncr.ErrConnection) || attempt >= d.opts.Attempts {
			break
		}

		d.logger.Warn("sync attempt failed", "attempt", attempt, "of", d.opts.Attempts, "retry_in", d.opts.RetryDelay, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.opts.RetryDelay):
		}
	}
	if err != nil {
		return nil, err
	}

	summary.Scanned = scanned
	return summary, nil
}

func (d *Driver) session(ctx context.Context) (*Summary, error) {
	dialer := net.Dialer{Timeout: d.opts.DialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to %s: %w", syncr.ErrConnection, d.addr, err)
	}
	defer raw.Close()
	stop := context.AfterFunc(ctx, func() { raw.Close() })
	defer stop()

	conn := protocol.NewDeadlineConn(raw, d.opts.IOTimeout)
	summary := &Summary{}

	summary.TimeDiff, err = d.syncTime(conn)
	if err != nil {
		return nil, err
	}

	remote, err := d.fetchRemoteRecords(conn)
	if err != nil {
		return nil, err
	}
	local, err := d.catalog.ListRecords()
	if err != nil {
		return nil, err
	}

	files, err := syncr.Diff(local, remote, d.tree, d.opts.Thresholds)
	if err != nil {
		return nil, fmt.Errorf("computing transfer set: %w", err)
	}
	summary.Candidates = len(files)
	d.logger.Info("transfer set computed", "local", len(local), "remote", len(remote), "files", len(files))

	if len(files) > 0 {
		if err := d.push(conn, files, summary); err != nil {
			return nil, err
		}
	}

	if err := protocol.Send(conn, protocol.NewCloseRequest()); err != nil {
		d.logger.Debug("sending close", "error", err)
	}
	return summary, nil
}

func (d *Driver) syncTime(conn *protocol.DeadlineConn) (float64, error) {
	if err := protocol.Send(conn, protocol.NewTimeSyncRequest(syncr.Seconds(d.clock.Now()))); err != nil {
		return 0, err
	}

	var resp protocol.TimeSyncResponse
	if err := protocol.Receive(conn, &resp); err != nil {
		return 0, err
	}
	if err := protocol.CheckStatus(resp.Status, "", protocol.StatusOK); err != nil {
		return 0, err
	}

	d.logger.Info("server clock offset", "time_diff", resp.TimeDiff)
	return resp.TimeDiff, nil
}

// fetchRemoteRecords downloads a snapshot of the server catalog and reads
// every record from it.
func (d *Driver) fetchRemoteRecords(conn *protocol.DeadlineConn) ([]*syncr.FileRecord, error) {
	if err := protocol.Send(conn, protocol.NewDBDownloadRequest()); err != nil {
		return nil, err
	}

	var offer protocol.SnapshotOffer
	if err := protocol.Receive(conn, &offer); err != nil {
		return nil, err
	}
	if err := protocol.CheckStatus(offer.Status, offer.Message, protocol.StatusOK); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(d.opts.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	snapPath := filepath.Join(d.opts.DataDir, SnapshotFileName)
	os.Remove(snapPath)
	defer os.Remove(snapPath)

	out, err := os.Create(snapPath)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot file: %w", err)
	}
	if err := protocol.Send(conn, protocol.StatusMessage{Status: protocol.StatusReady}); err != nil {
		out.Close()
		return nil, err
	}
	err = protocol.ReceivePayload(out, conn, offer.Size)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("writing snapshot file: %w", cerr)
	}
	if err != nil {
		return nil, err
	}
	d.logger.Info("server catalog downloaded", "bytes", offer.Size)

	snap, err := catalog.OpenSnapshot(snapPath)
	if err != nil {
		return nil, err
	}
	defer snap.Close()
	return snap.ListRecords()
}

func (d *Driver) push(conn *protocol.DeadlineConn, files []syncr.FileDescriptor, summary *Summary) error {
	if err := protocol.Send(conn, protocol.NewFileSyncRequest(files)); err != nil {
		return err
	}
	if err := expect(conn, protocol.StatusReady); err != nil {
		return err
	}

	for _, f := range files {
		ok, err := d.pushFile(conn, f)
		if err != nil {
			return fmt.Errorf("sending %s: %w", f.Path, err)
		}
		if !ok {
			summary.Mismatched++
			continue
		}
		summary.Sent++
		summary.BytesSent += f.Size
	}

	var done protocol.SyncComplete
	if err := protocol.Receive(conn, &done); err != nil {
		return err
	}
	if err := protocol.CheckStatus(done.Status, "", protocol.StatusSyncComplete); err != nil {
		return err
	}
	summary.Received = done.ReceivedFiles
	d.logger.Info("sync complete", "sent", summary.Sent, "requested", len(files), "server_received", done.ReceivedFiles)
	return nil
}

// pushFile streams one file. It reports false when the server rejected the
// content on hash.
func (d *Driver) pushFile(conn *protocol.DeadlineConn, f syncr.FileDescriptor) (bool, error) {
	if err := expect(conn, protocol.StatusReadyForFile); err != nil {
		return false, err
	}

	src, err := d.tree.Open(f.Path)
	if err != nil {
		return false, err
	}
	err = protocol.SendPayload(conn, src, f.Size)
	src.Close()
	if err != nil {
		return false, err
	}

	var msg protocol.StatusMessage
	if err := protocol.Receive(conn, &msg); err != nil {
		return false, err
	}
	switch msg.Status {
	case protocol.StatusFileReceived:
		if err := d.catalog.UpsertRecord(f.Path, f.Size, f.ModifiedTime, f.Hash); err != nil {
			return false, err
		}
		d.logger.Info("file sent", "path", f.Path, "bytes", f.Size)
		return true, nil
	case protocol.StatusHashMismatch:
		d.logger.Warn("server reported hash mismatch", "path", f.Path)
		return false, nil
	}
	return false, protocol.CheckStatus(msg.Status, msg.Message, protocol.StatusFileReceived, protocol.StatusHashMismatch)
}

func expect(conn *protocol.DeadlineConn, status string) error {
	var msg protocol.StatusMessage
	if err := protocol.Receive(conn, &msg); err != nil {
		return err
	}
	return protocol.CheckStatus(msg.Status, msg.Message, status)
}
