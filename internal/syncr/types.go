package syncr

import (
	"math"
	"time"
)

// FileRecord is the catalog entry for one relative path.
// ContentHash is empty until the file has been hashed.
type FileRecord struct {
	Path         string
	Size         int64
	ModifiedTime float64
	ContentHash  string
	LastSyncTime float64
}

// BackupRecord describes the preserved copy of a file that was about to be
// overwritten. ModifiedTime and ContentHash describe the replaced content.
type BackupRecord struct {
	ID           int64
	OriginalPath string
	BackupPath   string
	Size         int64
	ModifiedTime float64
	BackupTime   float64
	ContentHash  string
}

// SyncSession is the server-side summary of one file_sync exchange.
type SyncSession struct {
	ID         int64
	SessionID  string
	Peer       string
	StartedAt  float64
	FinishedAt float64 // zero while in progress
	Requested  int
	Received   int
	Status     string
}

// Session statuses.
const (
	SessionRunning  = "running"
	SessionComplete = "complete"
	SessionPartial  = "partial"
	SessionFailed   = "failed"
)

// ScanEntry is one regular file yielded by a directory walk.
type ScanEntry struct {
	Path         string
	Size         int64
	ModifiedTime float64
}

// FileDescriptor is a member of the transfer set.
type FileDescriptor struct {
	Path         string
	Size         int64
	ModifiedTime float64
	Hash         string
}

// Thresholds gate the cheap metadata comparison in Diff.
type Thresholds struct {
	SizeBytes   int64
	TimeSeconds float64
}

// DefaultThresholds returns the 10 byte / 60 second defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{SizeBytes: 10, TimeSeconds: 60}
}

// Seconds converts t to floating-point seconds since the epoch.
func Seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// TimeFromSeconds is the inverse of Seconds.
func TimeFromSeconds(s float64) time.Time {
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9)))
}
