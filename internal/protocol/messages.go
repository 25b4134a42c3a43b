package protocol

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"syncr-go/internal/syncr"
)

// Request types.
const (
	TypeTimeSync   = "time_sync"
	TypeDBDownload = "db_download"
	TypeFileSync   = "file_sync"
	TypeClose      = "close"
)

// Status values.
const (
	StatusOK           = "ok"
	StatusError        = "error"
	StatusReady        = "ready"
	StatusReadyForFile = "ready_for_file"
	StatusFileReceived = "file_received"
	StatusHashMismatch = "hash_mismatch"
	StatusSyncComplete = "sync_complete"
)

// ErrUnknownRequest is returned by DecodeRequest for an unrecognized type.
var ErrUnknownRequest = errors.New("unknown request type")

// Request is one of the tagged request variants.
type Request interface {
	Type() string
	Validate() error
}

// TimeSyncRequest asks the server for its clock.
type TimeSyncRequest struct {
	Kind       string  `json:"type"`
	ClientTime float64 `json:"client_time"`
}

func NewTimeSyncRequest(clientTime float64) *TimeSyncRequest {
	return &TimeSyncRequest{Kind: TypeTimeSync, ClientTime: clientTime}
}

func (*TimeSyncRequest) Type() string { return TypeTimeSync }

func (r *TimeSyncRequest) Validate() error {
	if r.ClientTime <= 0 {
		return fmt.Errorf("client_time is required")
	}
	return nil
}

// DBDownloadRequest asks for a snapshot of the server catalog.
type DBDownloadRequest struct {
	Kind string `json:"type"`
}

func NewDBDownloadRequest() *DBDownloadRequest {
	return &DBDownloadRequest{Kind: TypeDBDownload}
}

func (*DBDownloadRequest) Type() string  { return TypeDBDownload }
func (*DBDownloadRequest) Validate() error { return nil }

// FileEntry describes one file in a file_sync request.
type FileEntry struct {
	Path         string  `json:"path"`
	Size         int64   `json:"size"`
	Hash         string  `json:"hash"`
	ModifiedTime float64 `json:"modified_time"`
}

// FileSyncRequest announces the files the client is about to push.
type FileSyncRequest struct {
	Kind  string      `json:"type"`
	Files []FileEntry `json:"files"`
}

func NewFileSyncRequest(files []syncr.FileDescriptor) *FileSyncRequest {
	entries := make([]FileEntry, len(files))
	for i, f := range files {
		entries[i] = FileEntry{Path: f.Path, Size: f.Size, Hash: f.Hash, ModifiedTime: f.ModifiedTime}
	}
	return &FileSyncRequest{Kind: TypeFileSync, Files: entries}
}

func (*FileSyncRequest) Type() string { return TypeFileSync }

// Validate checks every entry and normalizes its path.
func (r *FileSyncRequest) Validate() error {
	if r.Files == nil {
		return fmt.Errorf("files is required")
	}
	seen := make(map[string]bool, len(r.Files))
	for i := range r.Files {
		f := &r.Files[i]
		p, err := syncr.CleanPath(f.Path)
		if err != nil {
			return fmt.Errorf("files[%d]: %w", i, err)
		}
		if seen[p] {
			return fmt.Errorf("files[%d]: duplicate path %q", i, p)
		}
		seen[p] = true
		f.Path = p
		if f.Size < 0 {
			return fmt.Errorf("files[%d]: negative size", i)
		}
		if !syncr.ValidHash(f.Hash) {
			return fmt.Errorf("files[%d]: malformed hash %q", i, f.Hash)
		}
	}
	return nil
}

// Descriptors converts the request entries back to domain descriptors.
func (r *FileSyncRequest) Descriptors() []syncr.FileDescriptor {
	out := make([]syncr.FileDescriptor, len(r.Files))
	for i, f := range r.Files {
		out[i] = syncr.FileDescriptor{Path: f.Path, Size: f.Size, ModifiedTime: f.ModifiedTime, Hash: f.Hash}
	}
	return out
}

// CloseRequest ends the connection.
type CloseRequest struct {
	Kind string `json:"type"`
}

func NewCloseRequest() *CloseRequest {
	return &CloseRequest{Kind: TypeClose}
}

func (*CloseRequest) Type() string    { return TypeClose }
func (*CloseRequest) Validate() error { return nil }

// DecodeRequest parses a request frame into its tagged variant and validates it.
func DecodeRequest(frame []byte) (Request, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return nil, fmt.Errorf("%w: decoding request: %w", syncr.ErrProtocol, err)
	}

	var req Request
	switch envelope.Type {
	case TypeTimeSync:
		req = &TimeSyncRequest{}
	case TypeDBDownload:
		req = &DBDownloadRequest{}
	case TypeFileSync:
		req = &FileSyncRequest{}
	case TypeClose:
		req = &CloseRequest{}
	default:
		return nil, fmt.Errorf("%w: %w: %q", syncr.ErrProtocol, ErrUnknownRequest, envelope.Type)
	}

	if err := json.Unmarshal(frame, req); err != nil {
		return nil, fmt.Errorf("%w: decoding %s request: %w", syncr.ErrProtocol, envelope.Type, err)
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid %s request: %w", syncr.ErrProtocol, envelope.Type, err)
	}
	return req, nil
}

// TimeSyncResponse answers a time_sync request.
type TimeSyncResponse struct {
	Status     string  `json:"status"`
	ServerTime float64 `json:"server_time"`
	ClientTime float64 `json:"client_time"`
	TimeDiff   float64 `json:"time_diff"`
}

// SnapshotOffer answers a db_download request with the snapshot size.
type SnapshotOffer struct {
	Status  string `json:"status"`
	Size    int64  `json:"size"`
	Message string `json:"message,omitempty"`
}

// StatusMessage carries a bare status, used for acknowledgements, per-file
// results and errors.
type StatusMessage struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// SyncComplete ends a file_sync exchange.
type SyncComplete struct {
	Status        string `json:"status"`
	ReceivedFiles int    `json:"received_files"`
}

// ErrorMessage builds an error status with a human readable reason.
func ErrorMessage(format string, args ...any) StatusMessage {
	return StatusMessage{Status: StatusError, Message: fmt.Sprintf(format, args...)}
}

// CheckStatus returns nil when got equals want. A peer error status is
// reported with its message.
func CheckStatus(got, message string, want ...string) error {
	for _, w := range want {
		if got == w {
			return nil
		}
	}
	if got == StatusError {
		return fmt.Errorf("%w: peer reported error: %s", syncr.ErrProtocol, message)
	}
	return fmt.Errorf("%w: unexpected status %q, want %v", syncr.ErrProtocol, got, want)
}
