package syncr

import "io"

// BackupArea stores the preserved content of overwritten files. Keys are
// slash-separated and unique per backup record.
type BackupArea interface {
	// Put stores size bytes read from r under key. Storing to an existing key
	// is an error.
	Put(key string, r io.Reader, size int64) error

	// Get writes the content stored under key to w.
	Get(key string, w io.Writer) error

	// Exists reports whether key holds an artifact.
	Exists(key string) (bool, error)

	// ValidateSetup verifies that the area is accessible.
	ValidateSetup() error
}
