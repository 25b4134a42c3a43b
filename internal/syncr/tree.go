package syncr

import (
	"io"
	"iter"
)

// ContentSource fingerprints files on demand. Diff uses it to hash
// candidates lazily.
type ContentSource interface {
	// Fingerprint re-stats path and computes its MD5 content hash. The error
	// wraps fs.ErrNotExist when the file is gone.
	Fingerprint(path string) (ScanEntry, string, error)
}

// FileTree is the live directory tree on one side of a sync. Paths are
// slash-separated and relative to the tree root.
type FileTree interface {
	ContentSource

	// Walk yields every regular, non-ignored file under the root.
	Walk() iter.Seq2[ScanEntry, error]

	// Stat returns the current size and modification time of path.
	Stat(path string) (ScanEntry, error)

	Open(path string) (io.ReadCloser, error)

	// WriteFile creates parent directories, streams content produced by write
	// into a temporary file next to path and renames it into place. The
	// temporary file is removed if write fails.
	WriteFile(path string, write func(w io.Writer) error) error

	// Chtimes sets the modification time of path.
	Chtimes(path string, mtime float64) error
}
