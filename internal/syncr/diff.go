package syncr

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
)

// Diff computes the transfer set: every local file the remote side lacks or
// holds different content for.
//
// A local record is a candidate when the remote record is missing or when
// size or modification time differ by more than the thresholds. Only
// candidates are hashed. A candidate whose fresh hash equals the remote
// stored hash is dropped. Candidates that vanished since the scan are
// skipped. Paths known only to the remote side are never returned.
func Diff(local, remote []*FileRecord, src ContentSource, th Thresholds) ([]FileDescriptor, error) {
	remoteByPath := make(map[string]*FileRecord, len(remote))
	for _, r := range remote {
		remoteByPath[r.Path] = r
	}

	var out []FileDescriptor
	for _, l := range local {
		r := remoteByPath[l.Path]
		if r != nil && !exceeds(l, r, th) {
			continue
		}

		entry, hash, err := src.Fingerprint(l.Path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("fingerprinting %s: %w", l.Path, err)
		}

		if r != nil && r.ContentHash != "" && r.ContentHash == hash {
			continue
		}

		out = append(out, FileDescriptor{
			Path:         l.Path,
			Size:         entry.Size,
			ModifiedTime: entry.ModifiedTime,
			Hash:         hash,
		})
	}
	return out, nil
}

func exceeds(l, r *FileRecord, th Thresholds) bool {
	sizeDelta := l.Size - r.Size
	if sizeDelta < 0 {
		sizeDelta = -sizeDelta
	}
	if sizeDelta > th.SizeBytes {
		return true
	}
	return math.Abs(l.ModifiedTime-r.ModifiedTime) > th.TimeSeconds
}
