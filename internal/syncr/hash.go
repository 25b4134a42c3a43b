package syncr

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"regexp"
)

var hashPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// NewHash returns the content digest used throughout the catalog.
// MD5 is used for change detection only.
func NewHash() hash.Hash {
	return md5.New()
}

// HashReader returns the lower-case hex content hash of everything read from r.
func HashReader(r io.Reader) (string, int64, error) {
	h := NewHash()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, fmt.Errorf("hashing content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// SumHex formats a finished digest.
func SumHex(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// ValidHash reports whether s is a well-formed content hash.
func ValidHash(s string) bool {
	return hashPattern.MatchString(s)
}
