package testutil

import (
	"testing"

	"syncr-go/internal/catalog"
	"syncr-go/internal/syncr"
)

// NewTestCatalog returns an in-memory catalog closed when the test ends.
func NewTestCatalog(t *testing.T, clock syncr.Clock) *catalog.SQLiteCatalog {
	t.Helper()

	c, err := catalog.NewSQLiteCatalog(":memory:", catalog.WithClock(clock))
	if err != nil {
		t.Fatalf("failed to open catalog: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}
